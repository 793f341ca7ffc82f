package remoting

import (
	"context"
	"fmt"
)

// Request is the message passed to a [Handler] for an inbound call.
type Request struct {
	RequestID      uint32
	ClassLoaderOID uint32
	Data           []byte // the serialized callable
}

// Response is the result of a completed call, returned by [Channel.Call] and
// delivered to a [Future] by [Channel.CallAsync].
type Response struct {
	RequestID   uint32
	Data        []byte
	IsException bool
}

// A Handler executes an inbound serialized callable and produces the bytes
// of its serialized result. A channel has exactly one Handler, generalizing
// the "wildcard" handler of a method-dispatching RPC peer to the case where
// every inbound request names the same (and only) thing to do: run the
// callable it carries.
//
// By default, an error returned by the handler is reported to the caller as
// an exception whose serialized form is the error's message.
type Handler func(ctx context.Context, req *Request) ([]byte, error)

// pending is the per-call state tracked while an outbound request awaits its
// response. It is registered in Channel.pendingCalls under the request ID
// and is either fulfilled by a matching Response, or torn down by channel
// failure or by [Future.Cancel].
type pending chan *Response

func (p pending) deliver(r *Response) {
	if p != nil {
		p <- r
		close(p)
	}
}

func (p pending) abort() {
	if p != nil {
		close(p)
	}
}

// Future is the asynchronous handle returned by [Channel.CallAsync].
type Future struct {
	ch     *Channel
	id     uint32
	pc     pending
	result *Response
	err    error
}

// Get blocks until the call completes, ctx ends, or the future is canceled,
// and reports the result.
func (f *Future) Get(ctx context.Context) (*Response, error) {
	if f.result != nil || f.err != nil {
		return f.result, f.err
	}
	select {
	case rsp, ok := <-f.pc:
		if !ok {
			f.err = &Error{Kind: KindRequestAborted, Msg: fmt.Sprintf("request %d aborted", f.id)}
			return nil, f.err
		}
		f.result = rsp
		return rsp, nil
	case <-ctx.Done():
		return nil, newError(KindInterrupted, ctx.Err())
	}
}

// Cancel requests that the pending call be canceled. If mayInterrupt is
// true, a Cancel command is sent to the remote peer so its worker can be
// interrupted; otherwise Cancel only releases local interest in the result.
// Either way a Get that has not yet received the response reports
// [KindRequestAborted], and a response arriving later is discarded.
func (f *Future) Cancel(mayInterrupt bool) {
	if mayInterrupt {
		f.ch.sendCancel(f.id)
	}
	f.ch.mu.Lock()
	pc, ok := f.ch.ocall[f.id]
	if ok {
		delete(f.ch.ocall, f.id)
	}
	f.ch.mu.Unlock()
	if ok {
		pc.abort()
	}
}
