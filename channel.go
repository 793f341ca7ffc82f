package remoting

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/creachadair/taskgroup"
	"golang.org/x/sync/semaphore"

	"github.com/vornlabs/remoting/export"
	"github.com/vornlabs/remoting/flow"
)

// DefaultWindowSize is the default per-pipe sliding send-window, in bytes.
const DefaultWindowSize = 1 << 17

// DefaultMinFrameSize is the default chunk payload size used by the chunked
// command transport.
const DefaultMinFrameSize = 4096

// DefaultCapability is the capability bitfield a [ChannelBuilder] advertises
// unless overridden with [ChannelBuilder.WithCapability].
const DefaultCapability = CapMultiClassLoaderRPC | CapPipeThrottling | CapProxyWriter | CapChunking

// ChannelBuilder configures and constructs a [Channel]. The zero value is
// not usable; construct one with [NewBuilder].
type ChannelBuilder struct {
	name       string
	mode       Mode
	capability Capability
	headerSink io.Writer

	windowSize   int64
	minFrameSize int

	allowArbitrary bool
	payloadFilter  func([]byte) ([]byte, error)
	decorators     []func(Handler) Handler
	roleChecker    func(context.Context, *Request) error

	unexportLogSize    int
	maxConcurrentCalls int64

	onExit  func(error)
	cmdLog  func(CommandInfo)
	handler Handler
}

// NewBuilder constructs a ChannelBuilder identified by name, used only for
// diagnostics, with the package defaults: mode negotiation, the full base
// capability set, and a 128 KiB pipe window.
func NewBuilder(name string) *ChannelBuilder {
	return &ChannelBuilder{
		name:            name,
		mode:            ModeNegotiate,
		capability:      DefaultCapability,
		windowSize:      DefaultWindowSize,
		minFrameSize:    DefaultMinFrameSize,
		allowArbitrary:  true,
		unexportLogSize: export.DefaultLogSize,
	}
}

// WithMode sets the local side's preferred wire mode. The default is
// [ModeNegotiate].
func (b *ChannelBuilder) WithMode(m Mode) *ChannelBuilder { b.mode = m; return b }

// WithCapability sets the local side's advertised capability bitfield.
func (b *ChannelBuilder) WithCapability(c Capability) *ChannelBuilder { b.capability = c; return b }

// WithHeaderSink installs a sink that receives bytes read from the peer
// before the handshake preamble is matched, letting an outer protocol's
// banner text be observed instead of silently discarded.
func (b *ChannelBuilder) WithHeaderSink(w io.Writer) *ChannelBuilder { b.headerSink = w; return b }

// WithCapacity sets the per-pipe sliding send-window size, in bytes.
func (b *ChannelBuilder) WithCapacity(n int64) *ChannelBuilder { b.windowSize = n; return b }

// WithMinFrameSize sets the chunk payload size used by the chunked command
// transport, when chunking is negotiated.
func (b *ChannelBuilder) WithMinFrameSize(n int) *ChannelBuilder { b.minFrameSize = n; return b }

// WithArbitraryCallables controls whether the channel's [Handler] is invoked
// for a serialized callable that did not arrive via a previously exported
// reference. When disabled, the channel itself answers every inbound request
// whose ClassLoaderOID is 0 with an exception response, without invoking the
// handler.
func (b *ChannelBuilder) WithArbitraryCallables(ok bool) *ChannelBuilder {
	b.allowArbitrary = ok
	return b
}

// WithPayloadFilter installs a function that inspects (and may rewrite or
// reject) an inbound serialized callable before it reaches the handler.
func (b *ChannelBuilder) WithPayloadFilter(f func([]byte) ([]byte, error)) *ChannelBuilder {
	b.payloadFilter = f
	return b
}

// WithDecorators appends handler-wrapping middleware. Each decorator wraps
// the result of the ones before it: the first decorator passed runs closest
// to the raw handler, and the last one runs outermost.
func (b *ChannelBuilder) WithDecorators(ds ...func(Handler) Handler) *ChannelBuilder {
	b.decorators = append(b.decorators, ds...)
	return b
}

// WithRoleChecker installs a function consulted before every inbound call is
// dispatched; a non-nil error refuses the call without invoking the handler.
// The refusal reaches the caller as an exception response whose data is the
// checker's error message, so the caller sees a [CallError]; the wire carries
// no error kind, and the caller does not receive [KindSecurityRefused].
func (b *ChannelBuilder) WithRoleChecker(f func(context.Context, *Request) error) *ChannelBuilder {
	b.roleChecker = f
	return b
}

// WithUnexportLogSize bounds the export table's diagnostic log of recently
// released object IDs.
func (b *ChannelBuilder) WithUnexportLogSize(n int) *ChannelBuilder {
	b.unexportLogSize = n
	return b
}

// WithMaxConcurrentCalls bounds the number of inbound calls the channel will
// execute at once; additional calls queue until a slot frees. A value of 0
// (the default) leaves the number of concurrently executing calls
// unbounded.
func (b *ChannelBuilder) WithMaxConcurrentCalls(n int64) *ChannelBuilder {
	b.maxConcurrentCalls = n
	return b
}

// OnExit registers a callback invoked, synchronously, with the error that
// caused the channel to terminate (nil for a clean close).
func (b *ChannelBuilder) OnExit(f func(error)) *ChannelBuilder {
	b.onExit = f
	return b
}

// WithCommandLogger registers a callback invoked for every command sent or
// received on the channel, including ones that will be discarded, before
// BuildTransport starts the dispatch loop. The logger runs synchronously
// with send/dispatch, so it must not block or call back into the channel.
func (b *ChannelBuilder) WithCommandLogger(log func(CommandInfo)) *ChannelBuilder {
	b.cmdLog = log
	return b
}

// WithHandler installs the channel's single inbound-call handler before the
// channel is built, so that the handler is already in place before
// [ChannelBuilder.BuildTransport] starts the dispatch loop and traffic could
// possibly arrive. Equivalent to calling [Channel.Handle] immediately after
// BuildTransport, without the race of traffic arriving first.
func (b *ChannelBuilder) WithHandler(h Handler) *ChannelBuilder {
	b.handler = h
	return b
}

// Mode reports the builder's configured wire mode preference.
func (b *ChannelBuilder) Mode() Mode { return b.mode }

// Capability reports the builder's configured capability bitfield.
func (b *ChannelBuilder) Capability() Capability { return b.capability }

// HeaderSink reports the builder's configured header-capture sink, or nil.
func (b *ChannelBuilder) HeaderSink() io.Writer { return b.headerSink }

// MinFrameSize reports the builder's configured chunked-transport frame
// size.
func (b *ChannelBuilder) MinFrameSize() int { return b.minFrameSize }

// BuildTransport starts the channel's dispatch loop on an already-negotiated
// ct. remoteCaps should be the peer's advertised capability bitfield, as
// reported by a [Handshake], or 0 if the transport needed no handshake (for
// example an in-memory pair from transport.Direct). A caller reading and
// writing raw bytes who wants the handshake performed and the classic or
// chunked framing chosen automatically from the negotiated capabilities
// should use transport.Dial, which does both and then calls BuildTransport
// itself.
func (b *ChannelBuilder) BuildTransport(ct CommandTransport, remoteCaps Capability) (*Channel, error) {
	ch := &Channel{
		name:           b.name,
		caps:           b.capability,
		remoteCaps:     remoteCaps,
		allowArbitrary: b.allowArbitrary,
		payloadFilter:  b.payloadFilter,
		roleChecker:    b.roleChecker,
		windowSize:     b.windowSize,
		decorators:     b.decorators,
		exports:        export.New(b.unexportLogSize),
		inWriter:       flow.NewWriter(1),
		base:           context.Background,
		onExit:         b.onExit,
		cmdLog:         b.cmdLog,
		metrics:        newChannelMetrics(),
		properties:     make(map[any]any),
		ocall:          make(map[uint32]pending),
		icall:          make(map[uint32]context.CancelFunc),
		windows:        make(map[uint32]*flow.Window),
	}
	ch.out.ct = ct
	if b.maxConcurrentCalls > 0 {
		ch.sem = semaphore.NewWeighted(b.maxConcurrentCalls)
	}
	if b.handler != nil {
		ch.Handle(b.handler)
	}

	ch.tasks = taskgroup.New(nil)
	ch.tasks.Go(func() error {
		for {
			cmd, err := ct.Recv()
			if err != nil {
				ch.fail(err)
				return nil
			}
			ch.metrics.packetRecv.Add(1)
			ch.logCommand(cmd, false)
			if err := ch.dispatch(cmd); err != nil {
				ch.fail(err)
				return nil
			}
		}
	})
	return ch, nil
}

// Handle registers the channel's single inbound-call handler. It is safe to
// call while the channel is running. With a nil handler, inbound calls are
// answered with a "no handler registered" exception response, and
// [Channel.Exec] fails with [KindSecurityRefused]. Handle returns ch to
// permit chaining.
func (ch *Channel) Handle(h Handler) *Channel {
	for _, d := range ch.decorators {
		h = d(h)
	}
	ch.mu.Lock()
	ch.handler = h
	ch.mu.Unlock()
	return ch
}

// state is a bitmask describing the lifecycle of a Channel's two
// independent halves: the local side stops sending (outClosed) and the
// remote side stops sending, detected when Recv fails (inClosed). The
// channel is fully closed once both bits are set.
type state byte

const (
	stateOutClosed state = 1 << iota
	stateInClosed
)

func (s state) fullyClosed() bool { return s&(stateOutClosed|stateInClosed) == stateOutClosed|stateInClosed }

func (s state) String() string {
	switch {
	case s.fullyClosed():
		return "fully-closed"
	case s&stateOutClosed != 0:
		return "out-closed"
	case s&stateInClosed != 0:
		return "in-closed"
	default:
		return "open"
	}
}

// A Channel is a bidirectional command/response multiplexer running over a
// single [CommandTransport]. Construct one with [NewBuilder].
//
// A Channel's exported methods are safe for concurrent use by multiple
// goroutines.
type Channel struct {
	name string

	tasks *taskgroup.Group
	sem   *semaphore.Weighted

	out struct {
		sync.Mutex
		ct CommandTransport
	}

	caps           Capability
	remoteCaps     Capability
	allowArbitrary bool
	payloadFilter  func([]byte) ([]byte, error)
	decorators     []func(Handler) Handler
	roleChecker    func(context.Context, *Request) error

	windowSize int64
	exports    *export.Table

	outIoID  atomic.Uint64
	inWriter *flow.Writer

	base func() context.Context

	mu         sync.Mutex
	state      state
	err        error
	handler    Handler
	ocall      map[uint32]pending
	nextReq    uint32
	icall      map[uint32]context.CancelFunc
	windows    map[uint32]*flow.Window // OID -> send-window for an exported writer
	properties map[any]any

	onExit  func(error)
	cmdLog  func(CommandInfo)
	metrics *channelMetrics
}

// CommandInfo describes one command observed crossing a channel, for use
// with [Channel.LogCommands].
type CommandInfo struct {
	Command      // the command being logged
	Sent    bool // whether the command was sent (true) or received (false)
}

// LogCommands registers a callback invoked for every command sent or
// received, including ones that will be discarded. Passing nil disables
// logging. Safe to call at any point in the channel's lifetime.
func (ch *Channel) LogCommands(log func(CommandInfo)) *Channel {
	ch.mu.Lock()
	ch.cmdLog = log
	ch.mu.Unlock()
	return ch
}

func (ch *Channel) logCommand(cmd Command, sent bool) {
	ch.mu.Lock()
	log := ch.cmdLog
	ch.mu.Unlock()
	if log != nil {
		log(CommandInfo{Command: cmd, Sent: sent})
	}
}

// Name reports the diagnostic name the channel was built with.
func (ch *Channel) Name() string { return ch.name }

// Metrics returns the channel's metrics map. Safe to read concurrently with
// channel activity.
func (ch *Channel) Metrics() *expvar.Map { return ch.metrics.emap }

// RemoteCapabilities reports the capability bitfield the peer advertised
// during the handshake.
func (ch *Channel) RemoteCapabilities() Capability { return ch.remoteCaps }

// Capabilities reports the capability bitfield this channel advertised
// during the handshake.
func (ch *Channel) Capabilities() Capability { return ch.caps }

// Property returns the value previously stored under key with SetProperty,
// or nil if none is set.
func (ch *Channel) Property(key any) any {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.properties[key]
}

// SetProperty stores an arbitrary local value under key, retrievable with
// Property. Properties are local bookkeeping; they are never sent to the
// peer.
func (ch *Channel) SetProperty(key, value any) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.properties == nil {
		ch.properties = make(map[any]any)
	}
	ch.properties[key] = value
}

// nextIoID allocates and returns the next outbound I/O id for this channel.
// IDs are drawn from a single monotonic sequence shared by every pipe the
// channel exports, per the wire format's LastIoID/ResponseIoID fields.
func (ch *Channel) nextIoID() uint64 { return ch.outIoID.Add(1) }

// callCancelGrace bounds how long Call waits for a response after sending a
// Cancel for a context that ended, before giving up and reporting the
// context's error even without the peer's acknowledgment.
const callCancelGrace = 50 * time.Millisecond

// Call sends a serialized callable to the peer and blocks for its response.
// classLoaderOID is passed through unchanged; pass 0 to use the peer's
// default deserialization context.
//
// If ctx ends before the peer replies, Call sends a [Cancel] for the
// request and continues waiting briefly for the peer to acknowledge it,
// rather than abandoning the request outright: this gives the peer a
// chance to stop whatever it was doing instead of leaving it to run to
// completion against a caller that has already given up. Whether or not the
// peer answers within that grace period, Call then reports a
// [KindInterrupted] error wrapping ctx.Err().
func (ch *Channel) Call(ctx context.Context, classLoaderOID uint32, data []byte) (_ *Response, err error) {
	ch.metrics.callOut.Add(1)
	defer func() {
		if err != nil {
			ch.metrics.callOutErr.Add(1)
		}
	}()

	id, pc, err := ch.sendReq(classLoaderOID, data)
	if err != nil {
		return nil, err
	}
	ch.metrics.callPending.Add(1)
	defer ch.metrics.callPending.Add(-1)

	done := ctx.Done()
	for {
		select {
		case <-done:
			ch.sendCancel(id)
			done = nil // don't re-enter this case

			t := time.NewTimer(callCancelGrace)
			select {
			case _, ok := <-pc:
				t.Stop()
				if !ok {
					return nil, &Error{Kind: KindRequestAborted, Msg: fmt.Sprintf("request %d aborted", id)}
				}
				return nil, newError(KindInterrupted, ctx.Err())
			case <-t.C:
				return nil, newError(KindInterrupted, ctx.Err())
			}

		case rsp, ok := <-pc:
			if !ok {
				return nil, &Error{Kind: KindRequestAborted, Msg: fmt.Sprintf("request %d aborted", id)}
			}
			return ch.finishCall(rsp)
		}
	}
}

func (ch *Channel) finishCall(rsp *Response) (*Response, error) {
	if rsp.IsException {
		return nil, &CallError{Err: &Error{Kind: KindSerialization, Msg: "remote exception"}, Response: rsp}
	}
	return rsp, nil
}

// CallAsync sends a serialized callable to the peer and returns immediately
// with a [Future] for its eventual response.
func (ch *Channel) CallAsync(classLoaderOID uint32, data []byte) (*Future, error) {
	id, pc, err := ch.sendReq(classLoaderOID, data)
	if err != nil {
		return nil, err
	}
	return &Future{ch: ch, id: id, pc: pc}, nil
}

func (ch *Channel) sendReq(classLoaderOID uint32, data []byte) (uint32, pending, error) {
	ch.mu.Lock()
	if err := ch.err; err != nil {
		ch.mu.Unlock()
		return 0, nil, newError(KindChannelClosed, err)
	}
	ch.nextReq++
	id := ch.nextReq
	pc := make(pending, 1)
	ch.ocall[id] = pc
	ch.mu.Unlock()

	err := ch.sendOut(&UserRequest{
		RequestID:          id,
		LastIoID:           ch.outIoID.Load(),
		ClassLoaderOID:     classLoaderOID,
		SerializedCallable: data,
	})

	ch.mu.Lock()
	defer ch.mu.Unlock()
	if err != nil {
		delete(ch.ocall, id)
		return 0, nil, err
	}
	return id, pc, nil
}

func (ch *Channel) sendCancel(id uint32) {
	if err := ch.sendOut(&Cancel{RequestID: id}); err != nil {
		ch.closeOut()
	}
}

// Exec runs the channel's handler on an inbound request directly, bypassing
// the network — used by tests and by code that wants to invoke the local
// handler the same way the dispatch loop does.
func (ch *Channel) Exec(ctx context.Context, req *Request) ([]byte, error) {
	ch.mu.Lock()
	h := ch.handler
	ch.mu.Unlock()
	if h == nil {
		return nil, &Error{Kind: KindSecurityRefused, Msg: "no handler registered"}
	}
	return h(ctx, req)
}

// dispatch routes one inbound command. Any error it returns is protocol
// fatal.
func (ch *Channel) dispatch(cmd Command) error {
	switch c := cmd.(type) {
	case *UserRequest:
		return ch.dispatchRequest(c)
	case *Cancel:
		ch.metrics.cancelIn.Add(1)
		ch.mu.Lock()
		cancel, ok := ch.icall[c.RequestID]
		ch.mu.Unlock()
		if ok {
			cancel()
		}
		return nil
	case *UserResponse:
		// dispatchResponse may wait for an async pipe-chunk apply task to
		// reach ResponseIoID; do that waiting off the reader goroutine so a
		// slow writer on one call doesn't delay delivery of every other
		// pending call's response.
		ch.tasks.Go(func() error {
			if err := ch.dispatchResponse(c); err != nil {
				ch.fail(err)
			}
			return nil
		})
		return nil
	case *PipeChunk:
		// Applying a chunk may block on a slow local writer (disk, a child
		// process's stdin); run it on a task so the single reader goroutine
		// is free to keep dispatching other commands (other pipes' acks,
		// responses, cancellations) while it waits. inWriter.Submit is what
		// keeps multiple in-flight chunks' applies in ioId order despite
		// running concurrently.
		ch.tasks.Go(func() error {
			if err := ch.applyPipeChunk(c); err != nil {
				ch.fail(err)
			}
			return nil
		})
		return nil
	case *PipeAck:
		return ch.dispatchPipeAck(c)
	case *PipeEOF:
		ch.tasks.Go(func() error {
			if err := ch.applyPipeEOF(c); err != nil {
				ch.fail(err)
			}
			return nil
		})
		return nil
	case *PipeFlush:
		ch.tasks.Go(func() error {
			if err := ch.applyPipeFlush(c); err != nil {
				ch.fail(err)
			}
			return nil
		})
		return nil
	case *PipeUnexport:
		ch.exports.Unexport(c.OID)
		ch.metrics.exportsLive.Set(int64(ch.exports.Len()))
		return nil
	case *PipeNotifyDeadWriter:
		ch.mu.Lock()
		w := ch.windows[c.OID]
		ch.mu.Unlock()
		if w != nil {
			w.Dead(newErrorf(KindTransport, "remote writer for oid %d died: %s", c.OID, c.Cause))
		}
		return nil
	default:
		return newErrorf(KindProtocol, "unrecognized command %T", cmd)
	}
}

func (ch *Channel) dispatchRequest(req *UserRequest) error {
	ch.metrics.callIn.Add(1)

	ch.mu.Lock()
	if _, dup := ch.icall[req.RequestID]; dup {
		ch.mu.Unlock()
		return ch.sendOut(&UserResponse{RequestID: req.RequestID, IsException: true,
			SerializedResult: []byte(fmt.Sprintf("duplicate request id %d", req.RequestID))})
	}
	h := ch.handler
	pf := ch.payloadFilter
	rc := ch.roleChecker
	ch.mu.Unlock()

	// A request whose ClassLoaderOID is 0 names no exported object: it asks
	// to run an arbitrary callable deserialized cold, rather than a method
	// reached through a reference the local side handed out. Refuse it
	// outright when the channel disallows that.
	if !ch.allowArbitrary && req.ClassLoaderOID == 0 {
		ch.metrics.callInErr.Add(1)
		return ch.sendOut(&UserResponse{RequestID: req.RequestID, IsException: true,
			SerializedResult: []byte("arbitrary callables are not allowed on this channel")})
	}

	pctx := context.WithValue(ch.base(), channelContextKey{}, ch)
	ctx, cancel := context.WithCancel(pctx)

	ch.mu.Lock()
	ch.icall[req.RequestID] = cancel
	ch.mu.Unlock()
	ch.metrics.callActive.Add(1)

	// Acquiring the concurrency-limiting semaphore (if configured) happens
	// inside the spawned task, never on this goroutine: this goroutine is
	// the channel's single reader, and blocking it on a full semaphore
	// would stall dispatch of every other inbound command, including the
	// cancellation that might be the only thing able to free a slot.
	ch.tasks.Go(func() error {
		defer cancel()
		defer ch.metrics.callActive.Add(-1)
		defer func() {
			ch.mu.Lock()
			delete(ch.icall, req.RequestID)
			ch.mu.Unlock()
		}()

		// Wait for every pipe write the caller had outstanding on this
		// channel before issuing the request to be applied here, so the
		// handler observes a consistent view of anything it wrote through a
		// pipe immediately before the call. Like the semaphore below, this
		// must happen on the task, not the reader: waiting on the reader
		// would block it from ever dispatching the PipeChunk this wait is
		// waiting on.
		if req.LastIoID > 0 {
			if err := ch.inWriter.Wait(req.LastIoID); err != nil {
				ch.metrics.callInErr.Add(1)
				ch.sendOut(&UserResponse{RequestID: req.RequestID, IsException: true,
					SerializedResult: []byte(err.Error())})
				return nil
			}
		}

		if ch.sem != nil {
			if err := ch.sem.Acquire(ctx, 1); err != nil {
				ch.metrics.callInErr.Add(1)
				ch.sendOut(&UserResponse{RequestID: req.RequestID, IsException: true,
					SerializedResult: []byte("interrupted waiting for a call slot")})
				return nil
			}
			defer ch.sem.Release(1)
		}

		if rc != nil {
			if err := rc(ctx, &Request{RequestID: req.RequestID, ClassLoaderOID: req.ClassLoaderOID, Data: req.SerializedCallable}); err != nil {
				ch.metrics.callInErr.Add(1)
				ch.sendOut(&UserResponse{RequestID: req.RequestID, IsException: true,
					SerializedResult: []byte(err.Error())})
				return nil
			}
		}

		data := req.SerializedCallable
		if pf != nil {
			filtered, err := pf(data)
			if err != nil {
				ch.metrics.callInErr.Add(1)
				ch.sendOut(&UserResponse{RequestID: req.RequestID, IsException: true,
					SerializedResult: []byte(err.Error())})
				return nil
			}
			data = filtered
		}

		if h == nil {
			ch.metrics.callInErr.Add(1)
			ch.sendOut(&UserResponse{RequestID: req.RequestID, IsException: true,
				SerializedResult: []byte("no handler registered")})
			return nil
		}

		result, err := func() (_ []byte, err error) {
			defer func() {
				if x := recover(); x != nil && err == nil {
					err = fmt.Errorf("handler panicked (recovered): %v", x)
				}
			}()
			return h(ctx, &Request{RequestID: req.RequestID, ClassLoaderOID: req.ClassLoaderOID, Data: data})
		}()

		rsp := &UserResponse{RequestID: req.RequestID, ResponseIoID: ch.outIoID.Load()}
		if err != nil {
			ch.metrics.callInErr.Add(1)
			rsp.IsException = true
			rsp.SerializedResult = []byte(err.Error())
		} else {
			rsp.SerializedResult = result
		}
		if err := ch.sendOut(rsp); err != nil {
			ch.closeOut()
		}
		return nil
	})
	return nil
}

func (ch *Channel) dispatchResponse(rsp *UserResponse) error {
	if rsp.ResponseIoID > 0 {
		if err := ch.inWriter.Wait(rsp.ResponseIoID); err != nil {
			return err
		}
	}
	ch.mu.Lock()
	pc, ok := ch.ocall[rsp.RequestID]
	if ok {
		delete(ch.ocall, rsp.RequestID)
	}
	ch.mu.Unlock()
	if !ok {
		return nil // discard response for an unknown (likely already-canceled) request
	}
	pc.deliver(&Response{RequestID: rsp.RequestID, Data: rsp.SerializedResult, IsException: rsp.IsException})
	return nil
}

func (ch *Channel) applyPipeChunk(c *PipeChunk) error {
	return ch.inWriter.Submit(c.IoID, func() error {
		obj, err := ch.exports.Get(c.OID)
		if err != nil {
			return nil // stale OID: the writer side has already been unexported
		}
		w, ok := obj.(io.Writer)
		if !ok {
			return newErrorf(KindProtocol, "oid %d is not a writer", c.OID)
		}
		n, err := w.Write(c.Payload)
		if err != nil {
			return ch.sendOut(&PipeNotifyDeadWriter{OID: c.OID, Cause: err.Error()})
		}
		return ch.sendOut(&PipeAck{OID: c.OID, Size: uint32(n)})
	})
}

func (ch *Channel) dispatchPipeAck(a *PipeAck) error {
	ch.mu.Lock()
	w := ch.windows[a.OID]
	ch.mu.Unlock()
	if w != nil {
		w.Increase(int64(a.Size))
	}
	ch.metrics.pipeBytesAcked.Add(int64(a.Size))
	return nil
}

func (ch *Channel) applyPipeEOF(e *PipeEOF) error {
	return ch.inWriter.Submit(e.IoID, func() error {
		obj, err := ch.exports.Get(e.OID)
		if err == nil {
			if c, ok := obj.(io.Closer); ok {
				c.Close()
			}
		}
		ch.exports.Unexport(e.OID)
		ch.metrics.exportsLive.Set(int64(ch.exports.Len()))
		return nil
	})
}

func (ch *Channel) applyPipeFlush(f *PipeFlush) error {
	return ch.inWriter.Submit(f.IoID, func() error {
		obj, err := ch.exports.Get(f.OID)
		if err == nil {
			if fl, ok := obj.(interface{ Flush() error }); ok {
				return fl.Flush()
			}
		}
		return nil
	})
}

// Export publishes obj to the peer by reference, returning the object ID
// the peer will use to address it.
func (ch *Channel) Export(obj any) uint32 {
	oid := ch.exports.Export(obj)
	ch.metrics.exportsTotal.Add(1)
	ch.metrics.exportsLive.Set(int64(ch.exports.Len()))
	return oid
}

// Unexport drops the local export table's reference for oid.
func (ch *Channel) Unexport(oid uint32) {
	ch.exports.Unexport(oid)
	ch.metrics.exportsLive.Set(int64(ch.exports.Len()))
}

// OpenPipeWriter returns a writer that sends its input to the peer as a
// sequence of PipeChunk commands addressed to oid (an OID the peer has
// exported, not the local side), obeying the sliding send-window size this
// channel was built with. The window is keyed by oid so that a PipeAck or
// PipeNotifyDeadWriter naming the same oid can find it again.
func (ch *Channel) OpenPipeWriter(oid uint32) io.WriteCloser {
	ch.mu.Lock()
	w, ok := ch.windows[oid]
	if !ok {
		w = flow.NewWindow(ch.windowSize)
		ch.windows[oid] = w
	}
	ch.mu.Unlock()
	return &pipeWriter{ch: ch, oid: oid, window: w}
}

type pipeWriter struct {
	ch     *Channel
	oid    uint32
	window *flow.Window
	mu     sync.Mutex
	closed bool
}

func (p *pipeWriter) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, &Error{Kind: KindChannelClosed, Msg: "pipe writer closed"}
	}
	windowMax := p.window.Max()
	total := 0
	for len(b) > 0 {
		l := int64(len(b))
		// The max/10 minimum reclaim prevents repeatedly sending tiny
		// chunks as the window drains close to empty.
		demand := windowMax / 10
		if demand > l {
			demand = l
		}
		if demand < 1 {
			demand = 1
		}
		avail, err := p.window.Get(demand)
		if err != nil {
			return total, err
		}
		n := avail
		if n > l {
			n = l
		}
		// The max/2 cap allows the next chunk to be in flight while this
		// one is still being acknowledged, instead of draining the whole
		// window into a single chunk.
		if half := windowMax / 2; n > half {
			n = half
		}
		p.window.Decrease(n)
		ioID := p.ch.nextIoID()
		if err := p.ch.sendOut(&PipeChunk{IoID: ioID, OID: p.oid, Payload: b[:n]}); err != nil {
			return total, err
		}
		p.ch.metrics.pipeBytesSent.Add(n)
		b = b[n:]
		total += int(n)
	}
	return total, nil
}

func (p *pipeWriter) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	p.window.Dead(&Error{Kind: KindChannelClosed, Msg: "pipe writer closed"})
	p.ch.mu.Lock()
	delete(p.ch.windows, p.oid)
	p.ch.mu.Unlock()
	return p.ch.sendOut(&PipeEOF{IoID: p.ch.nextIoID(), OID: p.oid})
}

func (ch *Channel) sendOut(cmd Command) error {
	ch.logCommand(cmd, true)
	ch.out.Lock()
	defer ch.out.Unlock()
	ch.metrics.packetSent.Add(1)
	return ch.out.ct.Send(cmd)
}

func (ch *Channel) closeOut() {
	ch.mu.Lock()
	ch.state |= stateOutClosed
	ch.mu.Unlock()

	ch.out.Lock()
	defer ch.out.Unlock()
	ch.out.ct.Close()
}

// State reports the channel's current lifecycle state.
func (ch *Channel) State() string {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state.String()
}

// Close closes the channel's transport and waits for it to fully terminate.
func (ch *Channel) Close() error {
	ch.closeOut()
	return ch.Wait()
}

// treatErrorAsSuccess reports whether err represents an ordinary close
// rather than a protocol failure.
func treatErrorAsSuccess(err error) bool {
	return err == nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}

// fail terminates all pending and executing calls, poisons every open pipe
// window, and records the error that caused the channel to stop. Pipe
// applies and response dispatch now run as concurrent tasks, any of which
// may independently observe a fatal condition, so fail must tolerate being
// called more than once; only the first call's error and exit callback take
// effect.
func (ch *Channel) fail(err error) {
	ch.closeOut()
	ch.inWriter.Kill(err)
	ch.exports.Abort(err)

	ch.mu.Lock()
	first := ch.err == nil
	if first {
		ch.err = err
	}
	for _, pc := range ch.ocall {
		pc.abort()
	}
	ch.ocall = nil
	for _, cancel := range ch.icall {
		cancel()
	}
	ch.icall = nil
	for _, w := range ch.windows {
		w.Dead(err)
	}
	ch.state |= stateInClosed
	ch.mu.Unlock()

	if first && ch.onExit != nil {
		if treatErrorAsSuccess(err) {
			ch.onExit(nil)
		} else {
			ch.onExit(err)
		}
	}
}

// Wait blocks until the channel's dispatch loop exits and reports the error
// that caused it to stop. A clean close (local Close, or the peer closing
// the connection) reports nil.
func (ch *Channel) Wait() error {
	ch.tasks.Wait()
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if treatErrorAsSuccess(ch.err) {
		return nil
	}
	return ch.err
}

// SyncIO blocks until every command sent on this channel so far has reached
// the underlying transport. Both [transport.Classic] and [transport.Chunked]
// flush synchronously inside Send, so there is never anything left
// buffered locally by the time SyncIO is called; it exists so callers
// ported from a transport with asynchronous local buffering have somewhere
// to put that wait.
func (ch *Channel) SyncIO() error {
	ch.mu.Lock()
	err := ch.err
	ch.mu.Unlock()
	if err != nil {
		return err
	}
	return nil
}

// Join blocks until the channel terminates, or timeout elapses. A timeout
// of 0 waits indefinitely.
func (ch *Channel) Join(timeout time.Duration) error {
	if timeout <= 0 {
		return ch.Wait()
	}
	done := make(chan error, 1)
	go func() { done <- ch.Wait() }()
	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		return &Error{Kind: KindTransport, Msg: "join timed out"}
	}
}
