package remoting_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"

	"github.com/vornlabs/remoting"
	"github.com/vornlabs/remoting/transport"
)

func newPair(t *testing.T, a, b *remoting.ChannelBuilder) (*remoting.Channel, *remoting.Channel) {
	t.Helper()
	if a == nil {
		a = remoting.NewBuilder("a")
	}
	if b == nil {
		b = remoting.NewBuilder("b")
	}
	ta, tb := transport.Direct()
	chA, err := a.BuildTransport(ta, b.Capability())
	if err != nil {
		t.Fatalf("build A: %v", err)
	}
	chB, err := b.BuildTransport(tb, a.Capability())
	if err != nil {
		t.Fatalf("build B: %v", err)
	}
	return chA, chB
}

// closePair closes both halves of a Direct-transport pair concurrently and
// returns once both Close calls have returned.
func closePair(a, b *remoting.Channel) {
	done := make(chan struct{})
	go func() { a.Close(); close(done) }()
	b.Close()
	<-done
}

func TestCallEcho(t *testing.T) {
	defer leaktest.Check(t)()

	b := remoting.NewBuilder("b").WithHandler(func(ctx context.Context, req *remoting.Request) ([]byte, error) {
		return append([]byte(nil), req.Data...), nil
	})
	a, chB := newPair(t, nil, b)
	defer closePair(a, chB)

	rsp, err := a.Call(t.Context(), 0, []byte("hello"))
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if got := string(rsp.Data); got != "hello" {
		t.Errorf("Call: got %q, want %q", got, "hello")
	}
}

func TestCallException(t *testing.T) {
	defer leaktest.Check(t)()

	b := remoting.NewBuilder("b").WithHandler(func(ctx context.Context, req *remoting.Request) ([]byte, error) {
		return nil, errors.New("boom")
	})
	a, chB := newPair(t, nil, b)
	defer closePair(a, chB)

	_, err := a.Call(t.Context(), 0, nil)
	if err == nil {
		t.Fatal("Call: got nil error, want exception")
	}
	var ce *remoting.CallError
	if !errors.As(err, &ce) {
		t.Fatalf("Call: got %T, want *remoting.CallError", err)
	}
	if got := string(ce.Response.Data); got != "boom" {
		t.Errorf("Call: exception message = %q, want %q", got, "boom")
	}
}

func TestCallAsyncCancel(t *testing.T) {
	defer leaktest.Check(t)()

	started := make(chan struct{})
	release := make(chan struct{})
	b := remoting.NewBuilder("b").WithHandler(func(ctx context.Context, req *remoting.Request) ([]byte, error) {
		close(started)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-release:
			return []byte("late"), nil
		}
	})
	a, chB := newPair(t, nil, b)
	defer closePair(a, chB)

	fut, err := a.CallAsync(0, nil)
	if err != nil {
		t.Fatalf("CallAsync: %v", err)
	}
	<-started
	fut.Cancel(true)

	close(release) // let the handler goroutine exit either way if it missed the cancel
	rsp, err := fut.Get(t.Context())
	if err != nil {
		if !remoting.IsKind(err, remoting.KindRequestAborted) {
			t.Fatalf("Get: got %v, want nil or KindRequestAborted", err)
		}
		return
	}
	if !rsp.IsException {
		t.Fatalf("Get: got non-exception response %q, want the handler to observe cancellation", rsp.Data)
	}
}

func TestCallContextCancellation(t *testing.T) {
	defer leaktest.Check(t)()

	canceled := make(chan struct{})
	b := remoting.NewBuilder("b").WithHandler(func(ctx context.Context, req *remoting.Request) ([]byte, error) {
		<-ctx.Done()
		close(canceled)
		return nil, ctx.Err()
	})
	a, chB := newPair(t, nil, b)
	defer closePair(a, chB)

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Millisecond)
	defer cancel()

	_, err := a.Call(ctx, 0, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Call: got %v, want context.DeadlineExceeded", err)
	}
	select {
	case <-canceled:
	case <-time.After(time.Second):
		t.Fatal("remote handler's context was never canceled")
	}
}

// pairOverPipe connects two channels over a synchronous net.Pipe, where
// closing either end unblocks reads on both: unlike the in-memory Direct
// transport (whose two directions are independent channels), this lets a
// local Close alone terminate the dispatch loop without the peer's
// cooperation, matching what a real socket-backed transport does.
func pairOverPipe(t *testing.T, a, b *remoting.ChannelBuilder) (*remoting.Channel, *remoting.Channel) {
	t.Helper()
	if a == nil {
		a = remoting.NewBuilder("a")
	}
	if b == nil {
		b = remoting.NewBuilder("b")
	}
	c1, c2 := net.Pipe()
	chA, err := a.BuildTransport(transport.NewClassic(c1, c1), b.Capability())
	if err != nil {
		t.Fatalf("build A: %v", err)
	}
	chB, err := b.BuildTransport(transport.NewClassic(c2, c2), a.Capability())
	if err != nil {
		t.Fatalf("build B: %v", err)
	}
	return chA, chB
}

func TestCloseDrainsPending(t *testing.T) {
	defer leaktest.Check(t)()

	block := make(chan struct{})
	b := remoting.NewBuilder("b").WithHandler(func(ctx context.Context, req *remoting.Request) ([]byte, error) {
		<-block
		return nil, nil
	})
	a, chB := pairOverPipe(t, nil, b)
	defer chB.Close()

	errc := make(chan error, 1)
	go func() {
		_, err := a.Call(t.Context(), 0, nil)
		errc <- err
	}()

	time.Sleep(10 * time.Millisecond) // let the request reach the handler
	if err := a.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}

	select {
	case err := <-errc:
		if err == nil {
			t.Error("Call: got nil error after Close, want aborted request")
		} else if !remoting.IsKind(err, remoting.KindRequestAborted) {
			t.Errorf("Call: got %v, want KindRequestAborted", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Call never returned after Close")
	}
	close(block)
}

// slowWriter delays every write briefly, to exercise the pipe window's flow
// control against a sink slower than the writer: a window smaller than the
// payload forces at least one Get to block on an Ack before it can reopen.
type slowWriter struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func newSlowWriter() *slowWriter { return &slowWriter{} }

func (w *slowWriter) Write(p []byte) (int, error) {
	time.Sleep(time.Millisecond)
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

func (w *slowWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

func TestFlowControlledPipe(t *testing.T) {
	defer leaktest.Check(t)()

	sink := newSlowWriter()
	b := remoting.NewBuilder("b").WithCapacity(8)
	a, chB := newPair(t, remoting.NewBuilder("a").WithCapacity(8), b)
	defer closePair(a, chB)

	oid := chB.Export(io.Writer(sink))
	pw := a.OpenPipeWriter(oid)

	payload := bytes.Repeat([]byte("x"), 40)
	done := make(chan error, 1)
	go func() {
		_, err := pw.Write(payload)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Write: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pipe write never completed")
	}

	if err := pw.Close(); err != nil {
		t.Fatalf("Close pipe writer: %v", err)
	}
	time.Sleep(10 * time.Millisecond) // let PipeEOF unexport land
	if got := sink.String(); got != string(payload) {
		t.Errorf("sink contents = %q, want %q", got, string(payload))
	}
}

func TestLastIoIDOrdering(t *testing.T) {
	defer leaktest.Check(t)()

	var sink bytes.Buffer
	var mu sync.Mutex
	b := remoting.NewBuilder("b").WithHandler(func(ctx context.Context, req *remoting.Request) ([]byte, error) {
		mu.Lock()
		defer mu.Unlock()
		return append([]byte(nil), sink.Bytes()...), nil
	})
	a, chB := newPair(t, nil, b)
	defer closePair(a, chB)

	oid := chB.Export(io.Writer(lockedWriter{&mu, &sink}))
	pw := a.OpenPipeWriter(oid)
	if _, err := pw.Write([]byte("preceding write")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	rsp, err := a.Call(t.Context(), 0, nil)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if got := string(rsp.Data); got != "preceding write" {
		t.Errorf("Call observed sink = %q, want %q", got, "preceding write")
	}
	pw.Close()
}

type lockedWriter struct {
	mu  *sync.Mutex
	buf *bytes.Buffer
}

func (w lockedWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

func TestLogCommands(t *testing.T) {
	defer leaktest.Check(t)()

	b := remoting.NewBuilder("b").WithHandler(func(ctx context.Context, req *remoting.Request) ([]byte, error) {
		return req.Data, nil
	})
	a, chB := newPair(t, nil, b)
	defer closePair(a, chB)

	var mu sync.Mutex
	var sawSentRequest, sawReceivedResponse bool
	a.LogCommands(func(ci remoting.CommandInfo) {
		mu.Lock()
		defer mu.Unlock()
		switch ci.Command.(type) {
		case *remoting.UserRequest:
			if ci.Sent {
				sawSentRequest = true
			}
		case *remoting.UserResponse:
			if !ci.Sent {
				sawReceivedResponse = true
			}
		}
	})

	if _, err := a.Call(t.Context(), 0, []byte("x")); err != nil {
		t.Fatalf("Call: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if !sawSentRequest {
		t.Error("command logger never observed an outbound UserRequest")
	}
	if !sawReceivedResponse {
		t.Error("command logger never observed an inbound UserResponse")
	}
}
