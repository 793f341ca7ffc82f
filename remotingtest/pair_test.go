package remotingtest_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/fortytw2/leaktest"

	"github.com/vornlabs/remoting"
	"github.com/vornlabs/remoting/remotingtest"
	"github.com/vornlabs/remoting/transport"
)

func mustListen(t *testing.T) (_ net.Listener, addr string) {
	t.Helper()
	lst, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	addr = lst.Addr().String()
	t.Cleanup(func() { lst.Close() })
	t.Logf("Listening at %q", addr)
	return lst, addr
}

func slowEcho(ctx context.Context, req *remoting.Request) ([]byte, error) {
	time.Sleep(7 * time.Millisecond)
	return req.Data, nil
}

func TestLoop(t *testing.T) {
	defer leaktest.Check(t)()

	lst, addr := mustListen(t)
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	// The server pins a mode so it writes a mode preamble; the client
	// negotiates and adopts whatever the server announces. Both sides
	// negotiating would deadlock, since neither would ever write one.
	hs := remoting.Handshake{Mode: remoting.ModeBinary, Capabilities: remoting.DefaultCapability}
	acc := remotingtest.NetAccepter(lst, hs, 0)

	loop := taskgroup.Go(func() error {
		return remotingtest.Loop(ctx, acc, func() *remoting.ChannelBuilder {
			return remoting.NewBuilder("server").WithMode(remoting.ModeBinary).WithHandler(slowEcho)
		})
	})
	t.Log("Started channel loop...")

	const numClients = 5
	const numCalls = 5
	t.Logf("Clients: %d, calls per client: %d", numClients, numCalls)

	g := taskgroup.New(func(err error) {
		cancel()
		t.Errorf("Task error: %v", err)
	})
	for range numClients {
		g.Go(func() error {
			conn, err := net.Dial("tcp", addr)
			if err != nil {
				return err
			}
			b := remoting.NewBuilder("client").WithMode(remoting.ModeNegotiate)
			ch, err := transport.Dial(b, conn, conn, 0)
			if err != nil {
				return err
			}
			ch.Handle(slowEcho)
			for j := range numCalls {
				_, err := ch.Call(t.Context(), 0, nil)
				if err != nil {
					t.Errorf("Call %d: %v", j+1, err)
				}
			}
			return ch.Close()
		})
	}
	t.Logf("Clients finished, err=%v", g.Wait())
	t.Logf("Closed listener, err=%v", lst.Close())
	t.Logf("Loop exited, err=%v", loop.Wait())
}

func TestNewLocal(t *testing.T) {
	defer leaktest.Check(t)()

	a := remoting.NewBuilder("a")
	b := remoting.NewBuilder("b").WithHandler(func(ctx context.Context, req *remoting.Request) ([]byte, error) {
		return req.Data, nil
	})
	p, err := remotingtest.NewLocal(a, b)
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}

	rsp, err := p.A.Call(t.Context(), 0, []byte("ping"))
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if got := string(rsp.Data); got != "ping" {
		t.Errorf("Call: got %q, want %q", got, "ping")
	}

	if err := p.Stop(); err != nil {
		t.Errorf("Stop: %v", err)
	}
}
