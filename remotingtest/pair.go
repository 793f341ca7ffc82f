// Package remotingtest provides support code for managing and testing
// channels.
package remotingtest

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/creachadair/taskgroup"

	"github.com/vornlabs/remoting"
	"github.com/vornlabs/remoting/transport"
)

// Local is a pair of in-memory connected channels, suitable for testing.
type Local struct {
	A *remoting.Channel
	B *remoting.Channel
}

// Stop closes both channels and blocks until both have exited.
func (p *Local) Stop() error {
	aerr := p.A.Close()
	berr := p.B.Close()
	if aerr != nil {
		return aerr
	}
	return berr
}

// NewLocal creates a pair of in-memory connected channels that communicate
// via a direct transport without encoding, built with the given builders.
// Passing nil for either builder uses remoting.NewBuilder with a default
// name.
func NewLocal(a, b *remoting.ChannelBuilder) (*Local, error) {
	if a == nil {
		a = remoting.NewBuilder("A")
	}
	if b == nil {
		b = remoting.NewBuilder("B")
	}
	a2b, b2a := transport.Direct()
	chA, err := a.BuildTransport(a2b, b.Capability())
	if err != nil {
		return nil, err
	}
	chB, err := b.BuildTransport(b2a, a.Capability())
	if err != nil {
		chA.Close()
		return nil, err
	}
	return &Local{A: chA, B: chB}, nil
}

// Accepter is implemented by a listener that can accept the next connected
// peer, reporting it as a [remoting.CommandTransport] already past
// handshake.
type Accepter interface {
	Accept(context.Context) (remoting.CommandTransport, Capability, error)
}

// Capability is the remote capability bitfield an Accepter's handshake
// discovered for the connection it returned. It is a type alias so callers
// don't need to import remoting just to satisfy this interface.
type Capability = remoting.Capability

// Loop accepts connections from acc and builds a channel for each one in a
// goroutine, using a [remoting.ChannelBuilder] from a pool filled by
// newBuilder; a builder goes back to the pool once its connection's channel
// has exited and is reused for a later connection. Loop continues until acc's Accept returns a closed-network
// error or ctx ends.
//
// When ctx terminates, all running channels are closed. When Accept reports
// the listener is closed, Loop waits for running channels to exit before
// returning.
func Loop(ctx context.Context, acc Accepter, newBuilder func() *remoting.ChannelBuilder) error {
	g := taskgroup.New(nil)
	pool := sync.Pool{New: func() any { return newBuilder() }}
	for {
		ct, remoteCaps, err := acc.Accept(ctx)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				err = nil
			}
			g.Wait()
			return err
		}

		g.Go(func() error {
			sctx, cancel := context.WithCancel(ctx)
			defer cancel()

			b := pool.Get().(*remoting.ChannelBuilder)
			defer pool.Put(b)

			ch, err := b.BuildTransport(ct, remoteCaps)
			if err != nil {
				return nil
			}
			go func() { <-sctx.Done(); ch.Close() }()
			return ch.Wait()
		})
	}
}

// NetAccepter adapts a net.Listener to the Accepter interface, performing
// the handshake described by hs over each accepted connection and framing
// it with the classic or chunked transport according to what the two sides
// negotiated.
func NetAccepter(lst net.Listener, hs remoting.Handshake, minFrameSize int) Accepter {
	return netAccepter{Listener: lst, hs: hs, minFrameSize: minFrameSize}
}

type netAccepter struct {
	net.Listener
	hs           remoting.Handshake
	minFrameSize int
}

func (n netAccepter) Accept(ctx context.Context) (remoting.CommandTransport, Capability, error) {
	// A net.Listener does not obey a context, so simulate it by closing the
	// listener if ctx ends. The ok channel allows the context watcher to
	// clean up when we return before ctx ends.
	ok := make(chan struct{})
	defer close(ok)
	taskgroup.Go(func() error {
		select {
		case <-ctx.Done():
			n.Listener.Close()
		case <-ok:
			// release the waiter
		}
		return nil
	})

	conn, err := n.Listener.Accept()
	if err != nil {
		return nil, 0, err
	}
	res, err := n.hs.Perform(conn, conn)
	if err != nil {
		conn.Close()
		return nil, 0, err
	}
	if res.RemoteCapabilities.Has(remoting.CapChunking) && n.hs.Capabilities.Has(remoting.CapChunking) {
		return transport.NewChunked(conn, conn, n.minFrameSize), res.RemoteCapabilities, nil
	}
	return transport.NewClassic(conn, conn), res.RemoteCapabilities, nil
}
