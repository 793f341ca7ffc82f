// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package remoting implements a symmetric, full-duplex command/response
// multiplexer between two peers over a byte-oriented transport.
//
// Each peer can invoke callables on the other, export long-lived objects
// whose methods are invoked remotely, and stream bytes through
// flow-controlled pipes, all concurrently over a single connection.
//
// # Channels
//
// The core type is the [Channel]. A Channel is built on an already-negotiated
// [CommandTransport] (see package transport for implementations and for
// transport.Dial, which performs the handshake over a byte stream and picks
// classic or chunked framing) using a [ChannelBuilder]:
//
//	ch, err := transport.Dial(remoting.NewBuilder("worker-1"), conn, conn, 0)
//	if err != nil {
//	   log.Fatalf("build channel: %v", err)
//	}
//	defer ch.Close()
//
// The channel runs until [Channel.Close] is called, the peer closes the
// connection, or a protocol fatal error occurs. Use [Channel.Wait] to block
// until the channel exits and report its status.
//
// # Calls
//
// A call is an exchange between two peers consisting of a [UserRequest] and
// its matching [UserResponse]. Register a [Handler] to service inbound
// calls:
//
//	ch.Handle(func(ctx context.Context, req *remoting.Request) ([]byte, error) {
//	    return req.Data, nil // echo
//	})
//
// To invoke a callable on the remote peer, use [Channel.Call]:
//
//	rsp, err := ch.Call(ctx, 0, []byte("some data"))
//
// [Channel.CallAsync] returns a future that can be canceled, sending a
// Cancel command to the remote peer.
//
// # Exports
//
// Use [Channel.Export] to publish an object to the remote peer by OID, and
// [Channel.Unexport] to drop it. The export table is reference counted; see
// package [export].
//
// # Pipes
//
// Flow-controlled byte streams are built from package [flow]; a Channel
// keeps one [flow.Window] per exported writer OID and serializes
// remote-invoked I/O through a single [flow.Writer] so that a response is
// never observed before the I/O that precedes it.
package remoting
