package transport_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/vornlabs/remoting"
	"github.com/vornlabs/remoting/transport"
)

type writeCloseBuffer struct{ bytes.Buffer }

func (writeCloseBuffer) Close() error { return nil }

// TestChunkedRoundTrip exercises a 4096-byte payload split into 115-byte
// chunks: the receiver must reassemble an identical payload, every chunk
// but the last must carry the continuation bit, and the last must not.
func TestChunkedRoundTrip(t *testing.T) {
	const frameSize = 115
	payload := bytes.Repeat([]byte("remoting"), 512) // 4096 bytes

	var buf writeCloseBuffer
	ct := transport.NewChunked(&buf, &buf, frameSize)

	cmd := &remoting.PipeChunk{IoID: 7, OID: 3, Payload: payload}
	if err := ct.Send(cmd); err != nil {
		t.Fatalf("Send: %v", err)
	}

	raw := buf.Bytes()
	if remoting.CommandType(raw[0]) != remoting.TypePipeChunk {
		t.Fatalf("type tag: got %d, want %d", raw[0], remoting.TypePipeChunk)
	}
	rest := raw[1:]
	var nchunks int
	for len(rest) > 0 {
		hdr := binary.BigEndian.Uint16(rest[:2])
		rest = rest[2:]
		n := int(hdr &^ (1 << 15))
		more := hdr&(1<<15) != 0
		if n > frameSize {
			t.Fatalf("chunk %d: length %d exceeds frame size %d", nchunks, n, frameSize)
		}
		rest = rest[n:]
		nchunks++
		if !more {
			if len(rest) != 0 {
				t.Fatalf("chunk %d had no continuation bit but %d bytes remain", nchunks-1, len(rest))
			}
			break
		}
	}
	wantChunks := (len(payload) + frameSize - 1) / frameSize
	if nchunks != wantChunks {
		t.Errorf("chunk count: got %d, want %d", nchunks, wantChunks)
	}

	ct2 := transport.NewChunked(bytes.NewReader(raw), &buf, frameSize)
	got, err := ct2.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	gotChunk, ok := got.(*remoting.PipeChunk)
	if !ok {
		t.Fatalf("Recv: got %T, want *remoting.PipeChunk", got)
	}
	if gotChunk.IoID != cmd.IoID || gotChunk.OID != cmd.OID {
		t.Errorf("Recv: got IoID=%d OID=%d, want IoID=%d OID=%d", gotChunk.IoID, gotChunk.OID, cmd.IoID, cmd.OID)
	}
	if diff := cmp.Diff(cmd.Payload, gotChunk.Payload); diff != "" {
		t.Errorf("Recv payload mismatch (-want +got):\n%s", diff)
	}
}

func TestChunkedSmallPayloadSingleChunk(t *testing.T) {
	var buf writeCloseBuffer
	ct := transport.NewChunked(&buf, &buf, 1024)

	cmd := &remoting.Cancel{RequestID: 42}
	if err := ct.Send(cmd); err != nil {
		t.Fatalf("Send: %v", err)
	}

	ct2 := transport.NewChunked(bytes.NewReader(buf.Bytes()), &buf, 1024)
	got, err := ct2.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	c, ok := got.(*remoting.Cancel)
	if !ok || c.RequestID != 42 {
		t.Errorf("Recv: got %#v, want Cancel{RequestID: 42}", got)
	}
}

func TestClassicRoundTrip(t *testing.T) {
	var buf writeCloseBuffer
	ct := transport.NewClassic(&buf, &buf)

	cmd := &remoting.UserRequest{RequestID: 1, LastIoID: 9, SerializedCallable: []byte("payload")}
	if err := ct.Send(cmd); err != nil {
		t.Fatalf("Send: %v", err)
	}

	ct2 := transport.NewClassic(bytes.NewReader(buf.Bytes()), &buf)
	got, err := ct2.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	ur, ok := got.(*remoting.UserRequest)
	if !ok {
		t.Fatalf("Recv: got %T, want *remoting.UserRequest", got)
	}
	if diff := cmp.Diff(cmd, ur); diff != "" {
		t.Errorf("Recv mismatch (-want +got):\n%s", diff)
	}
}

func TestDirectTransportRoundTrip(t *testing.T) {
	a, b := transport.Direct()
	cmd := &remoting.Cancel{RequestID: 5}

	errc := make(chan error, 1)
	go func() { errc <- a.Send(cmd) }()

	got, err := b.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if err := <-errc; err != nil {
		t.Fatalf("Send: %v", err)
	}
	if c, ok := got.(*remoting.Cancel); !ok || c.RequestID != 5 {
		t.Errorf("Recv: got %#v, want Cancel{RequestID: 5}", got)
	}

	a.Close()
	if _, err := b.Recv(); err == nil {
		t.Error("Recv after peer Close: got nil error, want a closed-channel error")
	}
}
