// Package transport implements the [remoting.CommandTransport]
// implementations a [remoting.Channel] is built on: a classic transport that
// frames one command per underlying object-stream write, a chunked
// transport that frames commands behind a 16-bit length-prefixed header
// with a continuation bit, and an in-memory direct pair for tests.
package transport

import (
	"bufio"
	"encoding/binary"
	"io"
	"net"

	"github.com/vornlabs/remoting"
)

// Dial performs the handshake described by b's mode, capability, and header
// sink settings over r and wc, selects the chunked transport if both sides
// advertised [remoting.CapChunking] and classic otherwise, and returns the
// channel b.BuildTransport starts on the result. minFrameSize bounds chunk
// payloads; a value less than 1 uses b.MinFrameSize().
func Dial(b *remoting.ChannelBuilder, r io.Reader, wc io.WriteCloser, minFrameSize int) (*remoting.Channel, error) {
	if minFrameSize < 1 {
		minFrameSize = b.MinFrameSize()
	}
	hs := &remoting.Handshake{Mode: b.Mode(), Capabilities: b.Capability(), HeaderSink: b.HeaderSink()}
	res, err := hs.Perform(r, wc)
	if err != nil {
		return nil, err
	}

	var ct remoting.CommandTransport
	if res.RemoteCapabilities.Has(remoting.CapChunking) && b.Capability().Has(remoting.CapChunking) {
		ct = NewChunked(r, wc, minFrameSize)
	} else {
		ct = NewClassic(r, wc)
	}
	return b.BuildTransport(ct, res.RemoteCapabilities)
}

// Classic frames each command as: 1-byte CommandType tag, 4-byte big-endian
// payload length, then the payload. It is the simplest conforming framing
// and requires no prior agreement on chunk size.
type Classic struct {
	r *bufio.Reader
	w *bufio.Writer
	c io.Closer
}

// NewClassic constructs a Classic transport that reads from r and writes to
// wc, closing wc when the transport is closed.
func NewClassic(r io.Reader, wc io.WriteCloser) *Classic {
	return &Classic{r: bufio.NewReader(r), w: bufio.NewWriter(wc), c: wc}
}

// Send implements a method of the [remoting.CommandTransport] interface.
func (t *Classic) Send(cmd remoting.Command) error {
	payload := cmd.Encode()
	hdr := make([]byte, 5)
	hdr[0] = byte(cmd.Type())
	binary.BigEndian.PutUint32(hdr[1:], uint32(len(payload)))
	if _, err := t.w.Write(hdr); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := t.w.Write(payload); err != nil {
			return err
		}
	}
	return t.w.Flush()
}

// Recv implements a method of the [remoting.CommandTransport] interface.
func (t *Classic) Recv() (remoting.Command, error) {
	hdr := make([]byte, 5)
	if _, err := io.ReadFull(t.r, hdr); err != nil {
		return nil, err
	}
	typ := remoting.CommandType(hdr[0])
	n := binary.BigEndian.Uint32(hdr[1:])
	payload := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(t.r, payload); err != nil {
			return nil, err
		}
	}
	return remoting.DecodeCommand(typ, payload)
}

// Close implements a method of the [remoting.CommandTransport] interface.
func (t *Classic) Close() error { return t.c.Close() }

const (
	// chunkContinuation marks a chunk as non-terminal: more chunks follow
	// before the command payload is complete.
	chunkContinuation = 1 << 15
	// chunkLengthMask isolates the 15-bit length field of a chunk header.
	chunkLengthMask = chunkContinuation - 1
	// maxChunkPayload is the largest payload a single chunk header can
	// describe.
	maxChunkPayload = chunkLengthMask
)

// Chunked frames each command behind one or more fixed-format headers: a
// 16-bit big-endian value whose top bit is a continuation flag and whose
// low 15 bits are the byte length of the chunk that follows. A command
// whose encoded payload exceeds minFrameSize is split across chunks of at
// most minFrameSize bytes; the type tag is carried once, ahead of the first
// chunk. Recv reads every chunk of a command before decoding it.
//
// This mirrors the self-framing idiom chirp's packet encoding uses for its
// varint-prefixed length fields, generalized here to a fixed 2-byte header
// because the wire format in use predates a variable-length encoding.
type Chunked struct {
	r            *bufio.Reader
	w            *bufio.Writer
	c            io.Closer
	minFrameSize int
}

// NewChunked constructs a Chunked transport that reads from r and writes to
// wc, closing wc when the transport is closed. minFrameSize bounds the
// payload carried by a single chunk; values less than 1 default to
// maxChunkPayload.
func NewChunked(r io.Reader, wc io.WriteCloser, minFrameSize int) *Chunked {
	if minFrameSize < 1 || minFrameSize > maxChunkPayload {
		minFrameSize = maxChunkPayload
	}
	return &Chunked{r: bufio.NewReader(r), w: bufio.NewWriter(wc), c: wc, minFrameSize: minFrameSize}
}

// Send implements a method of the [remoting.CommandTransport] interface.
func (t *Chunked) Send(cmd remoting.Command) error {
	payload := cmd.Encode()
	if err := t.w.WriteByte(byte(cmd.Type())); err != nil {
		return err
	}
	for {
		n := len(payload)
		more := n > t.minFrameSize
		if more {
			n = t.minFrameSize
		}
		hdr := uint16(n)
		if more {
			hdr |= chunkContinuation
		}
		var hb [2]byte
		binary.BigEndian.PutUint16(hb[:], hdr)
		if _, err := t.w.Write(hb[:]); err != nil {
			return err
		}
		if n > 0 {
			if _, err := t.w.Write(payload[:n]); err != nil {
				return err
			}
		}
		if !more {
			break
		}
		payload = payload[n:]
	}
	return t.w.Flush()
}

// Recv implements a method of the [remoting.CommandTransport] interface.
func (t *Chunked) Recv() (remoting.Command, error) {
	typByte, err := t.r.ReadByte()
	if err != nil {
		return nil, err
	}
	typ := remoting.CommandType(typByte)

	var payload []byte
	for {
		var hb [2]byte
		if _, err := io.ReadFull(t.r, hb[:]); err != nil {
			return nil, err
		}
		hdr := binary.BigEndian.Uint16(hb[:])
		n := int(hdr & chunkLengthMask)
		if n > 0 {
			chunk := make([]byte, n)
			if _, err := io.ReadFull(t.r, chunk); err != nil {
				return nil, err
			}
			payload = append(payload, chunk...)
		}
		if hdr&chunkContinuation == 0 {
			break
		}
	}
	return remoting.DecodeCommand(typ, payload)
}

// Close implements a method of the [remoting.CommandTransport] interface.
func (t *Chunked) Close() error { return t.c.Close() }

// Direct constructs a connected pair of in-memory transports that pass
// commands directly without encoding into binary. Commands sent to A are
// received by B and vice versa.
func Direct() (A, B remoting.CommandTransport) {
	a2b := make(chan remoting.Command)
	b2a := make(chan remoting.Command)
	A = direct{send: a2b, recv: b2a}
	B = direct{send: b2a, recv: a2b}
	return
}

type direct struct {
	send chan<- remoting.Command
	recv <-chan remoting.Command
}

// Send implements a method of the [remoting.CommandTransport] interface.
func (d direct) Send(cmd remoting.Command) (err error) {
	defer safeClose(&err)
	d.send <- cmd
	return nil
}

// Recv implements a method of the [remoting.CommandTransport] interface.
func (d direct) Recv() (remoting.Command, error) {
	cmd, ok := <-d.recv
	if !ok {
		return nil, net.ErrClosed
	}
	return cmd, nil
}

// Close implements a method of the [remoting.CommandTransport] interface.
func (d direct) Close() (err error) {
	defer safeClose(&err)
	close(d.send)
	return nil
}

func safeClose(err *error) {
	if x := recover(); x != nil && *err == nil {
		*err = net.ErrClosed
	}
}
