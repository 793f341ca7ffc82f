package remoting

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Handshake performs the preamble exchange and capability negotiation that
// precedes command traffic on a fresh connection. Construct one with the
// local side's preferences and call Perform once the underlying stream is
// open.
type Handshake struct {
	// Mode is the local side's preferred wire mode. ModeNegotiate waits for
	// the peer to announce a mode and adopts it; if both sides negotiate,
	// the handshake blocks forever, since neither side writes first.
	Mode Mode

	// Capabilities is the local side's capability bitfield, sent to the
	// peer inside the capacity preamble, written unconditionally before
	// any mode preamble.
	Capabilities Capability

	// HeaderSink, if non-nil, receives every byte read from the peer before
	// the handshake that does not end up contributing to a matched preamble
	// or to the capability payload. This lets an outer protocol that prefixes banner text ahead
	// of the first real handshake byte observe (and log) that text instead
	// of having it silently discarded.
	HeaderSink io.Writer
}

// HandshakeResult reports the outcome of a completed [Handshake.Perform]:
// the mode the two sides settled on, and the remote side's advertised
// capabilities.
type HandshakeResult struct {
	Mode               Mode
	RemoteCapabilities Capability
}

// Perform writes the local preamble and capability bytes to w, reads the
// peer's preamble and capability bytes from r, and reports the negotiated
// mode and the peer's capabilities. r must not be consumed by any other
// reader until Perform returns.
//
// Both sides write the capability preamble unconditionally and first, per
// the wire format; the mode preamble follows immediately if the local side
// has a preset mode. ModeNegotiate instead waits to read the peer's mode
// preamble and echoes it back, so if both sides negotiate, neither ever
// writes a mode preamble and the handshake blocks forever.
func (h *Handshake) Perform(r io.Reader, w io.Writer) (*HandshakeResult, error) {
	// Read the peer one byte at a time, so that no byte past the handshake
	// is pulled out of r into a buffer that is dropped when Perform returns.
	br := bufio.NewReaderSize(byteAtATime{r}, 16)

	if err := writeCapability(w, h.Capabilities); err != nil {
		return nil, err
	}
	if h.Mode != ModeNegotiate {
		if _, err := io.WriteString(w, modePreamble(h.Mode)); err != nil {
			return nil, newError(KindTransport, err)
		}
	}

	peerCaps, peerMode, err := scanHandshakePreamble(br, h.HeaderSink)
	if err != nil {
		return nil, err
	}

	if h.Mode == ModeNegotiate {
		if _, err := io.WriteString(w, modePreamble(peerMode)); err != nil {
			return nil, newError(KindTransport, err)
		}
	} else if h.Mode != peerMode {
		return nil, newErrorf(KindProtocol, "handshake mode mismatch: local %s, peer %s", h.Mode, peerMode)
	}

	mode := h.Mode
	if mode == ModeNegotiate {
		mode = peerMode
	}
	return &HandshakeResult{Mode: mode, RemoteCapabilities: peerCaps}, nil
}

// byteAtATime limits every Read to a single byte, so a bufio.Reader built on
// it never holds bytes beyond the last one it was asked for.
type byteAtATime struct{ r io.Reader }

func (b byteAtATime) Read(p []byte) (int, error) {
	if len(p) > 1 {
		p = p[:1]
	}
	return b.r.Read(p)
}

func writeCapability(w io.Writer, c Capability) error {
	if _, err := w.Write(c.EncodePreamble()); err != nil {
		return newError(KindTransport, err)
	}
	return nil
}

// scanHandshakePreamble reads the peer's capability preamble (capacity
// literal, 2-byte big-endian length, that many bytes of capability payload)
// followed by its mode preamble, tolerating a legacy peer that skips the
// capacity preamble and writes a mode preamble directly. Bytes that fall out
// of the sliding match window without ever contributing to a match are teed
// to sink, if sink is non-nil.
func scanHandshakePreamble(r *bufio.Reader, sink io.Writer) (Capability, Mode, error) {
	idx, err := scanLiteral(r, sink, [][]byte{
		[]byte(preambleCapacity),
		[]byte(preambleBinary),
		[]byte(preambleText),
	})
	if err != nil {
		return 0, 0, err
	}
	switch idx {
	case 1:
		return 0, ModeBinary, nil
	case 2:
		return 0, ModeText, nil
	}

	caps, err := readCapabilityPayload(r)
	if err != nil {
		return 0, 0, err
	}
	idx, err = scanLiteral(r, sink, [][]byte{[]byte(preambleBinary), []byte(preambleText)})
	if err != nil {
		return 0, 0, err
	}
	if idx == 1 {
		return caps, ModeText, nil
	}
	return caps, ModeBinary, nil
}

func readCapabilityPayload(r *bufio.Reader) (Capability, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return 0, newError(KindTransport, err)
	}
	n := binary.BigEndian.Uint16(lenBuf[:])
	payload := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return 0, newError(KindTransport, err)
		}
	}
	return DecodeCapability(payload), nil
}

// scanLiteral reads bytes from r until one of literals has been matched in
// full as a suffix of the bytes read so far, and reports its index. It
// tolerates any bytes preceding the match, mirroring a peer that may emit
// banner text before its first real handshake byte; bytes that fall out of
// the sliding match window without ever contributing to a match are teed to
// sink, if sink is non-nil, as are any bytes still in the window ahead of the
// match when it completes.
func scanLiteral(r *bufio.Reader, sink io.Writer, literals [][]byte) (int, error) {
	maxLen := 0
	for _, l := range literals {
		if len(l) > maxLen {
			maxLen = len(l)
		}
	}

	var window bytes.Buffer
	for {
		b, err := r.ReadByte()
		if err != nil {
			return 0, newError(KindTransport, err)
		}
		window.WriteByte(b)
		buf := window.Bytes()
		if len(buf) > maxLen {
			stale := len(buf) - maxLen
			if sink != nil {
				sink.Write(buf[:stale])
			}
			buf = buf[stale:]
			window.Reset()
			window.Write(buf)
		}
		for i, l := range literals {
			if bytes.HasSuffix(buf, l) {
				if sink != nil && len(buf) > len(l) {
					sink.Write(buf[:len(buf)-len(l)])
				}
				return i, nil
			}
		}
	}
}

func init() {
	// Guard against an accidental change to the handshake preamble set going
	// unnoticed: every preamble must be distinct and non-empty.
	seen := map[string]bool{}
	for _, p := range []string{preambleCapacity, preambleBinary, preambleText} {
		if p == "" || seen[p] {
			panic(fmt.Sprintf("remoting: invalid preamble table (duplicate or empty: %q)", p))
		}
		seen[p] = true
	}
}
