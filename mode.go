package remoting

import "fmt"

// Mode selects the wire encoding used by a channel's command transport.
type Mode byte

const (
	// ModeNegotiate means the local side has no preset mode and will adopt
	// whatever mode the remote peer announces during the handshake.
	ModeNegotiate Mode = iota

	// ModeBinary sends raw command bytes.
	ModeBinary

	// ModeText is announced with the text preamble and negotiated like
	// ModeBinary. The transports in package transport do not encode command
	// bytes in this mode: they send the same raw framing as in ModeBinary.
	ModeText
)

func (m Mode) String() string {
	switch m {
	case ModeNegotiate:
		return "NEGOTIATE"
	case ModeBinary:
		return "BINARY"
	case ModeText:
		return "TEXT"
	default:
		return fmt.Sprintf("mode(%d)", byte(m))
	}
}

// Handshake preamble literals, written immediately upon connection and
// matched byte-for-byte by the peer's handshake scanner.
const (
	preambleCapacity = "<===[JENKINS REMOTING CAPACITY]===>"
	preambleBinary   = "<===[JENKINS REMOTING PROTOCOL]===>"
	preambleText     = "<===[JENKINS REMOTING TEXT]===>"
)

func modePreamble(m Mode) string {
	switch m {
	case ModeBinary:
		return preambleBinary
	case ModeText:
		return preambleText
	default:
		panic("remoting: no wire preamble for mode " + m.String())
	}
}
