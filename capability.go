package remoting

import "encoding/binary"

// Capability is a 64-bit feature bitfield exchanged between peers during the
// handshake. Unknown bits are ignored by a peer that does not recognize
// them, so new flags can be added without breaking older implementations.
type Capability uint64

// Recognized capability flags. Bits not listed here are reserved for future
// use and must be preserved (but may be ignored) by a conforming peer.
const (
	// CapMultiClassLoaderRPC advertises support for carrying a classloader
	// correlation OID alongside a serialized callable.
	CapMultiClassLoaderRPC Capability = 1 << iota

	// CapPipeThrottling advertises support for PipeAck-based flow control
	// on exported writer streams.
	CapPipeThrottling

	// CapProxyWriter advertises the newer proxy-writer wire contract.
	CapProxyWriter

	// CapChunking advertises support for the chunked command transport. A
	// channel uses the chunked transport only when both peers set this bit.
	CapChunking
)

// Has reports whether c includes every bit set in flag.
func (c Capability) Has(flag Capability) bool { return c&flag == flag }

// Encode renders c as the little-endian 8-byte wire representation used in
// the capability preamble payload.
func (c Capability) Encode() []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(c))
	return buf
}

// EncodePreamble renders the full wire form of the capability preamble: the
// literal `<===[JENKINS REMOTING CAPACITY]===>` bytes, a 2-byte big-endian
// length, and c's little-endian payload — exactly what a peer writes
// immediately upon connection, before any mode preamble.
func (c Capability) EncodePreamble() []byte {
	payload := c.Encode()
	buf := make([]byte, 0, len(preambleCapacity)+2+len(payload))
	buf = append(buf, preambleCapacity...)
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(payload)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, payload...)
	return buf
}

// DecodeCapability parses a capability payload of 1 to 8 bytes (zero-padded
// on the high end if short) into a Capability value. Bytes beyond the
// eighth are ignored, matching the "unknown bits are ignored" rule for
// capabilities advertised by a newer peer.
func DecodeCapability(data []byte) Capability {
	var buf [8]byte
	copy(buf[:], data)
	return Capability(binary.LittleEndian.Uint64(buf[:]))
}
