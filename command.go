package remoting

import (
	"encoding/binary"
	"fmt"
)

// CommandType identifies the wire shape of a [Command].
type CommandType byte

// Recognized command types. These are the only variants a conforming peer
// emits; an unrecognized type on the wire is a protocol error.
const (
	TypeUserRequest CommandType = 1 + iota
	TypeUserResponse
	TypeCancel
	TypePipeChunk
	TypePipeAck
	TypePipeEOF
	TypePipeFlush
	TypePipeUnexport
	TypePipeNotifyDeadWriter
)

func (t CommandType) String() string {
	switch t {
	case TypeUserRequest:
		return "USER_REQUEST"
	case TypeUserResponse:
		return "USER_RESPONSE"
	case TypeCancel:
		return "CANCEL"
	case TypePipeChunk:
		return "PIPE_CHUNK"
	case TypePipeAck:
		return "PIPE_ACK"
	case TypePipeEOF:
		return "PIPE_EOF"
	case TypePipeFlush:
		return "PIPE_FLUSH"
	case TypePipeUnexport:
		return "PIPE_UNEXPORT"
	case TypePipeNotifyDeadWriter:
		return "PIPE_NOTIFY_DEAD_WRITER"
	default:
		return fmt.Sprintf("TYPE:%d", byte(t))
	}
}

// Command is the tagged-sum wire message exchanged between two peers.
// Dispatch on a received Command is a type switch keyed by its Type.
type Command interface {
	// Type reports the wire tag used to frame this command.
	Type() CommandType

	// Encode renders the command payload (excluding the type tag) in
	// binary format.
	Encode() []byte
}

// DecodeCommand decodes payload according to typ, the wire tag a
// [CommandTransport] read alongside it.
func DecodeCommand(typ CommandType, payload []byte) (Command, error) {
	switch typ {
	case TypeUserRequest:
		var c UserRequest
		return &c, c.decode(payload)
	case TypeUserResponse:
		var c UserResponse
		return &c, c.decode(payload)
	case TypeCancel:
		var c Cancel
		return &c, c.decode(payload)
	case TypePipeChunk:
		var c PipeChunk
		return &c, c.decode(payload)
	case TypePipeAck:
		var c PipeAck
		return &c, c.decode(payload)
	case TypePipeEOF:
		var c PipeEOF
		return &c, c.decode(payload)
	case TypePipeFlush:
		var c PipeFlush
		return &c, c.decode(payload)
	case TypePipeUnexport:
		var c PipeUnexport
		return &c, c.decode(payload)
	case TypePipeNotifyDeadWriter:
		var c PipeNotifyDeadWriter
		return &c, c.decode(payload)
	default:
		return nil, newErrorf(KindProtocol, "unknown command type %d", byte(typ))
	}
}

// UserRequest is the initial request for a call. SerializedCallable is an
// opaque, implementation-defined encoding of the callable to invoke;
// ClassLoaderOID correlates it with a deserialization context exported
// earlier on the same channel (0 means "use the channel's base context").
type UserRequest struct {
	RequestID          uint32
	LastIoID           uint64
	ClassLoaderOID     uint32
	SerializedCallable []byte
}

func (*UserRequest) Type() CommandType { return TypeUserRequest }

// Encode renders the request in binary format: 4-byte RequestID, 8-byte
// LastIoID, 4-byte ClassLoaderOID, then the serialized callable.
func (r *UserRequest) Encode() []byte {
	buf := make([]byte, 16+len(r.SerializedCallable))
	binary.BigEndian.PutUint32(buf[0:], r.RequestID)
	binary.BigEndian.PutUint64(buf[4:], r.LastIoID)
	binary.BigEndian.PutUint32(buf[12:], r.ClassLoaderOID)
	copy(buf[16:], r.SerializedCallable)
	return buf
}

func (r *UserRequest) decode(data []byte) error {
	if len(data) < 16 {
		return newErrorf(KindProtocol, "short user request payload (%d bytes)", len(data))
	}
	r.RequestID = binary.BigEndian.Uint32(data[0:])
	r.LastIoID = binary.BigEndian.Uint64(data[4:])
	r.ClassLoaderOID = binary.BigEndian.Uint32(data[12:])
	if len(data) > 16 {
		r.SerializedCallable = data[16:]
	} else {
		r.SerializedCallable = nil
	}
	return nil
}

func (r *UserRequest) String() string {
	return fmt.Sprintf("UserRequest(ID=%d, LastIo=%d, Loader=%d, %d bytes)",
		r.RequestID, r.LastIoID, r.ClassLoaderOID, len(r.SerializedCallable))
}

// UserResponse is the final response from a call. ResponseIoID is the last
// I/O id the responder observed before replying, and the caller waits for
// its channel's pipe writer to reach that id before returning the result.
type UserResponse struct {
	RequestID        uint32
	ResponseIoID     uint64
	IsException      bool
	SerializedResult []byte
}

func (*UserResponse) Type() CommandType { return TypeUserResponse }

// Encode renders the response in binary format: 4-byte RequestID, 8-byte
// ResponseIoID, 1-byte IsException flag, then the serialized result.
func (r *UserResponse) Encode() []byte {
	buf := make([]byte, 13+len(r.SerializedResult))
	binary.BigEndian.PutUint32(buf[0:], r.RequestID)
	binary.BigEndian.PutUint64(buf[4:], r.ResponseIoID)
	if r.IsException {
		buf[12] = 1
	}
	copy(buf[13:], r.SerializedResult)
	return buf
}

func (r *UserResponse) decode(data []byte) error {
	if len(data) < 13 {
		return newErrorf(KindProtocol, "short user response payload (%d bytes)", len(data))
	}
	r.RequestID = binary.BigEndian.Uint32(data[0:])
	r.ResponseIoID = binary.BigEndian.Uint64(data[4:])
	r.IsException = data[12] != 0
	if len(data) > 13 {
		r.SerializedResult = data[13:]
	} else {
		r.SerializedResult = nil
	}
	return nil
}

func (r *UserResponse) String() string {
	return fmt.Sprintf("UserResponse(ID=%d, ResponseIo=%d, Exception=%v, %d bytes)",
		r.RequestID, r.ResponseIoID, r.IsException, len(r.SerializedResult))
}

// Cancel is a cancellation signal for a pending call.
type Cancel struct {
	RequestID uint32
}

func (*Cancel) Type() CommandType { return TypeCancel }

func (c *Cancel) Encode() []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, c.RequestID)
	return buf
}

func (c *Cancel) decode(data []byte) error {
	if len(data) != 4 {
		return newErrorf(KindProtocol, "invalid cancel payload (%d bytes)", len(data))
	}
	c.RequestID = binary.BigEndian.Uint32(data)
	return nil
}

func (c *Cancel) String() string { return fmt.Sprintf("Cancel(ID=%d)", c.RequestID) }

// PipeChunk carries a segment of bytes written to an exported pipe, tagged
// with the ioId the sender allocated for this write so the receiver's
// sequencer can preserve ordering against other side effects.
type PipeChunk struct {
	IoID    uint64
	OID     uint32
	Payload []byte
}

func (*PipeChunk) Type() CommandType { return TypePipeChunk }

func (c *PipeChunk) Encode() []byte {
	buf := make([]byte, 12+len(c.Payload))
	binary.BigEndian.PutUint64(buf[0:], c.IoID)
	binary.BigEndian.PutUint32(buf[8:], c.OID)
	copy(buf[12:], c.Payload)
	return buf
}

func (c *PipeChunk) decode(data []byte) error {
	if len(data) < 12 {
		return newErrorf(KindProtocol, "short pipe chunk payload (%d bytes)", len(data))
	}
	c.IoID = binary.BigEndian.Uint64(data[0:])
	c.OID = binary.BigEndian.Uint32(data[8:])
	if len(data) > 12 {
		c.Payload = data[12:]
	} else {
		c.Payload = nil
	}
	return nil
}

func (c *PipeChunk) String() string {
	return fmt.Sprintf("PipeChunk(Io=%d, OID=%d, %d bytes)", c.IoID, c.OID, len(c.Payload))
}

// PipeAck acknowledges that size bytes previously sent as PipeChunk payload
// for OID have been durably written, releasing that much window capacity
// back to the sender.
type PipeAck struct {
	OID  uint32
	Size uint32
}

func (*PipeAck) Type() CommandType { return TypePipeAck }

func (a *PipeAck) Encode() []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint32(buf[0:], a.OID)
	binary.BigEndian.PutUint32(buf[4:], a.Size)
	return buf
}

func (a *PipeAck) decode(data []byte) error {
	if len(data) != 8 {
		return newErrorf(KindProtocol, "invalid pipe ack payload (%d bytes)", len(data))
	}
	a.OID = binary.BigEndian.Uint32(data[0:])
	a.Size = binary.BigEndian.Uint32(data[4:])
	return nil
}

func (a *PipeAck) String() string { return fmt.Sprintf("PipeAck(OID=%d, Size=%d)", a.OID, a.Size) }

// PipeEOF closes the pipe for OID after every write with ioId ≤ IoID has
// been applied, and triggers an unexport of OID.
type PipeEOF struct {
	IoID uint64
	OID  uint32
}

func (*PipeEOF) Type() CommandType { return TypePipeEOF }

func (e *PipeEOF) Encode() []byte {
	buf := make([]byte, 12)
	binary.BigEndian.PutUint64(buf[0:], e.IoID)
	binary.BigEndian.PutUint32(buf[8:], e.OID)
	return buf
}

func (e *PipeEOF) decode(data []byte) error {
	if len(data) != 12 {
		return newErrorf(KindProtocol, "invalid pipe eof payload (%d bytes)", len(data))
	}
	e.IoID = binary.BigEndian.Uint64(data[0:])
	e.OID = binary.BigEndian.Uint32(data[8:])
	return nil
}

func (e *PipeEOF) String() string { return fmt.Sprintf("PipeEOF(Io=%d, OID=%d)", e.IoID, e.OID) }

// PipeFlush requests that the writer for OID be flushed once every write
// with ioId ≤ IoID has been applied.
type PipeFlush struct {
	IoID uint64
	OID  uint32
}

func (*PipeFlush) Type() CommandType { return TypePipeFlush }

func (f *PipeFlush) Encode() []byte {
	buf := make([]byte, 12)
	binary.BigEndian.PutUint64(buf[0:], f.IoID)
	binary.BigEndian.PutUint32(buf[8:], f.OID)
	return buf
}

func (f *PipeFlush) decode(data []byte) error {
	if len(data) != 12 {
		return newErrorf(KindProtocol, "invalid pipe flush payload (%d bytes)", len(data))
	}
	f.IoID = binary.BigEndian.Uint64(data[0:])
	f.OID = binary.BigEndian.Uint32(data[8:])
	return nil
}

func (f *PipeFlush) String() string { return fmt.Sprintf("PipeFlush(Io=%d, OID=%d)", f.IoID, f.OID) }

// PipeUnexport drops the export table reference for OID without closing the
// underlying writer (used when a proxy is dropped without the stream ever
// having been used).
type PipeUnexport struct {
	IoID uint64
	OID  uint32
}

func (*PipeUnexport) Type() CommandType { return TypePipeUnexport }

func (u *PipeUnexport) Encode() []byte {
	buf := make([]byte, 12)
	binary.BigEndian.PutUint64(buf[0:], u.IoID)
	binary.BigEndian.PutUint32(buf[8:], u.OID)
	return buf
}

func (u *PipeUnexport) decode(data []byte) error {
	if len(data) != 12 {
		return newErrorf(KindProtocol, "invalid pipe unexport payload (%d bytes)", len(data))
	}
	u.IoID = binary.BigEndian.Uint64(data[0:])
	u.OID = binary.BigEndian.Uint32(data[8:])
	return nil
}

func (u *PipeUnexport) String() string {
	return fmt.Sprintf("PipeUnexport(Io=%d, OID=%d)", u.IoID, u.OID)
}

// PipeNotifyDeadWriter tells the sender that the real writer backing OID
// has failed, poisoning the local window so future writes fail with Cause.
type PipeNotifyDeadWriter struct {
	OID   uint32
	Cause string
}

func (*PipeNotifyDeadWriter) Type() CommandType { return TypePipeNotifyDeadWriter }

func (n *PipeNotifyDeadWriter) Encode() []byte {
	buf := make([]byte, 4+len(n.Cause))
	binary.BigEndian.PutUint32(buf[0:], n.OID)
	copy(buf[4:], n.Cause)
	return buf
}

func (n *PipeNotifyDeadWriter) decode(data []byte) error {
	if len(data) < 4 {
		return newErrorf(KindProtocol, "short pipe dead-writer payload (%d bytes)", len(data))
	}
	n.OID = binary.BigEndian.Uint32(data[0:])
	n.Cause = string(data[4:])
	return nil
}

func (n *PipeNotifyDeadWriter) String() string {
	return fmt.Sprintf("PipeNotifyDeadWriter(OID=%d, Cause=%q)", n.OID, n.Cause)
}
