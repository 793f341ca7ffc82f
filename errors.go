package remoting

import "fmt"

// Kind classifies the failures a [Channel] or its collaborators can report.
type Kind byte

const (
	// KindTransport is a raw I/O failure on the underlying stream. Fatal to
	// the channel.
	KindTransport Kind = iota + 1

	// KindProtocol is a framing or handshake violation: unknown preamble,
	// oversize chunk, unknown command tag. Fatal.
	KindProtocol

	// KindChannelClosed reports an operation attempted after local or
	// remote close.
	KindChannelClosed

	// KindRequestAborted reports an outstanding call whose channel closed
	// before a response arrived.
	KindRequestAborted

	// KindInvalidObjectID reports a lookup against the export table for an
	// OID that is not present.
	KindInvalidObjectID

	// KindSecurityRefused reports a call refused locally because no handler
	// is registered ([Channel.Exec]). A call the peer refuses (by its role
	// checker, its arbitrary-callable setting, or a missing handler) does not
	// carry this kind: it reaches the caller as a [CallError] holding the
	// refusal message.
	KindSecurityRefused

	// KindSerialization reports a failure encoding or decoding a callable
	// or its result.
	KindSerialization

	// KindInterrupted reports a caller unblocked by context cancellation
	// while waiting in Call or Future.Get.
	KindInterrupted
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport error"
	case KindProtocol:
		return "protocol error"
	case KindChannelClosed:
		return "channel closed"
	case KindRequestAborted:
		return "request aborted"
	case KindInvalidObjectID:
		return "invalid object id"
	case KindSecurityRefused:
		return "security refused"
	case KindSerialization:
		return "serialization error"
	case KindInterrupted:
		return "interrupted"
	default:
		return fmt.Sprintf("kind(%d)", byte(k))
	}
}

// Error is the concrete error type reported by [Channel] operations and by
// the collaborators it owns. A remote exception is reported as a [CallError]
// whose Err is an Error of [KindSerialization] and whose Response carries the
// application-supplied message.
type Error struct {
	Kind  Kind
	Cause error  // wrapped underlying error, if any
	Msg   string // supplementary detail, used when Cause is nil
}

// Unwrap reports the underlying error of e, or nil.
func (e *Error) Unwrap() error { return e.Cause }

// Error satisfies the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
	} else if e.Msg != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	}
	return e.Kind.String()
}

func newError(kind Kind, err error) *Error { return &Error{Kind: kind, Cause: err} }

func newErrorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// IsKind reports whether err is a *Error (anywhere in its unwrap chain
// headed by err) whose Kind matches k.
func IsKind(err error, k Kind) bool {
	for err != nil {
		if e, ok := err.(*Error); ok && e.Kind == k {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// CallError is the concrete type of errors reported by [Channel.Call] for a
// response that carried a service exception, mirroring the shape of a
// CallError from a typical RPC client: the response is preserved so the
// caller can inspect its raw contents if the decoded message is not enough.
type CallError struct {
	Err      *Error
	Response *Response
}

// Unwrap reports the underlying error of c, or nil.
func (c *CallError) Unwrap() error { return c.Err }

func (c *CallError) Error() string {
	if c.Err != nil && c.Response == nil {
		return c.Err.Error()
	}
	return fmt.Sprintf("call %d failed: %s", c.Response.RequestID, c.Err.Error())
}
