package remoting

// CommandTransport is a reliable ordered stream of [Command] values shared
// by two peers, already past handshake and capability negotiation. A
// Channel is built directly on a CommandTransport, or on a reader/writer
// pair that transport.Dial wraps in one using [Handshake.Perform] to pick
// classic or chunked framing.
//
// Implementations live in package transport; this interface is declared
// here, rather than there, so that transport can import remoting without
// creating an import cycle back.
//
// The methods of an implementation must be safe for concurrent use by one
// sender and one receiver.
type CommandTransport interface {
	// Send the command to the receiver.
	Send(Command) error

	// Recv the next available command from the transport.
	Recv() (Command, error)

	// Close the transport, causing any pending send or receive operation to
	// terminate and report an error. After a transport is closed, all
	// further operations on it must report an error.
	Close() error
}
