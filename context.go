package remoting

import "context"

type channelContextKey struct{}

// ContextChannel returns the [Channel] associated with ctx, or nil if none
// is defined. The context passed to a [Handler] carries this value, so a
// handler can reach back into the channel it was invoked on — for example
// to call [Channel.Export] on an object before returning it by reference.
func ContextChannel(ctx context.Context) *Channel {
	if v := ctx.Value(channelContextKey{}); v != nil {
		return v.(*Channel)
	}
	return nil
}
