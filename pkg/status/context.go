package status

import "context"

type contextKey string

const statusChannelKey contextKey = "status-channel"

// WithChannel returns a new context with the status channel attached.
// The channel should be buffered so senders are not dropped immediately.
func WithChannel(ctx context.Context, ch chan<- Update) context.Context {
	return context.WithValue(ctx, statusChannelKey, ch)
}

func getChannel(ctx context.Context) chan<- Update {
	if ctx == nil {
		return nil
	}

	ch, ok := ctx.Value(statusChannelKey).(chan<- Update)
	if !ok {
		return nil
	}

	return ch
}

// HasChannel returns true if the context contains a status channel
func HasChannel(ctx context.Context) bool {
	return getChannel(ctx) != nil
}
