package status

import (
	"context"
	"testing"
)

func TestHasChannel(t *testing.T) {
	tests := []struct {
		name string
		ctx  context.Context
		want bool
	}{
		{
			name: "context with channel",
			ctx:  WithChannel(context.Background(), make(chan Update, 10)),
			want: true,
		},
		{
			name: "context without channel",
			ctx:  context.Background(),
			want: false,
		},
		{
			name: "nil context",
			ctx:  nil,
			want: false,
		},
		{
			name: "context with wrong type",
			ctx:  context.WithValue(context.Background(), statusChannelKey, "not a channel"),
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HasChannel(tt.ctx); got != tt.want {
				t.Errorf("HasChannel() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMultipleChannels(t *testing.T) {
	ch1 := make(chan Update, 10)
	ch2 := make(chan Update, 10)

	ctx := WithChannel(context.Background(), ch1)
	ctx = WithChannel(ctx, ch2)

	Send(ctx, NewUpdate(LevelInfo, "test"))

	select {
	case <-ch1:
		t.Error("Message sent to shadowed channel")
	case <-ch2:
	default:
		t.Error("Message not sent to any channel")
	}
}
