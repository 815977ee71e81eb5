package status

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestNewUpdate(t *testing.T) {
	before := time.Now()
	update := NewUpdate(LevelProgress, "Submitting stack")
	after := time.Now()

	if update.Level != LevelProgress {
		t.Errorf("Level = %v, want %v", update.Level, LevelProgress)
	}
	if update.Message != "Submitting stack" {
		t.Errorf("Message = %v, want 'Submitting stack'", update.Message)
	}
	if update.Timestamp.Before(before) || update.Timestamp.After(after) {
		t.Errorf("Timestamp %v is not between %v and %v", update.Timestamp, before, after)
	}
}

func TestUpdate_ChainedBuilders(t *testing.T) {
	update := NewUpdate(LevelProgress, "Creating role").
		WithPhase("AddonsInstalling").
		WithResource("iam-role").
		WithAction("creating").
		WithMetadata("role_name", "demo-ebs-csi").
		WithError(errors.New("throttled"))

	if update.Phase != "AddonsInstalling" {
		t.Errorf("Phase = %v, want AddonsInstalling", update.Phase)
	}
	if update.Resource != "iam-role" {
		t.Errorf("Resource = %v, want iam-role", update.Resource)
	}
	if update.Action != "creating" {
		t.Errorf("Action = %v, want creating", update.Action)
	}
	if update.Metadata["role_name"] != "demo-ebs-csi" {
		t.Errorf("Metadata[role_name] = %v, want demo-ebs-csi", update.Metadata["role_name"])
	}
	if update.Metadata["error"] != "throttled" {
		t.Errorf("Metadata[error] = %v, want throttled", update.Metadata["error"])
	}
}

func TestUpdate_WithNilError(t *testing.T) {
	update := NewUpdate(LevelInfo, "ok").WithError(nil)
	if update.Metadata != nil {
		t.Errorf("Metadata = %v, want nil", update.Metadata)
	}
}

func TestUpdate_BuildersDoNotAlias(t *testing.T) {
	base := NewUpdate(LevelInfo, "base")
	a := base.WithPhase("StackCreating")
	b := base.WithPhase("StackReady")

	if a.Phase == b.Phase {
		t.Errorf("builder results share phase %q", a.Phase)
	}
	if base.Phase != "" {
		t.Errorf("base Phase = %q, want empty", base.Phase)
	}
}

func TestSend_NoChannel(t *testing.T) {
	Send(context.Background(), NewUpdate(LevelInfo, "test"))
}

func TestSend_WithChannel(t *testing.T) {
	ch := make(chan Update, 10)
	ctx := WithChannel(context.Background(), ch)

	Send(ctx, NewUpdate(LevelInfo, "test message"))

	select {
	case received := <-ch:
		if received.Message != "test message" {
			t.Errorf("Received message = %v, want 'test message'", received.Message)
		}
	case <-time.After(100 * time.Millisecond):
		t.Error("Timeout waiting for status update")
	}
}

func TestSend_FullChannel(t *testing.T) {
	ch := make(chan Update, 1)
	ctx := WithChannel(context.Background(), ch)

	Send(ctx, NewUpdate(LevelInfo, "message 1"))

	done := make(chan bool)
	go func() {
		Send(ctx, NewUpdate(LevelInfo, "message 2"))
		done <- true
	}()

	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Error("Send() blocked on full channel")
	}

	msg := <-ch
	if msg.Message != "message 1" {
		t.Errorf("First message = %v, want 'message 1'", msg.Message)
	}
}

func TestSend_SetsTimestamp(t *testing.T) {
	ch := make(chan Update, 10)
	ctx := WithChannel(context.Background(), ch)

	Send(ctx, Update{Level: LevelInfo, Message: "test"})

	received := <-ch
	if received.Timestamp.IsZero() {
		t.Error("Timestamp was not set")
	}
}

func TestStartHandler_DeliversAndFlushes(t *testing.T) {
	rec := &Recorder{}
	ctx, cleanup := StartHandler(context.Background(), rec.Handle)

	Send(ctx, NewUpdate(LevelInfo, "one").WithPhase("StackCreating"))
	Send(ctx, NewUpdate(LevelInfo, "two").WithPhase("StackCreating"))
	Send(ctx, NewUpdate(LevelInfo, "three").WithPhase("StackReady"))
	cleanup()

	if got := len(rec.Updates()); got != 3 {
		t.Fatalf("recorded %d updates, want 3", got)
	}

	phases := rec.Phases()
	if len(phases) != 2 || phases[0] != "StackCreating" || phases[1] != "StackReady" {
		t.Errorf("Phases() = %v, want [StackCreating StackReady]", phases)
	}
}

func TestStartHandler_CleanupIsIdempotent(t *testing.T) {
	_, cleanup := StartHandler(context.Background(), func(Update) {})
	cleanup()
	cleanup()
}

func TestStartHandlerWithOptions_FlushTimeout(t *testing.T) {
	block := make(chan struct{})
	defer close(block)

	ctx, cleanup := StartHandlerWithOptions(context.Background(), func(Update) { <-block }, 10, 20*time.Millisecond)
	Send(ctx, NewUpdate(LevelInfo, "stuck"))

	start := time.Now()
	cleanup()
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("cleanup took %v with a stuck handler", elapsed)
	}
}
