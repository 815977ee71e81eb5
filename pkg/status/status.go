// Package status carries bootstrap progress events from the orchestration
// layer to whatever presents them. Producers call Send with a context; the
// CLI owns the channel and decides how updates are rendered.
package status

import (
	"context"
	"sync"
	"time"
)

const (
	// DefaultChannelSize is the default buffer size for the status channel
	DefaultChannelSize = 100

	// DefaultFlushTimeout bounds how long cleanup waits for queued updates
	DefaultFlushTimeout = 5 * time.Second
)

// Level represents the severity level of a status update
type Level string

const (
	LevelInfo     Level = "info"
	LevelProgress Level = "progress"
	LevelSuccess  Level = "success"
	LevelWarning  Level = "warning"
	LevelError    Level = "error"
)

// Update is a single event on the status stream.
type Update struct {
	Level   Level
	Message string

	// Phase is the orchestration phase that produced the update (e.g. "StackCreating")
	Phase string

	// Resource is the kind of thing being acted on (e.g. "stack", "iam-role", "addon")
	Resource string

	// Action is what happened to it (e.g. "creating", "exists", "installed")
	Action string

	Metadata  map[string]any
	Timestamp time.Time
}

// NewUpdate creates a new Update with the current timestamp
func NewUpdate(level Level, message string) Update {
	return Update{
		Level:     level,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// WithPhase tags the update with an orchestration phase
func (u Update) WithPhase(phase string) Update {
	u.Phase = phase
	return u
}

// WithResource adds resource information to the status update
func (u Update) WithResource(resource string) Update {
	u.Resource = resource
	return u
}

// WithAction adds action information to the status update
func (u Update) WithAction(action string) Update {
	u.Action = action
	return u
}

// WithMetadata adds a metadata key to the status update
func (u Update) WithMetadata(key string, value any) Update {
	if u.Metadata == nil {
		u.Metadata = make(map[string]any)
	}
	u.Metadata[key] = value
	return u
}

// WithError records err under the "error" metadata key. A nil err is ignored.
func (u Update) WithError(err error) Update {
	if err == nil {
		return u
	}
	return u.WithMetadata("error", err.Error())
}

// Send publishes update on the channel stored in ctx, if any.
// It never blocks: when the channel is full the update is dropped.
func Send(ctx context.Context, update Update) {
	ch := getChannel(ctx)
	if ch == nil {
		return
	}

	if update.Timestamp.IsZero() {
		update.Timestamp = time.Now()
	}

	select {
	case ch <- update:
	default:
	}
}

// Handler processes each update received on the channel
type Handler func(Update)

// CleanupFunc closes the status channel and waits for the handler to drain it.
// It should be deferred immediately after calling StartHandler.
type CleanupFunc func()

// StartHandler creates a status channel, attaches it to the context and starts
// a goroutine feeding updates to handler.
//
//	ctx, cleanup := status.StartHandler(ctx, func(u status.Update) {
//	    slog.Info("status", "message", u.Message)
//	})
//	defer cleanup()
func StartHandler(ctx context.Context, handler Handler) (context.Context, CleanupFunc) {
	return StartHandlerWithOptions(ctx, handler, DefaultChannelSize, DefaultFlushTimeout)
}

// StartHandlerWithOptions is like StartHandler but allows customizing the channel size and flush timeout
func StartHandlerWithOptions(ctx context.Context, handler Handler, channelSize int, flushTimeout time.Duration) (context.Context, CleanupFunc) {
	ch := make(chan Update, channelSize)
	ctx = WithChannel(ctx, ch)

	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		defer wg.Done()
		for update := range ch {
			handler(update)
		}
	}()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			close(ch)

			done := make(chan struct{})
			go func() {
				wg.Wait()
				close(done)
			}()

			select {
			case <-done:
			case <-time.After(flushTimeout):
				// handler is stuck; shutdown must not hang on it
			}
		})
	}

	return ctx, cleanup
}

// Recorder collects updates in memory. It is safe for concurrent use and is
// mostly useful as a Handler in tests.
type Recorder struct {
	mu      sync.Mutex
	updates []Update
}

// Handle appends update to the recorder.
func (r *Recorder) Handle(update Update) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, update)
}

// Updates returns a copy of the recorded updates.
func (r *Recorder) Updates() []Update {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Update, len(r.updates))
	copy(out, r.updates)
	return out
}

// Phases returns the distinct phases seen, in first-seen order.
func (r *Recorder) Phases() []string {
	seen := make(map[string]bool)
	var phases []string
	for _, u := range r.Updates() {
		if u.Phase == "" || seen[u.Phase] {
			continue
		}
		seen[u.Phase] = true
		phases = append(phases, u.Phase)
	}
	return phases
}
