package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/loqalabs/loqa-voice/internal/voice"
)

// Snapshotter exposes the controller state the bridge reads when a session
// starts.
type Snapshotter interface {
	Snapshot() voice.Snapshot
}

// Bridge tags each controller session with a uuid and mirrors its callbacks
// to every sink before the caller's own callback runs.
type Bridge struct {
	state Snapshotter
	sinks []Sink
	log   *slog.Logger
	clock func() time.Time

	mu        sync.Mutex
	sessionID string
	language  string
}

func NewBridge(state Snapshotter, log *slog.Logger, sinks ...Sink) *Bridge {
	return &Bridge{
		state: state,
		sinks: sinks,
		log:   log.With(slog.String("component", "voice-events")),
		clock: time.Now,
	}
}

// SessionID is the uuid of the current or most recent session.
func (b *Bridge) SessionID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sessionID
}

// Wrap returns options whose callbacks publish before delegating to opts.
func (b *Bridge) Wrap(opts voice.Options) voice.Options {
	wrapped := opts
	wrapped.OnStarted = func() {
		language := opts.Language
		if language == "" {
			language = b.state.Snapshot().Language
		}
		b.mu.Lock()
		b.sessionID = uuid.NewString()
		b.language = language
		b.mu.Unlock()
		b.publish(protocol.EventStarted, "", "")
		if opts.OnStarted != nil {
			opts.OnStarted()
		}
	}
	wrapped.OnInterim = func(text string) {
		b.publish(protocol.EventInterim, text, "")
		if opts.OnInterim != nil {
			opts.OnInterim(text)
		}
	}
	wrapped.OnFinal = func(text string) {
		b.publish(protocol.EventFinal, text, "")
		if opts.OnFinal != nil {
			opts.OnFinal(text)
		}
	}
	wrapped.OnStopped = opts.OnStopped
	wrapped.OnStoppedReason = func(reason voice.StopReason) {
		b.publish(protocol.EventStopped, "", string(reason))
		if opts.OnStoppedReason != nil {
			opts.OnStoppedReason(reason)
		}
	}
	return wrapped
}

func (b *Bridge) publish(kind, text, reason string) {
	b.mu.Lock()
	evt := protocol.VoiceEvent{
		SessionID: b.sessionID,
		Kind:      kind,
		Text:      text,
		Language:  b.language,
		Reason:    reason,
		Timestamp: b.clock().UTC(),
	}
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, sink := range b.sinks {
		if err := sink.Publish(ctx, evt); err != nil {
			b.log.Warn("failed to publish voice event",
				slog.String("kind", kind), slog.String("session", evt.SessionID), slog.String("error", err.Error()))
		}
	}
}

// Close closes every sink.
func (b *Bridge) Close() {
	for _, sink := range b.sinks {
		if err := sink.Close(); err != nil {
			b.log.Warn("failed to close sink", slog.String("error", err.Error()))
		}
	}
}
