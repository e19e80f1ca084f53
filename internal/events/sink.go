// Package events fans normalized controller events out to the bus, Kafka and
// the lifecycle store.
package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/eventstore"
	"github.com/loqalabs/loqa-voice/internal/protocol"
)

// Sink receives every normalized event.
type Sink interface {
	Publish(ctx context.Context, evt protocol.VoiceEvent) error
	Close() error
}

// NATSSink publishes events on voice.event.<kind>.
type NATSSink struct {
	bus *bus.Client
}

func NewNATSSink(busClient *bus.Client) *NATSSink {
	return &NATSSink{bus: busClient}
}

func (s *NATSSink) Publish(_ context.Context, evt protocol.VoiceEvent) error {
	return s.bus.PublishJSON(protocol.VoiceEventSubject(evt.Kind), evt)
}

func (s *NATSSink) Close() error { return nil }

// StoreSink records session lifecycles. Transcript events are dropped here so
// no recognized text reaches disk.
type StoreSink struct {
	store *eventstore.Store
	log   *slog.Logger
}

func NewStoreSink(store *eventstore.Store, log *slog.Logger) *StoreSink {
	return &StoreSink{store: store, log: log}
}

func (s *StoreSink) Publish(ctx context.Context, evt protocol.VoiceEvent) error {
	switch evt.Kind {
	case protocol.EventStarted:
		if err := s.store.AppendSession(ctx, evt.SessionID, evt.Language); err != nil {
			return fmt.Errorf("record session: %w", err)
		}
		return s.store.AppendEvent(ctx, eventstore.Event{SessionID: evt.SessionID, Kind: eventstore.KindStarted, CreatedAt: evt.Timestamp})
	case protocol.EventStopped:
		err := s.store.AppendEvent(ctx, eventstore.Event{SessionID: evt.SessionID, Kind: eventstore.KindStopped, Reason: evt.Reason, CreatedAt: evt.Timestamp})
		return errors.Join(err, s.store.EndSession(ctx, evt.SessionID, evt.Reason))
	default:
		return nil
	}
}

func (s *StoreSink) Close() error { return nil }
