package audio

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/nats-io/nats.go"
)

// BusSource reads loqa AudioFrame messages published on audio.frame.<session>.
type BusSource struct {
	bus *bus.Client
	log *slog.Logger
}

func NewBusSource(busClient *bus.Client, log *slog.Logger) *BusSource {
	return &BusSource{bus: busClient, log: log.With(slog.String("component", "audio-bus"))}
}

func (s *BusSource) Open(ctx context.Context, sessionID string) (<-chan Frame, error) {
	msgs := make(chan *nats.Msg, 256)
	subject := protocol.AudioFrameSubject(sessionID)
	sub, err := s.bus.Conn().ChanSubscribe(subject, msgs)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	if err := s.bus.Conn().Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("flush subscription: %w", err)
	}

	out := make(chan Frame, 64)
	go func() {
		defer close(out)
		defer sub.Unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-msgs:
				var af protocol.AudioFrame
				if err := json.Unmarshal(msg.Data, &af); err != nil {
					s.log.Warn("failed to decode audio frame", slog.String("error", err.Error()))
					continue
				}
				frame := Frame{PCM: af.PCM, SampleRate: af.SampleRate, Channels: af.Channels, Final: af.Final}
				select {
				case out <- frame:
				case <-ctx.Done():
					return
				}
				if frame.Final {
					return
				}
			}
		}
	}()
	return out, nil
}
