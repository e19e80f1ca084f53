package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink writes events to a Kafka topic keyed by session. When Kafka is
// disabled it only logs.
type KafkaSink struct {
	writer  messageWriter
	topic   string
	source  string
	enabled bool
	log     *slog.Logger
}

func NewKafkaSink(cfg config.KafkaConfig, source string, log *slog.Logger) *KafkaSink {
	log = log.With(slog.String("component", "kafka-sink"))
	if !cfg.Enabled || len(cfg.Brokers) == 0 {
		log.Info("kafka disabled, using log-only mode")
		return &KafkaSink{topic: cfg.Topic, source: source, log: log}
	}

	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		Transport:    &kafka.Transport{Dial: dialer.DialFunc},
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				log.Error("failed to write to kafka", slog.String("error", err.Error()), slog.Int("messages", len(messages)))
			}
		},
	}
	log.Info("kafka sink initialized", slog.Any("brokers", cfg.Brokers), slog.String("topic", cfg.Topic))
	return &KafkaSink{writer: writer, topic: cfg.Topic, source: source, enabled: true, log: log}
}

func (s *KafkaSink) Publish(ctx context.Context, evt protocol.VoiceEvent) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if !s.enabled || s.writer == nil {
		s.log.Debug("voice event", slog.String("topic", s.topic), slog.String("kind", evt.Kind), slog.String("session", evt.SessionID))
		return nil
	}
	msg := kafka.Message{
		Key:   []byte(evt.SessionID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte(evt.Kind)},
			{Key: "source", Value: []byte(s.source)},
		},
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write to kafka: %w", err)
	}
	return nil
}

func (s *KafkaSink) Close() error {
	if s.writer == nil {
		return nil
	}
	return s.writer.Close()
}
