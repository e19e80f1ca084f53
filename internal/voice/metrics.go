package voice

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type controllerMetrics struct {
	started     metric.Int64Counter
	stopped     metric.Int64Counter
	transcripts metric.Int64Counter
	failures    metric.Int64Counter
}

func newControllerMetrics(log *slog.Logger) *controllerMetrics {
	meter := otel.Meter("github.com/loqalabs/loqa-voice/voice")
	m := &controllerMetrics{}
	var err error
	if m.started, err = meter.Int64Counter("loqa.voice.sessions.started",
		metric.WithDescription("Recognition sessions that reached listening")); err != nil {
		log.Warn("failed to create metric", slog.String("metric", "sessions.started"), slogError(err))
	}
	if m.stopped, err = meter.Int64Counter("loqa.voice.sessions.stopped",
		metric.WithDescription("Recognition sessions ended, by reason")); err != nil {
		log.Warn("failed to create metric", slog.String("metric", "sessions.stopped"), slogError(err))
	}
	if m.transcripts, err = meter.Int64Counter("loqa.voice.transcripts",
		metric.WithDescription("Transcript callbacks delivered, by kind")); err != nil {
		log.Warn("failed to create metric", slog.String("metric", "transcripts"), slogError(err))
	}
	if m.failures, err = meter.Int64Counter("loqa.voice.start_failures",
		metric.WithDescription("Start attempts that did not reach listening, by kind")); err != nil {
		log.Warn("failed to create metric", slog.String("metric", "start_failures"), slogError(err))
	}
	return m
}

func (m *controllerMetrics) sessionStarted() {
	if m.started != nil {
		m.started.Add(context.Background(), 1)
	}
}

func (m *controllerMetrics) sessionStopped(reason StopReason) {
	if m.stopped != nil {
		m.stopped.Add(context.Background(), 1, metric.WithAttributes(attribute.String("reason", string(reason))))
	}
}

func (m *controllerMetrics) transcript(kind string) {
	if m.transcripts != nil {
		m.transcripts.Add(context.Background(), 1, metric.WithAttributes(attribute.String("kind", kind)))
	}
}

func (m *controllerMetrics) startFailed(kind string) {
	if m.failures != nil {
		m.failures.Add(context.Background(), 1, metric.WithAttributes(attribute.String("kind", kind)))
	}
}
