package stt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-voice/internal/audio"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/voice"
)

// ErrNoAudio is reported when the audio stream closes before any frame.
var ErrNoAudio = errors.New("stt: audio stream ended without audio")

// Provider runs recognition in process: frames come from an audio.Source and
// are transcribed by a batch Recognizer.
type Provider struct {
	ctx        context.Context
	recognizer Recognizer
	source     audio.Source
	cfg        config.STTConfig
	log        *slog.Logger
}

func NewProvider(ctx context.Context, recognizer Recognizer, source audio.Source, cfg config.STTConfig, log *slog.Logger) *Provider {
	return &Provider{
		ctx:        ctx,
		recognizer: recognizer,
		source:     source,
		cfg:        cfg,
		log:        log.With(slog.String("component", "stt-provider")),
	}
}

func (p *Provider) Available() bool {
	return p.recognizer != nil && p.source != nil
}

func (p *Provider) NewRecognition(language string) (voice.Recognition, error) {
	if !p.Available() {
		return nil, errors.New("stt provider has no recognizer or audio source")
	}
	id := uuid.NewString()
	return &recognition{
		provider: p,
		id:       id,
		language: language,
		log:      p.log.With(slog.String("stream", id)),
		halt:     make(chan struct{}),
	}, nil
}

type recognition struct {
	voice.Emitter

	provider *Provider
	id       string
	language string
	log      *slog.Logger

	haltOnce sync.Once
	halt     chan struct{}
	cancel   context.CancelFunc
}

func (r *recognition) Begin() error {
	ctx, cancel := context.WithCancel(r.provider.ctx)
	frames, err := r.provider.source.Open(ctx, r.id)
	if err != nil {
		cancel()
		return fmt.Errorf("open audio: %w", err)
	}
	r.cancel = cancel

	t := newTranscriber(ctx, r.provider.recognizer, r.provider.cfg, r.language, r.log)
	t.onPartial = func(res TranscriptResult) {
		r.EmitResult(voice.Result{Segments: []voice.Segment{{Transcript: res.Text}}})
	}
	t.onFinal = func(res TranscriptResult, err error) {
		if err != nil {
			r.EmitError(fmt.Errorf("final transcription: %w", err))
			return
		}
		r.EmitResult(voice.Result{Segments: []voice.Segment{{Transcript: res.Text, Final: true}}})
		r.EmitEnd()
	}

	go r.run(ctx, frames, t)
	return nil
}

func (r *recognition) run(ctx context.Context, frames <-chan audio.Frame, t *transcriber) {
	defer r.cancel()
	received := false
	for {
		select {
		case <-r.halt:
			t.finish()
			t.wait()
			return
		case <-ctx.Done():
			t.wait()
			r.EmitError(ctx.Err())
			return
		case frame, ok := <-frames:
			if !ok {
				if !received {
					t.wait()
					r.EmitError(ErrNoAudio)
					return
				}
				t.finish()
				t.wait()
				return
			}
			received = true
			t.append(frame.PCM, frame.SampleRate, frame.Channels)
			if frame.Final {
				t.finish()
				t.wait()
				return
			}
		}
	}
}

// Halt stops reading audio and transcribes what was captured.
func (r *recognition) Halt() error {
	r.haltOnce.Do(func() { close(r.halt) })
	return nil
}
