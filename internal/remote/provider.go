// Package remote drives a loqa STT node over NATS. A session is announced on
// voice.session.control, audio flows on audio.frame.<session> and transcripts
// come back on stt.text.partial and stt.text.final.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-voice/internal/audio"
	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/loqalabs/loqa-voice/internal/voice"
	"github.com/nats-io/nats.go"
)

// ErrSilence is reported when the STT node sends nothing for too long.
var ErrSilence = errors.New("remote: no transcript within silence timeout")

// Registry answers whether some node serves a capability.
type Registry interface {
	Has(name string) bool
}

type Provider struct {
	ctx      context.Context
	bus      *bus.Client
	registry Registry
	source   audio.Source
	cfg      config.RemoteConfig
	log      *slog.Logger
}

// New returns a provider. When source is nil, audio is expected from edge
// devices that follow voice.session.control.
func New(ctx context.Context, busClient *bus.Client, registry Registry, source audio.Source, cfg config.RemoteConfig, log *slog.Logger) *Provider {
	return &Provider{
		ctx:      ctx,
		bus:      busClient,
		registry: registry,
		source:   source,
		cfg:      cfg,
		log:      log.With(slog.String("component", "stt-remote")),
	}
}

// Available reports whether a healthy node advertises the STT capability.
func (p *Provider) Available() bool {
	return p.bus.Healthy() && p.registry != nil && p.registry.Has(p.cfg.Capability)
}

func (p *Provider) NewRecognition(language string) (voice.Recognition, error) {
	if !p.bus.Healthy() {
		return nil, errors.New("bus connection is not healthy")
	}
	id := uuid.NewString()
	return &recognition{
		provider: p,
		id:       id,
		language: language,
		log:      p.log.With(slog.String("session", id)),
	}, nil
}

type recognition struct {
	voice.Emitter

	provider *Provider
	id       string
	language string
	log      *slog.Logger

	mu     sync.Mutex
	sub    *nats.Subscription
	timer  *time.Timer
	cancel context.CancelFunc
	halted bool
	done   bool
	seq    int
}

func (r *recognition) Begin() error {
	conn := r.provider.bus.Conn()
	sub, err := conn.Subscribe("stt.text.*", r.handleTranscript)
	if err != nil {
		return fmt.Errorf("subscribe transcripts: %w", err)
	}
	if err := conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return fmt.Errorf("flush subscription: %w", err)
	}

	ctx, cancel := context.WithCancel(r.provider.ctx)
	r.mu.Lock()
	r.sub = sub
	r.cancel = cancel
	r.mu.Unlock()

	if err := r.control(protocol.SessionBegin); err != nil {
		r.cleanup()
		return err
	}
	r.armTimer(r.provider.cfg.SilenceTimeoutMS, ErrSilence)

	if src := r.provider.source; src != nil {
		frames, err := src.Open(ctx, r.id)
		if err != nil {
			r.cleanup()
			return fmt.Errorf("open audio: %w", err)
		}
		go r.forward(frames)
	}
	return nil
}

func (r *recognition) control(action string) error {
	msg := protocol.SessionControl{
		SessionID: r.id,
		Action:    action,
		Language:  r.language,
		Timestamp: time.Now().UTC(),
	}
	return r.provider.bus.PublishJSON(protocol.SubjectSessionControl, msg)
}

// forward relays local audio onto the bus until the stream ends.
func (r *recognition) forward(frames <-chan audio.Frame) {
	for frame := range frames {
		if err := r.publishFrame(frame.PCM, frame.SampleRate, frame.Channels, frame.Final); err != nil {
			r.log.Warn("failed to forward audio frame", slog.String("error", err.Error()))
			return
		}
	}
}

func (r *recognition) publishFrame(pcm []byte, sampleRate, channels int, final bool) error {
	r.mu.Lock()
	if r.done {
		r.mu.Unlock()
		return nil
	}
	seq := r.seq
	r.seq++
	r.mu.Unlock()
	return r.provider.bus.PublishJSON(protocol.AudioFrameSubject(r.id), protocol.AudioFrame{
		SessionID:  r.id,
		Sequence:   seq,
		SampleRate: sampleRate,
		Channels:   channels,
		PCM:        pcm,
		Final:      final,
	})
}

func (r *recognition) handleTranscript(msg *nats.Msg) {
	var tr protocol.Transcript
	if err := json.Unmarshal(msg.Data, &tr); err != nil {
		r.log.Warn("failed to decode transcript", slog.String("error", err.Error()))
		return
	}
	if tr.SessionID != r.id {
		return
	}
	final := msg.Subject == protocol.SubjectTranscriptFinal

	r.mu.Lock()
	if r.done {
		r.mu.Unlock()
		return
	}
	if !final && !r.halted && r.timer != nil {
		r.timer.Reset(time.Duration(r.provider.cfg.SilenceTimeoutMS) * time.Millisecond)
	}
	r.mu.Unlock()

	r.EmitResult(voice.Result{Segments: []voice.Segment{{Transcript: tr.Text, Final: final}}})
	if final && r.finish() {
		r.EmitEnd()
	}
}

// armTimer reports err if nothing ends the session within ms.
func (r *recognition) armTimer(ms int, err error) {
	if ms <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return
	}
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = time.AfterFunc(time.Duration(ms)*time.Millisecond, func() {
		if !r.finish() {
			return
		}
		r.log.Warn("remote recognition timed out", slog.String("error", err.Error()))
		// The node still holds the session buffer until it sees a halt.
		if herr := r.control(protocol.SessionHalt); herr != nil {
			r.log.Warn("failed to halt remote session", slog.String("error", herr.Error()))
		}
		r.EmitError(err)
	})
}

// finish marks the session done and releases bus resources. Only the first
// caller gets true.
func (r *recognition) finish() bool {
	r.mu.Lock()
	if r.done {
		r.mu.Unlock()
		return false
	}
	r.done = true
	r.mu.Unlock()
	r.cleanup()
	return true
}

func (r *recognition) cleanup() {
	r.mu.Lock()
	sub, cancel, timer := r.sub, r.cancel, r.timer
	r.sub, r.cancel, r.timer = nil, nil, nil
	r.mu.Unlock()
	if timer != nil {
		timer.Stop()
	}
	if cancel != nil {
		cancel()
	}
	if sub != nil {
		_ = sub.Unsubscribe()
	}
}

// Halt flushes the node with a final frame, then waits up to the final
// timeout for the closing transcript.
func (r *recognition) Halt() error {
	r.mu.Lock()
	if r.halted || r.done {
		r.mu.Unlock()
		return nil
	}
	r.halted = true
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	err := errors.Join(
		r.publishFrame(nil, 0, 0, true),
		r.control(protocol.SessionHalt),
	)
	if r.provider.cfg.FinalTimeoutMS > 0 {
		r.armTimer(r.provider.cfg.FinalTimeoutMS, errors.New("remote: no final transcript after halt"))
	} else {
		r.finish()
	}
	return err
}
