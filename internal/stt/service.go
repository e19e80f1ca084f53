package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/nats-io/nats.go"
)

// closedRetention is how long a finished session id keeps rejecting late
// frames.
const closedRetention = time.Minute

// Service serves the stt.stream capability on the bus. Sessions are opened by
// a begin control carrying the language, fed by audio.frame.<session> and
// closed by a final frame or a halt control.
type Service struct {
	cfg        config.STTConfig
	bus        *bus.Client
	recognizer Recognizer
	log        *slog.Logger
	sessions   map[string]*transcriber
	closed     map[string]time.Time
	mu         sync.Mutex
	ctx        context.Context
	cancel     context.CancelFunc
	subs       []*nats.Subscription
	ready      bool
}

func NewService(parent context.Context, cfg config.STTConfig, busClient *bus.Client, recognizer Recognizer, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:        cfg,
		bus:        busClient,
		recognizer: recognizer,
		log:        log.With(slog.String("component", "stt-service")),
		sessions:   make(map[string]*transcriber),
		closed:     make(map[string]time.Time),
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (s *Service) Start() error {
	frames, err := s.bus.Conn().Subscribe(protocol.SubjectAudioFramePrefix+".>", s.handleFrame)
	if err != nil {
		return fmt.Errorf("subscribe audio frames: %w", err)
	}
	s.subs = append(s.subs, frames)
	control, err := s.bus.Conn().Subscribe(protocol.SubjectSessionControl, s.handleControl)
	if err != nil {
		_ = frames.Unsubscribe()
		return fmt.Errorf("subscribe session control: %w", err)
	}
	s.subs = append(s.subs, control)
	if err := s.bus.Conn().Flush(); err != nil {
		return fmt.Errorf("flush subscriptions: %w", err)
	}
	s.ready = true
	return nil
}

func (s *Service) Close() {
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.mu.Lock()
	open := make([]*transcriber, 0, len(s.sessions))
	for _, t := range s.sessions {
		open = append(open, t)
	}
	s.mu.Unlock()
	s.cancel()
	for _, t := range open {
		t.wait()
	}
}

func (s *Service) Healthy() bool {
	return s.ready
}

func (s *Service) handleControl(msg *nats.Msg) {
	var ctrl protocol.SessionControl
	if err := json.Unmarshal(msg.Data, &ctrl); err != nil {
		s.log.Warn("failed to decode session control", slogError(err))
		return
	}
	switch ctrl.Action {
	case protocol.SessionBegin:
		if s.session(ctrl.SessionID, ctrl.Language) == nil {
			s.log.Debug("begin for finished session ignored", slog.String("session", ctrl.SessionID))
		}
	case protocol.SessionHalt:
		s.mu.Lock()
		t := s.sessions[ctrl.SessionID]
		s.mu.Unlock()
		if t != nil {
			t.finish()
		}
	default:
		s.log.Warn("unknown session control action", slog.String("action", ctrl.Action))
	}
}

// OpenSessions reports how many sessions hold audio.
func (s *Service) OpenSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// session returns the transcriber for id, creating it on first use. It
// returns nil for a session that already produced its final transcript.
func (s *Service) session(id, language string) *transcriber {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, done := s.closed[id]; done {
		return nil
	}
	if t := s.sessions[id]; t != nil {
		if language != "" {
			t.setLanguage(language)
		}
		return t
	}
	t := newTranscriber(s.ctx, s.recognizer, s.cfg, language, s.log.With(slog.String("session", id)))
	t.onPartial = func(res TranscriptResult) {
		s.publishTranscript(id, res, false)
	}
	t.onFinal = func(res TranscriptResult, err error) {
		if err != nil {
			s.log.Warn("stt transcription failed", slog.String("session", id), slogError(err))
		}
		s.publishTranscript(id, res, true)
		s.mu.Lock()
		delete(s.sessions, id)
		s.markClosedLocked(id, time.Now())
		s.mu.Unlock()
	}
	s.sessions[id] = t
	return t
}

func (s *Service) markClosedLocked(id string, now time.Time) {
	for closedID, at := range s.closed {
		if now.Sub(at) > closedRetention {
			delete(s.closed, closedID)
		}
	}
	s.closed[id] = now
}

func (s *Service) handleFrame(msg *nats.Msg) {
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		s.log.Warn("failed to decode audio frame", slogError(err))
		return
	}
	if frame.SessionID == "" {
		return
	}

	t := s.session(frame.SessionID, "")
	if t == nil {
		return
	}
	t.append(frame.PCM, frame.SampleRate, frame.Channels)
	if frame.Final {
		t.finish()
	}
}

// publishTranscript sends partials only when they carry text; finals are
// always sent so the requesting side can close its session.
func (s *Service) publishTranscript(sessionID string, res TranscriptResult, final bool) {
	if !final && res.Text == "" {
		return
	}
	subject := protocol.SubjectTranscriptPartial
	if final {
		subject = protocol.SubjectTranscriptFinal
	}
	msg := protocol.Transcript{
		SessionID:  sessionID,
		Text:       res.Text,
		Partial:    !final,
		Timestamp:  time.Now().UTC(),
		Confidence: res.Confidence,
	}
	if err := s.bus.PublishJSON(subject, msg); err != nil {
		s.log.Warn("failed to publish transcript", slogError(err))
	}
}
