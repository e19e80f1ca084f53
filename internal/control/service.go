// Package control exposes a voice controller on the bus as voice.control
// request/reply.
package control

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/loqalabs/loqa-voice/internal/voice"
	"github.com/nats-io/nats.go"
)

// Controller is the part of voice.Controller the service drives.
type Controller interface {
	Start()
	Stop()
	IsActive() bool
	Available() bool
	Snapshot() voice.Snapshot
}

// Sessions names the current session the way voice events do.
type Sessions interface {
	SessionID() string
}

type Service struct {
	bus      *bus.Client
	ctrl     Controller
	sessions Sessions
	log      *slog.Logger
	sub      *nats.Subscription
}

func NewService(busClient *bus.Client, ctrl Controller, sessions Sessions, log *slog.Logger) *Service {
	return &Service{
		bus:      busClient,
		ctrl:     ctrl,
		sessions: sessions,
		log:      log.With(slog.String("component", "voice-control")),
	}
}

func (s *Service) Start() error {
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectVoiceControl, s.handle)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", protocol.SubjectVoiceControl, err)
	}
	s.sub = sub
	return s.bus.Conn().Flush()
}

func (s *Service) Close() {
	if s.sub != nil {
		_ = s.sub.Drain()
	}
}

func (s *Service) handle(msg *nats.Msg) {
	var req protocol.ControlRequest
	var problem string
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		problem = "invalid request: " + err.Error()
	} else {
		problem = s.apply(req.Action)
	}

	reply := s.status()
	reply.Error = problem
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		s.log.Warn("failed to marshal control reply", slog.String("error", err.Error()))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.log.Warn("failed to respond to control request", slog.String("error", err.Error()))
	}
}

func (s *Service) apply(action string) string {
	s.log.Debug("control request", slog.String("action", action))
	switch action {
	case protocol.ControlStart:
		s.ctrl.Start()
	case protocol.ControlStop:
		s.ctrl.Stop()
	case protocol.ControlToggle:
		if s.ctrl.IsActive() {
			s.ctrl.Stop()
		} else {
			s.ctrl.Start()
		}
	case protocol.ControlStatus:
	default:
		return fmt.Sprintf("unknown action %q", action)
	}
	return ""
}

func (s *Service) status() protocol.ControlReply {
	return protocol.ControlReply{
		Active:    s.ctrl.IsActive(),
		Available: s.ctrl.Available(),
		SessionID: s.sessions.SessionID(),
		State:     s.ctrl.Snapshot().State.String(),
	}
}
