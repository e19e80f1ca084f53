package runtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voice/internal/bus/bustest"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/events"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/nats-io/nats-server/v2/server"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingSink struct {
	mu     sync.Mutex
	events []protocol.VoiceEvent
}

func (s *recordingSink) Publish(_ context.Context, evt protocol.VoiceEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
	return nil
}

func (s *recordingSink) Close() error { return nil }

func (s *recordingSink) kinds() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, evt := range s.events {
		out = append(out, evt.Kind)
	}
	return out
}

func standaloneConfig() config.Config {
	cfg := config.Default()
	cfg.Bus.Enabled = false
	cfg.Events.NATS = false
	cfg.Voice.Provider = "scripted"
	return cfg
}

func closeRuntime(t *testing.T, rt *Runtime) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rt.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestBuildScriptedWithoutBus(t *testing.T) {
	sink := &recordingSink{}
	rt := New(standaloneConfig(), newTestLogger())
	if err := rt.Build(context.Background(), Hooks{Sinks: []events.Sink{sink}}); err != nil {
		t.Fatalf("build: %v", err)
	}
	defer closeRuntime(t, rt)

	ctrl := rt.Controller()
	if !ctrl.Available() {
		t.Fatal("scripted provider should be available")
	}
	ctrl.Start()
	if !ctrl.IsActive() {
		t.Fatal("expected an active session")
	}
	ctrl.Stop()

	kinds := sink.kinds()
	if len(kinds) < 2 || kinds[0] != protocol.EventStarted || kinds[len(kinds)-1] != protocol.EventStopped {
		t.Fatalf("unexpected events %v", kinds)
	}
}

func TestBuildWithoutProvider(t *testing.T) {
	cfg := standaloneConfig()
	cfg.Voice.Provider = "none"
	rt := New(cfg, newTestLogger())
	if err := rt.Build(context.Background(), Hooks{}); err != nil {
		t.Fatalf("build: %v", err)
	}
	defer closeRuntime(t, rt)

	ctrl := rt.Controller()
	ctrl.Start()
	if ctrl.Available() || ctrl.IsActive() {
		t.Fatal("controller without provider should never start")
	}
}

func TestHandlerEndpoints(t *testing.T) {
	rt := New(standaloneConfig(), newTestLogger())
	if err := rt.Build(context.Background(), Hooks{}); err != nil {
		t.Fatalf("build: %v", err)
	}
	defer closeRuntime(t, rt)
	h := rt.Handler()

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	if rec := get("/healthz"); rec.Code != http.StatusOK {
		t.Fatalf("healthz = %d", rec.Code)
	}
	if rec := get("/readyz"); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz before start = %d", rec.Code)
	}
	rt.ready.Store(true)
	if rec := get("/readyz"); rec.Code != http.StatusOK {
		t.Fatalf("readyz = %d", rec.Code)
	}

	rec := get("/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var status statusResponse
	if err := json.NewDecoder(rec.Body).Decode(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.Provider != "scripted" || !status.Available || status.Active || status.State != "idle" || status.Language != "en-US" {
		t.Fatalf("unexpected status %+v", status)
	}
}

func TestBuildWithEmbeddedBus(t *testing.T) {
	cfg := config.Default()
	cfg.Bus.Port = server.RANDOM_PORT
	cfg.Voice.Provider = "none"
	cfg.STT.ServeBus = true
	cfg.Node.HeartbeatInterval = 100
	cfg.Node.HeartbeatTimeout = 400

	scores := make(chan protocol.ScoreReport, 1)
	rt := New(cfg, newTestLogger())
	if err := rt.Build(context.Background(), Hooks{OnScore: func(r protocol.ScoreReport) { scores <- r }}); err != nil {
		t.Fatalf("build: %v", err)
	}
	defer closeRuntime(t, rt)

	if !rt.registry.Has(cfg.Remote.Capability) {
		t.Fatalf("node should advertise %s while serving the bus", cfg.Remote.Capability)
	}

	client := bustest.Connect(t, rt.nats.ClientURL())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var reply protocol.ControlReply
	if err := client.RequestJSON(ctx, protocol.SubjectVoiceControl, protocol.ControlRequest{Action: protocol.ControlStart}, &reply); err != nil {
		t.Fatalf("control request: %v", err)
	}
	if reply.Available || reply.Active {
		t.Fatalf("unexpected reply %+v", reply)
	}

	value := 4.0
	if err := client.PublishJSON(protocol.SubjectInterviewScore, protocol.ScoreReport{SessionID: "s1", Score: &value}); err != nil {
		t.Fatalf("publish score: %v", err)
	}
	select {
	case report := <-scores:
		if report.Score == nil || *report.Score != 4 {
			t.Fatalf("unexpected score %+v", report)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("score never delivered")
	}
}

func TestFormatScore(t *testing.T) {
	value := 3.5
	if got := formatScore(&value); got != "3.5" {
		t.Fatalf("formatScore = %q", got)
	}
	if got := formatScore(nil); !strings.EqualFold(got, "-") {
		t.Fatalf("formatScore(nil) = %q", got)
	}
}
