package stt

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voice/internal/audio"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/voice"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testSTTConfig() config.STTConfig {
	cfg := config.Default().STT
	cfg.PartialEveryMS = 0
	return cfg
}

type recordingRecognizer struct {
	mu       sync.Mutex
	requests []Request
	err      error
}

func (r *recordingRecognizer) Transcribe(_ context.Context, req Request) (TranscriptResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, req)
	if r.err != nil && req.Final {
		return TranscriptResult{}, r.err
	}
	kind := "partial"
	if req.Final {
		kind = "final"
	}
	return TranscriptResult{Text: kind + ":" + req.Language, Confidence: 0.9}, nil
}

func (r *recordingRecognizer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests)
}

func (r *recordingRecognizer) finals() []Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Request
	for _, req := range r.requests {
		if req.Final {
			out = append(out, req)
		}
	}
	return out
}

type chanSource struct {
	frames chan audio.Frame
	err    error
}

func (s *chanSource) Open(ctx context.Context, _ string) (<-chan audio.Frame, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.frames, nil
}

type events struct {
	mu   sync.Mutex
	log  []string
	done chan struct{}
	once sync.Once
}

func newEvents() *events {
	return &events{done: make(chan struct{})}
}

func (e *events) listener() voice.Listener {
	return voice.Listener{
		OnResult: func(r voice.Result) {
			interim, final := voice.Normalize(r)
			e.add("result:" + interim + "|" + final)
		},
		OnEnd: func() {
			e.add("end")
			e.once.Do(func() { close(e.done) })
		},
		OnError: func(err error) {
			e.add("error:" + err.Error())
			e.once.Do(func() { close(e.done) })
		},
	}
}

func (e *events) add(s string) {
	e.mu.Lock()
	e.log = append(e.log, s)
	e.mu.Unlock()
}

func (e *events) wait(t *testing.T) []string {
	t.Helper()
	select {
	case <-e.done:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for end of recognition")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.log...)
}

func TestProviderFinalFrameEndsRecognition(t *testing.T) {
	rec := &recordingRecognizer{}
	src := &chanSource{frames: make(chan audio.Frame, 4)}
	p := NewProvider(context.Background(), rec, src, testSTTConfig(), newTestLogger())

	r, err := p.NewRecognition("fr-FR")
	if err != nil {
		t.Fatalf("new recognition: %v", err)
	}
	ev := newEvents()
	r.Listen(ev.listener())
	if err := r.Begin(); err != nil {
		t.Fatalf("begin: %v", err)
	}
	src.frames <- audio.Frame{PCM: []byte{1, 0, 2, 0}, SampleRate: 16000, Channels: 1}
	src.frames <- audio.Frame{PCM: []byte{3, 0}, SampleRate: 16000, Channels: 1, Final: true}

	got := ev.wait(t)
	if got[len(got)-1] != "end" {
		t.Fatalf("expected end last, got %v", got)
	}
	if got[len(got)-2] != "result:|final:fr-FR" {
		t.Fatalf("expected final transcript before end, got %v", got)
	}
	finals := rec.finals()
	if len(finals) != 1 || len(finals[0].PCM) != 6 || finals[0].Language != "fr-FR" {
		t.Fatalf("expected one final over the whole buffer, got %+v", finals)
	}
}

func TestProviderHaltTranscribesCapturedAudio(t *testing.T) {
	rec := &recordingRecognizer{}
	src := &chanSource{frames: make(chan audio.Frame, 4)}
	p := NewProvider(context.Background(), rec, src, testSTTConfig(), newTestLogger())

	r, _ := p.NewRecognition("en-US")
	ev := newEvents()
	r.Listen(ev.listener())
	if err := r.Begin(); err != nil {
		t.Fatalf("begin: %v", err)
	}
	src.frames <- audio.Frame{PCM: []byte{1, 0}}
	deadline := time.Now().Add(2 * time.Second)
	for rec.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if err := r.Halt(); err != nil {
		t.Fatalf("halt: %v", err)
	}
	if err := r.Halt(); err != nil {
		t.Fatalf("second halt: %v", err)
	}

	got := ev.wait(t)
	if got[0] != "result:partial:en-US|" {
		t.Fatalf("expected interim first, got %v", got)
	}
	if got[len(got)-1] != "end" || len(rec.finals()) != 1 {
		t.Fatalf("expected a single final and end, got %v", got)
	}
}

func TestProviderRecognizerFailureEmitsError(t *testing.T) {
	rec := &recordingRecognizer{err: errors.New("model crashed")}
	src := &chanSource{frames: make(chan audio.Frame, 1)}
	p := NewProvider(context.Background(), rec, src, testSTTConfig(), newTestLogger())

	r, _ := p.NewRecognition("en-US")
	ev := newEvents()
	r.Listen(ev.listener())
	if err := r.Begin(); err != nil {
		t.Fatalf("begin: %v", err)
	}
	src.frames <- audio.Frame{PCM: []byte{1, 0}, Final: true}

	got := ev.wait(t)
	last := got[len(got)-1]
	if !strings.HasPrefix(last, "error:") || !strings.Contains(last, "model crashed") {
		t.Fatalf("expected recognizer error, got %v", got)
	}
}

func TestProviderClosedStreamWithoutAudio(t *testing.T) {
	src := &chanSource{frames: make(chan audio.Frame)}
	close(src.frames)
	p := NewProvider(context.Background(), &recordingRecognizer{}, src, testSTTConfig(), newTestLogger())

	r, _ := p.NewRecognition("en-US")
	ev := newEvents()
	r.Listen(ev.listener())
	if err := r.Begin(); err != nil {
		t.Fatalf("begin: %v", err)
	}
	got := ev.wait(t)
	if len(got) != 1 || got[0] != "error:"+ErrNoAudio.Error() {
		t.Fatalf("expected no-audio error, got %v", got)
	}
}

func TestProviderBeginFailsWhenSourceFails(t *testing.T) {
	src := &chanSource{err: errors.New("no microphone")}
	p := NewProvider(context.Background(), &recordingRecognizer{}, src, testSTTConfig(), newTestLogger())
	r, _ := p.NewRecognition("en-US")
	if err := r.Begin(); err == nil {
		t.Fatal("expected begin to fail")
	}
}

func TestProviderDrivesController(t *testing.T) {
	src := &chanSource{frames: make(chan audio.Frame, 2)}
	p := NewProvider(context.Background(), &recordingRecognizer{}, src, testSTTConfig(), newTestLogger())
	c := voice.NewController(p, newTestLogger())

	finals := make(chan string, 1)
	stopped := make(chan struct{})
	c.Configure(voice.Options{
		Language:  "de-DE",
		OnFinal:   func(text string) { finals <- text },
		OnStopped: func() { close(stopped) },
	})
	c.Start()
	if !c.IsActive() {
		t.Fatal("expected controller to be listening")
	}
	src.frames <- audio.Frame{PCM: []byte{1, 0}, Final: true}

	select {
	case text := <-finals:
		if text != "final:de-DE" {
			t.Fatalf("unexpected final %q", text)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for final")
	}
	select {
	case <-stopped:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for stopped")
	}
	if c.Snapshot().LastStop != voice.ReasonEnded {
		t.Fatalf("expected ended, got %q", c.Snapshot().LastStop)
	}
}

func TestScriptedProviderSpeaksWordByWord(t *testing.T) {
	p := NewScriptedProvider(context.Background(), []string{"tell me more"}, 5*time.Millisecond, newTestLogger())
	r, err := p.NewRecognition("en-US")
	if err != nil {
		t.Fatalf("new recognition: %v", err)
	}
	ev := newEvents()
	r.Listen(ev.listener())
	if err := r.Begin(); err != nil {
		t.Fatalf("begin: %v", err)
	}
	got := ev.wait(t)
	want := []string{"result:tell|", "result:tell me|", "result:|tell me more", "end"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestScriptedProviderHaltBeforeFirstWord(t *testing.T) {
	p := NewScriptedProvider(context.Background(), []string{"one two three four five six"}, time.Hour, newTestLogger())
	r, _ := p.NewRecognition("en-US")
	ev := newEvents()
	r.Listen(ev.listener())
	if err := r.Begin(); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := r.Halt(); err != nil {
		t.Fatalf("halt: %v", err)
	}
	got := ev.wait(t)
	if len(got) != 1 || got[0] != "end" {
		t.Fatalf("expected only end when nothing was spoken, got %v", got)
	}
}

func TestExecRecognizerPassesLanguage(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "fake-stt.sh")
	body := "#!/bin/sh\nprintf '{\"text\":\"%s\",\"confidence\":0.5}' \"$*\"\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	cfg := testSTTConfig()
	cfg.Command = script + " --beam 2"
	r, err := NewRecognizer(cfg)
	if err != nil {
		t.Fatalf("new recognizer: %v", err)
	}
	res, err := r.Transcribe(context.Background(), Request{PCM: []byte{1, 0, 2, 0}, SampleRate: 16000, Channels: 1, Language: "es-ES", Final: true})
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if !strings.HasPrefix(res.Text, "--beam 2 --audio ") || !strings.HasSuffix(res.Text, "--language es-ES") {
		t.Fatalf("unexpected args %q", res.Text)
	}
	if res.Confidence != 0.5 {
		t.Fatalf("expected confidence 0.5, got %v", res.Confidence)
	}
}

func TestNewRecognizerDefaultsToMock(t *testing.T) {
	r, err := NewRecognizer(testSTTConfig())
	if err != nil {
		t.Fatalf("new recognizer: %v", err)
	}
	res, err := r.Transcribe(context.Background(), Request{PCM: make([]byte, 8), Language: "en-US", Final: true})
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if res.Text != "[en-US final transcript length=8]" {
		t.Fatalf("unexpected mock transcript %q", res.Text)
	}
}
