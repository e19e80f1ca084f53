package voice_test

import (
	"errors"
	"io"
	"log/slog"
	"reflect"
	"sync"
	"testing"

	"github.com/loqalabs/loqa-voice/internal/voice"
	"github.com/loqalabs/loqa-voice/internal/voice/voicetest"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(ev string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) count(ev string) int {
	n := 0
	for _, e := range r.snapshot() {
		if e == ev {
			n++
		}
	}
	return n
}

func (r *recorder) options(lang string) voice.Options {
	return voice.Options{
		OnStarted: func() { r.add("started") },
		OnStopped: func() { r.add("stopped") },
		OnInterim: func(text string) { r.add("interim:" + text) },
		OnFinal:   func(text string) { r.add("final:" + text) },
		Language:  lang,
	}
}

func newController(t *testing.T) (*voice.Controller, *voicetest.Provider, *recorder) {
	t.Helper()
	provider := voicetest.NewProvider()
	ctrl := voice.NewController(provider, newLogger())
	rec := &recorder{}
	ctrl.Configure(rec.options("en-US"))
	return ctrl, provider, rec
}

func TestNormalSessionSequence(t *testing.T) {
	ctrl, provider, rec := newController(t)

	ctrl.Start()
	if !ctrl.IsActive() {
		t.Fatal("expected controller to be listening after start")
	}
	r := provider.Last()
	r.Interim("hel")
	r.Interim("hello")
	r.Final("hello world ")
	r.EmitEnd()

	want := []string{"started", "interim:hel", "interim:hello", "interim:", "final:hello world", "stopped"}
	if got := rec.snapshot(); !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected callback sequence:\n got %q\nwant %q", got, want)
	}
	if ctrl.IsActive() {
		t.Fatal("expected controller idle after capability ended")
	}
	if r.Attached() {
		t.Fatal("expected listeners detached after end")
	}
	snap := ctrl.Snapshot()
	if snap.Final != "hello world" || snap.LastStop != voice.ReasonEnded || snap.Interim != "" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestFinalCarriesOnlyFinalSegments(t *testing.T) {
	ctrl, provider, rec := newController(t)
	ctrl.Start()

	provider.Last().EmitResult(voice.Result{Segments: []voice.Segment{
		{Transcript: " tell me ", Final: true},
		{Transcript: "about", Final: false},
		{Transcript: "yourself ", Final: true},
		{Transcript: " please", Final: false},
	}})

	want := []string{"started", "interim:about please", "final:tell me yourself"}
	if got := rec.snapshot(); !reflect.DeepEqual(got, want) {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestWhitespaceOnlyFinalIsNotDelivered(t *testing.T) {
	ctrl, provider, rec := newController(t)
	ctrl.Start()
	provider.Last().Final("   ")
	if rec.count("final:") != 0 {
		t.Fatalf("expected no final for blank text, got %q", rec.snapshot())
	}
	provider.Last().Final("ok")
	if rec.count("final:ok") != 1 {
		t.Fatalf("expected final after blank result, got %q", rec.snapshot())
	}
}

func TestStartWhileListeningIsNoop(t *testing.T) {
	ctrl, provider, rec := newController(t)

	ctrl.Start()
	ctrl.Start()

	if provider.Count() != 1 {
		t.Fatalf("expected one capability handle, got %d", provider.Count())
	}
	if provider.Last().Begins() != 1 {
		t.Fatalf("expected begin once, got %d", provider.Last().Begins())
	}
	if rec.count("started") != 1 {
		t.Fatalf("expected started once, got %q", rec.snapshot())
	}
}

func TestStopWhileIdleIsNoop(t *testing.T) {
	ctrl, _, rec := newController(t)
	ctrl.Stop()
	ctrl.Stop()
	if len(rec.snapshot()) != 0 {
		t.Fatalf("expected no callbacks, got %q", rec.snapshot())
	}
}

func TestExactlyOneStoppedPerCause(t *testing.T) {
	causes := map[string]func(c *voice.Controller, r *voicetest.Recognition){
		"stop":  func(c *voice.Controller, _ *voicetest.Recognition) { c.Stop() },
		"ended": func(_ *voice.Controller, r *voicetest.Recognition) { r.EmitEnd() },
		"error": func(_ *voice.Controller, r *voicetest.Recognition) { r.EmitError(errors.New("network")) },
	}
	for name, trigger := range causes {
		t.Run(name, func(t *testing.T) {
			ctrl, provider, rec := newController(t)
			ctrl.Start()
			r := provider.Last()
			trigger(ctrl, r)

			// Late duplicates from every direction.
			ctrl.Stop()
			r.Stale().OnEnd()
			r.Stale().OnError(errors.New("late"))

			if n := rec.count("stopped"); n != 1 {
				t.Fatalf("expected exactly one stopped, got %d (%q)", n, rec.snapshot())
			}
			if ctrl.IsActive() {
				t.Fatal("expected idle")
			}
			if got := ctrl.Snapshot().LastStop; string(got) != name {
				t.Fatalf("expected stop reason %q, got %q", name, got)
			}
		})
	}
}

func TestNoCallbacksAfterStopped(t *testing.T) {
	ctrl, provider, rec := newController(t)
	ctrl.Start()
	r := provider.Last()
	r.Interim("partial")
	r.EmitEnd()

	stale := r.Stale()
	stale.OnResult(voice.Result{Segments: []voice.Segment{{Transcript: "late"}}})
	stale.OnResult(voice.Result{Segments: []voice.Segment{{Transcript: "late final", Final: true}}})
	r.Interim("after detach")

	events := rec.snapshot()
	if events[len(events)-1] != "stopped" {
		t.Fatalf("expected stopped to be the last callback, got %q", events)
	}
	if rec.count("interim:late") != 0 || rec.count("final:late final") != 0 {
		t.Fatalf("late events leaked: %q", events)
	}
}

func TestUnavailableCapability(t *testing.T) {
	provider := voicetest.NewProvider()
	provider.Absent = true
	ctrl := voice.NewController(provider, newLogger())
	rec := &recorder{}
	ctrl.Configure(rec.options(""))

	if ctrl.Available() {
		t.Fatal("expected probe to report unavailable")
	}
	ctrl.Start()
	if ctrl.IsActive() {
		t.Fatal("expected inert controller to stay idle")
	}
	if rec.count("started") != 0 {
		t.Fatal("expected no started callback")
	}
	if provider.Count() != 0 {
		t.Fatal("expected no handle allocation")
	}
}

func TestNilProviderIsInert(t *testing.T) {
	ctrl := voice.NewController(nil, nil)
	ctrl.Start()
	ctrl.Stop()
	if ctrl.Available() || ctrl.IsActive() {
		t.Fatal("expected nil provider to produce an inert controller")
	}
}

func TestUserStopMidUtterance(t *testing.T) {
	ctrl, provider, rec := newController(t)
	ctrl.Start()
	r := provider.Last()
	r.Interim("so I")

	ctrl.Stop()
	afterStop := rec.snapshot()
	if afterStop[len(afterStop)-1] != "stopped" {
		t.Fatalf("expected stopped delivered within Stop, got %q", afterStop)
	}
	if r.Halts() != 1 {
		t.Fatalf("expected halt requested once, got %d", r.Halts())
	}
	if r.Attached() {
		t.Fatal("expected listener detached synchronously")
	}

	r.Stale().OnEnd()
	r.EmitEnd()
	if got := rec.snapshot(); !reflect.DeepEqual(got, afterStop) {
		t.Fatalf("late ended produced callbacks: %q", got)
	}
}

func TestHaltEmittingEndedSynchronously(t *testing.T) {
	ctrl, provider, rec := newController(t)
	ctrl.Start()
	r := provider.Last()
	r.OnHalt = func(r *voicetest.Recognition) {
		r.Stale().OnEnd()
	}
	ctrl.Stop()
	if n := rec.count("stopped"); n != 1 {
		t.Fatalf("expected one stopped, got %d", n)
	}
}

func TestBeginRejected(t *testing.T) {
	provider := voicetest.NewProvider()
	provider.BeginErr = errors.New("already started")
	ctrl := voice.NewController(provider, newLogger())
	rec := &recorder{}
	ctrl.Configure(rec.options("en-US"))

	ctrl.Start()
	if ctrl.IsActive() {
		t.Fatal("expected idle after rejected begin")
	}
	if len(rec.snapshot()) != 0 {
		t.Fatalf("expected no callbacks, got %q", rec.snapshot())
	}
	if provider.Last().Attached() {
		t.Fatal("expected listeners released after rejected begin")
	}

	provider.BeginErr = nil
	ctrl.Start()
	if !ctrl.IsActive() || rec.count("started") != 1 {
		t.Fatal("expected a later start to succeed")
	}
}

func TestAllocationFailureLeavesIdle(t *testing.T) {
	provider := voicetest.NewProvider()
	provider.NewErr = errors.New("no microphone")
	ctrl := voice.NewController(provider, newLogger())
	ctrl.Start()
	if ctrl.IsActive() {
		t.Fatal("expected idle")
	}
}

func TestHaltFailureStillStops(t *testing.T) {
	provider := voicetest.NewProvider()
	provider.HaltErr = errors.New("invalid state")
	ctrl := voice.NewController(provider, newLogger())
	rec := &recorder{}
	ctrl.Configure(rec.options("en-US"))

	ctrl.Start()
	ctrl.Stop()
	if ctrl.IsActive() {
		t.Fatal("expected idle despite halt failure")
	}
	if rec.count("stopped") != 1 {
		t.Fatalf("expected stopped, got %q", rec.snapshot())
	}
}

func TestEventsDuringBeginFollowStarted(t *testing.T) {
	rec := &recorder{}
	provider := &hookProvider{Provider: voicetest.NewProvider(), onBegin: func(r *voicetest.Recognition) {
		r.Interim("early")
	}}
	ctrl := voice.NewController(provider, newLogger())
	ctrl.Configure(rec.options("en-US"))
	ctrl.Start()

	want := []string{"started", "interim:early"}
	if got := rec.snapshot(); !reflect.DeepEqual(got, want) {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestEventsDuringRejectedBeginDiscarded(t *testing.T) {
	rec := &recorder{}
	provider := &hookProvider{Provider: voicetest.NewProvider(), onBegin: func(r *voicetest.Recognition) {
		r.Interim("never")
	}}
	provider.BeginErr = errors.New("not-allowed")
	ctrl := voice.NewController(provider, newLogger())
	ctrl.Configure(rec.options("en-US"))
	ctrl.Start()

	if got := rec.snapshot(); len(got) != 0 {
		t.Fatalf("expected buffered events discarded, got %q", got)
	}
}

type hookProvider struct {
	*voicetest.Provider
	onBegin func(r *voicetest.Recognition)
}

func (h *hookProvider) NewRecognition(language string) (voice.Recognition, error) {
	rec, err := h.Provider.NewRecognition(language)
	if err != nil {
		return nil, err
	}
	r := rec.(*voicetest.Recognition)
	r.OnBegin = h.onBegin
	return r, nil
}

func TestStopDuringBeginStopsAfterStarted(t *testing.T) {
	rec := &recorder{}
	var ctrl *voice.Controller
	provider := &hookProvider{Provider: voicetest.NewProvider(), onBegin: func(*voicetest.Recognition) {
		ctrl.Stop()
	}}
	ctrl = voice.NewController(provider, newLogger())
	ctrl.Configure(rec.options("en-US"))
	ctrl.Start()

	want := []string{"started", "stopped"}
	if got := rec.snapshot(); !reflect.DeepEqual(got, want) {
		t.Fatalf("got %q want %q", got, want)
	}
	if ctrl.IsActive() {
		t.Fatal("expected idle")
	}
	if provider.Last().Halts() != 1 {
		t.Fatal("expected halt after deferred stop")
	}
}

func TestConfigureAffectsOnlyFutureSessions(t *testing.T) {
	ctrl, provider, first := newController(t)
	ctrl.Start()

	second := &recorder{}
	ctrl.Configure(second.options("fr-FR"))
	provider.Last().Final("bonjour")
	provider.Last().EmitEnd()

	if first.count("final:bonjour") != 1 || first.count("stopped") != 1 {
		t.Fatalf("in-flight session lost its callbacks: %q", first.snapshot())
	}
	if len(second.snapshot()) != 0 {
		t.Fatalf("new options leaked into in-flight session: %q", second.snapshot())
	}

	ctrl.Start()
	if provider.Last().Language != "fr-FR" {
		t.Fatalf("expected new language for next session, got %q", provider.Last().Language)
	}
	if second.count("started") != 1 {
		t.Fatal("expected new callbacks for next session")
	}
}

func TestDefaultLanguage(t *testing.T) {
	provider := voicetest.NewProvider()
	ctrl := voice.NewController(provider, newLogger())
	ctrl.Start()
	if provider.Last().Language != voice.DefaultLanguage {
		t.Fatalf("expected %s, got %q", voice.DefaultLanguage, provider.Last().Language)
	}
}

func TestRestartFromStoppedCallback(t *testing.T) {
	provider := voicetest.NewProvider()
	ctrl := voice.NewController(provider, newLogger())
	rec := &recorder{}
	restarted := false
	opts := rec.options("en-US")
	opts.OnStopped = func() {
		rec.add("stopped")
		if !restarted {
			restarted = true
			ctrl.Start()
		}
	}
	ctrl.Configure(opts)

	ctrl.Start()
	provider.Last().EmitEnd()

	want := []string{"started", "stopped", "started"}
	if got := rec.snapshot(); !reflect.DeepEqual(got, want) {
		t.Fatalf("got %q want %q", got, want)
	}
	if provider.Count() != 2 || !ctrl.IsActive() {
		t.Fatal("expected a fresh session after restart")
	}
	if provider.Recognitions()[0].Attached() {
		t.Fatal("expected first handle released before second session")
	}
}

func TestResultsAfterFinalDropped(t *testing.T) {
	ctrl, provider, rec := newController(t)
	ctrl.Start()
	r := provider.Last()
	r.Final("done")
	r.Interim("stray")
	r.EmitEnd()

	want := []string{"started", "interim:", "final:done", "stopped"}
	if got := rec.snapshot(); !reflect.DeepEqual(got, want) {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestPanickingCallbackDoesNotWedge(t *testing.T) {
	provider := voicetest.NewProvider()
	ctrl := voice.NewController(provider, newLogger())
	rec := &recorder{}
	opts := rec.options("en-US")
	opts.OnStarted = func() { panic("boom") }
	ctrl.Configure(opts)

	ctrl.Start()
	provider.Last().EmitEnd()
	if rec.count("stopped") != 1 {
		t.Fatalf("expected stopped after panicking callback, got %q", rec.snapshot())
	}
}

func TestConcurrentLateEvents(t *testing.T) {
	ctrl, provider, rec := newController(t)
	ctrl.Start()
	r := provider.Last()
	stale := r.Stale()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				stale.OnResult(voice.Result{Segments: []voice.Segment{{Transcript: "x"}}})
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		ctrl.Stop()
	}()
	wg.Wait()

	events := rec.snapshot()
	if events[len(events)-1] != "stopped" {
		t.Fatalf("expected stopped last, got tail %q", events[len(events)-1])
	}
	if rec.count("stopped") != 1 || rec.count("started") != 1 {
		t.Fatalf("unexpected lifecycle counts: %d started, %d stopped", rec.count("started"), rec.count("stopped"))
	}
}

func TestStoppedReasonBelongsToItsSession(t *testing.T) {
	provider := voicetest.NewProvider()
	ctrl := voice.NewController(provider, newLogger())
	var reasons []voice.StopReason
	var order []string
	ctrl.Configure(voice.Options{
		OnFinal: func(string) {
			// Session 1 ends and session 2 runs to completion while this
			// callback is still being delivered.
			provider.Last().EmitEnd()
			ctrl.Start()
			ctrl.Stop()
		},
		OnStoppedReason: func(reason voice.StopReason) {
			reasons = append(reasons, reason)
			order = append(order, "reason")
		},
		OnStopped: func() { order = append(order, "stopped") },
	})

	ctrl.Start()
	provider.Last().Final("done")

	if want := []voice.StopReason{voice.ReasonEnded, voice.ReasonStop}; !reflect.DeepEqual(reasons, want) {
		t.Fatalf("stop reasons = %v, want %v", reasons, want)
	}
	if want := []string{"reason", "stopped", "reason", "stopped"}; !reflect.DeepEqual(order, want) {
		t.Fatalf("callback order = %v, want %v", order, want)
	}
	if provider.Count() != 2 {
		t.Fatalf("expected two sessions, got %d", provider.Count())
	}
}
