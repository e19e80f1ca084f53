package stt

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-voice/internal/voice"
)

// DefaultScript is what the scripted provider says when given nothing else.
var DefaultScript = []string{
	"I led the migration of our billing service to event sourcing",
	"the hardest part was keeping both systems consistent during cutover",
	"we shipped it with zero downtime and cut incident volume in half",
}

// ScriptedProvider speaks canned answers one word at a time. It needs no
// microphone and is used for demos and local development.
type ScriptedProvider struct {
	ctx  context.Context
	step time.Duration
	log  *slog.Logger

	mu     sync.Mutex
	script []string
	next   int
}

func NewScriptedProvider(ctx context.Context, script []string, step time.Duration, log *slog.Logger) *ScriptedProvider {
	if len(script) == 0 {
		script = DefaultScript
	}
	if step <= 0 {
		step = 250 * time.Millisecond
	}
	return &ScriptedProvider{ctx: ctx, step: step, script: script, log: log.With(slog.String("component", "stt-scripted"))}
}

func (p *ScriptedProvider) NewRecognition(language string) (voice.Recognition, error) {
	p.mu.Lock()
	line := p.script[p.next%len(p.script)]
	p.next++
	p.mu.Unlock()
	p.log.Debug("scripted utterance selected", slog.String("language", language), slog.Int("words", len(strings.Fields(line))))
	return &scriptedRecognition{
		ctx:   p.ctx,
		words: strings.Fields(line),
		step:  p.step,
		halt:  make(chan struct{}),
	}, nil
}

type scriptedRecognition struct {
	voice.Emitter

	ctx   context.Context
	words []string
	step  time.Duration

	haltOnce sync.Once
	halt     chan struct{}
}

func (r *scriptedRecognition) Begin() error {
	go r.run()
	return nil
}

func (r *scriptedRecognition) run() {
	ticker := time.NewTicker(r.step)
	defer ticker.Stop()
	spoken := 0
	for spoken < len(r.words) {
		select {
		case <-r.ctx.Done():
			r.EmitError(r.ctx.Err())
			return
		case <-r.halt:
			r.finish(spoken)
			return
		case <-ticker.C:
			spoken++
			if spoken < len(r.words) {
				r.EmitResult(voice.Result{Segments: []voice.Segment{{Transcript: strings.Join(r.words[:spoken], " ")}}})
			}
		}
	}
	r.finish(spoken)
}

func (r *scriptedRecognition) finish(spoken int) {
	if spoken > 0 {
		r.EmitResult(voice.Result{Segments: []voice.Segment{{Transcript: strings.Join(r.words[:spoken], " "), Final: true}}})
	}
	r.EmitEnd()
}

func (r *scriptedRecognition) Halt() error {
	r.haltOnce.Do(func() { close(r.halt) })
	return nil
}
