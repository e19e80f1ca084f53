// Package voicetest provides a scriptable recognition capability for tests.
package voicetest

import (
	"sync"

	"github.com/loqalabs/loqa-voice/internal/voice"
)

// Provider hands out Recognition doubles and remembers every one it made.
type Provider struct {
	mu           sync.Mutex
	recognitions []*Recognition

	// NewErr, when set, is returned by NewRecognition.
	NewErr error
	// BeginErr and HaltErr are copied into each new Recognition.
	BeginErr error
	HaltErr  error
	// Absent makes the provider report itself unavailable to the probe.
	Absent bool
}

// NewProvider returns an available provider.
func NewProvider() *Provider {
	return &Provider{}
}

// Available implements voice.Prober.
func (p *Provider) Available() bool {
	return !p.Absent
}

// NewRecognition implements voice.Provider.
func (p *Provider) NewRecognition(language string) (voice.Recognition, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.NewErr != nil {
		return nil, p.NewErr
	}
	r := &Recognition{Language: language, beginErr: p.BeginErr, haltErr: p.HaltErr}
	p.recognitions = append(p.recognitions, r)
	return r, nil
}

// Count reports how many handles were allocated.
func (p *Provider) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.recognitions)
}

// Last returns the most recently allocated handle, or nil.
func (p *Provider) Last() *Recognition {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.recognitions) == 0 {
		return nil
	}
	return p.recognitions[len(p.recognitions)-1]
}

// Recognition is a voice.Recognition whose events are driven by the test.
type Recognition struct {
	voice.Emitter

	Language string

	mu       sync.Mutex
	beginErr error
	haltErr  error
	begins   int
	halts    int
	captured voice.Listener

	// OnBegin and OnHalt run inside Begin and Halt, before they return.
	OnBegin func(r *Recognition)
	OnHalt  func(r *Recognition)
}

// Listen attaches l and also keeps a copy so tests can replay events that
// arrive after detachment.
func (r *Recognition) Listen(l voice.Listener) func() {
	r.mu.Lock()
	r.captured = l
	r.mu.Unlock()
	return r.Emitter.Listen(l)
}

func (r *Recognition) Begin() error {
	r.mu.Lock()
	r.begins++
	err := r.beginErr
	hook := r.OnBegin
	r.mu.Unlock()
	if hook != nil {
		hook(r)
	}
	return err
}

func (r *Recognition) Halt() error {
	r.mu.Lock()
	r.halts++
	err := r.haltErr
	hook := r.OnHalt
	r.mu.Unlock()
	if hook != nil {
		hook(r)
	}
	return err
}

// Begins reports how many times Begin was called.
func (r *Recognition) Begins() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.begins
}

// Halts reports how many times Halt was called.
func (r *Recognition) Halts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.halts
}

// Interim emits a result with one non-final segment.
func (r *Recognition) Interim(text string) {
	r.EmitResult(voice.Result{Segments: []voice.Segment{{Transcript: text}}})
}

// Final emits a result with one final segment.
func (r *Recognition) Final(text string) {
	r.EmitResult(voice.Result{Segments: []voice.Segment{{Transcript: text, Final: true}}})
}

// Stale returns the listener captured at Listen, bypassing detachment, so a
// test can deliver an event the way a racing capability goroutine would.
func (r *Recognition) Stale() voice.Listener {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.captured
}

// Recognitions returns every handle allocated so far, oldest first.
func (p *Provider) Recognitions() []*Recognition {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Recognition(nil), p.recognitions...)
}
