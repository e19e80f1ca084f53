// Package voice implements the speech session controller: it owns one
// recognition handle per session and turns raw capability events into the
// OnStarted/OnInterim/OnFinal/OnStopped contract.
package voice

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
)

// DefaultLanguage is used when Options.Language is empty.
const DefaultLanguage = "en-US"

// Options configures callbacks and the language for future sessions.
type Options struct {
	OnFinal   func(text string)
	OnInterim func(text string)
	OnStarted func()
	OnStopped func()
	// OnStoppedReason runs just before OnStopped with the reason the
	// session ended.
	OnStoppedReason func(reason StopReason)
	Language        string
}

type session struct {
	id       uint64
	rec      Recognition
	detach   func()
	detached atomic.Bool
	opts     Options

	started       bool
	stopRequested bool
	finalized     bool
	early         []func()

	interim string
	final   string
}

// Controller runs at most one recognition session at a time. It is safe for
// concurrent use; callbacks are delivered one at a time, in order, outside
// the controller's lock.
type Controller struct {
	provider  Provider
	available bool
	log       *slog.Logger
	metrics   *controllerMetrics

	mu       sync.Mutex
	opts     Options
	state    State
	current  *session
	seq      uint64
	last     Snapshot
	queue    []func()
	draining bool
}

// NewController probes provider once. A nil provider, or one whose Prober
// reports false, yields a controller that never starts.
func NewController(provider Provider, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	log := logger.With(slog.String("component", "voice-controller"))

	available := provider != nil
	if p, ok := provider.(Prober); ok && available {
		available = p.Available()
	}
	if !available {
		log.Warn("speech recognition capability not present", slogError(ErrUnavailable))
	}

	c := &Controller{
		provider:  provider,
		available: available,
		log:       log,
		metrics:   newControllerMetrics(log),
		opts:      Options{Language: DefaultLanguage},
	}
	c.last.Language = DefaultLanguage
	return c
}

// Available reports the result of the construction-time capability probe.
func (c *Controller) Available() bool {
	return c.available
}

// Configure replaces the options used by sessions started after this call.
func (c *Controller) Configure(opts Options) {
	if opts.Language == "" {
		opts.Language = DefaultLanguage
	}
	c.mu.Lock()
	c.opts = opts
	c.mu.Unlock()
}

// IsActive reports whether a session is listening.
func (c *Controller) IsActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateListening
}

// Snapshot returns the current session, or the last one when idle.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s := c.current; s != nil {
		return Snapshot{
			SessionID: s.id,
			State:     c.state,
			Language:  s.opts.Language,
			Interim:   s.interim,
			Final:     s.final,
			LastStop:  c.last.LastStop,
		}
	}
	snap := c.last
	snap.State = c.state
	return snap
}

// Start begins a session. It is a no-op when the capability is unavailable
// or a session is already active; failures are logged, never returned.
func (c *Controller) Start() {
	if !c.available {
		c.log.Warn("start ignored", slogError(ErrUnavailable))
		c.metrics.startFailed("unavailable")
		return
	}

	c.mu.Lock()
	if c.current != nil {
		id, state := c.current.id, c.state
		c.mu.Unlock()
		c.log.Debug("start ignored, session in progress",
			slog.Uint64("session", id), slog.String("state", state.String()))
		return
	}
	opts := c.opts
	rec, err := c.provider.NewRecognition(opts.Language)
	if err != nil {
		c.mu.Unlock()
		c.log.Warn("failed to allocate recognition", slogError(fmt.Errorf("%w: %v", ErrStartRejected, err)))
		c.metrics.startFailed("allocate")
		return
	}
	c.seq++
	s := &session{id: c.seq, rec: rec, opts: opts}
	s.detach = rec.Listen(c.listenerFor(s))
	c.current = s
	c.mu.Unlock()

	if err := rec.Begin(); err != nil {
		c.mu.Lock()
		if c.current == s {
			c.release(s)
			c.current = nil
			c.state = StateIdle
		}
		c.mu.Unlock()
		c.log.Warn("recognition begin failed",
			slog.Uint64("session", s.id), slogError(fmt.Errorf("%w: %v", ErrStartRejected, err)))
		c.metrics.startFailed("begin")
		return
	}

	var halt bool
	c.mu.Lock()
	if c.current == s {
		s.started = true
		c.state = StateListening
		c.metrics.sessionStarted()
		c.log.Info("recognition session started",
			slog.Uint64("session", s.id), slog.String("language", s.opts.Language))
		c.enqueue(s.opts.OnStarted)
		early := s.early
		s.early = nil
		for _, handle := range early {
			if c.current != s {
				break
			}
			handle()
		}
		if s.stopRequested && c.current == s {
			c.terminate(s, ReasonStop)
			halt = true
		}
	}
	c.mu.Unlock()

	if halt {
		c.halt(s)
	}
	c.drain()
}

// Stop ends the active session. The capability is asked to halt, but the
// session is torn down and OnStopped delivered without waiting for it.
func (c *Controller) Stop() {
	c.mu.Lock()
	s := c.current
	if s == nil {
		c.mu.Unlock()
		return
	}
	if !s.started {
		s.stopRequested = true
		c.mu.Unlock()
		return
	}
	c.terminate(s, ReasonStop)
	c.mu.Unlock()

	c.halt(s)
	c.drain()
}

func (c *Controller) halt(s *session) {
	if err := s.rec.Halt(); err != nil {
		c.log.Warn("recognition halt failed",
			slog.Uint64("session", s.id), slogError(fmt.Errorf("%w: %v", ErrStopFailed, err)))
	}
}

func (c *Controller) listenerFor(s *session) Listener {
	return Listener{
		OnResult: func(r Result) {
			c.dispatch(s, func() { c.handleResult(s, r) })
		},
		OnEnd: func() {
			c.dispatch(s, func() { c.terminate(s, ReasonEnded) })
		},
		OnError: func(err error) {
			c.dispatch(s, func() {
				c.log.Error("recognition error",
					slog.Uint64("session", s.id), slogError(fmt.Errorf("%w: %v", ErrRecognition, err)))
				c.terminate(s, ReasonError)
			})
		},
	}
}

// dispatch runs handle under the lock if s is still the live session.
// Events that arrive while Begin is in flight are held until it returns.
func (c *Controller) dispatch(s *session, handle func()) {
	if s.detached.Load() {
		return
	}
	c.mu.Lock()
	if c.current != s {
		c.mu.Unlock()
		return
	}
	if !s.started {
		s.early = append(s.early, handle)
		c.mu.Unlock()
		return
	}
	handle()
	c.mu.Unlock()
	c.drain()
}

func (c *Controller) handleResult(s *session, r Result) {
	if s.finalized {
		c.log.Debug("result after final dropped", slog.Uint64("session", s.id))
		return
	}
	interim, final := Normalize(r)
	s.interim = interim
	if cb := s.opts.OnInterim; cb != nil {
		c.enqueue(func() { cb(interim) })
	}
	c.metrics.transcript("interim")
	if final == "" {
		return
	}
	s.finalized = true
	s.interim = ""
	s.final = final
	if cb := s.opts.OnFinal; cb != nil {
		c.enqueue(func() { cb(final) })
	}
	c.metrics.transcript("final")
}

// terminate detaches s and returns the controller to idle. Callers hold mu.
func (c *Controller) terminate(s *session, reason StopReason) {
	c.state = StateTerminating
	c.release(s)
	s.interim = ""
	c.current = nil
	c.state = StateIdle
	c.last = Snapshot{
		SessionID: s.id,
		State:     StateIdle,
		Language:  s.opts.Language,
		Final:     s.final,
		LastStop:  reason,
	}
	c.metrics.sessionStopped(reason)
	c.log.Info("recognition session stopped",
		slog.Uint64("session", s.id), slog.String("reason", string(reason)))
	onReason, onStopped := s.opts.OnStoppedReason, s.opts.OnStopped
	if onReason != nil || onStopped != nil {
		c.enqueue(func() {
			if onReason != nil {
				onReason(reason)
			}
			if onStopped != nil {
				onStopped()
			}
		})
	}
}

func (c *Controller) release(s *session) {
	if s.detached.Swap(true) {
		return
	}
	if s.detach != nil {
		s.detach()
	}
	s.early = nil
}

func (c *Controller) enqueue(fn func()) {
	if fn != nil {
		c.queue = append(c.queue, fn)
	}
}

// drain delivers queued callbacks unless another caller already is; work
// queued by a callback runs after that callback returns.
func (c *Controller) drain() {
	c.mu.Lock()
	if c.draining {
		c.mu.Unlock()
		return
	}
	c.draining = true
	for len(c.queue) > 0 {
		fn := c.queue[0]
		c.queue[0] = nil
		c.queue = c.queue[1:]
		c.mu.Unlock()
		c.invoke(fn)
		c.mu.Lock()
	}
	c.draining = false
	c.mu.Unlock()
}

func (c *Controller) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("voice callback panicked", slog.Any("panic", r))
		}
	}()
	fn()
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
