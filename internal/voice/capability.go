package voice

import "sync"

// Segment is one alternative transcript reported by a recognition result.
type Segment struct {
	Transcript string
	Final      bool
}

// Result is a raw recognition event: the ordered segments of the utterance in
// progress. Capabilities re-report the whole utterance on every event.
type Result struct {
	Segments []Segment
}

// Listener receives raw capability events for one recognition handle.
type Listener struct {
	OnResult func(Result)
	OnEnd    func()
	OnError  func(error)
}

// Recognition is a single capability handle, owned by one session.
type Recognition interface {
	// Listen attaches l and returns the function that detaches it. After
	// detach returns, no method of l is invoked by the handle.
	Listen(l Listener) (detach func())
	// Begin asks the capability to start listening. It must not block on
	// recognition itself.
	Begin() error
	// Halt requests that recognition stop. The capability acknowledges with
	// an "ended" event at some later point.
	Halt() error
}

// Provider allocates recognition handles for a language tag.
type Provider interface {
	NewRecognition(language string) (Recognition, error)
}

// Prober is implemented by providers whose presence depends on the host
// environment. It is consulted once, when the controller is built.
type Prober interface {
	Available() bool
}

// Emitter holds the listener attached to a recognition handle. Recognition
// implementations embed it to get Listen and the Emit helpers.
type Emitter struct {
	mu       sync.Mutex
	listener *Listener
	gen      uint64
}

// Listen implements Recognition.Listen.
func (e *Emitter) Listen(l Listener) func() {
	e.mu.Lock()
	e.gen++
	gen := e.gen
	e.listener = &l
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.gen == gen {
			e.listener = nil
		}
	}
}

// Attached reports whether a listener is currently attached.
func (e *Emitter) Attached() bool {
	return e.current() != nil
}

func (e *Emitter) current() *Listener {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.listener
}

// EmitResult forwards r to the attached listener, if any.
func (e *Emitter) EmitResult(r Result) {
	if l := e.current(); l != nil && l.OnResult != nil {
		l.OnResult(r)
	}
}

// EmitEnd forwards an "ended" event to the attached listener, if any.
func (e *Emitter) EmitEnd() {
	if l := e.current(); l != nil && l.OnEnd != nil {
		l.OnEnd()
	}
}

// EmitError forwards err to the attached listener, if any.
func (e *Emitter) EmitError(err error) {
	if l := e.current(); l != nil && l.OnError != nil {
		l.OnError(err)
	}
}
