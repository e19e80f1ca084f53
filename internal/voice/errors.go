package voice

import "errors"

// Failures are logged by the controller and never returned to callers; the
// only termination signal a caller sees is OnStopped.
var (
	ErrUnavailable   = errors.New("speech recognition unavailable")
	ErrStartRejected = errors.New("speech recognition start rejected")
	ErrRecognition   = errors.New("speech recognition failed")
	ErrStopFailed    = errors.New("speech recognition halt failed")
)
