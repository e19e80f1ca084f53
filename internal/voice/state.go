package voice

import "fmt"

// State is the lifecycle state of the controller's session.
type State int

const (
	StateIdle State = iota
	StateListening
	// StateTerminating is only held while a session is being torn down.
	StateTerminating
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateTerminating:
		return "terminating"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// StopReason records why a session ended.
type StopReason string

const (
	ReasonNone  StopReason = ""
	ReasonStop  StopReason = "stop"
	ReasonEnded StopReason = "ended"
	ReasonError StopReason = "error"
)

// Snapshot is a point-in-time copy of the controller's session data.
type Snapshot struct {
	SessionID uint64
	State     State
	Language  string
	Interim   string
	Final     string
	LastStop  StopReason
}
