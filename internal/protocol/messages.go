package protocol

import "time"

// AudioFrame represents PCM audio data streamed from edge devices.
type AudioFrame struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// Transcript represents STT output broadcast on the bus.
type Transcript struct {
	SessionID  string    `json:"session_id"`
	Text       string    `json:"text"`
	Partial    bool      `json:"partial"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence,omitempty"`
}

// SessionControl asks an STT node to open or close a recognition stream.
type SessionControl struct {
	SessionID string    `json:"session_id"`
	Action    string    `json:"action"`
	Language  string    `json:"language,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SessionBegin = "begin"
	SessionHalt  = "halt"
)

// VoiceEvent is a normalized controller event for downstream consumers.
type VoiceEvent struct {
	SessionID string    `json:"session_id"`
	Kind      string    `json:"kind"`
	Text      string    `json:"text,omitempty"`
	Language  string    `json:"language,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	EventStarted = "started"
	EventInterim = "interim"
	EventFinal   = "final"
	EventStopped = "stopped"
)

// ScoreReport carries an interview score from an external scorer.
type ScoreReport struct {
	SessionID string   `json:"session_id"`
	Score     *float64 `json:"score"`
}

// ControlRequest is the payload of a voice.control request.
type ControlRequest struct {
	Action string `json:"action"`
}

const (
	ControlStart  = "start"
	ControlStop   = "stop"
	ControlToggle = "toggle"
	ControlStatus = "status"
)

// ControlReply answers a voice.control request.
type ControlReply struct {
	Active    bool   `json:"active"`
	Available bool   `json:"available"`
	SessionID string `json:"session_id,omitempty"`
	State     string `json:"state"`
	Error     string `json:"error,omitempty"`
}

const (
	SubjectAudioFramePrefix  = "audio.frame"
	SubjectTranscriptPartial = "stt.text.partial"
	SubjectTranscriptFinal   = "stt.text.final"
	SubjectSessionControl    = "voice.session.control"
	SubjectVoiceEventPrefix  = "voice.event"
	SubjectVoiceControl      = "voice.control"
	SubjectInterviewScore    = "interview.score"
)

// AudioFrameSubject returns the subject carrying frames for sessionID.
func AudioFrameSubject(sessionID string) string {
	return SubjectAudioFramePrefix + "." + sessionID
}

// VoiceEventSubject returns the subject for a normalized event kind.
func VoiceEventSubject(kind string) string {
	return SubjectVoiceEventPrefix + "." + kind
}
