package stt

import (
	"context"

	"github.com/loqalabs/loqa-voice/internal/config"
)

// Request is one transcription of buffered PCM.
type Request struct {
	PCM        []byte
	SampleRate int
	Channels   int
	Language   string
	Final      bool
}

// TranscriptResult captures recognizer output.
type TranscriptResult struct {
	Text       string
	Confidence float64
}

// Recognizer abstracts batch STT backends.
type Recognizer interface {
	Transcribe(ctx context.Context, req Request) (TranscriptResult, error)
}

// NewRecognizer returns the exec recognizer when a command is configured and
// the mock recognizer otherwise.
func NewRecognizer(cfg config.STTConfig) (Recognizer, error) {
	if cfg.Command != "" {
		return NewExecRecognizer(cfg)
	}
	return NewMockRecognizer(), nil
}
