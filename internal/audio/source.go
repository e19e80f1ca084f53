// Package audio supplies PCM frames to recognition capabilities.
package audio

import "context"

// Frame is a chunk of 16-bit little-endian PCM. The last frame of an
// utterance has Final set.
type Frame struct {
	PCM        []byte
	SampleRate int
	Channels   int
	Final      bool
}

// Source opens a frame stream for one recognition session. The returned
// channel is closed after a final frame or when ctx is done.
type Source interface {
	Open(ctx context.Context, sessionID string) (<-chan Frame, error)
}
