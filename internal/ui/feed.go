package ui

import (
	"context"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/loqalabs/loqa-voice/internal/protocol"
)

// VoiceEventMsg carries a normalized controller event into the program.
type VoiceEventMsg protocol.VoiceEvent

// ScoreMsg carries an interview score into the program.
type ScoreMsg protocol.ScoreReport

// Feed buffers events for the program. It is usable as an events sink.
type Feed struct {
	ch chan tea.Msg
}

func NewFeed(size int) *Feed {
	return &Feed{ch: make(chan tea.Msg, size)}
}

// Publish queues evt. Interim text is dropped rather than waited on when the
// program falls behind.
func (f *Feed) Publish(ctx context.Context, evt protocol.VoiceEvent) error {
	msg := VoiceEventMsg(evt)
	if evt.Kind == protocol.EventInterim {
		select {
		case f.ch <- msg:
		default:
		}
		return nil
	}
	select {
	case f.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Score queues a score report, dropping it if the program is gone.
func (f *Feed) Score(report protocol.ScoreReport) {
	select {
	case f.ch <- ScoreMsg(report):
	default:
	}
}

func (f *Feed) Close() error { return nil }

func (f *Feed) wait() tea.Cmd {
	return func() tea.Msg {
		return <-f.ch
	}
}
