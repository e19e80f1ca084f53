// Package ui renders the interview practice terminal views and runs them as
// a bubbletea program.
package ui

import (
	"strconv"

	"github.com/charmbracelet/lipgloss"
)

// FeedbackProps drives RenderFeedback.
type FeedbackProps struct {
	Visible bool
	// Score is nil when no score has been computed.
	Score *float64
}

// FormatScore renders a score as "<value>/5", or "-" without one. The value
// is shown as given, with no range check.
func FormatScore(score *float64) string {
	if score == nil {
		return "-"
	}
	return strconv.FormatFloat(*score, 'f', -1, 64) + "/5"
}

// RenderFeedback draws the feedback dialog, or nothing when it is hidden.
func RenderFeedback(props FeedbackProps) string {
	if !props.Visible {
		return ""
	}
	header := lipgloss.JoinHorizontal(lipgloss.Top,
		lipgloss.JoinVertical(lipgloss.Left,
			titleStyle.Render("Interview Feedback"),
			subtitleStyle.Render("Quick summary"),
		),
		"   ",
		mutedStyle.Render("✕"),
	)
	body := lipgloss.JoinVertical(lipgloss.Center,
		scoreStyle.Render(FormatScore(props.Score)),
		mutedStyle.Render("Overall score"),
	)
	footer := lipgloss.JoinVertical(lipgloss.Right,
		"",
		buttonStyle.Render("Close"),
		helpStyle.Render("esc / enter / x to close"),
	)
	return dialogStyle.Render(lipgloss.JoinVertical(lipgloss.Left, header, body, footer))
}

// FeedbackDialog maps keys to the dialog's single dismissal action.
type FeedbackDialog struct {
	OnDismiss func()
}

// HandleKey reports whether key dismissed the dialog.
func (d FeedbackDialog) HandleKey(key string) bool {
	switch key {
	case "esc", "enter", "x":
		if d.OnDismiss != nil {
			d.OnDismiss()
		}
		return true
	}
	return false
}
