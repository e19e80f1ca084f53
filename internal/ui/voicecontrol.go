package ui

import "github.com/charmbracelet/lipgloss"

type VoiceControlProps struct {
	Listening bool
	Available bool
}

// RenderVoiceControl draws the record button. Without a recognition
// capability there is nothing to show.
func RenderVoiceControl(props VoiceControlProps) string {
	if !props.Available {
		return ""
	}
	if props.Listening {
		return lipgloss.JoinVertical(lipgloss.Left,
			recordingButtonStyle.Render("● Stop Recording"),
			helpStyle.Render("Listening..."),
		)
	}
	return lipgloss.JoinVertical(lipgloss.Left,
		buttonStyle.Render("Start Recording"),
		helpStyle.Render("Press space to speak"),
	)
}
