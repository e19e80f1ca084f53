package ui

import "github.com/charmbracelet/lipgloss"

var (
	primaryColor   = lipgloss.Color("39")  // blue
	secondaryColor = lipgloss.Color("245") // gray
	recordingColor = lipgloss.Color("196") // red
	successColor   = lipgloss.Color("82")  // green
)

var (
	dialogStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(1, 3)

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor)

	subtitleStyle = lipgloss.NewStyle().
			Foreground(secondaryColor)

	scoreStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(successColor).
			Padding(1, 0, 0, 0)

	mutedStyle = lipgloss.NewStyle().
			Foreground(secondaryColor)

	buttonStyle = lipgloss.NewStyle().
			Border(lipgloss.NormalBorder()).
			BorderForeground(primaryColor).
			Padding(0, 2)

	recordingButtonStyle = buttonStyle.
				BorderForeground(recordingColor).
				Foreground(recordingColor)

	helpStyle = lipgloss.NewStyle().
			Foreground(secondaryColor).
			Italic(true)

	interimStyle = lipgloss.NewStyle().
			Foreground(secondaryColor).
			Italic(true)
)
