package ui

import (
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/loqalabs/loqa-voice/internal/protocol"
)

// Voice is the controller surface the program drives.
type Voice interface {
	Start()
	Stop()
	IsActive() bool
	Available() bool
}

// Model is the bubbletea program behind `loqa-voice listen`.
type Model struct {
	voice     Voice
	feed      *Feed
	available bool
	listening bool
	interim   string
	answers   []string
	feedback  FeedbackProps
	width     int
}

func NewModel(v Voice, feed *Feed) Model {
	return Model{
		voice:     v,
		feed:      feed,
		available: v.Available(),
	}
}

func (m Model) Init() tea.Cmd {
	return m.feed.wait()
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		key := msg.String()
		if key == "ctrl+c" {
			return m, tea.Quit
		}
		if m.feedback.Visible {
			dialog := FeedbackDialog{OnDismiss: func() { m.feedback.Visible = false }}
			if dialog.HandleKey(key) {
				return m, nil
			}
		}
		switch key {
		case "q":
			return m, tea.Quit
		case " ", "space":
			m.toggle()
		}
		return m, nil

	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case VoiceEventMsg:
		m.apply(protocol.VoiceEvent(msg))
		return m, m.feed.wait()

	case ScoreMsg:
		m.feedback = FeedbackProps{Visible: true, Score: msg.Score}
		return m, m.feed.wait()
	}
	return m, nil
}

// toggle stops a listening session and starts one otherwise.
func (m *Model) toggle() {
	if m.voice.IsActive() {
		m.voice.Stop()
	} else {
		m.voice.Start()
	}
	m.listening = m.voice.IsActive()
}

func (m *Model) apply(evt protocol.VoiceEvent) {
	switch evt.Kind {
	case protocol.EventStarted:
		m.listening = true
		m.interim = ""
	case protocol.EventInterim:
		m.interim = evt.Text
	case protocol.EventFinal:
		m.answers = append(m.answers, evt.Text)
		m.interim = ""
	case protocol.EventStopped:
		m.listening = false
		m.interim = ""
	}
}

func (m Model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Interview practice"))
	b.WriteString("\n\n")

	if control := RenderVoiceControl(VoiceControlProps{Listening: m.listening, Available: m.available}); control != "" {
		b.WriteString(control)
	} else {
		b.WriteString(mutedStyle.Render("Speech recognition is not available."))
	}
	b.WriteString("\n\n")

	for _, answer := range m.answers {
		b.WriteString("> " + answer + "\n")
	}
	if m.interim != "" {
		b.WriteString(interimStyle.Render(m.interim) + "\n")
	}

	if dialog := RenderFeedback(m.feedback); dialog != "" {
		b.WriteString("\n")
		if m.width > 0 {
			dialog = lipgloss.PlaceHorizontal(m.width, lipgloss.Center, dialog)
		}
		b.WriteString(dialog)
		b.WriteString("\n")
	}

	b.WriteString("\n" + helpStyle.Render("space: record  q: quit"))
	return b.String()
}
