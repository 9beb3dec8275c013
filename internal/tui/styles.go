package tui

import "github.com/charmbracelet/lipgloss"

type Theme struct {
	TextPrimary lipgloss.AdaptiveColor
	TextMuted   lipgloss.AdaptiveColor
	Accent      lipgloss.AdaptiveColor
	Error       lipgloss.AdaptiveColor
	Border      lipgloss.AdaptiveColor

	TopBar     lipgloss.Style
	Sidebar    lipgloss.Style
	SidebarSel lipgloss.Style
	SidebarPin lipgloss.Style
	Pane       lipgloss.Style
	InputBox   lipgloss.Style
	Footer     lipgloss.Style

	RoleUser      lipgloss.Style
	RoleAssistant lipgloss.Style
	ErrorNote     lipgloss.Style
	RetryHint     lipgloss.Style
	Spinner       lipgloss.Style
}

func NewTheme() Theme {
	t := Theme{
		TextPrimary: lipgloss.AdaptiveColor{Light: "#1a1a1a", Dark: "#e6e6e6"},
		TextMuted:   lipgloss.AdaptiveColor{Light: "#8a8a8a", Dark: "#6f6f6f"},
		Accent:      lipgloss.AdaptiveColor{Light: "#2f6fed", Dark: "#7aa2f7"},
		Error:       lipgloss.AdaptiveColor{Light: "#c0392b", Dark: "#f7768e"},
		Border:      lipgloss.AdaptiveColor{Light: "#d0d0d0", Dark: "#3b3b3b"},
	}

	t.TopBar = lipgloss.NewStyle().Bold(true).Foreground(t.Accent).Padding(0, 1)
	t.Sidebar = lipgloss.NewStyle().Foreground(t.TextMuted).Padding(0, 1)
	t.SidebarSel = lipgloss.NewStyle().Foreground(t.Accent).Bold(true).Padding(0, 1)
	t.SidebarPin = lipgloss.NewStyle().Foreground(t.Accent)
	t.Pane = lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(t.Border).
		Padding(0, 1)
	t.InputBox = lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(t.Accent).
		Padding(0, 1)
	t.Footer = lipgloss.NewStyle().Foreground(t.TextMuted).Padding(0, 1)

	t.RoleUser = lipgloss.NewStyle().Foreground(t.Accent).Bold(true)
	t.RoleAssistant = lipgloss.NewStyle().Foreground(t.TextPrimary)
	t.ErrorNote = lipgloss.NewStyle().Foreground(t.Error)
	t.RetryHint = lipgloss.NewStyle().Foreground(t.TextMuted).Italic(true)
	t.Spinner = lipgloss.NewStyle().Foreground(t.Accent)
	return t
}
