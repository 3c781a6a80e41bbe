package render

import "github.com/charmbracelet/lipgloss"

var (
	colorMuted   = lipgloss.Color("#5c5044")
	colorUser    = lipgloss.Color("#6b93b5")
	colorAgent   = lipgloss.Color("#93b56b")
	colorTool    = lipgloss.Color("#61afaf")
	colorWarning = lipgloss.Color("#f5b761")
	colorError   = lipgloss.Color("#d95f5f")
)

// Styles holds the lipgloss styles used for CLI output.
type Styles struct {
	UserHeader      lipgloss.Style
	AssistantHeader lipgloss.Style
	Body            lipgloss.Style
	Reasoning       lipgloss.Style
	Tool            lipgloss.Style
	Pending         lipgloss.Style
	Error           lipgloss.Style
	Muted           lipgloss.Style
	Section         lipgloss.Style

	StatusOK   lipgloss.Style
	StatusWarn lipgloss.Style
	StatusDown lipgloss.Style
}

// DefaultStyles returns the colored styles.
func DefaultStyles() *Styles {
	return &Styles{
		UserHeader:      lipgloss.NewStyle().Bold(true).Foreground(colorUser),
		AssistantHeader: lipgloss.NewStyle().Bold(true).Foreground(colorAgent),
		Body:            lipgloss.NewStyle(),
		Reasoning:       lipgloss.NewStyle().Italic(true).Foreground(colorMuted),
		Tool:            lipgloss.NewStyle().Foreground(colorTool),
		Pending:         lipgloss.NewStyle().Faint(true),
		Error:           lipgloss.NewStyle().Bold(true).Foreground(colorError),
		Muted:           lipgloss.NewStyle().Foreground(colorMuted),
		Section:         lipgloss.NewStyle().Bold(true).Foreground(colorTool),

		StatusOK:   lipgloss.NewStyle().Foreground(colorAgent),
		StatusWarn: lipgloss.NewStyle().Foreground(colorWarning),
		StatusDown: lipgloss.NewStyle().Foreground(colorError),
	}
}

// PlainStyles renders without any decoration.
func PlainStyles() *Styles {
	s := lipgloss.NewStyle()
	return &Styles{
		UserHeader: s, AssistantHeader: s, Body: s, Reasoning: s, Tool: s,
		Pending: s, Error: s, Muted: s, Section: s, StatusOK: s, StatusWarn: s, StatusDown: s,
	}
}
