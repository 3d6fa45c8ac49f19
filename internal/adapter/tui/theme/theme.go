// Package theme holds the terminal styles of the chat client. Colors
// adapt to light and dark terminals, and NO_COLOR is honoured through
// lipgloss's color profile detection.
package theme

import (
	"github.com/charmbracelet/lipgloss"
)

var (
	ColorSuccess = lipgloss.AdaptiveColor{Light: "#2e7d32", Dark: "#66bb6a"}
	ColorError   = lipgloss.AdaptiveColor{Light: "#c62828", Dark: "#ef5350"}
	ColorWarning = lipgloss.AdaptiveColor{Light: "#e65100", Dark: "#ffa726"}
	ColorInfo    = lipgloss.AdaptiveColor{Light: "#0277bd", Dark: "#4fc3f7"}
	ColorAccent  = lipgloss.AdaptiveColor{Light: "#6a1b9a", Dark: "#ce93d8"}
	ColorMuted   = lipgloss.AdaptiveColor{Light: "#757575", Dark: "#9e9e9e"}
	ColorBorder  = lipgloss.AdaptiveColor{Light: "#bdbdbd", Dark: "#616161"}
	ColorFgDim   = lipgloss.AdaptiveColor{Light: "#9e9e9e", Dark: "#757575"}
)

var (
	Bold = lipgloss.NewStyle().Bold(true)
	Dim  = lipgloss.NewStyle().Faint(true)

	TextSuccess = lipgloss.NewStyle().Foreground(ColorSuccess).Bold(true)
	TextError   = lipgloss.NewStyle().Foreground(ColorError).Bold(true)
	TextWarning = lipgloss.NewStyle().Foreground(ColorWarning).Bold(true)
	TextInfo    = lipgloss.NewStyle().Foreground(ColorInfo)
	TextMuted   = lipgloss.NewStyle().Foreground(ColorMuted)
)

// Message role styles.
var (
	UserLabel = lipgloss.NewStyle().
			Foreground(ColorInfo).
			Bold(true)

	BotLabel = lipgloss.NewStyle().
			Foreground(ColorAccent).
			Bold(true)

	ToolLabel = lipgloss.NewStyle().
			Foreground(ColorWarning).
			Bold(true)

	// Metrics renders the model and throughput line under a reply.
	Metrics = lipgloss.NewStyle().
		Foreground(ColorFgDim).
		Faint(true)

	Prompt = lipgloss.NewStyle().
		Foreground(ColorInfo).
		Bold(true)

	// Panel frames listings such as /threads.
	Panel = lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorBorder).
		Padding(0, 1)
)

// MaxContentWidth bounds panel width.
const MaxContentWidth = 100
