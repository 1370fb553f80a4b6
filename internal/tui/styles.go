package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/Aayaan-Sahu/kova/domain/entities"
)

// Colors used throughout the viewer.
var (
	ColorRed     = lipgloss.Color("#FF3B30")
	ColorGreen   = lipgloss.Color("#34C759")
	ColorYellow  = lipgloss.Color("#FFCC00")
	ColorCyan    = lipgloss.Color("#00FFFF")
	ColorGray    = lipgloss.Color("#666666")
	ColorDimGray = lipgloss.Color("#444444")
	ColorWhite   = lipgloss.Color("#FFFFFF")
)

var (
	TitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorCyan)

	DimStyle = lipgloss.NewStyle().
			Foreground(ColorGray)

	ErrorStyle = lipgloss.NewStyle().
			Foreground(ColorRed).
			Bold(true)

	PanelTitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorWhite)

	CallerStyle = lipgloss.NewStyle().
			Foreground(ColorYellow)

	UserStyle = lipgloss.NewStyle().
			Foreground(ColorCyan)

	ListeningDotStyle = lipgloss.NewStyle().
				Foreground(ColorRed).
				Bold(true)

	IdleDotStyle = lipgloss.NewStyle().
			Foreground(ColorGray)

	FooterKeyStyle = lipgloss.NewStyle().
			Foreground(ColorYellow).
			Bold(true)

	FooterDescStyle = lipgloss.NewStyle().
			Foreground(ColorGray)

	DividerStyle = lipgloss.NewStyle().
			Foreground(ColorDimGray)
)

// StatusStyle colors the risk badge by tier
func StatusStyle(status entities.RiskStatus) lipgloss.Style {
	base := lipgloss.NewStyle().Bold(true).Padding(0, 1)
	switch status {
	case entities.RiskStatusDanger:
		return base.Foreground(ColorWhite).Background(ColorRed)
	case entities.RiskStatusWarning:
		return base.Foreground(lipgloss.Color("#000000")).Background(ColorYellow)
	default:
		return base.Foreground(lipgloss.Color("#000000")).Background(ColorGreen)
	}
}
