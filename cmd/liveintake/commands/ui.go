package commands

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/argushq/liveintake/internal/config"
)

// theme is the terminal colour scheme.
type theme struct {
	Primary lipgloss.Color
	Accent  lipgloss.Color
	Dim     lipgloss.Color
	Error   lipgloss.Color
}

var defaultTheme = theme{
	Primary: lipgloss.Color("#00afff"),
	Accent:  lipgloss.Color("#ffaf00"),
	Dim:     lipgloss.Color("#6e7681"),
	Error:   lipgloss.Color("#ff5f5f"),
}

type uiStyles struct {
	Title  lipgloss.Style
	Label  lipgloss.Style
	Value  lipgloss.Style
	Box    lipgloss.Style
	Agent  lipgloss.Style
	User   lipgloss.Style
	Status lipgloss.Style
	Help   lipgloss.Style
	Error  lipgloss.Style
}

func newStyles(t theme) uiStyles {
	return uiStyles{
		Title:  lipgloss.NewStyle().Bold(true).Foreground(t.Primary),
		Label:  lipgloss.NewStyle().Foreground(t.Dim).Width(12),
		Value:  lipgloss.NewStyle(),
		Box:    lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(t.Primary).Padding(0, 1),
		Agent:  lipgloss.NewStyle().Bold(true).Foreground(t.Primary),
		User:   lipgloss.NewStyle().Bold(true).Foreground(t.Accent),
		Status: lipgloss.NewStyle().Italic(true).Foreground(t.Dim),
		Help:   lipgloss.NewStyle().Foreground(t.Dim),
		Error:  lipgloss.NewStyle().Bold(true).Foreground(t.Error),
	}
}

var styles = newStyles(defaultTheme)

// summaryRow is one label/value line of the startup summary.
type summaryRow struct{ label, value string }

func summaryRows(cfg *config.Config, mode string) []summaryRow {
	orNone := func(s string) string {
		if s == "" {
			return "(default)"
		}
		return s
	}
	rows := []summaryRow{
		{"Transport", cfg.Transport.Name},
		{"Model", orNone(cfg.Transport.Model)},
		{"Voice", cfg.Transport.Voice},
		{"Capture", fmt.Sprintf("%s %s @ %d Hz", cfg.Capture.Backend, orNone(cfg.Capture.Device), cfg.Capture.SampleRate)},
		{"Playback", fmt.Sprintf("%s @ %d Hz", cfg.Playback.Backend, cfg.Playback.SampleRate)},
		{"Send policy", orNone(cfg.Transport.SendPolicy)},
	}
	if n := len(cfg.Transport.FallbackURLs); n > 0 {
		rows = append(rows, summaryRow{"Fallbacks", fmt.Sprintf("%d endpoint(s)", n)})
	}
	if cfg.Archive.PostgresDSN != "" {
		rows = append(rows, summaryRow{"Archive", "postgres"})
	} else {
		rows = append(rows, summaryRow{"Archive", "(disabled)"})
	}
	if mode == "serve" {
		rows = append(rows, summaryRow{"Listen", cfg.Server.ListenAddr})
	}
	return rows
}

// printSummary writes the boxed startup summary to w.
func printSummary(w io.Writer, cfg *config.Config, mode string) {
	var b strings.Builder
	b.WriteString(styles.Title.Render("liveintake " + mode))
	for _, r := range summaryRows(cfg, mode) {
		b.WriteString("\n")
		b.WriteString(styles.Label.Render(r.label))
		b.WriteString(styles.Value.Render(r.value))
	}
	fmt.Fprintln(w, styles.Box.Render(b.String()))
}
