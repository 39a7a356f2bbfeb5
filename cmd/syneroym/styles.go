package main

import (
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
)

const (
	colorYellow = "#E3D367"
	colorGreen  = "#9CD57B"
	colorBlue   = "#78CEE9"
	colorGray   = "#82878B"
	colorFg     = "#E1E2E3"
)

var (
	styleHeader = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(colorYellow))
	styleKey    = lipgloss.NewStyle().Foreground(lipgloss.Color(colorBlue))
	styleActive = lipgloss.NewStyle().Foreground(lipgloss.Color(colorGreen))
)

// customHuhTheme returns a huh theme matching the CLI's palette.
func customHuhTheme() *huh.Theme {
	t := huh.ThemeDracula()

	yellow := lipgloss.Color(colorYellow)
	gray := lipgloss.Color(colorGray)
	fg := lipgloss.Color(colorFg)

	t.Focused.Base = t.Focused.Base.BorderForeground(yellow).Foreground(fg)
	t.Blurred.Base = t.Blurred.Base.BorderForeground(gray).Foreground(fg)
	t.Focused.Title = t.Focused.Title.Foreground(yellow).Bold(true)
	t.Blurred.Title = t.Blurred.Title.Foreground(gray)

	return t
}
