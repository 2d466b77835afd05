// Package ui holds the lipgloss styles and print helpers for
// user-facing CLI output. Engine packages log through zerolog instead;
// only the command layer talks to the terminal directly.
package ui

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
)

var (
	successStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#22c55e"))
	infoStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#06b6d4"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#eab308"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#ef4444"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#6b7280"))
)

func Successf(format string, a ...any) {
	fmt.Println(successStyle.Render(fmt.Sprintf(format, a...)))
}

func Infof(format string, a ...any) {
	fmt.Println(infoStyle.Render(fmt.Sprintf(format, a...)))
}

func Warnf(format string, a ...any) {
	fmt.Println(warnStyle.Render(fmt.Sprintf(format, a...)))
}

func Errorf(format string, a ...any) {
	fmt.Println(errorStyle.Render(fmt.Sprintf(format, a...)))
}

func Dimf(format string, a ...any) {
	fmt.Println(dimStyle.Render(fmt.Sprintf(format, a...)))
}
