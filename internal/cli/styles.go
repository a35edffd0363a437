// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// styles.go - shared lipgloss styles for lingua console output.
package cli

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	// TitleStyle for headers and banners.
	TitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("39")) // Cyan

	// PromptStyle for the input prompts.
	PromptStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("39"))

	// InfoStyle for informational session messages.
	InfoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("242")) // Dim gray

	// SuccessStyle for positive status output.
	SuccessStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42")) // Green

	// WarnStyle for degraded-but-working states.
	WarnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214")) // Amber

	// ErrorStyle for errors.
	ErrorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")) // Red

	// AssistantStyle for plain (non-markdown) model replies.
	AssistantStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("255"))
)

// ApplyColorProfile configures lipgloss rendering for the detected terminal.
// Call once at startup, after config is loaded.
func ApplyColorProfile(mode string) {
	lipgloss.SetColorProfile(GetColorProfile(mode))
}

// RenderStatus renders a status line with a colored level marker.
func RenderStatus(level, message string) string {
	switch level {
	case "ok":
		return SuccessStyle.Render("✓ ") + message
	case "warn":
		return WarnStyle.Render("! ") + message
	case "error":
		return ErrorStyle.Render("✗ ") + message
	default:
		return InfoStyle.Render("- ") + message
	}
}

// RenderSeparator renders a horizontal separator sized to the terminal.
func RenderSeparator() string {
	width := GetTerminalWidth()
	if width > 100 {
		width = 100
	}
	return InfoStyle.Render(strings.Repeat("─", width))
}
