// Package ui renders CLI output with optional ANSI color.
package ui

import (
	"fmt"

	"github.com/alfredjeanlab/gmscreen/internal/model"
)

// ANSI256 color codes.
const (
	colorOnline  = 114 // green
	colorOffline = 203 // red
	colorAccent  = 74  // blue
	colorMuted   = 245 // medium gray
)

var noColor bool

func paint(code int, s string) string {
	if noColor {
		return s
	}
	return fmt.Sprintf("\x1b[38;5;%dm%s\x1b[0m", code, s)
}

// RenderStatus returns the status word colored green when online and red
// when offline.
func RenderStatus(s model.Status) string {
	if s == model.StatusOnline {
		return paint(colorOnline, string(s))
	}
	return paint(colorOffline, string(s))
}

// RenderAccent returns s in the accent (blue) color.
func RenderAccent(s string) string {
	return paint(colorAccent, s)
}

// RenderMuted returns s in the muted (gray) color.
func RenderMuted(s string) string {
	return paint(colorMuted, s)
}

// ForceNoColor disables color output globally.
func ForceNoColor() {
	noColor = true
}
