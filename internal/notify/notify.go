// Package notify prints operator-facing status lines: a symbol and a colour
// per message kind. Diagnostics belong in the log, not here.
package notify

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
)

// Kind selects the symbol and colour of a line.
type Kind int

const (
	// Error is red with ✗.
	Error Kind = iota
	// Warning is yellow with ⚠.
	Warning
	// Activity is uncoloured with ►.
	Activity
	// Change marks something that was created or modified, ✚.
	Change
	// Success is green with ✔.
	Success
	// Info is blue with ℹ.
	Info
	// Title is bold without a symbol.
	Title
)

type style struct {
	color  *color.Color
	symbol string
}

func styleFor(kind Kind) style {
	switch kind {
	case Error:
		return style{symbol: "✗ ", color: color.New(color.FgRed)}
	case Warning:
		return style{symbol: "⚠ ", color: color.New(color.FgYellow)}
	case Activity:
		return style{symbol: "► ", color: color.New(color.Reset)}
	case Change:
		return style{symbol: "✚ ", color: color.New(color.Reset)}
	case Success:
		return style{symbol: "✔ ", color: color.New(color.FgGreen)}
	case Info:
		return style{symbol: "ℹ ", color: color.New(color.FgBlue)}
	case Title:
		return style{color: color.New(color.Reset, color.Bold)}
	default:
		return style{color: color.New(color.Reset)}
	}
}

// Write prints one message. A nil writer means stdout.
func Write(w io.Writer, kind Kind, format string, args ...any) {
	if w == nil {
		w = os.Stdout
	}
	content := format
	if len(args) > 0 {
		content = fmt.Sprintf(format, args...)
	}
	s := styleFor(kind)
	content = indent(content, s.symbol)
	if _, err := s.color.Fprintf(w, "%s%s\n", s.symbol, content); err != nil {
		fmt.Fprintf(os.Stderr, "notify: failed to print message: %v\n", err) //nolint:errcheck // nowhere else to report
	}
}

// Errorf prints an error line.
func Errorf(w io.Writer, format string, args ...any) { Write(w, Error, format, args...) }

// Warningf prints a warning line.
func Warningf(w io.Writer, format string, args ...any) { Write(w, Warning, format, args...) }

// Activityf prints a progress line.
func Activityf(w io.Writer, format string, args ...any) { Write(w, Activity, format, args...) }

// Changef prints a line describing a modification.
func Changef(w io.Writer, format string, args ...any) { Write(w, Change, format, args...) }

// Successf prints a success line.
func Successf(w io.Writer, format string, args ...any) { Write(w, Success, format, args...) }

// Infof prints an informational line.
func Infof(w io.Writer, format string, args ...any) { Write(w, Info, format, args...) }

// Titlef prints a bold header.
func Titlef(w io.Writer, format string, args ...any) { Write(w, Title, format, args...) }

// SuccessSincef prints a success line followed by the time elapsed since start.
func SuccessSincef(w io.Writer, start time.Time, format string, args ...any) {
	content := format
	if len(args) > 0 {
		content = fmt.Sprintf(format, args...)
	}
	Write(w, Success, "%s (%s)", content, time.Since(start).Round(time.Millisecond))
}

// indent aligns continuation lines with the text after the symbol.
func indent(content, symbol string) string {
	if symbol == "" || !strings.Contains(content, "\n") {
		return content
	}
	pad := strings.Repeat(" ", len([]rune(symbol)))
	lines := strings.Split(content, "\n")
	for i := 1; i < len(lines); i++ {
		if lines[i] != "" {
			lines[i] = pad + lines[i]
		}
	}
	return strings.Join(lines, "\n")
}
