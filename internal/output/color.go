package output

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

// ColorScheme provides color functions for report elements
type ColorScheme struct {
	Target   func(format string, a ...interface{}) string
	Success  func(format string, a ...interface{}) string
	Error    func(format string, a ...interface{}) string
	Warning  func(format string, a ...interface{}) string
	Header   func(format string, a ...interface{}) string
	Duration func(format string, a ...interface{}) string

	// Disabled indicates if colors are disabled
	Disabled bool
}

// NewColorScheme creates a color scheme for w.
// Colors are disabled for non-TTY writers or when noColor is true.
func NewColorScheme(w io.Writer, noColor bool) *ColorScheme {
	if noColor || !isTTY(w) {
		return &ColorScheme{
			Target:   fmt.Sprintf,
			Success:  fmt.Sprintf,
			Error:    fmt.Sprintf,
			Warning:  fmt.Sprintf,
			Header:   fmt.Sprintf,
			Duration: fmt.Sprintf,
			Disabled: true,
		}
	}

	return &ColorScheme{
		Target:   color.New(color.FgCyan, color.Bold).Sprintf,
		Success:  color.New(color.FgGreen).Sprintf,
		Error:    color.New(color.FgRed, color.Bold).Sprintf,
		Warning:  color.New(color.FgYellow).Sprintf,
		Header:   color.New(color.FgWhite, color.Bold).Sprintf,
		Duration: color.New(color.FgBlue).Sprintf,
	}
}

func isTTY(w io.Writer) bool {
	if f, ok := w.(*os.File); ok {
		return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return false
}

// StatusColor returns the color function for a success or failure
func (cs *ColorScheme) StatusColor(failed bool) func(format string, a ...interface{}) string {
	if failed {
		return cs.Error
	}
	return cs.Success
}
