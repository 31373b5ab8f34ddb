package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/ivasilyev/matryoshka/internal/dispatch"
)

// OutputMode defines the available report formats
type OutputMode string

const (
	// TextMode prints one aligned line per target and a summary
	TextMode OutputMode = "text"

	// JSONMode emits NDJSON objects with structured result data
	JSONMode OutputMode = "json"
)

// Status values of a rendered target
const (
	StatusLaunched = "launched"
	StatusFailed   = "failed"
	StatusDropped  = "dropped"
)

// Formatter renders a dispatch report
type Formatter interface {
	// Format writes the whole report
	Format(report *dispatch.Report) error
}

// DefaultFormatter implements Formatter for every OutputMode
type DefaultFormatter struct {
	mode   OutputMode
	writer io.Writer
	colors *ColorScheme
}

// NewFormatter creates a formatter writing to writer (stdout when nil).
// Colors are used only on terminals and when noColor is false.
func NewFormatter(mode OutputMode, writer io.Writer, noColor bool) Formatter {
	if writer == nil {
		writer = os.Stdout
	}

	return &DefaultFormatter{
		mode:   mode,
		writer: writer,
		colors: NewColorScheme(writer, noColor),
	}
}

// ParseMode validates an output format name
func ParseMode(s string) (OutputMode, error) {
	switch OutputMode(s) {
	case TextMode, JSONMode:
		return OutputMode(s), nil
	default:
		return "", fmt.Errorf("unknown output mode: %s", s)
	}
}

// Format writes report in the configured mode
func (f *DefaultFormatter) Format(report *dispatch.Report) error {
	switch f.mode {
	case TextMode:
		return f.formatText(report)
	case JSONMode:
		return f.formatJSON(report)
	default:
		return fmt.Errorf("unknown output mode: %s", f.mode)
	}
}

func (f *DefaultFormatter) formatText(report *dispatch.Report) error {
	c := f.colors

	if _, err := fmt.Fprintln(f.writer, c.Header("=== %s dispatch ===", report.Mode)); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	width := 0
	for _, r := range report.Results {
		width = max(width, len(r.Target))
	}
	for _, d := range report.Dropped {
		width = max(width, len(d.Node.String()))
	}

	for _, r := range report.Results {
		status := StatusLaunched
		if !r.Succeeded() {
			status = StatusFailed
		}
		line := fmt.Sprintf("%s %s  %d commands  %s",
			c.StatusColor(!r.Succeeded())("%-8s", status),
			c.Target("%-*s", width, r.Target),
			r.Commands,
			r.Unit)
		if r.Strategy != "" {
			line += "  via " + r.Strategy
		}
		line += "  " + c.Duration("%v", r.Duration.Round(time.Millisecond))
		if r.Err != nil {
			line += "\n  " + c.Error("ERROR: %s", r.Err.Error())
		}
		if _, err := fmt.Fprintln(f.writer, line); err != nil {
			return fmt.Errorf("failed to write result: %w", err)
		}
	}

	for _, d := range report.Dropped {
		if _, err := fmt.Fprintf(f.writer, "%s %s  %s\n",
			c.Warning("%-8s", StatusDropped),
			c.Target("%-*s", width, d.Node.String()),
			d.Err.Error()); err != nil {
			return fmt.Errorf("failed to write dropped node: %w", err)
		}
	}

	summary := fmt.Sprintf("%d launched, %d failed", report.Succeeded(), report.Failed())
	if len(report.Dropped) > 0 {
		summary += fmt.Sprintf(", %d dropped", len(report.Dropped))
	}
	if _, err := fmt.Fprintln(f.writer, c.StatusColor(report.Failed() > 0)("%s", summary)); err != nil {
		return fmt.Errorf("failed to write summary: %w", err)
	}
	return nil
}

// JSONOutput represents the JSON structure for NDJSON output
type JSONOutput struct {
	Mode       string `json:"mode"`
	Target     string `json:"target"`
	Status     string `json:"status"`
	Unit       string `json:"unit,omitempty"`
	Commands   int    `json:"commands"`
	Strategy   string `json:"strategy,omitempty"`
	Waited     bool   `json:"waited"`
	OutputSize int    `json:"output_bytes"`
	DurationMs int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

// formatJSON outputs one object per target, dropped nodes last
func (f *DefaultFormatter) formatJSON(report *dispatch.Report) error {
	enc := json.NewEncoder(f.writer)

	for _, r := range report.Results {
		out := JSONOutput{
			Mode:       report.Mode,
			Target:     r.Target,
			Status:     StatusLaunched,
			Unit:       r.Unit,
			Commands:   r.Commands,
			Strategy:   r.Strategy,
			Waited:     r.Waited,
			OutputSize: r.Output,
			DurationMs: r.Duration.Milliseconds(),
		}
		if r.Err != nil {
			out.Status = StatusFailed
			out.Error = r.Err.Error()
		}
		if err := enc.Encode(out); err != nil {
			return fmt.Errorf("failed to write JSON: %w", err)
		}
	}

	for _, d := range report.Dropped {
		out := JSONOutput{
			Mode:   report.Mode,
			Target: d.Node.String(),
			Status: StatusDropped,
		}
		if d.Err != nil {
			out.Error = d.Err.Error()
		}
		if err := enc.Encode(out); err != nil {
			return fmt.Errorf("failed to write JSON: %w", err)
		}
	}
	return nil
}
