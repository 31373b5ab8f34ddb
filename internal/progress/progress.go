// Package progress draws a terminal progress bar for unit dispatch.
package progress

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

const (
	barWidth     = 30
	drawInterval = 100 * time.Millisecond
)

// Tracker counts finished dispatch targets and redraws a single status line
type Tracker struct {
	total     int
	launched  int
	failed    int
	last      string
	startTime time.Time
	lastDraw  time.Time
	mu        sync.Mutex
	writer    io.Writer
	enabled   bool
}

// NewTracker creates a tracker for total targets. A disabled tracker only counts.
func NewTracker(total int, writer io.Writer, enabled bool) *Tracker {
	return &Tracker{
		total:     total,
		startTime: time.Now(),
		writer:    writer,
		enabled:   enabled && writer != nil,
	}
}

// Update records one finished target
func (p *Tracker) Update(target string, success bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if success {
		p.launched++
	} else {
		p.failed++
	}
	p.last = target

	if p.enabled {
		p.draw()
	}
}

// Finish replaces the bar with a one-line summary
func (p *Tracker) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.enabled {
		return
	}
	elapsed := time.Since(p.startTime).Round(time.Millisecond)

	// Format: ✓ dispatched 3/3 units in 1.2s
	fmt.Fprintf(p.writer, "\r\033[K")
	if p.failed == 0 {
		fmt.Fprintf(p.writer, "✓ dispatched %d/%d units in %v\n", p.launched, p.total, elapsed)
	} else {
		fmt.Fprintf(p.writer, "⚠ dispatched %d/%d units (%d failed) in %v\n",
			p.launched, p.total, p.failed, elapsed)
	}
}

// Counts returns launched and failed targets so far
func (p *Tracker) Counts() (launched, failed int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.launched, p.failed
}

func (p *Tracker) draw() {
	now := time.Now()
	if now.Sub(p.lastDraw) < drawInterval && p.launched+p.failed < p.total {
		return
	}
	p.lastDraw = now

	if p.total == 0 {
		return
	}

	done := p.launched + p.failed
	filled := barWidth * done / p.total
	bar := strings.Repeat("█", filled) + strings.Repeat("░", barWidth-filled)

	// Format: [██████░░░░] 2/3 ✓2 ✗0 u@h1:22
	fmt.Fprintf(p.writer, "\r\033[K[%s] %d/%d ✓%d ✗%d %s",
		bar, done, p.total, p.launched, p.failed, p.last)
}
