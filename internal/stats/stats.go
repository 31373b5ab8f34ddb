// Package stats provides execution statistics tracking for matryoshka runs.
package stats

import (
	"fmt"
	"sync"
	"time"
)

// Statistics holds execution counters for a unit or a dispatch
type Statistics struct {
	StartTime      time.Time
	Total          int
	Succeeded      int
	Failed         int
	BytesCollected int64
}

// Completed returns how many items have finished either way
func (s Statistics) Completed() int {
	return s.Succeeded + s.Failed
}

// Elapsed returns time since tracking started
func (s Statistics) Elapsed() time.Duration {
	return time.Since(s.StartTime)
}

// String renders a one-line summary
func (s Statistics) String() string {
	return fmt.Sprintf("%d/%d completed (%d succeeded, %d failed), %s collected in %v",
		s.Completed(), s.Total, s.Succeeded, s.Failed, FormatBytes(s.BytesCollected), s.Elapsed().Round(time.Millisecond))
}

// Tracker accumulates statistics from concurrent workers
type Tracker struct {
	mu    sync.Mutex
	stats Statistics
}

// NewTracker creates a tracker expecting total items
func NewTracker(total int) *Tracker {
	return &Tracker{
		stats: Statistics{
			StartTime: time.Now(),
			Total:     total,
		},
	}
}

// Record counts one finished item
func (t *Tracker) Record(success bool, bytes int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stats.BytesCollected += bytes
	if success {
		t.stats.Succeeded++
	} else {
		t.stats.Failed++
	}
}

// Snapshot returns a copy of the current statistics
func (t *Tracker) Snapshot() Statistics {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}

// FormatBytes formats byte count in human readable format
func FormatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
