package stats

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTracker_ConcurrentRecord(t *testing.T) {
	tr := NewTracker(100)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tr.Record(i%4 != 0, 10)
		}(i)
	}
	wg.Wait()

	s := tr.Snapshot()
	assert.Equal(t, 75, s.Succeeded)
	assert.Equal(t, 25, s.Failed)
	assert.Equal(t, 100, s.Completed())
	assert.Equal(t, int64(1000), s.BytesCollected)
	assert.Contains(t, s.String(), "100/100 completed (75 succeeded, 25 failed)")
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", FormatBytes(512))
	assert.Equal(t, "1.0 KB", FormatBytes(1024))
	assert.Equal(t, "1.5 MB", FormatBytes(1536*1024))
}
