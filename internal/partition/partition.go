// Package partition splits a command batch across execution targets.
package partition

import (
	"fmt"

	"github.com/ivasilyev/matryoshka/internal/errors"
)

// Chop splits items into parts consecutive chunks. The first parts-1 chunks
// hold len(items)/parts items each and the last chunk holds the rest, so
// early chunks are empty when parts exceeds len(items).
func Chop[T any](items []T, parts int) ([][]T, error) {
	if parts < 1 {
		return nil, errors.NewUsageError(fmt.Sprintf("partition count must be at least 1, got %d", parts), nil)
	}

	base := len(items) / parts
	chunks := make([][]T, 0, parts)
	for i := 0; i < parts-1; i++ {
		chunks = append(chunks, items[i*base:(i+1)*base:(i+1)*base])
	}
	chunks = append(chunks, items[(parts-1)*base:])

	return chunks, nil
}
