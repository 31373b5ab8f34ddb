package partition

import (
	"fmt"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ivasilyev/matryoshka/internal/errors"
)

func TestChop(t *testing.T) {
	tests := []struct {
		name  string
		items []string
		parts int
		want  [][]string
	}{
		{"even", []string{"a", "b", "c", "d"}, 2, [][]string{{"a", "b"}, {"c", "d"}}},
		{"remainder to last", []string{"a", "b", "c", "d", "e"}, 2, [][]string{{"a", "b"}, {"c", "d", "e"}}},
		{"single part", []string{"a", "b"}, 1, [][]string{{"a", "b"}}},
		{"more parts than items", []string{"a", "b"}, 3, [][]string{{}, {}, {"a", "b"}}},
		{"empty input", nil, 2, [][]string{{}, {}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Chop(tt.items, tt.parts)
			require.NoError(t, err)
			require.Len(t, got, len(tt.want))
			for i := range tt.want {
				assert.Equal(t, len(tt.want[i]), len(got[i]), "chunk %d", i)
				if len(tt.want[i]) > 0 {
					assert.Equal(t, tt.want[i], got[i], "chunk %d", i)
				}
			}
		})
	}
}

func TestChop_Properties(t *testing.T) {
	for l := 0; l <= 23; l++ {
		for p := 1; p <= 7; p++ {
			t.Run(fmt.Sprintf("L%d_P%d", l, p), func(t *testing.T) {
				items := make([]int, l)
				for i := range items {
					items[i] = i
				}

				chunks, err := Chop(items, p)
				require.NoError(t, err)
				require.Len(t, chunks, p)

				var joined []int
				for i, c := range chunks {
					if i < p-1 {
						assert.Len(t, c, l/p)
					}
					joined = append(joined, c...)
				}
				assert.Len(t, joined, l)
				assert.True(t, slices.Equal(items, joined))
			})
		}
	}
}

func TestChop_AppendDoesNotClobberNeighbour(t *testing.T) {
	chunks, err := Chop([]string{"a", "b", "c", "d"}, 2)
	require.NoError(t, err)

	_ = append(chunks[0], "x")
	assert.Equal(t, []string{"c", "d"}, chunks[1])
}

func TestChop_InvalidParts(t *testing.T) {
	_, err := Chop([]string{"a"}, 0)
	assert.True(t, errors.IsType(err, errors.UsageErrorType))
}
