package embeddings

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPlanBatches(t *testing.T) {
	inputs := [][]int{
		make([]int, 10),
		make([]int, 10),
		make([]int, 200),
		make([]int, 10),
		make([]int, 3),
		make([]int, 10),
	}

	tests := []struct {
		name      string
		indices   []int
		maxSize   int
		maxTokens int
		want      [][]int
	}{
		{
			name:      "grouped by length",
			indices:   []int{0, 1, 2, 3, 4, 5},
			maxSize:   8,
			maxTokens: 1000,
			want:      [][]int{{4}, {0, 1, 3, 5}, {2}},
		},
		{
			name:      "size limit",
			indices:   []int{0, 1, 3, 5},
			maxSize:   3,
			maxTokens: 1000,
			want:      [][]int{{0, 1, 3}, {5}},
		},
		{
			name:      "token limit",
			indices:   []int{0, 1, 3, 5},
			maxSize:   8,
			maxTokens: 25,
			want:      [][]int{{0, 1}, {3, 5}},
		},
		{
			name:      "oversized sequence runs alone",
			indices:   []int{2},
			maxSize:   8,
			maxTokens: 50,
			want:      [][]int{{2}},
		},
		{
			name:      "subset keeps input order",
			indices:   []int{5, 0},
			maxSize:   8,
			maxTokens: 1000,
			want:      [][]int{{5, 0}},
		},
		{
			name:      "nothing to do",
			indices:   nil,
			maxSize:   8,
			maxTokens: 1000,
			want:      nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, planBatches(inputs, tt.indices, tt.maxSize, tt.maxTokens))
		})
	}
}
