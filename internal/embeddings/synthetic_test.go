package embeddings

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyntheticBatch(t *testing.T) {
	for _, count := range []int{1, 5, 64} {
		batch := SyntheticBatch(count, 2, 9, 30, 1)
		require.Equal(t, count, batch.Len())
		require.NoError(t, batch.Validate())
		assert.Nil(t, batch.TokenTypeIDs)
		for _, ids := range batch.InputIDs {
			assert.GreaterOrEqual(t, len(ids), 2)
			assert.LessOrEqual(t, len(ids), 9)
			for _, id := range ids {
				assert.GreaterOrEqual(t, id, 0)
				assert.Less(t, id, 30)
			}
		}
	}
}

func TestSyntheticBatchDeterministic(t *testing.T) {
	assert.Equal(t, SyntheticBatch(10, 1, 16, 100, 42), SyntheticBatch(10, 1, 16, 100, 42))
	assert.NotEqual(t, SyntheticBatch(10, 1, 16, 100, 42), SyntheticBatch(10, 1, 16, 100, 43))
}

func TestSyntheticBatchClampsLengths(t *testing.T) {
	batch := SyntheticBatch(3, 0, 0, 10, 1)
	for _, ids := range batch.InputIDs {
		assert.Len(t, ids, 1)
	}
	assert.Equal(t, 0, SyntheticBatch(0, 1, 4, 10, 1).Len())
}
