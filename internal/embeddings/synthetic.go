package embeddings

import (
	"math/rand"
)

// SyntheticBatch generates count sequences of random token ids for soak runs.
// Lengths fall in [minLen, maxLen] and ids in [0, vocabSize). The same seed
// always yields the same batch.
func SyntheticBatch(count, minLen, maxLen, vocabSize int, seed int64) Batch {
	if minLen < 1 {
		minLen = 1
	}
	if maxLen < minLen {
		maxLen = minLen
	}
	r := rand.New(rand.NewSource(seed))
	batch := Batch{InputIDs: make([][]int, count)}

	for i := range batch.InputIDs {
		n := minLen + r.Intn(maxLen-minLen+1)
		ids := make([]int, n)
		for j := range ids {
			ids[j] = r.Intn(vocabSize)
		}
		batch.InputIDs[i] = ids
	}
	return batch
}
