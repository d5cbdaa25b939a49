package device

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// simpleAttentionCPU is a straightforward reference for multi-head scaled
// dot-product attention without masking.
func simpleAttentionCPU(q, k, v []float32, batchSize, seqLen, numHeads, headDim int) []float32 {
	hidden := numHeads * headDim
	out := make([]float32, batchSize*seqLen*hidden)
	scale := 1.0 / math.Sqrt(float64(headDim))

	for b := 0; b < batchSize; b++ {
		for h := 0; h < numHeads; h++ {
			for i := 0; i < seqLen; i++ {
				scores := make([]float64, seqLen)
				maxScore := math.Inf(-1)
				for j := 0; j < seqLen; j++ {
					var dot float64
					for d := 0; d < headDim; d++ {
						qi := (b*seqLen+i)*hidden + h*headDim + d
						kj := (b*seqLen+j)*hidden + h*headDim + d
						dot += float64(q[qi]) * float64(k[kj])
					}
					scores[j] = dot * scale
					maxScore = math.Max(maxScore, scores[j])
				}
				var sum float64
				for j := range scores {
					scores[j] = math.Exp(scores[j] - maxScore)
					sum += scores[j]
				}
				for d := 0; d < headDim; d++ {
					var acc float64
					for j := 0; j < seqLen; j++ {
						acc += scores[j] / sum * float64(v[(b*seqLen+j)*hidden+h*headDim+d])
					}
					out[(b*seqLen+i)*hidden+h*headDim+d] = float32(acc)
				}
			}
		}
	}
	return out
}

func randomData(rng *rand.Rand, n int) []float32 {
	data := make([]float32, n)
	for i := range data {
		data[i] = rng.Float32()*2 - 1
	}
	return data
}

func TestAttentionMatchesReference(t *testing.T) {
	backend := NewCPUBackend()
	rng := rand.New(rand.NewSource(42))

	cases := []struct {
		name                              string
		batchSize, seqLen, numHeads, hDim int
	}{
		{"single", 1, 1, 1, 4},
		{"small", 1, 4, 2, 4},
		{"batched", 3, 5, 4, 8},
		{"wide", 2, 16, 1, 32},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			hidden := tc.numHeads * tc.hDim
			n := tc.batchSize * tc.seqLen * hidden
			qData := randomData(rng, n)
			kData := randomData(rng, n)
			vData := randomData(rng, n)

			q := backend.NewTensor(tc.batchSize*tc.seqLen, hidden, qData)
			k := backend.NewTensor(tc.batchSize*tc.seqLen, hidden, kData)
			v := backend.NewTensor(tc.batchSize*tc.seqLen, hidden, vData)

			scale := float32(1.0 / math.Sqrt(float64(tc.hDim)))
			probs := q.AttentionProbs(k, tc.batchSize, tc.seqLen, tc.numHeads, scale)
			pr, pc := probs.Dims()
			require.Equal(t, tc.batchSize*tc.numHeads*tc.seqLen, pr)
			require.Equal(t, tc.seqLen, pc)

			ctx := probs.AttentionContext(v, tc.batchSize, tc.seqLen, tc.numHeads)
			cr, cc := ctx.Dims()
			require.Equal(t, tc.batchSize*tc.seqLen, cr)
			require.Equal(t, hidden, cc)

			want := simpleAttentionCPU(qData, kData, vData, tc.batchSize, tc.seqLen, tc.numHeads, tc.hDim)
			assert.InDeltaSlice(t, want, ctx.ToHost(), 1e-5)
		})
	}
}

func TestAttentionProbsRowsSumToOne(t *testing.T) {
	backend := NewCPUBackend()
	rng := rand.New(rand.NewSource(7))

	const batchSize, seqLen, numHeads, headDim = 2, 6, 3, 4
	hidden := numHeads * headDim
	q := backend.NewTensor(batchSize*seqLen, hidden, randomData(rng, batchSize*seqLen*hidden))
	k := backend.NewTensor(batchSize*seqLen, hidden, randomData(rng, batchSize*seqLen*hidden))

	probs := q.AttentionProbs(k, batchSize, seqLen, numHeads, 0.5)
	rows, cols := probs.Dims()
	for i := 0; i < rows; i++ {
		var sum float64
		for j := 0; j < cols; j++ {
			p := probs.At(i, j)
			require.GreaterOrEqual(t, p, float32(0))
			sum += float64(p)
		}
		require.InDelta(t, 1.0, sum, 1e-5, "row %d", i)
	}
}

func TestAttentionSequencesAreIndependent(t *testing.T) {
	backend := NewCPUBackend()
	rng := rand.New(rand.NewSource(3))

	const seqLen, numHeads, headDim = 4, 2, 4
	hidden := numHeads * headDim
	rowsPer := seqLen * hidden

	q := randomData(rng, 2*rowsPer)
	k := randomData(rng, 2*rowsPer)
	v := randomData(rng, 2*rowsPer)

	run := func(q, k, v []float32, batch int) []float32 {
		qt := backend.NewTensor(batch*seqLen, hidden, q)
		kt := backend.NewTensor(batch*seqLen, hidden, k)
		vt := backend.NewTensor(batch*seqLen, hidden, v)
		probs := qt.AttentionProbs(kt, batch, seqLen, numHeads, 0.5)
		return probs.AttentionContext(vt, batch, seqLen, numHeads).ToHost()
	}

	both := run(q, k, v, 2)
	first := run(q[:rowsPer], k[:rowsPer], v[:rowsPer], 1)
	second := run(q[rowsPer:], k[rowsPer:], v[rowsPer:], 1)

	assert.InDeltaSlice(t, first, both[:rowsPer], 1e-6)
	assert.InDeltaSlice(t, second, both[rowsPer:], 1e-6)
}

func TestAttentionProbsPanicsOnBadHeads(t *testing.T) {
	backend := NewCPUBackend()
	q := backend.NewTensor(2, 6, nil)
	k := backend.NewTensor(2, 6, nil)
	require.Panics(t, func() { q.AttentionProbs(k, 1, 2, 4, 1) })
}
