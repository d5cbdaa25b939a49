package model

import (
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-electra/internal/device"
	"github.com/23skdu/longbow-electra/internal/embeddings/weights"
)

// perturbVectors replaces every bias with a random value and every LayerNorm
// scale with a random value near one.
func perturbVectors(t *testing.T, p *weights.MapProvider, seed int64) {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	for _, name := range p.Names() {
		tensor, err := p.Get(name)
		require.NoError(t, err)
		if len(tensor.Shape) != 1 {
			continue
		}
		base := 0.0
		if strings.HasSuffix(name, "LayerNorm.weight") {
			base = 1
		}
		for i := range tensor.Data {
			tensor.Data[i] = float32(base + rng.Float64() - 0.5)
		}
	}
}

func refParam(t *testing.T, p *weights.MapProvider, name string) []float64 {
	t.Helper()
	tensor, err := p.Get(name)
	require.NoError(t, err)
	out := make([]float64, len(tensor.Data))
	for i, v := range tensor.Data {
		out[i] = float64(v)
	}
	return out
}

// refLinear computes x * w^T + b with w stored (out, in).
func refLinear(x [][]float64, w, b []float64, out int) [][]float64 {
	y := make([][]float64, len(x))
	for r, row := range x {
		y[r] = make([]float64, out)
		for o := 0; o < out; o++ {
			z := b[o]
			for i, v := range row {
				z += w[o*len(row)+i] * v
			}
			y[r][o] = z
		}
	}
	return y
}

func refAdd(a, b [][]float64) [][]float64 {
	out := make([][]float64, len(a))
	for r := range a {
		out[r] = make([]float64, len(a[r]))
		for c := range a[r] {
			out[r][c] = a[r][c] + b[r][c]
		}
	}
	return out
}

func refLayerNorm(x [][]float64, gamma, beta []float64, eps float64) [][]float64 {
	out := make([][]float64, len(x))
	for r, row := range x {
		var mean, variance float64
		for _, v := range row {
			mean += v
		}
		mean /= float64(len(row))
		for _, v := range row {
			variance += (v - mean) * (v - mean)
		}
		variance /= float64(len(row))
		inv := 1 / math.Sqrt(variance+eps)
		out[r] = make([]float64, len(row))
		for c, v := range row {
			out[r][c] = (v-mean)*inv*gamma[c] + beta[c]
		}
	}
	return out
}

func refAttention(q, k, v [][]float64, batch, seqLen, heads int) [][]float64 {
	width := len(q[0])
	d := width / heads
	scale := 1 / math.Sqrt(float64(d))
	ctx := make([][]float64, len(q))
	for r := range ctx {
		ctx[r] = make([]float64, width)
	}
	for b := 0; b < batch; b++ {
		for h := 0; h < heads; h++ {
			for i := 0; i < seqLen; i++ {
				scores := make([]float64, seqLen)
				maxScore := math.Inf(-1)
				for j := range scores {
					for c := h * d; c < (h+1)*d; c++ {
						scores[j] += q[b*seqLen+i][c] * k[b*seqLen+j][c]
					}
					scores[j] *= scale
					maxScore = math.Max(maxScore, scores[j])
				}
				var sum float64
				for j := range scores {
					scores[j] = math.Exp(scores[j] - maxScore)
					sum += scores[j]
				}
				for j, s := range scores {
					for c := h * d; c < (h+1)*d; c++ {
						ctx[b*seqLen+i][c] += s / sum * v[b*seqLen+j][c]
					}
				}
			}
		}
	}
	return ctx
}

// referenceForward is a float64 rendition of a post-LN BERT-style encoder
// without an embedding projection.
func referenceForward(t *testing.T, p *weights.MapProvider, cfg Config, ids, types [][]int) [][]float64 {
	t.Helper()
	h := cfg.HiddenSize
	eps := cfg.LayerNormEps
	word := refParam(t, p, "embeddings.word_embeddings.weight")
	pos := refParam(t, p, "embeddings.position_embeddings.weight")
	typ := refParam(t, p, "embeddings.token_type_embeddings.weight")

	batch, seqLen := len(ids), len(ids[0])
	x := make([][]float64, 0, batch*seqLen)
	for b := range ids {
		for i, id := range ids[b] {
			row := make([]float64, h)
			for c := range row {
				row[c] = word[id*h+c] + pos[i*h+c] + typ[types[b][i]*h+c]
			}
			x = append(x, row)
		}
	}
	x = refLayerNorm(x, refParam(t, p, "embeddings.LayerNorm.weight"), refParam(t, p, "embeddings.LayerNorm.bias"), eps)

	for l := 0; l < cfg.NumHiddenLayers; l++ {
		prefix := fmt.Sprintf("encoder.layer.%d.", l)
		param := func(name string) []float64 { return refParam(t, p, prefix+name) }

		q := refLinear(x, param("attention.self.query.weight"), param("attention.self.query.bias"), h)
		k := refLinear(x, param("attention.self.key.weight"), param("attention.self.key.bias"), h)
		v := refLinear(x, param("attention.self.value.weight"), param("attention.self.value.bias"), h)
		ctx := refAttention(q, k, v, batch, seqLen, cfg.NumAttentionHeads)

		attn := refLinear(ctx, param("attention.output.dense.weight"), param("attention.output.dense.bias"), h)
		attn = refLayerNorm(refAdd(attn, x),
			param("attention.output.LayerNorm.weight"), param("attention.output.LayerNorm.bias"), eps)

		inter := refLinear(attn, param("intermediate.dense.weight"), param("intermediate.dense.bias"), cfg.IntermediateSize)
		for _, row := range inter {
			for c, z := range row {
				row[c] = 0.5 * z * (1 + math.Erf(z/math.Sqrt2))
			}
		}
		out := refLinear(inter, param("output.dense.weight"), param("output.dense.bias"), h)
		x = refLayerNorm(refAdd(out, attn), param("output.LayerNorm.weight"), param("output.LayerNorm.bias"), eps)
	}
	return x
}

func TestForwardMatchesFloat64Reference(t *testing.T) {
	cfg := tinyConfig()
	cfg.NumHiddenLayers = 1
	provider := weights.NewRandomProvider(TensorManifest(cfg), 11)
	perturbVectors(t, provider, 12)

	model, err := Load(provider, cfg)
	require.NoError(t, err)

	ids := [][]int{{1, 7, 19, 2}, {1, 28, 3, 4}}
	types := [][]int{{0, 0, 1, 1}, {0, 1, 1, 1}}
	seq, err := model.Forward(ids, types)
	require.NoError(t, err)
	defer model.Release(seq.Hidden)

	want := referenceForward(t, provider, cfg, ids, types)
	rows, cols := seq.Hidden.Dims()
	require.Equal(t, len(want), rows)
	require.Equal(t, cfg.HiddenSize, cols)
	for r := range want {
		for c := range want[r] {
			assert.InDelta(t, want[r][c], float64(seq.Hidden.At(r, c)), 1e-4, "row %d col %d", r, c)
		}
	}
}

type syncCountingBackend struct {
	*device.CPUBackend
	syncs atomic.Int32
}

func (b *syncCountingBackend) Synchronize() {
	b.syncs.Add(1)
	b.CPUBackend.Synchronize()
}

func TestForwardAndPoolSynchronizeBackend(t *testing.T) {
	cfg := tinyConfig()
	backend := &syncCountingBackend{CPUBackend: device.NewCPUBackend()}
	model, err := LoadWithBackend(tinyProvider(cfg), cfg, backend)
	require.NoError(t, err)

	seq, err := model.Forward([][]int{{1, 2, 3}}, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(1), backend.syncs.Load())

	pooled, err := model.Pool(seq)
	require.NoError(t, err)
	assert.Equal(t, int32(2), backend.syncs.Load())
	model.Release(pooled)
	model.Release(seq.Hidden)
}
