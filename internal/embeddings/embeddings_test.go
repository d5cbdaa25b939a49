package embeddings

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-electra/internal/embeddings/model"
	"github.com/23skdu/longbow-electra/internal/embeddings/weights"
)

func testConfig() model.Config {
	return model.Config{
		VocabSize:             50,
		HiddenSize:            8,
		NumHiddenLayers:       2,
		NumAttentionHeads:     2,
		IntermediateSize:      16,
		HiddenAct:             "gelu",
		MaxPositionEmbeddings: 32,
		TypeVocabSize:         2,
		LayerNormEps:          1e-12,
		PositionEmbeddingType: model.PositionEmbeddingAbsolute,
	}
}

func testModel(t testing.TB, withPooler bool) *model.ElectraModel {
	t.Helper()
	cfg := testConfig()
	p := weights.NewRandomProvider(model.TensorManifest(cfg), 7)
	if !withPooler {
		p.Delete("pooler.dense.weight")
		p.Delete("pooler.dense.bias")
	}
	m, err := model.Load(p, cfg)
	require.NoError(t, err)
	return m
}

func testEncoder(t testing.TB, opts Options) *Encoder {
	t.Helper()
	e, err := NewEncoder(testModel(t, true), opts)
	require.NoError(t, err)
	return e
}

func TestParsePoolingMode(t *testing.T) {
	for in, want := range map[string]PoolingMode{
		"":       "",
		"pooler": PoolingPooler,
		" CLS ":  PoolingCLS,
		"Mean":   PoolingMean,
	} {
		got, err := ParsePoolingMode(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParsePoolingMode("max")
	require.Error(t, err)
}

func TestBatchValidate(t *testing.T) {
	tests := []struct {
		name  string
		batch Batch
	}{
		{"empty", Batch{}},
		{"empty sequence", Batch{InputIDs: [][]int{{1, 2}, {}}}},
		{"type rows", Batch{InputIDs: [][]int{{1}, {2}}, TokenTypeIDs: [][]int{{0}}}},
		{"type lengths", Batch{InputIDs: [][]int{{1, 2}}, TokenTypeIDs: [][]int{{0}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.ErrorIs(t, tt.batch.Validate(), ErrInvalidBatch)
		})
	}

	ok := Batch{InputIDs: [][]int{{1, 2, 3}, {4}}, TokenTypeIDs: [][]int{{0, 0, 1}, {1}}}
	require.NoError(t, ok.Validate())
	assert.Equal(t, 2, ok.Len())
	assert.Equal(t, 4, ok.Tokens())
}

func TestNewEncoderDefaults(t *testing.T) {
	e := testEncoder(t, Options{})
	assert.Equal(t, PoolingPooler, e.Pooling())
	assert.Equal(t, 8, e.Dim())
	assert.Equal(t, 32, e.internalBatchSize)
	assert.Equal(t, 1, e.concurrency)

	noPooler, err := NewEncoder(testModel(t, false), Options{})
	require.NoError(t, err)
	assert.Equal(t, PoolingCLS, noPooler.Pooling())

	_, err = NewEncoder(testModel(t, false), Options{Pooling: PoolingPooler})
	require.ErrorIs(t, err, model.ErrNoPooler)

	_, err = NewEncoder(nil, Options{})
	require.Error(t, err)

	_, err = NewEncoder(testModel(t, true), Options{Pooling: "max"})
	require.Error(t, err)
}

func TestEncodePoolingModes(t *testing.T) {
	m := testModel(t, true)
	ids := [][]int{{2, 11, 17, 3}, {2, 40, 9, 3}}

	seq, err := m.Forward(ids, nil)
	require.NoError(t, err)
	defer m.Release(seq.Hidden)
	pooled, err := m.Pool(seq)
	require.NoError(t, err)
	defer m.Release(pooled)

	for _, mode := range []PoolingMode{PoolingPooler, PoolingCLS, PoolingMean} {
		t.Run(string(mode), func(t *testing.T) {
			e, err := NewEncoder(m, Options{Pooling: mode})
			require.NoError(t, err)
			vecs, err := e.Encode(context.Background(), Batch{InputIDs: ids})
			require.NoError(t, err)
			require.Len(t, vecs, 2)

			for b, vec := range vecs {
				require.Len(t, vec, 8)
				var want []float32
				switch mode {
				case PoolingPooler:
					want = make([]float32, 8)
					for j := range want {
						want[j] = pooled.At(b, j)
					}
				case PoolingCLS:
					want = seq.Token(b, 0)
				case PoolingMean:
					want = make([]float32, 8)
					for i := 0; i < seq.SeqLen; i++ {
						for j, v := range seq.Token(b, i) {
							want[j] += v / float32(seq.SeqLen)
						}
					}
				}
				assert.InDeltaSlice(t, want, vec, 1e-5)
			}
		})
	}
}

func TestEncodePoolerIsBounded(t *testing.T) {
	e := testEncoder(t, Options{Pooling: PoolingPooler})
	vecs, err := e.Encode(context.Background(), SyntheticBatch(6, 1, 12, 50, 3))
	require.NoError(t, err)
	for _, vec := range vecs {
		for _, v := range vec {
			assert.LessOrEqual(t, v, float32(1))
			assert.GreaterOrEqual(t, v, float32(-1))
		}
	}
}

func TestEncodeMixedLengthsMatchesSingles(t *testing.T) {
	e := testEncoder(t, Options{Pooling: PoolingCLS, InternalBatchSize: 2, Concurrency: 4})
	batch := Batch{
		InputIDs:     [][]int{{1, 2, 3}, {4, 5}, {6, 7, 8}, {9}, {10, 11}, {12, 13, 14}},
		TokenTypeIDs: [][]int{{0, 0, 1}, {0, 1}, {0, 0, 0}, {1}, {0, 0}, {1, 1, 1}},
	}

	vecs, err := e.Encode(context.Background(), batch)
	require.NoError(t, err)
	require.Len(t, vecs, batch.Len())

	for i := range batch.InputIDs {
		single, err := e.Encode(context.Background(), Batch{
			InputIDs:     [][]int{batch.InputIDs[i]},
			TokenTypeIDs: [][]int{batch.TokenTypeIDs[i]},
		})
		require.NoError(t, err)
		assert.InDeltaSlice(t, single[0], vecs[i], 1e-5, "sequence %d", i)
	}
}

func TestEncodeTokenTypesMatter(t *testing.T) {
	e := testEncoder(t, Options{Pooling: PoolingCLS})
	ids := [][]int{{5, 6, 7}}
	a, err := e.Encode(context.Background(), Batch{InputIDs: ids})
	require.NoError(t, err)
	b, err := e.Encode(context.Background(), Batch{InputIDs: ids, TokenTypeIDs: [][]int{{1, 1, 1}}})
	require.NoError(t, err)
	assert.NotEqual(t, a[0], b[0])

	zeros, err := e.Encode(context.Background(), Batch{InputIDs: ids, TokenTypeIDs: [][]int{{0, 0, 0}}})
	require.NoError(t, err)
	assert.InDeltaSlice(t, a[0], zeros[0], 1e-6)
}

func TestEncodeModelErrors(t *testing.T) {
	e := testEncoder(t, Options{})

	_, err := e.Encode(context.Background(), Batch{InputIDs: [][]int{{1, 2}, {50}}})
	require.ErrorIs(t, err, model.ErrIndex)

	long := make([]int, 33)
	_, err = e.Encode(context.Background(), Batch{InputIDs: [][]int{long}})
	require.ErrorIs(t, err, model.ErrIndex)

	_, err = e.Encode(context.Background(), Batch{})
	require.ErrorIs(t, err, ErrInvalidBatch)
}

func BenchmarkEncode(b *testing.B) {
	e := testEncoder(b, Options{Concurrency: 4})
	batch := SyntheticBatch(64, 4, 32, 50, 1)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := e.Encode(context.Background(), batch); err != nil {
			b.Fatal(err)
		}
	}
}
