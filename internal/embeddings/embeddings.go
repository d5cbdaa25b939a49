package embeddings

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-electra/internal/cache"
	"github.com/23skdu/longbow-electra/internal/device"
	"github.com/23skdu/longbow-electra/internal/embeddings/model"
)

// PoolingMode selects how a sequence is reduced to one vector.
type PoolingMode string

const (
	// PoolingPooler uses the checkpoint pooler: tanh(dense(first token)).
	PoolingPooler PoolingMode = "pooler"
	// PoolingCLS takes the final hidden state of the first token.
	PoolingCLS PoolingMode = "cls"
	// PoolingMean averages the final hidden states of all tokens.
	PoolingMean PoolingMode = "mean"
)

var (
	// ErrInvalidBatch is returned for batches the encoder cannot schedule.
	ErrInvalidBatch = errors.New("invalid batch")
	// ErrNonFinite is returned when a forward pass produced NaN or Inf.
	ErrNonFinite = errors.New("non-finite activations")
)

// ParsePoolingMode parses a pooling mode name. The empty string selects the
// model default.
func ParsePoolingMode(s string) (PoolingMode, error) {
	switch mode := PoolingMode(strings.ToLower(strings.TrimSpace(s))); mode {
	case "", PoolingPooler, PoolingCLS, PoolingMean:
		return mode, nil
	default:
		return "", fmt.Errorf("unknown pooling mode %q (want pooler, cls or mean)", s)
	}
}

// Batch is a set of token id sequences. Sequences may differ in length;
// TokenTypeIDs is either nil or parallel to InputIDs.
type Batch struct {
	InputIDs     [][]int `json:"input_ids" cbor:"input_ids"`
	TokenTypeIDs [][]int `json:"token_type_ids,omitempty" cbor:"token_type_ids,omitempty"`
}

// Len returns the number of sequences.
func (b Batch) Len() int {
	return len(b.InputIDs)
}

// Tokens returns the total number of tokens.
func (b Batch) Tokens() int {
	n := 0
	for _, ids := range b.InputIDs {
		n += len(ids)
	}
	return n
}

func (b Batch) types(i int) []int {
	if b.TokenTypeIDs == nil {
		return nil
	}
	return b.TokenTypeIDs[i]
}

// Validate checks the batch structure. Token id ranges are checked by the
// model.
func (b Batch) Validate() error {
	if len(b.InputIDs) == 0 {
		return fmt.Errorf("%w: no sequences", ErrInvalidBatch)
	}
	if b.TokenTypeIDs != nil && len(b.TokenTypeIDs) != len(b.InputIDs) {
		return fmt.Errorf("%w: %d token type rows for %d sequences", ErrInvalidBatch, len(b.TokenTypeIDs), len(b.InputIDs))
	}
	for i, ids := range b.InputIDs {
		if len(ids) == 0 {
			return fmt.Errorf("%w: sequence %d is empty", ErrInvalidBatch, i)
		}
		if b.TokenTypeIDs != nil && len(b.TokenTypeIDs[i]) != len(ids) {
			return fmt.Errorf("%w: sequence %d has %d ids but %d token types",
				ErrInvalidBatch, i, len(ids), len(b.TokenTypeIDs[i]))
		}
	}
	return nil
}

// Options configures an Encoder. Zero values select defaults.
type Options struct {
	Pooling           PoolingMode
	InternalBatchSize int
	MaxBatchTokens    int
	Concurrency       int
	Cache             cache.VectorCache
}

// Encoder turns token id batches into pooled vectors using one shared model.
type Encoder struct {
	model             *model.ElectraModel
	pooling           PoolingMode
	internalBatchSize int
	maxBatchTokens    int
	concurrency       int
	cache             cache.VectorCache
}

// NewEncoder wraps a loaded model.
func NewEncoder(m *model.ElectraModel, opts Options) (*Encoder, error) {
	if m == nil {
		return nil, errors.New("encoder requires a model")
	}
	mode, err := ParsePoolingMode(string(opts.Pooling))
	if err != nil {
		return nil, err
	}
	if mode == "" {
		mode = PoolingCLS
		if m.HasPooler() {
			mode = PoolingPooler
		}
	}
	if mode == PoolingPooler && !m.HasPooler() {
		return nil, fmt.Errorf("pooling mode %q: %w", mode, model.ErrNoPooler)
	}

	e := &Encoder{
		model:             m,
		pooling:           mode,
		internalBatchSize: opts.InternalBatchSize,
		maxBatchTokens:    opts.MaxBatchTokens,
		concurrency:       opts.Concurrency,
		cache:             opts.Cache,
	}
	if e.internalBatchSize <= 0 {
		e.internalBatchSize = 32
	}
	if e.maxBatchTokens <= 0 {
		e.maxBatchTokens = e.internalBatchSize * m.Config.MaxPositionEmbeddings
	}
	if e.concurrency <= 0 {
		e.concurrency = 1
	}

	log.Info().
		Str("pooling", string(e.pooling)).
		Int("internal_batch_size", e.internalBatchSize).
		Int("max_batch_tokens", e.maxBatchTokens).
		Int("concurrency", e.concurrency).
		Bool("cache", e.cache != nil).
		Msg("Encoder initialized")
	return e, nil
}

// Dim returns the length of every vector produced by Encode.
func (e *Encoder) Dim() int {
	return e.model.Config.HiddenSize
}

// Pooling returns the active pooling mode.
func (e *Encoder) Pooling() PoolingMode {
	return e.pooling
}

// Model returns the wrapped model.
func (e *Encoder) Model() *model.ElectraModel {
	return e.model
}

var tracer = otel.Tracer("electra-encoder")

// Encode returns one pooled vector per sequence, in input order. Cached
// sequences skip the model. The remaining sequences are grouped by length
// into internal batches that run concurrently on the shared model; ctx is
// checked before each internal batch starts.
func (e *Encoder) Encode(ctx context.Context, batch Batch) ([][]float32, error) {
	ctx, span := tracer.Start(ctx, "Encoder.Encode", trace.WithAttributes(
		attribute.Int("sequence_count", batch.Len()),
		attribute.String("pooling", string(e.pooling)),
	))
	defer span.End()

	start := time.Now()
	if err := batch.Validate(); err != nil {
		encodeErrors.WithLabelValues("invalid").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	out := make([][]float32, batch.Len())
	keys := make([]string, batch.Len())
	var misses []int
	for i, ids := range batch.InputIDs {
		if e.cache != nil {
			keys[i] = cache.Key(string(e.pooling), ids, batch.types(i))
			if vec, ok := e.cache.Get(keys[i]); ok && len(vec) == e.Dim() {
				out[i] = vec
				continue
			}
		}
		misses = append(misses, i)
	}
	span.SetAttributes(attribute.Int("cache_misses", len(misses)))

	chunks := planBatches(batch.InputIDs, misses, e.internalBatchSize, e.maxBatchTokens)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for _, chunk := range chunks {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			vecs, err := e.run(batch, chunk)
			if err != nil {
				return err
			}
			for j, idx := range chunk {
				out[idx] = vecs[j]
				if e.cache != nil {
					e.cache.Put(keys[idx], vecs[j])
				}
			}
			return nil
		})
	}
	err := g.Wait()
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		reason := "forward"
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			reason = "canceled"
		}
		encodeErrors.WithLabelValues(reason).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	encodeSequences.Add(float64(batch.Len()))
	encodeDuration.Observe(time.Since(start).Seconds())
	return out, nil
}

// run encodes one rectangular internal batch.
func (e *Encoder) run(batch Batch, chunk []int) ([][]float32, error) {
	start := time.Now()
	ids := make([][]int, len(chunk))
	var types [][]int
	if batch.TokenTypeIDs != nil {
		types = make([][]int, len(chunk))
	}
	for j, idx := range chunk {
		ids[j] = batch.InputIDs[idx]
		if types != nil {
			types[j] = batch.TokenTypeIDs[idx]
		}
	}

	seq, err := e.model.Forward(ids, types)
	if err != nil {
		return nil, err
	}
	defer e.model.Release(seq.Hidden)

	vecs, err := e.pool(seq)
	if err != nil {
		return nil, err
	}

	batchSize.Observe(float64(len(chunk)))
	batchTokens.Observe(float64(len(chunk) * seq.SeqLen))
	batchDuration.WithLabelValues(string(e.pooling)).Observe(time.Since(start).Seconds())
	return vecs, nil
}

func (e *Encoder) pool(seq *model.SequenceOutput) ([][]float32, error) {
	vecs := make([][]float32, seq.Batch)
	switch e.pooling {
	case PoolingPooler:
		pooled, err := e.model.Pool(seq)
		if err != nil {
			return nil, err
		}
		defer e.model.Release(pooled)
		if err := checkFinite(pooled); err != nil {
			return nil, err
		}
		pooled.ExtractTo(vecs, 0)
	case PoolingCLS:
		if err := checkFinite(seq.Hidden); err != nil {
			return nil, err
		}
		for b := range vecs {
			vecs[b] = seq.Token(b, 0)
		}
	case PoolingMean:
		if err := checkFinite(seq.Hidden); err != nil {
			return nil, err
		}
		values := seq.Values()
		h := seq.HiddenSize
		for b := range vecs {
			vec := make([]float32, h)
			for i := 0; i < seq.SeqLen; i++ {
				row := values[(b*seq.SeqLen+i)*h : (b*seq.SeqLen+i+1)*h]
				for j, v := range row {
					vec[j] += v
				}
			}
			inv := 1 / float32(seq.SeqLen)
			for j := range vec {
				vec[j] *= inv
			}
			vecs[b] = vec
		}
	default:
		return nil, fmt.Errorf("unknown pooling mode %q", e.pooling)
	}
	return vecs, nil
}

func checkFinite(t device.Tensor) error {
	bad, err := t.HasNaN()
	if err != nil {
		return fmt.Errorf("failed to scan activations: %w", err)
	}
	if bad {
		nonFinite.Inc()
		return ErrNonFinite
	}
	return nil
}

// planBatches groups the sequences at indices by length, then cuts each group
// into internal batches of at most maxSize sequences and maxTokens tokens.
// A single sequence longer than maxTokens still gets its own batch.
func planBatches(inputIDs [][]int, indices []int, maxSize, maxTokens int) [][]int {
	byLen := make(map[int][]int)
	for _, idx := range indices {
		n := len(inputIDs[idx])
		byLen[n] = append(byLen[n], idx)
	}
	lengths := make([]int, 0, len(byLen))
	for n := range byLen {
		lengths = append(lengths, n)
	}
	sort.Ints(lengths)

	var chunks [][]int
	for _, n := range lengths {
		group := byLen[n]
		per := maxSize
		if byTokens := maxTokens / n; byTokens < per {
			per = byTokens
		}
		if per < 1 {
			per = 1
		}
		for len(group) > 0 {
			k := min(per, len(group))
			chunks = append(chunks, group[:k])
			group = group[k:]
		}
	}
	return chunks
}
