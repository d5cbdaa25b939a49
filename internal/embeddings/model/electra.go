package model

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-electra/internal/device"
	"github.com/23skdu/longbow-electra/internal/embeddings/weights"
)

// ElectraModel is a loaded encoder. It holds no per-call state, so Forward and
// Pool may be called concurrently.
type ElectraModel struct {
	Config  Config
	Backend device.Backend

	Embeddings *Embeddings
	// EmbeddingsProject maps embedding width to hidden width. It is nil when
	// the two are equal.
	EmbeddingsProject *Linear
	Encoder           *Encoder
	// Pooler is nil when the checkpoint ships no pooler head.
	Pooler *Pooler

	// WeightPrefix is the name root that served the embeddings and encoder,
	// empty for canonical names.
	WeightPrefix string
}

// body is the unit loaded under a single weight root.
type body struct {
	embeddings *Embeddings
	project    *Linear
	encoder    *Encoder
}

// Load builds a model on the CPU backend.
func Load(p weights.Provider, cfg Config) (*ElectraModel, error) {
	return LoadWithBackend(p, cfg, device.NewCPUBackend())
}

// LoadWithBackend builds a model from p. Embeddings and encoder are read
// under canonical names first; if any tensor is missing or misshapen and
// cfg.ModelType is set they are read once more under "<model_type>.". When
// both attempts fail the canonical error is returned.
func LoadWithBackend(p weights.Provider, cfg Config, backend device.Backend) (*ElectraModel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	act, _ := cfg.Activation()

	root := weights.NewScope(p, "")
	b, err := loadBody(root, cfg, backend, act)
	if err != nil {
		if cfg.ModelType == "" {
			return nil, fmt.Errorf("%w: %w", ErrWeightLoad, err)
		}
		alt := weights.NewScope(p, cfg.ModelType)
		var altErr error
		b, altErr = loadBody(alt, cfg, backend, act)
		if altErr != nil {
			log.Debug().Err(altErr).Str("prefix", cfg.ModelType).Msg("Prefixed weight lookup failed")
			return nil, fmt.Errorf("%w: %w", ErrWeightLoad, err)
		}
		log.Info().Str("prefix", cfg.ModelType).Str("canonical_error", err.Error()).
			Msg("Loaded encoder weights under model_type prefix")
		FallbackLoads.Inc()
		root = alt
	}

	m := &ElectraModel{
		Config:            cfg,
		Backend:           backend,
		Embeddings:        b.embeddings,
		EmbeddingsProject: b.project,
		Encoder:           b.encoder,
		WeightPrefix:      root.Prefix(),
	}

	roots := []weights.Scope{root}
	if cfg.ModelType != "" {
		if root.Prefix() == "" {
			roots = append(roots, weights.NewScope(p, cfg.ModelType))
		} else {
			roots = append(roots, weights.NewScope(p, ""))
		}
	}
	for _, r := range roots {
		s := r.Sub("pooler")
		if !weights.Has(s, "dense.weight") {
			continue
		}
		pooler, err := loadPooler(s, cfg, backend)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrWeightLoad, err)
		}
		m.Pooler = pooler
		break
	}
	if m.Pooler == nil {
		log.Debug().Msg("Checkpoint has no pooler; Pool is unavailable")
	}

	log.Debug().
		Str("backend", backend.Name()).
		Int("layers", len(m.Encoder.Layers)).
		Int("hidden", cfg.HiddenSize).
		Bool("pooler", m.Pooler != nil).
		Msg("Loaded ELECTRA encoder")
	return m, nil
}

func loadBody(s weights.Scope, cfg Config, backend device.Backend, act device.ActivationType) (*body, error) {
	emb, err := loadEmbeddings(s.Sub("embeddings"), cfg, backend)
	if err != nil {
		return nil, err
	}
	var project *Linear
	if cfg.Embedding() != cfg.HiddenSize {
		project, err = loadLinear(s.Sub("embeddings_project"), backend, cfg.Embedding(), cfg.HiddenSize)
		if err != nil {
			return nil, err
		}
	}
	enc, err := loadEncoder(s.Sub("encoder"), cfg, backend, act)
	if err != nil {
		return nil, err
	}
	return &body{embeddings: emb, project: project, encoder: enc}, nil
}

// SequenceOutput holds (batch, seqLen, hidden) activations as a
// (batch*seqLen, hidden) tensor.
type SequenceOutput struct {
	Hidden     device.Tensor
	Batch      int
	SeqLen     int
	HiddenSize int
}

// Shape returns [batch, seqLen, hidden].
func (s *SequenceOutput) Shape() []int {
	return []int{s.Batch, s.SeqLen, s.HiddenSize}
}

// Token returns a copy of the hidden vector of token i in sequence b.
func (s *SequenceOutput) Token(b, i int) []float32 {
	out := make([]float32, s.HiddenSize)
	row := b*s.SeqLen + i
	for j := range out {
		out[j] = s.Hidden.At(row, j)
	}
	return out
}

// Values returns all activations flattened in (batch, seqLen, hidden) order.
func (s *SequenceOutput) Values() []float32 {
	return s.Hidden.ToHost()
}

// Forward encodes a rectangular batch of token ids. tokenTypeIDs may be nil,
// meaning every token is segment 0.
func (m *ElectraModel) Forward(inputIDs, tokenTypeIDs [][]int) (*SequenceOutput, error) {
	start := time.Now()
	ids, types, batchSize, seqLen, err := m.flatten(inputIDs, tokenTypeIDs)
	if err != nil {
		ForwardErrors.Inc()
		return nil, err
	}

	hidden := m.Embeddings.Forward(ids, types, batchSize, seqLen)
	if m.EmbeddingsProject != nil {
		projected := m.EmbeddingsProject.Forward(hidden)
		m.Backend.PutTensor(hidden)
		hidden = projected
	}
	LayerDuration.WithLabelValues("embeddings", m.Backend.Name()).Observe(time.Since(start).Seconds())

	out := m.Encoder.Forward(hidden, batchSize, seqLen)
	if out != hidden {
		m.Backend.PutTensor(hidden)
	}
	m.Backend.Synchronize()

	ForwardDuration.Observe(time.Since(start).Seconds())
	ForwardTokens.Add(float64(batchSize * seqLen))
	return &SequenceOutput{Hidden: out, Batch: batchSize, SeqLen: seqLen, HiddenSize: m.Config.HiddenSize}, nil
}

func (m *ElectraModel) flatten(inputIDs, tokenTypeIDs [][]int) (ids, types []int, batchSize, seqLen int, err error) {
	batchSize = len(inputIDs)
	if batchSize == 0 {
		return nil, nil, 0, 0, fmt.Errorf("%w: empty batch", ErrShape)
	}
	seqLen = len(inputIDs[0])
	if seqLen == 0 {
		return nil, nil, 0, 0, fmt.Errorf("%w: empty sequence", ErrShape)
	}
	if tokenTypeIDs != nil && len(tokenTypeIDs) != batchSize {
		return nil, nil, 0, 0, fmt.Errorf("%w: %d token type rows for %d sequences", ErrShape, len(tokenTypeIDs), batchSize)
	}
	if seqLen > m.Config.MaxPositionEmbeddings {
		return nil, nil, 0, 0, fmt.Errorf("%w: sequence length %d exceeds max_position_embeddings %d",
			ErrIndex, seqLen, m.Config.MaxPositionEmbeddings)
	}

	ids = make([]int, 0, batchSize*seqLen)
	types = make([]int, batchSize*seqLen)
	for b, row := range inputIDs {
		if len(row) != seqLen {
			return nil, nil, 0, 0, fmt.Errorf("%w: sequence %d has length %d, want %d", ErrShape, b, len(row), seqLen)
		}
		for i, id := range row {
			if id < 0 || id >= m.Config.VocabSize {
				return nil, nil, 0, 0, fmt.Errorf("%w: token id %d at [%d,%d] outside vocabulary of %d",
					ErrIndex, id, b, i, m.Config.VocabSize)
			}
		}
		ids = append(ids, row...)

		if tokenTypeIDs == nil {
			continue
		}
		typeRow := tokenTypeIDs[b]
		if len(typeRow) != seqLen {
			return nil, nil, 0, 0, fmt.Errorf("%w: token types of sequence %d have length %d, want %d",
				ErrShape, b, len(typeRow), seqLen)
		}
		for i, t := range typeRow {
			if t < 0 || t >= m.Config.TypeVocabSize {
				return nil, nil, 0, 0, fmt.Errorf("%w: token type %d at [%d,%d] outside type vocabulary of %d",
					ErrIndex, t, b, i, m.Config.TypeVocabSize)
			}
			types[b*seqLen+i] = t
		}
	}
	return ids, types, batchSize, seqLen, nil
}

// HasPooler reports whether Pool is available.
func (m *ElectraModel) HasPooler() bool {
	return m.Pooler != nil
}

// Pool returns tanh(dense(first token)) for every sequence as a
// (batch, hidden) tensor.
func (m *ElectraModel) Pool(seq *SequenceOutput) (device.Tensor, error) {
	if m.Pooler == nil {
		return nil, ErrNoPooler
	}
	if seq == nil || seq.Hidden == nil {
		return nil, fmt.Errorf("%w: nil sequence output", ErrShape)
	}
	rows, cols := seq.Hidden.Dims()
	if cols != m.Config.HiddenSize || seq.HiddenSize != cols || rows != seq.Batch*seq.SeqLen ||
		seq.Batch == 0 || seq.SeqLen == 0 {
		return nil, fmt.Errorf("%w: sequence output %dx%d does not match batch %d, seq %d, hidden %d",
			ErrShape, rows, cols, seq.Batch, seq.SeqLen, m.Config.HiddenSize)
	}
	start := time.Now()
	out := m.Pooler.Forward(seq)
	m.Backend.Synchronize()
	LayerDuration.WithLabelValues("pooler", m.Backend.Name()).Observe(time.Since(start).Seconds())
	return out, nil
}

// Release returns a tensor produced by Forward or Pool to the backend pool.
// The tensor must not be used afterwards.
func (m *ElectraModel) Release(t device.Tensor) {
	if t != nil {
		m.Backend.PutTensor(t)
	}
}
