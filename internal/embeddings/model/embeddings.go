package model

import (
	"github.com/23skdu/longbow-electra/internal/device"
	"github.com/23skdu/longbow-electra/internal/embeddings/weights"
)

// Embeddings sums word, token type and position embeddings, then normalizes.
type Embeddings struct {
	Backend             device.Backend
	WordEmbeddings      device.Tensor
	PositionEmbeddings  device.Tensor // nil when the model has no position embeddings
	TokenTypeEmbeddings device.Tensor
	LayerNorm           *LayerNorm
	Dropout             Dropout
}

func loadEmbeddings(s weights.Scope, cfg Config, b device.Backend) (*Embeddings, error) {
	width := cfg.Embedding()

	word, err := loadTensor(s, b, "word_embeddings.weight", cfg.VocabSize, width)
	if err != nil {
		return nil, err
	}
	// Absolute is the only supported type, so position embeddings are always
	// present once the config validates.
	pos, err := loadTensor(s, b, "position_embeddings.weight", cfg.MaxPositionEmbeddings, width)
	if err != nil {
		return nil, err
	}
	types, err := loadTensor(s, b, "token_type_embeddings.weight", cfg.TypeVocabSize, width)
	if err != nil {
		return nil, err
	}
	ln, err := loadLayerNorm(s.Sub("LayerNorm"), b, width, cfg.LayerNormEps)
	if err != nil {
		return nil, err
	}

	return &Embeddings{
		Backend:             b,
		WordEmbeddings:      word,
		PositionEmbeddings:  pos,
		TokenTypeEmbeddings: types,
		LayerNorm:           ln,
		Dropout:             Dropout{Prob: cfg.HiddenDropoutProb},
	}, nil
}

// Forward embeds flattened ids of batchSize sequences of seqLen tokens.
// Inputs are validated by the caller. Position ids are 0..seqLen-1 for every
// sequence, independent of padding.
func (e *Embeddings) Forward(inputIDs, tokenTypeIDs []int, batchSize, seqLen int) device.Tensor {
	embeddings := e.WordEmbeddings.Gather(inputIDs)

	typeEmbeds := e.TokenTypeEmbeddings.Gather(tokenTypeIDs)
	embeddings.Add(typeEmbeds)
	e.Backend.PutTensor(typeEmbeds)

	if e.PositionEmbeddings != nil {
		posIndices := make([]int, batchSize*seqLen)
		for b := 0; b < batchSize; b++ {
			for i := 0; i < seqLen; i++ {
				posIndices[b*seqLen+i] = i
			}
		}
		posEmbeds := e.PositionEmbeddings.Gather(posIndices)
		embeddings.Add(posEmbeds)
		e.Backend.PutTensor(posEmbeds)
	}

	output := e.LayerNorm.Forward(embeddings)
	return e.Dropout.Forward(output)
}
