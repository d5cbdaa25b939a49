package model

import (
	"github.com/23skdu/longbow-electra/internal/device"
	"github.com/23skdu/longbow-electra/internal/embeddings/weights"
)

// Pooler projects the first token of every sequence. The activation is always
// tanh, whatever hidden_act is.
type Pooler struct {
	Backend device.Backend
	Dense   *Linear
}

func loadPooler(s weights.Scope, cfg Config, b device.Backend) (*Pooler, error) {
	dense, err := loadLinear(s.Sub("dense"), b, cfg.HiddenSize, cfg.HiddenSize)
	if err != nil {
		return nil, err
	}
	return &Pooler{Backend: b, Dense: dense}, nil
}

// Forward returns a (batch, hidden) tensor.
func (p *Pooler) Forward(seq *SequenceOutput) device.Tensor {
	indices := make([]int, seq.Batch)
	for b := range indices {
		indices[b] = b * seq.SeqLen
	}
	clsStack := seq.Hidden.Gather(indices)
	result := p.Dense.ForwardActivation(clsStack, device.ActivationTanh)
	p.Backend.PutTensor(clsStack)
	return result
}
