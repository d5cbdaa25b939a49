package model

import (
	"math"

	"github.com/23skdu/longbow-electra/internal/device"
	"github.com/23skdu/longbow-electra/internal/embeddings/weights"
)

// SelfAttention is unmasked multi-head scaled dot-product attention. Padded
// positions are attended like any other token.
type SelfAttention struct {
	Backend           device.Backend
	NumAttentionHeads int
	AttentionHeadSize int

	Query *Linear
	Key   *Linear
	Value *Linear

	Dropout Dropout
}

func loadSelfAttention(s weights.Scope, cfg Config, b device.Backend) (*SelfAttention, error) {
	h := cfg.HiddenSize
	q, err := loadLinear(s.Sub("query"), b, h, h)
	if err != nil {
		return nil, err
	}
	k, err := loadLinear(s.Sub("key"), b, h, h)
	if err != nil {
		return nil, err
	}
	v, err := loadLinear(s.Sub("value"), b, h, h)
	if err != nil {
		return nil, err
	}
	return &SelfAttention{
		Backend:           b,
		NumAttentionHeads: cfg.NumAttentionHeads,
		AttentionHeadSize: cfg.HeadSize(),
		Query:             q,
		Key:               k,
		Value:             v,
		Dropout:           Dropout{Prob: cfg.AttentionProbsDropoutProb},
	}, nil
}

// Forward maps (batch*seqLen, hidden) to the merged per-head contexts of the
// same shape.
func (s *SelfAttention) Forward(hiddenStates device.Tensor, batchSize, seqLen int) device.Tensor {
	queryLayer := s.Query.Forward(hiddenStates)
	keyLayer := s.Key.Forward(hiddenStates)
	valueLayer := s.Value.Forward(hiddenStates)

	scale := float32(1.0 / math.Sqrt(float64(s.AttentionHeadSize)))
	probs := queryLayer.AttentionProbs(keyLayer, batchSize, seqLen, s.NumAttentionHeads, scale)
	probs = s.Dropout.Forward(probs)
	context := probs.AttentionContext(valueLayer, batchSize, seqLen, s.NumAttentionHeads)

	s.Backend.PutTensor(queryLayer)
	s.Backend.PutTensor(keyLayer)
	s.Backend.PutTensor(valueLayer)
	s.Backend.PutTensor(probs)
	return context
}

// SelfOutput projects the attention context and adds the residual.
type SelfOutput struct {
	Backend   device.Backend
	Dense     *Linear
	LayerNorm *LayerNorm
	Dropout   Dropout
}

func loadSelfOutput(s weights.Scope, cfg Config, b device.Backend) (*SelfOutput, error) {
	dense, err := loadLinear(s.Sub("dense"), b, cfg.HiddenSize, cfg.HiddenSize)
	if err != nil {
		return nil, err
	}
	ln, err := loadLayerNorm(s.Sub("LayerNorm"), b, cfg.HiddenSize, cfg.LayerNormEps)
	if err != nil {
		return nil, err
	}
	return &SelfOutput{Backend: b, Dense: dense, LayerNorm: ln, Dropout: Dropout{Prob: cfg.HiddenDropoutProb}}, nil
}

// Forward returns LayerNorm(dense(hiddenStates) + inputTensor).
func (o *SelfOutput) Forward(hiddenStates, inputTensor device.Tensor) device.Tensor {
	out := o.Dropout.Forward(o.Dense.Forward(hiddenStates))
	out.Add(inputTensor)
	return o.LayerNorm.Forward(out)
}

// Attention is the self-attention sublayer with its output projection.
type Attention struct {
	Backend device.Backend
	Self    *SelfAttention
	Output  *SelfOutput
}

func loadAttention(s weights.Scope, cfg Config, b device.Backend) (*Attention, error) {
	self, err := loadSelfAttention(s.Sub("self"), cfg, b)
	if err != nil {
		return nil, err
	}
	out, err := loadSelfOutput(s.Sub("output"), cfg, b)
	if err != nil {
		return nil, err
	}
	return &Attention{Backend: b, Self: self, Output: out}, nil
}

// Forward applies attention with a residual against the pre-attention states.
func (a *Attention) Forward(hiddenStates device.Tensor, batchSize, seqLen int) device.Tensor {
	selfOutput := a.Self.Forward(hiddenStates, batchSize, seqLen)
	out := a.Output.Forward(selfOutput, hiddenStates)
	a.Backend.PutTensor(selfOutput)
	return out
}
