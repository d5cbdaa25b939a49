package model

import (
	"fmt"
	"time"

	"github.com/23skdu/longbow-electra/internal/device"
	"github.com/23skdu/longbow-electra/internal/embeddings/weights"
)

// Intermediate is the first feed-forward projection with the configured
// activation.
type Intermediate struct {
	Dense      *Linear
	Activation device.ActivationType
}

func loadIntermediate(s weights.Scope, cfg Config, b device.Backend, act device.ActivationType) (*Intermediate, error) {
	dense, err := loadLinear(s.Sub("dense"), b, cfg.HiddenSize, cfg.IntermediateSize)
	if err != nil {
		return nil, err
	}
	return &Intermediate{Dense: dense, Activation: act}, nil
}

func (i *Intermediate) Forward(hiddenStates device.Tensor) device.Tensor {
	return i.Dense.ForwardActivation(hiddenStates, i.Activation)
}

// Output projects back to the hidden size and adds the attention residual.
type Output struct {
	Dense     *Linear
	LayerNorm *LayerNorm
	Dropout   Dropout
}

func loadOutput(s weights.Scope, cfg Config, b device.Backend) (*Output, error) {
	dense, err := loadLinear(s.Sub("dense"), b, cfg.IntermediateSize, cfg.HiddenSize)
	if err != nil {
		return nil, err
	}
	ln, err := loadLayerNorm(s.Sub("LayerNorm"), b, cfg.HiddenSize, cfg.LayerNormEps)
	if err != nil {
		return nil, err
	}
	return &Output{Dense: dense, LayerNorm: ln, Dropout: Dropout{Prob: cfg.HiddenDropoutProb}}, nil
}

// Forward returns LayerNorm(dense(hiddenStates) + inputTensor).
func (o *Output) Forward(hiddenStates, inputTensor device.Tensor) device.Tensor {
	out := o.Dropout.Forward(o.Dense.Forward(hiddenStates))
	out.Add(inputTensor)
	return o.LayerNorm.Forward(out)
}

// Layer is a single Transformer block.
type Layer struct {
	Backend      device.Backend
	Attention    *Attention
	Intermediate *Intermediate
	Output       *Output
}

func loadLayer(s weights.Scope, cfg Config, b device.Backend, act device.ActivationType) (*Layer, error) {
	attn, err := loadAttention(s.Sub("attention"), cfg, b)
	if err != nil {
		return nil, err
	}
	inter, err := loadIntermediate(s.Sub("intermediate"), cfg, b, act)
	if err != nil {
		return nil, err
	}
	out, err := loadOutput(s.Sub("output"), cfg, b)
	if err != nil {
		return nil, err
	}
	return &Layer{Backend: b, Attention: attn, Intermediate: inter, Output: out}, nil
}

// Forward does not consume hiddenStates.
func (l *Layer) Forward(hiddenStates device.Tensor, batchSize, seqLen int) device.Tensor {
	start := time.Now()
	attention := l.Attention.Forward(hiddenStates, batchSize, seqLen)
	LayerDuration.WithLabelValues("attention", l.Backend.Name()).Observe(time.Since(start).Seconds())

	start = time.Now()
	intermediate := l.Intermediate.Forward(attention)
	out := l.Output.Forward(intermediate, attention)
	LayerDuration.WithLabelValues("feed_forward", l.Backend.Name()).Observe(time.Since(start).Seconds())

	l.Backend.PutTensor(intermediate)
	l.Backend.PutTensor(attention)
	return out
}

// Encoder is a stack of Transformer layers.
type Encoder struct {
	Backend device.Backend
	Layers  []*Layer
}

func loadEncoder(s weights.Scope, cfg Config, b device.Backend, act device.ActivationType) (*Encoder, error) {
	layers := make([]*Layer, cfg.NumHiddenLayers)
	for i := range layers {
		layer, err := loadLayer(s.Sub(fmt.Sprintf("layer.%d", i)), cfg, b, act)
		if err != nil {
			return nil, err
		}
		layers[i] = layer
	}
	return &Encoder{Backend: b, Layers: layers}, nil
}

// Forward runs every layer in order. With no layers it returns hiddenStates
// itself; otherwise hiddenStates is left untouched and intermediate layer
// outputs are recycled.
func (e *Encoder) Forward(hiddenStates device.Tensor, batchSize, seqLen int) device.Tensor {
	current := hiddenStates
	for _, layer := range e.Layers {
		next := layer.Forward(current, batchSize, seqLen)
		if current != hiddenStates {
			e.Backend.PutTensor(current)
		}
		current = next
	}
	return current
}
