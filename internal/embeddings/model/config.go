package model

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"golang.org/x/text/cases"

	"github.com/23skdu/longbow-electra/internal/device"
)

// PositionEmbeddingAbsolute is the only supported position embedding type.
const PositionEmbeddingAbsolute = "absolute"

// Config mirrors the fields of a HuggingFace ELECTRA config.json that the
// encoder needs. Unknown keys are ignored.
type Config struct {
	VocabSize         int `json:"vocab_size"`
	HiddenSize        int `json:"hidden_size"`
	NumHiddenLayers   int `json:"num_hidden_layers"`
	NumAttentionHeads int `json:"num_attention_heads"`
	IntermediateSize  int `json:"intermediate_size"`
	// EmbeddingSize is the embedding table width. Zero means HiddenSize.
	EmbeddingSize int `json:"embedding_size,omitempty"`

	HiddenAct                 string  `json:"hidden_act"`
	HiddenDropoutProb         float64 `json:"hidden_dropout_prob"`
	AttentionProbsDropoutProb float64 `json:"attention_probs_dropout_prob"`

	MaxPositionEmbeddings int     `json:"max_position_embeddings"`
	TypeVocabSize         int     `json:"type_vocab_size"`
	LayerNormEps          float64 `json:"layer_norm_eps"`
	PadTokenID            int     `json:"pad_token_id"`
	PositionEmbeddingType string  `json:"position_embedding_type"`

	ClassifierDropout *float64 `json:"classifier_dropout,omitempty"`
	NumLabels         int      `json:"num_labels,omitempty"`
	// ModelType is the alternate weight-name prefix tried when canonical
	// names are missing, e.g. "electra".
	ModelType string `json:"model_type,omitempty"`
}

// DefaultElectraSmallConfig returns the configuration of
// google/electra-small-discriminator.
func DefaultElectraSmallConfig() Config {
	return Config{
		VocabSize:                 30522,
		HiddenSize:                256,
		NumHiddenLayers:           12,
		NumAttentionHeads:         4,
		IntermediateSize:          1024,
		EmbeddingSize:             128,
		HiddenAct:                 "gelu",
		HiddenDropoutProb:         0.1,
		AttentionProbsDropoutProb: 0.1,
		MaxPositionEmbeddings:     512,
		TypeVocabSize:             2,
		LayerNormEps:              1e-12,
		PadTokenID:                0,
		PositionEmbeddingType:     PositionEmbeddingAbsolute,
		ModelType:                 "electra",
	}
}

// ParseConfig decodes a config.json document. Optional fields that are absent
// take their ELECTRA defaults; the result is validated.
func ParseConfig(data []byte) (Config, error) {
	cfg := Config{
		HiddenAct:                 "gelu",
		HiddenDropoutProb:         0.1,
		AttentionProbsDropoutProb: 0.1,
		TypeVocabSize:             2,
		LayerNormEps:              1e-12,
		PositionEmbeddingType:     PositionEmbeddingAbsolute,
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: decode config: %v", ErrConfiguration, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadConfig reads and parses a config.json file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(data)
}

// Validate checks the dimension relationships the encoder relies on.
func (c Config) Validate() error {
	switch {
	case c.VocabSize <= 0:
		return configErrorf("vocab_size must be positive, got %d", c.VocabSize)
	case c.HiddenSize <= 0:
		return configErrorf("hidden_size must be positive, got %d", c.HiddenSize)
	case c.NumAttentionHeads <= 0:
		return configErrorf("num_attention_heads must be positive, got %d", c.NumAttentionHeads)
	case c.HiddenSize%c.NumAttentionHeads != 0:
		return configErrorf("hidden_size %d is not a multiple of num_attention_heads %d",
			c.HiddenSize, c.NumAttentionHeads)
	case c.NumHiddenLayers < 0:
		return configErrorf("num_hidden_layers must not be negative, got %d", c.NumHiddenLayers)
	case c.IntermediateSize <= 0:
		return configErrorf("intermediate_size must be positive, got %d", c.IntermediateSize)
	case c.EmbeddingSize < 0:
		return configErrorf("embedding_size must not be negative, got %d", c.EmbeddingSize)
	case c.MaxPositionEmbeddings <= 0:
		return configErrorf("max_position_embeddings must be positive, got %d", c.MaxPositionEmbeddings)
	case c.TypeVocabSize <= 0:
		return configErrorf("type_vocab_size must be positive, got %d", c.TypeVocabSize)
	case c.LayerNormEps < 0:
		return configErrorf("layer_norm_eps must not be negative, got %g", c.LayerNormEps)
	case c.HiddenDropoutProb < 0 || c.HiddenDropoutProb >= 1:
		return configErrorf("hidden_dropout_prob must be in [0, 1), got %g", c.HiddenDropoutProb)
	}
	if _, err := c.Activation(); err != nil {
		return err
	}
	if fold(c.PositionEmbeddingType) != PositionEmbeddingAbsolute {
		return configErrorf("unsupported position_embedding_type %q", c.PositionEmbeddingType)
	}
	return nil
}

// Activation resolves the hidden_act tag.
func (c Config) Activation() (device.ActivationType, error) {
	switch fold(c.HiddenAct) {
	case "gelu":
		return device.ActivationGELU, nil
	case "relu":
		return device.ActivationReLU, nil
	case "tanh":
		return device.ActivationTanh, nil
	default:
		return device.ActivationIdentity, configErrorf("unknown hidden_act %q", c.HiddenAct)
	}
}

// Embedding returns the embedding table width.
func (c Config) Embedding() int {
	if c.EmbeddingSize > 0 {
		return c.EmbeddingSize
	}
	return c.HiddenSize
}

// HeadSize returns the per-head dimension.
func (c Config) HeadSize() int {
	return c.HiddenSize / c.NumAttentionHeads
}

func fold(s string) string {
	return cases.Fold().String(strings.TrimSpace(s))
}

func configErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}
