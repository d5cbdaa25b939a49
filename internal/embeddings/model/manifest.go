package model

import (
	"fmt"
	"strings"

	"github.com/23skdu/longbow-electra/internal/embeddings/weights"
)

// TensorManifest lists the canonical tensor names and shapes a checkpoint
// for cfg provides, pooler included.
func TensorManifest(cfg Config) []weights.Spec {
	h, e, i := cfg.HiddenSize, cfg.Embedding(), cfg.IntermediateSize

	specs := []weights.Spec{
		{Name: "embeddings.word_embeddings.weight", Shape: []int{cfg.VocabSize, e}},
		{Name: "embeddings.position_embeddings.weight", Shape: []int{cfg.MaxPositionEmbeddings, e}},
		{Name: "embeddings.token_type_embeddings.weight", Shape: []int{cfg.TypeVocabSize, e}},
		{Name: "embeddings.LayerNorm.weight", Shape: []int{e}},
		{Name: "embeddings.LayerNorm.bias", Shape: []int{e}},
	}
	if e != h {
		specs = append(specs,
			weights.Spec{Name: "embeddings_project.weight", Shape: []int{h, e}},
			weights.Spec{Name: "embeddings_project.bias", Shape: []int{h}},
		)
	}

	dense := func(prefix string, in, out int) {
		specs = append(specs,
			weights.Spec{Name: prefix + ".weight", Shape: []int{out, in}},
			weights.Spec{Name: prefix + ".bias", Shape: []int{out}},
		)
	}
	norm := func(prefix string) {
		specs = append(specs,
			weights.Spec{Name: prefix + ".weight", Shape: []int{h}},
			weights.Spec{Name: prefix + ".bias", Shape: []int{h}},
		)
	}
	for l := 0; l < cfg.NumHiddenLayers; l++ {
		p := fmt.Sprintf("encoder.layer.%d", l)
		dense(p+".attention.self.query", h, h)
		dense(p+".attention.self.key", h, h)
		dense(p+".attention.self.value", h, h)
		dense(p+".attention.output.dense", h, h)
		norm(p + ".attention.output.LayerNorm")
		dense(p+".intermediate.dense", h, i)
		dense(p+".output.dense", i, h)
		norm(p + ".output.LayerNorm")
	}
	dense("pooler.dense", h, h)
	return specs
}

// OptionalTensor reports whether a manifest entry may be absent from a
// loadable checkpoint.
func OptionalTensor(name string) bool {
	return strings.HasPrefix(name, "pooler.")
}
