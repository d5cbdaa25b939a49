package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-electra/internal/embeddings/model"
	"github.com/23skdu/longbow-electra/internal/embeddings/weights"
)

type initOptions struct {
	out             string
	preset          string
	dtype           string
	seed            int64
	prefixModelType bool
	noPooler        bool
}

func newInitCmd() *cobra.Command {
	var opts initOptions
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a randomly initialised checkpoint and config.json",
		Long: `Init writes config.json and model.safetensors into --out. The weights are
random but deterministic for a given --seed, which makes the directory usable
for smoke tests and benchmarks without downloading a real checkpoint.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfig(cmd); err != nil {
				return err
			}
			return runInit(opts)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&opts.out, "out", "o", "electra-random", "Output directory")
	f.StringVar(&opts.preset, "preset", "small", "Model size: small or tiny")
	f.StringVar(&opts.dtype, "dtype", weights.DTypeF32, "Safetensors dtype: F32, F16, BF16 or F64")
	f.Int64Var(&opts.seed, "seed", 42, "Weight initialisation seed")
	f.BoolVar(&opts.prefixModelType, "prefix-model-type", false, "Store tensors under the model_type prefix (electra.*)")
	f.BoolVar(&opts.noPooler, "no-pooler", false, "Leave the pooler out of the checkpoint")
	return cmd
}

func presetConfig(name string) (model.Config, error) {
	cfg := model.DefaultElectraSmallConfig()
	switch strings.ToLower(name) {
	case "small":
	case "tiny":
		cfg.VocabSize = 1000
		cfg.HiddenSize = 64
		cfg.EmbeddingSize = 32
		cfg.NumHiddenLayers = 2
		cfg.NumAttentionHeads = 2
		cfg.IntermediateSize = 128
		cfg.MaxPositionEmbeddings = 128
	default:
		return model.Config{}, fmt.Errorf("unknown preset %q (want small or tiny)", name)
	}
	return cfg, nil
}

func runInit(opts initOptions) error {
	cfg, err := presetConfig(opts.preset)
	if err != nil {
		return err
	}
	dtype := strings.ToUpper(opts.dtype)

	p := weights.NewRandomProvider(model.TensorManifest(cfg), opts.seed)
	for _, name := range p.Names() {
		if opts.noPooler && model.OptionalTensor(name) {
			p.Delete(name)
			continue
		}
		if opts.prefixModelType {
			p.Rename(name, cfg.ModelType+"."+name)
		}
	}

	if err := os.MkdirAll(opts.out, 0o755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(opts.out, "config.json"), append(data, '\n'), 0o644); err != nil {
		return err
	}

	path := filepath.Join(opts.out, weights.SafetensorsFile)
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := weights.WriteSafetensors(f, p, dtype); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return err
	}

	log.Info().
		Str("out", opts.out).
		Str("preset", opts.preset).
		Str("dtype", dtype).
		Int("tensors", p.Len()).
		Msg("Wrote random checkpoint")
	return nil
}
