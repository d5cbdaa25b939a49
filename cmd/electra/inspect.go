package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-electra/internal/config"
	"github.com/23skdu/longbow-electra/internal/embeddings/model"
	"github.com/23skdu/longbow-electra/internal/embeddings/weights"
)

// Tensor lookup outcomes reported by inspect.
const (
	statusFound    = "found"
	statusFallback = "fallback"
	statusMissing  = "missing"
	statusAbsent   = "absent"
	statusShape    = "shape mismatch"
)

type tensorStatus struct {
	Spec   weights.Spec
	Status string
	Name   string
}

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect",
		Short: "Compare a checkpoint against the tensors the model needs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return runInspect(cfg, cmd.OutOrStdout())
		},
	}
}

func runInspect(cfg *config.Config, w io.Writer) error {
	if cfg.Model.Path == "" {
		return errors.New("no model given (use --model or model.path)")
	}
	modelCfg, err := model.LoadConfig(cfg.ModelConfigPath())
	if err != nil {
		return err
	}
	ckpt, err := weights.Open(cfg.Model.Path)
	if err != nil {
		return err
	}

	statuses, unused := inspectCheckpoint(ckpt, modelCfg)

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Tensor", "Shape", "Status", "Checkpoint name"})
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	for _, st := range statuses {
		table.Append([]string{st.Spec.Name, fmt.Sprint(st.Spec.Shape), st.Status, st.Name})
	}
	table.Render()

	counts := make(map[string]int)
	for _, st := range statuses {
		counts[st.Status]++
	}
	fmt.Fprintf(w, "\n%d tensors: %d found, %d fallback, %d missing, %d shape mismatch, %d optional absent; %d unused in checkpoint\n",
		len(statuses), counts[statusFound], counts[statusFallback], counts[statusMissing], counts[statusShape],
		counts[statusAbsent], len(unused))
	for _, name := range unused {
		fmt.Fprintf(w, "  unused: %s\n", name)
	}
	return nil
}

// inspectCheckpoint looks every manifest tensor up under the canonical name,
// then under the model_type prefix. LayerNorm tensors also match their
// gamma/beta spelling. It also returns checkpoint tensors nothing matched.
func inspectCheckpoint(ckpt weights.Checkpoint, cfg model.Config) ([]tensorStatus, []string) {
	roots := []weights.Scope{weights.NewScope(ckpt, "")}
	if cfg.ModelType != "" {
		roots = append(roots, weights.NewScope(ckpt, cfg.ModelType))
	}

	used := make(map[string]bool)
	var statuses []tensorStatus
	for _, spec := range model.TensorManifest(cfg) {
		statuses = append(statuses, lookupTensor(roots, spec, used))
	}

	var unused []string
	for _, name := range ckpt.Names() {
		if used[name] || strings.HasSuffix(name, "position_ids") {
			continue
		}
		unused = append(unused, name)
	}
	return statuses, unused
}

func lookupTensor(roots []weights.Scope, spec weights.Spec, used map[string]bool) tensorStatus {
	names := []string{spec.Name}
	if legacy, ok := legacyNormName(spec.Name); ok {
		names = append(names, legacy)
	}
	for i, root := range roots {
		for _, name := range names {
			_, err := root.Get(name, spec.Shape...)
			if errors.Is(err, weights.ErrMissingTensor) {
				continue
			}
			st := tensorStatus{Spec: spec, Name: root.Path(name)}
			used[st.Name] = true
			switch {
			case err != nil:
				st.Status = statusShape
			case i == 0:
				st.Status = statusFound
			default:
				st.Status = statusFallback
			}
			return st
		}
	}
	if model.OptionalTensor(spec.Name) {
		return tensorStatus{Spec: spec, Status: statusAbsent}
	}
	return tensorStatus{Spec: spec, Status: statusMissing}
}

// legacyNormName maps a LayerNorm weight/bias to its gamma/beta spelling.
func legacyNormName(name string) (string, bool) {
	switch {
	case strings.HasSuffix(name, "LayerNorm.weight"):
		return strings.TrimSuffix(name, "weight") + "gamma", true
	case strings.HasSuffix(name, "LayerNorm.bias"):
		return strings.TrimSuffix(name, "bias") + "beta", true
	default:
		return "", false
	}
}
