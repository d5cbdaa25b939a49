package weights

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Checkpoint file names looked up when Open is given a directory, in order of
// preference.
const (
	SafetensorsIndexFile = "model.safetensors.index.json"
	SafetensorsFile      = "model.safetensors"
	PyTorchFile          = "pytorch_model.bin"
)

// Checkpoint is a provider that can also enumerate its tensors.
type Checkpoint interface {
	Provider
	Lister
}

// Open returns a provider for a checkpoint file or a HuggingFace model
// directory.
func Open(path string) (Checkpoint, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		for _, name := range []string{SafetensorsIndexFile, SafetensorsFile, PyTorchFile} {
			candidate := filepath.Join(path, name)
			if _, err := os.Stat(candidate); err == nil {
				return openFile(candidate)
			}
		}
		return nil, fmt.Errorf("%w: no checkpoint found in %s", ErrFormat, path)
	}
	return openFile(path)
}

func openFile(path string) (Checkpoint, error) {
	switch {
	case strings.HasSuffix(path, ".index.json"):
		return OpenShardedSafetensors(path)
	case strings.HasSuffix(path, ".safetensors"):
		return OpenSafetensors(path)
	case strings.HasSuffix(path, ".bin"), strings.HasSuffix(path, ".pt"), strings.HasSuffix(path, ".pth"):
		return LoadPyTorch(path)
	default:
		return nil, fmt.Errorf("%w: unrecognised checkpoint %s", ErrFormat, path)
	}
}
