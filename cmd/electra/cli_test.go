package main

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-electra/internal/client"
	"github.com/23skdu/longbow-electra/internal/embeddings/model"
)

func runCLI(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(append(args, "--env-file", filepath.Join(t.TempDir(), "missing.env")))
	err := root.Execute()
	return out.String(), err
}

func initModel(t *testing.T, extra ...string) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "model")
	_, err := runCLI(t, "", append([]string{"init", "--out", dir, "--preset", "tiny", "--seed", "5"}, extra...)...)
	require.NoError(t, err)
	return dir
}

func TestCLI_Init(t *testing.T) {
	dir := initModel(t, "--dtype", "bf16")

	cfg, err := model.LoadConfig(filepath.Join(dir, "config.json"))
	require.NoError(t, err)
	assert.Equal(t, 64, cfg.HiddenSize)
	assert.Equal(t, 32, cfg.Embedding())
	assert.FileExists(t, filepath.Join(dir, "model.safetensors"))

	_, err = runCLI(t, "", "init", "--out", t.TempDir(), "--preset", "huge")
	require.Error(t, err)
}

func TestCLI_Inspect(t *testing.T) {
	t.Run("canonical names", func(t *testing.T) {
		dir := initModel(t)
		out, err := runCLI(t, "", "inspect", "--model", dir)
		require.NoError(t, err)
		assert.Contains(t, out, "embeddings_project.weight")
		assert.Contains(t, out, "0 fallback, 0 missing, 0 shape mismatch")
	})

	t.Run("model_type prefix", func(t *testing.T) {
		dir := initModel(t, "--prefix-model-type", "--no-pooler")
		out, err := runCLI(t, "", "inspect", "--model", dir)
		require.NoError(t, err)
		assert.Contains(t, out, "electra.encoder.layer.0.attention.self.query.weight")
		assert.Contains(t, out, "0 found")
		assert.Contains(t, out, "0 missing, 0 shape mismatch, 2 optional absent")
	})
}

func TestCLI_EncodeJSON(t *testing.T) {
	dir := initModel(t)

	out, err := runCLI(t, `{"input_ids": [[1, 20, 30, 2], [1, 7, 2]], "token_type_ids": [[0, 0, 1, 1], [0, 0, 0]]}`,
		"encode", "--model", dir, "--format", "json", "--pooling", "mean")
	require.NoError(t, err)

	var resp jsonOutput
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, 64, resp.Dim)
	require.Len(t, resp.Embeddings, 2)
	assert.Len(t, resp.Embeddings[0], 64)
}

func TestCLI_EncodeArrowFromFile(t *testing.T) {
	dir := initModel(t, "--prefix-model-type")
	input := filepath.Join(t.TempDir(), "batch.json")
	require.NoError(t, os.WriteFile(input, []byte(`{"input_ids": [[1, 2], [3, 4], [5, 6, 7]]}`), 0o644))

	out, err := runCLI(t, "", "encode", "--model", dir, "--input", input)
	require.NoError(t, err)

	reader, err := ipc.NewReader(strings.NewReader(out))
	require.NoError(t, err)
	defer reader.Release()
	var vecs [][]float32
	for reader.Next() {
		v, err := client.DecodeEmbeddings(reader.Record())
		require.NoError(t, err)
		vecs = append(vecs, v...)
	}
	require.NoError(t, reader.Err())
	require.Len(t, vecs, 3)
	for _, v := range vecs {
		for _, x := range v {
			assert.LessOrEqual(t, x, float32(1))
			assert.GreaterOrEqual(t, x, float32(-1))
		}
	}
}

func TestCLI_EncodeSynthetic(t *testing.T) {
	dir := initModel(t)
	out, err := runCLI(t, "", "encode", "--model", dir, "--synthetic", "5", "--min-len", "2", "--max-len", "6", "--format", "json")
	require.NoError(t, err)

	var resp jsonOutput
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Len(t, resp.Embeddings, 5)
}

func TestCLI_EncodeErrors(t *testing.T) {
	dir := initModel(t)

	_, err := runCLI(t, `{"input_ids": [[1, 2]]}`, "encode", "--model", dir, "--format", "yaml")
	require.Error(t, err)

	_, err = runCLI(t, `{"input_ids": [[1, 5000]]}`, "encode", "--model", dir)
	require.ErrorIs(t, err, model.ErrIndex)

	_, err = runCLI(t, `{"input_ids": [[1]]}`, "encode", "--model", dir, "--pooling", "max")
	require.Error(t, err)

	_, err = runCLI(t, `{"input_ids": [[1]]}`, "encode")
	require.Error(t, err)
}
