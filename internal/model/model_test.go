package model

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	ort "github.com/yalue/onnxruntime_go"
)

func TestLoad_MissingModel(t *testing.T) {
	for _, p := range []string{"", filepath.Join(t.TempDir(), "missing.onnx")} {
		m, err := Load(p, "")
		assert.Nil(t, m)

		var loadErr *ModelLoadError
		require.True(t, errors.As(err, &loadErr), "path %q: %v", p, err)
		assert.Equal(t, p, loadErr.Path)
	}
}

func TestLoad_BadMetadata(t *testing.T) {
	dir := t.TempDir()
	modelPath := filepath.Join(dir, "unet.onnx")
	require.NoError(t, os.WriteFile(modelPath, []byte("onnx"), 0o644))
	require.NoError(t, os.WriteFile(MetadataPath(modelPath), []byte("{not json"), 0o644))

	_, err := Load(modelPath, "")
	var loadErr *ModelLoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Contains(t, err.Error(), "failed to parse metadata")
}

func TestMetadataPath(t *testing.T) {
	assert.Equal(t, "models/unet.json", MetadataPath("models/unet.onnx"))
	assert.Equal(t, "unet.json", MetadataPath("unet"))
}

func TestReadMetadata_Defaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "m.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"input_shape": [1, 331, 331, 3],
		"output_shape": [1, 2],
		"classes": ["NO FINDING", "COVID-19"],
		"layers": [{"name": "conv", "output_shape": [1, 11, 11, 4032]}],
		"gradients": {"model_path": "grad.onnx", "outputs": {"conv": {"activation": "conv_out", "gradient": "conv_grad"}}}
	}`), 0o644))

	md, err := ReadMetadata(path)
	require.NoError(t, err)
	assert.Equal(t, "input", md.InputName)
	assert.Equal(t, "output", md.OutputName)
	assert.Equal(t, "class_mask", md.Gradients.ClassInput)
	assert.Equal(t, "output", md.Gradients.PredictionOutput)

	l, ok := md.layer("conv")
	assert.True(t, ok)
	assert.Equal(t, []int64{1, 11, 11, 4032}, l.OutputShape)
}

func TestReadMetadata_RequiresShapes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "m.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"classes": ["a"]}`), 0o644))

	_, err := ReadMetadata(path)
	assert.Error(t, err)
}

func TestHasGradients(t *testing.T) {
	m := &Model{grads: map[string]*ort.DynamicAdvancedSession{"conv5_block3_out": nil}}
	assert.True(t, m.HasGradients("conv5_block3_out"))
	assert.False(t, m.HasGradients("conv4_block6_out"))
}
