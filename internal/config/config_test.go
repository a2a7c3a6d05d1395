package config

import (
	"image"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/xray-server/internal/explain/lime"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	assert.Equal(t, 0.5, cfg.Segmentation.MaskThreshold)
	assert.Equal(t, lime.LassoPath, cfg.Lime.FeatureSelection)
	assert.Equal(t, 30*time.Second, cfg.Server.DrainTimeout.Duration)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{
  "classes": ["NO FINDING", "COVID-19"],
  "image_size": 224,
  "lime": {"num_samples": 50, "feature_selection": "forward_selection"},
  "gradcam": {"layer_name": "conv5_block3_out", "alpha": 0.4},
  "server": {"max_workers": 4, "drain_timeout": "5s", "result_cache_ttl": "1m"},
  "log_level": "debug"
}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"NO FINDING", "COVID-19"}, cfg.Classes)
	assert.Equal(t, image.Pt(224, 224), cfg.Size())
	assert.Equal(t, image.Pt(224, 224), cfg.Lime.ImageSize)
	assert.Equal(t, image.Pt(224, 224), cfg.GradCAM.ImageSize)
	assert.Equal(t, 50, cfg.Lime.NumSamples)
	// unset fields in a section keep their defaults
	assert.Equal(t, 4.0, cfg.Lime.KernelWidth)
	assert.Equal(t, lime.ForwardSelection, cfg.Lime.FeatureSelection)
	assert.Equal(t, "conv5_block3_out", cfg.GradCAM.LayerName)
	assert.Equal(t, 4, cfg.Server.MaxWorkers)
	assert.Equal(t, 5*time.Second, cfg.Server.DrainTimeout.Duration)
	assert.Equal(t, time.Minute, cfg.Server.ResultCacheTTL.Duration)
}

func TestLoad_RejectsUnknownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"colour": "red"}`), 0o644))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate_ReportsEveryError(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Lime.NumSamples = 1
	cfg.GradCAM.Alpha = 2
	cfg.Server.MaxWorkers = -1
	cfg.LogLevel = "chatty"

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "num samples")
	assert.Contains(t, msg, "alpha")
	assert.Contains(t, msg, "max_workers")
	assert.Contains(t, msg, "chatty")
	// out-of-range values are reported, not clamped
	assert.Equal(t, 1, cfg.Lime.NumSamples)
}

func TestResolve(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Resolve([]string{"a", "b"}, 64))
	assert.Equal(t, []string{"a", "b"}, cfg.Classes)
	assert.Equal(t, image.Pt(64, 64), cfg.Lime.ImageSize)

	cfg = DefaultConfig()
	cfg.Classes = []string{"x"}
	require.NoError(t, cfg.Resolve([]string{"a", "b"}, 0))
	assert.Equal(t, []string{"x"}, cfg.Classes)
	assert.Equal(t, 331, cfg.ImageSize)

	assert.Error(t, DefaultConfig().Resolve(nil, 64))
}

func TestSave_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	cfg := DefaultConfig()
	cfg.Classes = []string{"NO FINDING", "COVID-19"}
	cfg.Server.ResultCacheTTL = Duration{90 * time.Second}
	require.NoError(t, cfg.Save(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"result_cache_ttl": "1m30s"`)

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Classes, loaded.Classes)
	assert.Equal(t, cfg.Server, loaded.Server)
}
