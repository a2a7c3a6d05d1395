package handlers

import (
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/xray-server/internal/classification"
	"github.com/Brownie44l1/xray-server/internal/explain/gradcam"
	"github.com/Brownie44l1/xray-server/internal/explain/lime"
	"github.com/Brownie44l1/xray-server/internal/model"
	"github.com/Brownie44l1/xray-server/internal/pipeline"
	"github.com/Brownie44l1/xray-server/internal/segmentation"
	"github.com/Brownie44l1/xray-server/internal/server"
	"github.com/Brownie44l1/xray-server/internal/tensor"
)

var classes = []string{"NO FINDING", "COVID-19"}

type lungNet struct{}

func (lungNet) InputShape() []int64 { return []int64{1, 16, 16, 1} }

func (lungNet) Predict(context.Context, *tensor.Tensor) (*tensor.Tensor, error) {
	out := tensor.New(1, 16, 16, 1)
	for i := range out.Data {
		out.Data[i] = 1
	}
	return out, nil
}

type covidNet struct{}

func (covidNet) InputShape() []int64 { return []int64{1, 16, 16, 3} }

func (covidNet) Layers() []model.Layer {
	return []model.Layer{{Name: "conv", OutputShape: []int64{1, 4, 4, 2}}, {Name: "dense", OutputShape: []int64{1, 2}}}
}

func (covidNet) Predict(context.Context, *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.FromData([]float32{0.25, 0.75}, 1, 2)
}

func (n covidNet) Gradients(ctx context.Context, in *tensor.Tensor, _ string, _ int) (*model.Activation, error) {
	act := tensor.New(1, 4, 4, 2)
	grad := tensor.New(1, 4, 4, 2)
	for i := range act.Data {
		act.Data[i] = float32(i % 7)
		grad.Data[i] = 0.5
	}
	preds, _ := n.Predict(ctx, in)
	return &model.Activation{Activations: act, Gradients: grad, Predictions: preds, ClassIndex: 1}, nil
}

func writeXray(t *testing.T, dir, id string) string {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 24, 24))
	for y := 0; y < 24; y++ {
		for x := 0; x < 24; x++ {
			img.SetGray(x, y, color.Gray{Y: uint8(40 + 8*x)})
		}
	}
	path := filepath.Join(dir, id+".png")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
	return path
}

func newHandler(t *testing.T) *Handler {
	t.Helper()
	size := image.Pt(16, 16)

	seg, err := segmentation.New(lungNet{}, segmentation.DefaultOptions(), nil)
	require.NoError(t, err)
	cls, err := classification.NewClassifier(covidNet{}, classes, size)
	require.NoError(t, err)
	sc, err := classification.NewSegmentationClassifier(seg, cls)
	require.NoError(t, err)

	limeOpts := lime.DefaultOptions()
	limeOpts.ImageSize = size
	le, err := lime.New(covidNet{}, limeOpts, nil)
	require.NoError(t, err)

	gcOpts := gradcam.DefaultOptions()
	gcOpts.ImageSize = size
	ge, err := gradcam.New(covidNet{}, gcOpts)
	require.NoError(t, err)

	h, err := NewHandler(seg, sc, le, ge)
	require.NoError(t, err)
	return h
}

type lines struct {
	mu  sync.Mutex
	buf []string
}

func (l *lines) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf = append(l.buf, string(p))
	return len(p), nil
}

func TestServer_EndToEnd(t *testing.T) {
	dir := t.TempDir()
	writeXray(t, dir, "abc123")
	h := newHandler(t)

	s := server.New(server.Options{CacheDir: dir, MaxWorkers: 1}, h.Routes(), nil)
	out := &lines{}
	input := "classify abc123\nexplain_gradcam xyz\nexplain_gradcam abc123\nexplain_lime abc123\n"
	require.NoError(t, s.Serve(context.Background(), strings.NewReader(input), out))

	got := append([]string(nil), out.buf...)
	sort.Strings(got)
	require.Len(t, got, 3)

	require.True(t, strings.HasPrefix(got[0], "classify abc123 "))
	var dist map[string]float64
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSuffix(got[0], "\n"), "classify abc123 ")), &dist))
	assert.Len(t, dist, 2)
	assert.Contains(t, dist, "NO FINDING")
	assert.Contains(t, dist, "COVID-19")

	gc := filepath.Join(dir, "explanation_gradcam_abc123_masked.png")
	assert.Equal(t, "explain_gradcam abc123 "+gc+"\n", got[1])
	assert.FileExists(t, gc)

	lm := filepath.Join(dir, "explanation_lime_abc123_masked.png")
	assert.Equal(t, "explain_lime abc123 "+lm+"\n", got[2])
	assert.FileExists(t, lm)

	assert.FileExists(t, filepath.Join(dir, "abc123_mask.png"))
	assert.FileExists(t, filepath.Join(dir, "abc123_masked.png"))
}

type stubMasker struct{ calls []string }

func (m *stubMasker) Mask(_ context.Context, path string) (string, error) {
	if err := pipeline.ValidatePath(path); err != nil {
		return "", err
	}
	m.calls = append(m.calls, path)
	return pipeline.DerivedPath(path, pipeline.MaskedSuffix), nil
}

type stubExplainer struct{ path, display string }

func (e *stubExplainer) Explain(_ context.Context, path, display string) (string, error) {
	e.path, e.display = path, display
	return pipeline.ExplanationPath(path, "explanation_"), nil
}

type stubClassifier struct{}

func (stubClassifier) Classify(context.Context, string) (classification.Distribution, error) {
	return classification.NewDistribution(classes, []float32{0.5, 0.5})
}

func TestExplain_OverlaysOnOriginal(t *testing.T) {
	dir := t.TempDir()
	src := writeXray(t, dir, "abc123")
	m, le, ge := &stubMasker{}, &stubExplainer{}, &stubExplainer{}
	h, err := NewHandler(m, stubClassifier{}, le, ge)
	require.NoError(t, err)

	out, err := h.ExplainLime(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "explanation_abc123_masked.png"), out)
	assert.Equal(t, pipeline.DerivedPath(src, pipeline.MaskedSuffix), le.path)
	assert.Equal(t, src, le.display)

	_, err = h.ExplainGradCAM(context.Background(), filepath.Join(dir, "nope.png"))
	assert.ErrorIs(t, err, pipeline.ErrNotFound)
	assert.Empty(t, ge.path)

	body, err := h.Classify(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, `{"NO FINDING":0.5,"COVID-19":0.5}`, body)

	assert.Len(t, h.Routes(), 3)
	_, err = NewHandler(nil, nil, nil, nil)
	assert.Error(t, err)
}
