package preprocess

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/stat"

	"github.com/Brownie44l1/xray-server/internal/pipeline"
	"github.com/Brownie44l1/xray-server/internal/tensor"
)

func writeXray(t *testing.T, dir string, w, h int) string {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetGray(x, y, color.Gray{Y: uint8((x*7 + y*3) % 256)})
		}
	}
	path := filepath.Join(dir, "abc123.png")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
	return path
}

func TestPreprocess_ShapeAndMoments(t *testing.T) {
	path := writeXray(t, t.TempDir(), 97, 61)

	for _, size := range []image.Point{image.Pt(331, 331), image.Pt(40, 24)} {
		ts, err := Preprocess(path, size)
		require.NoError(t, err)
		assert.Equal(t, []int64{1, int64(size.Y), int64(size.X), 3}, ts.Shape)

		values := make([]float64, len(ts.Data))
		for i, v := range ts.Data {
			values[i] = float64(v)
		}
		mean, std := stat.PopMeanStdDev(values, nil)
		assert.InDelta(t, 0, mean, 1e-4)
		assert.InDelta(t, 1, std*std, 1e-3)
	}
}

func TestPreprocess_NotFound(t *testing.T) {
	for _, p := range []string{"", filepath.Join(t.TempDir(), "missing.png")} {
		_, err := Preprocess(p, DefaultSize)
		assert.ErrorIs(t, err, pipeline.ErrNotFound)
	}
}

func TestStandardize_ConstantImage(t *testing.T) {
	in := tensor.New(1, 4, 4, 3)
	for i := range in.Data {
		in.Data[i] = 128
	}
	out := Standardize(in)
	for _, v := range out.Data {
		assert.Equal(t, float32(0), v)
	}
	assert.Equal(t, float32(128), in.Data[0], "input must not be mutated")
}

func TestLoad_KeepsPixelRange(t *testing.T) {
	path := writeXray(t, t.TempDir(), 10, 10)
	ts, err := New(image.Pt(10, 10)).Load(path)
	require.NoError(t, err)

	h, w, c, err := ts.Image()
	require.NoError(t, err)
	assert.Equal(t, []int{10, 10, 3}, []int{h, w, c})
	// pixel (3,2): 3*7 + 2*3 = 27, identical in every channel
	i := (2*10 + 3) * 3
	assert.Equal(t, []float32{27, 27, 27}, ts.Data[i:i+3])
}
