package segmentation

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/xray-server/internal/imageio"
	"github.com/Brownie44l1/xray-server/internal/pipeline"
	"github.com/Brownie44l1/xray-server/internal/tensor"
)

// squareNet predicts a 5x5 lung square in the middle of a 16x16 grid.
type squareNet struct {
	mu     sync.Mutex
	calls  int
	inputs []*tensor.Tensor
}

func (n *squareNet) InputShape() []int64 { return []int64{1, 16, 16, 1} }

func (n *squareNet) Predict(_ context.Context, in *tensor.Tensor) (*tensor.Tensor, error) {
	n.mu.Lock()
	n.calls++
	n.inputs = append(n.inputs, in)
	n.mu.Unlock()

	out := tensor.New(1, 16, 16, 1)
	for y := 6; y <= 10; y++ {
		for x := 6; x <= 10; x++ {
			out.Data[y*16+x] = 0.9
		}
	}
	return out, nil
}

func (n *squareNet) Calls() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls
}

func writeXray(t *testing.T, dir, name string) string {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 40, 30))
	for y := 0; y < 30; y++ {
		for x := 0; x < 40; x++ {
			img.SetGray(x, y, color.Gray{Y: uint8(30 + (x+y)%200)})
		}
	}
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
	return path
}

func grayAt(t *testing.T, path string, x, y int) uint8 {
	t.Helper()
	img, err := imageio.Load(path)
	require.NoError(t, err)
	r, _, _, _ := img.At(x, y).RGBA()
	return uint8(r >> 8)
}

func newSegmenter(t *testing.T) (*LungSegmenter, *squareNet) {
	t.Helper()
	net := &squareNet{}
	s, err := New(net, DefaultOptions(), nil)
	require.NoError(t, err)
	return s, net
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, DefaultOptions(), nil)
	assert.Error(t, err)

	bad := DefaultOptions()
	bad.MaskThreshold = 1.5
	bad.DilationIterations = -1
	_, err = New(&squareNet{}, bad, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mask threshold")
	assert.Contains(t, err.Error(), "dilation iterations")

	s, err := New(&squareNet{}, DefaultOptions(), nil)
	require.NoError(t, err)
	assert.Equal(t, image.Pt(16, 16), s.InputSize())
}

func TestMask_WritesArtifacts(t *testing.T) {
	s, net := newSegmenter(t)
	src := writeXray(t, t.TempDir(), "abc123.png")

	masked, err := s.Mask(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, strings.TrimSuffix(src, ".png")+"_masked.png", masked)
	assert.FileExists(t, masked)
	maskPath := pipeline.DerivedPath(src, pipeline.MaskSuffix)
	assert.FileExists(t, maskPath)
	assert.Equal(t, 1, net.Calls())

	in := net.inputs[0]
	assert.Equal(t, []int64{1, 16, 16, 1}, in.Shape)

	// centre lies inside the lung square, the corner does not
	assert.Equal(t, uint8(255), grayAt(t, maskPath, 20, 15))
	assert.Equal(t, uint8(0), grayAt(t, maskPath, 0, 0))
	assert.Equal(t, uint8(30+(20+15)%200), grayAt(t, masked, 20, 15))
	assert.Equal(t, uint8(0), grayAt(t, masked, 0, 0))
}

func TestMask_Idempotent(t *testing.T) {
	s, _ := newSegmenter(t)
	src := writeXray(t, t.TempDir(), "abc123.png")

	first, err := s.Mask(context.Background(), src)
	require.NoError(t, err)
	firstBytes, err := os.ReadFile(first)
	require.NoError(t, err)

	second, err := s.Mask(context.Background(), src)
	require.NoError(t, err)
	secondBytes, err := os.ReadFile(second)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, firstBytes, secondBytes)
}

func TestMask_NotFoundBeforeInference(t *testing.T) {
	s, net := newSegmenter(t)
	for _, p := range []string{"", filepath.Join(t.TempDir(), "missing.png")} {
		_, err := s.Mask(context.Background(), p)
		assert.ErrorIs(t, err, pipeline.ErrNotFound)
	}
	assert.Zero(t, net.Calls())
}

func TestMaskBatch(t *testing.T) {
	s, _ := newSegmenter(t)
	dir := t.TempDir()
	a := writeXray(t, dir, "a.png")
	b := writeXray(t, dir, "b.png")

	in := Table{
		Columns: []string{"id", "file_path", "label"},
		Rows:    [][]string{{"1", a, "COVID-19"}, {"2", b, "NO FINDING"}},
	}
	out, err := s.MaskBatch(context.Background(), in, "file_path")
	require.NoError(t, err)

	assert.Equal(t, []string{"id", "masked_file_path", "file_path", "label"}, out.Columns)
	assert.Equal(t, pipeline.DerivedPath(a, pipeline.MaskedSuffix), out.Rows[0][1])
	assert.Equal(t, pipeline.DerivedPath(b, pipeline.MaskedSuffix), out.Rows[1][1])
	assert.Equal(t, []string{"id", "file_path", "label"}, in.Columns, "input table must not change")
	assert.Len(t, in.Rows[0], 3)
}

func TestMaskBatch_FailFast(t *testing.T) {
	s, net := newSegmenter(t)
	dir := t.TempDir()
	in := Table{
		Columns: []string{"file_path"},
		Rows: [][]string{
			{filepath.Join(dir, "missing.png")},
			{writeXray(t, dir, "ok.png")},
		},
	}
	_, err := s.MaskBatch(context.Background(), in, "file_path")
	assert.ErrorIs(t, err, pipeline.ErrNotFound)
	assert.Zero(t, net.Calls())

	_, err = s.MaskBatch(context.Background(), in, "")
	assert.Error(t, err)
	_, err = s.MaskBatch(context.Background(), in, "path")
	assert.Error(t, err)
}

func TestTableCSVRoundTrip(t *testing.T) {
	src := "file_path,label\n/a.png,COVID-19\n/b.png,NO FINDING\n"
	tbl, err := ReadTable(strings.NewReader(src))
	require.NoError(t, err)
	assert.Equal(t, []string{"file_path", "label"}, tbl.Columns)
	assert.Len(t, tbl.Rows, 2)

	var buf bytes.Buffer
	require.NoError(t, WriteTable(&buf, tbl))
	assert.Equal(t, src, buf.String())
}
