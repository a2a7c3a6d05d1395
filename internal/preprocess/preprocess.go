// Package preprocess turns image files into standardized model input tensors.
package preprocess

import (
	"image"
	"math"

	"github.com/nfnt/resize"
	"gonum.org/v1/gonum/stat"

	"github.com/Brownie44l1/xray-server/internal/imageio"
	"github.com/Brownie44l1/xray-server/internal/pipeline"
	"github.com/Brownie44l1/xray-server/internal/tensor"
)

// DefaultSize is the classification network input resolution.
var DefaultSize = image.Pt(331, 331)

// Preprocessor loads images at a fixed target resolution.
type Preprocessor struct {
	Size image.Point
}

func New(size image.Point) *Preprocessor {
	if size.X <= 0 || size.Y <= 0 {
		size = DefaultSize
	}
	return &Preprocessor{Size: size}
}

// Preprocess returns the standardized [1,H,W,3] tensor for path.
func (p *Preprocessor) Preprocess(path string) (*tensor.Tensor, error) {
	return Preprocess(path, p.Size)
}

// Load returns the resized, unstandardized [1,H,W,3] tensor for path.
func (p *Preprocessor) Load(path string) (*tensor.Tensor, error) {
	return Load(path, p.Size)
}

// Preprocess loads path at size and applies per-image standardization.
func Preprocess(path string, size image.Point) (*tensor.Tensor, error) {
	t, err := Load(path, size)
	if err != nil {
		return nil, err
	}
	return Standardize(t), nil
}

// Load decodes path, resizes it to size with nearest-neighbour sampling and
// returns RGB values in 0..255 as a batch of one.
func Load(path string, size image.Point) (*tensor.Tensor, error) {
	if err := pipeline.ValidatePath(path); err != nil {
		return nil, err
	}

	img, err := imageio.Load(path)
	if err != nil {
		return nil, err
	}

	resized := resize.Resize(uint(size.X), uint(size.Y), img, resize.NearestNeighbor)
	return imageio.ToTensor(resized).Batch(), nil
}

// Standardize scales t to zero mean and unit variance over all elements. The
// divisor is floored at 1/sqrt(N) so a constant image maps to zeros.
func Standardize(t *tensor.Tensor) *tensor.Tensor {
	out := &tensor.Tensor{
		Shape: append([]int64(nil), t.Shape...),
		Data:  make([]float32, len(t.Data)),
	}
	if len(t.Data) == 0 {
		return out
	}

	values := make([]float64, len(t.Data))
	for i, v := range t.Data {
		values[i] = float64(v)
	}
	mean, std := stat.PopMeanStdDev(values, nil)
	std = math.Max(std, 1/math.Sqrt(float64(len(values))))

	for i, v := range values {
		out.Data[i] = float32((v - mean) / std)
	}
	return out
}
