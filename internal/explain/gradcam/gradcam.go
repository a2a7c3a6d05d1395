// Package gradcam renders Grad-CAM heatmaps over chest X-ray images.
package gradcam

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"os"
	"path/filepath"

	"gocv.io/x/gocv"

	"github.com/Brownie44l1/xray-server/internal/imageio"
	"github.com/Brownie44l1/xray-server/internal/model"
	"github.com/Brownie44l1/xray-server/internal/pipeline"
	"github.com/Brownie44l1/xray-server/internal/preprocess"
	"github.com/Brownie44l1/xray-server/internal/tensor"
)

const (
	DefaultPrefix = "explanation_gradcam_"

	// OpenCV COLORMAP_INFERNO.
	colormapInferno = gocv.ColormapTypes(14)

	eps = 1e-8
)

type Options struct {
	// LayerName selects the convolutional layer. Empty means the last layer
	// with a 4-D output.
	LayerName string `json:"layer_name"`
	Prefix    string `json:"prefix"`
	// Alpha is the weight of the underlay in the blend.
	Alpha float64 `json:"alpha"`
	// ClassIndex is the explained class. Negative means the predicted class.
	ClassIndex int         `json:"class_index"`
	ImageSize  image.Point `json:"-"`
}

func DefaultOptions() Options {
	return Options{
		Prefix:     DefaultPrefix,
		Alpha:      0.5,
		ClassIndex: -1,
		ImageSize:  preprocess.DefaultSize,
	}
}

func (o Options) Validate() error {
	var errs []error
	if o.Alpha < 0 || o.Alpha > 1 {
		errs = append(errs, fmt.Errorf("alpha %v must be in [0,1]", o.Alpha))
	}
	if o.ImageSize.X <= 0 || o.ImageSize.Y <= 0 {
		errs = append(errs, fmt.Errorf("image size %v must be positive", o.ImageSize))
	}
	return errors.Join(errs...)
}

// LayerNotFoundError is returned when no layer can host a Grad-CAM.
type LayerNotFoundError struct {
	Layer string
}

func (e *LayerNotFoundError) Error() string {
	if e.Layer == "" {
		return "could not find 4D layer, cannot apply Grad-CAM"
	}
	return fmt.Sprintf("layer %q not found", e.Layer)
}

type Explainer struct {
	model model.GradientModel
	opts  Options
	layer string
	pre   *preprocess.Preprocessor
}

func New(m model.GradientModel, opts Options) (*Explainer, error) {
	if m == nil {
		return nil, errors.New("gradient model cannot be nil")
	}
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid grad-cam options: %w", err)
	}
	layer, err := targetLayer(m.Layers(), opts.LayerName, gradientFilter(m))
	if err != nil {
		return nil, err
	}
	return &Explainer{model: m, opts: opts, layer: layer, pre: preprocess.New(opts.ImageSize)}, nil
}

// Layer returns the layer the heatmaps are computed for.
func (e *Explainer) Layer() string { return e.layer }

// gradientLayers is implemented by models that can only differentiate some
// of their layers.
type gradientLayers interface {
	HasGradients(layer string) bool
}

func gradientFilter(m model.GradientModel) func(string) bool {
	if g, ok := m.(gradientLayers); ok {
		return g.HasGradients
	}
	return func(string) bool { return true }
}

func targetLayer(layers []model.Layer, name string, hasGradients func(string) bool) (string, error) {
	if name != "" {
		for _, l := range layers {
			if l.Name != name {
				continue
			}
			if !hasGradients(name) {
				return "", fmt.Errorf("layer %q exports no gradients, cannot apply Grad-CAM", name)
			}
			return name, nil
		}
		return "", &LayerNotFoundError{Layer: name}
	}
	for i := len(layers) - 1; i >= 0; i-- {
		if len(layers[i].OutputShape) == 4 && hasGradients(layers[i].Name) {
			return layers[i].Name, nil
		}
	}
	return "", &LayerNotFoundError{}
}

// Item is one batch entry. DisplayPath, when set, is the underlay image.
type Item struct {
	Path        string
	DisplayPath string
}

// Items wraps plain paths.
func Items(paths ...string) []Item {
	items := make([]Item, len(paths))
	for i, p := range paths {
		items[i] = Item{Path: p}
	}
	return items
}

// Explain computes the heatmap for the image at path, blends it over
// displayPath (or path itself when empty) and writes
// <dir(path)>/<prefix><base(path)>. It returns the written path.
func (e *Explainer) Explain(ctx context.Context, path, displayPath string) (string, error) {
	raw, err := e.pre.Load(path)
	if err != nil {
		return "", err
	}
	underlay := raw
	if displayPath != "" {
		if underlay, err = e.pre.Load(displayPath); err != nil {
			return "", err
		}
	}

	act, err := e.model.Gradients(ctx, preprocess.Standardize(raw), e.layer, e.opts.ClassIndex)
	if err != nil {
		return "", fmt.Errorf("failed to compute gradients for %s: %w", path, err)
	}
	cam, err := CAM(act.Activations, act.Gradients)
	if err != nil {
		return "", err
	}

	heat, err := Heatmap(cam, e.opts.ImageSize)
	if err != nil {
		return "", err
	}
	defer heat.Close()

	out := pipeline.ExplanationPath(path, e.opts.Prefix)
	if err := e.overlay(heat, underlay, out); err != nil {
		return "", err
	}
	return out, nil
}

// ExplainBatch explains items in order and stops at the first failure.
func (e *Explainer) ExplainBatch(ctx context.Context, items []Item) ([]string, error) {
	out := make([]string, 0, len(items))
	for _, it := range items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p, err := e.Explain(ctx, it.Path, it.DisplayPath)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// CAM weights each activation channel by its mean guided gradient and sums
// the channels. Both inputs are [1,H,W,C]; the result is [H,W].
func CAM(activations, gradients *tensor.Tensor) (*tensor.Tensor, error) {
	h, w, c, err := activations.Image()
	if err != nil {
		return nil, fmt.Errorf("bad activation shape: %w", err)
	}
	if len(gradients.Data) != len(activations.Data) {
		return nil, fmt.Errorf("gradient shape %v does not match activations %v", gradients.Shape, activations.Shape)
	}

	weights := make([]float64, c)
	for i, g := range gradients.Data {
		if activations.Data[i] > 0 && g > 0 {
			weights[i%c] += float64(g)
		}
	}
	for k := range weights {
		weights[k] /= float64(h * w)
	}

	cam := tensor.New(int64(h), int64(w))
	for p := 0; p < h*w; p++ {
		var sum float64
		for k := 0; k < c; k++ {
			sum += weights[k] * float64(activations.Data[p*c+k])
		}
		cam.Data[p] = float32(sum)
	}
	return cam, nil
}

// Heatmap resizes cam to size with bilinear interpolation and normalizes it
// into a CV_8U matrix. The caller must Close the result.
func Heatmap(cam *tensor.Tensor, size image.Point) (gocv.Mat, error) {
	src, err := imageio.MatFromTensor(cam)
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("failed to build cam matrix: %w", err)
	}
	defer src.Close()

	resized := gocv.NewMat()
	defer resized.Close()
	gocv.Resize(src, &resized, size, 0, 0, gocv.InterpolationLinear)

	values, err := resized.DataPtrFloat32()
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("failed to read heatmap: %w", err)
	}
	return gocv.NewMatFromBytes(size.Y, size.X, gocv.MatTypeCV8U, Normalize(values))
}

// Normalize maps values linearly onto 0..255. A constant input maps to zeros.
func Normalize(values []float32) []uint8 {
	out := make([]uint8, len(values))
	if len(values) == 0 {
		return out
	}
	lo, hi := values[0], values[0]
	for _, v := range values {
		lo = min(lo, v)
		hi = max(hi, v)
	}
	denom := float64(hi-lo) + eps
	for i, v := range values {
		out[i] = uint8(math.Round(float64(v-lo) / denom * 255))
	}
	return out
}

// overlay colours heat, blends it with the underlay and writes the result.
func (e *Explainer) overlay(heat gocv.Mat, underlay *tensor.Tensor, out string) error {
	base, err := imageio.BGRMat(underlay)
	if err != nil {
		return err
	}
	defer base.Close()

	colored := gocv.NewMat()
	defer colored.Close()
	gocv.ApplyColorMap(heat, &colored, colormapInferno)

	if base.Rows() != colored.Rows() || base.Cols() != colored.Cols() {
		gocv.Resize(colored, &colored, image.Pt(base.Cols(), base.Rows()), 0, 0, gocv.InterpolationLinear)
	}

	blended := gocv.NewMat()
	defer blended.Close()
	gocv.AddWeighted(base, e.opts.Alpha, colored, 1-e.opts.Alpha, 0, &blended)

	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(out), err)
	}
	if ok := gocv.IMWrite(out, blended); !ok {
		return fmt.Errorf("failed to write %s", out)
	}
	return nil
}
