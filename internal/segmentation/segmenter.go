// Package segmentation predicts lung masks for chest X-ray images and writes
// the mask and masked image next to the source file.
package segmentation

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"

	"gocv.io/x/gocv"

	"github.com/Brownie44l1/xray-server/internal/imageio"
	"github.com/Brownie44l1/xray-server/internal/model"
	"github.com/Brownie44l1/xray-server/internal/pipeline"
	"github.com/Brownie44l1/xray-server/internal/preprocess"
	"github.com/Brownie44l1/xray-server/internal/tensor"
)

// Options tune the mask post-processing.
type Options struct {
	// MaskThreshold binarizes the network output; must be in (0,1).
	MaskThreshold float64 `json:"mask_threshold"`
	// MorphologyKernel is the rectangle used to close then open the mask.
	MorphologyKernel image.Point `json:"morphology_kernel"`
	// DilationKernel is the rectangle used to grow the mask.
	DilationKernel     image.Point `json:"dilation_kernel"`
	DilationIterations int         `json:"dilation_iterations"`
}

func DefaultOptions() Options {
	return Options{
		MaskThreshold:      0.5,
		MorphologyKernel:   image.Pt(5, 5),
		DilationKernel:     image.Pt(2, 2),
		DilationIterations: 3,
	}
}

// Validate reports every out-of-range option.
func (o Options) Validate() error {
	var errs []error
	if o.MaskThreshold <= 0 || o.MaskThreshold >= 1 {
		errs = append(errs, fmt.Errorf("mask threshold %v must be in (0,1)", o.MaskThreshold))
	}
	if o.MorphologyKernel.X < 1 || o.MorphologyKernel.Y < 1 {
		errs = append(errs, fmt.Errorf("morphology kernel %v must be at least 1x1", o.MorphologyKernel))
	}
	if o.DilationKernel.X < 1 || o.DilationKernel.Y < 1 {
		errs = append(errs, fmt.Errorf("dilation kernel %v must be at least 1x1", o.DilationKernel))
	}
	if o.DilationIterations < 0 {
		errs = append(errs, fmt.Errorf("dilation iterations %d must not be negative", o.DilationIterations))
	}
	return errors.Join(errs...)
}

// LungSegmenter wraps a segmentation network. It holds no per-call state and
// is safe for concurrent use.
type LungSegmenter struct {
	model    model.Predictor
	opts     Options
	size     image.Point // network input, X=width Y=height
	channels int
	rank     int
	logger   *slog.Logger
}

// New builds a segmenter around p. The input resolution is read from the
// predictor's [1,H,W,C] or [1,H,W] input shape.
func New(p model.Predictor, opts Options, logger *slog.Logger) (*LungSegmenter, error) {
	if p == nil {
		return nil, errors.New("segmentation model cannot be nil")
	}
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid segmentation options: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	shape := p.InputShape()
	s := &LungSegmenter{model: p, opts: opts, rank: len(shape), logger: logger}
	switch {
	case len(shape) == 4 && (shape[3] == 1 || shape[3] == 3):
		s.channels = int(shape[3])
	case len(shape) == 3:
		s.channels = 1
	default:
		return nil, fmt.Errorf("unsupported segmentation input shape %v", shape)
	}
	if shape[1] <= 0 || shape[2] <= 0 {
		return nil, fmt.Errorf("segmentation input shape %v has no fixed resolution", shape)
	}
	s.size = image.Pt(int(shape[2]), int(shape[1]))
	return s, nil
}

// InputSize returns the network resolution.
func (s *LungSegmenter) InputSize() image.Point { return s.size }

// Mask predicts the lung mask for the image at path, writes <stem>_mask<ext>
// and <stem>_masked<ext> beside it and returns the masked image path.
func (s *LungSegmenter) Mask(ctx context.Context, path string) (string, error) {
	if err := pipeline.ValidatePath(path); err != nil {
		return "", err
	}

	original := gocv.IMRead(path, gocv.IMReadGrayScale)
	if original.Empty() {
		return "", fmt.Errorf("failed to read image %s", path)
	}
	defer original.Close()
	origSize := image.Pt(original.Cols(), original.Rows())

	input, err := s.networkInput(original)
	if err != nil {
		return "", err
	}

	pred, err := s.model.Predict(ctx, input)
	if err != nil {
		return "", fmt.Errorf("failed to predict mask for %s: %w", path, err)
	}
	n := s.size.X * s.size.Y
	if len(pred.Data) < n {
		return "", fmt.Errorf("mask prediction has %d values, want %d", len(pred.Data), n)
	}

	binary := make([]uint8, n)
	for i := 0; i < n; i++ {
		if float64(pred.Data[i]) > s.opts.MaskThreshold {
			binary[i] = 1
		}
	}

	mask, err := s.cleanup(binary)
	if err != nil {
		return "", err
	}
	defer mask.Close()

	upsized, err := upsample(mask, origSize)
	if err != nil {
		return "", err
	}

	pixels := original.ToBytes()
	maskPix := make([]uint8, len(upsized))
	maskedPix := make([]uint8, len(upsized))
	for i, v := range upsized {
		maskPix[i] = clampByte(v * 255)
		if v > 0 {
			maskedPix[i] = pixels[i]
		}
	}

	maskPath := pipeline.DerivedPath(path, pipeline.MaskSuffix)
	maskedPath := pipeline.DerivedPath(path, pipeline.MaskedSuffix)
	if err := writeGray(maskPath, origSize, maskPix); err != nil {
		return "", err
	}
	if err := writeGray(maskedPath, origSize, maskedPix); err != nil {
		return "", err
	}

	s.logger.Debug("lung mask written", "source", path, "mask", maskPath, "masked", maskedPath)
	return maskedPath, nil
}

// networkInput resizes the 0..1 grayscale image to the network resolution and
// standardizes it.
func (s *LungSegmenter) networkInput(original gocv.Mat) (*tensor.Tensor, error) {
	scaled := gocv.NewMat()
	defer scaled.Close()
	original.ConvertTo(&scaled, gocv.MatTypeCV32F)

	resized := gocv.NewMat()
	defer resized.Close()
	gocv.Resize(scaled, &resized, s.size, 0, 0, gocv.InterpolationCubic)

	gray, err := imageio.TensorFromMat(resized)
	if err != nil {
		return nil, fmt.Errorf("failed to convert resized image: %w", err)
	}
	for i := range gray.Data {
		gray.Data[i] /= 255
	}

	h, w := int64(s.size.Y), int64(s.size.X)
	var input *tensor.Tensor
	switch {
	case s.rank == 3:
		input = tensor.New(1, h, w)
		copy(input.Data, gray.Data)
	case s.channels == 1:
		input = tensor.New(1, h, w, 1)
		copy(input.Data, gray.Data)
	default:
		input = tensor.New(1, h, w, 3)
		for i, v := range gray.Data {
			input.Data[i*3], input.Data[i*3+1], input.Data[i*3+2] = v, v, v
		}
	}
	return preprocess.Standardize(input), nil
}

// cleanup closes then opens the binary mask to drop small regions and dilates
// the result.
func (s *LungSegmenter) cleanup(binary []uint8) (gocv.Mat, error) {
	mask, err := imageio.GrayMat(s.size.Y, s.size.X, binary)
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("failed to build mask matrix: %w", err)
	}

	morph := gocv.GetStructuringElement(gocv.MorphRect, s.opts.MorphologyKernel)
	defer morph.Close()
	gocv.MorphologyEx(mask, &mask, gocv.MorphClose, morph)
	gocv.MorphologyEx(mask, &mask, gocv.MorphOpen, morph)

	dilation := gocv.GetStructuringElement(gocv.MorphRect, s.opts.DilationKernel)
	defer dilation.Close()
	for i := 0; i < s.opts.DilationIterations; i++ {
		gocv.Dilate(mask, &mask, dilation)
	}
	return mask, nil
}

// upsample resizes the 0/1 mask to size with cubic interpolation. Values may
// overshoot the [0,1] range near edges.
func upsample(mask gocv.Mat, size image.Point) ([]float32, error) {
	f := gocv.NewMat()
	defer f.Close()
	mask.ConvertTo(&f, gocv.MatTypeCV32F)

	up := gocv.NewMat()
	defer up.Close()
	gocv.Resize(f, &up, size, 0, 0, gocv.InterpolationCubic)

	t, err := imageio.TensorFromMat(up)
	if err != nil {
		return nil, fmt.Errorf("failed to read upsampled mask: %w", err)
	}
	return t.Data, nil
}

func writeGray(path string, size image.Point, pix []uint8) error {
	m, err := imageio.GrayMat(size.Y, size.X, pix)
	if err != nil {
		return err
	}
	defer m.Close()
	if ok := gocv.IMWrite(path, m); !ok {
		return fmt.Errorf("failed to write %s", path)
	}
	return nil
}

func clampByte(v float32) uint8 {
	switch {
	case v <= 0:
		return 0
	case v >= 255:
		return 255
	}
	return uint8(v + 0.5)
}
