// Package lime explains classifier decisions on chest X-ray images by fitting
// a weighted linear surrogate over superpixel perturbations.
package lime

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"math"
	"math/rand"
	"slices"

	"gonum.org/v1/gonum/mat"

	"github.com/Brownie44l1/xray-server/internal/imageio"
	"github.com/Brownie44l1/xray-server/internal/model"
	"github.com/Brownie44l1/xray-server/internal/pipeline"
	"github.com/Brownie44l1/xray-server/internal/preprocess"
	"github.com/Brownie44l1/xray-server/internal/tensor"
)

const DefaultPrefix = "explanation_lime_"

type Options struct {
	KernelWidth      float64          `json:"kernel_width"`
	FeatureSelection FeatureSelection `json:"feature_selection"`
	// NumFeatures caps the superpixels that enter the surrogate.
	NumFeatures int `json:"num_features"`
	// NumSamples is the size of the perturbation neighbourhood, including
	// the unperturbed image.
	NumSamples int `json:"num_samples"`
	// ExplanationFeatures is how many superpixels are highlighted.
	ExplanationFeatures int               `json:"explanation_features"`
	Prefix              string            `json:"prefix"`
	Seed                int64             `json:"seed"`
	Superpixel          SuperpixelOptions `json:"superpixel"`
	ImageSize           image.Point       `json:"-"`
}

func DefaultOptions() Options {
	return Options{
		KernelWidth:         4,
		FeatureSelection:    LassoPath,
		NumFeatures:         1000,
		NumSamples:          20,
		ExplanationFeatures: 10,
		Prefix:              DefaultPrefix,
		Superpixel:          DefaultSuperpixelOptions(),
		ImageSize:           preprocess.DefaultSize,
	}
}

func (o Options) Validate() error {
	var errs []error
	if o.KernelWidth <= 0 {
		errs = append(errs, fmt.Errorf("kernel width %v must be positive", o.KernelWidth))
	}
	if !o.FeatureSelection.Valid() {
		errs = append(errs, fmt.Errorf("unknown feature selection %q", o.FeatureSelection))
	}
	if o.NumFeatures < 1 {
		errs = append(errs, fmt.Errorf("num features %d must be at least 1", o.NumFeatures))
	}
	if o.NumSamples < 2 {
		errs = append(errs, fmt.Errorf("num samples %d must be at least 2", o.NumSamples))
	}
	if o.ExplanationFeatures < 1 {
		errs = append(errs, fmt.Errorf("explanation features %d must be at least 1", o.ExplanationFeatures))
	}
	if o.Superpixel.KernelSize <= 0 || o.Superpixel.MaxDist <= 0 || o.Superpixel.Ratio < 0 || o.Superpixel.Sigma < 0 {
		errs = append(errs, fmt.Errorf("invalid superpixel options %+v", o.Superpixel))
	}
	if o.ImageSize.X <= 0 || o.ImageSize.Y <= 0 {
		errs = append(errs, fmt.Errorf("image size %v must be positive", o.ImageSize))
	}
	return errors.Join(errs...)
}

// FeatureWeight is the surrogate coefficient of one superpixel.
type FeatureWeight struct {
	Segment int
	Weight  float64
}

// Explanation is the outcome of one LIME run.
type Explanation struct {
	Path  string
	Label int
	// Features are sorted by decreasing absolute weight.
	Features        []FeatureWeight
	Intercept       float64
	Score           float64
	LocalPrediction float64
	Segments        *Segmentation
}

type Explainer struct {
	model  model.Predictor
	opts   Options
	pre    *preprocess.Preprocessor
	logger *slog.Logger
}

func New(p model.Predictor, opts Options, logger *slog.Logger) (*Explainer, error) {
	if p == nil {
		return nil, errors.New("classification model cannot be nil")
	}
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid lime options: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Explainer{model: p, opts: opts, pre: preprocess.New(opts.ImageSize), logger: logger}, nil
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

// Explain writes the explanation image for path and returns its location.
func (e *Explainer) Explain(ctx context.Context, path, displayPath string) (string, error) {
	exp, err := e.ExplainInstance(ctx, path, displayPath)
	if err != nil {
		return "", err
	}
	return exp.Path, nil
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

// ExplainInstance runs LIME for the image at path, renders the top
// superpixels over displayPath (or path when empty) and writes
// <dir(path)>/<prefix><base(path)>.
func (e *Explainer) ExplainInstance(ctx context.Context, path, displayPath string) (*Explanation, error) {
	raw, err := e.pre.Load(path)
	if err != nil {
		return nil, err
	}
	underlay := raw
	if displayPath != "" {
		if underlay, err = e.pre.Load(displayPath); err != nil {
			return nil, err
		}
	}
	std := preprocess.Standardize(raw).Squeeze()

	segments, err := Quickshift(std, e.opts.Superpixel, e.opts.Seed)
	if err != nil {
		return nil, fmt.Errorf("failed to segment %s: %w", path, err)
	}

	data := e.sample(segments.N)
	labels, err := e.predictNeighbourhood(ctx, std, segments, data)
	if err != nil {
		return nil, fmt.Errorf("failed to predict perturbations of %s: %w", path, err)
	}

	exp, err := e.fit(data, labels)
	if err != nil {
		return nil, err
	}
	exp.Segments = segments

	rendered, err := Render(underlay.Squeeze(), segments, exp.Features, e.opts.ExplanationFeatures)
	if err != nil {
		return nil, err
	}
	out := pipeline.ExplanationPath(path, e.opts.Prefix)
	if err := imageio.Save(out, rendered); err != nil {
		return nil, err
	}
	exp.Path = out

	e.logger.Info("lime explanation written",
		"path", out, "label", exp.Label, "segments", segments.N, "score", exp.Score)
	return exp, nil
}

// sample draws NumSamples binary superpixel masks. Row 0 keeps every
// superpixel.
func (e *Explainer) sample(features int) *mat.Dense {
	rng := rand.New(rand.NewSource(e.opts.Seed))
	data := mat.NewDense(e.opts.NumSamples, features, nil)
	for j := 0; j < features; j++ {
		data.Set(0, j, 1)
	}
	for i := 1; i < e.opts.NumSamples; i++ {
		for j := 0; j < features; j++ {
			data.Set(i, j, float64(rng.Intn(2)))
		}
	}
	return data
}

// predictNeighbourhood classifies every perturbation. Hidden superpixels take
// their mean colour.
func (e *Explainer) predictNeighbourhood(ctx context.Context, img *tensor.Tensor, seg *Segmentation, data *mat.Dense) ([][]float64, error) {
	fudged := segmentMeans(img, seg)
	rows, _ := data.Dims()
	labels := make([][]float64, rows)
	for i := 0; i < rows; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		perturbed := img.Clone()
		for p, s := range seg.Labels {
			if data.At(i, s) == 0 {
				copy(perturbed.Data[p*3:p*3+3], fudged.Data[p*3:p*3+3])
			}
		}
		out, err := e.model.Predict(ctx, perturbed.Batch())
		if err != nil {
			return nil, err
		}
		labels[i] = probabilities(out.Row())
	}
	return labels, nil
}

// probabilities expands a single sigmoid output into two classes.
func probabilities(row []float32) []float64 {
	if len(row) == 1 {
		return []float64{1 - float64(row[0]), float64(row[0])}
	}
	out := make([]float64, len(row))
	for i, v := range row {
		out[i] = float64(v)
	}
	return out
}

func segmentMeans(img *tensor.Tensor, seg *Segmentation) *tensor.Tensor {
	sums := make([][3]float64, seg.N)
	counts := make([]int, seg.N)
	for p, s := range seg.Labels {
		for c := 0; c < 3; c++ {
			sums[s][c] += float64(img.Data[p*3+c])
		}
		counts[s]++
	}
	out := img.Clone()
	for p, s := range seg.Labels {
		for c := 0; c < 3; c++ {
			out.Data[p*3+c] = float32(sums[s][c] / float64(counts[s]))
		}
	}
	return out
}

// fit explains the top label of the unperturbed image.
func (e *Explainer) fit(data *mat.Dense, labels [][]float64) (*Explanation, error) {
	if len(labels[0]) == 0 {
		return nil, errors.New("model produced no scores")
	}
	label := 0
	for i, v := range labels[0] {
		if v > labels[0][label] {
			label = i
		}
	}
	y := make([]float64, len(labels))
	for i, row := range labels {
		if label >= len(row) {
			return nil, fmt.Errorf("perturbation %d has %d scores", i, len(row))
		}
		y[i] = row[label]
	}
	weights := Kernel(CosineDistances(data), e.opts.KernelWidth)

	used, err := SelectFeatures(e.opts.FeatureSelection, data, y, weights, e.opts.NumFeatures)
	if err != nil {
		return nil, err
	}
	exp := &Explanation{Label: label}
	if len(used) == 0 {
		exp.Intercept = weightedMean(y, weights)
		exp.LocalPrediction = exp.Intercept
		return exp, nil
	}

	sub := columns(data, used)
	surrogate, err := FitRidge(sub, y, weights, 1)
	if err != nil {
		return nil, err
	}
	exp.Intercept = surrogate.Intercept
	exp.Score = surrogate.Score(sub, y, weights)
	exp.LocalPrediction = surrogate.Predict(mat.Row(nil, 0, sub))
	for j, f := range used {
		exp.Features = append(exp.Features, FeatureWeight{Segment: f, Weight: surrogate.Coef[j]})
	}
	slices.SortStableFunc(exp.Features, func(a, b FeatureWeight) int {
		return cmpDesc(math.Abs(a.Weight), math.Abs(b.Weight))
	})
	return exp, nil
}

func weightedMean(y, w []float64) float64 {
	var s, t float64
	for i := range y {
		s += y[i] * w[i]
		t += w[i]
	}
	if t == 0 {
		return 0
	}
	return s / t
}
