// Package classification maps chest X-ray images to class probability
// distributions, optionally after lung segmentation.
package classification

import (
	"context"
	"errors"
	"fmt"
	"image"

	"github.com/Brownie44l1/xray-server/internal/model"
	"github.com/Brownie44l1/xray-server/internal/preprocess"
)

// Classifier runs a classification network over single images.
type Classifier struct {
	model   model.Predictor
	classes []string
	pre     *preprocess.Preprocessor
}

func NewClassifier(p model.Predictor, classes []string, size image.Point) (*Classifier, error) {
	if p == nil {
		return nil, errors.New("classification model cannot be nil")
	}
	if len(classes) == 0 {
		return nil, errors.New("class list cannot be empty")
	}
	return &Classifier{
		model:   p,
		classes: append([]string(nil), classes...),
		pre:     preprocess.New(size),
	}, nil
}

// Classes returns the ordered class list.
func (c *Classifier) Classes() []string { return append([]string(nil), c.classes...) }

// Classify preprocesses the image at path and returns the predicted
// distribution over the class list.
func (c *Classifier) Classify(ctx context.Context, path string) (Distribution, error) {
	input, err := c.pre.Preprocess(path)
	if err != nil {
		return nil, err
	}

	out, err := c.model.Predict(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to classify %s: %w", path, err)
	}
	return NewDistribution(c.classes, out.Row())
}

// ClassifyBatch classifies paths in order and stops at the first failure.
func (c *Classifier) ClassifyBatch(ctx context.Context, paths []string) ([]Distribution, error) {
	return classifyAll(ctx, c, paths)
}

// PathClassifier is anything that classifies an image file.
type PathClassifier interface {
	Classify(ctx context.Context, path string) (Distribution, error)
}

// Masker produces a masked copy of an image file and returns its path.
type Masker interface {
	Mask(ctx context.Context, path string) (string, error)
}

func classifyAll(ctx context.Context, c PathClassifier, paths []string) ([]Distribution, error) {
	out := make([]Distribution, 0, len(paths))
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		d, err := c.Classify(ctx, p)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}
