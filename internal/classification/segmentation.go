package classification

import (
	"context"
	"errors"

	"github.com/Brownie44l1/xray-server/internal/pipeline"
)

// SegmentationClassifier classifies the lung-masked version of an image.
type SegmentationClassifier struct {
	masker     Masker
	classifier PathClassifier
}

func NewSegmentationClassifier(m Masker, c PathClassifier) (*SegmentationClassifier, error) {
	if m == nil || c == nil {
		return nil, errors.New("segmentation classifier needs a masker and a classifier")
	}
	return &SegmentationClassifier{masker: m, classifier: c}, nil
}

// Classify masks the image at path and classifies the masked image.
func (s *SegmentationClassifier) Classify(ctx context.Context, path string) (Distribution, error) {
	if err := pipeline.ValidatePath(path); err != nil {
		return nil, err
	}
	masked, err := s.masker.Mask(ctx, path)
	if err != nil {
		return nil, err
	}
	return s.classifier.Classify(ctx, masked)
}

func (s *SegmentationClassifier) ClassifyBatch(ctx context.Context, paths []string) ([]Distribution, error) {
	return classifyAll(ctx, s, paths)
}
