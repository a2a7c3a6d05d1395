package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Brownie44l1/xray-server/internal/classification"
	"github.com/Brownie44l1/xray-server/internal/server"
)

// Explainer renders an explanation of the image at path over displayPath and
// returns the written file.
type Explainer interface {
	Explain(ctx context.Context, path, displayPath string) (string, error)
}

// Handler composes the pipelines behind the protocol verbs.
type Handler struct {
	segmenter  classification.Masker
	classifier classification.PathClassifier
	lime       Explainer
	gradcam    Explainer
}

// NewHandler wires the verb handlers. classifier classifies already-masked
// images through the segmenter, see classification.SegmentationClassifier.
func NewHandler(segmenter classification.Masker, classifier classification.PathClassifier, lime, gradcam Explainer) (*Handler, error) {
	if segmenter == nil || classifier == nil || lime == nil || gradcam == nil {
		return nil, errors.New("handler needs a segmenter, a classifier and both explainers")
	}
	return &Handler{
		segmenter:  segmenter,
		classifier: classifier,
		lime:       lime,
		gradcam:    gradcam,
	}, nil
}

// Classify returns the label distribution of the image as a JSON object.
func (h *Handler) Classify(ctx context.Context, imagePath string) (string, error) {
	dist, err := h.classifier.Classify(ctx, imagePath)
	if err != nil {
		return "", err
	}
	body, err := json.Marshal(dist)
	if err != nil {
		return "", fmt.Errorf("failed to encode classification: %w", err)
	}
	return string(body), nil
}

// ExplainLime explains the masked image with LIME over the original.
func (h *Handler) ExplainLime(ctx context.Context, imagePath string) (string, error) {
	return h.explain(ctx, h.lime, imagePath)
}

// ExplainGradCAM explains the masked image with Grad-CAM over the original.
func (h *Handler) ExplainGradCAM(ctx context.Context, imagePath string) (string, error) {
	return h.explain(ctx, h.gradcam, imagePath)
}

func (h *Handler) explain(ctx context.Context, e Explainer, imagePath string) (string, error) {
	masked, err := h.segmenter.Mask(ctx, imagePath)
	if err != nil {
		return "", err
	}
	return e.Explain(ctx, masked, imagePath)
}

// Routes maps every protocol verb to its pipeline.
func (h *Handler) Routes() map[string]server.Pipeline {
	return map[string]server.Pipeline{
		server.VerbClassify:       h.Classify,
		server.VerbExplainLime:    h.ExplainLime,
		server.VerbExplainGradCAM: h.ExplainGradCAM,
	}
}
