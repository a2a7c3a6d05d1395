package model

import (
	"context"

	"github.com/Brownie44l1/xray-server/internal/tensor"
)

// Predictor is the read-only inference capability shared by every worker.
// Implementations must be safe for concurrent Predict calls.
type Predictor interface {
	Predict(ctx context.Context, input *tensor.Tensor) (*tensor.Tensor, error)
	InputShape() []int64
}

// Layer describes one internal layer of a network.
type Layer struct {
	Name        string  `json:"name"`
	OutputShape []int64 `json:"output_shape"`
}

// Activation is the result of a gradient pass for one layer.
type Activation struct {
	Activations *tensor.Tensor // layer output, [1,H,W,C]
	Gradients   *tensor.Tensor // d score / d activations, same shape
	Predictions *tensor.Tensor // final model output
	ClassIndex  int            // class whose score was differentiated
}

// GradientModel is a Predictor that can also differentiate a class score with
// respect to an internal layer.
type GradientModel interface {
	Predictor
	Layers() []Layer
	// Gradients differentiates the score of classIndex. A negative
	// classIndex selects the predicted class.
	Gradients(ctx context.Context, input *tensor.Tensor, layer string, classIndex int) (*Activation, error)
}

// Metadata is the JSON sidecar that accompanies every exported model.
type Metadata struct {
	InputName   string        `json:"input_name"`
	OutputName  string        `json:"output_name"`
	InputShape  []int64       `json:"input_shape"`
	OutputShape []int64       `json:"output_shape"`
	Classes     []string      `json:"classes"`
	ImageSize   int           `json:"image_size"`
	Layers      []Layer       `json:"layers"`
	Gradients   *GradientSpec `json:"gradients,omitempty"`
}

// GradientSpec describes a companion graph exported with gradient outputs.
// The graph takes the image input plus a one-hot class selector and returns,
// per layer, the layer activations and the gradient of the selected score.
type GradientSpec struct {
	ModelPath        string                     `json:"model_path"`
	ClassInput       string                     `json:"class_input"`
	PredictionOutput string                     `json:"prediction_output"`
	Outputs          map[string]GradientOutputs `json:"outputs"`
}

type GradientOutputs struct {
	Activation string `json:"activation"`
	Gradient   string `json:"gradient"`
}

func (m *Metadata) applyDefaults() {
	if m.InputName == "" {
		m.InputName = "input"
	}
	if m.OutputName == "" {
		m.OutputName = "output"
	}
	if m.Gradients != nil && m.Gradients.ClassInput == "" {
		m.Gradients.ClassInput = "class_mask"
	}
	if m.Gradients != nil && m.Gradients.PredictionOutput == "" {
		m.Gradients.PredictionOutput = m.OutputName
	}
}

func (m *Metadata) layer(name string) (Layer, bool) {
	for _, l := range m.Layers {
		if l.Name == name {
			return l, true
		}
	}
	return Layer{}, false
}
