package model

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/Brownie44l1/xray-server/internal/tensor"
)

var (
	envMu   sync.Mutex
	envRefs int
)

// InitRuntime loads the ONNX Runtime shared library once per process.
// Every successful call must be paired with ReleaseRuntime.
func InitRuntime(libPath string) error {
	envMu.Lock()
	defer envMu.Unlock()

	if envRefs == 0 {
		if libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return fmt.Errorf("failed to initialize ONNX environment: %w", err)
		}
	}
	envRefs++
	return nil
}

// ReleaseRuntime destroys the environment after the last release.
func ReleaseRuntime() {
	envMu.Lock()
	defer envMu.Unlock()

	if envRefs == 0 {
		return
	}
	envRefs--
	if envRefs == 0 {
		ort.DestroyEnvironment()
	}
}

// Model runs an exported network through ONNX Runtime. Tensors are allocated
// per call, so one Model can serve any number of goroutines.
type Model struct {
	session  *ort.DynamicAdvancedSession
	grads    map[string]*ort.DynamicAdvancedSession
	Metadata Metadata
	path     string
}

// MetadataPath returns the sidecar path used when none is given: model.onnx -> model.json.
func MetadataPath(modelPath string) string {
	return strings.TrimSuffix(modelPath, filepath.Ext(modelPath)) + ".json"
}

// Load opens modelPath and its metadata sidecar. InitRuntime must have been
// called. Every failure is returned as a *ModelLoadError.
func Load(modelPath, metadataPath string) (*Model, error) {
	if err := checkFile(modelPath); err != nil {
		return nil, &ModelLoadError{Path: modelPath, Err: err}
	}
	if metadataPath == "" {
		metadataPath = MetadataPath(modelPath)
	}

	metadata, err := ReadMetadata(metadataPath)
	if err != nil {
		return nil, &ModelLoadError{Path: modelPath, Err: err}
	}

	session, err := ort.NewDynamicAdvancedSession(modelPath,
		[]string{metadata.InputName}, []string{metadata.OutputName}, nil)
	if err != nil {
		return nil, &ModelLoadError{Path: modelPath, Err: fmt.Errorf("failed to create ONNX session: %w", err)}
	}

	m := &Model{
		session:  session,
		grads:    make(map[string]*ort.DynamicAdvancedSession),
		Metadata: *metadata,
		path:     modelPath,
	}

	if spec := metadata.Gradients; spec != nil {
		gradPath := spec.ModelPath
		if !filepath.IsAbs(gradPath) {
			gradPath = filepath.Join(filepath.Dir(metadataPath), gradPath)
		}
		if err := checkFile(gradPath); err != nil {
			m.Close()
			return nil, &ModelLoadError{Path: gradPath, Err: err}
		}
		for layer, out := range spec.Outputs {
			s, err := ort.NewDynamicAdvancedSession(gradPath,
				[]string{metadata.InputName, spec.ClassInput},
				[]string{out.Activation, out.Gradient, spec.PredictionOutput}, nil)
			if err != nil {
				m.Close()
				return nil, &ModelLoadError{Path: gradPath, Err: fmt.Errorf("failed to create gradient session for %s: %w", layer, err)}
			}
			m.grads[layer] = s
		}
	}

	return m, nil
}

// ReadMetadata parses a model metadata sidecar.
func ReadMetadata(path string) (*Metadata, error) {
	metaFile, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}

	var metadata Metadata
	if err := json.Unmarshal(metaFile, &metadata); err != nil {
		return nil, fmt.Errorf("failed to parse metadata: %w", err)
	}
	if len(metadata.InputShape) == 0 || len(metadata.OutputShape) == 0 {
		return nil, fmt.Errorf("metadata %s must declare input_shape and output_shape", path)
	}
	metadata.applyDefaults()
	return &metadata, nil
}

func checkFile(path string) error {
	if path == "" {
		return fmt.Errorf("model path cannot be an empty string")
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	return nil
}

func (m *Model) InputShape() []int64 { return append([]int64(nil), m.Metadata.InputShape...) }

func (m *Model) Layers() []Layer { return append([]Layer(nil), m.Metadata.Layers...) }

// Predict runs the main graph once.
func (m *Model) Predict(ctx context.Context, input *tensor.Tensor) (*tensor.Tensor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	in, err := ort.NewTensor(ort.NewShape(m.Metadata.InputShape...), input.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer in.Destroy()

	out, err := ort.NewEmptyTensor[float32](ort.NewShape(m.Metadata.OutputShape...))
	if err != nil {
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}
	defer out.Destroy()

	if err := m.session.Run([]ort.ArbitraryTensor{in}, []ort.ArbitraryTensor{out}); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	return copyOut(out, m.Metadata.OutputShape), nil
}

// HasGradients reports whether the gradient graph exports layer.
func (m *Model) HasGradients(layer string) bool {
	_, ok := m.grads[layer]
	return ok
}

// Gradients runs the companion gradient graph for layer.
func (m *Model) Gradients(ctx context.Context, input *tensor.Tensor, layer string, classIndex int) (*Activation, error) {
	session, ok := m.grads[layer]
	if !ok {
		return nil, fmt.Errorf("model %s exports no gradients for layer %q", m.path, layer)
	}
	info, ok := m.Metadata.layer(layer)
	if !ok {
		return nil, fmt.Errorf("model %s has no layer %q", m.path, layer)
	}

	if classIndex < 0 {
		pred, err := m.Predict(ctx, input)
		if err != nil {
			return nil, err
		}
		classIndex = tensor.ArgMax(pred.Row())
	}

	numClasses := m.Metadata.OutputShape[len(m.Metadata.OutputShape)-1]
	if int64(classIndex) >= numClasses {
		return nil, fmt.Errorf("class index %d out of range for %d outputs", classIndex, numClasses)
	}
	selector := make([]float32, numClasses)
	selector[classIndex] = 1

	in, err := ort.NewTensor(ort.NewShape(m.Metadata.InputShape...), input.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer in.Destroy()

	sel, err := ort.NewTensor(ort.NewShape(1, numClasses), selector)
	if err != nil {
		return nil, fmt.Errorf("failed to create class selector: %w", err)
	}
	defer sel.Destroy()

	outputs := make([]*ort.Tensor[float32], 3)
	shapes := [][]int64{info.OutputShape, info.OutputShape, m.Metadata.OutputShape}
	for i, shape := range shapes {
		t, err := ort.NewEmptyTensor[float32](ort.NewShape(shape...))
		if err != nil {
			return nil, fmt.Errorf("failed to create output tensor: %w", err)
		}
		defer t.Destroy()
		outputs[i] = t
	}

	if err := session.Run(
		[]ort.ArbitraryTensor{in, sel},
		[]ort.ArbitraryTensor{outputs[0], outputs[1], outputs[2]},
	); err != nil {
		return nil, fmt.Errorf("gradient pass failed: %w", err)
	}

	return &Activation{
		Activations: copyOut(outputs[0], info.OutputShape),
		Gradients:   copyOut(outputs[1], info.OutputShape),
		Predictions: copyOut(outputs[2], m.Metadata.OutputShape),
		ClassIndex:  classIndex,
	}, nil
}

func copyOut(t *ort.Tensor[float32], shape []int64) *tensor.Tensor {
	return &tensor.Tensor{
		Shape: append([]int64(nil), shape...),
		Data:  append([]float32(nil), t.GetData()...),
	}
}

func (m *Model) Close() {
	for _, s := range m.grads {
		s.Destroy()
	}
	if m.session != nil {
		m.session.Destroy()
	}
}
