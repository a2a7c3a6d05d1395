// Package tensor holds the dense float32 arrays passed between pipeline stages
// and prediction models.
package tensor

import (
	"fmt"
)

// Tensor is a row-major float32 array. Image tensors use NHWC (or HWC) layout
// so that Data can be handed to an ONNX session without reordering.
type Tensor struct {
	Shape []int64
	Data  []float32
}

// New allocates a zero tensor of the given shape.
func New(shape ...int64) *Tensor {
	return &Tensor{Shape: append([]int64(nil), shape...), Data: make([]float32, Size(shape))}
}

// FromData wraps data without copying. The length must match the shape.
func FromData(data []float32, shape ...int64) (*Tensor, error) {
	if n := Size(shape); int64(len(data)) != n {
		return nil, fmt.Errorf("data length %d does not match shape %v (%d)", len(data), shape, n)
	}
	return &Tensor{Shape: append([]int64(nil), shape...), Data: data}, nil
}

// Size returns the number of elements described by shape.
func Size(shape []int64) int64 {
	n := int64(1)
	for _, d := range shape {
		n *= d
	}
	return n
}

// Len returns the number of elements.
func (t *Tensor) Len() int { return len(t.Data) }

// Rank returns the number of dimensions.
func (t *Tensor) Rank() int { return len(t.Shape) }

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{
		Shape: append([]int64(nil), t.Shape...),
		Data:  append([]float32(nil), t.Data...),
	}
}

// Image returns height, width and channels for a [1,H,W,C], [H,W,C],
// [1,H,W] or [H,W] tensor.
func (t *Tensor) Image() (h, w, c int, err error) {
	s := t.Shape
	switch {
	case len(s) == 4 && s[0] == 1:
		return int(s[1]), int(s[2]), int(s[3]), nil
	case len(s) == 3 && s[0] == 1:
		return int(s[1]), int(s[2]), 1, nil
	case len(s) == 3:
		return int(s[0]), int(s[1]), int(s[2]), nil
	case len(s) == 2:
		return int(s[0]), int(s[1]), 1, nil
	}
	return 0, 0, 0, fmt.Errorf("shape %v is not an image tensor", s)
}

// Squeeze drops a leading batch dimension of size one. The data is shared.
func (t *Tensor) Squeeze() *Tensor {
	if len(t.Shape) > 1 && t.Shape[0] == 1 {
		return &Tensor{Shape: append([]int64(nil), t.Shape[1:]...), Data: t.Data}
	}
	return t
}

// Batch prepends a batch dimension of size one. The data is shared.
func (t *Tensor) Batch() *Tensor {
	return &Tensor{Shape: append([]int64{1}, t.Shape...), Data: t.Data}
}

// Row returns the scores of the first batch item of a [1,N] or [N] tensor.
func (t *Tensor) Row() []float32 {
	if len(t.Shape) == 0 {
		return t.Data
	}
	n := t.Shape[len(t.Shape)-1]
	if int64(len(t.Data)) < n {
		return t.Data
	}
	return t.Data[:n]
}

// ArgMax returns the index of the largest value, or -1 for an empty slice.
func ArgMax(v []float32) int {
	idx := -1
	for i, x := range v {
		if idx < 0 || x > v[idx] {
			idx = i
		}
	}
	return idx
}
