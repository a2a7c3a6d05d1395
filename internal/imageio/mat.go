package imageio

import (
	"encoding/binary"
	"fmt"
	"math"

	"gocv.io/x/gocv"

	"github.com/Brownie44l1/xray-server/internal/tensor"
)

// MatFromTensor copies a 1- or 3-channel image tensor into a CV_32F matrix.
// The caller owns the returned Mat and must Close it.
func MatFromTensor(t *tensor.Tensor) (gocv.Mat, error) {
	h, w, c, err := t.Image()
	if err != nil {
		return gocv.NewMat(), err
	}

	var mt gocv.MatType
	switch c {
	case 1:
		mt = gocv.MatTypeCV32F
	case 3:
		mt = gocv.MatTypeCV32FC3
	default:
		return gocv.NewMat(), fmt.Errorf("unsupported channel count %d", c)
	}

	buf := make([]byte, 4*len(t.Data))
	for i, v := range t.Data {
		binary.NativeEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return gocv.NewMatFromBytes(h, w, mt, buf)
}

// TensorFromMat copies a continuous CV_32F matrix into an [H,W,C] tensor.
func TensorFromMat(m gocv.Mat) (*tensor.Tensor, error) {
	if m.Empty() {
		return nil, fmt.Errorf("cannot convert empty matrix")
	}
	data, err := m.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("failed to read matrix data: %w", err)
	}
	return tensor.FromData(append([]float32(nil), data...),
		int64(m.Rows()), int64(m.Cols()), int64(m.Channels()))
}

// GrayMat builds a CV_8U matrix from row-major bytes.
func GrayMat(rows, cols int, pix []uint8) (gocv.Mat, error) {
	if len(pix) != rows*cols {
		return gocv.NewMat(), fmt.Errorf("pixel count %d does not match %dx%d", len(pix), rows, cols)
	}
	return gocv.NewMatFromBytes(rows, cols, gocv.MatTypeCV8U, append([]byte(nil), pix...))
}

// BGRMat converts an RGB image tensor with values in 0..255 into a CV_8UC3
// matrix in OpenCV channel order. Single-channel tensors are replicated.
func BGRMat(t *tensor.Tensor) (gocv.Mat, error) {
	h, w, c, err := t.Image()
	if err != nil {
		return gocv.NewMat(), err
	}
	if c != 1 && c != 3 {
		return gocv.NewMat(), fmt.Errorf("unsupported channel count %d", c)
	}
	buf := make([]byte, h*w*3)
	for p := 0; p < h*w; p++ {
		if c == 1 {
			v := clamp8(t.Data[p])
			buf[p*3], buf[p*3+1], buf[p*3+2] = v, v, v
			continue
		}
		buf[p*3] = clamp8(t.Data[p*3+2])
		buf[p*3+1] = clamp8(t.Data[p*3+1])
		buf[p*3+2] = clamp8(t.Data[p*3])
	}
	return gocv.NewMatFromBytes(h, w, gocv.MatTypeCV8UC3, buf)
}
