// Package imageio provides the image decode/encode capabilities used by the
// pipelines and the conversions between images, tensors and gocv matrices.
package imageio

import (
	"fmt"
	"image"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"

	"github.com/Brownie44l1/xray-server/internal/tensor"
)

// Load decodes the image at path. PNG, JPEG, GIF, TIFF, BMP and WebP are supported.
func Load(path string) (image.Image, error) {
	img, err := imaging.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load image %s: %w", path, err)
	}
	return img, nil
}

// Save encodes img in the format implied by the extension of path, creating
// the parent directory if needed.
func Save(path string, img image.Image) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	if err := imaging.Save(img, path); err != nil {
		return fmt.Errorf("failed to save image %s: %w", path, err)
	}
	return nil
}

// ToTensor converts img to an [H,W,3] RGB tensor with values in 0..255.
func ToTensor(img image.Image) *tensor.Tensor {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	t := tensor.New(int64(h), int64(w), 3)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			i := (y*w + x) * 3
			t.Data[i] = float32(r >> 8)
			t.Data[i+1] = float32(g >> 8)
			t.Data[i+2] = float32(bl >> 8)
		}
	}
	return t
}

// ToNRGBA converts an [H,W,3] (or batched) tensor with values in 0..255 back
// to an image, clamping out-of-range values.
func ToNRGBA(t *tensor.Tensor) (*image.NRGBA, error) {
	h, w, c, err := t.Image()
	if err != nil {
		return nil, err
	}
	if c != 3 && c != 1 {
		return nil, fmt.Errorf("cannot convert %d-channel tensor to an image", c)
	}
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := (y*w + x) * c
			o := img.PixOffset(x, y)
			for ch := 0; ch < 3; ch++ {
				v := t.Data[i]
				if c == 3 {
					v = t.Data[i+ch]
				}
				img.Pix[o+ch] = clamp8(v)
			}
			img.Pix[o+3] = 0xff
		}
	}
	return img, nil
}

func clamp8(v float32) uint8 {
	switch {
	case v <= 0:
		return 0
	case v >= 255:
		return 255
	}
	return uint8(v + 0.5)
}
