package lime

import (
	"fmt"
	"image"

	"github.com/Brownie44l1/xray-server/internal/imageio"
	"github.com/Brownie44l1/xray-server/internal/tensor"
)

// Render highlights the top n superpixels of features on an [H,W,3] image.
// Superpixels with positive weight get their green channel raised to the
// image maximum, negative ones their red channel. The outline of the
// highlighted region is drawn in yellow.
func Render(img *tensor.Tensor, seg *Segmentation, features []FeatureWeight, n int) (*image.NRGBA, error) {
	h, w, c, err := img.Image()
	if err != nil {
		return nil, err
	}
	if c != 3 || h != seg.Height || w != seg.Width {
		return nil, fmt.Errorf("image %v does not match %dx%d segmentation", img.Shape, seg.Width, seg.Height)
	}

	var peak float32
	for _, v := range img.Data {
		peak = max(peak, v)
	}

	sign := make(map[int]int8, n)
	for _, f := range features[:min(n, len(features))] {
		if f.Weight < 0 {
			sign[f.Segment] = -1
		} else {
			sign[f.Segment] = 1
		}
	}

	out := img.Clone()
	mask := make([]int8, h*w)
	for p, s := range seg.Labels {
		v, ok := sign[s]
		if !ok {
			continue
		}
		mask[p] = v
		ch := 1
		if v < 0 {
			ch = 0
		}
		out.Data[p*3+ch] = peak
	}

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if boundary(mask, w, h, x, y) {
				p := (y*w + x) * 3
				out.Data[p], out.Data[p+1], out.Data[p+2] = 255, 255, 0
			}
		}
	}
	return imageio.ToNRGBA(out)
}

// boundary reports whether (x,y) has a 4-neighbour with a different mask value.
func boundary(mask []int8, w, h, x, y int) bool {
	v := mask[y*w+x]
	for _, d := range [4][2]int{{1, 0}, {-1, 0}, {0, 1}, {0, -1}} {
		nx, ny := x+d[0], y+d[1]
		if nx < 0 || ny < 0 || nx >= w || ny >= h {
			continue
		}
		if mask[ny*w+nx] != v {
			return true
		}
	}
	return false
}
