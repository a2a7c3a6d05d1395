package lime

import (
	"fmt"
	"image"
	"math"
	"math/rand"
	"slices"

	"github.com/lucasb-eyer/go-colorful"
	"gocv.io/x/gocv"

	"github.com/Brownie44l1/xray-server/internal/imageio"
	"github.com/Brownie44l1/xray-server/internal/tensor"
)

// SuperpixelOptions parameterize quickshift segmentation.
type SuperpixelOptions struct {
	// KernelSize is the width of the Gaussian used for density estimation.
	KernelSize float64 `json:"kernel_size"`
	// MaxDist cuts links to parents further away than this.
	MaxDist float64 `json:"max_dist"`
	// Ratio weighs colour distance against spatial distance.
	Ratio float64 `json:"ratio"`
	// Sigma is the smoothing applied before segmentation.
	Sigma float64 `json:"sigma"`
}

func DefaultSuperpixelOptions() SuperpixelOptions {
	return SuperpixelOptions{KernelSize: 2.25, MaxDist: 50, Ratio: 0.1, Sigma: 0.15}
}

// Segmentation labels every pixel of an image with a superpixel id in [0,N).
type Segmentation struct {
	Width, Height int
	Labels        []int
	N             int
}

// At returns the superpixel id at (x,y).
func (s *Segmentation) At(x, y int) int { return s.Labels[y*s.Width+x] }

// Quickshift segments an [H,W,3] or [1,H,W,3] image in CIE-Lab space. The
// image may have any value range; it is rescaled to [0,1] first.
func Quickshift(img *tensor.Tensor, opts SuperpixelOptions, seed int64) (*Segmentation, error) {
	h, w, c, err := img.Image()
	if err != nil {
		return nil, err
	}
	if c != 3 {
		return nil, fmt.Errorf("quickshift needs 3 channels, got %d", c)
	}
	if opts.KernelSize <= 0 {
		return nil, fmt.Errorf("kernel size %v must be positive", opts.KernelSize)
	}

	lab, err := labFeatures(img, h, w, opts)
	if err != nil {
		return nil, err
	}

	rng := rand.New(rand.NewSource(seed))
	density := densities(lab, h, w, opts.KernelSize, rng)
	parent := parents(lab, density, h, w, opts)

	// follow links until every pixel points at its root
	for changed := true; changed; {
		changed = false
		for i, p := range parent {
			if pp := parent[p]; pp != p {
				parent[i] = pp
				changed = true
			}
		}
	}

	roots := slices.Clone(parent)
	slices.Sort(roots)
	roots = slices.Compact(roots)
	ids := make(map[int]int, len(roots))
	for i, r := range roots {
		ids[r] = i
	}
	labels := make([]int, len(parent))
	for i, p := range parent {
		labels[i] = ids[p]
	}
	return &Segmentation{Width: w, Height: h, Labels: labels, N: len(roots)}, nil
}

// labFeatures converts the image to smoothed, ratio-scaled Lab features.
func labFeatures(img *tensor.Tensor, h, w int, opts SuperpixelOptions) ([]float32, error) {
	lo, hi := img.Data[0], img.Data[0]
	for _, v := range img.Data {
		lo = min(lo, v)
		hi = max(hi, v)
	}
	scale := float32(0)
	if hi > lo {
		scale = 1 / (hi - lo)
	}

	lab := tensor.New(int64(h), int64(w), 3)
	for p := 0; p < h*w; p++ {
		rgb := img.Data[p*3 : p*3+3]
		l, a, b := colorful.Color{
			R: float64((rgb[0] - lo) * scale),
			G: float64((rgb[1] - lo) * scale),
			B: float64((rgb[2] - lo) * scale),
		}.Lab()
		lab.Data[p*3] = float32(l * 100)
		lab.Data[p*3+1] = float32(a * 100)
		lab.Data[p*3+2] = float32(b * 100)
	}

	if opts.Sigma > 0 {
		src, err := imageio.MatFromTensor(lab)
		if err != nil {
			return nil, err
		}
		defer src.Close()
		blurred := gocv.NewMat()
		defer blurred.Close()
		gocv.GaussianBlur(src, &blurred, image.Point{}, opts.Sigma, opts.Sigma, gocv.BorderDefault)
		if lab, err = imageio.TensorFromMat(blurred); err != nil {
			return nil, err
		}
	}

	ratio := float32(opts.Ratio)
	for i := range lab.Data {
		lab.Data[i] *= ratio
	}
	return lab.Data, nil
}

func window(i, radius, n int) (int, int) {
	return max(i-radius, 0), min(i+radius+1, n)
}

func dist2(feat []float32, w, r, c, r2, c2 int) float64 {
	p, q := (r*w+c)*3, (r2*w+c2)*3
	var d float64
	for k := 0; k < 3; k++ {
		diff := float64(feat[p+k] - feat[q+k])
		d += diff * diff
	}
	dr, dc := float64(r-r2), float64(c-c2)
	return d + dr*dr + dc*dc
}

// densities estimates a Parzen density per pixel, jittered so ties break
// deterministically for a given seed.
func densities(feat []float32, h, w int, kernelSize float64, rng *rand.Rand) []float64 {
	radius := int(math.Ceil(3 * kernelSize))
	inv := -0.5 / (kernelSize * kernelSize)
	out := make([]float64, h*w)
	for r := 0; r < h; r++ {
		r0, r1 := window(r, radius, h)
		for c := 0; c < w; c++ {
			c0, c1 := window(c, radius, w)
			var d float64
			for rr := r0; rr < r1; rr++ {
				for cc := c0; cc < c1; cc++ {
					d += math.Exp(dist2(feat, w, r, c, rr, cc) * inv)
				}
			}
			out[r*w+c] = d
		}
	}
	for i := range out {
		out[i] += rng.NormFloat64() * 1e-5
	}
	return out
}

// parents links every pixel to its nearest neighbour of higher density. A
// pixel without one, or whose nearest is beyond MaxDist, is a root.
func parents(feat []float32, density []float64, h, w int, opts SuperpixelOptions) []int {
	radius := int(math.Ceil(3 * opts.KernelSize))
	parent := make([]int, h*w)
	for r := 0; r < h; r++ {
		r0, r1 := window(r, radius, h)
		for c := 0; c < w; c++ {
			c0, c1 := window(c, radius, w)
			self := r*w + c
			parent[self] = self
			closest := math.Inf(1)
			for rr := r0; rr < r1; rr++ {
				for cc := c0; cc < c1; cc++ {
					if density[rr*w+cc] <= density[self] {
						continue
					}
					if d := dist2(feat, w, r, c, rr, cc); d < closest {
						closest = d
						parent[self] = rr*w + cc
					}
				}
			}
			if math.Sqrt(closest) > opts.MaxDist {
				parent[self] = self
			}
		}
	}
	return parent
}
