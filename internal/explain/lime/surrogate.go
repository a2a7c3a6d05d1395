package lime

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// FeatureSelection names a strategy for choosing which superpixels enter the
// surrogate model.
type FeatureSelection string

const (
	ForwardSelection FeatureSelection = "forward_selection"
	LassoPath        FeatureSelection = "lasso_path"
	HighestWeights   FeatureSelection = "highest_weights"
	NoSelection      FeatureSelection = "none"
	Auto             FeatureSelection = "auto"
)

func (f FeatureSelection) Valid() bool {
	switch f {
	case ForwardSelection, LassoPath, HighestWeights, NoSelection, Auto:
		return true
	}
	return false
}

// alpha used when an unregularized fit is requested, keeps the normal
// equations solvable for collinear columns.
const minAlpha = 1e-10

// Kernel turns cosine distances into sample weights.
func Kernel(distances []float64, width float64) []float64 {
	out := make([]float64, len(distances))
	for i, d := range distances {
		out[i] = math.Sqrt(math.Exp(-(d * d) / (width * width)))
	}
	return out
}

// CosineDistances returns the cosine distance of every row of data to row 0.
// A zero row is at distance 1.
func CosineDistances(data *mat.Dense) []float64 {
	n, _ := data.Dims()
	out := make([]float64, n)
	ref := mat.Row(nil, 0, data)
	refNorm := floats.Norm(ref, 2)
	for i := 0; i < n; i++ {
		row := mat.Row(nil, i, data)
		norm := floats.Norm(row, 2)
		if norm == 0 || refNorm == 0 {
			out[i] = 1
			continue
		}
		out[i] = max(0, 1-floats.Dot(row, ref)/(norm*refNorm))
	}
	return out
}

// Ridge is a fitted weighted ridge regression with intercept.
type Ridge struct {
	Coef      []float64
	Intercept float64
}

// FitRidge minimizes sum w_i (y_i - b - x_i.c)^2 + alpha |c|^2. The intercept
// is not penalized.
func FitRidge(x *mat.Dense, y, w []float64, alpha float64) (*Ridge, error) {
	n, k := x.Dims()
	if len(y) != n || len(w) != n {
		return nil, fmt.Errorf("got %d targets and %d weights for %d samples", len(y), len(w), n)
	}
	if alpha <= 0 {
		alpha = minAlpha
	}

	xs, ys, xMean, yMean := center(x, y, w)
	if k == 0 {
		return &Ridge{Intercept: yMean}, nil
	}

	coef := mat.NewVecDense(k, nil)
	if k <= n {
		var a mat.Dense
		a.Mul(xs.T(), xs)
		for i := 0; i < k; i++ {
			a.Set(i, i, a.At(i, i)+alpha)
		}
		var b mat.VecDense
		b.MulVec(xs.T(), ys)
		if err := solve(coef, &a, &b); err != nil {
			return nil, err
		}
	} else {
		var g mat.Dense
		g.Mul(xs, xs.T())
		for i := 0; i < n; i++ {
			g.Set(i, i, g.At(i, i)+alpha)
		}
		dual := mat.NewVecDense(n, nil)
		if err := solve(dual, &g, ys); err != nil {
			return nil, err
		}
		coef.MulVec(xs.T(), dual)
	}

	r := &Ridge{Coef: make([]float64, k)}
	for j := 0; j < k; j++ {
		r.Coef[j] = coef.AtVec(j)
	}
	r.Intercept = yMean - floats.Dot(xMean, r.Coef)
	return r, nil
}

func solve(dst *mat.VecDense, a mat.Matrix, b mat.Vector) error {
	err := dst.SolveVec(a, b)
	var cond mat.Condition
	if err != nil && !errors.As(err, &cond) {
		return fmt.Errorf("failed to solve surrogate system: %w", err)
	}
	return nil
}

// center subtracts weighted column means and scales rows by sqrt(w).
func center(x *mat.Dense, y, w []float64) (*mat.Dense, *mat.VecDense, []float64, float64) {
	n, k := x.Dims()
	total := floats.Sum(w)
	if total == 0 {
		total = 1
	}
	xMean := make([]float64, k)
	for j := 0; j < k; j++ {
		for i := 0; i < n; i++ {
			xMean[j] += w[i] * x.At(i, j)
		}
		xMean[j] /= total
	}
	yMean := floats.Dot(w, y) / total

	xs := mat.NewDense(n, max(k, 1), nil)
	ys := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		sw := math.Sqrt(w[i])
		for j := 0; j < k; j++ {
			xs.Set(i, j, (x.At(i, j)-xMean[j])*sw)
		}
		ys.SetVec(i, (y[i]-yMean)*sw)
	}
	return xs, ys, xMean, yMean
}

// Predict evaluates the model on one row.
func (r *Ridge) Predict(row []float64) float64 {
	return r.Intercept + floats.Dot(r.Coef, row)
}

// Score returns the weighted coefficient of determination on (x, y).
func (r *Ridge) Score(x *mat.Dense, y, w []float64) float64 {
	n, _ := x.Dims()
	yMean := floats.Dot(w, y) / floats.Sum(w)
	var res, tot float64
	for i := 0; i < n; i++ {
		d := y[i] - r.Predict(mat.Row(nil, i, x))
		res += w[i] * d * d
		m := y[i] - yMean
		tot += w[i] * m * m
	}
	if tot == 0 {
		if res == 0 {
			return 1
		}
		return 0
	}
	return 1 - res/tot
}

// columns returns the sub-matrix of x made of cols, which must not be empty.
func columns(x *mat.Dense, cols []int) *mat.Dense {
	n, _ := x.Dims()
	out := mat.NewDense(n, len(cols), nil)
	for j, c := range cols {
		for i := 0; i < n; i++ {
			out.Set(i, j, x.At(i, c))
		}
	}
	return out
}

// SelectFeatures picks at most numFeatures columns of data.
func SelectFeatures(method FeatureSelection, data *mat.Dense, y, w []float64, numFeatures int) ([]int, error) {
	_, k := data.Dims()
	all := make([]int, k)
	for j := range all {
		all[j] = j
	}

	switch method {
	case NoSelection:
		return all, nil
	case ForwardSelection:
		return forwardSelection(data, y, w, numFeatures)
	case HighestWeights:
		return highestWeights(data, y, w, numFeatures)
	case LassoPath:
		return lassoPath(data, y, w, numFeatures), nil
	case Auto:
		if numFeatures <= 6 {
			return forwardSelection(data, y, w, numFeatures)
		}
		return highestWeights(data, y, w, numFeatures)
	}
	return nil, fmt.Errorf("unknown feature selection %q", method)
}

// forwardSelection greedily adds the column that most improves the weighted
// R^2 of an unregularized fit.
func forwardSelection(data *mat.Dense, y, w []float64, numFeatures int) ([]int, error) {
	_, k := data.Dims()
	var used []int
	for len(used) < min(numFeatures, k) {
		best, bestScore := -1, math.Inf(-1)
		for j := 0; j < k; j++ {
			if slices.Contains(used, j) {
				continue
			}
			cand := append(slices.Clone(used), j)
			sub := columns(data, cand)
			r, err := FitRidge(sub, y, w, 0)
			if err != nil {
				return nil, err
			}
			if s := r.Score(sub, y, w); s > bestScore || best < 0 {
				best, bestScore = j, s
			}
		}
		used = append(used, best)
	}
	return used, nil
}

// highestWeights keeps the columns with the largest ridge coefficients.
func highestWeights(data *mat.Dense, y, w []float64, numFeatures int) ([]int, error) {
	r, err := FitRidge(data, y, w, 0.01)
	if err != nil {
		return nil, err
	}
	order := make([]int, len(r.Coef))
	for j := range order {
		order[j] = j
	}
	slices.SortStableFunc(order, func(a, b int) int {
		return cmpDesc(math.Abs(r.Coef[a]), math.Abs(r.Coef[b]))
	})
	return order[:min(numFeatures, len(order))], nil
}

func cmpDesc(a, b float64) int {
	switch {
	case a > b:
		return -1
	case a < b:
		return 1
	}
	return 0
}

const (
	lassoAlphas    = 100
	lassoEps       = 1e-3
	lassoMaxIter   = 1000
	lassoTolerance = 1e-6
)

// lassoPath fits the lasso over a decreasing penalty grid on the weighted,
// centered data. Walking back from the least regularized point it returns the
// first support no larger than numFeatures.
func lassoPath(data *mat.Dense, y, w []float64, numFeatures int) []int {
	xs, ys, _, _ := center(data, y, w)
	n, k := data.Dims()
	if n == 0 || k == 0 {
		return nil
	}

	cols := make([][]float64, k)
	sq := make([]float64, k)
	for j := 0; j < k; j++ {
		cols[j] = mat.Col(nil, j, xs)
		sq[j] = floats.Dot(cols[j], cols[j]) / float64(n)
	}
	resid := slices.Clone(ys.RawVector().Data)

	lambdaMax := 0.0
	for j := 0; j < k; j++ {
		lambdaMax = max(lambdaMax, math.Abs(floats.Dot(cols[j], resid))/float64(n))
	}
	if lambdaMax == 0 {
		return nil
	}

	coef := make([]float64, k)
	path := make([][]int, 0, lassoAlphas)
	for step := 0; step < lassoAlphas; step++ {
		lambda := lambdaMax * math.Pow(lassoEps, float64(step)/float64(lassoAlphas-1))
		for iter := 0; iter < lassoMaxIter; iter++ {
			maxDelta := 0.0
			for j := 0; j < k; j++ {
				if sq[j] == 0 {
					continue
				}
				old := coef[j]
				rho := floats.Dot(cols[j], resid)/float64(n) + sq[j]*old
				coef[j] = softThreshold(rho, lambda) / sq[j]
				if delta := coef[j] - old; delta != 0 {
					floats.AddScaled(resid, -delta, cols[j])
					maxDelta = max(maxDelta, math.Abs(delta))
				}
			}
			if maxDelta < lassoTolerance {
				break
			}
		}
		var support []int
		for j, c := range coef {
			if c != 0 {
				support = append(support, j)
			}
		}
		path = append(path, support)
	}

	support := path[len(path)-1]
	for i := len(path) - 1; i > 0; i-- {
		support = path[i]
		if len(support) <= numFeatures {
			break
		}
	}
	return support
}

func softThreshold(v, t float64) float64 {
	switch {
	case v > t:
		return v - t
	case v < -t:
		return v + t
	}
	return 0
}
