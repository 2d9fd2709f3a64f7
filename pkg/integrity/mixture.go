package integrity

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/distuv"
)

// minVariance keeps a class from collapsing onto a single histogram bin
const minVariance = 0.25

// Mixture is a 1-D Gaussian mixture fitted to a histogram. Bin i sits at
// position i.
type Mixture struct {
	Means     []float64
	Variances []float64
	Weights   []float64

	// Fit is the mixture density at every bin
	Fit []float64

	// Labels is the most probable class at every bin
	Labels []int

	Iterations int
}

func (m *Mixture) class(c int) distuv.Normal {
	return distuv.Normal{Mu: m.Means[c], Sigma: math.Sqrt(m.Variances[c])}
}

// FitMixture fits classes Gaussians to hist with expectation maximisation.
// Class means start evenly spaced over the occupied bins. The fit stops after
// maxIter iterations or once no parameter moves by more than 1e-9.
func FitMixture(hist []float64, classes, maxIter int) *Mixture {
	n := len(hist)
	m := &Mixture{
		Means:     make([]float64, classes),
		Variances: make([]float64, classes),
		Weights:   make([]float64, classes),
		Fit:       make([]float64, n),
		Labels:    make([]int, n),
	}
	total := floats.Sum(hist)
	if n == 0 || classes <= 0 || total <= 0 {
		return m
	}

	lo, hi := 0, n-1
	for lo < hi && hist[lo] == 0 {
		lo++
	}
	for hi > lo && hist[hi] == 0 {
		hi--
	}
	width := float64(hi-lo+1) / float64(classes)
	for c := 0; c < classes; c++ {
		m.Means[c] = float64(lo) + (float64(c)+0.5)*width
		m.Variances[c] = math.Max(width*width, minVariance)
		m.Weights[c] = 1 / float64(classes)
	}

	resp := make([]float64, classes)
	sumW := make([]float64, classes)
	sumX := make([]float64, classes)
	sumXX := make([]float64, classes)

	for m.Iterations = 0; m.Iterations < maxIter; m.Iterations++ {
		for c := range sumW {
			sumW[c], sumX[c], sumXX[c] = 0, 0, 0
		}

		// E step
		for i, h := range hist {
			if h == 0 {
				continue
			}
			x := float64(i)
			for c := range resp {
				resp[c] = m.Weights[c] * m.class(c).Prob(x)
			}
			norm := floats.Sum(resp)
			if norm == 0 {
				continue
			}
			for c, r := range resp {
				w := h * r / norm
				sumW[c] += w
				sumX[c] += w * x
				sumXX[c] += w * x * x
			}
		}

		// M step
		change := 0.0
		for c := 0; c < classes; c++ {
			if sumW[c] == 0 {
				continue
			}
			mean := sumX[c] / sumW[c]
			variance := math.Max(sumXX[c]/sumW[c]-mean*mean, minVariance)
			weight := sumW[c] / total

			change = math.Max(change, math.Abs(mean-m.Means[c]))
			change = math.Max(change, math.Abs(variance-m.Variances[c]))
			change = math.Max(change, math.Abs(weight-m.Weights[c]))

			m.Means[c], m.Variances[c], m.Weights[c] = mean, variance, weight
		}
		if change <= 1e-9 {
			m.Iterations++
			break
		}
	}

	for i := range hist {
		x := float64(i)
		for c := range resp {
			resp[c] = m.Weights[c] * m.class(c).Prob(x)
		}
		m.Fit[i] = floats.Sum(resp)
		m.Labels[i] = floats.MaxIdx(resp)
	}
	return m
}
