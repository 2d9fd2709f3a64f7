// Package integrity computes the hippocampal integrity index of a region of
// interest: the fraction of the region whose intensity lies above a threshold
// derived from the grey matter peak of the regional histogram.
package integrity

import (
	"errors"
	"fmt"
	"math"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"

	"mrisymreg/internal/models"
)

// ErrEmptyROI is returned when the region of interest has no positive voxels.
var ErrEmptyROI = errors.New("region of interest is empty")

// Params holds the histogram analysis settings.
type Params struct {
	// HistCutoff is the percentage of non-zero voxels above the reference maximum
	HistCutoff float64

	// MXFrac scales the reference maximum into the start of the peak search
	MXFrac float64

	// MXFrac2 scales the reference maximum into the offset below the peak
	MXFrac2 float64

	// Classes and EMIterations configure the mixture fit
	Classes      int
	EMIterations int
}

// DefaultParams returns the settings used for T1 images.
func DefaultParams() Params {
	return Params{
		HistCutoff:   0.25,
		MXFrac:       0.4,
		MXFrac2:      0.2,
		Classes:      5,
		EMIterations: 1000,
	}
}

// Result is the outcome of an index computation. Bin positions are relative
// to Min.
type Result struct {
	HI                 float64
	ParenchymaFraction float64

	MX        int
	Min, Max  int
	GMPeak    int
	GMClass   int
	Threshold int

	ROISize      int
	FuzzyROISize float64
}

func level(v float64) int { return int(math.Floor(v + 0.5)) }

// SetMX zeroes the voxels of image outside roi and those below 0, in place,
// and returns the intensity above which lies percent of the remaining
// non-zero voxels.
func SetMX(image, roi *models.Volume, percent float64) int {
	mx := 0
	for i, v := range image.Data {
		if roi.Data[i] == 0 || v < 0 {
			image.Data[i] = 0
		}
		if l := level(image.Data[i]); l > mx {
			mx = l
		}
	}

	hsize := mx + 1
	hist := make([]int, hsize)
	for _, v := range image.Data {
		if b := level(v); b >= 0 && b < hsize {
			hist[b]++
		}
	}

	nmax := int(percent * float64(len(image.Data)-hist[0]) / 100)
	n, i := 0, 0
	for ; i < hsize; i++ {
		n += hist[hsize-1-i]
		if n > nmax {
			break
		}
	}
	return hsize - 1 - i
}

// Compute returns the integrity index of image over roi. ROI voxel values act
// as membership weights for the fuzzy parenchyma fraction.
func Compute(image, roi *models.Volume, p Params, log logrus.FieldLogger) (*Result, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if p.Classes < 1 {
		return nil, fmt.Errorf("mixture needs at least one class, got %d", p.Classes)
	}
	if !image.SameShape(roi.Grid) {
		return nil, fmt.Errorf("%w: image %v, roi %v", models.ErrShape, image.Grid, roi.Grid)
	}

	res := &Result{}
	roiMax := roi.Max()
	for _, r := range roi.Data {
		if r > 0 {
			res.ROISize++
		}
		res.FuzzyROISize += r / roiMax
	}
	if res.ROISize == 0 {
		return nil, ErrEmptyROI
	}

	im := image.Clone()
	res.MX = SetMX(im, roi, p.HistCutoff)

	first := true
	for i, v := range im.Data {
		if roi.Data[i] <= 0 {
			continue
		}
		l := level(v)
		if first || l < res.Min {
			res.Min = l
		}
		if first || l > res.Max {
			res.Max = l
		}
		first = false
	}

	hist := make([]float64, res.Max-res.Min+1)
	for i, v := range im.Data {
		if roi.Data[i] > 0 {
			hist[level(v)-res.Min]++
		}
	}
	floats.Scale(1/float64(res.ROISize), hist)

	start := int(float64(res.MX)*p.MXFrac - float64(res.Min))
	if start < 0 {
		start = 0
	}

	mix := FitMixture(hist, p.Classes, p.EMIterations)

	hmax := 0.0
	for i := start; i < len(hist); i++ {
		if mix.Fit[i] > hmax {
			hmax = mix.Fit[i]
			res.GMPeak = i
		}
	}

	mindiff := math.Abs(mix.Means[0] - float64(res.GMPeak))
	for c, mean := range mix.Means {
		if d := math.Abs(mean - float64(res.GMPeak)); d < mindiff {
			mindiff = d
			res.GMClass = c
		}
	}

	res.Threshold = int(float64(res.GMPeak) - float64(res.MX)*p.MXFrac2 + 0.5)

	csf := 0.0
	for i := 0; i < res.Threshold && i < len(hist); i++ {
		csf += hist[i]
	}
	res.HI = 1 - csf

	cut := res.Threshold + res.Min
	parenchyma := 0.0
	for i, v := range im.Data {
		if roi.Data[i] > 0 && level(v) >= cut {
			parenchyma += roi.Data[i] / roiMax
		}
	}
	res.ParenchymaFraction = parenchyma / res.FuzzyROISize

	log.WithFields(logrus.Fields{
		"mx":           res.MX,
		"min":          res.Min,
		"max":          res.Max,
		"gmPeak":       res.GMPeak,
		"gmClass":      res.GMClass,
		"threshold":    res.Threshold,
		"emIterations": mix.Iterations,
		"hi":           res.HI,
	}).Debug("Computed integrity index")

	return res, nil
}
