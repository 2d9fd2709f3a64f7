package registration

import (
	"sort"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"

	"mrisymreg/internal/models"
	"mrisymreg/pkg/geometry"
	"mrisymreg/pkg/interpolation"
)

// BuildMask resamples the prior probability volume into a native grid through
// the native image's PIL transform and keeps the voxels whose resampled value
// reaches threshold.
func BuildMask(prior *models.Volume, native models.Grid, pil geometry.Mat4, threshold float64, method interpolation.Method) *models.Mask {
	cloud := interpolation.Reslice(prior, native, pil, method)
	cloud.Round()
	return models.NewMask(cloud, threshold)
}

// TrimExtremes clamps the masked voxels of v in place so that the lowest and
// the highest k = floor(fraction*n) masked intensities take the values of
// their nearest unclipped neighbours. Both ends lose the same count. It
// returns the clamp limits and the number of masked voxels.
func TrimExtremes(v *models.Volume, mask *models.Mask, fraction float64) (lo, hi float64, n int) {
	values := make([]float64, 0, len(v.Data))
	for i, val := range v.Data {
		if mask.Inside(i) {
			values = append(values, val)
		}
	}
	if len(values) == 0 {
		return 0, 0, 0
	}
	sort.Float64s(values)

	n = len(values)
	k := int(fraction * float64(n))
	if k > (n-1)/2 {
		k = (n - 1) / 2
	}
	if k < 0 {
		k = 0
	}
	lo, hi = values[k], values[n-1-k]

	for i, val := range v.Data {
		if !mask.Inside(i) {
			continue
		}
		if val < lo {
			v.Data[i] = lo
		} else if val > hi {
			v.Data[i] = hi
		}
	}
	return lo, hi, n
}

// MaskedMean returns the mean intensity over the masked voxels and their count.
func MaskedMean(v *models.Volume, mask *models.Mask) (float64, int) {
	values := make([]float64, 0, len(v.Data))
	for i, val := range v.Data {
		if mask.Inside(i) {
			values = append(values, val)
		}
	}
	if len(values) == 0 {
		return 0, 0
	}
	return stat.Mean(values, nil), len(values)
}

// Normalize returns two copies of v: trimmed, with the extreme masked
// intensities clamped, and scaled, the trimmed copy divided by its masked
// mean. An empty mask, or a zero mean, leaves the scale at 1.
func Normalize(v *models.Volume, mask *models.Mask, trim float64, log logrus.FieldLogger) (trimmed, scaled *models.Volume, scale float64) {
	if log == nil {
		log = logrus.StandardLogger()
	}

	trimmed = v.Clone()
	lo, hi, n := TrimExtremes(trimmed, mask, trim)

	scale, _ = MaskedMean(trimmed, mask)
	if n == 0 || scale == 0 {
		log.WithField("maskedVoxels", n).Warn("Mask is empty or has zero mean intensity, intensities left unscaled")
		scale = 1
	}

	scaled = trimmed.Clone()
	for i := range scaled.Data {
		scaled.Data[i] /= scale
	}

	log.WithFields(logrus.Fields{
		"maskedVoxels": n,
		"trimLow":      lo,
		"trimHigh":     hi,
		"scale":        scale,
	}).Debug("Normalized intensities")

	return trimmed, scaled, scale
}
