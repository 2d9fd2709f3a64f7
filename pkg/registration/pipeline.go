// Package registration implements unbiased symmetric rigid-body registration
// of a baseline and a follow-up volume into a shared midpoint PIL space.
//
// The engine works in three stages: brain masks and intensity normalisation,
// a grid search for the rigid correction between the two PIL spaces, and the
// symmetric split of that correction with the rigid square root.
package registration

import (
	"fmt"
	"math"

	"github.com/sirupsen/logrus"

	"mrisymreg/internal/models"
	"mrisymreg/pkg/geometry"
	"mrisymreg/pkg/interpolation"
)

// Params holds the registration settings.
type Params struct {
	// Cost selects the dissimilarity measure minimised by the search
	Cost CostFunction

	// Search configures the grid search
	Search GridSearch

	// CloudThreshold is the resampled prior value a voxel needs to be inside the brain mask
	CloudThreshold float64

	// TrimFraction is the fraction of masked voxels clamped at each intensity extreme
	TrimFraction float64

	// Interpolation is used when reslicing whole volumes
	Interpolation interpolation.Method
}

// DefaultParams returns the settings for T1 to T1 registration.
func DefaultParams() Params {
	return Params{
		Cost:           SSD,
		Search:         DefaultGridSearch(),
		CloudThreshold: 90,
		TrimFraction:   0.05,
		Interpolation:  interpolation.Trilinear,
	}
}

// Input carries the two native-space volumes and their PIL transforms.
type Input struct {
	Baseline *models.Volume
	Followup *models.Volume

	// BaselinePIL and FollowupPIL map native centred mm into PIL centred mm
	BaselinePIL geometry.Mat4
	FollowupPIL geometry.Mat4
}

// Result is the outcome of a symmetric registration.
type Result struct {
	// Pose and Correction describe the rigid correction between the two PIL spaces
	Pose       geometry.Pose
	Correction geometry.Mat4

	Cost        float64
	InitialCost float64
	Iterations  int

	// BaselineToMid and FollowupToMid take native centred mm into the midpoint space
	BaselineToMid geometry.Mat4
	FollowupToMid geometry.Mat4

	// Volumes resliced into the prior grid and their voxel-wise rounded average
	BaselinePIL *models.Volume
	FollowupPIL *models.Volume
	Midpoint    *models.Volume

	// Voxel counts of the brain masks
	BaselineMaskSize int
	FollowupMaskSize int
}

// Registrar runs symmetric registrations against a fixed prior volume. The
// prior provides both the brain masks and the midpoint grid.
type Registrar struct {
	params Params
	prior  *models.Volume
	log    logrus.FieldLogger
}

// NewRegistrar creates a Registrar. A nil logger uses the logrus standard logger.
func NewRegistrar(params Params, prior *models.Volume, log logrus.FieldLogger) *Registrar {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Registrar{params: params, prior: prior, log: log}
}

// Register finds the rigid correction between the two volumes and splits it
// evenly, so that neither scan is treated as the fixed reference.
func (r *Registrar) Register(in Input) (*Result, error) {
	if in.Baseline == nil || in.Followup == nil {
		return nil, fmt.Errorf("baseline and follow-up volumes are required")
	}
	if r.prior == nil {
		return nil, fmt.Errorf("prior volume is required")
	}
	log := r.log.WithField("cost", r.params.Cost.String())

	// Step 1: brain masks from the prior
	maskB := BuildMask(r.prior, in.Baseline.Grid, in.BaselinePIL, r.params.CloudThreshold, r.params.Interpolation)
	maskF := BuildMask(r.prior, in.Followup.Grid, in.FollowupPIL, r.params.CloudThreshold, r.params.Interpolation)
	res := &Result{BaselineMaskSize: maskB.Count(), FollowupMaskSize: maskF.Count()}

	log.WithFields(logrus.Fields{
		"threshold":    r.params.CloudThreshold,
		"baselineMask": res.BaselineMaskSize,
		"followupMask": res.FollowupMaskSize,
	}).Info("Built brain masks")

	// Step 2: intensity normalisation on private copies. The trimmed copies
	// are also what gets resliced into PIL space.
	trimB, sclB, _ := Normalize(in.Baseline, maskB, r.params.TrimFraction, log.WithField("image", "baseline"))
	trimF, sclF, _ := Normalize(in.Followup, maskF, r.params.TrimFraction, log.WithField("image", "followup"))

	// Step 3: search for the correction between the two PIL spaces
	invB, err := in.BaselinePIL.Inverse()
	if err != nil {
		return nil, fmt.Errorf("failed to invert baseline PIL transform: %w", err)
	}
	objective := func(p geometry.Pose) (float64, error) {
		t := geometry.Compose(invB, geometry.Compose(p.Matrix(), in.FollowupPIL))
		return r.params.Cost.Evaluate(t, sclB, sclF, maskB, maskF)
	}

	search := r.params.Search
	search.Logger = log
	log.WithField("maxIterations", search.MaxIterations).Info("Starting unbiased symmetric registration")
	found, err := search.Minimize(objective)
	if err != nil {
		return nil, fmt.Errorf("registration search failed: %w", err)
	}
	res.Pose = found.Pose
	res.Cost = found.Cost
	res.InitialCost = found.InitialCost
	res.Iterations = found.Iterations
	res.Correction = found.Pose.Matrix()

	log.WithFields(logrus.Fields{
		"pose":        res.Pose.String(),
		"initialCost": res.InitialCost,
		"cost":        res.Cost,
		"iterations":  res.Iterations,
	}).Info("Registration search finished")

	// Step 4: symmetric split of the correction
	sqrtC, invSqrtC := geometry.Identity(), geometry.Identity()
	if !res.Correction.IsIdentity() {
		sqrtC, invSqrtC, err = geometry.SqrtAndInvSqrt(res.Correction)
		if err != nil {
			return nil, fmt.Errorf("failed to split correction: %w", err)
		}
	}
	res.FollowupToMid = geometry.Compose(sqrtC, in.FollowupPIL)
	res.BaselineToMid = geometry.Compose(invSqrtC, in.BaselinePIL)

	// Step 5: midpoint composite in the prior grid
	res.BaselinePIL, err = ResliceToPIL(trimB, res.BaselineToMid, r.prior.Grid, r.params.Interpolation)
	if err != nil {
		return nil, fmt.Errorf("baseline: %w", err)
	}
	res.FollowupPIL, err = ResliceToPIL(trimF, res.FollowupToMid, r.prior.Grid, r.params.Interpolation)
	if err != nil {
		return nil, fmt.Errorf("follow-up: %w", err)
	}
	res.Midpoint = Average(res.BaselinePIL, res.FollowupPIL)

	return res, nil
}

// ResliceToPIL resamples a native volume into the PIL grid through the
// inverse of toPIL. Samples are rounded to integers as in a stored image.
func ResliceToPIL(v *models.Volume, toPIL geometry.Mat4, grid models.Grid, method interpolation.Method) (*models.Volume, error) {
	inv, err := toPIL.Inverse()
	if err != nil {
		return nil, fmt.Errorf("failed to invert PIL transform: %w", err)
	}
	out := interpolation.Reslice(v, grid, inv, method)
	out.Round()
	return out, nil
}

// Average returns the voxel-wise mean of two volumes on the same grid,
// rounded to the nearest integer.
func Average(a, b *models.Volume) *models.Volume {
	out := models.NewVolume(a.Grid)
	for i := range out.Data {
		out.Data[i] = math.Floor((a.Data[i]+b.Data[i])/2 + 0.5)
	}
	return out
}
