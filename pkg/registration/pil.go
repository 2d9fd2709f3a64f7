package registration

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"mrisymreg/internal/models"
	"mrisymreg/pkg/geometry"
	"mrisymreg/pkg/interpolation"
	"mrisymreg/pkg/landmarks"
	"mrisymreg/pkg/orientation"
)

// PILEstimator computes the transform from a volume's centred native
// coordinates into PIL space.
type PILEstimator struct {
	// Prior is the grid landmark detection runs in
	Prior models.Grid

	// Model refines the orientation-only estimate when set
	Model *landmarks.Model

	Method interpolation.Method
	Logger logrus.FieldLogger
}

// ComputePIL resolves the orientation transform of v from its header and, when
// a landmark model is configured, composes the landmark standardization on
// top of it.
func (e PILEstimator) ComputePIL(v *models.Volume, md orientation.Metadata, name string) (geometry.Mat4, error) {
	log := e.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	log = log.WithField("image", name)

	t := orientation.Resolver{Logger: log}.ToPIL(md, name)
	if e.Model == nil {
		log.Debug("No PIL landmark model, using orientation only")
		return t, nil
	}

	pil, err := ResliceToPIL(v, t, e.Prior, e.Method)
	if err != nil {
		return geometry.Mat4{}, fmt.Errorf("%s: %w", name, err)
	}
	a, err := landmarks.Transform(e.Model, pil, log)
	if err != nil {
		return geometry.Mat4{}, fmt.Errorf("%s: %w", name, err)
	}

	log.WithField("landmarks", len(e.Model.Landmarks)).Info("Computed PIL transform")
	return geometry.Compose(a, t), nil
}
