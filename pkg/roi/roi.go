// Package roi maps atlas regions of interest from PIL space back into a
// subject's native image space.
package roi

import (
	"fmt"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"mrisymreg/internal/models"
	"mrisymreg/pkg/geometry"
	"mrisymreg/pkg/interpolation"
	"mrisymreg/pkg/landmarks"
	"mrisymreg/pkg/niftiio"
)

// Sides lists the hippocampal atlases in the order they are processed.
var Sides = []string{"lhc3", "rhc3"}

// Atlas is a region probability map stored as a bounding box inside the PIL
// grid. Offset is the voxel index of the box's first voxel.
type Atlas struct {
	Name   string
	Box    *models.Volume
	Offset [3]int

	// Model standardizes the PIL image before the atlas is applied
	Model *landmarks.Model
}

// LoadAtlas reads <dir>/<name>.nii and its landmark model <dir>/<name>.mdl.
func LoadAtlas(dir, name string) (*Atlas, error) {
	box, hdr, err := niftiio.ReadFile(filepath.Join(dir, name+".nii"))
	if err != nil {
		return nil, fmt.Errorf("atlas %s: %w", name, err)
	}
	mdl, err := landmarks.ReadModelFile(filepath.Join(dir, name+".mdl"))
	if err != nil {
		return nil, fmt.Errorf("atlas %s: %w", name, err)
	}
	return &Atlas{Name: name, Box: box, Offset: hdr.Offsets(), Model: mdl}, nil
}

// Paste places the atlas box into an empty volume on grid. Box voxels that
// fall outside grid are dropped.
func (a *Atlas) Paste(grid models.Grid) *models.Volume {
	out := models.NewVolume(grid)
	b := a.Box.Grid
	for k := 0; k < b.Nz; k++ {
		for j := 0; j < b.Ny; j++ {
			for i := 0; i < b.Nx; i++ {
				out.Set(i+a.Offset[0], j+a.Offset[1], k+a.Offset[2], a.Box.At(i, j, k))
			}
		}
	}
	return out
}

// Right reports whether the atlas covers the right hemisphere.
func (a *Atlas) Right() bool { return len(a.Name) > 0 && a.Name[0] == 'r' }

// FileName returns the output name of the region for an image prefix.
func (a *Atlas) FileName(prefix string) string {
	if a.Right() {
		return prefix + "_RHROI.nii"
	}
	return prefix + "_LHROI.nii"
}

// Extractor resamples atlases into native space.
type Extractor struct {
	Method interpolation.Method
	Logger logrus.FieldLogger
}

// Extract maps the atlas into the native grid of a subject image. pilImage is
// the subject (or midpoint) image in PIL space and toPIL takes native centred
// coordinates into that space. The landmark standardization of the atlas is
// measured on pilImage and composed after toPIL.
func (e Extractor) Extract(a *Atlas, pilImage *models.Volume, toPIL geometry.Mat4, native models.Grid) (*models.Volume, error) {
	log := e.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	log = log.WithField("atlas", a.Name)

	std, err := landmarks.Transform(a.Model, pilImage, log)
	if err != nil {
		return nil, fmt.Errorf("atlas %s: %w", a.Name, err)
	}
	t := geometry.Compose(std, toPIL)

	out := interpolation.Reslice(a.Paste(pilImage.Grid), native, t, e.Method)
	out.Round()

	log.WithFields(logrus.Fields{
		"offset": a.Offset,
		"voxels": models.NewMask(out, 1).Count(),
	}).Debug("Extracted region")
	return out, nil
}
