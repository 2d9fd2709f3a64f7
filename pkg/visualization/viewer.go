// Package visualization renders slices of registered volumes as grayscale
// images so that alignment can be checked by eye.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"

	"mrisymreg/internal/models"
)

// Viewer extracts and saves 2D slices of a volume. Intensities are mapped
// linearly from [0, Max] onto the full 16-bit range.
type Viewer struct {
	volume *models.Volume

	// Max is the intensity rendered as white
	Max float64
}

// NewViewer creates a viewer scaled to the brightest voxel of v
func NewViewer(v *models.Volume) *Viewer {
	return &Viewer{volume: v, Max: v.Max()}
}

func (v *Viewer) gray(val float64) color.Gray16 {
	if v.Max <= 0 {
		return color.Gray16{}
	}
	return color.Gray16{Y: uint16(math.Max(0, math.Min(65535, val/v.Max*65535)))}
}

// ExtractSlice extracts a 2D slice from the volume at position along the
// specified voxel axis
func (v *Viewer) ExtractSlice(axis string, position int) (image.Image, error) {
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}
	g := v.volume.Grid

	var img *image.Gray16

	switch axis {
	case "x", "X":
		// YZ plane
		if position >= g.Nx {
			return nil, fmt.Errorf("position %d exceeds width %d", position, g.Nx)
		}
		img = image.NewGray16(image.Rect(0, 0, g.Nz, g.Ny))
		for y := 0; y < g.Ny; y++ {
			for z := 0; z < g.Nz; z++ {
				img.SetGray16(z, y, v.gray(v.volume.At(position, y, z)))
			}
		}

	case "y", "Y":
		// XZ plane
		if position >= g.Ny {
			return nil, fmt.Errorf("position %d exceeds height %d", position, g.Ny)
		}
		img = image.NewGray16(image.Rect(0, 0, g.Nx, g.Nz))
		for z := 0; z < g.Nz; z++ {
			for x := 0; x < g.Nx; x++ {
				img.SetGray16(x, z, v.gray(v.volume.At(x, position, z)))
			}
		}

	case "z", "Z":
		// XY plane
		if position >= g.Nz {
			return nil, fmt.Errorf("position %d exceeds depth %d", position, g.Nz)
		}
		img = image.NewGray16(image.Rect(0, 0, g.Nx, g.Ny))
		for y := 0; y < g.Ny; y++ {
			for x := 0; x < g.Nx; x++ {
				img.SetGray16(x, y, v.gray(v.volume.At(x, y, position)))
			}
		}

	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	return img, nil
}

// SaveSlice saves an extracted slice as a PNG image
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	if err := png.Encode(file, img); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// SaveOrthogonal saves the three central slices of a PIL-space volume as
// <prefix>_axial.png, <prefix>_coronal.png and <prefix>_sagittal.png. PIL
// axes are x posterior, y inferior and z left. It returns the written paths.
func (v *Viewer) SaveOrthogonal(prefix string) ([]string, error) {
	if err := os.MkdirAll(filepath.Dir(prefix), 0755); err != nil {
		return nil, err
	}
	g := v.volume.Grid
	views := []struct {
		name string
		axis string
		pos  int
	}{
		{"axial", "y", g.Ny / 2},
		{"coronal", "x", g.Nx / 2},
		{"sagittal", "z", g.Nz / 2},
	}

	var paths []string
	for _, view := range views {
		img, err := v.ExtractSlice(view.axis, view.pos)
		if err != nil {
			return paths, err
		}
		filename := fmt.Sprintf("%s_%s.png", prefix, view.name)
		if err := v.SaveSlice(img, filename); err != nil {
			return paths, fmt.Errorf("failed to save %s view: %w", view.name, err)
		}
		paths = append(paths, filename)
	}
	return paths, nil
}
