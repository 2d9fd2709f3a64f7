package models

import (
	"errors"
	"fmt"
	"math"
)

// ErrShape is returned when a grid is malformed or two grids that must
// match do not.
var ErrShape = errors.New("grid shape mismatch")

// Grid describes the sampling lattice of a volume
type Grid struct {
	// Nx, Ny, Nz are the matrix dimensions in voxels
	Nx, Ny, Nz int

	// Dx, Dy, Dz are the voxel sizes in mm
	Dx, Dy, Dz float64
}

// NewGrid validates dimensions and spacing and returns the grid.
func NewGrid(nx, ny, nz int, dx, dy, dz float64) (Grid, error) {
	g := Grid{Nx: nx, Ny: ny, Nz: nz, Dx: dx, Dy: dy, Dz: dz}
	if err := g.Validate(); err != nil {
		return Grid{}, err
	}
	return g, nil
}

// Validate checks that dimensions are positive and spacing strictly positive.
func (g Grid) Validate() error {
	if g.Nx <= 0 || g.Ny <= 0 || g.Nz <= 0 {
		return fmt.Errorf("%w: dimensions %dx%dx%d", ErrShape, g.Nx, g.Ny, g.Nz)
	}
	if !(g.Dx > 0 && g.Dy > 0 && g.Dz > 0) {
		return fmt.Errorf("%w: voxel size %gx%gx%g", ErrShape, g.Dx, g.Dy, g.Dz)
	}
	return nil
}

// NP is the number of voxels in one slice.
func (g Grid) NP() int { return g.Nx * g.Ny }

// NV is the number of voxels in the grid.
func (g Grid) NV() int { return g.Nx * g.Ny * g.Nz }

// Center returns the voxel-index coordinates of the grid center.
func (g Grid) Center() (cx, cy, cz float64) {
	return float64(g.Nx-1) / 2, float64(g.Ny-1) / 2, float64(g.Nz-1) / 2
}

// Index converts 3D voxel indices to the linear offset k*nx*ny + j*nx + i.
func (g Grid) Index(i, j, k int) int {
	return k*g.Nx*g.Ny + j*g.Nx + i
}

// Contains reports whether (i, j, k) lies inside the grid.
func (g Grid) Contains(i, j, k int) bool {
	return i >= 0 && i < g.Nx && j >= 0 && j < g.Ny && k >= 0 && k < g.Nz
}

// SameShape reports whether two grids have identical dimensions.
func (g Grid) SameShape(o Grid) bool {
	return g.Nx == o.Nx && g.Ny == o.Ny && g.Nz == o.Nz
}

func (g Grid) String() string {
	return fmt.Sprintf("%dx%dx%d voxels, %.6gx%.6gx%.6g mm", g.Nx, g.Ny, g.Nz, g.Dx, g.Dy, g.Dz)
}

// Volume is an intensity image on a Grid. Data has exactly NV() samples.
type Volume struct {
	Grid

	// Data is the voxel buffer indexed k*nx*ny + j*nx + i
	Data []float64
}

// NewVolume allocates a zero-filled volume on the grid.
func NewVolume(g Grid) *Volume {
	return &Volume{Grid: g, Data: make([]float64, g.NV())}
}

// NewVolumeFromData wraps an existing buffer, checking its length.
func NewVolumeFromData(g Grid, data []float64) (*Volume, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	if len(data) != g.NV() {
		return nil, fmt.Errorf("%w: buffer has %d samples, grid needs %d", ErrShape, len(data), g.NV())
	}
	return &Volume{Grid: g, Data: data}, nil
}

// At returns the sample at (i, j, k), or 0 outside the grid.
func (v *Volume) At(i, j, k int) float64 {
	if !v.Contains(i, j, k) {
		return 0
	}
	return v.Data[v.Index(i, j, k)]
}

// Set stores a sample; writes outside the grid are ignored.
func (v *Volume) Set(i, j, k int, val float64) {
	if !v.Contains(i, j, k) {
		return
	}
	v.Data[v.Index(i, j, k)] = val
}

// Clone returns a deep copy.
func (v *Volume) Clone() *Volume {
	data := make([]float64, len(v.Data))
	copy(data, v.Data)
	return &Volume{Grid: v.Grid, Data: data}
}

// Round replaces every sample by the nearest integer, halves rounding up.
// Volumes stored as integer images go through this before they are written
// or compared.
func (v *Volume) Round() {
	for i, val := range v.Data {
		v.Data[i] = math.Floor(val + 0.5)
	}
}

// Max returns the largest sample, or 0 for an empty volume.
func (v *Volume) Max() float64 {
	if len(v.Data) == 0 {
		return 0
	}
	mx := v.Data[0]
	for _, val := range v.Data[1:] {
		if val > mx {
			mx = val
		}
	}
	return mx
}

// Mask restricts computation to a region of interest. A voxel is inside when
// its value is strictly positive; values below the construction threshold are
// zeroed by NewMask.
type Mask struct {
	Grid

	Data []float64
}

// NewMask builds a mask from a probability-like volume, zeroing every sample
// below threshold.
func NewMask(v *Volume, threshold float64) *Mask {
	m := &Mask{Grid: v.Grid, Data: make([]float64, len(v.Data))}
	for i, val := range v.Data {
		if val >= threshold {
			m.Data[i] = val
		}
	}
	return m
}

// FullMask returns a mask covering every voxel of the grid.
func FullMask(g Grid) *Mask {
	m := &Mask{Grid: g, Data: make([]float64, g.NV())}
	for i := range m.Data {
		m.Data[i] = 1
	}
	return m
}

// Inside reports whether the voxel at linear offset idx is in the mask.
func (m *Mask) Inside(idx int) bool {
	return m.Data[idx] > 0
}

// Count returns the number of voxels inside the mask.
func (m *Mask) Count() int {
	n := 0
	for _, val := range m.Data {
		if val > 0 {
			n++
		}
	}
	return n
}
