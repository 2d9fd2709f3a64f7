// Package interpolation samples volumes at non-grid locations and reslices
// whole volumes from one grid onto another through a 4x4 transform.
//
// Transforms handed to this package act on centred mm coordinates: the origin
// is the middle of the grid and units are physical millimetres.
package interpolation

import (
	"github.com/golang/geo/r3"

	"mrisymreg/internal/models"
	"mrisymreg/pkg/geometry"
)

// centreShift translates voxel indices so the grid center becomes the origin.
func centreShift(g models.Grid) geometry.Mat4 {
	cx, cy, cz := g.Center()
	return geometry.Translation(r3.Vector{X: -cx, Y: -cy, Z: -cz})
}

// VoxelTransform converts t, which maps centred mm coordinates of from into
// centred mm coordinates of to, into a map between raw voxel indices of the
// two grids. Differing voxel sizes are absorbed into the result.
func VoxelTransform(t geometry.Mat4, from, to models.Grid) geometry.Mat4 {
	cx, cy, cz := to.Center()
	m := geometry.Compose(geometry.Scaling(from.Dx, from.Dy, from.Dz), centreShift(from))
	m = geometry.Compose(t, m)
	m = geometry.Compose(geometry.Scaling(1/to.Dx, 1/to.Dy, 1/to.Dz), m)
	return geometry.Compose(geometry.Translation(r3.Vector{X: cx, Y: cy, Z: cz}), m)
}

// Reslice samples src onto dst. t maps centred mm coordinates of the
// destination grid into centred mm coordinates of the source grid. Destination
// voxels that land outside the source are set to 0.
func Reslice(src *models.Volume, dst models.Grid, t geometry.Mat4, method Method) *models.Volume {
	out := models.NewVolume(dst)
	m := VoxelTransform(t, dst, src.Grid)

	for k := 0; k < dst.Nz; k++ {
		fk := float64(k)
		for j := 0; j < dst.Ny; j++ {
			fj := float64(j)
			// terms that are constant along a row
			bx := m[1]*fj + m[2]*fk + m[3]
			by := m[5]*fj + m[6]*fk + m[7]
			bz := m[9]*fj + m[10]*fk + m[11]
			row := dst.Index(0, j, k)
			for i := 0; i < dst.Nx; i++ {
				fi := float64(i)
				out.Data[row+i] = method.Sample(m[0]*fi+bx, m[4]*fi+by, m[8]*fi+bz, src)
			}
		}
	}

	return out
}
