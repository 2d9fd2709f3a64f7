package interpolation

import (
	"fmt"
	"math"
	"strings"

	"mrisymreg/internal/models"
)

// Method selects how a volume is sampled between grid points
type Method int

const (
	// Trilinear blends the 8 grid neighbours of the sample point
	Trilinear Method = iota

	// NearestNeighbor returns the closest grid sample
	NearestNeighbor
)

// ParseMethod maps a configuration string onto a Method.
func ParseMethod(s string) (Method, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "trilinear", "linear":
		return Trilinear, nil
	case "nearest", "nn":
		return NearestNeighbor, nil
	default:
		return Trilinear, fmt.Errorf("unknown interpolation method: %s (must be trilinear or nearest)", s)
	}
}

func (m Method) String() string {
	switch m {
	case Trilinear:
		return "trilinear"
	case NearestNeighbor:
		return "nearest"
	default:
		return fmt.Sprintf("Method(%d)", int(m))
	}
}

// Sample evaluates the volume at voxel coordinates (x, y, z) with the method.
func (m Method) Sample(x, y, z float64, v *models.Volume) float64 {
	if m == NearestNeighbor {
		return Nearest(x, y, z, v)
	}
	return Linear(x, y, z, v)
}

// Linear returns the trilinear interpolation of v at voxel coordinates
// (x, y, z). Points outside [0, n-1] along any axis sample to 0.
func Linear(x, y, z float64, v *models.Volume) float64 {
	nx, ny, nz := v.Nx, v.Ny, v.Nz
	if x < 0 || y < 0 || z < 0 || x > float64(nx-1) || y > float64(ny-1) || z > float64(nz-1) {
		return 0
	}

	i0, j0, k0 := int(x), int(y), int(z)
	fx, fy, fz := x-float64(i0), y-float64(j0), z-float64(k0)

	// upper neighbours are clamped on the last plane
	i1, j1, k1 := i0+1, j0+1, k0+1
	if i1 >= nx {
		i1 = i0
	}
	if j1 >= ny {
		j1 = j0
	}
	if k1 >= nz {
		k1 = k0
	}

	np := nx * ny
	d := v.Data
	r0 := k0*np + j0*nx
	r1 := k0*np + j1*nx
	r2 := k1*np + j0*nx
	r3 := k1*np + j1*nx

	c00 := d[r0+i0] + fx*(d[r0+i1]-d[r0+i0])
	c10 := d[r1+i0] + fx*(d[r1+i1]-d[r1+i0])
	c01 := d[r2+i0] + fx*(d[r2+i1]-d[r2+i0])
	c11 := d[r3+i0] + fx*(d[r3+i1]-d[r3+i0])

	c0 := c00 + fy*(c10-c00)
	c1 := c01 + fy*(c11-c01)

	return c0 + fz*(c1-c0)
}

// Nearest returns the sample closest to (x, y, z), or 0 outside the grid.
func Nearest(x, y, z float64, v *models.Volume) float64 {
	i := int(math.Floor(x + 0.5))
	j := int(math.Floor(y + 0.5))
	k := int(math.Floor(z + 0.5))
	return v.At(i, j, k)
}
