// Package orientation derives the transform from a volume's voxel grid to the
// scanner (magnet) frame and on to the PIL anatomical frame.
//
// Image coordinates have their origin at the center of the volume and are
// measured in mm along the voxel axes. The magnet frame follows the LAI
// convention (x Left, y Anterior, z Inferior): NIfTI's RAS axes with x and z
// negated. PIL orders the axes Posterior, Inferior, Left.
package orientation

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/sirupsen/logrus"

	"mrisymreg/pkg/geometry"
)

// Metadata is the geometric part of a volume header.
type Metadata struct {
	// Matrix dimensions and voxel sizes
	Nx, Ny, Nz int
	Dx, Dy, Dz float64

	// QFormCode > 0 selects the quaternion representation
	QFormCode                    int
	QuaternB, QuaternC, QuaternD float64
	QOffsetX, QOffsetY, QOffsetZ float64

	// QFac is pixdim[0]; a negative value flips the slice axis
	QFac float64

	// SFormCode > 0 selects the affine rows when no quaternion is present
	SFormCode           int
	SRowX, SRowY, SRowZ [4]float64
}

// LAIToPIL permutes magnet LAI axes into PIL: P = -A, I = I, L = L.
var LAIToPIL = geometry.Mat4{
	0, -1, 0, 0,
	0, 0, 1, 0,
	1, 0, 0, 0,
	0, 0, 0, 1,
}

// QuaternionToAffine builds the voxel-index to RAS world affine encoded by
// the quaternion parameters, following the NIfTI-1 definition.
func QuaternionToAffine(md Metadata) geometry.Mat4 {
	b, c, d := md.QuaternB, md.QuaternC, md.QuaternD
	a := 1 - (b*b + c*c + d*d)
	if a < 1e-7 {
		a = 1 / math.Sqrt(b*b+c*c+d*d)
		b *= a
		c *= a
		d *= a
		a = 0
	} else {
		a = math.Sqrt(a)
	}

	xd, yd, zd := md.Dx, md.Dy, md.Dz
	if xd <= 0 {
		xd = 1
	}
	if yd <= 0 {
		yd = 1
	}
	if zd <= 0 {
		zd = 1
	}
	if md.QFac < 0 {
		zd = -zd
	}

	return geometry.Mat4{
		(a*a + b*b - c*c - d*d) * xd, 2 * (b*c - a*d) * yd, 2 * (b*d + a*c) * zd, md.QOffsetX,
		2 * (b*c + a*d) * xd, (a*a + c*c - b*b - d*d) * yd, 2 * (c*d - a*b) * zd, md.QOffsetY,
		2 * (b*d - a*c) * xd, 2 * (c*d + a*b) * yd, (a*a + d*d - c*c - b*b) * zd, md.QOffsetZ,
		0, 0, 0, 1,
	}
}

// SFormToAffine returns the affine encoded by the srow fields.
func SFormToAffine(md Metadata) geometry.Mat4 {
	m := geometry.Identity()
	copy(m[0:4], md.SRowX[:])
	copy(m[4:8], md.SRowY[:])
	copy(m[8:12], md.SRowZ[:])
	return m
}

// toLAI normalises a RAS column and flips it into LAI, falling back to the
// canonical axis when the column has zero length.
func toLAI(col r3.Vector, fallback r3.Vector) r3.Vector {
	n := col.Norm()
	if n == 0 {
		return fallback
	}
	return r3.Vector{X: -col.X / n, Y: col.Y / n, Z: -col.Z / n}
}

// ToMagnet returns the transform from centred image coordinates to the LAI
// magnet frame. The quaternion form is preferred over the affine rows. When
// neither is present the identity is returned with ok == false.
func ToMagnet(md Metadata) (t geometry.Mat4, ok bool) {
	var affine geometry.Mat4
	switch {
	case md.QFormCode > 0:
		affine = QuaternionToAffine(md)
	case md.SFormCode > 0:
		affine = SFormToAffine(md)
	default:
		return geometry.Identity(), false
	}

	col := func(c int) r3.Vector {
		return r3.Vector{X: affine.At(0, c), Y: affine.At(1, c), Z: affine.At(2, c)}
	}
	row := toLAI(col(0), r3.Vector{X: 1})
	column := toLAI(col(1), r3.Vector{Y: 1})
	normal := toLAI(col(2), r3.Vector{Z: 1})

	offset := affine.Translation()
	center := r3.Vector{X: -offset.X, Y: offset.Y, Z: -offset.Z}.
		Add(row.Mul(md.Dx * float64(md.Nx-1) / 2)).
		Add(column.Mul(md.Dy * float64(md.Ny-1) / 2)).
		Add(normal.Mul(md.Dz * float64(md.Nz-1) / 2))

	return geometry.FromBasis(row, column, normal, center), true
}

// Resolver computes orientation transforms and reports degraded geometry.
type Resolver struct {
	Logger logrus.FieldLogger
}

// ToPIL returns the transform from centred image coordinates to the PIL frame.
// Missing orientation metadata is logged and the identity magnet transform is
// used in its place.
func (r Resolver) ToPIL(md Metadata, name string) geometry.Mat4 {
	magnet, ok := ToMagnet(md)
	if !ok {
		log := r.Logger
		if log == nil {
			log = logrus.StandardLogger()
		}
		log.WithField("image", name).Warn("header did not contain image orientation information, assuming identity")
	}
	return geometry.Compose(LAIToPIL, magnet)
}
