package geometry

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
)

// NumParams is the number of rigid-body parameters in a Pose.
const NumParams = 6

// Pose holds the six rigid-body parameters. Rotations are in degrees and
// translations in mm. The parameter order (Rx, Ry, Rz, Tx, Ty, Tz) is also the
// index order used by Params/WithParam.
type Pose struct {
	Rx, Ry, Rz float64
	Tx, Ty, Tz float64
}

// PoseFromParams builds a Pose from a parameter vector in index order.
func PoseFromParams(p [NumParams]float64) Pose {
	return Pose{Rx: p[0], Ry: p[1], Rz: p[2], Tx: p[3], Ty: p[4], Tz: p[5]}
}

// Params returns the pose as a parameter vector.
func (p Pose) Params() [NumParams]float64 {
	return [NumParams]float64{p.Rx, p.Ry, p.Rz, p.Tx, p.Ty, p.Tz}
}

// Matrix builds the rigid transform: rotate about Z, then X, then Y, then
// translate. That is M = T · Ry · Rx · Rz.
func (p Pose) Matrix() Mat4 {
	m := RotationZ(p.Rz)
	m = Compose(RotationX(p.Rx), m)
	m = Compose(RotationY(p.Ry), m)
	return Compose(Translation(r3.Vector{X: p.Tx, Y: p.Ty, Z: p.Tz}), m)
}

func (p Pose) String() string {
	return fmt.Sprintf("rx=%.4f ry=%.4f rz=%.4f tx=%.4f ty=%.4f tz=%.4f", p.Rx, p.Ry, p.Rz, p.Tx, p.Ty, p.Tz)
}

func radians(deg float64) float64 { return deg * math.Pi / 180 }

// RotationX is a right-handed rotation about the x axis by deg degrees.
func RotationX(deg float64) Mat4 {
	s, c := math.Sincos(radians(deg))
	m := Identity()
	m[5], m[6] = c, -s
	m[9], m[10] = s, c
	return m
}

// RotationY is a right-handed rotation about the y axis by deg degrees.
func RotationY(deg float64) Mat4 {
	s, c := math.Sincos(radians(deg))
	m := Identity()
	m[0], m[2] = c, s
	m[8], m[10] = -s, c
	return m
}

// RotationZ is a right-handed rotation about the z axis by deg degrees.
func RotationZ(deg float64) Mat4 {
	s, c := math.Sincos(radians(deg))
	m := Identity()
	m[0], m[1] = c, -s
	m[4], m[5] = s, c
	return m
}
