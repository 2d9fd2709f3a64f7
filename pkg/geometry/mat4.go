// Package geometry provides the homogeneous 4x4 transforms, rigid-body
// parameterisation and Lie-group operations used by the registration engine.
package geometry

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// ErrSingularMatrix is returned when a transform cannot be inverted.
var ErrSingularMatrix = errors.New("singular matrix")

// Mat4 is a row-major homogeneous 4x4 transform. Entry 15 is always 1 and the
// bottom row is (0, 0, 0, 1) for every value produced by this package.
type Mat4 [16]float64

// Identity returns the 4x4 identity matrix.
func Identity() Mat4 {
	return Mat4{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}
}

// Translation returns a pure translation by t.
func Translation(t r3.Vector) Mat4 {
	m := Identity()
	m[3], m[7], m[11] = t.X, t.Y, t.Z
	return m
}

// Scaling returns a diagonal scaling matrix.
func Scaling(sx, sy, sz float64) Mat4 {
	m := Identity()
	m[0], m[5], m[10] = sx, sy, sz
	return m
}

// FromBasis builds an affine transform whose linear part has the given
// columns and whose translation is t.
func FromBasis(col0, col1, col2, t r3.Vector) Mat4 {
	return Mat4{
		col0.X, col1.X, col2.X, t.X,
		col0.Y, col1.Y, col2.Y, t.Y,
		col0.Z, col1.Z, col2.Z, t.Z,
		0, 0, 0, 1,
	}
}

// At returns the entry at row r, column c.
func (m Mat4) At(r, c int) float64 { return m[4*r+c] }

// Compose returns the matrix product a·b, i.e. b applied first.
func Compose(a, b Mat4) Mat4 {
	var out Mat4
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			var s float64
			for k := 0; k < 4; k++ {
				s += a[4*r+k] * b[4*k+c]
			}
			out[4*r+c] = s
		}
	}
	return out
}

// Mul is shorthand for Compose(m, b).
func (m Mat4) Mul(b Mat4) Mat4 { return Compose(m, b) }

// Dense copies the matrix into a gonum Dense.
func (m Mat4) Dense() *mat.Dense {
	data := make([]float64, 16)
	copy(data, m[:])
	return mat.NewDense(4, 4, data)
}

func fromDense(d mat.Matrix) Mat4 {
	var m Mat4
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			m[4*r+c] = d.At(r, c)
		}
	}
	return m
}

// Det returns the determinant.
func (m Mat4) Det() float64 {
	return mat.Det(m.Dense())
}

// Inverse returns the exact inverse of m. A zero determinant, or a matrix
// gonum reports as too ill-conditioned to invert, yields ErrSingularMatrix.
func (m Mat4) Inverse() (Mat4, error) {
	if m.Det() == 0 {
		return Mat4{}, fmt.Errorf("%w: zero determinant", ErrSingularMatrix)
	}
	var inv mat.Dense
	if err := inv.Inverse(m.Dense()); err != nil {
		return Mat4{}, fmt.Errorf("%w: %v", ErrSingularMatrix, err)
	}
	out := fromDense(&inv)
	out[12], out[13], out[14], out[15] = 0, 0, 0, 1
	return out, nil
}

// IsIdentity compares every entry with the identity matrix using exact
// floating-point equality.
func (m Mat4) IsIdentity() bool {
	return m == Identity()
}

// Apply maps the point p through the affine transform.
func (m Mat4) Apply(p r3.Vector) r3.Vector {
	return r3.Vector{
		X: m[0]*p.X + m[1]*p.Y + m[2]*p.Z + m[3],
		Y: m[4]*p.X + m[5]*p.Y + m[6]*p.Z + m[7],
		Z: m[8]*p.X + m[9]*p.Y + m[10]*p.Z + m[11],
	}
}

// Translation returns the translation column.
func (m Mat4) Translation() r3.Vector {
	return r3.Vector{X: m[3], Y: m[7], Z: m[11]}
}

// ApproxEqual reports whether every entry differs by at most tol.
func (m Mat4) ApproxEqual(o Mat4, tol float64) bool {
	for i := range m {
		d := m[i] - o[i]
		if d > tol || d < -tol {
			return false
		}
	}
	return true
}

func (m Mat4) String() string {
	var b strings.Builder
	for r := 0; r < 4; r++ {
		fmt.Fprintf(&b, "%10.6f %10.6f %10.6f %10.6f\n", m[4*r], m[4*r+1], m[4*r+2], m[4*r+3])
	}
	return b.String()
}
