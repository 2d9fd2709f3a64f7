package geometry

import (
	"fmt"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// homogeneous packs points as the columns of a 4xN matrix with a unit last row.
func homogeneous(pts []r3.Vector) *mat.Dense {
	n := len(pts)
	m := mat.NewDense(4, n, nil)
	for i, p := range pts {
		m.Set(0, i, p.X)
		m.Set(1, i, p.Y)
		m.Set(2, i, p.Z)
		m.Set(3, i, 1)
	}
	return m
}

// AffineFromPoints returns the least-squares affine transform A mapping each
// source point onto its target: A = (T·Sᵀ)·(S·Sᵀ)⁻¹ with S and T in
// homogeneous coordinates. At least four non-coplanar source points are needed.
func AffineFromPoints(source, target []r3.Vector) (Mat4, error) {
	if len(source) != len(target) {
		return Mat4{}, fmt.Errorf("point count mismatch: %d vs %d", len(source), len(target))
	}
	if len(source) < 4 {
		return Mat4{}, fmt.Errorf("need at least 4 point pairs, got %d", len(source))
	}

	s := homogeneous(source)
	t := homogeneous(target)

	var sst, tst mat.Dense
	sst.Mul(s, s.T())
	tst.Mul(t, s.T())

	var inv mat.Dense
	if err := inv.Inverse(&sst); err != nil {
		return Mat4{}, fmt.Errorf("%w: source points are degenerate: %v", ErrSingularMatrix, err)
	}

	var a mat.Dense
	a.Mul(&tst, &inv)

	out := fromDense(&a)
	out[12], out[13], out[14], out[15] = 0, 0, 0, 1
	return out, nil
}
