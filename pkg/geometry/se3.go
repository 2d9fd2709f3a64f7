package geometry

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// Twist is a screw-motion generator in se(3): a unit rotation axis W, the
// associated translation generator V and the rotation angle Theta in radians.
// A zero axis denotes a pure translation by V.
type Twist struct {
	W     r3.Vector
	V     r3.Vector
	Theta float64
}

const (
	smallAngle = 1e-12
	nearPi     = 1e-6
)

var unitAxes = [3]r3.Vector{{X: 1}, {Y: 1}, {Z: 1}}

// rotate applies the Rodrigues rotation about unit axis w by theta to x.
func rotate(w r3.Vector, theta float64, x r3.Vector) r3.Vector {
	s, c := math.Sincos(theta)
	wx := w.Cross(x)
	return x.Add(wx.Mul(s)).Add(w.Cross(wx).Mul(1 - c))
}

// leftJacobian applies (θI + (1-cosθ)W + (θ-sinθ)W²) to x.
func leftJacobian(w r3.Vector, theta float64, x r3.Vector) r3.Vector {
	s, c := math.Sincos(theta)
	wx := w.Cross(x)
	return x.Mul(theta).Add(wx.Mul(1 - c)).Add(w.Cross(wx).Mul(theta - s))
}

// Log decomposes a rigid transform into its twist. The linear part of t must
// be a proper rotation.
func Log(t Mat4) (Twist, error) {
	trace := t[0] + t[5] + t[10]
	cosTheta := math.Max(-1, math.Min(1, (trace-1)/2))
	theta := math.Acos(cosTheta)
	trans := t.Translation()

	if theta < smallAngle {
		return Twist{V: trans}, nil
	}

	var w r3.Vector
	if math.Pi-theta < nearPi {
		// sin(θ) vanishes; recover the axis from (R + I)/2 = w·wᵀ.
		b := [3][3]float64{}
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				b[r][c] = t[4*r+c] / 2
			}
			b[r][r] += 0.5
		}
		i := 0
		for k := 1; k < 3; k++ {
			if b[k][k] > b[i][i] {
				i = k
			}
		}
		wi := math.Sqrt(b[i][i])
		comp := [3]float64{}
		for k := 0; k < 3; k++ {
			comp[k] = b[i][k] / wi
		}
		comp[i] = wi
		w = r3.Vector{X: comp[0], Y: comp[1], Z: comp[2]}.Normalize()
		skew := r3.Vector{X: t[9] - t[6], Y: t[2] - t[8], Z: t[4] - t[1]}
		if w.Dot(skew) < 0 {
			w = w.Mul(-1)
		}
	} else {
		s := 2 * math.Sin(theta)
		w = r3.Vector{
			X: (t[9] - t[6]) / s,
			Y: (t[2] - t[8]) / s,
			Z: (t[4] - t[1]) / s,
		}.Normalize()
	}

	jac := mat.NewDense(3, 3, nil)
	for c, e := range unitAxes {
		col := leftJacobian(w, theta, e)
		jac.Set(0, c, col.X)
		jac.Set(1, c, col.Y)
		jac.Set(2, c, col.Z)
	}
	var v mat.VecDense
	if err := v.SolveVec(jac, mat.NewVecDense(3, []float64{trans.X, trans.Y, trans.Z})); err != nil {
		return Twist{}, fmt.Errorf("%w: se(3) translation generator: %v", ErrSingularMatrix, err)
	}

	return Twist{W: w, V: r3.Vector{X: v.AtVec(0), Y: v.AtVec(1), Z: v.AtVec(2)}, Theta: theta}, nil
}

// Exp maps a twist back to a rigid transform.
func Exp(tw Twist) Mat4 {
	if tw.W.Norm2() == 0 {
		return Translation(tw.V)
	}
	cols := [3]r3.Vector{}
	for i, e := range unitAxes {
		cols[i] = rotate(tw.W, tw.Theta, e)
	}
	return FromBasis(cols[0], cols[1], cols[2], leftJacobian(tw.W, tw.Theta, tw.V))
}

// SqrtAndInvSqrt returns the rigid square root of t and its inverse, such that
// sqrtT·sqrtT ≈ t and invSqrtT·invSqrtT ≈ t⁻¹. The identity maps to the
// identity pair without decomposition.
func SqrtAndInvSqrt(t Mat4) (sqrtT, invSqrtT Mat4, err error) {
	if t.IsIdentity() {
		return Identity(), Identity(), nil
	}

	tw, err := Log(t)
	if err != nil {
		return Mat4{}, Mat4{}, err
	}

	if tw.W.Norm2() == 0 {
		half := tw.V.Mul(0.5)
		return Translation(half), Translation(half.Mul(-1)), nil
	}

	tw.Theta /= 2
	sqrtT = Exp(tw)
	tw.Theta = -tw.Theta
	invSqrtT = Exp(tw)
	return sqrtT, invSqrtT, nil
}
