package registration

import (
	"fmt"
	"math"
	"strings"

	"mrisymreg/internal/models"
	"mrisymreg/pkg/geometry"
	"mrisymreg/pkg/interpolation"
)

// CostFunction selects the voxel dissimilarity measure. Lower is better for
// every variant.
type CostFunction int

const (
	// SSD is the sum of squared intensity differences
	SSD CostFunction = iota

	// NCC is the negated normalised cross-correlation
	NCC
)

// ParseCostFunction maps a configuration string onto a CostFunction.
func ParseCostFunction(s string) (CostFunction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "ssd":
		return SSD, nil
	case "ncc":
		return NCC, nil
	default:
		return SSD, fmt.Errorf("unknown cost function: %s (must be ssd or ncc)", s)
	}
}

func (c CostFunction) String() string {
	switch c {
	case SSD:
		return "ssd"
	case NCC:
		return "ncc"
	default:
		return fmt.Sprintf("CostFunction(%d)", int(c))
	}
}

// accumulator collects one voxel pair at a time
type accumulator interface {
	add(subject, target float64)
	value() float64
}

type ssdSum struct{ sum float64 }

func (s *ssdSum) add(subject, target float64) {
	d := subject - target
	s.sum += d * d
}

func (s *ssdSum) value() float64 { return s.sum }

// nccSums keeps the running moments shared by both directions. x is always
// the follow-up intensity and y the baseline intensity.
type nccSums struct {
	n int

	sx, sy, sxx, syy, sxy float64
}

func (s *nccSums) add(x, y float64) {
	s.n++
	s.sx += x
	s.sy += y
	s.sxx += x * x
	s.syy += y * y
	s.sxy += x * y
}

func (s *nccSums) value() float64 {
	if s.n == 0 {
		return 0
	}
	n := float64(s.n)
	vx := s.sxx - s.sx*s.sx/n
	vy := s.syy - s.sy*s.sy/n
	if vx <= 0 || vy <= 0 {
		return 0
	}
	return -(s.sxy - s.sx*s.sy/n) / math.Sqrt(vx) / math.Sqrt(vy)
}

func (c CostFunction) accumulator() (accumulator, error) {
	switch c {
	case SSD:
		return &ssdSum{}, nil
	case NCC:
		return &nccSums{}, nil
	default:
		return nil, fmt.Errorf("unknown cost function %d", int(c))
	}
}

// Evaluate computes the dissimilarity between baseline and follow-up under t,
// which maps follow-up centred mm coordinates into baseline centred mm
// coordinates. Every masked follow-up voxel is compared against the baseline
// sampled at its transformed location, and every masked baseline voxel against
// the follow-up sampled through the inverse of t. Both passes feed one sum.
func (c CostFunction) Evaluate(t geometry.Mat4, volB, volF *models.Volume, maskB, maskF *models.Mask) (float64, error) {
	if !volB.SameShape(maskB.Grid) {
		return 0, fmt.Errorf("%w: baseline volume %v, mask %v", models.ErrShape, volB.Grid, maskB.Grid)
	}
	if !volF.SameShape(maskF.Grid) {
		return 0, fmt.Errorf("%w: follow-up volume %v, mask %v", models.ErrShape, volF.Grid, maskF.Grid)
	}

	inv, err := t.Inverse()
	if err != nil {
		return 0, fmt.Errorf("failed to invert transform: %w", err)
	}

	acc, err := c.accumulator()
	if err != nil {
		return 0, err
	}

	// follow-up voxels sampled in the baseline
	fwd := interpolation.VoxelTransform(t, volF.Grid, volB.Grid)
	sweep(fwd, volF, maskF, volB, func(own, other float64) { acc.add(own, other) })

	// baseline voxels sampled in the follow-up
	bwd := interpolation.VoxelTransform(inv, volB.Grid, volF.Grid)
	sweep(bwd, volB, maskB, volF, func(own, other float64) { acc.add(other, own) })

	return acc.value(), nil
}

// sweep visits every masked voxel of own, maps it through m into the voxel
// space of other and reports both intensities.
func sweep(m geometry.Mat4, own *models.Volume, mask *models.Mask, other *models.Volume, visit func(own, other float64)) {
	g := own.Grid
	for k := 0; k < g.Nz; k++ {
		fk := float64(k)
		for j := 0; j < g.Ny; j++ {
			fj := float64(j)
			bx := m[1]*fj + m[2]*fk + m[3]
			by := m[5]*fj + m[6]*fk + m[7]
			bz := m[9]*fj + m[10]*fk + m[11]
			row := g.Index(0, j, k)
			for i := 0; i < g.Nx; i++ {
				v := row + i
				if !mask.Inside(v) {
					continue
				}
				fi := float64(i)
				visit(own.Data[v], interpolation.Linear(m[0]*fi+bx, m[4]*fi+by, m[8]*fi+bz, other))
			}
		}
	}
}
