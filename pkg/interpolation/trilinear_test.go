package interpolation

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"

	"mrisymreg/internal/models"
	"mrisymreg/pkg/geometry"
)

// rampVolume returns a volume whose value is a linear function of the voxel index
func rampVolume(t *testing.T, g models.Grid) *models.Volume {
	t.Helper()
	v := models.NewVolume(g)
	for k := 0; k < g.Nz; k++ {
		for j := 0; j < g.Ny; j++ {
			for i := 0; i < g.Nx; i++ {
				v.Set(i, j, k, float64(i)+10*float64(j)+100*float64(k))
			}
		}
	}
	return v
}

// TestLinear verifies trilinear interpolation reproduces a linear field exactly
func TestLinear(t *testing.T) {
	g := models.Grid{Nx: 5, Ny: 4, Nz: 3, Dx: 1, Dy: 1, Dz: 1}
	v := rampVolume(t, g)

	points := [][3]float64{
		{0, 0, 0},
		{1.5, 2.25, 0.5},
		{3.9, 0.1, 1.75},
		{4, 3, 2}, // far corner uses clamped neighbours
	}
	for _, p := range points {
		want := p[0] + 10*p[1] + 100*p[2]
		got := Linear(p[0], p[1], p[2], v)
		if math.Abs(got-want) > 1e-9 {
			t.Errorf("Linear(%v): expected %f, got %f", p, want, got)
		}
	}
}

// TestLinearOutside verifies samples outside the grid are zero
func TestLinearOutside(t *testing.T) {
	g := models.Grid{Nx: 3, Ny: 3, Nz: 3, Dx: 1, Dy: 1, Dz: 1}
	v := models.NewVolume(g)
	for i := range v.Data {
		v.Data[i] = 7
	}

	for _, p := range [][3]float64{{-0.01, 1, 1}, {1, 2.01, 1}, {1, 1, 3}} {
		if got := Linear(p[0], p[1], p[2], v); got != 0 {
			t.Errorf("Linear(%v): expected 0 outside the grid, got %f", p, got)
		}
	}
	if got := Linear(2, 2, 2, v); got != 7 {
		t.Errorf("Expected boundary sample 7, got %f", got)
	}
}

// TestNearest verifies rounding and out-of-bounds behaviour
func TestNearest(t *testing.T) {
	g := models.Grid{Nx: 4, Ny: 4, Nz: 4, Dx: 1, Dy: 1, Dz: 1}
	v := rampVolume(t, g)

	if got := Nearest(1.4, 2.6, 0.5, v); got != 1+30+100 {
		t.Errorf("Expected 131, got %f", got)
	}
	if got := Nearest(-0.6, 0, 0, v); got != 0 {
		t.Errorf("Expected 0 outside the grid, got %f", got)
	}
}

// TestParseMethod verifies configuration strings map to methods
func TestParseMethod(t *testing.T) {
	cases := map[string]Method{"": Trilinear, "trilinear": Trilinear, "Nearest": NearestNeighbor, "nn": NearestNeighbor}
	for in, want := range cases {
		got, err := ParseMethod(in)
		if err != nil || got != want {
			t.Errorf("ParseMethod(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseMethod("cubic"); err == nil {
		t.Error("Expected error for unknown method")
	}
}

// TestResliceIdentity verifies an identity reslice onto the same grid is lossless
func TestResliceIdentity(t *testing.T) {
	g := models.Grid{Nx: 6, Ny: 5, Nz: 4, Dx: 1.5, Dy: 1, Dz: 2}
	src := rampVolume(t, g)

	out := Reslice(src, g, geometry.Identity(), Trilinear)
	for i := range src.Data {
		if math.Abs(out.Data[i]-src.Data[i]) > 1e-9 {
			t.Fatalf("voxel %d: expected %f, got %f", i, src.Data[i], out.Data[i])
		}
	}
}

// TestResliceTranslation verifies a one-voxel shift in mm moves the content by one voxel
func TestResliceTranslation(t *testing.T) {
	g := models.Grid{Nx: 6, Ny: 6, Nz: 6, Dx: 2, Dy: 2, Dz: 2}
	src := rampVolume(t, g)

	// destination point p samples source point p + (2mm, 0, 0)
	out := Reslice(src, g, geometry.Translation(r3.Vector{X: 2}), Trilinear)

	for i := 0; i < g.Nx-1; i++ {
		want := src.At(i+1, 2, 3)
		if got := out.At(i, 2, 3); math.Abs(got-want) > 1e-9 {
			t.Errorf("i=%d: expected %f, got %f", i, want, got)
		}
	}
	if got := out.At(g.Nx-1, 2, 3); got != 0 {
		t.Errorf("Expected 0 for voxel shifted outside the source, got %f", got)
	}
}

// TestResliceResample verifies physical alignment is kept across voxel sizes
func TestResliceResample(t *testing.T) {
	coarse := models.Grid{Nx: 5, Ny: 5, Nz: 5, Dx: 2, Dy: 2, Dz: 2}
	fine := models.Grid{Nx: 9, Ny: 9, Nz: 9, Dx: 1, Dy: 1, Dz: 1}
	src := rampVolume(t, coarse)

	out := Reslice(src, fine, geometry.Identity(), Trilinear)

	// fine voxel 2*i sits on coarse voxel i, odd voxels sit halfway between
	if got, want := out.At(4, 4, 4), src.At(2, 2, 2); math.Abs(got-want) > 1e-9 {
		t.Errorf("center: expected %f, got %f", want, got)
	}
	if got, want := out.At(3, 4, 4), (src.At(1, 2, 2)+src.At(2, 2, 2))/2; math.Abs(got-want) > 1e-9 {
		t.Errorf("half voxel: expected %f, got %f", want, got)
	}
}

// TestVoxelTransform verifies the grid-center mapping for differing voxel sizes
func TestVoxelTransform(t *testing.T) {
	from := models.Grid{Nx: 10, Ny: 10, Nz: 10, Dx: 1, Dy: 1, Dz: 1}
	to := models.Grid{Nx: 4, Ny: 6, Nz: 8, Dx: 2, Dy: 0.5, Dz: 1}

	m := VoxelTransform(geometry.Identity(), from, to)
	cx, cy, cz := from.Center()
	got := m.Apply(r3.Vector{X: cx, Y: cy, Z: cz})
	tx, ty, tz := to.Center()
	want := r3.Vector{X: tx, Y: ty, Z: tz}
	if got.Sub(want).Norm() > 1e-12 {
		t.Errorf("Expected grid centers to coincide: want %v, got %v", want, got)
	}

	// one voxel step in from is 1mm, i.e. half a voxel in x of to
	step := m.Apply(r3.Vector{X: cx + 1, Y: cy, Z: cz}).Sub(got)
	if math.Abs(step.X-0.5) > 1e-12 {
		t.Errorf("Expected x step of 0.5 voxels, got %f", step.X)
	}
}
