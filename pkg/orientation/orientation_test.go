package orientation

import (
	"bytes"
	"math"
	"strings"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/sirupsen/logrus"

	"mrisymreg/pkg/geometry"
)

// axialRAS describes a 10x12x8 volume whose voxel axes run along RAS and whose
// world origin sits at the volume center.
func axialRAS() Metadata {
	md := Metadata{Nx: 10, Ny: 12, Nz: 8, Dx: 1, Dy: 1.5, Dz: 2, QFac: 1}
	md.QOffsetX = -float64(md.Nx-1) / 2 * md.Dx
	md.QOffsetY = -float64(md.Ny-1) / 2 * md.Dy
	md.QOffsetZ = -float64(md.Nz-1) / 2 * md.Dz
	return md
}

var wantLAI = geometry.Mat4{
	-1, 0, 0, 0,
	0, 1, 0, 0,
	0, 0, -1, 0,
	0, 0, 0, 1,
}

// TestQuaternionIdentity verifies the RAS -> LAI sign convention for an unrotated quaternion
func TestQuaternionIdentity(t *testing.T) {
	md := axialRAS()
	md.QFormCode = 1

	got, ok := ToMagnet(md)
	if !ok {
		t.Fatal("Expected orientation to be resolved")
	}
	if !got.ApproxEqual(wantLAI, 1e-12) {
		t.Errorf("Expected\n%vgot\n%v", wantLAI, got)
	}
}

// TestSFormMatchesQuaternion verifies both metadata sources yield the same transform
func TestSFormMatchesQuaternion(t *testing.T) {
	md := axialRAS()
	md.SFormCode = 1
	md.SRowX = [4]float64{md.Dx, 0, 0, md.QOffsetX}
	md.SRowY = [4]float64{0, md.Dy, 0, md.QOffsetY}
	md.SRowZ = [4]float64{0, 0, md.Dz, md.QOffsetZ}

	got, ok := ToMagnet(md)
	if !ok {
		t.Fatal("Expected orientation to be resolved")
	}
	if !got.ApproxEqual(wantLAI, 1e-12) {
		t.Errorf("Expected\n%vgot\n%v", wantLAI, got)
	}

	// quaternion takes precedence over the affine rows
	md.QFormCode = 1
	md.QuaternD = math.Sin(math.Pi / 4) // 90 degrees about z
	rotated, _ := ToMagnet(md)
	if rotated.ApproxEqual(wantLAI, 1e-6) {
		t.Error("Quaternion form should be preferred when both are present")
	}
}

// TestQuaternionRotation verifies a rotated quaternion produces orthonormal axes
func TestQuaternionRotation(t *testing.T) {
	md := axialRAS()
	md.QFormCode = 1
	md.QuaternB = 0.1
	md.QuaternC = -0.2
	md.QuaternD = 0.3

	m, _ := ToMagnet(md)
	row := r3.Vector{X: m[0], Y: m[4], Z: m[8]}
	col := r3.Vector{X: m[1], Y: m[5], Z: m[9]}
	nrm := r3.Vector{X: m[2], Y: m[6], Z: m[10]}

	for name, v := range map[string]r3.Vector{"row": row, "column": col, "normal": nrm} {
		if math.Abs(v.Norm()-1) > 1e-9 {
			t.Errorf("%s vector not unit length: %v", name, v.Norm())
		}
	}
	if math.Abs(row.Dot(col)) > 1e-9 || math.Abs(row.Dot(nrm)) > 1e-9 {
		t.Error("Basis vectors should be orthogonal")
	}
}

// TestNegativeQFac verifies pixdim[0] < 0 flips the slice axis
func TestNegativeQFac(t *testing.T) {
	md := axialRAS()
	md.QFormCode = 1
	md.QFac = -1

	m, _ := ToMagnet(md)
	if m[10] != 1 {
		t.Errorf("Expected flipped normal z component 1, got %f", m[10])
	}
}

// TestZeroLengthFallback verifies canonical axes replace zero-length columns
func TestZeroLengthFallback(t *testing.T) {
	md := Metadata{Nx: 4, Ny: 4, Nz: 4, Dx: 1, Dy: 1, Dz: 1, SFormCode: 2}

	m, ok := ToMagnet(md)
	if !ok {
		t.Fatal("Expected sform to be used")
	}
	if m[0] != 1 || m[5] != 1 || m[10] != 1 {
		t.Errorf("Expected canonical unit axes, got\n%v", m)
	}
}

// TestMissingOrientation verifies the degraded path logs and continues with identity
func TestMissingOrientation(t *testing.T) {
	md := Metadata{Nx: 4, Ny: 4, Nz: 4, Dx: 1, Dy: 1, Dz: 1}

	m, ok := ToMagnet(md)
	if ok {
		t.Error("Expected ok == false without orientation metadata")
	}
	if !m.IsIdentity() {
		t.Errorf("Expected identity placeholder, got\n%v", m)
	}

	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)

	pil := Resolver{Logger: logger}.ToPIL(md, "scan.nii")
	if pil != LAIToPIL {
		t.Errorf("Expected LAIToPIL for degraded geometry, got\n%v", pil)
	}
	if !strings.Contains(buf.String(), "orientation") {
		t.Errorf("Expected a diagnostic, got %q", buf.String())
	}
}
