package analysis

import (
	"bytes"
	"encoding/binary"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"mrisymreg/internal/models"
	"mrisymreg/pkg/config"
	"mrisymreg/pkg/geometry"
	"mrisymreg/pkg/integrity"
	"mrisymreg/pkg/landmarks"
	"mrisymreg/pkg/niftiio"
	"mrisymreg/pkg/roi"
)

var testGrid = models.Grid{Nx: 16, Ny: 16, Nz: 16, Dx: 1, Dy: 1, Dz: 1}

// atlasOffsets are the box positions of the synthetic atlases inside the PIL grid
var atlasOffsets = map[string][3]int{
	"lhc3": {3, 5, 6},
	"rhc3": {9, 5, 6},
}

// createSubject creates a random integer volume
func createSubject(seed int64) *models.Volume {
	rng := rand.New(rand.NewSource(seed))
	v := models.NewVolume(testGrid)
	for i := range v.Data {
		v.Data[i] = float64(20 + rng.Intn(480))
	}
	return v
}

// subjectModel builds a landmark model whose landmarks sit exactly where they are found in v
func subjectModel(v *models.Volume) *landmarks.Model {
	d := landmarks.NewDetector(1, 1)
	m := &landmarks.Model{Radius: 1, SearchRadius: 1}
	for _, c := range [][3]int{{3, 3, 3}, {12, 4, 3}, {4, 12, 4}, {4, 4, 12}, {11, 11, 10}} {
		m.Landmarks = append(m.Landmarks, landmarks.Landmark{Center: c, Template: d.Sample(v, c, nil)})
	}
	return m
}

// atlasBox creates a 4x3x3 region probability box
func atlasBox() *models.Volume {
	v := models.NewVolume(models.Grid{Nx: 4, Ny: 3, Nz: 3, Dx: 1, Dy: 1, Dz: 1})
	for i := range v.Data {
		v.Data[i] = float64(40 + 2*i)
	}
	return v
}

// writeAtlas stores an atlas box with its offset in dim[5..7] and its landmark model
func writeAtlas(t *testing.T, dir, name string, off [3]int, model *landmarks.Model) {
	t.Helper()
	box := atlasBox()

	h := niftiio.NewHeader(box.Grid)
	h.Dim[5], h.Dim[6], h.Dim[7] = int16(off[0]), int16(off[1]), int16(off[2])
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, h)
	buf.Write(make([]byte, 4))
	for _, v := range box.Data {
		_ = binary.Write(&buf, binary.LittleEndian, int16(v))
	}
	if err := os.WriteFile(filepath.Join(dir, name+".nii"), buf.Bytes(), 0644); err != nil {
		t.Fatalf("Failed to write atlas: %v", err)
	}

	f, err := os.Create(filepath.Join(dir, name+".mdl"))
	if err != nil {
		t.Fatalf("Failed to create model: %v", err)
	}
	defer f.Close()
	if err := model.Write(f); err != nil {
		t.Fatalf("Failed to write model: %v", err)
	}
}

// createAssets writes a uniform prior and both atlases built around subject
func createAssets(t *testing.T, subject *models.Volume) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "assets")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("Failed to create asset dir: %v", err)
	}

	prior := models.NewVolume(testGrid)
	for i := range prior.Data {
		prior.Data[i] = 100
	}
	if err := niftiio.WriteFile(filepath.Join(dir, "PILbrain.nii"), prior, niftiio.NewHeader(testGrid)); err != nil {
		t.Fatalf("Failed to write prior: %v", err)
	}

	model := subjectModel(subject)
	for _, name := range roi.Sides {
		writeAtlas(t, dir, name, atlasOffsets[name], model)
	}
	return dir
}

// writeSubject stores an image and an identity PIL transform next to it
func writeSubject(t *testing.T, path string, v *models.Volume) string {
	t.Helper()
	if err := niftiio.WriteFile(path, v, niftiio.NewHeader(v.Grid)); err != nil {
		t.Fatalf("Failed to write subject: %v", err)
	}
	mrx := path + ".mrx"
	if err := geometry.WriteMRXFile(mrx, "identity", geometry.Identity()); err != nil {
		t.Fatalf("Failed to write transform: %v", err)
	}
	return mrx
}

// newParams returns the default run settings for the synthetic assets
func newParams(t *testing.T, assets, prefix string) *Params {
	t.Helper()
	cfg := config.DefaultConfig()
	reg, err := cfg.RegistrationParams()
	if err != nil {
		t.Fatalf("Invalid default registration settings: %v", err)
	}
	return &Params{
		OutputPrefix: prefix,
		AssetDir:     assets,
		Prior:        cfg.Assets.Prior,
		PILModel:     cfg.Assets.PILModel,
		ROIModels:    cfg.Assets.ROIModels,
		Registration: reg,
		Integrity:    cfg.IntegrityParams(),
	}
}

// checkRegion verifies a written region equals the atlas pasted into the subject grid
func checkRegion(t *testing.T, file, side string) {
	t.Helper()
	got, _, err := niftiio.ReadFile(file)
	if err != nil {
		t.Fatalf("Failed to read region: %v", err)
	}
	want := (&roi.Atlas{Name: side, Box: atlasBox(), Offset: atlasOffsets[side]}).Paste(testGrid)
	for i := range want.Data {
		if got.Data[i] != want.Data[i] {
			t.Fatalf("%s voxel %d: expected %g, got %g", file, i, want.Data[i], got.Data[i])
		}
	}
}

// readReport returns the lines of the run report
func readReport(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read report: %v", err)
	}
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

// TestCrossSectional runs the single image analysis end to end
func TestCrossSectional(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	subject := createSubject(7)
	assets := createAssets(t, subject)
	work := t.TempDir()

	base := filepath.Join(work, "base.nii")
	p := newParams(t, assets, filepath.Join(work, "run"))
	p.Baseline = base
	p.BaselinePIL = writeSubject(t, base, subject)
	p.Snapshots = true
	p.SnapshotDir = filepath.Join(work, "snapshots")

	a := NewAnalyzer(p, nil)
	if err := a.Process(); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if a.Longitudinal() || a.Registration() != nil {
		t.Error("Expected a cross-sectional run")
	}

	t.Run("Outputs", func(t *testing.T) {
		for _, suffix := range []string{"_PIL.mrx", "_PIL.nii", "_RHROI.nii", "_LHROI.nii"} {
			if _, err := os.Stat(filepath.Join(work, "base"+suffix)); err != nil {
				t.Errorf("Missing output base%s: %v", suffix, err)
			}
		}
		for _, view := range []string{"axial", "coronal", "sagittal"} {
			if _, err := os.Stat(filepath.Join(p.SnapshotDir, "base_PIL_"+view+".png")); err != nil {
				t.Errorf("Missing %s snapshot: %v", view, err)
			}
		}

		pil, hdr, err := niftiio.ReadFile(filepath.Join(work, "base_PIL.nii"))
		if err != nil {
			t.Fatalf("Failed to read PIL image: %v", err)
		}
		if hdr.DescripString() != Descrip {
			t.Errorf("Unexpected description %q", hdr.DescripString())
		}
		for i := range pil.Data {
			if pil.Data[i] != subject.Data[i] {
				t.Fatalf("PIL voxel %d: expected %g, got %g", i, subject.Data[i], pil.Data[i])
			}
		}

		m, err := geometry.ReadMRXFile(filepath.Join(work, "base_PIL.mrx"))
		if err != nil {
			t.Fatalf("Failed to read transform: %v", err)
		}
		if !m.IsIdentity() {
			t.Errorf("Expected identity transform, got %v", m)
		}
	})

	t.Run("Regions", func(t *testing.T) {
		checkRegion(t, filepath.Join(work, "base_RHROI.nii"), "rhc3")
		checkRegion(t, filepath.Join(work, "base_LHROI.nii"), "lhc3")
	})

	t.Run("Report", func(t *testing.T) {
		lines := readReport(t, p.OutputPrefix+".csv")
		if len(lines) != 3 || lines[0] != "image, roi, hi" {
			t.Fatalf("Unexpected report %q", lines)
		}
		if !strings.Contains(lines[1], "_RHROI.nii") || !strings.Contains(lines[2], "_LHROI.nii") {
			t.Errorf("Expected right hemisphere first, got %q", lines[1:])
		}

		ms := a.Measurements()
		if len(ms) != 2 {
			t.Fatalf("Expected 2 measurements, got %d", len(ms))
		}
		region := (&roi.Atlas{Name: "rhc3", Box: atlasBox(), Offset: atlasOffsets["rhc3"]}).Paste(testGrid)
		want, err := integrity.Compute(subject, region, p.Integrity, nil)
		if err != nil {
			t.Fatalf("Compute failed: %v", err)
		}
		if ms[0].Result.HI != want.HI {
			t.Errorf("Expected HI %f, got %f", want.HI, ms[0].Result.HI)
		}
		if ms[0].Image != base {
			t.Errorf("Expected image %s, got %s", base, ms[0].Image)
		}
	})
}

// TestEmptyRegion verifies a region that misses the image is reported without
// an index while the other region is still measured
func TestEmptyRegion(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	subject := createSubject(11)
	assets := createAssets(t, subject)
	// box entirely outside the PIL grid
	writeAtlas(t, assets, "rhc3", [3]int{40, 40, 40}, subjectModel(subject))
	work := t.TempDir()

	base := filepath.Join(work, "base.nii")
	p := newParams(t, assets, filepath.Join(work, "run"))
	p.Baseline = base
	p.BaselinePIL = writeSubject(t, base, subject)

	a := NewAnalyzer(p, nil)
	if err := a.Process(); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	ms := a.Measurements()
	if len(ms) != 2 {
		t.Fatalf("Expected 2 measurements, got %d", len(ms))
	}
	if !math.IsNaN(ms[0].Result.HI) {
		t.Errorf("Expected NaN index for the empty region, got %f", ms[0].Result.HI)
	}
	if math.IsNaN(ms[1].Result.HI) {
		t.Error("Expected an index for the left region")
	}
	checkRegion(t, filepath.Join(work, "base_LHROI.nii"), "lhc3")

	lines := readReport(t, p.OutputPrefix+".csv")
	if len(lines) != 3 {
		t.Fatalf("Expected 3 report lines, got %q", lines)
	}
	if !strings.HasSuffix(lines[1], "_RHROI.nii, NaN") {
		t.Errorf("Expected NaN for the empty region, got %q", lines[1])
	}
	if strings.Contains(lines[2], "NaN") {
		t.Errorf("Unexpected NaN in %q", lines[2])
	}
}

// TestLongitudinal registers two identical scans and measures both
func TestLongitudinal(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	subject := createSubject(21)
	assets := createAssets(t, subject)
	work := t.TempDir()

	base := filepath.Join(work, "base.nii")
	follow := filepath.Join(work, "follow.nii.gz")
	p := newParams(t, assets, filepath.Join(work, "run"))
	p.Baseline, p.Followup = base, follow
	p.BaselinePIL = writeSubject(t, base, subject)
	p.FollowupPIL = writeSubject(t, follow, subject)

	a := NewAnalyzer(p, nil)
	if err := a.Process(); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if !a.Longitudinal() {
		t.Fatal("Expected a longitudinal run")
	}

	res := a.Registration()
	if res == nil {
		t.Fatal("Expected a registration result")
	}
	if res.Cost != 0 || !res.Correction.IsIdentity() {
		t.Errorf("Expected identity correction at zero cost, got %v at %g", res.Pose, res.Cost)
	}
	if !res.BaselineToMid.IsIdentity() || !res.FollowupToMid.IsIdentity() {
		t.Error("Expected identity midpoint transforms")
	}

	for _, prefix := range []string{"base", "follow"} {
		checkRegion(t, filepath.Join(work, prefix+"_RHROI.nii"), "rhc3")
		checkRegion(t, filepath.Join(work, prefix+"_LHROI.nii"), "lhc3")
		if _, err := os.Stat(filepath.Join(work, prefix+"_PIL.mrx")); err != nil {
			t.Errorf("Missing %s_PIL.mrx: %v", prefix, err)
		}
	}

	lines := readReport(t, p.OutputPrefix+".csv")
	if len(lines) != 5 {
		t.Fatalf("Expected 5 report lines, got %d", len(lines))
	}
	if !strings.HasPrefix(lines[1], base+", ") || !strings.HasPrefix(lines[3], follow+", ") {
		t.Errorf("Unexpected report order %q", lines[1:])
	}

	// Identical scans give identical indices
	ms := a.Measurements()
	if ms[0].Result.HI != ms[2].Result.HI || ms[1].Result.HI != ms[3].Result.HI {
		t.Errorf("Expected matching indices, got %v %v %v %v",
			ms[0].Result.HI, ms[1].Result.HI, ms[2].Result.HI, ms[3].Result.HI)
	}
}

// TestProcessErrors verifies nothing is written when inputs are missing
func TestProcessErrors(t *testing.T) {
	subject := createSubject(3)
	assets := createAssets(t, subject)
	work := t.TempDir()
	prefix := filepath.Join(work, "run")

	t.Run("NoPrefix", func(t *testing.T) {
		p := newParams(t, assets, "")
		p.Baseline = filepath.Join(work, "base.nii")
		if err := NewAnalyzer(p, nil).Process(); err == nil {
			t.Error("Expected error without an output prefix")
		}
	})

	t.Run("MissingBaseline", func(t *testing.T) {
		p := newParams(t, assets, prefix)
		p.Baseline = filepath.Join(work, "missing.nii")
		if err := NewAnalyzer(p, nil).Process(); err == nil {
			t.Error("Expected error for a missing baseline image")
		}
	})

	t.Run("BadExtension", func(t *testing.T) {
		p := newParams(t, assets, prefix)
		p.Baseline = filepath.Join(work, "base.img")
		if err := NewAnalyzer(p, nil).Process(); err == nil {
			t.Error("Expected error for an unsupported file name")
		}
	})

	t.Run("MissingAtlas", func(t *testing.T) {
		p := newParams(t, assets, prefix)
		p.Baseline = filepath.Join(work, "base.nii")
		writeSubject(t, p.Baseline, subject)
		p.ROIModels = []string{"lhc3", "amygdala"}
		if err := NewAnalyzer(p, nil).Process(); err == nil {
			t.Error("Expected error for a missing atlas")
		}
	})

	if _, err := os.Stat(prefix + ".csv"); !os.IsNotExist(err) {
		t.Errorf("Expected no report, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(work, "base_PIL.nii")); !os.IsNotExist(err) {
		t.Errorf("Expected no PIL image, got %v", err)
	}
}
