// Package landmarks reads landmark model files and locates their landmarks in
// a volume by template matching on spherical neighbourhoods.
//
// A model file is little-endian binary: int32 landmark count, int32 template
// radius r, int32 search radius R, then for every landmark its int32 voxel
// center (i, j, k) followed by float32 template values over the radius-r
// sphere in Sphere order.
package landmarks

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/golang/geo/r3"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"

	"mrisymreg/internal/models"
	"mrisymreg/pkg/geometry"
)

// Offset is a voxel displacement
type Offset struct {
	I, J, K int
}

// Sphere lists every offset with i²+j²+k² ≤ r², ordered by k, then j, then i.
func Sphere(r int) []Offset {
	var out []Offset
	if r < 0 {
		return out
	}
	r2 := r * r
	for k := -r; k <= r; k++ {
		for j := -r; j <= r; j++ {
			for i := -r; i <= r; i++ {
				if i*i+j*j+k*k <= r2 {
					out = append(out, Offset{I: i, J: j, K: k})
				}
			}
		}
	}
	return out
}

// Landmark is one model landmark: its expected voxel position in the model
// grid and the intensity template around it.
type Landmark struct {
	Center   [3]int
	Template []float64
}

// Model is a set of landmarks sharing template and search radii.
type Model struct {
	Radius       int
	SearchRadius int
	Landmarks    []Landmark
}

// ReadModel decodes a landmark model.
func ReadModel(r io.Reader) (*Model, error) {
	br := bufio.NewReader(r)

	var head [3]int32
	if err := binary.Read(br, binary.LittleEndian, &head); err != nil {
		return nil, fmt.Errorf("failed to read model header: %w", err)
	}
	n, radius, search := int(head[0]), int(head[1]), int(head[2])
	if n < 0 || radius < 0 || search < 0 {
		return nil, fmt.Errorf("invalid model header: %d landmarks, r=%d, R=%d", n, radius, search)
	}

	size := len(Sphere(radius))
	m := &Model{Radius: radius, SearchRadius: search, Landmarks: make([]Landmark, n)}
	for l := 0; l < n; l++ {
		var cm [3]int32
		if err := binary.Read(br, binary.LittleEndian, &cm); err != nil {
			return nil, fmt.Errorf("landmark %d: failed to read center: %w", l, err)
		}
		raw := make([]float32, size)
		if err := binary.Read(br, binary.LittleEndian, raw); err != nil {
			return nil, fmt.Errorf("landmark %d: failed to read template: %w", l, err)
		}
		tmpl := make([]float64, size)
		for i, v := range raw {
			tmpl[i] = float64(v)
		}
		m.Landmarks[l] = Landmark{Center: [3]int{int(cm[0]), int(cm[1]), int(cm[2])}, Template: tmpl}
	}
	return m, nil
}

// ReadModelFile loads a landmark model from path.
func ReadModelFile(path string) (*Model, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open landmark model: %w", err)
	}
	defer f.Close()

	m, err := ReadModel(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return m, nil
}

// Write encodes the model in the format read by ReadModel.
func (m *Model) Write(w io.Writer) error {
	size := len(Sphere(m.Radius))
	bw := bufio.NewWriter(w)

	head := [3]int32{int32(len(m.Landmarks)), int32(m.Radius), int32(m.SearchRadius)}
	if err := binary.Write(bw, binary.LittleEndian, head); err != nil {
		return err
	}
	for l, lm := range m.Landmarks {
		if len(lm.Template) != size {
			return fmt.Errorf("landmark %d: template has %d values, sphere of radius %d has %d", l, len(lm.Template), m.Radius, size)
		}
		cm := [3]int32{int32(lm.Center[0]), int32(lm.Center[1]), int32(lm.Center[2])}
		if err := binary.Write(bw, binary.LittleEndian, cm); err != nil {
			return err
		}
		raw := make([]float32, size)
		for i, v := range lm.Template {
			raw[i] = float32(v)
		}
		if err := binary.Write(bw, binary.LittleEndian, raw); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// Detector finds landmarks by maximising the Pearson correlation between a
// template and the image over a spherical search region.
type Detector struct {
	search []Offset
	test   []Offset

	Logger logrus.FieldLogger
}

// NewDetector prepares a detector for templates of radius r searched within
// radius R of their expected position.
func NewDetector(r, R int) *Detector {
	return &Detector{search: Sphere(R), test: Sphere(r)}
}

// Sample collects the image values over the template sphere centred at c.
// Voxels outside the image read as 0.
func (d *Detector) Sample(v *models.Volume, c [3]int, dst []float64) []float64 {
	dst = dst[:0]
	for _, o := range d.test {
		dst = append(dst, v.At(c[0]+o.I, c[1]+o.J, c[2]+o.K))
	}
	return dst
}

// Detect returns the voxel within the search sphere around center whose
// neighbourhood correlates best with template, and that correlation. When no
// candidate yields a defined correlation the center itself is returned.
func (d *Detector) Detect(v *models.Volume, center [3]int, template []float64) ([3]int, float64) {
	best := center
	bestCorr := math.Inf(-1)
	buf := make([]float64, 0, len(d.test))

	for _, o := range d.search {
		c := [3]int{center[0] + o.I, center[1] + o.J, center[2] + o.K}
		buf = d.Sample(v, c, buf)
		corr := stat.Correlation(template, buf, nil)
		if corr > bestCorr {
			bestCorr = corr
			best = c
		}
	}
	return best, bestCorr
}

// centred converts a voxel index into centred mm coordinates of g.
func centred(g models.Grid, p [3]int) r3.Vector {
	cx, cy, cz := g.Center()
	return r3.Vector{
		X: (float64(p[0]) - cx) * g.Dx,
		Y: (float64(p[1]) - cy) * g.Dy,
		Z: (float64(p[2]) - cz) * g.Dz,
	}
}

// Transform detects every model landmark in v and returns the least-squares
// affine transform taking the detected positions onto the model positions,
// both in centred mm coordinates of v.
func Transform(m *Model, v *models.Volume, log logrus.FieldLogger) (geometry.Mat4, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	d := NewDetector(m.Radius, m.SearchRadius)
	size := len(d.test)

	detected := make([]r3.Vector, 0, len(m.Landmarks))
	expected := make([]r3.Vector, 0, len(m.Landmarks))
	for l, lm := range m.Landmarks {
		if len(lm.Template) != size {
			return geometry.Mat4{}, fmt.Errorf("landmark %d: template has %d values, want %d", l, len(lm.Template), size)
		}
		found, corr := d.Detect(v, lm.Center, lm.Template)
		log.WithFields(logrus.Fields{
			"landmark":    l,
			"expected":    lm.Center,
			"detected":    found,
			"correlation": corr,
		}).Debug("Detected landmark")

		expected = append(expected, centred(v.Grid, lm.Center))
		detected = append(detected, centred(v.Grid, found))
	}

	a, err := geometry.AffineFromPoints(detected, expected)
	if err != nil {
		return geometry.Mat4{}, fmt.Errorf("failed to fit landmark transform: %w", err)
	}
	return a, nil
}
