// Package analysis runs the complete hippocampal integrity analysis on NIfTI
// inputs. With a baseline and a follow-up image the two are registered
// symmetrically into a shared midpoint PIL space first; with a baseline alone
// the image is taken into PIL space directly.
package analysis

import (
	"bufio"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"mrisymreg/internal/models"
	"mrisymreg/pkg/geometry"
	"mrisymreg/pkg/integrity"
	"mrisymreg/pkg/landmarks"
	"mrisymreg/pkg/niftiio"
	"mrisymreg/pkg/registration"
	"mrisymreg/pkg/roi"
	"mrisymreg/pkg/visualization"
)

// Descrip is written into the description field of every output image.
const Descrip = "Created by mrisymreg"

// Params holds the inputs and settings of one analysis run.
type Params struct {
	// OutputPrefix names the run report, <OutputPrefix>.csv
	OutputPrefix string

	// Baseline is required. Followup selects the longitudinal mode when set.
	Baseline string
	Followup string

	// BaselinePIL and FollowupPIL are optional .mrx files holding
	// precomputed PIL transforms
	BaselinePIL string
	FollowupPIL string

	// AssetDir holds the prior, the optional PIL model and the atlases
	AssetDir  string
	Prior     string
	PILModel  string
	ROIModels []string

	Registration registration.Params
	Integrity    integrity.Params

	// Snapshots enables PNG mid-slices of the PIL images. They are written
	// next to the images unless SnapshotDir is set.
	Snapshots   bool
	SnapshotDir string
}

// Measurement is the integrity index of one region of one image.
type Measurement struct {
	Image  string
	ROI    string
	Result *integrity.Result
}

// subject is an input image together with its transform into PIL space.
type subject struct {
	path   string
	prefix string
	volume *models.Volume
	header *niftiio.Header
	toPIL  geometry.Mat4
}

// Analyzer carries one run through asset loading, registration, region
// extraction and the integrity report.
type Analyzer struct {
	params *Params
	log    logrus.FieldLogger

	prior       *models.Volume
	priorHeader *niftiio.Header
	pilModel    *landmarks.Model
	atlases     []*roi.Atlas

	registration *registration.Result
	measurements []Measurement
	outputs      []string
}

// NewAnalyzer creates an analyzer. A nil logger uses the logrus standard logger.
func NewAnalyzer(params *Params, log logrus.FieldLogger) *Analyzer {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Analyzer{params: params, log: log}
}

// Longitudinal reports whether the run registers two images.
func (a *Analyzer) Longitudinal() bool { return a.params.Followup != "" }

// Process runs the complete analysis. Nothing is written when an input or an
// asset cannot be loaded.
func (a *Analyzer) Process() error {
	if a.params.OutputPrefix == "" {
		return errors.New("an output prefix is required")
	}
	if a.params.Baseline == "" {
		return errors.New("a baseline image is required")
	}

	// Step 1: assets
	a.log.WithField("dir", a.params.AssetDir).Info("Step 1: Loading assets...")
	if err := a.loadAssets(); err != nil {
		return fmt.Errorf("failed to load assets: %w", err)
	}

	// Step 2: input images and their PIL transforms
	a.log.Info("Step 2: Computing PIL transforms...")
	base, err := a.loadSubject(a.params.Baseline, a.params.BaselinePIL)
	if err != nil {
		return err
	}
	subjects := []*subject{base}
	if a.Longitudinal() {
		follow, err := a.loadSubject(a.params.Followup, a.params.FollowupPIL)
		if err != nil {
			return err
		}
		subjects = append(subjects, follow)
	}

	// Step 3: PIL space images
	var pilImage *models.Volume
	if a.Longitudinal() {
		a.log.Info("Step 3: Registering baseline and follow-up images...")
		pilImage, err = a.register(subjects[0], subjects[1])
	} else {
		a.log.Info("Step 3: Reslicing baseline image into PIL space...")
		pilImage, err = a.reslice(subjects[0])
	}
	if err != nil {
		return err
	}

	// Step 4: regions of interest and integrity index
	a.log.Info("Step 4: Extracting regions and computing integrity index...")
	for _, s := range subjects {
		if err := a.measure(s, pilImage); err != nil {
			return err
		}
	}

	// Step 5: run report
	report := a.params.OutputPrefix + ".csv"
	a.log.WithField("file", report).Info("Step 5: Writing report...")
	if err := a.writeReport(report); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}

// loadAssets reads the prior, the optional PIL landmark model and the atlases.
func (a *Analyzer) loadAssets() error {
	p := a.params
	var err error

	a.prior, a.priorHeader, err = niftiio.ReadFile(filepath.Join(p.AssetDir, p.Prior))
	if err != nil {
		return err
	}

	if p.PILModel != "" {
		path := filepath.Join(p.AssetDir, p.PILModel)
		a.pilModel, err = landmarks.ReadModelFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			a.log.WithField("file", path).Warn("PIL landmark model not found, using orientation only")
			a.pilModel = nil
		case err != nil:
			return err
		}
	}

	if len(p.ROIModels) == 0 {
		return errors.New("no region atlases configured")
	}
	a.atlases = a.atlases[:0]
	for _, name := range p.ROIModels {
		atlas, err := roi.LoadAtlas(p.AssetDir, name)
		if err != nil {
			return err
		}
		a.atlases = append(a.atlases, atlas)
	}

	a.log.WithFields(logrus.Fields{
		"prior":    a.prior.Grid.String(),
		"pilModel": a.pilModel != nil,
		"atlases":  len(a.atlases),
	}).Debug("Loaded assets")
	return nil
}

// loadSubject reads an input image and resolves its PIL transform, either from
// a precomputed matrix file or from the image itself.
func (a *Analyzer) loadSubject(path, mrx string) (*subject, error) {
	prefix, err := niftiio.Prefix(path)
	if err != nil {
		return nil, err
	}
	vol, hdr, err := niftiio.ReadFile(path)
	if err != nil {
		return nil, err
	}
	s := &subject{path: path, prefix: prefix, volume: vol, header: hdr}

	log := a.log.WithField("image", path)
	if mrx != "" {
		s.toPIL, err = geometry.ReadMRXFile(mrx)
		if err != nil {
			return nil, err
		}
		log.WithField("file", mrx).Info("Using precomputed PIL transform")
		return s, nil
	}

	est := registration.PILEstimator{
		Prior:  a.prior.Grid,
		Model:  a.pilModel,
		Method: a.params.Registration.Interpolation,
		Logger: a.log,
	}
	s.toPIL, err = est.ComputePIL(vol, hdr.Metadata(), path)
	if err != nil {
		return nil, fmt.Errorf("failed to compute PIL transform: %w", err)
	}
	log.WithField("toPIL", s.toPIL.String()).Debug("Computed PIL transform")
	return s, nil
}

// register aligns the two subjects into the midpoint space, writes their
// transforms and PIL images, and returns the midpoint composite. Each
// subject's toPIL is replaced by its transform into the midpoint space.
func (a *Analyzer) register(base, follow *subject) (*models.Volume, error) {
	reg := registration.NewRegistrar(a.params.Registration, a.prior, a.log)
	res, err := reg.Register(registration.Input{
		Baseline:    base.volume,
		Followup:    follow.volume,
		BaselinePIL: base.toPIL,
		FollowupPIL: follow.toPIL,
	})
	if err != nil {
		return nil, err
	}
	a.registration = res

	base.toPIL = res.BaselineToMid
	follow.toPIL = res.FollowupToMid

	for _, out := range []struct {
		s   *subject
		pil *models.Volume
	}{{follow, res.FollowupPIL}, {base, res.BaselinePIL}} {
		comment := fmt.Sprintf("%s to midpoint rigid-body registration matrix computed by mrisymreg", out.s.path)
		if err := a.savePIL(out.s, out.pil, comment); err != nil {
			return nil, err
		}
	}
	return res.Midpoint, nil
}

// reslice takes a single subject into PIL space and writes its transform and
// PIL image.
func (a *Analyzer) reslice(s *subject) (*models.Volume, error) {
	pil, err := registration.ResliceToPIL(s.volume, s.toPIL, a.prior.Grid, a.params.Registration.Interpolation)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.path, err)
	}
	comment := fmt.Sprintf("%s to PIL transformation matrix computed by mrisymreg", s.path)
	if err := a.savePIL(s, pil, comment); err != nil {
		return nil, err
	}
	return pil, nil
}

// savePIL writes <prefix>_PIL.mrx and <prefix>_PIL.nii for a subject.
func (a *Analyzer) savePIL(s *subject, pil *models.Volume, comment string) error {
	mrx := s.prefix + "_PIL.mrx"
	if err := geometry.WriteMRXFile(mrx, comment, s.toPIL); err != nil {
		return err
	}

	hdr := *a.priorHeader
	hdr.SetDescrip(Descrip)
	nii := s.prefix + "_PIL.nii"
	if err := niftiio.WriteFile(nii, pil, &hdr); err != nil {
		return err
	}
	a.outputs = append(a.outputs, mrx, nii)

	a.log.WithFields(logrus.Fields{
		"matrix": mrx,
		"image":  nii,
	}).Info("Saved PIL transform and image")

	if a.params.Snapshots {
		a.saveSnapshots(s, pil)
	}
	return nil
}

// saveSnapshots writes orthogonal mid-slices of a PIL image. Failures are
// reported but do not stop the run.
func (a *Analyzer) saveSnapshots(s *subject, pil *models.Volume) {
	prefix := s.prefix + "_PIL"
	if a.params.SnapshotDir != "" {
		prefix = filepath.Join(a.params.SnapshotDir, filepath.Base(prefix))
	}
	paths, err := visualization.NewViewer(pil).SaveOrthogonal(prefix)
	if err != nil {
		a.log.WithError(err).WithField("image", s.path).Warn("Failed to save snapshots")
	}
	a.outputs = append(a.outputs, paths...)
}

// measure extracts every atlas region in the subject's native space, writes
// it, and computes its integrity index. Right hemisphere regions are reported
// first.
func (a *Analyzer) measure(s *subject, pilImage *models.Volume) error {
	ex := roi.Extractor{Method: a.params.Registration.Interpolation, Logger: a.log.WithField("image", s.path)}

	hdr := *s.header
	hdr.SetDescrip(Descrip)

	rois := make(map[*roi.Atlas]*models.Volume, len(a.atlases))
	for _, atlas := range a.atlases {
		region, err := ex.Extract(atlas, pilImage, s.toPIL, s.volume.Grid)
		if err != nil {
			return fmt.Errorf("%s: %w", s.path, err)
		}
		file := atlas.FileName(s.prefix)
		if err := niftiio.WriteFile(file, region, &hdr); err != nil {
			return err
		}
		a.outputs = append(a.outputs, file)
		rois[atlas] = region
	}

	for _, right := range []bool{true, false} {
		for _, atlas := range a.atlases {
			if atlas.Right() != right {
				continue
			}
			file := atlas.FileName(s.prefix)
			res, err := integrity.Compute(s.volume, rois[atlas], a.params.Integrity, a.log.WithField("roi", file))
			switch {
			case errors.Is(err, integrity.ErrEmptyROI):
				// the row is still reported, without an index
				a.log.WithFields(logrus.Fields{
					"image": s.path,
					"roi":   file,
				}).Warn("Region is empty in native space, index not computed")
				res = &integrity.Result{HI: math.NaN(), ParenchymaFraction: math.NaN()}
			case err != nil:
				return fmt.Errorf("%s: %w", file, err)
			}
			a.log.WithFields(logrus.Fields{
				"image":      s.path,
				"roi":        file,
				"hi":         res.HI,
				"parenchyma": res.ParenchymaFraction,
			}).Info("Computed integrity index")
			a.measurements = append(a.measurements, Measurement{Image: s.path, ROI: file, Result: res})
		}
	}
	return nil
}

// writeReport writes the "image, roi, hi" table.
func (a *Analyzer) writeReport(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	fmt.Fprintln(w, "image, roi, hi")
	for _, m := range a.measurements {
		fmt.Fprintf(w, "%s, %s, %f\n", m.Image, m.ROI, m.Result.HI)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	a.outputs = append(a.outputs, path)
	return nil
}

// Measurements returns the integrity indices in report order.
func (a *Analyzer) Measurements() []Measurement {
	return a.measurements
}

// Registration returns the registration result of a longitudinal run, or nil.
func (a *Analyzer) Registration() *registration.Result {
	return a.registration
}

// Outputs lists the files written by the run.
func (a *Analyzer) Outputs() []string {
	return a.outputs
}
