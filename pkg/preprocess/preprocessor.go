// Package preprocess orchestrates the preprocessing pipeline: the forward
// (training) pass over a raw dataset, the inference pass producing a
// network-ready tensor plus its inversion metadata, and the reverse pass
// mapping predictions back into the original volume canvas.
//
// All geometric work is delegated to the volume, resample and normalize
// packages; this package owns case discovery, validation, ordering of the
// transform steps, metadata bookkeeping and persistence.
package preprocess

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"

	"segprep/internal/nifti"
	"segprep/pkg/normalize"
	"segprep/pkg/plan"
	"segprep/pkg/resample"
	"segprep/pkg/volume"
)

// spacingTol is the relative tolerance when comparing voxel spacings of the
// volumes of one case.
const spacingTol = 1e-5

const (
	imagesDir = "imagesTr"
	labelsDir = "labelsTr"
)

// Params configures a Preprocessor.
type Params struct {
	// Plan is the validated preprocessing plan.
	Plan *plan.Plan

	// InputDir is the raw dataset root, holding imagesTr/ and labelsTr/.
	InputDir string

	// TargetDir receives one array file and one metadata sidecar per case.
	TargetDir string

	// Workers bounds the number of cases preprocessed concurrently.
	// Defaults to the number of CPUs.
	Workers int

	// SkipValidation disables the per-case consistency checks. Meant for
	// datasets already known to be clean; validation is on by default.
	SkipValidation bool

	// Log receives per-case progress and failures. Defaults to the
	// standard logger.
	Log *logrus.Logger
}

// Preprocessor runs the forward pipeline over a raw dataset and carries the
// plan used by the inference and reverse passes. It is safe for concurrent
// use: the plan is read-only and all per-case state is task-local.
type Preprocessor struct {
	plan      *plan.Plan
	inputDir  string
	targetDir string
	workers   int
	validate  bool
	log       *logrus.Logger
}

// New validates params and returns a ready Preprocessor.
func New(p *Params) (*Preprocessor, error) {
	if p.Plan == nil {
		return nil, &plan.ConfigurationError{Reason: "preprocessor requires a plan"}
	}
	workers := p.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	log := p.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Preprocessor{
		plan:      p.Plan,
		inputDir:  p.InputDir,
		targetDir: p.TargetDir,
		workers:   workers,
		validate:  !p.SkipValidation,
		log:       log,
	}, nil
}

// Run preprocesses every case of the dataset. Cases are independent and fan
// out over a bounded worker pool; a failing case is logged and skipped
// without aborting its siblings. Only setup problems return an error.
func (p *Preprocessor) Run() error {
	ids, err := p.subjectIDs()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(p.targetDir, 0o755); err != nil {
		return fmt.Errorf("preprocess: creating target dir: %w", err)
	}

	p.log.WithFields(logrus.Fields{
		"cases":           len(ids),
		"workers":         p.workers,
		"crop_to_nonzero": p.plan.CropToNonzero,
		"target_spacing":  p.plan.TargetSpacing,
		"transpose":       p.plan.TransposeForward,
	}).Info("starting preprocessing")

	failed := p.runPool(ids)
	p.log.WithFields(logrus.Fields{
		"cases":  len(ids),
		"failed": failed,
	}).Info("preprocessing finished")
	return nil
}

// subjectIDs derives the case set from the labels directory; every label
// file defines one subject.
func (p *Preprocessor) subjectIDs() ([]string, error) {
	dir := filepath.Join(p.inputDir, labelsDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("preprocess: reading %s: %w", dir, err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if id, ok := stripNiftiExt(e.Name()); ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func stripNiftiExt(name string) (string, bool) {
	switch {
	case strings.HasSuffix(name, ".nii.gz"):
		return strings.TrimSuffix(name, ".nii.gz"), true
	case strings.HasSuffix(name, ".nii"):
		return strings.TrimSuffix(name, ".nii"), true
	}
	return "", false
}

// modalityPaths resolves the modality files of one subject. The trailing
// underscore keeps case_4 from matching case_42's files.
func (p *Preprocessor) modalityPaths(id string) ([]string, error) {
	dir := filepath.Join(p.inputDir, imagesDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("preprocess: reading %s: %w", dir, err)
	}
	var paths []string
	for _, e := range entries {
		if _, ok := stripNiftiExt(e.Name()); !ok {
			continue
		}
		if strings.HasPrefix(e.Name(), id+"_") {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(paths)
	if len(paths) == 0 {
		return nil, &MissingDataError{Case: id, Dir: dir}
	}
	return paths, nil
}

func (p *Preprocessor) labelPath(id string) string {
	gz := filepath.Join(p.inputDir, labelsDir, id+".nii.gz")
	if _, err := os.Stat(gz); err == nil {
		return gz
	}
	return filepath.Join(p.inputDir, labelsDir, id+".nii")
}

// preprocessTrainCase runs the full forward pipeline for one subject.
func (p *Preprocessor) preprocessTrainCase(id string) error {
	arrayPath := filepath.Join(p.targetDir, id+".npy")
	propsPath := filepath.Join(p.targetDir, id+".yaml")
	if fileExists(arrayPath) && fileExists(propsPath) {
		p.log.WithField("case", id).Info("already preprocessed, skipping")
		return nil
	}

	imagePaths, err := p.modalityPaths(id)
	if err != nil {
		return err
	}
	labelPath := p.labelPath(id)

	images := make([]*volume.Volume, len(imagePaths))
	for i, path := range imagePaths {
		if images[i], err = nifti.Load(path); err != nil {
			return err
		}
	}
	label, err := nifti.Load(labelPath)
	if err != nil {
		return err
	}

	if p.validate {
		if err := p.checkCaseConsistency(id, images, label); err != nil {
			return err
		}
	}

	props := &ImageProperties{
		ImageFiles:      imagePaths,
		LabelFile:       labelPath,
		OriginalSpacing: append([]float64(nil), images[0].Spacing...),
		OriginalShape:   append([]int(nil), images[0].Shape...),
		CropToNonzero:   p.plan.CropToNonzero,
		Affine:          images[0].Affine,
		QForm:           images[0].QForm,
		SForm:           images[0].SForm,
	}

	targetSpacing := p.plan.TargetSpacing
	if len(targetSpacing) == 0 {
		targetSpacing = props.OriginalSpacing
	}

	arrays, labelArr, err := p.reorientCase(images, label.Array, props)
	if err != nil {
		return err
	}

	if err := p.checkLabelDomain(id, labelArr); err != nil {
		return err
	}

	props.UncroppedShape = append([]int(nil), arrays[0].Shape...)
	if p.plan.CropToNonzero {
		box := volume.ForegroundBox(arrays[0], 0)
		for i := range arrays {
			if arrays[i], err = volume.CropToBox(arrays[i], box); err != nil {
				return err
			}
		}
		if labelArr, err = volume.CropToBox(labelArr, box); err != nil {
			return err
		}
		props.NonzeroBox = box
	}
	props.CroppedShape = append([]int(nil), arrays[0].Shape...)

	arrays, labelArr, err = p.resampleAndNormalizeCase(arrays, labelArr, props.OriginalSpacing, targetSpacing)
	if err != nil {
		return fmt.Errorf("case %s: %w", id, err)
	}
	props.ResampledTransposedShape = append([]int(nil), arrays[0].Shape...)

	stacked := stackChannels(append(arrays, labelArr))

	// Foreground statistics are computed from the final, post-transform
	// label array so the sampler sees training-space coordinates.
	newSpacing := permuteFloats(targetSpacing, p.plan.TransposeForward)
	props.ForegroundLocations = foregroundLocations(labelArr)
	props.ComponentCount, props.ComponentSizes = connectedComponents(labelArr, newSpacing)
	props.NewSpacing = newSpacing
	props.NewShape = append([]int(nil), arrays[0].Shape...)

	if err := WriteNpy(arrayPath, stacked); err != nil {
		return fmt.Errorf("case %s: writing array: %w", id, err)
	}
	if err := props.Save(propsPath); err != nil {
		return fmt.Errorf("case %s: writing properties: %w", id, err)
	}

	p.log.WithFields(logrus.Fields{
		"case":           id,
		"shape_before":   props.OriginalShape,
		"shape_after":    props.NewShape,
		"spacing_before": props.OriginalSpacing,
		"spacing_after":  props.NewSpacing,
	}).Info("case preprocessed")
	return nil
}

// checkCaseConsistency asserts that all modalities and the label share
// dimensionality, shape, spacing and orientation. Mismatches are never
// silently coerced.
func (p *Preprocessor) checkCaseConsistency(id string, images []*volume.Volume, label *volume.Volume) error {
	dims := p.plan.DatasetProperties.DataDimensions
	if images[0].NDim() != dims {
		return &ConsistencyError{Case: id, Field: "shape",
			Detail: fmt.Sprintf("image is %dD, plan declares %dD data", images[0].NDim(), dims)}
	}
	ref := images[0]
	refOrient := orientationOrEmpty(ref)

	check := func(v *volume.Volume, what string) error {
		if !volume.SameShape(ref.Shape, v.Shape) {
			return &ConsistencyError{Case: id, Field: "shape",
				Detail: fmt.Sprintf("%s is %v, first image is %v", what, v.Shape, ref.Shape)}
		}
		if !floats.EqualApprox(ref.Spacing, v.Spacing, spacingTol) {
			return &ConsistencyError{Case: id, Field: "spacing",
				Detail: fmt.Sprintf("%s has %v, first image has %v", what, v.Spacing, ref.Spacing)}
		}
		if o := orientationOrEmpty(v); o != refOrient {
			return &ConsistencyError{Case: id, Field: "orientation",
				Detail: fmt.Sprintf("%s is %q, first image is %q", what, o, refOrient)}
		}
		return nil
	}

	if label != nil {
		if err := check(label, "label"); err != nil {
			return err
		}
	}
	for i, img := range images[1:] {
		if err := check(img, fmt.Sprintf("modality %d", i+1)); err != nil {
			return err
		}
	}
	return nil
}

func orientationOrEmpty(v *volume.Volume) string {
	if v.NDim() != 3 {
		return ""
	}
	code, err := v.Orientation()
	if err != nil {
		return ""
	}
	return code
}

// checkLabelDomain verifies the label values are a subset of the plan's
// declared class set.
func (p *Preprocessor) checkLabelDomain(id string, label *volume.Array) error {
	seen := map[float64]bool{}
	var unexpected []float64
	for _, v := range label.Data {
		if seen[v] {
			continue
		}
		seen[v] = true
		if !p.plan.HasLabel(v) {
			unexpected = append(unexpected, v)
		}
	}
	if len(unexpected) > 0 {
		sort.Float64s(unexpected)
		return &LabelDomainError{Case: id, Found: unexpected, Expected: p.plan.DatasetProperties.Classes}
	}
	return nil
}

// reorientCase applies the header-validity gate: volumes are reoriented to
// the plan's coordinate system only when the first modality carries a
// trustworthy qform or sform. Otherwise the case is assumed to already be
// in the desired frame, and the record says so, so reversal never tries to
// undo a reorientation that did not happen. label may be nil (inference).
func (p *Preprocessor) reorientCase(images []*volume.Volume, label *volume.Array, props *ImageProperties) ([]*volume.Array, *volume.Array, error) {
	arrays := make([]*volume.Array, len(images))
	for i := range images {
		arrays[i] = images[i].Array
	}

	target := p.plan.TargetCoordinateSystem
	if !images[0].HeaderValid || target == "" || images[0].NDim() != 3 {
		props.Reoriented = false
		return arrays, label, nil
	}
	from, err := images[0].Orientation()
	if err != nil {
		return nil, nil, err
	}
	for i := range arrays {
		if arrays[i], err = volume.Reorient(arrays[i], from, target); err != nil {
			return nil, nil, err
		}
	}
	if label != nil {
		if label, err = volume.Reorient(label, from, target); err != nil {
			return nil, nil, err
		}
	}
	props.Reoriented = true
	props.OriginalOrientation = from
	props.FinalOrientation = target
	return arrays, label, nil
}

// resampleAndNormalizeCase normalizes and transposes every modality, then
// resamples everything to the target spacing: cubic for intensities,
// nearest-neighbor for the label. label may be nil (inference path).
func (p *Preprocessor) resampleAndNormalizeCase(images []*volume.Array, label *volume.Array, originalSpacing, targetSpacing []float64) ([]*volume.Array, *volume.Array, error) {
	if len(images) != len(p.plan.Schemes) {
		return nil, nil, fmt.Errorf("%d modalities for %d normalization schemes", len(images), len(p.plan.Schemes))
	}

	forward := p.plan.TransposeForward
	var err error
	for i := range images {
		if images[i], err = normalize.Apply(images[i], p.plan.Schemes[i], p.plan.DatasetProperties.Intensities[i]); err != nil {
			return nil, nil, err
		}
		if images[i], err = volume.Transpose(images[i], forward); err != nil {
			return nil, nil, err
		}
	}

	spacingT := permuteFloats(originalSpacing, forward)
	targetT := permuteFloats(targetSpacing, forward)
	targetShape, err := resample.TargetShape(spacingT, targetT, images[0].Shape)
	if err != nil {
		return nil, nil, err
	}

	for i := range images {
		if images[i], err = resample.Resize(images[i], targetShape, false); err != nil {
			return nil, nil, err
		}
	}
	if label != nil {
		if label, err = volume.Transpose(label, forward); err != nil {
			return nil, nil, err
		}
		if label, err = resample.Resize(label, targetShape, true); err != nil {
			return nil, nil, err
		}
	}
	return images, label, nil
}

// stackChannels concatenates same-shaped arrays into one array with a
// leading channel axis.
func stackChannels(channels []*volume.Array) *volume.Array {
	shape := append([]int{len(channels)}, channels[0].Shape...)
	out := volume.NewArray(shape...)
	size := channels[0].Size()
	for i, ch := range channels {
		copy(out.Data[i*size:(i+1)*size], ch.Data)
	}
	return out
}

func permuteFloats(v []float64, perm []int) []float64 {
	out := make([]float64, len(perm))
	for i, p := range perm {
		out[i] = v[p]
	}
	return out
}

func permuteInts(v []int, perm []int) []int {
	out := make([]int, len(perm))
	for i, p := range perm {
		out[i] = v[p]
	}
	return out
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
