package preprocess

import "fmt"

// ConsistencyError reports a shape, spacing or orientation mismatch between
// the volumes of one case. It is fatal for that case only; a batch job
// continues with its siblings.
type ConsistencyError struct {
	Case   string
	Field  string // "shape", "spacing" or "orientation"
	Detail string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("case %s: inconsistent %s: %s", e.Case, e.Field, e.Detail)
}

// LabelDomainError reports label values outside the plan's declared class
// set, guarding against corrupted or mis-mapped segmentations.
type LabelDomainError struct {
	Case     string
	Found    []float64
	Expected []float64
}

func (e *LabelDomainError) Error() string {
	return fmt.Sprintf("case %s: unexpected label values %v, plan declares %v", e.Case, e.Found, e.Expected)
}

// MissingDataError reports that no modality files were resolved for a
// subject id.
type MissingDataError struct {
	Case string
	Dir  string
}

func (e *MissingDataError) Error() string {
	return fmt.Sprintf("case %s: no modality files found under %s", e.Case, e.Dir)
}

// Reversal stages, named so a GeometryInversionError can say which part of
// the inverse pipeline disagreed with the recorded metadata.
const (
	StagePadding    = "padding"
	StageResampling = "resampling"
	StageCropping   = "cropping"
)

// GeometryInversionError reports a shape mismatch detected while undoing
// preprocessing. There is no safe partial output, so it is fatal for the
// prediction being reversed.
type GeometryInversionError struct {
	Stage string // one of the Stage* constants
	Want  []int
	Got   []int
}

func (e *GeometryInversionError) Error() string {
	return fmt.Sprintf("reversing %s: expected shape %v, got %v", e.Stage, e.Want, e.Got)
}
