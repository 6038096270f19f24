package conflate

import (
	"errors"
	"fmt"
	"strings"
)

// Validation errors raised while constructing a CandidatePairs container or
// recording labels. All of them are fatal for the operation that returns them.
var (
	ErrWrongType           = errors.New("wrong container type")
	ErrMissingGeometry     = errors.New("missing geometry")
	ErrMissingNeighborhood = errors.New("missing neighborhood")
	ErrCRSMismatch         = errors.New("crs mismatch")
	ErrMissingPairColumns  = errors.New("missing pair columns")
	ErrUnknownIDs          = errors.New("unknown ids")
	ErrInvalidLabel        = errors.New("invalid match label")
	ErrUnknownMode         = errors.New("unsupported labeling mode")
	ErrIncompleteCoverage  = errors.New("candidate pairs do not cover all buildings")
	ErrNotFound            = errors.New("not found")
)

// UnknownIDsError lists pair IDs that are missing from the referenced dataset.
type UnknownIDsError struct {
	Dataset string
	IDs     []string
}

func (e *UnknownIDsError) Error() string {
	return fmt.Sprintf("candidate pairs contain ids not included in dataset %s: [%s]",
		e.Dataset, strings.Join(e.IDs, ", "))
}

func (e *UnknownIDsError) Unwrap() error { return ErrUnknownIDs }

// CoverageError reports that an uncapped candidate search left buildings unpaired.
type CoverageError struct {
	Dataset  string
	Expected int
	Got      int
}

func (e *CoverageError) Error() string {
	return fmt.Sprintf("candidate pairs do not cover all buildings in %s: expected %d, got %d",
		e.Dataset, e.Expected, e.Got)
}

func (e *CoverageError) Unwrap() error { return ErrIncompleteCoverage }
