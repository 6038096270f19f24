package conflate

import (
	"fmt"

	"github.com/paulmach/orb"
)

// PreliminaryMatchThreshold is the TWAO above which a pair is pre-marked as a match.
const PreliminaryMatchThreshold = 0.1

// CandidatePairs bundles dataset A (existing), dataset B (new) and the pairs between
// them. It is the unit of persistence handed from dataset creation to labeling.
type CandidatePairs struct {
	DatasetA *Dataset
	DatasetB *Dataset
	Pairs    []Pair
}

// NewCandidatePairs validates the inputs and returns the container.
func NewCandidatePairs(a, b *Dataset, pairs []Pair) (*CandidatePairs, error) {
	if err := validateCandidatePairs(a, b, pairs); err != nil {
		return nil, err
	}
	return &CandidatePairs{DatasetA: a, DatasetB: b, Pairs: pairs}, nil
}

func validateCandidatePairs(a, b *Dataset, pairs []Pair) error {
	if a == nil {
		return fmt.Errorf("%w: dataset A must be a footprint dataset", ErrWrongType)
	}
	if b == nil {
		return fmt.Errorf("%w: dataset B must be a footprint dataset", ErrWrongType)
	}
	for _, d := range []struct {
		label string
		ds    *Dataset
	}{{"A", a}, {"B", b}} {
		for _, bldg := range d.ds.Buildings {
			if isEmptyGeometry(bldg.Geometry) {
				return fmt.Errorf("%w: dataset %s building %q has no geometry", ErrMissingGeometry, d.label, bldg.ID)
			}
		}
	}
	if a.CRS != b.CRS {
		return fmt.Errorf("%w: dataset A uses %q, dataset B uses %q", ErrCRSMismatch, a.CRS, b.CRS)
	}
	for _, d := range []struct {
		label string
		ds    *Dataset
	}{{"A", a}, {"B", b}} {
		for _, bldg := range d.ds.Buildings {
			if bldg.Neighborhood == "" {
				return fmt.Errorf("%w: dataset %s building %q has no neighborhood", ErrMissingNeighborhood, d.label, bldg.ID)
			}
		}
	}
	for i, p := range pairs {
		if p.IDExisting == "" || p.IDNew == "" {
			return fmt.Errorf("%w: pair %d must carry id_existing and id_new", ErrMissingPairColumns, i)
		}
	}

	var missingA, missingB []string
	for _, p := range pairs {
		if !a.Has(p.IDExisting) {
			missingA = append(missingA, p.IDExisting)
		}
		if !b.Has(p.IDNew) {
			missingB = append(missingB, p.IDNew)
		}
	}
	if len(missingA) > 0 {
		return &UnknownIDsError{Dataset: "A", IDs: missingA}
	}
	if len(missingB) > 0 {
		return &UnknownIDsError{Dataset: "B", IDs: missingB}
	}
	return nil
}

func isEmptyGeometry(g orb.Geometry) bool {
	switch geom := g.(type) {
	case nil:
		return true
	case orb.Polygon:
		return len(geom) == 0 || len(geom[0]) == 0
	case orb.MultiPolygon:
		return len(geom) == 0
	}
	return false
}

// PreliminaryMatch marks every pair whose TWAO exceeds PreliminaryMatchThreshold.
func (c *CandidatePairs) PreliminaryMatch(m *Metrics) error {
	for i, p := range c.Pairs {
		e, _ := c.DatasetA.Get(p.IDExisting)
		n, _ := c.DatasetB.Get(p.IDNew)
		overlap, err := m.TWAO(e.Geometry, n.Geometry)
		if err != nil {
			return fmt.Errorf("pair %s/%s: %w", p.IDExisting, p.IDNew, err)
		}
		c.Pairs[i].Match = overlap > PreliminaryMatchThreshold
	}
	return nil
}

// Existing returns a building of dataset A.
func (c *CandidatePairs) Existing(id string) (Building, bool) { return c.DatasetA.Get(id) }

// New returns a building of dataset B.
func (c *CandidatePairs) New(id string) (Building, bool) { return c.DatasetB.Get(id) }
