package conflate

import (
	"fmt"
	"slices"
	"time"

	"github.com/paulmach/orb"
)

// Label is a labeling decision for a candidate pair.
type Label string

const (
	LabelYes    Label = "yes"
	LabelNo     Label = "no"
	LabelUnsure Label = "unsure"
)

// Labels lists the accepted labels in export column order.
var Labels = []Label{LabelYes, LabelNo, LabelUnsure}

// ParseLabel validates a raw label value. Anything outside yes/no/unsure is rejected.
func ParseLabel(s string) (Label, error) {
	if l := Label(s); slices.Contains(Labels, l) {
		return l, nil
	}
	return "", fmt.Errorf("%w: %q must be one of: yes, no, unsure", ErrInvalidLabel, s)
}

// LabelFromBool maps a match flag to yes/no.
func LabelFromBool(match bool) Label {
	if match {
		return LabelYes
	}
	return LabelNo
}

// TimeFormat is the timestamp layout used for annotation records.
const TimeFormat = "2006-01-02T15:04:05.000"

// Building is a single footprint of dataset A (existing) or B (new).
type Building struct {
	ID           string       `json:"id"`
	OriginalID   string       `json:"originalId,omitempty"`
	Neighborhood string       `json:"neighborhood"`
	Geometry     orb.Geometry `json:"-"`
}

// Dataset is an ordered collection of buildings sharing one CRS.
// It is treated as read-only once constructed.
type Dataset struct {
	Name      string
	CRS       string
	Buildings []Building

	index map[string]int
}

// NewDataset builds a dataset and its ID lookup. When IDs repeat, lookups resolve
// to the first occurrence; HasUniqueIDs reports the condition.
func NewDataset(name, crs string, buildings []Building) *Dataset {
	d := &Dataset{
		Name:      name,
		CRS:       crs,
		Buildings: buildings,
		index:     make(map[string]int, len(buildings)),
	}
	for i, b := range buildings {
		if _, ok := d.index[b.ID]; !ok {
			d.index[b.ID] = i
		}
	}
	return d
}

// Len returns the number of buildings.
func (d *Dataset) Len() int {
	if d == nil {
		return 0
	}
	return len(d.Buildings)
}

// Get returns the building with the given ID.
func (d *Dataset) Get(id string) (Building, bool) {
	i, ok := d.index[id]
	if !ok {
		return Building{}, false
	}
	return d.Buildings[i], true
}

// Has reports whether the ID exists.
func (d *Dataset) Has(id string) bool {
	_, ok := d.index[id]
	return ok
}

// HasUniqueIDs reports whether every building carries a distinct ID.
func (d *Dataset) HasUniqueIDs() bool {
	return len(d.index) == len(d.Buildings)
}

// IDs returns building IDs in dataset order.
func (d *Dataset) IDs() []string {
	ids := make([]string, len(d.Buildings))
	for i, b := range d.Buildings {
		ids[i] = b.ID
	}
	return ids
}

// Geometries returns building geometries in dataset order.
func (d *Dataset) Geometries() []orb.Geometry {
	geoms := make([]orb.Geometry, len(d.Buildings))
	for i, b := range d.Buildings {
		geoms[i] = b.Geometry
	}
	return geoms
}

// Filter returns a new dataset holding the buildings for which keep is true.
func (d *Dataset) Filter(keep func(Building) bool) *Dataset {
	out := make([]Building, 0, len(d.Buildings))
	for _, b := range d.Buildings {
		if keep(b) {
			out = append(out, b)
		}
	}
	return NewDataset(d.Name, d.CRS, out)
}

// InNeighborhoods keeps buildings whose neighborhood is in the set.
func (d *Dataset) InNeighborhoods(cells map[string]struct{}) *Dataset {
	return d.Filter(func(b Building) bool {
		_, ok := cells[b.Neighborhood]
		return ok
	})
}

// Neighborhood returns the neighborhood of a building, or "" when unknown.
func (d *Dataset) Neighborhood(id string) string {
	b, ok := d.Get(id)
	if !ok {
		return ""
	}
	return b.Neighborhood
}

// Pair is a proposed correspondence between an existing and a new building.
// Match holds the preliminary estimate.
type Pair struct {
	IDExisting string `json:"id_existing"`
	IDNew      string `json:"id_new"`
	Match      bool   `json:"match"`
}

// PairKey identifies a pair irrespective of its match estimate.
type PairKey struct {
	IDExisting string `json:"id_existing"`
	IDNew      string `json:"id_new"`
}

// Key returns the identifying part of the pair.
func (p Pair) Key() PairKey {
	return PairKey{IDExisting: p.IDExisting, IDNew: p.IDNew}
}

// Record is one labeling decision. Records are append-only; the latest record per
// pair and user is authoritative.
type Record struct {
	Neighborhood string    `json:"neighborhood,omitempty"`
	IDExisting   string    `json:"id_existing"`
	IDNew        string    `json:"id_new"`
	Match        Label     `json:"match"`
	Username     string    `json:"username"`
	Time         time.Time `json:"time"`
}

// Key returns the pair the record refers to.
func (r Record) Key() PairKey {
	return PairKey{IDExisting: r.IDExisting, IDNew: r.IDNew}
}

type userPairKey struct {
	PairKey
	Username string
}
