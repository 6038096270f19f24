package conflate

import (
	"fmt"
	"sort"

	"github.com/paulmach/orb/planar"
	"github.com/uber/h3-go/v4"
)

// DefaultH3Resolution is the neighborhood resolution used when none is configured.
const DefaultH3Resolution = 9

// Grid assigns hierarchical grid cells (neighborhoods) to geographic coordinates.
type Grid interface {
	// Cell returns the cell containing the coordinate.
	Cell(lat, lng float64) string
	// Disk returns the sorted union of the cells and every cell within k steps of them.
	Disk(cells []string, k int) []string
}

// H3Grid implements Grid with Uber's H3 hexagons.
type H3Grid struct {
	Resolution int
}

// NewH3Grid validates the resolution and returns the grid.
func NewH3Grid(resolution int) (*H3Grid, error) {
	if resolution < 0 || resolution > 15 {
		return nil, fmt.Errorf("h3 resolution %d out of range [0, 15]", resolution)
	}
	return &H3Grid{Resolution: resolution}, nil
}

func (g *H3Grid) Cell(lat, lng float64) string {
	return h3.LatLngToCell(h3.NewLatLng(lat, lng), g.Resolution).String()
}

func (g *H3Grid) Disk(cells []string, k int) []string {
	seen := make(map[string]struct{})
	for _, c := range cells {
		cell := h3.Cell(h3.IndexFromString(c))
		if !cell.IsValid() {
			continue
		}
		for _, n := range h3.GridDisk(cell, k) {
			seen[n.String()] = struct{}{}
		}
	}
	return sortedKeys(seen)
}

// diskSet expands cells by k rings and returns the result as a set.
func diskSet(grid Grid, cells []string, k int) map[string]struct{} {
	out := make(map[string]struct{})
	for _, c := range grid.Disk(cells, k) {
		out[c] = struct{}{}
	}
	return out
}

// AssignNeighborhoods sets every building's neighborhood to the grid cell of its
// centroid, transformed to latitude and longitude.
func AssignNeighborhoods(d *Dataset, projector Projector, grid Grid) error {
	for i, b := range d.Buildings {
		if b.Geometry == nil {
			return fmt.Errorf("building %s: %w", b.ID, ErrMissingGeometry)
		}
		centroid, _ := planar.CentroidArea(b.Geometry)
		lat, lng, err := projector.ToGeographic(centroid)
		if err != nil {
			return fmt.Errorf("building %s: %w", b.ID, err)
		}
		d.Buildings[i].Neighborhood = grid.Cell(lat, lng)
	}
	return nil
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
