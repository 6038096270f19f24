package conflate

import (
	"fmt"
	"math"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
	"github.com/twpayne/go-geos"
)

// NoDistanceCap disables the maximum distance of a nearest neighbor search.
var NoDistanceCap = math.Inf(1)

// IndexPair links position Left of one geometry collection to position Right of another.
type IndexPair struct {
	Left  int
	Right int
}

// Metrics computes overlap and distance measures between footprint collections.
// Geometries are handed to GEOS for intersection, distance and the STR-tree join.
// A Metrics value is not safe for concurrent use.
type Metrics struct {
	ctx *geos.Context
}

// NewMetrics creates a Metrics value with its own GEOS context.
func NewMetrics() *Metrics {
	return &Metrics{ctx: geos.NewContext()}
}

// toGeos converts an orb geometry through its WKB encoding.
func (m *Metrics) toGeos(g orb.Geometry) (*geos.Geom, error) {
	if g == nil {
		return nil, ErrMissingGeometry
	}
	data, err := wkb.Marshal(g)
	if err != nil {
		return nil, fmt.Errorf("encoding wkb: %w", err)
	}
	gg, err := m.ctx.NewGeomFromWKB(data)
	if err != nil {
		return nil, fmt.Errorf("decoding wkb: %w", err)
	}
	return gg, nil
}

// GeomSet is a collection converted to GEOS with an STR-tree over its envelopes.
type GeomSet struct {
	m      *Metrics
	geoms  []*geos.Geom
	bounds []orb.Bound
	areas  []float64
	extent orb.Bound
	tree   *geos.STRtree
}

// NewGeomSet converts and indexes a geometry collection.
func (m *Metrics) NewGeomSet(geoms []orb.Geometry) (*GeomSet, error) {
	s := &GeomSet{
		m:      m,
		geoms:  make([]*geos.Geom, len(geoms)),
		bounds: make([]orb.Bound, len(geoms)),
		areas:  make([]float64, len(geoms)),
		tree:   m.ctx.NewSTRtree(10),
	}
	for i, g := range geoms {
		gg, err := m.toGeos(g)
		if err != nil {
			return nil, fmt.Errorf("geometry %d: %w", i, err)
		}
		s.geoms[i] = gg
		s.bounds[i] = g.Bound()
		s.areas[i] = gg.Area()
		if i == 0 {
			s.extent = s.bounds[i]
		} else {
			s.extent = s.extent.Union(s.bounds[i])
		}
		if err := s.tree.Insert(gg, i); err != nil {
			return nil, fmt.Errorf("indexing geometry %d: %w", i, err)
		}
	}
	return s, nil
}

// Len returns the number of geometries in the set.
func (s *GeomSet) Len() int { return len(s.geoms) }

// candidates returns, in ascending order, the positions whose envelopes intersect g.
func (s *GeomSet) candidates(g *geos.Geom) []int {
	var idx []int
	s.tree.Query(g, func(v any) {
		idx = append(idx, v.(int))
	})
	sort.Ints(idx)
	return idx
}

func intersectionArea(g1, g2 *geos.Geom) float64 {
	inter := g1.Intersection(g2)
	defer inter.Destroy()
	return inter.Area()
}

func twao(g1 *geos.Geom, a1 float64, g2 *geos.Geom, a2 float64) float64 {
	denom := math.Min(a1, a2)
	if denom <= 0 {
		return 0
	}
	return math.Min(intersectionArea(g1, g2)/denom, 1)
}

// TWAO is the two-way area overlap: intersection area divided by the smaller area.
func (m *Metrics) TWAO(g1, g2 orb.Geometry) (float64, error) {
	a, err := m.toGeos(g1)
	if err != nil {
		return 0, err
	}
	defer a.Destroy()
	b, err := m.toGeos(g2)
	if err != nil {
		return 0, err
	}
	defer b.Destroy()
	return twao(a, a.Area(), b, b.Area()), nil
}

// PairwiseTWAO computes TWAO position by position for two aligned collections.
func (m *Metrics) PairwiseTWAO(a, b []orb.Geometry) ([]float64, error) {
	if len(a) != len(b) {
		return nil, fmt.Errorf("pairwise overlap: length mismatch %d != %d", len(a), len(b))
	}
	out := make([]float64, len(a))
	for i := range a {
		v, err := m.TWAO(a[i], b[i])
		if err != nil {
			return nil, fmt.Errorf("pair %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}

// PairwiseRelativeOverlap is the intersection area of each aligned pair divided by
// the area of the geometry in a.
func (m *Metrics) PairwiseRelativeOverlap(a, b []orb.Geometry) ([]float64, error) {
	if len(a) != len(b) {
		return nil, fmt.Errorf("pairwise relative overlap: length mismatch %d != %d", len(a), len(b))
	}
	out := make([]float64, len(a))
	for i := range a {
		ga, err := m.toGeos(a[i])
		if err != nil {
			return nil, fmt.Errorf("pair %d: %w", i, err)
		}
		gb, err := m.toGeos(b[i])
		if err != nil {
			ga.Destroy()
			return nil, fmt.Errorf("pair %d: %w", i, err)
		}
		if area := ga.Area(); area > 0 {
			out[i] = intersectionArea(ga, gb) / area
		}
		ga.Destroy()
		gb.Destroy()
	}
	return out, nil
}

// RelativeOverlap sums, for each geometry of a, the intersection areas with all
// intersecting geometries of others and divides by its own area.
func (m *Metrics) RelativeOverlap(a []orb.Geometry, others *GeomSet) ([]float64, error) {
	out := make([]float64, len(a))
	for i, g := range a {
		gg, err := m.toGeos(g)
		if err != nil {
			return nil, fmt.Errorf("geometry %d: %w", i, err)
		}
		area := gg.Area()
		if area > 0 {
			var sum float64
			for _, j := range others.candidates(gg) {
				if others.geoms[j].Intersects(gg) {
					sum += intersectionArea(gg, others.geoms[j])
				}
			}
			out[i] = sum / area
		}
		gg.Destroy()
	}
	return out, nil
}

// Overlapping returns every (i, j) with s[i] intersecting other[j], ordered by j then i.
// Candidates come from the STR-tree; the polygon predicate is then evaluated exactly.
func (s *GeomSet) Overlapping(other *GeomSet) []IndexPair {
	var out []IndexPair
	for j, g := range other.geoms {
		for _, i := range s.candidates(g) {
			if s.geoms[i].Intersects(g) {
				out = append(out, IndexPair{Left: i, Right: j})
			}
		}
	}
	return out
}

// TWAO returns the overlap between s[i] and other[j].
func (s *GeomSet) TWAO(i int, other *GeomSet, j int) float64 {
	return twao(s.geoms[i], s.areas[i], other.geoms[j], other.areas[j])
}

// Nearest finds, for the positions listed in from, the nearest geometry of s.
// Distances are boundary distances; results farther than maxDistance are omitted.
// Equal distances resolve to the lowest position in s.
func (s *GeomSet) Nearest(from *GeomSet, positions []int, maxDistance float64) ([]IndexPair, error) {
	var out []IndexPair
	if s.Len() == 0 {
		return out, nil
	}
	for _, i := range positions {
		j, ok, err := s.nearestTo(from.geoms[i], from.bounds[i], maxDistance)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, IndexPair{Left: i, Right: j})
		}
	}
	return out, nil
}

// nearestTo searches windows of doubling size around the query envelope. Any geometry
// within distance r has an envelope inside the window padded by r, so the first window
// holding a candidate at distance <= r yields the true nearest.
func (s *GeomSet) nearestTo(g *geos.Geom, gb orb.Bound, maxDistance float64) (int, bool, error) {
	span := s.extent.Union(gb)
	limit := math.Hypot(span.Max[0]-span.Min[0], span.Max[1]-span.Min[1])
	radius := math.Max(gb.Max[0]-gb.Min[0], gb.Max[1]-gb.Min[1])
	if radius <= 0 {
		radius = 1
	}
	for {
		r := math.Min(radius, maxDistance)
		window, err := s.m.toGeos(gb.Pad(r).ToPolygon())
		if err != nil {
			return 0, false, fmt.Errorf("building search window: %w", err)
		}
		best, bestDist := -1, math.Inf(1)
		for _, j := range s.candidates(window) {
			if d := s.geoms[j].Distance(g); d < bestDist {
				best, bestDist = j, d
			}
		}
		window.Destroy()

		switch {
		case best >= 0 && bestDist <= r:
			return best, true, nil
		case r >= maxDistance:
			return 0, false, nil
		case r > limit:
			if best >= 0 && bestDist <= maxDistance {
				return best, true, nil
			}
			return 0, false, nil
		}
		radius *= 2
	}
}
