package conflate

import (
	"math"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
	"github.com/paulmach/orb/quadtree"
)

// DefaultNearRadius is the search radius, in meters, of point queries.
const DefaultNearRadius = 150.0

type indexedCenter struct {
	center orb.Point
	pos    int
}

func (c indexedCenter) Point() orb.Point { return c.center }

// proximityIndex answers "buildings within r of a point" queries. Bound centers go
// into a quadtree; the query window is padded by the largest half-diagonal so no
// building whose boundary is within r can be missed.
type proximityIndex struct {
	qt          *quadtree.Quadtree
	buildings   []Building
	maxHalfDiag float64
}

func newProximityIndex(buildings []Building) *proximityIndex {
	var extent orb.Bound
	for i, b := range buildings {
		if i == 0 {
			extent = b.Geometry.Bound()
		} else {
			extent = extent.Union(b.Geometry.Bound())
		}
	}
	p := &proximityIndex{qt: quadtree.New(extent), buildings: buildings}
	for i, b := range buildings {
		bb := b.Geometry.Bound()
		// the center lies inside extent, so Add cannot fail
		_ = p.qt.Add(indexedCenter{center: bb.Center(), pos: i})
		half := math.Hypot(bb.Max[0]-bb.Min[0], bb.Max[1]-bb.Min[1]) / 2
		p.maxHalfDiag = math.Max(p.maxHalfDiag, half)
	}
	return p
}

// within returns, in dataset order, the buildings whose geometry lies within radius of pt.
func (p *proximityIndex) within(pt orb.Point, radius float64) []Building {
	window := orb.Bound{Min: pt, Max: pt}.Pad(radius + p.maxHalfDiag)
	hits := p.qt.InBound(nil, window)
	pos := make([]int, 0, len(hits))
	for _, h := range hits {
		pos = append(pos, h.(indexedCenter).pos)
	}
	sort.Ints(pos)

	out := []Building{}
	for _, i := range pos {
		if distanceTo(p.buildings[i].Geometry, pt) <= radius {
			out = append(out, p.buildings[i])
		}
	}
	return out
}

// containsPoint reports whether a (multi)polygon contains the point.
func containsPoint(g orb.Geometry, pt orb.Point) bool {
	switch geom := g.(type) {
	case orb.Polygon:
		return planar.PolygonContains(geom, pt)
	case orb.MultiPolygon:
		return planar.MultiPolygonContains(geom, pt)
	}
	return false
}

// distanceTo is zero inside a polygon and the boundary distance outside.
func distanceTo(g orb.Geometry, pt orb.Point) float64 {
	if containsPoint(g, pt) {
		return 0
	}
	return planar.DistanceFrom(g, pt)
}
