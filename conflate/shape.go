package conflate

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
	"github.com/paulmach/orb/planar"
	"github.com/twpayne/go-geos"
	"gonum.org/v1/gonum/stat"
)

// ShapeFeatures are the descriptors compared by ShapeSimilarity.
type ShapeFeatures struct {
	Area        float64 `json:"area"`
	LongestAxis float64 `json:"longestAxis"`
	Elongation  float64 `json:"elongation"`
	Orientation float64 `json:"orientation"`
}

// DescribeShape computes the footprint area, the diameter of the minimum enclosing
// circle, the short/long side ratio of the minimum rotated rectangle and the
// deviation of that rectangle's long side from the cardinal directions in [0, 45].
// The hull and the rectangle come from GEOS.
func (m *Metrics) DescribeShape(g orb.Geometry) (ShapeFeatures, error) {
	gg, err := m.toGeos(g)
	if err != nil {
		return ShapeFeatures{}, err
	}
	defer gg.Destroy()
	if gg.IsEmpty() {
		return ShapeFeatures{}, nil
	}

	hull, err := fromGeos(gg.ConvexHull())
	if err != nil {
		return ShapeFeatures{}, fmt.Errorf("convex hull: %w", err)
	}
	rect, err := fromGeos(gg.MinimumRotatedRectangle())
	if err != nil {
		return ShapeFeatures{}, fmt.Errorf("minimum rotated rectangle: %w", err)
	}
	_, radius := enclosingCircle(vertices(hull))
	long, short, angle := rectangleSides(vertices(rect))

	f := ShapeFeatures{
		Area:        gg.Area(),
		LongestAxis: 2 * radius,
		Orientation: foldOrientation(angle),
	}
	if long > 0 {
		f.Elongation = short / long
	}
	return f, nil
}

// ShapeSimilarity is 1 minus the mean relative difference of the shape descriptors,
// taking the new building as the reference. Identical shapes score 1; the score can
// become negative for very different shapes.
func (m *Metrics) ShapeSimilarity(existing, incoming orb.Geometry) (float64, error) {
	f, err := m.DescribeShape(existing)
	if err != nil {
		return 0, err
	}
	ref, err := m.DescribeShape(incoming)
	if err != nil {
		return 0, err
	}
	return featureSimilarity(f, ref), nil
}

func featureSimilarity(f, ref ShapeFeatures) float64 {
	diffs := []float64{
		relativeDiff(f.Area, ref.Area),
		relativeDiff(f.LongestAxis, ref.LongestAxis),
		relativeDiff(f.Elongation, ref.Elongation),
		relativeDiff(f.Orientation, ref.Orientation),
	}
	return 1 - stat.Mean(diffs, nil)
}

// relativeDiff is |v-ref|/ref. A zero reference counts as no difference when v is
// also zero and as a full difference otherwise.
func relativeDiff(v, ref float64) float64 {
	if ref == 0 {
		if v == 0 {
			return 0
		}
		return 1
	}
	return math.Abs((v - ref) / ref)
}

// fromGeos converts a GEOS result back to orb and releases it.
func fromGeos(g *geos.Geom) (orb.Geometry, error) {
	defer g.Destroy()
	geom, err := wkb.Unmarshal(g.ToWKB())
	if err != nil {
		return nil, fmt.Errorf("decoding wkb: %w", err)
	}
	return geom, nil
}

// vertices returns the outline of a hull or rectangle; GEOS degrades both to a
// line or a point for collinear input.
func vertices(g orb.Geometry) []orb.Point {
	switch geom := g.(type) {
	case orb.Polygon:
		if len(geom) == 0 {
			return nil
		}
		return geom[0]
	case orb.LineString:
		return geom
	case orb.Point:
		return []orb.Point{geom}
	}
	return nil
}

// rectangleSides returns the long side, the short side and the angle in degrees of
// the long side of a rectangle given as a closed ring.
func rectangleSides(rect []orb.Point) (long, short, angle float64) {
	direction := func(a, b orb.Point) float64 {
		return math.Atan2(b[1]-a[1], b[0]-a[0]) * 180 / math.Pi
	}
	switch {
	case len(rect) < 2:
		return 0, 0, 0
	case len(rect) < 4:
		a, b := rect[0], rect[len(rect)-1]
		return planar.Distance(a, b), 0, direction(a, b)
	}
	w, h := planar.Distance(rect[0], rect[1]), planar.Distance(rect[1], rect[2])
	if w >= h {
		return w, h, direction(rect[0], rect[1])
	}
	return h, w, direction(rect[1], rect[2])
}

// foldOrientation maps an angle in degrees to its deviation from the closest
// cardinal direction, in [0, 45].
func foldOrientation(deg float64) float64 {
	a := math.Mod(deg, 90)
	if a < 0 {
		a += 90
	}
	if a > 45 {
		a = 90 - a
	}
	// rounding noise on axis-aligned shapes
	if a < 1e-9 {
		return 0
	}
	return a
}

// enclosingCircle returns the minimum enclosing circle of the points using the
// incremental algorithm. Callers pass GEOS hull vertices, so the point count stays small.
func enclosingCircle(pts []orb.Point) (orb.Point, float64) {
	const eps = 1e-9
	if len(pts) == 0 {
		return orb.Point{}, 0
	}
	c, r := pts[0], 0.0
	for i := 1; i < len(pts); i++ {
		if planar.Distance(c, pts[i]) <= r+eps {
			continue
		}
		c, r = pts[i], 0
		for j := 0; j < i; j++ {
			if planar.Distance(c, pts[j]) <= r+eps {
				continue
			}
			c = orb.Point{(pts[i][0] + pts[j][0]) / 2, (pts[i][1] + pts[j][1]) / 2}
			r = planar.Distance(pts[i], pts[j]) / 2
			for k := 0; k < j; k++ {
				if planar.Distance(c, pts[k]) <= r+eps {
					continue
				}
				c, r = circumcircle(pts[i], pts[j], pts[k])
			}
		}
	}
	return c, r
}

func circumcircle(a, b, c orb.Point) (orb.Point, float64) {
	d := 2 * (a[0]*(b[1]-c[1]) + b[0]*(c[1]-a[1]) + c[0]*(a[1]-b[1]))
	if d == 0 {
		// collinear: the circle over the farthest pair
		p, q := a, b
		if planar.Distance(a, c) > planar.Distance(p, q) {
			p, q = a, c
		}
		if planar.Distance(b, c) > planar.Distance(p, q) {
			p, q = b, c
		}
		return orb.Point{(p[0] + q[0]) / 2, (p[1] + q[1]) / 2}, planar.Distance(p, q) / 2
	}
	a2 := a[0]*a[0] + a[1]*a[1]
	b2 := b[0]*b[0] + b[1]*b[1]
	c2 := c[0]*c[0] + c[1]*c[1]
	center := orb.Point{
		(a2*(b[1]-c[1]) + b2*(c[1]-a[1]) + c2*(a[1]-b[1])) / d,
		(a2*(c[0]-b[0]) + b2*(a[0]-c[0]) + c2*(b[0]-a[0])) / d,
	}
	return center, planar.Distance(center, a)
}
