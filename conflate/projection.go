package conflate

import (
	"fmt"
	"sync"

	"github.com/paulmach/orb"
	"github.com/twpayne/go-proj/v10"
)

// DefaultCRS is the projected, equal-area CRS used for area and distance arithmetic.
const DefaultCRS = "EPSG:3035"

// Projector converts between geographic coordinates and the working CRS.
type Projector interface {
	FromGeographic(lng, lat float64) (orb.Point, error)
	ToGeographic(p orb.Point) (lat, lng float64, err error)
}

// ProjProjector transforms between EPSG:4326 and a projected CRS with PROJ.
// Calls are serialized because a PROJ handle must not be shared between goroutines.
type ProjProjector struct {
	CRS string

	mu sync.Mutex
	pj *proj.PJ
}

// NewProjProjector creates a transformation from EPSG:4326 to crs using
// longitude/latitude axis order.
func NewProjProjector(crs string) (*ProjProjector, error) {
	if crs == "" {
		crs = DefaultCRS
	}
	pj, err := proj.NewCRSToCRS("EPSG:4326", crs, nil)
	if err != nil {
		return nil, fmt.Errorf("creating transformation to %s: %w", crs, err)
	}
	defer pj.Destroy()

	normalized, err := pj.NormalizeForVisualization()
	if err != nil {
		return nil, fmt.Errorf("normalizing transformation to %s: %w", crs, err)
	}
	return &ProjProjector{CRS: crs, pj: normalized}, nil
}

func (p *ProjProjector) FromGeographic(lng, lat float64) (orb.Point, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, err := p.pj.Forward(proj.NewCoord(lng, lat, 0, 0))
	if err != nil {
		return orb.Point{}, fmt.Errorf("projecting (%f, %f): %w", lng, lat, err)
	}
	return orb.Point{c.X(), c.Y()}, nil
}

func (p *ProjProjector) ToGeographic(pt orb.Point) (float64, float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, err := p.pj.Inverse(proj.NewCoord(pt[0], pt[1], 0, 0))
	if err != nil {
		return 0, 0, fmt.Errorf("unprojecting (%f, %f): %w", pt[0], pt[1], err)
	}
	return c.Y(), c.X(), nil
}

// Close releases the PROJ handle.
func (p *ProjProjector) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pj != nil {
		p.pj.Destroy()
		p.pj = nil
	}
}

// ProjectGeometry projects a geographic geometry (lng, lat) into the working CRS.
func ProjectGeometry(g orb.Geometry, projector Projector) (orb.Geometry, error) {
	return transformGeometry(g, func(p orb.Point) (orb.Point, error) {
		return projector.FromGeographic(p[0], p[1])
	})
}

// UnprojectGeometry converts a geometry of the working CRS back to (lng, lat).
func UnprojectGeometry(g orb.Geometry, projector Projector) (orb.Geometry, error) {
	return transformGeometry(g, func(p orb.Point) (orb.Point, error) {
		lat, lng, err := projector.ToGeographic(p)
		return orb.Point{lng, lat}, err
	})
}

func transformGeometry(g orb.Geometry, fn func(orb.Point) (orb.Point, error)) (orb.Geometry, error) {
	ring := func(r orb.Ring) (orb.Ring, error) {
		out := make(orb.Ring, len(r))
		for i, p := range r {
			q, err := fn(p)
			if err != nil {
				return nil, err
			}
			out[i] = q
		}
		return out, nil
	}
	polygon := func(poly orb.Polygon) (orb.Polygon, error) {
		out := make(orb.Polygon, len(poly))
		for i, r := range poly {
			tr, err := ring(r)
			if err != nil {
				return nil, err
			}
			out[i] = tr
		}
		return out, nil
	}

	switch geom := g.(type) {
	case orb.Point:
		return fn(geom)
	case orb.LineString:
		r, err := ring(orb.Ring(geom))
		return orb.LineString(r), err
	case orb.Ring:
		return ring(geom)
	case orb.Polygon:
		return polygon(geom)
	case orb.MultiPolygon:
		out := make(orb.MultiPolygon, len(geom))
		for i, poly := range geom {
			tp, err := polygon(poly)
			if err != nil {
				return nil, err
			}
			out[i] = tp
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported geometry type %s", g.GeoJSONType())
}
