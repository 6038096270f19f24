package conflate

import (
	"errors"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"io"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
	"github.com/paulmach/orb/simplify"
	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/rasterizer"
	"github.com/tdewolff/canvas/renderers/svg"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

var (
	existingFill   = color.RGBA{R: 0x1f, G: 0x4e, B: 0x79, A: 0xff}
	existingStroke = color.RGBA{R: 0x0b, G: 0x25, B: 0x3d, A: 0xff}
	newFill        = color.RGBA{R: 0x7f, G: 0x3b, B: 0x08, A: 0x99}
	newStroke      = color.RGBA{R: 0xe0, G: 0x6c, B: 0x00, A: 0xff}
	matchStroke    = color.RGBA{R: 0xc0, G: 0x10, B: 0x10, A: 0xff}
)

// PreviewRenderer draws buildings in their projected coordinates for review.
type PreviewRenderer struct {
	// Padding around the drawing, in CRS units.
	Padding float64
	// Tolerance of the Douglas-Peucker simplification; zero keeps every vertex.
	Tolerance float64
	// StrokeWidth of building outlines, in CRS units.
	StrokeWidth float64
	Resolution  canvas.Resolution
}

// NewPreviewRenderer returns a renderer with defaults suited to building
// footprints in meters.
func NewPreviewRenderer() *PreviewRenderer {
	return &PreviewRenderer{
		Padding:     20,
		Tolerance:   0.25,
		StrokeWidth: 0.5,
		Resolution:  canvas.DPI(200),
	}
}

// previewScene is everything drawn in one preview.
type previewScene struct {
	existing []Building
	incoming []Building
	matches  []CandidatePair
}

func (s previewScene) bound() (orb.Bound, bool) {
	var b orb.Bound
	first := true
	for _, group := range [][]Building{s.existing, s.incoming} {
		for _, bld := range group {
			if bld.Geometry == nil {
				continue
			}
			gb := bld.Geometry.Bound()
			if first {
				b, first = gb, false
			} else {
				b = b.Union(gb)
			}
		}
	}
	return b, !first
}

var errEmptyPreview = errors.New("nothing to draw")

// RenderPairSVG draws both buildings of a pair.
func (r *PreviewRenderer) RenderPairSVG(w io.Writer, cp CandidatePair) error {
	return r.renderSVG(w, previewScene{existing: []Building{cp.Existing}, incoming: []Building{cp.New}})
}

// RenderPairPNG draws both buildings of a pair as a raster image captioned with
// the pair IDs.
func (r *PreviewRenderer) RenderPairPNG(w io.Writer, cp CandidatePair) error {
	scene := previewScene{existing: []Building{cp.Existing}, incoming: []Building{cp.New}}
	b, ok := scene.bound()
	if !ok {
		return errEmptyPreview
	}
	width, height := r.size(b)
	rast := rasterizer.New(width, height, r.Resolution, canvas.DefaultColorSpace)
	r.draw(rast, scene, b, width, height)
	drawCaption(rast, 4, 15, cp.IDExisting+" / "+cp.IDNew, existingStroke)
	return png.Encode(w, rast)
}

// drawCaption writes text with its baseline at (x, y) in pixels.
func drawCaption(img draw.Image, x, y int, text string, c color.Color) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(text)
}

// RenderNeighborhoodSVG draws the buildings of a neighborhood and connects the
// centroids of its preliminary matches.
func (r *PreviewRenderer) RenderNeighborhoodSVG(w io.Writer, existing, incoming []Building, pairs []CandidatePair) error {
	var matches []CandidatePair
	for _, p := range pairs {
		if p.Match {
			matches = append(matches, p)
		}
	}
	return r.renderSVG(w, previewScene{existing: existing, incoming: incoming, matches: matches})
}

func (r *PreviewRenderer) size(b orb.Bound) (float64, float64) {
	return b.Right() - b.Left() + 2*r.Padding, b.Top() - b.Bottom() + 2*r.Padding
}

func (r *PreviewRenderer) renderSVG(w io.Writer, scene previewScene) error {
	b, ok := scene.bound()
	if !ok {
		return errEmptyPreview
	}
	width, height := r.size(b)
	out := svg.New(w, width, height, nil)
	r.draw(out, scene, b, width, height)
	return out.Close()
}

type pathRenderer interface {
	RenderPath(path *canvas.Path, style canvas.Style, m canvas.Matrix)
}

func (r *PreviewRenderer) draw(out pathRenderer, scene previewScene, b orb.Bound, width, height float64) {
	bg := canvas.DefaultStyle
	bg.Fill = canvas.Paint{Color: canvas.White}
	out.RenderPath(canvas.Rectangle(width, height), bg, canvas.Identity)

	toCanvas := func(p orb.Point) (float64, float64) {
		return p[0] - b.Left() + r.Padding, p[1] - b.Bottom() + r.Padding
	}

	for _, layer := range []struct {
		buildings    []Building
		fill, stroke color.RGBA
	}{
		{scene.existing, existingFill, existingStroke},
		{scene.incoming, newFill, newStroke},
	} {
		style := canvas.DefaultStyle
		style.Fill = canvas.Paint{Color: layer.fill}
		style.Stroke = canvas.Paint{Color: layer.stroke}
		style.StrokeWidth = r.StrokeWidth
		for _, bld := range layer.buildings {
			for _, poly := range r.polygons(bld.Geometry) {
				out.RenderPath(polygonPath(poly, toCanvas), style, canvas.Identity)
			}
		}
	}

	lines := canvas.DefaultStyle
	lines.Fill = canvas.Paint{Color: canvas.Transparent}
	lines.Stroke = canvas.Paint{Color: matchStroke}
	lines.StrokeWidth = 2 * r.StrokeWidth
	for _, m := range scene.matches {
		c1, _ := planar.CentroidArea(m.Existing.Geometry)
		c2, _ := planar.CentroidArea(m.New.Geometry)
		p := &canvas.Path{}
		p.MoveTo(toCanvas(c1))
		p.LineTo(toCanvas(c2))
		out.RenderPath(p, lines, canvas.Identity)
	}
}

// polygons returns the simplified polygons of a (multi)polygon.
func (r *PreviewRenderer) polygons(g orb.Geometry) []orb.Polygon {
	if g == nil {
		return nil
	}
	g = orb.Clone(g)
	if r.Tolerance > 0 {
		g = simplify.DouglasPeucker(r.Tolerance).Simplify(g)
	}
	switch geom := g.(type) {
	case orb.Polygon:
		return []orb.Polygon{geom}
	case orb.MultiPolygon:
		return geom
	}
	return nil
}

// polygonPath draws every ring as a subpath; holes wind opposite to the shell.
func polygonPath(poly orb.Polygon, toCanvas func(orb.Point) (float64, float64)) *canvas.Path {
	p := &canvas.Path{}
	for _, ring := range poly {
		for i, pt := range ring {
			x, y := toCanvas(pt)
			if i == 0 {
				p.MoveTo(x, y)
			} else {
				p.LineTo(x, y)
			}
		}
		p.Close()
	}
	return p
}
