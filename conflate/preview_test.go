package conflate

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPreviewRenderer_PairSVG(t *testing.T) {
	r := NewPreviewRenderer()
	s := newTestState(t, StateOptions{})
	cp, ok := s.GetCandidatePair("e1", "b1")
	require.True(t, ok)

	var buf bytes.Buffer
	require.NoError(t, r.RenderPairSVG(&buf, cp))
	out := buf.String()
	assert.Contains(t, out, "<svg")
	assert.Contains(t, out, "<path")
}

func TestPreviewRenderer_PairPNG(t *testing.T) {
	r := NewPreviewRenderer()
	cp := CandidatePair{
		Existing: Building{ID: "e", Geometry: square(0, 0, 10)},
		New:      Building{ID: "n", Geometry: orb.Polygon{rect(0, 0, 12, 8)[0], rect(2, 2, 2, 2)[0]}},
	}

	var buf bytes.Buffer
	require.NoError(t, r.RenderPairPNG(&buf, cp))
	assert.True(t, bytes.HasPrefix(buf.Bytes(), []byte("\x89PNG")))
}

func TestDrawCaption(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 60, 20))
	drawCaption(img, 2, 14, "e1 / b1", color.Black)

	inked := 0
	for i := 3; i < len(img.Pix); i += 4 {
		if img.Pix[i] != 0 {
			inked++
		}
	}
	assert.Positive(t, inked)
}

func TestPreviewRenderer_Neighborhood(t *testing.T) {
	r := NewPreviewRenderer()
	s := newTestState(t, StateOptions{})

	var buf bytes.Buffer
	require.NoError(t, r.RenderNeighborhoodSVG(&buf,
		s.GetExistingBuildings("n1"), s.GetNewBuildings("n1"), s.GetCandidatePairs("n1")))
	assert.Contains(t, buf.String(), "<svg")

	err := r.RenderNeighborhoodSVG(&bytes.Buffer{}, nil, nil, nil)
	assert.True(t, errors.Is(err, errEmptyPreview))
}

func TestPreviewRenderer_Simplification(t *testing.T) {
	r := NewPreviewRenderer()
	// the midpoint of the bottom edge is dropped
	poly := orb.Polygon{orb.Ring{{0, 0}, {5, 0.01}, {10, 0}, {10, 10}, {0, 10}, {0, 0}}}
	got := r.polygons(poly)
	require.Len(t, got, 1)
	assert.Len(t, got[0][0], 5)
	assert.Len(t, poly[0], 6, "input is not modified")

	r.Tolerance = 0
	assert.Len(t, r.polygons(poly)[0][0], 6)
}
