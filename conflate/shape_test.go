package conflate

import (
	"math"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDescribeShape(t *testing.T) {
	tests := []struct {
		name string
		g    orb.Geometry
		want ShapeFeatures
	}{
		{
			name: "square",
			g:    square(0, 0, 10),
			want: ShapeFeatures{Area: 100, LongestAxis: math.Sqrt(200), Elongation: 1, Orientation: 0},
		},
		{
			name: "rectangle",
			g:    rect(0, 0, 20, 10),
			want: ShapeFeatures{Area: 200, LongestAxis: math.Sqrt(500), Elongation: 0.5, Orientation: 0},
		},
		{
			name: "diamond",
			g:    orb.Polygon{orb.Ring{{0, 0}, {5, 5}, {0, 10}, {-5, 5}, {0, 0}}},
			want: ShapeFeatures{Area: 50, LongestAxis: 10, Elongation: 1, Orientation: 45},
		},
	}
	m := NewMetrics()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := m.DescribeShape(tt.g)
			require.NoError(t, err)
			assert.InDelta(t, tt.want.Area, got.Area, 1e-9, "area")
			assert.InDelta(t, tt.want.LongestAxis, got.LongestAxis, 1e-6, "longest axis")
			assert.InDelta(t, tt.want.Elongation, got.Elongation, 1e-9, "elongation")
			assert.InDelta(t, tt.want.Orientation, got.Orientation, 1e-6, "orientation")
		})
	}
}

func TestDescribeShape_Rotated(t *testing.T) {
	// 20 x 10 rectangle rotated by 30 degrees
	c, s := math.Cos(math.Pi/6), math.Sin(math.Pi/6)
	pt := func(x, y float64) orb.Point { return orb.Point{x*c - y*s, x*s + y*c} }
	g := orb.Polygon{orb.Ring{pt(0, 0), pt(20, 0), pt(20, 10), pt(0, 10), pt(0, 0)}}

	got, err := NewMetrics().DescribeShape(g)
	require.NoError(t, err)
	assert.InDelta(t, 200, got.Area, 1e-6)
	assert.InDelta(t, 0.5, got.Elongation, 1e-6)
	assert.InDelta(t, 30, got.Orientation, 1e-6)
	assert.InDelta(t, math.Sqrt(500), got.LongestAxis, 1e-6)
}

func TestDescribeShape_MissingGeometry(t *testing.T) {
	_, err := NewMetrics().DescribeShape(nil)
	assert.ErrorIs(t, err, ErrMissingGeometry)
}

func TestShapeSimilarity(t *testing.T) {
	m := NewMetrics()
	similarity := func(a, b orb.Geometry) float64 {
		t.Helper()
		v, err := m.ShapeSimilarity(a, b)
		require.NoError(t, err)
		return v
	}

	assert.InDelta(t, 1.0, similarity(square(0, 0, 10), square(500, 500, 10)), 1e-9,
		"position does not matter")

	// area 0.75, axis 0.5, elongation 0, orientation 0
	assert.InDelta(t, 0.6875, similarity(square(0, 0, 10), square(0, 0, 20)), 1e-9)

	// the new building is the reference
	assert.NotEqual(t,
		similarity(square(0, 0, 10), square(0, 0, 20)),
		similarity(square(0, 0, 20), square(0, 0, 10)))
}

func TestFoldOrientation(t *testing.T) {
	tests := map[float64]float64{
		0:   0,
		30:  30,
		45:  45,
		60:  30,
		90:  0,
		100: 10,
		135: 45,
		-30: 30,
		180: 0,
	}
	for in, want := range tests {
		assert.InDelta(t, want, foldOrientation(in), 1e-9, "fold(%v)", in)
	}
}

func TestRelativeDiff(t *testing.T) {
	assert.Equal(t, 0.0, relativeDiff(0, 0))
	assert.Equal(t, 1.0, relativeDiff(3, 0))
	assert.InDelta(t, 0.5, relativeDiff(5, 10), 1e-12)
	assert.InDelta(t, 0.5, relativeDiff(15, 10), 1e-12)
}

func TestRectangleSides(t *testing.T) {
	tests := []struct {
		name              string
		rect              []orb.Point
		long, short, turn float64
	}{
		{"wide", []orb.Point{{0, 0}, {20, 0}, {20, 10}, {0, 10}, {0, 0}}, 20, 10, 0},
		{"tall", []orb.Point{{0, 0}, {10, 0}, {10, 20}, {0, 20}, {0, 0}}, 20, 10, 90},
		{"line", []orb.Point{{0, 0}, {0, 5}}, 5, 0, 90},
		{"point", []orb.Point{{1, 1}}, 0, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			long, short, angle := rectangleSides(tt.rect)
			assert.InDelta(t, tt.long, long, 1e-9)
			assert.InDelta(t, tt.short, short, 1e-9)
			assert.InDelta(t, tt.turn, angle, 1e-9)
		})
	}
}

func TestEnclosingCircle(t *testing.T) {
	c, r := enclosingCircle([]orb.Point{{0, 0}, {10, 0}, {10, 10}, {0, 10}})
	assert.InDelta(t, 5, c[0], 1e-9)
	assert.InDelta(t, 5, c[1], 1e-9)
	assert.InDelta(t, math.Sqrt(50), r, 1e-9)
}
