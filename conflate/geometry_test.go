package conflate

import (
	"errors"
	"math"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_TWAO(t *testing.T) {
	m := NewMetrics()
	tests := []struct {
		name string
		a, b orb.Geometry
		want float64
	}{
		{"identical", square(0, 0, 10), square(0, 0, 10), 1},
		{"half overlap", square(0, 0, 10), square(5, 0, 10), 0.5},
		{"contained", square(0, 0, 10), square(2, 2, 2), 1},
		{"disjoint", square(0, 0, 10), square(50, 50, 10), 0},
		{"multipolygon", orb.MultiPolygon{square(0, 0, 10), square(20, 0, 10)}, square(20, 0, 10), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := m.TWAO(tt.a, tt.b)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-9)

			// symmetric
			back, err := m.TWAO(tt.b, tt.a)
			require.NoError(t, err)
			assert.InDelta(t, got, back, 1e-9)
		})
	}
}

func TestMetrics_TWAO_MissingGeometry(t *testing.T) {
	_, err := NewMetrics().TWAO(nil, square(0, 0, 1))
	assert.True(t, errors.Is(err, ErrMissingGeometry))
}

func TestMetrics_PairwiseTWAO(t *testing.T) {
	m := NewMetrics()
	got, err := m.PairwiseTWAO(
		[]orb.Geometry{square(0, 0, 10), square(0, 0, 10)},
		[]orb.Geometry{square(5, 0, 10), square(100, 0, 10)},
	)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0.5, 0}, got, 1e-9)

	_, err = m.PairwiseTWAO([]orb.Geometry{square(0, 0, 1)}, nil)
	assert.Error(t, err)
}

func TestMetrics_RelativeOverlap(t *testing.T) {
	m := NewMetrics()

	got, err := m.PairwiseRelativeOverlap([]orb.Geometry{square(0, 0, 10)}, []orb.Geometry{square(2, 2, 2)})
	require.NoError(t, err)
	assert.InDelta(t, 0.04, got[0], 1e-9)

	others, err := m.NewGeomSet([]orb.Geometry{square(0, 0, 5), square(5, 5, 5), square(50, 50, 1)})
	require.NoError(t, err)
	total, err := m.RelativeOverlap([]orb.Geometry{square(0, 0, 10), square(200, 200, 1)}, others)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0.5, 0}, total, 1e-9)
}

func TestGeomSet_Overlapping(t *testing.T) {
	m := NewMetrics()
	a, err := m.NewGeomSet([]orb.Geometry{square(0, 0, 10), square(20, 0, 10)})
	require.NoError(t, err)
	b, err := m.NewGeomSet([]orb.Geometry{square(25, 0, 2), square(5, 5, 2), square(100, 0, 1)})
	require.NoError(t, err)

	assert.Equal(t, []IndexPair{{Left: 1, Right: 0}, {Left: 0, Right: 1}}, a.Overlapping(b))
	assert.InDelta(t, 1.0, a.TWAO(1, b, 0), 1e-9)
}

func TestGeomSet_Nearest(t *testing.T) {
	m := NewMetrics()
	s, err := m.NewGeomSet([]orb.Geometry{square(0, 0, 10), square(100, 0, 10)})
	require.NoError(t, err)
	from, err := m.NewGeomSet([]orb.Geometry{square(30, 0, 10), square(50, 0, 10), square(85, 0, 10)})
	require.NoError(t, err)

	t.Run("uncapped", func(t *testing.T) {
		got, err := s.Nearest(from, []int{0, 1, 2}, NoDistanceCap)
		require.NoError(t, err)
		assert.Equal(t, []IndexPair{{0, 0}, {1, 0}, {2, 1}}, got, "ties resolve to the lowest index")
	})

	t.Run("capped", func(t *testing.T) {
		got, err := s.Nearest(from, []int{0, 1, 2}, 10)
		require.NoError(t, err)
		assert.Equal(t, []IndexPair{{2, 1}}, got)
	})

	t.Run("subset", func(t *testing.T) {
		got, err := s.Nearest(from, []int{2}, NoDistanceCap)
		require.NoError(t, err)
		assert.Equal(t, []IndexPair{{2, 1}}, got)
	})

	t.Run("empty target", func(t *testing.T) {
		empty, err := m.NewGeomSet(nil)
		require.NoError(t, err)
		got, err := empty.Nearest(from, []int{0}, NoDistanceCap)
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

func TestNoDistanceCap(t *testing.T) {
	assert.True(t, math.IsInf(NoDistanceCap, 1))
}
