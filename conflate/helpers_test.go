package conflate

import (
	"fmt"
	"math"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/require"
)

// square returns a counter-clockwise axis-aligned square with its lower left corner at (x, y).
func square(x, y, size float64) orb.Polygon {
	return rect(x, y, size, size)
}

func rect(x, y, w, h float64) orb.Polygon {
	return orb.Polygon{orb.Ring{{x, y}, {x + w, y}, {x + w, y + h}, {x, y + h}, {x, y}}}
}

// identityProjector treats projected coordinates as (lng, lat).
type identityProjector struct{}

func (identityProjector) FromGeographic(lng, lat float64) (orb.Point, error) {
	return orb.Point{lng, lat}, nil
}

func (identityProjector) ToGeographic(p orb.Point) (float64, float64, error) {
	return p[1], p[0], nil
}

// squareGrid splits the plane into size x size cells named "col:row".
type squareGrid struct {
	size float64
}

func (g squareGrid) Cell(lat, lng float64) string {
	return fmt.Sprintf("%d:%d", int(math.Floor(lng/g.size)), int(math.Floor(lat/g.size)))
}

func (g squareGrid) Disk(cells []string, k int) []string {
	seen := make(map[string]struct{})
	for _, c := range cells {
		parts := strings.Split(c, ":")
		if len(parts) != 2 {
			continue
		}
		col, err1 := strconv.Atoi(parts[0])
		row, err2 := strconv.Atoi(parts[1])
		if err1 != nil || err2 != nil {
			continue
		}
		for dc := -k; dc <= k; dc++ {
			for dr := -k; dr <= k; dr++ {
				seen[fmt.Sprintf("%d:%d", col+dc, row+dr)] = struct{}{}
			}
		}
	}
	out := make([]string, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// testPairs is a small labeled-ready container: two neighborhoods with two and one
// pairs, the first of each overlapping.
//
//	n1: e1/b1 overlapping, e2/b2 50 m apart
//	n2: e3/b3 overlapping
func testPairs(t *testing.T) *CandidatePairs {
	t.Helper()
	a := NewDataset("existing", DefaultCRS, []Building{
		{ID: "e1", OriginalID: "e1", Neighborhood: "n1", Geometry: square(0, 0, 10)},
		{ID: "e2", OriginalID: "e2", Neighborhood: "n1", Geometry: square(100, 0, 10)},
		{ID: "e3", OriginalID: "e3", Neighborhood: "n2", Geometry: square(1000, 0, 10)},
	})
	b := NewDataset("new", DefaultCRS, []Building{
		{ID: "b1", OriginalID: "b1", Neighborhood: "n1", Geometry: square(1, 1, 10)},
		{ID: "b2", OriginalID: "b2", Neighborhood: "n1", Geometry: square(160, 0, 10)},
		{ID: "b3", OriginalID: "b3", Neighborhood: "n2", Geometry: square(1002, 0, 10)},
	})
	c, err := NewCandidatePairs(a, b, []Pair{
		{IDExisting: "e1", IDNew: "b1"},
		{IDExisting: "e2", IDNew: "b2"},
		{IDExisting: "e3", IDNew: "b3"},
	})
	require.NoError(t, err)
	return c
}

// newTestState opens a state on testPairs with a results file in a temp dir and a
// clock that advances one second per record.
func newTestState(t *testing.T, opts StateOptions) *State {
	t.Helper()
	return newTestStateAt(t, filepath.Join(t.TempDir(), "labels.csv"), opts)
}

func newTestStateAt(t *testing.T, resultsPath string, opts StateOptions) *State {
	t.Helper()
	s, err := NewState(testPairs(t), resultsPath, opts, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	s.now = fixedClock()
	return s
}

func fixedClock() func() time.Time {
	t := time.Date(2024, 5, 1, 12, 0, 0, 0, time.Local)
	return func() time.Time {
		t = t.Add(time.Second)
		return t
	}
}

func label(t *testing.T, s *State, idE, idN, match, user string) {
	t.Helper()
	require.NoError(t, s.AddResult(idE, idN, match, user))
}

func keys(pairs ...string) []PairKey {
	out := make([]PairKey, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, PairKey{IDExisting: pairs[i], IDNew: pairs[i+1]})
	}
	return out
}
