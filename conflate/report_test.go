package conflate

import (
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLeaderboardTable(t *testing.T) {
	out := LeaderboardTable([]LabelerStats{
		{Username: "alice", Count: 12, Kappa: 0.4},
		{Username: "bob", Count: 3, Kappa: math.NaN()},
	})
	assert.Contains(t, out, "alice")
	assert.Contains(t, out, "0.400")
	assert.Contains(t, out, "n/a")
	assert.Less(t, strings.Index(out, "alice"), strings.Index(out, "bob"))
}

func TestProgressTable(t *testing.T) {
	s := newTestState(t, StateOptions{AnnotationRedundancy: 1, ConsensusMargin: 1})
	label(t, s, "e1", "b1", "yes", "alice")

	out, err := ProgressTable(s, "bob")
	require.NoError(t, err)
	for _, mode := range []string{"all", "unlabeled", "cross-validate"} {
		assert.Contains(t, out, mode)
	}
}
