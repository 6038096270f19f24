package conflate

import (
	"errors"
	"slices"
	"strconv"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMode(t *testing.T) {
	for _, m := range []string{"all", "unlabeled", "cross-validate"} {
		got, err := ParseMode(m)
		require.NoError(t, err)
		assert.Equal(t, Mode(m), got)
	}
	_, err := ParseMode("random")
	assert.True(t, errors.Is(err, ErrUnknownMode))
}

// forEachCounting runs the test against the log-derived and the incremental view.
func forEachCounting(t *testing.T, opts StateOptions, fn func(t *testing.T, s *State)) {
	for _, incremental := range []bool{false, true} {
		name := "log"
		if incremental {
			name = "incremental"
		}
		t.Run(name, func(t *testing.T) {
			o := opts
			o.IncrementalCounts = incremental
			fn(t, newTestState(t, o))
		})
	}
}

func TestState_NextPairs(t *testing.T) {
	opts := StateOptions{AnnotationRedundancy: 1, ConsensusMargin: 1}
	forEachCounting(t, opts, func(t *testing.T, s *State) {
		all := s.shuffled

		next, err := s.NextPairs(ModeUnlabeled, "alice")
		require.NoError(t, err)
		assert.Equal(t, all, next, "unlabeled pairs come in seeded order")

		next, err = s.NextPairs(ModeCrossValidate, "alice")
		require.NoError(t, err)
		assert.Empty(t, next)
		_, ok, err := s.NextPair(ModeCrossValidate, "alice")
		require.NoError(t, err)
		assert.False(t, ok)

		// one vote leaves the pair insufficiently labeled
		label(t, s, "e1", "b1", "yes", "alice")
		next, err = s.NextPairs(ModeUnlabeled, "bob")
		require.NoError(t, err)
		require.Len(t, next, 3)
		assert.Equal(t, PairKey{"e1", "b1"}, next[0])

		next, err = s.NextPairs(ModeUnlabeled, "alice")
		require.NoError(t, err)
		assert.Len(t, next, 2)
		assert.NotContains(t, next, PairKey{"e1", "b1"})

		// a split vote is ambiguous
		label(t, s, "e1", "b1", "no", "bob")
		next, err = s.NextPairs(ModeCrossValidate, "carol")
		require.NoError(t, err)
		assert.Equal(t, keys("e1", "b1"), next)
		next, err = s.NextPairs(ModeCrossValidate, "bob")
		require.NoError(t, err)
		assert.Empty(t, next)

		// resolving the pair removes it from every queue
		label(t, s, "e1", "b1", "yes", "carol")
		next, err = s.NextPairs(ModeUnlabeled, "dave")
		require.NoError(t, err)
		assert.NotContains(t, next, PairKey{"e1", "b1"})

		// unsure decisions count for the user only
		label(t, s, "e2", "b2", "unsure", "dave")
		next, err = s.NextPairs(ModeUnlabeled, "erin")
		require.NoError(t, err)
		assert.Contains(t, next, PairKey{"e2", "b2"})
		next, err = s.NextPairs(ModeUnlabeled, "dave")
		require.NoError(t, err)
		assert.NotContains(t, next, PairKey{"e2", "b2"})

		next, err = s.NextPairs(ModeAll, "alice")
		require.NoError(t, err)
		assert.Len(t, next, 2)

		first, ok, err := s.NextPair(ModeAll, "zoe")
		require.NoError(t, err)
		require.True(t, ok)
		second, ok, err := s.PairAfterNext(ModeAll, "zoe")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, all[0], first)
		assert.Equal(t, all[1], second)
	})
}

func TestState_NextPairs_UnknownMode(t *testing.T) {
	s := newTestState(t, StateOptions{})
	_, err := s.NextPairs("bogus", "alice")
	assert.True(t, errors.Is(err, ErrUnknownMode))
	_, _, err = s.NextNeighborhood("bogus", "alice")
	assert.True(t, errors.Is(err, ErrUnknownMode))
}

func neighborhoodBatch(nbh, user string, s *State) []Record {
	var out []Record
	for _, cp := range s.GetCandidatePairs(nbh) {
		out = append(out, Record{Neighborhood: nbh, IDExisting: cp.IDExisting, IDNew: cp.IDNew, Match: LabelYes, Username: user})
	}
	return out
}

func TestState_NextNeighborhoods(t *testing.T) {
	opts := StateOptions{AnnotationRedundancy: 1, ConsensusMargin: 1}
	forEachCounting(t, opts, func(t *testing.T, s *State) {
		next, err := s.NextNeighborhoods(ModeUnlabeled, "alice")
		require.NoError(t, err)
		assert.Equal(t, []string{"n1", "n2"}, next)

		require.NoError(t, s.AddBulkResults(neighborhoodBatch("n1", "alice", s)))

		next, err = s.NextNeighborhoods(ModeUnlabeled, "alice")
		require.NoError(t, err)
		assert.Equal(t, []string{"n2"}, next)

		next, err = s.NextNeighborhoods(ModeUnlabeled, "bob")
		require.NoError(t, err)
		assert.Equal(t, []string{"n1", "n2"}, next)

		next, err = s.NextNeighborhoods(ModeCrossValidate, "bob")
		require.NoError(t, err)
		assert.Equal(t, []string{"n1"}, next)

		require.NoError(t, s.AddBulkResults(neighborhoodBatch("n1", "bob", s)))
		n, ok, err := s.NextNeighborhood(ModeCrossValidate, "carol")
		require.NoError(t, err)
		assert.False(t, ok, "got %q", n)

		n, ok, err = s.NextNeighborhood(ModeUnlabeled, "carol")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "n2", n)
		_, ok, err = s.NeighborhoodAfterNext(ModeUnlabeled, "carol")
		require.NoError(t, err)
		assert.False(t, ok)

		next, err = s.NextNeighborhoods(ModeAll, "alice")
		require.NoError(t, err)
		assert.Equal(t, []string{"n2"}, next)
		next, err = s.NextNeighborhoods(ModeAll, "zoe")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"n1", "n2"}, next)
	})
}

func TestLabelCounts_MatchesLogView(t *testing.T) {
	records := []Record{
		{Neighborhood: "n1", IDExisting: "e1", IDNew: "b1", Match: LabelYes, Username: "alice"},
		{Neighborhood: "n1", IDExisting: "e2", IDNew: "b2", Match: LabelNo, Username: "alice"},
		{Neighborhood: "n1", IDExisting: "e1", IDNew: "b1", Match: LabelNo, Username: "bob"},
		{IDExisting: "e3", IDNew: "b3", Match: LabelYes, Username: "bob"},
		{Neighborhood: "n1", IDExisting: "e1", IDNew: "b1", Match: LabelUnsure, Username: "alice"},
		{Neighborhood: "n2", IDExisting: "e3", IDNew: "b3", Match: LabelUnsure, Username: "carol"},
		{Neighborhood: "n1", IDExisting: "e2", IDNew: "b2", Match: LabelUnsure, Username: "alice"},
		{Neighborhood: "n1", IDExisting: "e2", IDNew: "b2", Match: LabelYes, Username: "alice"},
	}

	for n := 0; n <= len(records); n++ {
		log := newLogView(records[:n])
		counts := newLabelCounts()
		for _, r := range records[:n] {
			counts.apply(r)
		}

		if diff := cmp.Diff(log.pairTallies(), counts.pairTallies()); diff != "" {
			t.Errorf("after %d records, pair tallies (-log +counts):\n%s", n, diff)
		}
		if diff := cmp.Diff(log.neighborhoodUsers(), counts.neighborhoodUsers()); diff != "" {
			t.Errorf("after %d records, neighborhood users (-log +counts):\n%s", n, diff)
		}
		for _, u := range []string{"alice", "bob", "carol"} {
			if diff := cmp.Diff(log.userPairs(u), counts.userPairs(u)); diff != "" {
				t.Errorf("after %d records, pairs of %s (-log +counts):\n%s", n, u, diff)
			}
			if diff := cmp.Diff(log.userNeighborhoods(u), counts.userNeighborhoods(u)); diff != "" {
				t.Errorf("after %d records, neighborhoods of %s (-log +counts):\n%s", n, u, diff)
			}
		}
	}
}

func TestState_RedundancyAndMargin(t *testing.T) {
	type vote struct{ user, match string }
	votes := func(yes, no int) []vote {
		var out []vote
		for i := 0; i < yes; i++ {
			out = append(out, vote{user: "yes" + strconv.Itoa(i), match: "yes"})
		}
		for i := 0; i < no; i++ {
			out = append(out, vote{user: "no" + strconv.Itoa(i), match: "no"})
		}
		return out
	}

	tests := []struct {
		name     string
		opts     StateOptions
		votes    []vote
		resolved bool
		// aggregate row of e1/b1 when resolved
		want AggregatedResult
	}{
		{
			name:  "even split stays ambiguous",
			opts:  StateOptions{ConsensusMargin: 3},
			votes: votes(3, 3),
		},
		{
			name:  "gap below margin stays ambiguous",
			opts:  StateOptions{ConsensusMargin: 3},
			votes: votes(3, 1),
		},
		{
			name:     "gap at margin resolves",
			opts:     StateOptions{ConsensusMargin: 2},
			votes:    votes(3, 1),
			resolved: true,
			want:     AggregatedResult{IDExisting: "e1", IDNew: "b1", CountMatch: 3, CountNoMatch: 1, Match: LabelYes},
		},
		{
			name:  "two users below redundancy two",
			opts:  StateOptions{AnnotationRedundancy: 2, ConsensusMargin: 1},
			votes: votes(2, 0),
		},
		{
			name:     "three users meet redundancy two",
			opts:     StateOptions{AnnotationRedundancy: 2, ConsensusMargin: 1},
			votes:    votes(3, 0),
			resolved: true,
			want:     AggregatedResult{IDExisting: "e1", IDNew: "b1", CountMatch: 3, Match: LabelYes},
		},
		{
			name:  "unsure is no vote",
			opts:  StateOptions{AnnotationRedundancy: 1, ConsensusMargin: 1},
			votes: []vote{{"alice", "yes"}, {"bob", "unsure"}},
		},
		{
			// counting alice twice would leave yes=1 no=2 and keep the pair ambiguous
			name:     "relabeling replaces the earlier vote",
			opts:     StateOptions{ConsensusMargin: 2},
			votes:    []vote{{"alice", "yes"}, {"alice", "no"}, {"bob", "no"}},
			resolved: true,
			want:     AggregatedResult{IDExisting: "e1", IDNew: "b1", CountNoMatch: 2, Match: LabelNo},
		},
		{
			name:  "repeated votes of one user count once",
			opts:  StateOptions{ConsensusMargin: 2},
			votes: []vote{{"alice", "yes"}, {"alice", "yes"}, {"alice", "yes"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			forEachCounting(t, tt.opts, func(t *testing.T, s *State) {
				for _, v := range tt.votes {
					label(t, s, "e1", "b1", v.match, v.user)
				}

				open, err := s.NextPairs(ModeCrossValidate, "zoe")
				require.NoError(t, err)
				assert.Equal(t, !tt.resolved, slices.Contains(open, PairKey{"e1", "b1"}), "cross-validate queue")

				agg, err := s.AggregatedResults()
				require.NoError(t, err)
				var got []AggregatedResult
				for _, r := range agg {
					if r.IDExisting == "e1" && r.IDNew == "b1" {
						got = append(got, r)
					}
				}
				if !tt.resolved {
					assert.Empty(t, got)
					return
				}
				if diff := cmp.Diff([]AggregatedResult{tt.want}, got); diff != "" {
					t.Errorf("aggregate mismatch (-want +got):\n%s", diff)
				}
			})
		})
	}
}
