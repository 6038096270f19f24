package conflate

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMajorityVote(t *testing.T) {
	tests := []struct {
		labels []Label
		want   Label
		ok     bool
	}{
		{nil, "", false},
		{[]Label{LabelYes}, LabelYes, true},
		{[]Label{LabelYes, LabelNo}, "", false},
		{[]Label{LabelNo, LabelYes, LabelNo}, LabelNo, true},
	}
	for _, tt := range tests {
		got, ok := majorityVote(tt.labels)
		assert.Equal(t, tt.ok, ok, "%v", tt.labels)
		if tt.ok {
			assert.Equal(t, tt.want, got, "%v", tt.labels)
		}
	}
}

func TestCohenKappa(t *testing.T) {
	yn := []Label{LabelYes, LabelNo}

	assert.InDelta(t, 1.0, cohenKappa(
		[]Label{LabelYes, LabelNo}, []Label{LabelYes, LabelNo}, yn), 1e-12)
	assert.InDelta(t, 0.4, cohenKappa(
		[]Label{LabelYes, LabelNo, LabelNo}, []Label{LabelYes, LabelNo, LabelYes}, yn), 1e-12)
	assert.InDelta(t, -1.0, cohenKappa(
		[]Label{LabelYes, LabelNo}, []Label{LabelNo, LabelYes}, yn), 1e-12)

	assert.True(t, math.IsNaN(cohenKappa(nil, nil, yn)), "no observations")
	assert.True(t, math.IsNaN(cohenKappa(
		[]Label{LabelYes, LabelYes}, []Label{LabelYes, LabelYes}, yn)), "perfect chance agreement")
}

func TestState_TopLabelers(t *testing.T) {
	s := newTestState(t, StateOptions{})
	votes := []struct{ user, e, n, match string }{
		{"alice", "e1", "b1", "yes"}, {"alice", "e2", "b2", "no"}, {"alice", "e3", "b3", "yes"},
		{"bob", "e1", "b1", "yes"}, {"bob", "e2", "b2", "no"}, {"bob", "e3", "b3", "no"},
		{"carol", "e1", "b1", "yes"}, {"carol", "e2", "b2", "no"}, {"carol", "e3", "b3", "yes"},
		{"dave", "e1", "b1", "unsure"},
		{"erin", "e2", "b2", "unsure"},
		{"frank", "e3", "b3", "unsure"},
	}
	for _, v := range votes {
		label(t, s, v.e, v.n, v.match, v.user)
	}

	top := s.TopLabelers()
	require.Len(t, top, TopLabelerCount)
	names := make([]string, len(top))
	for i, l := range top {
		names[i] = l.Username
	}
	assert.Equal(t, []string{"alice", "bob", "carol", "dave", "erin"}, names)
	assert.Equal(t, 3, top[0].Count)
	assert.Equal(t, 1, top[3].Count, "unsure decisions count")

	// alice: e3/b3 is skipped because bob and carol disagree
	assert.InDelta(t, 1.0, top[0].Kappa, 1e-12)
	assert.InDelta(t, 0.4, top[1].Kappa, 1e-12)
	assert.InDelta(t, 1.0, top[2].Kappa, 1e-12)
	assert.True(t, math.IsNaN(top[3].Kappa))

	data, err := json.Marshal(top[3])
	require.NoError(t, err)
	assert.JSONEq(t, `{"username":"dave","count":1,"kappa":null}`, string(data))
}

func TestState_TopLabelers_Empty(t *testing.T) {
	s := newTestState(t, StateOptions{})
	assert.Empty(t, s.TopLabelers())
}

func TestState_AggregatedResults(t *testing.T) {
	s := newTestState(t, StateOptions{AnnotationRedundancy: 1, ConsensusMargin: 1})
	label(t, s, "e1", "b1", "yes", "alice")
	label(t, s, "e1", "b1", "yes", "bob")
	label(t, s, "e1", "b1", "unsure", "carol")
	// split vote stays open
	label(t, s, "e2", "b2", "yes", "alice")
	label(t, s, "e2", "b2", "no", "bob")

	got, err := s.AggregatedResults()
	require.NoError(t, err)
	assert.Equal(t, []AggregatedResult{
		{IDExisting: "e1", IDNew: "b1", CountMatch: 2, CountNoMatch: 0, CountUnsure: 1, Match: LabelYes},
	}, got)
}

func TestState_AggregatedResults_Ties(t *testing.T) {
	s := newTestState(t, StateOptions{})
	label(t, s, "e1", "b1", "yes", "alice")
	label(t, s, "e1", "b1", "no", "bob")
	label(t, s, "e2", "b2", "yes", "alice")
	label(t, s, "e2", "b2", "no", "bob")
	label(t, s, "e2", "b2", "unsure", "carol")
	label(t, s, "e2", "b2", "unsure", "dave")

	got, err := s.AggregatedResults()
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, LabelYes, got[0].Match, "yes wins a yes/no tie")
	assert.Equal(t, LabelUnsure, got[1].Match)
}

func TestState_StoreAggregatedResults(t *testing.T) {
	s := newTestState(t, StateOptions{})
	label(t, s, "e3", "b3", "no", "alice")

	path := filepath.Join(t.TempDir(), "labeled-pairs-test.csv")
	require.NoError(t, s.StoreAggregatedResults(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t,
		"id_existing,id_new,count_match,count_no_match,count_unsure,match\ne3,b3,0,1,0,no\n",
		strings.ReplaceAll(string(data), "\r\n", "\n"))
}
