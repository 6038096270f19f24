package conflate

import (
	"encoding/json"
	"math"
	"sort"
	"strconv"
)

// TopLabelerCount is the number of users reported by TopLabelers.
const TopLabelerCount = 5

// LabelerStats is one leaderboard row. Kappa is NaN when the user shares no
// comparable pair with other users.
type LabelerStats struct {
	Username string
	Count    int
	Kappa    float64
}

// MarshalJSON encodes a NaN kappa as null.
func (l LabelerStats) MarshalJSON() ([]byte, error) {
	var kappa *float64
	if !math.IsNaN(l.Kappa) {
		kappa = &l.Kappa
	}
	return json.Marshal(struct {
		Username string   `json:"username"`
		Count    int      `json:"count"`
		Kappa    *float64 `json:"kappa"`
	}{l.Username, l.Count, kappa})
}

// TopLabelers returns the users with the most authoritative decisions ("unsure"
// included) and their agreement with the other users.
func (s *State) TopLabelers() []LabelerStats {
	s.mu.RLock()
	all := uniqueResults(s.records, true)
	decided := uniqueResults(s.records, false)
	s.mu.RUnlock()

	counts := make(map[string]int)
	for _, r := range all {
		counts[r.Username]++
	}
	users := make([]string, 0, len(counts))
	for u := range counts {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool {
		if counts[users[i]] != counts[users[j]] {
			return counts[users[i]] > counts[users[j]]
		}
		return users[i] < users[j]
	})
	if len(users) > TopLabelerCount {
		users = users[:TopLabelerCount]
	}

	kappas := interAnnotatorAgreement(decided)
	out := make([]LabelerStats, len(users))
	for i, u := range users {
		k, ok := kappas[u]
		if !ok {
			k = math.NaN()
		}
		out[i] = LabelerStats{Username: u, Count: counts[u], Kappa: k}
	}
	return out
}

// interAnnotatorAgreement scores every user against the majority vote of all other
// users on the pairs labeled by more than one user. Pairs where the others are
// split evenly have no majority and are skipped.
func interAnnotatorAgreement(decided []Record) map[string]float64 {
	byPair := make(map[PairKey][]Record)
	for _, r := range decided {
		byPair[r.Key()] = append(byPair[r.Key()], r)
	}
	var multi []PairKey
	for k, rs := range byPair {
		if len(rs) > 1 {
			multi = append(multi, k)
		}
	}
	sortPairKeys(multi)

	var users []string
	seen := make(map[string]bool)
	for _, r := range decided {
		if len(byPair[r.Key()]) > 1 && !seen[r.Username] {
			seen[r.Username] = true
			users = append(users, r.Username)
		}
	}

	out := make(map[string]float64, len(users))
	for _, u := range users {
		var mine, consensus []Label
		for _, k := range multi {
			var own Label
			var others []Label
			for _, r := range byPair[k] {
				if r.Username == u {
					own = r.Match
				} else {
					others = append(others, r.Match)
				}
			}
			if own == "" {
				continue
			}
			if maj, ok := majorityVote(others); ok {
				mine = append(mine, own)
				consensus = append(consensus, maj)
			}
		}
		if len(mine) == 0 {
			out[u] = math.NaN()
			continue
		}
		out[u] = cohenKappa(mine, consensus, []Label{LabelYes, LabelNo})
	}
	return out
}

// majorityVote returns the unique most frequent label. ok is false on ties.
func majorityVote(labels []Label) (Label, bool) {
	counts := make(map[Label]int)
	for _, l := range labels {
		counts[l]++
	}
	var best Label
	bestCount, ties := 0, 0
	for l, c := range counts {
		switch {
		case c > bestCount:
			best, bestCount, ties = l, c, 1
		case c == bestCount:
			ties++
		}
	}
	return best, bestCount > 0 && ties == 1
}

// cohenKappa computes Cohen's kappa over the given label set; observations with
// other labels are ignored. The result is NaN when chance agreement is perfect.
func cohenKappa(a, b []Label, labels []Label) float64 {
	pos := make(map[Label]int, len(labels))
	for i, l := range labels {
		pos[l] = i
	}
	k := len(labels)
	confusion := make([][]float64, k)
	for i := range confusion {
		confusion[i] = make([]float64, k)
	}
	var n float64
	for i := range a {
		x, okA := pos[a[i]]
		y, okB := pos[b[i]]
		if !okA || !okB {
			continue
		}
		confusion[x][y]++
		n++
	}
	if n == 0 {
		return math.NaN()
	}

	var observed, expected float64
	for i := 0; i < k; i++ {
		observed += confusion[i][i]
		var row, col float64
		for j := 0; j < k; j++ {
			row += confusion[i][j]
			col += confusion[j][i]
		}
		expected += row * col / n
	}
	observed /= n
	expected /= n
	if expected == 1 {
		return math.NaN()
	}
	return (observed - expected) / (1 - expected)
}

// AggregatedResult is the final decision on a resolved pair.
type AggregatedResult struct {
	IDExisting   string `json:"id_existing"`
	IDNew        string `json:"id_new"`
	CountMatch   int    `json:"count_match"`
	CountNoMatch int    `json:"count_no_match"`
	CountUnsure  int    `json:"count_unsure"`
	Match        Label  `json:"match"`
}

// AggregatedHeader is the column order of the aggregated export.
var AggregatedHeader = []string{"id_existing", "id_new", "count_match", "count_no_match", "count_unsure", "match"}

func (a AggregatedResult) row() []string {
	return []string{
		a.IDExisting, a.IDNew,
		strconv.Itoa(a.CountMatch), strconv.Itoa(a.CountNoMatch), strconv.Itoa(a.CountUnsure),
		string(a.Match),
	}
}

// AggregatedResults reduces the authoritative records to one row per pair that the
// "unlabeled" policy no longer serves, with the majority label (yes, no, unsure
// order on ties) and the vote counts.
func (s *State) AggregatedResults() ([]AggregatedResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pending, err := s.schedulerLocked().pairs(ModeUnlabeled, "", s.shuffled)
	if err != nil {
		return nil, err
	}
	open := make(map[PairKey]struct{}, len(pending))
	for _, k := range pending {
		open[k] = struct{}{}
	}

	counts := make(map[PairKey]*AggregatedResult)
	var keys []PairKey
	for _, r := range uniqueResults(s.records, true) {
		if _, ok := open[r.Key()]; ok {
			continue
		}
		agg, ok := counts[r.Key()]
		if !ok {
			agg = &AggregatedResult{IDExisting: r.IDExisting, IDNew: r.IDNew}
			counts[r.Key()] = agg
			keys = append(keys, r.Key())
		}
		switch r.Match {
		case LabelYes:
			agg.CountMatch++
		case LabelNo:
			agg.CountNoMatch++
		case LabelUnsure:
			agg.CountUnsure++
		}
	}
	sortPairKeys(keys)

	out := make([]AggregatedResult, 0, len(keys))
	for _, k := range keys {
		agg := counts[k]
		agg.Match = LabelYes
		best := agg.CountMatch
		if agg.CountNoMatch > best {
			agg.Match, best = LabelNo, agg.CountNoMatch
		}
		if agg.CountUnsure > best {
			agg.Match = LabelUnsure
		}
		out = append(out, *agg)
	}
	return out, nil
}

// StoreAggregatedResults writes AggregatedResults to path as CSV.
func (s *State) StoreAggregatedResults(path string) error {
	results, err := s.AggregatedResults()
	if err != nil {
		return err
	}
	rows := make([][]string, len(results))
	for i, r := range results {
		rows[i] = r.row()
	}
	if err := writeCSVAtomic(path, AggregatedHeader, rows); err != nil {
		return err
	}
	s.logger.Info("aggregated results stored", "path", path, "pairs", len(results))
	return nil
}
