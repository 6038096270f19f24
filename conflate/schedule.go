package conflate

import (
	"fmt"
	"math/rand/v2"
)

// Mode selects which items a labeling session is served.
type Mode string

const (
	// ModeAll serves every item the user has not labeled yet, in seeded random order.
	ModeAll Mode = "all"
	// ModeUnlabeled serves ambiguous, insufficiently labeled and unlabeled items.
	ModeUnlabeled Mode = "unlabeled"
	// ModeCrossValidate serves ambiguous and insufficiently labeled items only.
	ModeCrossValidate Mode = "cross-validate"
)

// ParseMode validates a labeling mode.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeAll, ModeUnlabeled, ModeCrossValidate:
		return m, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownMode, s)
}

// pairTally counts authoritative, non-unsure decisions on one pair.
type pairTally struct {
	Yes   int
	No    int
	Users int
}

// labelView answers the scheduler's questions about the label log.
type labelView interface {
	// pairTallies covers every pair with at least one non-unsure decision.
	pairTallies() map[PairKey]pairTally
	// neighborhoodUsers counts distinct users with a non-unsure decision per neighborhood.
	neighborhoodUsers() map[string]int
	// userPairs are the pairs the user holds any decision on.
	userPairs(user string) map[PairKey]struct{}
	// userNeighborhoods are the neighborhoods the user holds any decision in.
	userNeighborhoods(user string) map[string]struct{}
}

// logView derives everything from the deduplicated log on construction.
type logView struct {
	unique []Record
}

func newLogView(records []Record) logView {
	return logView{unique: uniqueResults(records, true)}
}

func (v logView) pairTallies() map[PairKey]pairTally {
	out := make(map[PairKey]pairTally)
	for _, r := range v.unique {
		if r.Match == LabelUnsure {
			continue
		}
		t := out[r.Key()]
		t.Users++
		switch r.Match {
		case LabelYes:
			t.Yes++
		case LabelNo:
			t.No++
		}
		out[r.Key()] = t
	}
	return out
}

func (v logView) neighborhoodUsers() map[string]int {
	users := make(map[string]map[string]struct{})
	for _, r := range v.unique {
		if r.Match == LabelUnsure || r.Neighborhood == "" {
			continue
		}
		if users[r.Neighborhood] == nil {
			users[r.Neighborhood] = make(map[string]struct{})
		}
		users[r.Neighborhood][r.Username] = struct{}{}
	}
	out := make(map[string]int, len(users))
	for n, u := range users {
		out[n] = len(u)
	}
	return out
}

func (v logView) userPairs(user string) map[PairKey]struct{} {
	out := make(map[PairKey]struct{})
	for _, r := range v.unique {
		if r.Username == user {
			out[r.Key()] = struct{}{}
		}
	}
	return out
}

func (v logView) userNeighborhoods(user string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, r := range v.unique {
		if r.Username == user && r.Neighborhood != "" {
			out[r.Neighborhood] = struct{}{}
		}
	}
	return out
}

// viewLocked returns the label view for the current log. The caller holds mu.
func (s *State) viewLocked() labelView {
	if s.counts != nil {
		return s.counts
	}
	return newLogView(s.records)
}

// scheduler evaluates the policies over one snapshot of the label view.
type scheduler struct {
	view       labelView
	redundancy int
	margin     int
}

func (sc scheduler) insufficientPairs(tallies map[PairKey]pairTally) []PairKey {
	var out []PairKey
	for k, t := range tallies {
		if t.Users < sc.redundancy+1 {
			out = append(out, k)
		}
	}
	sortPairKeys(out)
	return out
}

func (sc scheduler) ambiguousPairs(tallies map[PairKey]pairTally) []PairKey {
	var out []PairKey
	for k, t := range tallies {
		if abs(t.Yes-t.No) < sc.margin {
			out = append(out, k)
		}
	}
	sortPairKeys(out)
	return out
}

func unlabeledPairs(all []PairKey, tallies map[PairKey]pairTally) []PairKey {
	var out []PairKey
	for _, k := range all {
		if _, ok := tallies[k]; !ok {
			out = append(out, k)
		}
	}
	return out
}

// pairs returns the pairs a policy would serve to user, best first.
func (sc scheduler) pairs(mode Mode, user string, all []PairKey) ([]PairKey, error) {
	var groups [][]PairKey
	switch mode {
	case ModeAll:
		groups = [][]PairKey{all}
	case ModeUnlabeled:
		t := sc.view.pairTallies()
		groups = [][]PairKey{sc.ambiguousPairs(t), sc.insufficientPairs(t), unlabeledPairs(all, t)}
	case ModeCrossValidate:
		t := sc.view.pairTallies()
		groups = [][]PairKey{sc.ambiguousPairs(t), sc.insufficientPairs(t)}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}

	own := sc.view.userPairs(user)
	seen := make(map[PairKey]struct{})
	var out []PairKey
	for _, g := range groups {
		for _, k := range g {
			if _, done := own[k]; done {
				continue
			}
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, k)
		}
	}
	return out, nil
}

// neighborhoods returns the neighborhoods a policy would serve to user.
func (sc scheduler) neighborhoods(mode Mode, user string, all []string) ([]string, error) {
	var remaining []string
	switch mode {
	case ModeAll:
		remaining = all
	case ModeUnlabeled, ModeCrossValidate:
		counts := sc.view.neighborhoodUsers()
		set := make(map[string]struct{})
		for n, users := range counts {
			if users < sc.redundancy+1 {
				set[n] = struct{}{}
			}
		}
		if mode == ModeUnlabeled {
			for _, n := range all {
				if _, labeled := counts[n]; !labeled {
					set[n] = struct{}{}
				}
			}
		}
		remaining = sortedKeys(set)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}

	own := sc.view.userNeighborhoods(user)
	out := make([]string, 0, len(remaining))
	for _, n := range remaining {
		if _, done := own[n]; !done {
			out = append(out, n)
		}
	}
	return out, nil
}

func (s *State) schedulerLocked() scheduler {
	return scheduler{
		view:       s.viewLocked(),
		redundancy: s.opts.AnnotationRedundancy,
		margin:     s.opts.ConsensusMargin,
	}
}

// NextPairs returns every pair the policy would serve to user, best first.
func (s *State) NextPairs(mode Mode, user string) ([]PairKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.schedulerLocked().pairs(mode, user, s.shuffled)
}

// NextPair returns the next pair to label. ok is false when the policy is exhausted.
func (s *State) NextPair(mode Mode, user string) (PairKey, bool, error) {
	return s.pairAt(mode, user, 0)
}

// PairAfterNext returns the pair following NextPair, for prefetching.
func (s *State) PairAfterNext(mode Mode, user string) (PairKey, bool, error) {
	return s.pairAt(mode, user, 1)
}

func (s *State) pairAt(mode Mode, user string, i int) (PairKey, bool, error) {
	pairs, err := s.NextPairs(mode, user)
	if err != nil || i >= len(pairs) {
		return PairKey{}, false, err
	}
	return pairs[i], true, nil
}

// NextNeighborhoods returns every neighborhood the policy would serve to user.
func (s *State) NextNeighborhoods(mode Mode, user string) ([]string, error) {
	all := s.AllNeighborhoods()
	if mode == ModeAll {
		r := rand.New(newSource(s.opts.Seed))
		r.Shuffle(len(all), func(i, j int) { all[i], all[j] = all[j], all[i] })
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.schedulerLocked().neighborhoods(mode, user, all)
}

// NextNeighborhood returns the next neighborhood to label. ok is false when the
// policy is exhausted.
func (s *State) NextNeighborhood(mode Mode, user string) (string, bool, error) {
	return s.neighborhoodAt(mode, user, 0)
}

// NeighborhoodAfterNext returns the neighborhood following NextNeighborhood.
func (s *State) NeighborhoodAfterNext(mode Mode, user string) (string, bool, error) {
	return s.neighborhoodAt(mode, user, 1)
}

func (s *State) neighborhoodAt(mode Mode, user string, i int) (string, bool, error) {
	cells, err := s.NextNeighborhoods(mode, user)
	if err != nil || i >= len(cells) {
		return "", false, err
	}
	return cells[i], true, nil
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
