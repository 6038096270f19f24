package conflate

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/paulmach/orb"
)

// StateOptions parameterize a labeling session.
type StateOptions struct {
	// AnnotationRedundancy is the number of labelers wanted beyond the first.
	AnnotationRedundancy int
	// ConsensusMargin is the minimum |yes - no| vote gap for a resolved pair.
	ConsensusMargin int
	// Seed fixes the order in which the "all" policy serves items.
	Seed uint64
	// NearRadius is the radius of the point queries, in CRS units.
	NearRadius float64
	// IncrementalCounts maintains per-pair label tallies on every mutation instead
	// of recomputing them from the log on every query.
	IncrementalCounts bool
}

// CandidatePair is a pair together with both buildings.
type CandidatePair struct {
	Pair
	Existing Building `json:"existing"`
	New      Building `json:"new"`
}

// State is the annotation state of one candidate pairs dataset: the append-only
// record log, the views derived from it and its persistence. It is safe for
// concurrent use; mutations and their persistence are serialized.
type State struct {
	Data        *CandidatePairs
	ResultsPath string

	opts    StateOptions
	logger  *slog.Logger
	results *ResultsFile
	now     func() time.Time

	nearA, nearB   *proximityIndex
	pairIndex      map[PairKey]int
	pairsByNewCell map[string][]int
	shuffled       []PairKey

	mu      sync.RWMutex
	records []Record
	counts  *labelCounts
	hooks   []func([]Record)
}

// OpenState loads a container file and its results file.
func OpenState(dataPath, resultsPath string, opts StateOptions, logger *slog.Logger) (*State, error) {
	data, err := LoadCandidatePairs(dataPath)
	if err != nil {
		return nil, err
	}
	return NewState(data, resultsPath, opts, logger)
}

// NewState prepares the state for a container, recomputes the preliminary match
// estimate and resumes from previously stored results.
func NewState(data *CandidatePairs, resultsPath string, opts StateOptions, logger *slog.Logger) (*State, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if opts.Seed == 0 {
		opts.Seed = DefaultSeed
	}
	if opts.NearRadius == 0 {
		opts.NearRadius = DefaultNearRadius
	}
	if err := data.PreliminaryMatch(NewMetrics()); err != nil {
		return nil, fmt.Errorf("estimating preliminary matches: %w", err)
	}

	results := NewResultsFile(resultsPath)
	if err := results.Acquire(); err != nil {
		return nil, err
	}
	records, err := results.Load()
	if err != nil {
		results.Release()
		return nil, err
	}

	s := &State{
		Data:           data,
		ResultsPath:    resultsPath,
		opts:           opts,
		logger:         logger,
		results:        results,
		now:            time.Now,
		nearA:          newProximityIndex(data.DatasetA.Buildings),
		nearB:          newProximityIndex(data.DatasetB.Buildings),
		pairIndex:      make(map[PairKey]int, len(data.Pairs)),
		pairsByNewCell: make(map[string][]int),
		shuffled:       shuffledKeys(data.Pairs, opts.Seed),
		records:        records,
	}
	for i, p := range data.Pairs {
		if _, ok := s.pairIndex[p.Key()]; !ok {
			s.pairIndex[p.Key()] = i
		}
		cell := data.DatasetB.Neighborhood(p.IDNew)
		s.pairsByNewCell[cell] = append(s.pairsByNewCell[cell], i)
	}
	if opts.IncrementalCounts {
		s.counts = newLabelCounts()
		for _, r := range records {
			s.counts.apply(r)
		}
	}
	logger.Info("labeling state ready",
		"pairs", len(data.Pairs), "records", len(records), "results", resultsPath)
	return s, nil
}

// Close releases the results file.
func (s *State) Close() error {
	return s.results.Release()
}

// Options returns the session parameters.
func (s *State) Options() StateOptions { return s.opts }

// OnRecords registers a callback invoked with every batch of stored records.
// Callbacks run after persistence, outside the state lock.
func (s *State) OnRecords(fn func([]Record)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, fn)
}

// GetExistingBuildings returns the existing buildings of a neighborhood plus the
// existing partners of pairs whose new building lies in it.
func (s *State) GetExistingBuildings(neighborhood string) []Building {
	a := s.Data.DatasetA
	out := []Building{}
	seen := make(map[string]bool)
	for _, b := range a.Buildings {
		if b.Neighborhood == neighborhood {
			out = append(out, b)
			seen[b.ID] = true
		}
	}
	for _, i := range s.pairsByNewCell[neighborhood] {
		id := s.Data.Pairs[i].IDExisting
		if seen[id] {
			continue
		}
		if b, ok := a.Get(id); ok {
			out = append(out, b)
			seen[id] = true
		}
	}
	return out
}

// GetNewBuildings returns the new buildings of a neighborhood.
func (s *State) GetNewBuildings(neighborhood string) []Building {
	out := []Building{}
	for _, b := range s.Data.DatasetB.Buildings {
		if b.Neighborhood == neighborhood {
			out = append(out, b)
		}
	}
	return out
}

// GetExistingBuildingsNear returns existing buildings within NearRadius of pt.
func (s *State) GetExistingBuildingsNear(pt orb.Point) []Building {
	return s.nearA.within(pt, s.opts.NearRadius)
}

// GetNewBuildingsNear returns new buildings within NearRadius of pt.
func (s *State) GetNewBuildingsNear(pt orb.Point) []Building {
	return s.nearB.within(pt, s.opts.NearRadius)
}

// GetCandidatePair returns both buildings of a pair. ok is false when either ID is
// unknown.
func (s *State) GetCandidatePair(idExisting, idNew string) (CandidatePair, bool) {
	e, okE := s.Data.Existing(idExisting)
	n, okN := s.Data.New(idNew)
	if !okE || !okN {
		return CandidatePair{}, false
	}
	cp := CandidatePair{Pair: Pair{IDExisting: idExisting, IDNew: idNew}, Existing: e, New: n}
	if i, ok := s.pairIndex[cp.Key()]; ok {
		cp.Match = s.Data.Pairs[i].Match
	}
	return cp, true
}

// GetCandidatePairs returns the pairs whose new building lies in the neighborhood.
func (s *State) GetCandidatePairs(neighborhood string) []CandidatePair {
	out := []CandidatePair{}
	for _, i := range s.pairsByNewCell[neighborhood] {
		p := s.Data.Pairs[i]
		e, _ := s.Data.Existing(p.IDExisting)
		n, _ := s.Data.New(p.IDNew)
		out = append(out, CandidatePair{Pair: p, Existing: e, New: n})
	}
	return out
}

// ValidPair reports whether the pair is part of the candidate table.
func (s *State) ValidPair(idExisting, idNew string) bool {
	_, ok := s.pairIndex[PairKey{IDExisting: idExisting, IDNew: idNew}]
	return ok
}

// HasNeighborhood reports whether a new building of some pair lies in the
// neighborhood.
func (s *State) HasNeighborhood(neighborhood string) bool {
	_, ok := s.pairsByNewCell[neighborhood]
	return ok
}

// AllNeighborhoods returns the neighborhoods of the new buildings of all pairs in
// pair order.
func (s *State) AllNeighborhoods() []string {
	seen := make(map[string]bool)
	var out []string
	for _, p := range s.Data.Pairs {
		cell := s.Data.DatasetB.Neighborhood(p.IDNew)
		if !seen[cell] {
			seen[cell] = true
			out = append(out, cell)
		}
	}
	return out
}

// AddResult records a single decision and persists the results.
func (s *State) AddResult(idExisting, idNew, match, username string) error {
	label, err := ParseLabel(match)
	if err != nil {
		return err
	}
	r := Record{
		IDExisting: idExisting,
		IDNew:      idNew,
		Match:      label,
		Username:   username,
	}

	s.mu.Lock()
	r.Time = s.now()
	if err := s.appendLocked([]Record{r}); err != nil {
		s.mu.Unlock()
		return err
	}
	if n := len(s.records); n%10 == 0 {
		s.logger.Info("labeling progress", "records", n, "frequency", labelFrequency(s.records))
	}
	hooks := s.hooks
	s.mu.Unlock()

	for _, fn := range hooks {
		fn([]Record{r})
	}
	return nil
}

// AddBulkResults validates every record, stamps all of them with one timestamp and
// persists the results. Nothing is recorded when any label is invalid.
func (s *State) AddBulkResults(records []Record) error {
	batch := make([]Record, len(records))
	for i, r := range records {
		label, err := ParseLabel(string(r.Match))
		if err != nil {
			return fmt.Errorf("record %d: %w", i, err)
		}
		r.Match = label
		batch[i] = r
	}

	s.mu.Lock()
	now := s.now()
	for i := range batch {
		batch[i].Time = now
	}
	if err := s.appendLocked(batch); err != nil {
		s.mu.Unlock()
		return err
	}
	hooks := s.hooks
	s.mu.Unlock()

	for _, fn := range hooks {
		fn(batch)
	}
	return nil
}

// appendLocked rewrites the results file with the batch appended and commits the
// batch to the log and the counts only once the file is written. The caller holds mu.
func (s *State) appendLocked(batch []Record) error {
	next := append(s.records[:len(s.records):len(s.records)], batch...)
	if err := s.writeLocked(next); err != nil {
		return err
	}
	s.records = next
	if s.counts != nil {
		for _, r := range batch {
			s.counts.apply(r)
		}
	}
	return nil
}

// StoreResults writes the authoritative records to the results file.
func (s *State) StoreResults() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.storeLocked()
}

func (s *State) storeLocked() error {
	return s.writeLocked(s.records)
}

func (s *State) writeLocked(records []Record) error {
	if err := s.results.Write(uniqueResults(records, true)); err != nil {
		return err
	}
	s.logger.Debug("labeled building pairs stored", "path", s.ResultsPath)
	return nil
}

// Records returns a copy of the full record log.
func (s *State) Records() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, len(s.records))
	copy(out, s.records)
	return out
}

// UniqueResults returns the authoritative record per pair and user.
func (s *State) UniqueResults(includeUnsure bool) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return uniqueResults(s.records, includeUnsure)
}

// uniqueResults keeps the latest record per (pair, user), in the log position of
// that latest record, optionally dropping "unsure" decisions.
func uniqueResults(records []Record, includeUnsure bool) []Record {
	last := make(map[userPairKey]int, len(records))
	for i, r := range records {
		last[userPairKey{PairKey: r.Key(), Username: r.Username}] = i
	}
	out := make([]Record, 0, len(last))
	for i, r := range records {
		if last[userPairKey{PairKey: r.Key(), Username: r.Username}] != i {
			continue
		}
		if !includeUnsure && r.Match == LabelUnsure {
			continue
		}
		out = append(out, r)
	}
	return out
}

func labelFrequency(records []Record) map[Label]int {
	freq := make(map[Label]int)
	for _, r := range records {
		freq[r.Match]++
	}
	return freq
}

func sortPairKeys(keys []PairKey) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].IDExisting != keys[j].IDExisting {
			return keys[i].IDExisting < keys[j].IDExisting
		}
		return keys[i].IDNew < keys[j].IDNew
	})
}
