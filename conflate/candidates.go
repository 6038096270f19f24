package conflate

import (
	"fmt"
	"log/slog"
	"sort"
	"strconv"

	"github.com/paulmach/orb"
)

// DefaultOverlapTolerance discards intersecting pairs that merely touch.
const DefaultOverlapTolerance = 0.01

// Range is an inclusive [Min, Max] interval.
type Range struct {
	Min float64 `yaml:"min" json:"min"`
	Max float64 `yaml:"max" json:"max"`
}

// Contains reports whether v lies inside the interval.
func (r Range) Contains(v float64) bool {
	return v >= r.Min && v <= r.Max
}

// IsIdentity reports whether the range is [0, 1], which filters nothing.
func (r Range) IsIdentity() bool {
	return r.Min == 0 && r.Max == 1
}

// GeneratorOptions configure candidate pair generation. Nil pointers disable the
// corresponding step.
type GeneratorOptions struct {
	// OverlapRange keeps pairs whose TWAO lies in the range.
	OverlapRange *Range
	// SimilarityRange keeps pairs whose shape similarity lies in the range.
	SimilarityRange *Range
	// MaxDistance caps the nearest neighbor search. Nil means no cap and enables the
	// coverage check; zero disables the nearest neighbor search.
	MaxDistance *float64
	// MaxOverlapOthers keeps pairs where both buildings are overlapped by buildings
	// other than their partner by less than this share of their area. Nil or zero
	// disables the filter.
	MaxOverlapOthers *float64
	// SampleSize draws that many pairs at random.
	SampleSize int
	// NeighborhoodSamples restricts the search to that many neighborhoods, drawn
	// with probability proportional to their building count.
	NeighborhoodSamples int

	OverlapTolerance float64
	Seed             uint64
}

// Generator builds the candidate pairs between an existing and a new dataset.
type Generator struct {
	Options   GeneratorOptions
	Grid      Grid
	Projector Projector
	Metrics   *Metrics
	Logger    *slog.Logger
}

// NewGenerator fills in defaults for the tolerance, seed and logger.
func NewGenerator(opts GeneratorOptions, grid Grid, projector Projector, logger *slog.Logger) *Generator {
	if opts.OverlapTolerance == 0 {
		opts.OverlapTolerance = DefaultOverlapTolerance
	}
	if opts.Seed == 0 {
		opts.Seed = DefaultSeed
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Generator{
		Options:   opts,
		Grid:      grid,
		Projector: projector,
		Metrics:   NewMetrics(),
		Logger:    logger,
	}
}

// Generate runs the whole pipeline and returns the validated container.
func (g *Generator) Generate(a, b *Dataset) (*CandidatePairs, error) {
	a, b = EnsureUniqueIDs(cloneDataset(a), cloneDataset(b), g.Logger)

	if err := AssignNeighborhoods(a, g.Projector, g.Grid); err != nil {
		return nil, fmt.Errorf("assigning neighborhoods to %s: %w", a.Name, err)
	}
	if err := AssignNeighborhoods(b, g.Projector, g.Grid); err != nil {
		return nil, fmt.Errorf("assigning neighborhoods to %s: %w", b.Name, err)
	}
	// rebuild the ID index after remapping
	a = NewDataset(a.Name, a.CRS, a.Buildings)
	b = NewDataset(b.Name, b.CRS, b.Buildings)

	opts := g.Options
	var (
		pairs []Pair
		err   error
	)
	if opts.NeighborhoodSamples > 0 {
		neighborhoods := sampleNeighborhoods(b, opts.NeighborhoodSamples, opts.Seed, g.Logger)
		pairs, err = g.candidatePairsInNeighborhoods(a, b, neighborhoods)
		if err != nil {
			return nil, err
		}
		a, b = removeNonCandidates(pairs, a, b)
	} else {
		pairs, err = g.candidatePairs(a, b)
		if err != nil {
			return nil, err
		}
	}
	g.Logger.Info("candidate pairs identified", "pairs", len(pairs))

	if opts.MaxDistance == nil {
		if err := VerifyCoverage(a, b, pairs); err != nil {
			return nil, err
		}
	}
	if opts.OverlapRange != nil {
		if pairs, err = g.filterByOverlap(pairs, a, b, *opts.OverlapRange); err != nil {
			return nil, err
		}
		g.Logger.Info("filtered by overlap", "pairs", len(pairs))
	}
	if opts.SimilarityRange != nil {
		if pairs, err = g.filterBySimilarity(pairs, a, b, *opts.SimilarityRange); err != nil {
			return nil, err
		}
		g.Logger.Info("filtered by shape similarity", "pairs", len(pairs))
	}
	if opts.MaxOverlapOthers != nil && *opts.MaxOverlapOthers > 0 {
		if pairs, err = g.filterByOverlapOfOthers(pairs, a, b, *opts.MaxOverlapOthers); err != nil {
			return nil, err
		}
		g.Logger.Info("filtered by overlap of other buildings", "pairs", len(pairs))
	}
	if opts.SampleSize > 0 {
		pairs = samplePairs(pairs, opts.SampleSize, opts.Seed, g.Logger)
		a, b = dropBuildingsElsewhere(a, b, pairs, g.Grid)
	}

	c, err := NewCandidatePairs(a, b, pairs)
	if err != nil {
		return nil, err
	}
	if err := c.PreliminaryMatch(g.Metrics); err != nil {
		return nil, err
	}
	return c, nil
}

func cloneDataset(d *Dataset) *Dataset {
	buildings := make([]Building, len(d.Buildings))
	copy(buildings, d.Buildings)
	for i := range buildings {
		if buildings[i].OriginalID == "" {
			buildings[i].OriginalID = buildings[i].ID
		}
	}
	return NewDataset(d.Name, d.CRS, buildings)
}

// EnsureUniqueIDs replaces IDs with positions when either dataset repeats an ID and
// prefixes both datasets with "A-" and "B-" when their ID sets intersect.
// OriginalID keeps the source value for traceability.
func EnsureUniqueIDs(a, b *Dataset, logger *slog.Logger) (*Dataset, *Dataset) {
	if !a.HasUniqueIDs() || !b.HasUniqueIDs() {
		for _, d := range []*Dataset{a, b} {
			for i := range d.Buildings {
				d.Buildings[i].ID = strconv.Itoa(i)
			}
		}
		logger.Info("unique ids are required, creating a new numerical index")
		a = NewDataset(a.Name, a.CRS, a.Buildings)
		b = NewDataset(b.Name, b.CRS, b.Buildings)
	}

	overlap := false
	for _, bldg := range b.Buildings {
		if a.Has(bldg.ID) {
			overlap = true
			break
		}
	}
	if overlap {
		for i := range a.Buildings {
			a.Buildings[i].ID = "A-" + a.Buildings[i].ID
		}
		for i := range b.Buildings {
			b.Buildings[i].ID = "B-" + b.Buildings[i].ID
		}
		logger.Info("ids of both datasets overlap, adding the prefixes 'A-' and 'B-'; consider specifying a unique id property")
		a = NewDataset(a.Name, a.CRS, a.Buildings)
		b = NewDataset(b.Name, b.CRS, b.Buildings)
	}
	return a, b
}

// VerifyCoverage fails when a building of either dataset is not part of any pair.
func VerifyCoverage(a, b *Dataset, pairs []Pair) error {
	existing := make(map[string]struct{})
	newIDs := make(map[string]struct{})
	for _, p := range pairs {
		existing[p.IDExisting] = struct{}{}
		newIDs[p.IDNew] = struct{}{}
	}
	if len(existing) != a.Len() {
		return &CoverageError{Dataset: "A", Expected: a.Len(), Got: len(existing)}
	}
	if len(newIDs) != b.Len() {
		return &CoverageError{Dataset: "B", Expected: b.Len(), Got: len(newIDs)}
	}
	return nil
}

type scoredPair struct {
	IndexPair
	overlap float64
}

// bestOverlaps keeps, among pairs above the tolerance, the largest-overlap pair per
// building of A and per building of B, and returns their union. Equal overlaps keep
// the pair encountered first.
func bestOverlaps(scored []scoredPair, tolerance float64) []IndexPair {
	kept := make([]scoredPair, 0, len(scored))
	for _, s := range scored {
		if s.overlap > tolerance {
			kept = append(kept, s)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].overlap > kept[j].overlap })

	bestA := make(map[int]bool)
	bestB := make(map[int]bool)
	var fromA, fromB []IndexPair
	for _, s := range kept {
		if !bestA[s.Left] {
			bestA[s.Left] = true
			fromA = append(fromA, s.IndexPair)
		}
		if !bestB[s.Right] {
			bestB[s.Right] = true
			fromB = append(fromB, s.IndexPair)
		}
	}
	return uniqueIndexPairs(append(fromA, fromB...))
}

func uniqueIndexPairs(pairs []IndexPair) []IndexPair {
	seen := make(map[IndexPair]struct{}, len(pairs))
	out := make([]IndexPair, 0, len(pairs))
	for _, p := range pairs {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

// candidatePairs matches every building to its best overlapping partner or, if it
// has none, to its nearest building in the other dataset.
func (g *Generator) candidatePairs(a, b *Dataset) ([]Pair, error) {
	setA, err := g.Metrics.NewGeomSet(a.Geometries())
	if err != nil {
		return nil, fmt.Errorf("indexing %s: %w", a.Name, err)
	}
	setB, err := g.Metrics.NewGeomSet(b.Geometries())
	if err != nil {
		return nil, fmt.Errorf("indexing %s: %w", b.Name, err)
	}

	hits := setA.Overlapping(setB)
	scored := make([]scoredPair, len(hits))
	for k, h := range hits {
		scored[k] = scoredPair{IndexPair: h, overlap: setA.TWAO(h.Left, setB, h.Right)}
	}
	matched := bestOverlaps(scored, g.Options.OverlapTolerance)

	maxDistance := NoDistanceCap
	if g.Options.MaxDistance != nil {
		maxDistance = *g.Options.MaxDistance
	}
	if maxDistance != 0 && a.Len() > 0 && b.Len() > 0 {
		inA := make(map[int]bool)
		inB := make(map[int]bool)
		for _, p := range matched {
			inA[p.Left] = true
			inB[p.Right] = true
		}
		var unA, unB []int
		for i := 0; i < a.Len(); i++ {
			if !inA[i] {
				unA = append(unA, i)
			}
		}
		for j := 0; j < b.Len(); j++ {
			if !inB[j] {
				unB = append(unB, j)
			}
		}
		g.Logger.Info("searching nearest buildings for non-overlapping buildings",
			"share_a", fmt.Sprintf("%.1f%%", float64(len(unA))/float64(a.Len())*100),
			"share_b", fmt.Sprintf("%.1f%%", float64(len(unB))/float64(b.Len())*100))

		nearestA, err := setB.Nearest(setA, unA, maxDistance)
		if err != nil {
			return nil, err
		}
		matched = append(matched, nearestA...)

		nearestB, err := setA.Nearest(setB, unB, maxDistance)
		if err != nil {
			return nil, err
		}
		for _, p := range nearestB {
			matched = append(matched, IndexPair{Left: p.Right, Right: p.Left})
		}
		// mutually nearest buildings appear twice
		matched = uniqueIndexPairs(matched)
	}

	pairs := make([]Pair, len(matched))
	for k, p := range matched {
		pairs[k] = Pair{IDExisting: a.Buildings[p.Left].ID, IDNew: b.Buildings[p.Right].ID}
	}
	return pairs, nil
}

// candidatePairsInNeighborhoods searches within the sampled neighborhoods and their
// first ring, then keeps pairs whose new building lies in a sampled neighborhood.
func (g *Generator) candidatePairsInNeighborhoods(a, b *Dataset, neighborhoods []string) ([]Pair, error) {
	near := diskSet(g.Grid, neighborhoods, 1)
	pairs, err := g.candidatePairs(a.InNeighborhoods(near), b.InNeighborhoods(near))
	if err != nil {
		return nil, err
	}
	sampled := make(map[string]struct{}, len(neighborhoods))
	for _, n := range neighborhoods {
		sampled[n] = struct{}{}
	}
	out := pairs[:0]
	for _, p := range pairs {
		if _, ok := sampled[b.Neighborhood(p.IDNew)]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

// removeNonCandidates keeps only buildings that take part in a pair, in order of
// first appearance.
func removeNonCandidates(pairs []Pair, a, b *Dataset) (*Dataset, *Dataset) {
	var keepA, keepB []Building
	seenA := make(map[string]bool)
	seenB := make(map[string]bool)
	for _, p := range pairs {
		if !seenA[p.IDExisting] {
			seenA[p.IDExisting] = true
			bldg, _ := a.Get(p.IDExisting)
			keepA = append(keepA, bldg)
		}
		if !seenB[p.IDNew] {
			seenB[p.IDNew] = true
			bldg, _ := b.Get(p.IDNew)
			keepB = append(keepB, bldg)
		}
	}
	return NewDataset(a.Name, a.CRS, keepA), NewDataset(b.Name, b.CRS, keepB)
}

// dropBuildingsElsewhere keeps buildings within one grid ring of any neighborhood
// touched by a pair.
func dropBuildingsElsewhere(a, b *Dataset, pairs []Pair, grid Grid) (*Dataset, *Dataset) {
	seen := make(map[string]struct{})
	var cells []string
	add := func(c string) {
		if _, ok := seen[c]; !ok {
			seen[c] = struct{}{}
			cells = append(cells, c)
		}
	}
	for _, p := range pairs {
		add(a.Neighborhood(p.IDExisting))
	}
	for _, p := range pairs {
		add(b.Neighborhood(p.IDNew))
	}
	near := diskSet(grid, cells, 1)
	return a.InNeighborhoods(near), b.InNeighborhoods(near)
}

func pairGeometries(pairs []Pair, a, b *Dataset) (existing, incoming []Building) {
	existing = make([]Building, len(pairs))
	incoming = make([]Building, len(pairs))
	for i, p := range pairs {
		existing[i], _ = a.Get(p.IDExisting)
		incoming[i], _ = b.Get(p.IDNew)
	}
	return existing, incoming
}

func geometriesOf(buildings []Building) []orb.Geometry {
	out := make([]orb.Geometry, len(buildings))
	for i, b := range buildings {
		out[i] = b.Geometry
	}
	return out
}

func (g *Generator) filterByOverlap(pairs []Pair, a, b *Dataset, r Range) ([]Pair, error) {
	existing, incoming := pairGeometries(pairs, a, b)
	overlap, err := g.Metrics.PairwiseTWAO(geometriesOf(existing), geometriesOf(incoming))
	if err != nil {
		return nil, fmt.Errorf("filtering by overlap: %w", err)
	}
	out := make([]Pair, 0, len(pairs))
	for i, p := range pairs {
		if r.Contains(overlap[i]) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (g *Generator) filterBySimilarity(pairs []Pair, a, b *Dataset, r Range) ([]Pair, error) {
	existing, incoming := pairGeometries(pairs, a, b)
	out := make([]Pair, 0, len(pairs))
	for i, p := range pairs {
		sim, err := g.Metrics.ShapeSimilarity(existing[i].Geometry, incoming[i].Geometry)
		if err != nil {
			return nil, fmt.Errorf("filtering by shape similarity: pair %s/%s: %w", p.IDExisting, p.IDNew, err)
		}
		if r.Contains(sim) {
			out = append(out, p)
		}
	}
	return out, nil
}

// filterByOverlapOfOthers keeps likely one-to-one pairs: the share of each
// building's area covered by buildings other than its partner stays below limit on
// both sides.
func (g *Generator) filterByOverlapOfOthers(pairs []Pair, a, b *Dataset, limit float64) ([]Pair, error) {
	setA, err := g.Metrics.NewGeomSet(a.Geometries())
	if err != nil {
		return nil, err
	}
	setB, err := g.Metrics.NewGeomSet(b.Geometries())
	if err != nil {
		return nil, err
	}

	existing, incoming := pairGeometries(pairs, a, b)
	geomE, geomN := geometriesOf(existing), geometriesOf(incoming)

	totalE, err := g.Metrics.RelativeOverlap(geomE, setB)
	if err != nil {
		return nil, fmt.Errorf("overlap of existing buildings: %w", err)
	}
	totalN, err := g.Metrics.RelativeOverlap(geomN, setA)
	if err != nil {
		return nil, fmt.Errorf("overlap of new buildings: %w", err)
	}
	pairE, err := g.Metrics.PairwiseRelativeOverlap(geomE, geomN)
	if err != nil {
		return nil, err
	}
	pairN, err := g.Metrics.PairwiseRelativeOverlap(geomN, geomE)
	if err != nil {
		return nil, err
	}

	out := make([]Pair, 0, len(pairs))
	for i, p := range pairs {
		if totalE[i]-pairE[i] < limit && totalN[i]-pairN[i] < limit {
			out = append(out, p)
		}
	}
	return out, nil
}
