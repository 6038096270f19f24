package conflate

import (
	"log/slog"
	"math/rand/v2"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/sampleuv"
)

// DefaultSeed makes sampling and shuffling reproducible across runs.
const DefaultSeed = 42

func newSource(seed uint64) rand.Source {
	return rand.NewPCG(seed, seed)
}

// neighborhoodWeights returns the neighborhoods of d ordered by descending building
// count (ties by name) with their share of all buildings.
func neighborhoodWeights(d *Dataset) ([]string, []float64) {
	counts := make(map[string]int)
	for _, b := range d.Buildings {
		counts[b.Neighborhood]++
	}
	cells := make([]string, 0, len(counts))
	for c := range counts {
		cells = append(cells, c)
	}
	sort.Slice(cells, func(i, j int) bool {
		if counts[cells[i]] != counts[cells[j]] {
			return counts[cells[i]] > counts[cells[j]]
		}
		return cells[i] < cells[j]
	})
	weights := make([]float64, len(cells))
	for i, c := range cells {
		weights[i] = float64(counts[c])
	}
	if sum := floats.Sum(weights); sum > 0 {
		floats.Scale(1/sum, weights)
	}
	return cells, weights
}

// sampleNeighborhoods draws n distinct neighborhoods of d without replacement,
// weighted by their number of buildings.
func sampleNeighborhoods(d *Dataset, n int, seed uint64, logger *slog.Logger) []string {
	cells, weights := neighborhoodWeights(d)
	if n > len(cells) {
		logger.Info("sample size exceeds number of neighborhoods, reducing",
			"requested", n, "available", len(cells))
		n = len(cells)
	}
	w := sampleuv.NewWeighted(weights, newSource(seed))
	out := make([]string, 0, n)
	for len(out) < n {
		i, ok := w.Take()
		if !ok {
			break
		}
		out = append(out, cells[i])
	}
	return out
}

// samplePairs draws n pairs without replacement, in draw order.
func samplePairs(pairs []Pair, n int, seed uint64, logger *slog.Logger) []Pair {
	if n > len(pairs) {
		logger.Info("sample size exceeds number of candidate pairs, reducing",
			"requested", n, "available", len(pairs))
		n = len(pairs)
	}
	idx := make([]int, n)
	sampleuv.WithoutReplacement(idx, len(pairs), newSource(seed))
	out := make([]Pair, n)
	for k, i := range idx {
		out[k] = pairs[i]
	}
	return out
}

// shuffledKeys returns the pair keys in a seeded random order. The order is stable
// for a given seed and pair table.
func shuffledKeys(pairs []Pair, seed uint64) []PairKey {
	keys := make([]PairKey, len(pairs))
	for i, p := range pairs {
		keys[i] = p.Key()
	}
	r := rand.New(newSource(seed))
	r.Shuffle(len(keys), func(i, j int) {
		keys[i], keys[j] = keys[j], keys[i]
	})
	return keys
}
