package conflate

import (
	"log/slog"

	"github.com/paulmach/orb"
)

// PairDecision is a labeler's verdict on one pair of a neighborhood.
type PairDecision struct {
	IDExisting string `json:"id_existing"`
	IDNew      string `json:"id_new"`
	Match      Label  `json:"match"`
}

// Edit is a match the labeler drew or deleted on the neighborhood map.
type Edit struct {
	IDExisting string `json:"id_existing"`
	IDNew      string `json:"id_new"`
}

// ApplyNeighborhoodEdits folds the map corrections into the decisions of a
// neighborhood. Removed matches become "no"; added matches become "yes" and are
// appended when the pair was not shown. Edits lacking either ID are ignored.
func ApplyNeighborhoodEdits(decisions []PairDecision, added, removed []Edit) []PairDecision {
	out := make([]PairDecision, len(decisions))
	copy(out, decisions)
	out = applyEdits(out, removed, LabelNo, false)
	return applyEdits(out, added, LabelYes, true)
}

func applyEdits(decisions []PairDecision, edits []Edit, label Label, addMissing bool) []PairDecision {
	var appended []PairDecision
	for _, e := range edits {
		if e.IDExisting == "" || e.IDNew == "" {
			continue
		}
		found := false
		for i := range decisions {
			if decisions[i].IDExisting == e.IDExisting && decisions[i].IDNew == e.IDNew {
				decisions[i].Match = label
				found = true
			}
		}
		if !found && addMissing {
			appended = append(appended, PairDecision{IDExisting: e.IDExisting, IDNew: e.IDNew, Match: label})
		}
	}
	return append(decisions, appended...)
}

// NeighborhoodRecords stamps decisions with the neighborhood and the labeler. The
// time is assigned when the records are stored.
func NeighborhoodRecords(neighborhood, username string, decisions []PairDecision) []Record {
	out := make([]Record, len(decisions))
	for i, d := range decisions {
		out[i] = Record{
			Neighborhood: neighborhood,
			IDExisting:   d.IDExisting,
			IDNew:        d.IDNew,
			Match:        d.Match,
			Username:     username,
		}
	}
	return out
}

// ResolveDrawnLine turns a line drawn between two footprints into an added match.
// One endpoint must lie in exactly one existing building and the other in exactly
// one new building; the line may be drawn in either direction. ok is false, with a
// warning logged, for anything else.
func ResolveDrawnLine(line orb.LineString, existing, incoming []Building, logger *slog.Logger) (Edit, bool) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if len(line) < 2 {
		logger.Warn("drawn line ignored", "reason", "fewer than two vertices")
		return Edit{}, false
	}
	start, end := line[0], line[len(line)-1]

	try := func(pe, pn orb.Point) (Edit, bool) {
		e, okE := soleContainer(existing, pe)
		n, okN := soleContainer(incoming, pn)
		if !okE || !okN {
			return Edit{}, false
		}
		return Edit{IDExisting: e.ID, IDNew: n.ID}, true
	}
	if edit, ok := try(start, end); ok {
		return edit, true
	}
	if edit, ok := try(end, start); ok {
		return edit, true
	}
	logger.Warn("drawn line ignored",
		"reason", "endpoints do not connect one existing and one new building",
		"start", start, "end", end)
	return Edit{}, false
}

func soleContainer(buildings []Building, pt orb.Point) (Building, bool) {
	var hit Building
	n := 0
	for _, b := range buildings {
		if containsPoint(b.Geometry, pt) {
			hit = b
			n++
		}
	}
	return hit, n == 1
}
