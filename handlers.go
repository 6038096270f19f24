package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/paulmach/orb"

	"github.com/kwv/conflator/conflate"
)

var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

const defaultUsername = "unknown"

// newHTTPServer creates the JSON labeling API.
func newHTTPServer(a *App) http.Handler {
	mux := http.NewServeMux()
	h := &handlers{app: a}

	mux.HandleFunc("GET /health", h.health)
	mux.HandleFunc("GET /datasets", h.datasets)

	mux.HandleFunc("GET /api/{dataset}/neighborhoods", h.neighborhoods)
	mux.HandleFunc("GET /api/{dataset}/neighborhoods/{nbh}/existing", h.existingBuildings)
	mux.HandleFunc("GET /api/{dataset}/neighborhoods/{nbh}/new", h.newBuildings)
	mux.HandleFunc("GET /api/{dataset}/neighborhoods/{nbh}/pairs", h.neighborhoodPairs)
	mux.HandleFunc("GET /api/{dataset}/neighborhoods/{nbh}/preview", h.neighborhoodPreview)
	mux.HandleFunc("POST /api/{dataset}/neighborhoods/{nbh}/labels", h.storeNeighborhood)
	mux.HandleFunc("GET /api/{dataset}/existing/near", h.existingNear)
	mux.HandleFunc("GET /api/{dataset}/new/near", h.newNear)
	mux.HandleFunc("GET /api/{dataset}/pairs/{existing}/{new}", h.pair)
	mux.HandleFunc("GET /api/{dataset}/next-pair", h.nextPair)
	mux.HandleFunc("GET /api/{dataset}/next-neighborhood", h.nextNeighborhood)
	mux.HandleFunc("POST /api/{dataset}/labels", h.storeLabel)
	mux.HandleFunc("GET /api/{dataset}/leaderboard", h.leaderboard)
	mux.HandleFunc("GET /api/{dataset}/results/aggregated", h.downloadAggregated)
	mux.HandleFunc("GET /api/{dataset}/preview/{existing}/{file}", h.pairPreview)

	return logRequests(a.Logger, mux)
}

type handlers struct {
	app *App
}

type publisherHealth struct {
	Published int `json:"published"`
	Failed    int `json:"failed"`
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	resp := struct {
		Status    string           `json:"status"`
		Timestamp time.Time        `json:"timestamp"`
		Datasets  int              `json:"datasets"`
		MQTT      *publisherHealth `json:"mqtt,omitempty"`
	}{Status: "ok", Timestamp: time.Now(), Datasets: len(h.app.Registry.Datasets())}
	if h.app.Publisher != nil {
		published, failed := h.app.Publisher.Stats()
		resp.MQTT = &publisherHealth{Published: published, Failed: failed}
	}
	writeJSON(w, h.app.Logger, http.StatusOK, resp)
}

func (h *handlers) datasets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.app.Logger, http.StatusOK, map[string][]string{"datasets": h.app.Registry.Datasets()})
}

// state resolves the {dataset} path value; on failure the response is written.
func (h *handlers) state(w http.ResponseWriter, r *http.Request) (*conflate.State, bool) {
	s, err := h.app.State(r.PathValue("dataset"))
	if err != nil {
		h.fail(w, err)
		return nil, false
	}
	return s, true
}

// neighborhood resolves the {nbh} path value; unknown neighborhoods answer 404.
func (h *handlers) neighborhood(w http.ResponseWriter, r *http.Request, s *conflate.State) (string, bool) {
	nbh := r.PathValue("nbh")
	if !s.HasNeighborhood(nbh) {
		http.Error(w, fmt.Sprintf("Neighborhood %s not found", nbh), http.StatusNotFound)
		return "", false
	}
	return nbh, true
}

// session reads the labeler and the policy of a request.
func session(r *http.Request) (string, conflate.Mode, error) {
	user := r.Header.Get("X-Username")
	if user == "" {
		user = r.URL.Query().Get("user")
	}
	if user == "" {
		user = defaultUsername
	}
	if !usernamePattern.MatchString(user) {
		return "", "", fmt.Errorf("invalid username %q", user)
	}
	mode := r.URL.Query().Get("mode")
	if mode == "" {
		mode = string(conflate.ModeUnlabeled)
	}
	m, err := conflate.ParseMode(mode)
	if err != nil {
		return "", "", err
	}
	return user, m, nil
}

func (h *handlers) neighborhoods(w http.ResponseWriter, r *http.Request) {
	s, ok := h.state(w, r)
	if !ok {
		return
	}
	writeJSON(w, h.app.Logger, http.StatusOK, map[string][]string{"neighborhoods": s.AllNeighborhoods()})
}

func (h *handlers) existingBuildings(w http.ResponseWriter, r *http.Request) {
	s, ok := h.state(w, r)
	if !ok {
		return
	}
	nbh, ok := h.neighborhood(w, r, s)
	if !ok {
		return
	}
	h.writeBuildings(w, s.GetExistingBuildings(nbh), "existing")
}

func (h *handlers) newBuildings(w http.ResponseWriter, r *http.Request) {
	s, ok := h.state(w, r)
	if !ok {
		return
	}
	nbh, ok := h.neighborhood(w, r, s)
	if !ok {
		return
	}
	h.writeBuildings(w, s.GetNewBuildings(nbh), "new")
}

func (h *handlers) existingNear(w http.ResponseWriter, r *http.Request) {
	h.near(w, r, (*conflate.State).GetExistingBuildingsNear, "existing")
}

func (h *handlers) newNear(w http.ResponseWriter, r *http.Request) {
	h.near(w, r, (*conflate.State).GetNewBuildingsNear, "new")
}

// near answers a point query given in lat/lng.
func (h *handlers) near(w http.ResponseWriter, r *http.Request, query func(*conflate.State, orb.Point) []conflate.Building, role string) {
	s, ok := h.state(w, r)
	if !ok {
		return
	}
	lat, errLat := strconv.ParseFloat(r.URL.Query().Get("lat"), 64)
	lng, errLng := strconv.ParseFloat(r.URL.Query().Get("lng"), 64)
	if errLat != nil || errLng != nil {
		http.Error(w, "lat and lng query parameters are required", http.StatusBadRequest)
		return
	}
	pt, err := h.app.Projector.FromGeographic(lng, lat)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.writeBuildings(w, query(s, pt), role)
}

func (h *handlers) writeBuildings(w http.ResponseWriter, buildings []conflate.Building, role string) {
	fc, err := conflate.FeatureCollection(buildings, h.app.Projector, map[string]any{"role": role})
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, h.app.Logger, http.StatusOK, fc)
}

type pairResponse struct {
	IDExisting string          `json:"id_existing"`
	IDNew      string          `json:"id_new"`
	Match      bool            `json:"match"`
	Features   json.RawMessage `json:"features"`
}

func (h *handlers) pairJSON(cp conflate.CandidatePair) (pairResponse, error) {
	existing, err := conflate.FeatureCollection([]conflate.Building{cp.Existing}, h.app.Projector, map[string]any{"role": "existing"})
	if err != nil {
		return pairResponse{}, err
	}
	incoming, err := conflate.FeatureCollection([]conflate.Building{cp.New}, h.app.Projector, map[string]any{"role": "new"})
	if err != nil {
		return pairResponse{}, err
	}
	existing.Features = append(existing.Features, incoming.Features...)
	data, err := json.Marshal(existing)
	if err != nil {
		return pairResponse{}, err
	}
	return pairResponse{IDExisting: cp.IDExisting, IDNew: cp.IDNew, Match: cp.Match, Features: data}, nil
}

func (h *handlers) neighborhoodPairs(w http.ResponseWriter, r *http.Request) {
	s, ok := h.state(w, r)
	if !ok {
		return
	}
	nbh, ok := h.neighborhood(w, r, s)
	if !ok {
		return
	}
	pairs := s.GetCandidatePairs(nbh)
	out := make([]pairResponse, 0, len(pairs))
	for _, cp := range pairs {
		p, err := h.pairJSON(cp)
		if err != nil {
			h.fail(w, err)
			return
		}
		out = append(out, p)
	}
	writeJSON(w, h.app.Logger, http.StatusOK, out)
}

func (h *handlers) pair(w http.ResponseWriter, r *http.Request) {
	s, ok := h.state(w, r)
	if !ok {
		return
	}
	idE, idN := r.PathValue("existing"), r.PathValue("new")
	if !s.ValidPair(idE, idN) {
		http.Error(w, fmt.Sprintf("Candidate pair (%s, %s) not found", idE, idN), http.StatusNotFound)
		return
	}
	cp, _ := s.GetCandidatePair(idE, idN)
	p, err := h.pairJSON(cp)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, h.app.Logger, http.StatusOK, p)
}

func (h *handlers) nextPair(w http.ResponseWriter, r *http.Request) {
	s, ok := h.state(w, r)
	if !ok {
		return
	}
	user, mode, err := session(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.respondNextPair(w, r.PathValue("dataset"), s, mode, user)
}

// respondNextPair answers with the next pair, or stores the aggregated export when
// the policy is exhausted.
func (h *handlers) respondNextPair(w http.ResponseWriter, dataset string, s *conflate.State, mode conflate.Mode, user string) {
	key, ok, err := s.NextPair(mode, user)
	if err != nil {
		h.fail(w, err)
		return
	}
	if !ok {
		h.complete(w, dataset, s)
		return
	}
	h.app.prefetchPairAfterNext(dataset, s, mode, user)
	writeJSON(w, h.app.Logger, http.StatusOK, map[string]string{
		"status":      "ok",
		"id_existing": key.IDExisting,
		"id_new":      key.IDNew,
	})
}

func (h *handlers) nextNeighborhood(w http.ResponseWriter, r *http.Request) {
	s, ok := h.state(w, r)
	if !ok {
		return
	}
	user, mode, err := session(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.respondNextNeighborhood(w, r.PathValue("dataset"), s, mode, user)
}

func (h *handlers) respondNextNeighborhood(w http.ResponseWriter, dataset string, s *conflate.State, mode conflate.Mode, user string) {
	id, ok, err := s.NextNeighborhood(mode, user)
	if err != nil {
		h.fail(w, err)
		return
	}
	if !ok {
		h.complete(w, dataset, s)
		return
	}
	h.app.prefetchNeighborhoodAfterNext(dataset, s, mode, user)
	writeJSON(w, h.app.Logger, http.StatusOK, map[string]string{"status": "ok", "id": id})
}

func (h *handlers) complete(w http.ResponseWriter, dataset string, s *conflate.State) {
	if _, err := h.app.storeAggregated(dataset, s); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, h.app.Logger, http.StatusOK, map[string]string{"status": "complete"})
}

type labelRequest struct {
	IDExisting string `json:"id_existing"`
	IDNew      string `json:"id_new"`
	Match      string `json:"match"`
}

func (h *handlers) storeLabel(w http.ResponseWriter, r *http.Request) {
	s, ok := h.state(w, r)
	if !ok {
		return
	}
	user, mode, err := session(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var req labelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if err := s.AddResult(req.IDExisting, req.IDNew, req.Match, user); err != nil {
		h.fail(w, err)
		return
	}
	h.respondNextPair(w, r.PathValue("dataset"), s, mode, user)
}

// matchValue accepts a label string or a boolean.
type matchValue conflate.Label

func (m *matchValue) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*m = matchValue(conflate.LabelFromBool(b))
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("match must be a label or a boolean")
	}
	*m = matchValue(s)
	return nil
}

type neighborhoodRequest struct {
	Pairs []struct {
		IDExisting string     `json:"id_existing"`
		IDNew      string     `json:"id_new"`
		Match      matchValue `json:"match"`
	} `json:"pairs"`
	Added   []conflate.Edit `json:"added"`
	Removed []conflate.Edit `json:"removed"`
	// Lines are drawn corrections as [lng, lat] vertices.
	Lines []orb.LineString `json:"lines"`
}

func (h *handlers) storeNeighborhood(w http.ResponseWriter, r *http.Request) {
	s, ok := h.state(w, r)
	if !ok {
		return
	}
	user, mode, err := session(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	nbh, ok := h.neighborhood(w, r, s)
	if !ok {
		return
	}
	var req neighborhoodRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	added := req.Added
	if len(req.Lines) > 0 {
		existing, incoming := s.GetExistingBuildings(nbh), s.GetNewBuildings(nbh)
		for _, line := range req.Lines {
			projected, err := conflate.ProjectGeometry(line, h.app.Projector)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			if edit, ok := conflate.ResolveDrawnLine(projected.(orb.LineString), existing, incoming, h.app.Logger); ok {
				added = append(added, edit)
			}
		}
	}
	h.app.Logger.Info("neighborhood edits", "neighborhood", nbh, "added", len(added), "removed", len(req.Removed))

	decisions := make([]conflate.PairDecision, len(req.Pairs))
	for i, p := range req.Pairs {
		decisions[i] = conflate.PairDecision{IDExisting: p.IDExisting, IDNew: p.IDNew, Match: conflate.Label(p.Match)}
	}
	decisions = conflate.ApplyNeighborhoodEdits(decisions, added, req.Removed)
	if err := s.AddBulkResults(conflate.NeighborhoodRecords(nbh, user, decisions)); err != nil {
		h.fail(w, err)
		return
	}
	h.respondNextNeighborhood(w, r.PathValue("dataset"), s, mode, user)
}

func (h *handlers) leaderboard(w http.ResponseWriter, r *http.Request) {
	s, ok := h.state(w, r)
	if !ok {
		return
	}
	writeJSON(w, h.app.Logger, http.StatusOK, s.TopLabelers())
}

func (h *handlers) downloadAggregated(w http.ResponseWriter, r *http.Request) {
	s, ok := h.state(w, r)
	if !ok {
		return
	}
	dataset := r.PathValue("dataset")
	path, err := h.app.storeAggregated(dataset, s)
	if err != nil {
		h.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "labeled-pairs-"+dataset+".csv"))
	http.ServeFile(w, r, path)
}

func (h *handlers) pairPreview(w http.ResponseWriter, r *http.Request) {
	s, ok := h.state(w, r)
	if !ok {
		return
	}
	idNew, raster := strings.CutSuffix(r.PathValue("file"), ".png")
	key := conflate.PairKey{IDExisting: r.PathValue("existing"), IDNew: strings.TrimSuffix(idNew, ".svg")}
	if !s.ValidPair(key.IDExisting, key.IDNew) {
		http.Error(w, fmt.Sprintf("Candidate pair (%s, %s) not found", key.IDExisting, key.IDNew), http.StatusNotFound)
		return
	}
	if raster {
		// PNG previews are small and rendered on demand.
		cp, _ := s.GetCandidatePair(key.IDExisting, key.IDNew)
		var buf bytes.Buffer
		if err := h.app.Renderer.RenderPairPNG(&buf, cp); err != nil {
			h.fail(w, err)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write(buf.Bytes())
		return
	}
	h.serveSVG(w, r, h.app.PairPreviewPath(r.PathValue("dataset"), key), h.app.renderPair(s, key))
}

func (h *handlers) neighborhoodPreview(w http.ResponseWriter, r *http.Request) {
	s, ok := h.state(w, r)
	if !ok {
		return
	}
	nbh, ok := h.neighborhood(w, r, s)
	if !ok {
		return
	}
	h.serveSVG(w, r, h.app.NeighborhoodPreviewPath(r.PathValue("dataset"), nbh), h.app.renderNeighborhood(s, nbh))
}

// serveSVG serves a cached preview, rendering it first when it is missing.
func (h *handlers) serveSVG(w http.ResponseWriter, r *http.Request, path string, render conflate.RenderFunc) {
	if _, err := os.Stat(path); err != nil {
		if err := conflate.RenderFile(path, render); err != nil {
			h.fail(w, err)
			return
		}
	}
	w.Header().Set("Content-Type", "image/svg+xml")
	w.Header().Set("Cache-Control", "no-cache")
	http.ServeFile(w, r, path)
}

// fail maps domain errors to status codes.
func (h *handlers) fail(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, conflate.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, conflate.ErrInvalidLabel), errors.Is(err, conflate.ErrUnknownMode):
		status = http.StatusBadRequest
	case errors.Is(err, conflate.ErrResultsLocked):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		h.app.Logger.Error("request failed", "error", err)
	}
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("encoding response", "error", err)
	}
}

// logRequests logs one line per request.
func logRequests(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger.Info("[HTTP] request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}
