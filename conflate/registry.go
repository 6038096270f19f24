package conflate

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"
)

// ContainerExt is the file extension of candidate pair containers.
const ContainerExt = ".db"

// Registry serves the labeling states of all containers under a data path. States
// are opened on first use and kept until Close.
type Registry struct {
	dataDir    string
	resultsDir string
	datasets   []string
	opts       StateOptions
	logger     *slog.Logger

	opening singleflight.Group
	mu      sync.Mutex
	states  map[string]*State
}

// NewRegistry scans dataPath, which is either a single container file or a
// directory of containers. Results are kept in resultsDir, or next to the
// containers when resultsDir is empty.
func NewRegistry(dataPath, resultsDir string, opts StateOptions, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	abs, err := filepath.Abs(dataPath)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("data path: %w", err)
	}

	r := &Registry{opts: opts, logger: logger, states: make(map[string]*State)}
	if info.IsDir() {
		r.dataDir = abs
		matches, err := filepath.Glob(filepath.Join(abs, "*"+ContainerExt))
		if err != nil {
			return nil, err
		}
		for _, m := range matches {
			r.datasets = append(r.datasets, strings.TrimSuffix(filepath.Base(m), ContainerExt))
		}
		sort.Strings(r.datasets)
	} else {
		r.dataDir = filepath.Dir(abs)
		r.datasets = []string{strings.TrimSuffix(filepath.Base(abs), filepath.Ext(abs))}
	}
	r.resultsDir = resultsDir
	if r.resultsDir == "" {
		r.resultsDir = r.dataDir
	}
	logger.Info("datasets discovered", "dir", r.dataDir, "datasets", r.datasets)
	return r, nil
}

// Datasets lists the available dataset names.
func (r *Registry) Datasets() []string {
	out := make([]string, len(r.datasets))
	copy(out, r.datasets)
	return out
}

// Has reports whether name is an available dataset.
func (r *Registry) Has(name string) bool {
	for _, d := range r.datasets {
		if d == name {
			return true
		}
	}
	return false
}

// ResultsPath is the results file of a dataset.
func (r *Registry) ResultsPath(name string) string {
	return filepath.Join(r.resultsDir, "labels-"+name+".csv")
}

// AggregatedPath is the aggregated export of a dataset.
func (r *Registry) AggregatedPath(name string) string {
	return filepath.Join(r.resultsDir, "labeled-pairs-"+name+".csv")
}

// Get returns the state of a dataset, opening it on first use. Concurrent first
// calls share one open; a failed open is retried by the next call.
func (r *Registry) Get(name string) (*State, error) {
	if !r.Has(name) {
		return nil, fmt.Errorf("%w: dataset %q", ErrNotFound, name)
	}
	if s := r.opened(name); s != nil {
		return s, nil
	}
	v, err, _ := r.opening.Do(name, func() (any, error) {
		if s := r.opened(name); s != nil {
			return s, nil
		}
		dataPath := filepath.Join(r.dataDir, name+ContainerExt)
		s, err := OpenState(dataPath, r.ResultsPath(name), r.opts, r.logger.With("dataset", name))
		if err != nil {
			return nil, fmt.Errorf("opening dataset %s: %w", name, err)
		}
		r.mu.Lock()
		r.states[name] = s
		r.mu.Unlock()
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*State), nil
}

func (r *Registry) opened(name string) *State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.states[name]
}

// Close persists and releases every opened state.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for name, s := range r.states {
		if err := s.StoreResults(); err != nil {
			errs = append(errs, fmt.Errorf("storing %s: %w", name, err))
		}
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s: %w", name, err))
		}
	}
	r.states = make(map[string]*State)
	return errors.Join(errs...)
}
