package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kwv/conflator/conflate"
)

// App encapsulates the labeling service and its dependencies.
type App struct {
	Config     *conflate.Config
	Registry   *conflate.Registry
	Projector  conflate.Projector
	MQTTClient *conflate.MQTTClient
	Publisher  *conflate.Publisher
	Prefetcher *conflate.Prefetcher
	Renderer   *conflate.PreviewRenderer
	Logger     *slog.Logger

	// PreviewDir receives prefetched previews.
	PreviewDir string

	mu     sync.Mutex
	hooked map[string]bool
	closer func()
}

// NewApp wires the registry, the projector, MQTT publication and the preview pool.
func NewApp(cfg *conflate.Config, logger *slog.Logger) (*App, error) {
	registry, err := conflate.NewRegistry(cfg.Labeling.DataPath, cfg.Labeling.ResultsDir, cfg.Labeling.StateOptions(), logger)
	if err != nil {
		return nil, err
	}
	projector, err := conflate.NewProjProjector(cfg.Dataset.CRS)
	if err != nil {
		registry.Close()
		return nil, err
	}

	a := newApp(cfg, registry, projector, logger)
	a.closer = projector.Close

	if client := conflate.ConnectMQTT(cfg.MQTT, logger); client != nil {
		a.MQTTClient = client
		a.Publisher = conflate.NewPublisher(client.Client(), cfg.MQTT, logger)
		logger.Info("MQTT label publisher initialized", "topic", a.Publisher.Topic("{dataset}"))
	}
	return a, nil
}

// newApp assembles an App from ready components.
func newApp(cfg *conflate.Config, registry *conflate.Registry, projector conflate.Projector, logger *slog.Logger) *App {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	previewDir := cfg.Labeling.PreviewDir
	if previewDir == "" {
		previewDir = filepath.Join(os.TempDir(), "conflator-previews")
	}
	return &App{
		Config:     cfg,
		Registry:   registry,
		Projector:  projector,
		Prefetcher: conflate.NewPrefetcher(cfg.Labeling.PreviewWorkers, logger),
		Renderer:   conflate.NewPreviewRenderer(),
		Logger:     logger,
		PreviewDir: previewDir,
		hooked:     make(map[string]bool),
	}
}

// State returns the labeling state of a dataset and subscribes the publisher to
// it on first use.
func (a *App) State(dataset string) (*conflate.State, error) {
	s, err := a.Registry.Get(dataset)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.Publisher != nil && !a.hooked[dataset] {
		s.OnRecords(a.Publisher.Hook(dataset))
		a.hooked[dataset] = true
	}
	return s, nil
}

// PairPreviewPath is where the preview of a pair is cached.
func (a *App) PairPreviewPath(dataset string, key conflate.PairKey) string {
	return filepath.Join(a.PreviewDir, dataset, fmt.Sprintf("candidate_%s--%s.svg", key.IDExisting, key.IDNew))
}

// NeighborhoodPreviewPath is where the preview of a neighborhood is cached.
func (a *App) NeighborhoodPreviewPath(dataset, neighborhood string) string {
	return filepath.Join(a.PreviewDir, dataset, fmt.Sprintf("neighborhood_%s.svg", neighborhood))
}

func (a *App) renderPair(s *conflate.State, key conflate.PairKey) conflate.RenderFunc {
	return func(w io.Writer) error {
		cp, ok := s.GetCandidatePair(key.IDExisting, key.IDNew)
		if !ok {
			return fmt.Errorf("%w: pair %s/%s", conflate.ErrNotFound, key.IDExisting, key.IDNew)
		}
		return a.Renderer.RenderPairSVG(w, cp)
	}
}

func (a *App) renderNeighborhood(s *conflate.State, neighborhood string) conflate.RenderFunc {
	return func(w io.Writer) error {
		return a.Renderer.RenderNeighborhoodSVG(w,
			s.GetExistingBuildings(neighborhood),
			s.GetNewBuildings(neighborhood),
			s.GetCandidatePairs(neighborhood))
	}
}

// prefetchPairAfterNext renders the pair following the next one in the background.
func (a *App) prefetchPairAfterNext(dataset string, s *conflate.State, mode conflate.Mode, user string) {
	key, ok, err := s.PairAfterNext(mode, user)
	if err != nil || !ok {
		return
	}
	a.Logger.Debug("pre-generating preview", "dataset", dataset, "id_existing", key.IDExisting, "id_new", key.IDNew)
	a.Prefetcher.Submit(a.PairPreviewPath(dataset, key), a.renderPair(s, key))
}

// prefetchNeighborhoodAfterNext renders the neighborhood following the next one.
func (a *App) prefetchNeighborhoodAfterNext(dataset string, s *conflate.State, mode conflate.Mode, user string) {
	id, ok, err := s.NeighborhoodAfterNext(mode, user)
	if err != nil || !ok {
		return
	}
	a.Logger.Debug("pre-generating preview", "dataset", dataset, "neighborhood", id)
	a.Prefetcher.Submit(a.NeighborhoodPreviewPath(dataset, id), a.renderNeighborhood(s, id))
}

// storeAggregated writes the aggregated export of a dataset next to its results.
func (a *App) storeAggregated(dataset string, s *conflate.State) (string, error) {
	path := a.Registry.AggregatedPath(dataset)
	if err := s.StoreAggregatedResults(path); err != nil {
		return "", err
	}
	return path, nil
}

// Run serves HTTP until ctx is done, then shuts down and persists every state.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.Config.HTTP.Listen,
		Handler:           newHTTPServer(a),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info("HTTP server listening", "addr", srv.Addr, "datasets", a.Registry.Datasets())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.Logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			runErr = fmt.Errorf("HTTP server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.Logger.Warn("HTTP shutdown", "error", err)
	}
	return errors.Join(runErr, a.Close())
}

// Close drains the preview pool, disconnects MQTT and stores all results.
func (a *App) Close() error {
	a.Prefetcher.Close()
	if a.MQTTClient != nil {
		a.MQTTClient.Disconnect()
	}
	err := a.Registry.Close()
	if a.closer != nil {
		a.closer()
	}
	return err
}
