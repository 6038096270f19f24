package conflate

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// RenderFunc writes one artifact.
type RenderFunc func(w io.Writer) error

type prefetchJob struct {
	path   string
	render RenderFunc
}

// Prefetcher renders artifacts into files on a fixed pool of workers. Submit never
// blocks; failures are logged and otherwise dropped.
type Prefetcher struct {
	jobs   chan prefetchJob
	logger *slog.Logger
	wg     sync.WaitGroup

	mu      sync.Mutex
	pending map[string]struct{}
	closed  bool
}

// NewPrefetcher starts workers goroutines.
func NewPrefetcher(workers int, logger *slog.Logger) *Prefetcher {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	p := &Prefetcher{
		jobs:    make(chan prefetchJob, 4*workers),
		logger:  logger,
		pending: make(map[string]struct{}),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.work()
	}
	return p
}

// Submit queues path for rendering unless it already exists, is queued, or the
// queue is full. It reports whether the job was queued.
func (p *Prefetcher) Submit(path string, render RenderFunc) bool {
	if _, err := os.Stat(path); err == nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	if _, ok := p.pending[path]; ok {
		return false
	}
	select {
	case p.jobs <- prefetchJob{path: path, render: render}:
		p.pending[path] = struct{}{}
		return true
	default:
		p.logger.Debug("prefetch queue full, skipping", "path", path)
		return false
	}
}

func (p *Prefetcher) work() {
	defer p.wg.Done()
	for job := range p.jobs {
		if err := RenderFile(job.path, job.render); err != nil {
			p.logger.Error("prefetch render failed", "path", job.path, "error", err)
		} else {
			p.logger.Debug("prefetched", "path", job.path)
		}
		p.mu.Lock()
		delete(p.pending, job.path)
		p.mu.Unlock()
	}
}

// Close stops accepting jobs and waits for the queued ones.
func (p *Prefetcher) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()
	p.wg.Wait()
}

// RenderFile renders into path through a temporary file, so a concurrent reader
// sees either nothing or the complete artifact.
func RenderFile(path string, render RenderFunc) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	if err := render(w); err != nil {
		tmp.Close()
		return fmt.Errorf("rendering %s: %w", filepath.Base(path), err)
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
