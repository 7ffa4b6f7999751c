// Package acquisition downloads and unpacks archived products in the
// background. Requests are deduplicated per product id, progress can be
// polled at any time, and a product whose extraction directory already
// exists under the root counts as acquired.
package acquisition

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/star/passover/internal/archive"
	"github.com/star/passover/internal/metrics"
)

// Downloader transfers the package for id into destDir. It blocks for the
// whole transfer.
type Downloader interface {
	Download(ctx context.Context, id, destDir string) error
}

// Config holds acquisition manager settings.
type Config struct {
	Root       string // acquisition root; {Root}/{id}/ holds extracted products
	Workers    int
	QueueSize  int
	ArchiveExt string // package file is {Root}/{id}.{ArchiveExt}
	// RetryFailed lets StartAcquisition replace a failed task with a new
	// attempt. When false a failed task stays tracked and blocks retries.
	RetryFailed bool
	// TaskTTL, when positive, evicts finished tasks this long after their
	// last update.
	TaskTTL time.Duration
}

// DefaultConfig returns the default settings for root.
func DefaultConfig(root string) Config {
	return Config{
		Root:       root,
		Workers:    4,
		QueueSize:  64,
		ArchiveExt: "tar",
	}
}

// Manager owns the task table and worker pool.
type Manager struct {
	config Config
	dl     Downloader
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	tasks  map[string]*Task
	closed bool

	pool   *workerPool
	ctx    context.Context // handed to downloads; canceled on forced shutdown
	cancel context.CancelFunc
	stop   chan struct{}
}

// Option customises a Manager.
type Option func(*Manager)

// WithClock replaces the clock used for task timestamps and eviction.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates the acquisition root if needed and starts the workers.
func NewManager(config Config, dl Downloader, logger *slog.Logger, opts ...Option) (*Manager, error) {
	if config.Root == "" {
		return nil, errors.New("acquisition root not set")
	}
	def := DefaultConfig(config.Root)
	if config.Workers <= 0 {
		config.Workers = def.Workers
	}
	if config.QueueSize <= 0 {
		config.QueueSize = def.QueueSize
	}
	config.ArchiveExt = strings.TrimPrefix(config.ArchiveExt, ".")
	if config.ArchiveExt == "" {
		config.ArchiveExt = def.ArchiveExt
	}
	if err := os.MkdirAll(config.Root, 0o755); err != nil {
		return nil, fmt.Errorf("creating acquisition root: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		config: config,
		dl:     dl,
		logger: logger,
		now:    time.Now,
		tasks:  make(map[string]*Task),
		pool:   newWorkerPool(config.Workers, config.QueueSize, logger),
		ctx:    ctx,
		cancel: cancel,
		stop:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	m.pool.start(m.process)
	if config.TaskTTL > 0 {
		go m.janitor()
	}
	return m, nil
}

// ExtractionDir returns {root}/{id}.
func (m *Manager) ExtractionDir(id string) string {
	return filepath.Join(m.config.Root, id)
}

// PackagePath returns {root}/{id}.{ext}.
func (m *Manager) PackagePath(id string) string {
	return filepath.Join(m.config.Root, id+"."+m.config.ArchiveExt)
}

// IsCached reports whether the extraction directory for id exists. It only
// looks at the filesystem.
func (m *Manager) IsCached(id string) bool {
	if ValidateProductID(id) != nil {
		return false
	}
	return m.isCached(id)
}

func (m *Manager) isCached(id string) bool {
	fi, err := os.Stat(m.ExtractionDir(id))
	return err == nil && fi.IsDir()
}

// StartAcquisition schedules the acquisition of id and returns immediately.
// A call for an id that is already tracked does nothing and reports true.
// An id whose extraction directory exists is recorded as completed without a
// transfer. It returns false only when the work could not be queued, either
// because the queue is full or the manager is shutting down.
func (m *Manager) StartAcquisition(id string) (bool, error) {
	if err := ValidateProductID(id); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		metrics.AcquisitionStart("rejected")
		m.logger.Warn("acquisition rejected, manager closed", "product_id", id)
		return false, nil
	}

	prev, tracked := m.tasks[id]
	if tracked && !(prev.Status == Failed && m.config.RetryFailed) {
		metrics.AcquisitionStart("deduplicated")
		m.logger.Debug("acquisition already tracked", "product_id", id, "status", prev.Status.String())
		return true, nil
	}

	now := m.now().UTC()
	t := &Task{
		ID:          id,
		Status:      Queued,
		Destination: m.ExtractionDir(id),
		Package:     m.PackagePath(id),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if m.isCached(id) {
		t.Status = Completed
		t.Extracted = true
		t.FromCache = true
		m.tasks[id] = t
		metrics.AcquisitionStart("cached")
		m.logger.Info("acquisition satisfied from cache", "product_id", id)
		return true, nil
	}

	m.tasks[id] = t
	if !m.pool.trySubmit(id) {
		if tracked {
			m.tasks[id] = prev
		} else {
			delete(m.tasks, id)
		}
		metrics.AcquisitionStart("rejected")
		m.logger.Warn("acquisition rejected, queue full", "product_id", id, "queue", m.config.QueueSize)
		return false, nil
	}
	t.Status = Running

	metrics.AcquisitionStart("started")
	m.logger.Info("acquisition started", "product_id", id, "retry", tracked)
	return true, nil
}

// PollStatus reports whether id is tracked and, if so, whether it is still
// downloading or extracting.
func (m *Manager) PollStatus(id string) Progress {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return Progress{}
	}
	return Progress{Known: true, InProgress: t.Status.InProgress()}
}

// Task returns a snapshot of the task for id.
func (m *Manager) Task(id string) (Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

// Tasks returns snapshots of all tracked tasks, oldest first.
func (m *Manager) Tasks() []Task {
	m.mu.Lock()
	out := make([]Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, *t)
	}
	m.mu.Unlock()

	slices.SortFunc(out, func(a, b Task) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// process runs on a worker: download, then extract if the package is there.
func (m *Manager) process(id string) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("acquisition panicked", "product_id", id, "panic", r)
			m.finish(id, Failed, fmt.Errorf("panic: %v", r), false, 0)
		}
	}()

	m.update(id, func(t *Task) { t.Status = Running })

	if err := m.dl.Download(m.ctx, id, m.config.Root); err != nil {
		m.finish(id, Failed, fmt.Errorf("download: %w", err), false, 0)
		return
	}
	m.update(id, func(t *Task) { t.Status = ExtractionPending })

	pkg := m.PackagePath(id)
	if _, err := os.Stat(pkg); errors.Is(err, fs.ErrNotExist) {
		m.logger.Warn("package missing after download, skipping extraction", "product_id", id, "package", pkg)
		m.finish(id, Completed, nil, false, 0)
		return
	} else if err != nil {
		m.finish(id, Failed, fmt.Errorf("stat package: %w", err), false, 0)
		return
	}

	start := time.Now()
	n, err := archive.Extract(pkg, m.ExtractionDir(id))
	if err != nil {
		m.finish(id, Failed, fmt.Errorf("extract: %w", err), false, 0)
		return
	}
	m.logger.Info("package extracted",
		"product_id", id,
		"files", n,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	m.finish(id, Completed, nil, true, n)
}

func (m *Manager) update(id string, fn func(*Task)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tasks[id]; ok {
		fn(t)
		t.UpdatedAt = m.now().UTC()
	}
}

// finish records a terminal status.
func (m *Manager) finish(id string, status Status, err error, extracted bool, files int) {
	var created time.Time
	m.update(id, func(t *Task) {
		t.Status = status
		t.Files = files
		t.Extracted = extracted
		if err != nil {
			t.Error = err.Error()
		}
		created = t.CreatedAt
	})

	metrics.AcquisitionFinished(status.String(), m.now().Sub(created))
	if err != nil {
		m.logger.Error("acquisition failed", "product_id", id, "error", err)
		return
	}
	m.logger.Info("acquisition completed", "product_id", id, "extracted", extracted)
}

// EvictExpired drops finished tasks last updated more than TaskTTL before
// now and returns how many were removed.
func (m *Manager) EvictExpired() int {
	if m.config.TaskTTL <= 0 {
		return 0
	}
	cutoff := m.now().UTC().Add(-m.config.TaskTTL)

	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, t := range m.tasks {
		if t.Status.Terminal() && t.UpdatedAt.Before(cutoff) {
			delete(m.tasks, id)
			n++
		}
	}
	if n > 0 {
		m.logger.Debug("evicted finished acquisitions", "count", n)
	}
	return n
}

func (m *Manager) janitor() {
	interval := m.config.TaskTTL / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.EvictExpired()
		}
	}
}

// Shutdown stops accepting acquisitions and waits for queued and running
// ones to finish. If ctx ends first, in-flight downloads are canceled and
// ctx's error is returned once the workers exit.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.pool.close()
	close(m.stop)
	m.mu.Unlock()

	err := m.pool.wait(ctx)
	m.cancel()
	if err != nil {
		m.logger.Warn("acquisition shutdown deadline reached, canceling downloads")
		m.pool.wg.Wait()
		return err
	}
	m.logger.Info("acquisition manager stopped")
	return nil
}
