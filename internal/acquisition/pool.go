package acquisition

import (
	"context"
	"log/slog"
	"sync"
)

// workerPool runs acquisitions on a fixed number of goroutines fed from a
// bounded queue. Submission never blocks.
type workerPool struct {
	workers int
	jobs    chan string
	wg      sync.WaitGroup
	logger  *slog.Logger
}

func newWorkerPool(workers, queueSize int, logger *slog.Logger) *workerPool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	return &workerPool{
		workers: workers,
		jobs:    make(chan string, queueSize),
		logger:  logger,
	}
}

// start launches the workers. Each runs fn for every id it receives until
// the queue is closed and drained.
func (p *workerPool) start(fn func(id string)) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for id := range p.jobs {
				fn(id)
			}
		}()
	}
	p.logger.Debug("acquisition workers started", "workers", p.workers, "queue", cap(p.jobs))
}

// trySubmit queues id, returning false when the queue is full. Callers must
// not submit after close.
func (p *workerPool) trySubmit(id string) bool {
	select {
	case p.jobs <- id:
		return true
	default:
		return false
	}
}

// close stops intake; queued jobs are still processed.
func (p *workerPool) close() {
	close(p.jobs)
}

// wait blocks until every worker has exited or ctx is done.
func (p *workerPool) wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
