package jobs

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/calcqueue/internal/config"
	"golang.org/x/sync/semaphore"
)

// Runner executes one job.
type Runner interface {
	Run(ctx context.Context, id uuid.UUID) (*RunResult, error)
}

// Dispatcher starts runs for freshly submitted jobs.
//
// In concurrent mode every run gets its own goroutine, bounded by a semaphore and detached
// from the submitting request. In sequential mode Dispatch runs each job in order and
// returns when the last one finishes.
type Dispatcher struct {
	mode   string
	runner Runner
	sem    *semaphore.Weighted
	logger *slog.Logger

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
}

func NewDispatcher(mode string, maxConcurrency int, runner Runner, logger *slog.Logger) *Dispatcher {
	if mode != config.DispatchSequential {
		mode = config.DispatchConcurrent
	}
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		mode:   mode,
		runner: runner,
		sem:    semaphore.NewWeighted(int64(maxConcurrency)),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

func (d *Dispatcher) Mode() string { return d.mode }

// Dispatch starts a run for each id. Run errors are logged, never returned: the jobs are
// already stored and a failure is visible as their failed status.
func (d *Dispatcher) Dispatch(ctx context.Context, ids []uuid.UUID) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.logger.Warn("dispatcher shut down, jobs left pending", "job_ids", ids)
		return
	}
	if d.mode == config.DispatchConcurrent {
		d.wg.Add(len(ids))
	}
	d.mu.Unlock()

	if d.mode == config.DispatchSequential {
		runCtx := context.WithoutCancel(ctx)
		for _, id := range ids {
			d.runOne(runCtx, id)
		}
		return
	}

	for _, id := range ids {
		go func(id uuid.UUID) {
			defer d.wg.Done()
			if err := d.sem.Acquire(d.ctx, 1); err != nil {
				d.logger.Warn("job not started", "job_id", id, "error", err)
				return
			}
			defer d.sem.Release(1)
			d.runOne(d.ctx, id)
		}(id)
	}
}

func (d *Dispatcher) runOne(ctx context.Context, id uuid.UUID) {
	if _, err := d.runner.Run(ctx, id); err != nil {
		d.logger.Error("job run failed", "job_id", id, "error", err)
	}
}

// Shutdown stops accepting work and waits for in-flight runs. If ctx expires first, the
// runs are cancelled (and fail) and Shutdown waits for them to unwind.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}
