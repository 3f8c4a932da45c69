// Package progress watches a set of jobs by polling until every one of them is terminal.
package progress

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/calcqueue/pkg/models"
)

// Fetcher returns the current state of the given jobs. Unknown ids may be omitted.
type Fetcher interface {
	FetchUpdates(ctx context.Context, ids []uuid.UUID) ([]models.Update, error)
}

// Poller queries a Fetcher on a fixed interval.
type Poller struct {
	fetcher  Fetcher
	interval time.Duration
	logger   *slog.Logger
}

func NewPoller(f Fetcher, interval time.Duration, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = time.Second
	}
	return &Poller{fetcher: f, interval: interval, logger: logger}
}

// Watch is one running poll loop over a fixed id set. The merged view is keyed by
// operation, which suits the ids of a single submission. When ids from several
// submissions share an operation, the view holds the one watched last; Jobs has them all.
type Watch struct {
	ids     []uuid.UUID
	watched map[uuid.UUID]struct{}
	updates chan models.ProgressView
	done    chan struct{}
	cancel  context.CancelFunc

	mu        sync.Mutex
	latest    map[uuid.UUID]models.Update
	errCount  int
	lastErr   error
	completed bool
}

// Watch starts polling ids. The first query runs immediately. Polling stops when every id
// has been seen in a terminal status, when ctx is done, or on Stop. A failed query is
// logged and counted and polling carries on.
func (p *Poller) Watch(ctx context.Context, ids []uuid.UUID) *Watch {
	ctx, cancel := context.WithCancel(ctx)
	watched := make(map[uuid.UUID]struct{}, len(ids))
	unique := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if _, dup := watched[id]; !dup {
			watched[id] = struct{}{}
			unique = append(unique, id)
		}
	}
	w := &Watch{
		ids:     unique,
		watched: watched,
		updates: make(chan models.ProgressView, 1),
		done:    make(chan struct{}),
		cancel:  cancel,
		latest:  make(map[uuid.UUID]models.Update, len(ids)),
	}
	go p.loop(ctx, w)
	return w
}

func (p *Poller) loop(ctx context.Context, w *Watch) {
	defer close(w.done)
	defer close(w.updates)
	defer w.cancel()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if p.tick(ctx, w) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// tick runs one query and reports whether the watch is finished.
func (p *Poller) tick(ctx context.Context, w *Watch) bool {
	if len(w.ids) == 0 {
		w.mu.Lock()
		w.completed = true
		w.mu.Unlock()
		return true
	}

	updates, err := p.fetcher.FetchUpdates(ctx, w.ids)
	if err != nil {
		if ctx.Err() != nil {
			return true
		}
		w.mu.Lock()
		w.errCount++
		w.lastErr = err
		w.mu.Unlock()
		p.logger.Warn("progress poll failed", "job_count", len(w.ids), "error", err)
		return false
	}

	w.mu.Lock()
	for _, u := range updates {
		if _, ok := w.watched[u.ID]; !ok {
			continue
		}
		w.latest[u.ID] = u
	}
	snapshot := w.snapshotLocked()
	finished := w.allTerminalLocked()
	w.completed = finished
	w.mu.Unlock()

	w.publish(snapshot)
	return finished
}

// allTerminalLocked is false while any id is missing from every response so far.
func (w *Watch) allTerminalLocked() bool {
	for _, id := range w.ids {
		u, ok := w.latest[id]
		if !ok || !u.Status.Terminal() {
			return false
		}
	}
	return true
}

// snapshotLocked folds the per-job state into a view in watch order.
func (w *Watch) snapshotLocked() models.ProgressView {
	out := make(models.ProgressView, len(models.Operations))
	for _, id := range w.ids {
		if u, ok := w.latest[id]; ok {
			out[u.Operation] = u
		}
	}
	return out
}

// publish keeps only the newest snapshot buffered so a slow reader never stalls polling.
func (w *Watch) publish(v models.ProgressView) {
	select {
	case w.updates <- v:
		return
	default:
	}
	select {
	case <-w.updates:
	default:
	}
	w.updates <- v
}

// Updates delivers the merged view after each successful query. Closed when the watch ends.
func (w *Watch) Updates() <-chan models.ProgressView { return w.updates }

// Done is closed once polling has stopped and the ticker is released.
func (w *Watch) Done() <-chan struct{} { return w.done }

// Stop ends the watch early. Safe to call more than once and after completion.
func (w *Watch) Stop() {
	w.cancel()
	<-w.done
}

// Errors returns how many queries failed so far, and the most recent failure.
func (w *Watch) Errors() (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.errCount, w.lastErr
}

// Jobs returns the latest state of every watched job seen so far, keyed by id.
func (w *Watch) Jobs() map[uuid.UUID]models.Update {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[uuid.UUID]models.Update, len(w.latest))
	for id, u := range w.latest {
		out[id] = u
	}
	return out
}

// Result returns the current merged view and whether every watched job is terminal.
func (w *Watch) Result() (models.ProgressView, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.snapshotLocked(), w.completed
}
