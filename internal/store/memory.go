package store

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/calcqueue/pkg/models"
)

const memoryListenerBuffer = 256

// MemoryStore is an in-process Store and ChangeFeed. It backs STORE_DRIVER=memory and tests.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[uuid.UUID]*models.Job

	listenersMu sync.Mutex
	listeners   map[int]chan models.JobChange
	nextID      int
	dropped     atomic.Uint64

	now    func() time.Time
	logger *slog.Logger
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithLogger sets the logger used to report changes dropped by slow listeners.
func WithLogger(logger *slog.Logger) MemoryOption {
	return func(s *MemoryStore) {
		s.logger = logger
	}
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		jobs:      make(map[uuid.UUID]*models.Job),
		listeners: make(map[int]chan models.JobChange),
		now:       func() time.Time { return time.Now().UTC() },
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dropped returns how many changes were discarded because a listener's buffer was full.
func (s *MemoryStore) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *MemoryStore) CreateJobs(ctx context.Context, jobs []*models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, j := range jobs {
		if _, ok := s.jobs[j.ID]; ok {
			return ErrDuplicateKey
		}
	}
	for _, j := range jobs {
		s.jobs[j.ID] = copyJob(j)
	}
	return nil
}

func (s *MemoryStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyJob(j), nil
}

func (s *MemoryStore) GetJobs(ctx context.Context, ids []uuid.UUID) ([]*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []*models.Job{}
	for _, id := range ids {
		if j, ok := s.jobs[id]; ok {
			out = append(out, copyJob(j))
		}
	}
	return out, nil
}

func (s *MemoryStore) ListJobs(ctx context.Context, limit int) ([]*models.Job, error) {
	s.mu.RLock()
	all := make([]*models.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		all = append(all, copyJob(j))
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, k int) bool {
		return all[i].CreatedAt.After(all[k].CreatedAt)
	})
	if n := normalizeLimit(limit); len(all) > n {
		all = all[:n]
	}
	return all, nil
}

func (s *MemoryStore) UpdateJobStatus(ctx context.Context, id uuid.UUID, status models.Status, opts ...JobUpdateOption) (*models.Job, error) {
	params, err := buildUpdateParams(status, opts)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	j, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	if !canTransition(j.Status, status) {
		current := j.Status
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, status)
	}

	now := s.now()
	j.Status = status
	j.UpdatedAt = now
	j.Result = params.Result
	if status == models.JobStatusProcessing {
		j.StartedAt = &now
	}
	if status.Terminal() {
		j.CompletedAt = &now
	}
	updated := copyJob(j)
	s.mu.Unlock()

	s.publish(models.JobChange{Job: *copyJob(updated)})
	return updated, nil
}

// Listen registers fn for every committed status update until ctx is cancelled.
func (s *MemoryStore) Listen(ctx context.Context, ready func(), fn func(models.JobChange)) error {
	ch := make(chan models.JobChange, memoryListenerBuffer)

	s.listenersMu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = ch
	s.listenersMu.Unlock()

	defer func() {
		s.listenersMu.Lock()
		delete(s.listeners, id)
		s.listenersMu.Unlock()
	}()

	ready()

	for {
		select {
		case <-ctx.Done():
			return nil
		case change := <-ch:
			fn(change)
		}
	}
}

func (s *MemoryStore) publish(change models.JobChange) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()

	for id, ch := range s.listeners {
		select {
		case ch <- change:
		default:
			s.dropped.Add(1)
			s.logger.Warn("change listener buffer full, dropping change",
				"listener_id", id, "job_id", change.Job.ID, "status", change.Job.Status)
		}
	}
}

func canTransition(from, to models.Status) bool {
	for _, t := range validTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

func copyJob(j *models.Job) *models.Job {
	c := *j
	if j.Result != nil {
		r := *j.Result
		c.Result = &r
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

var (
	_ Store      = (*MemoryStore)(nil)
	_ ChangeFeed = (*MemoryStore)(nil)
	_ Store      = (*PostgresStore)(nil)
	_ ChangeFeed = (*PostgresFeed)(nil)
)
