package jobs_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/calcqueue/internal/compute"
	"github.com/kiranshivaraju/calcqueue/internal/config"
	"github.com/kiranshivaraju/calcqueue/internal/jobs"
	"github.com/kiranshivaraju/calcqueue/internal/store"
	"github.com/kiranshivaraju/calcqueue/pkg/models"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// hintCache records every status hint written through it. Writes of failStatus
// return errRedisDown and are not recorded.
type hintCache struct {
	mu         sync.Mutex
	statuses   map[uuid.UUID][]models.Status
	failStatus models.Status
}

var errRedisDown = errors.New("redis: connection refused")

func newHintCache() *hintCache {
	return &hintCache{statuses: map[uuid.UUID][]models.Status{}}
}

func (c *hintCache) Set(context.Context, string, []byte, time.Duration) error { return nil }
func (c *hintCache) Get(context.Context, string) ([]byte, bool, error)        { return nil, false, nil }
func (c *hintCache) Ping(context.Context) error                               { return nil }
func (c *hintCache) IncrWithExpiry(context.Context, string, time.Duration) (int64, error) {
	return 0, nil
}

func (c *hintCache) SetJobStatus(_ context.Context, id uuid.UUID, status models.Status, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if status == c.failStatus {
		return errRedisDown
	}
	c.statuses[id] = append(c.statuses[id], status)
	return nil
}

func (c *hintCache) GetJobStatus(_ context.Context, id uuid.UUID) (models.Status, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.statuses[id]
	if len(s) == 0 {
		return "", false, nil
	}
	return s[len(s)-1], true, nil
}

func (c *hintCache) history(id uuid.UUID) []models.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.Status(nil), c.statuses[id]...)
}

// faultyStore wraps a MemoryStore and fails chosen writes.
type faultyStore struct {
	*store.MemoryStore
	failCreate bool
	failOn     map[models.Status]error
}

var errDiskFull = errors.New("disk full")

func (s *faultyStore) CreateJobs(ctx context.Context, jobs []*models.Job) error {
	if s.failCreate {
		return errDiskFull
	}
	return s.MemoryStore.CreateJobs(ctx, jobs)
}

func (s *faultyStore) UpdateJobStatus(ctx context.Context, id uuid.UUID, status models.Status, opts ...store.JobUpdateOption) (*models.Job, error) {
	if err, ok := s.failOn[status]; ok {
		return nil, err
	}
	return s.MemoryStore.UpdateJobStatus(ctx, id, status, opts...)
}

func runnerConfig(mode string) config.RunnerConfig {
	return config.RunnerConfig{DispatchMode: mode, ComputeDelay: 0, MaxConcurrency: 4}
}

func newService(t *testing.T, st store.Store, c compute.Computer, mode string) (*jobs.Service, *hintCache) {
	t.Helper()
	hints := newHintCache()
	svc := jobs.NewService(st, hints, c, runnerConfig(mode), testLogger())
	t.Cleanup(func() {
		// Blocking computers only return once Shutdown gives up and cancels them.
		ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})
	return svc, hints
}

// seed stores one pending job per operation without dispatching anything.
func seed(t *testing.T, st store.Store, a, b float64) map[models.Operation]*models.Job {
	t.Helper()
	created := models.NewJobs(a, b, time.Now().UTC())
	require.NoError(t, st.CreateJobs(context.Background(), created))
	out := make(map[models.Operation]*models.Job, len(created))
	for _, j := range created {
		out[j.Operation] = j
	}
	return out
}

// waitTerminal polls the store until every id is terminal.
func waitTerminal(t *testing.T, st store.Store, ids []uuid.UUID) []*models.Job {
	t.Helper()
	var got []*models.Job
	require.Eventually(t, func() bool {
		var err error
		got, err = st.GetJobs(context.Background(), ids)
		if err != nil || len(got) != len(ids) {
			return false
		}
		for _, j := range got {
			if !j.Status.Terminal() {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)
	return got
}
