package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/calcqueue/internal/cache"
	"github.com/kiranshivaraju/calcqueue/internal/compute"
	"github.com/kiranshivaraju/calcqueue/internal/config"
	"github.com/kiranshivaraju/calcqueue/internal/store"
	"github.com/kiranshivaraju/calcqueue/pkg/models"
)

// MaxUpdateIDs caps how many ids one GetUpdates call may ask for.
const MaxUpdateIDs = 100

// SubmitResult is what a submission hands back to its caller.
type SubmitResult struct {
	JobIDs []uuid.UUID   `json:"job_ids"`
	Jobs   []*models.Job `json:"jobs"`
}

// Service creates jobs, runs them through their lifecycle, and answers status queries.
type Service struct {
	store      store.Store
	cache      cache.Cache
	computer   compute.Computer
	dispatcher *Dispatcher
	delay      time.Duration
	logger     *slog.Logger
}

// NewService wires a Service. ca may be nil, in which case no status hints are written.
func NewService(st store.Store, ca cache.Cache, c compute.Computer, cfg config.RunnerConfig, logger *slog.Logger) *Service {
	s := &Service{
		store:    st,
		cache:    ca,
		computer: c,
		delay:    cfg.ComputeDelay,
		logger:   logger,
	}
	s.dispatcher = NewDispatcher(cfg.DispatchMode, cfg.MaxConcurrency, s, logger)
	return s
}

// ParseOperand converts user text to a finite float64.
func ParseOperand(raw string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a number", ErrInvalidInput, raw)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: %q is not a finite number", ErrInvalidInput, raw)
	}
	return v, nil
}

// Submit validates both operands and then behaves like SubmitNumbers.
func (s *Service) Submit(ctx context.Context, a, b string) (*SubmitResult, error) {
	va, err := ParseOperand(a)
	if err != nil {
		return nil, fmt.Errorf("number_a: %w", err)
	}
	vb, err := ParseOperand(b)
	if err != nil {
		return nil, fmt.Errorf("number_b: %w", err)
	}
	return s.SubmitNumbers(ctx, va, vb)
}

// SubmitNumbers stores one pending job per operation in a single batch and hands them
// to the dispatcher. In concurrent mode it returns as soon as the runs are started.
func (s *Service) SubmitNumbers(ctx context.Context, a, b float64) (*SubmitResult, error) {
	for _, v := range []float64{a, b} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%w: operands must be finite numbers", ErrInvalidInput)
		}
	}

	created := models.NewJobs(a, b, time.Now().UTC())
	if err := s.store.CreateJobs(ctx, created); err != nil {
		return nil, fmt.Errorf("%w: creating jobs: %v", ErrStoreWriteFailed, err)
	}

	ids := make([]uuid.UUID, len(created))
	for i, j := range created {
		ids[i] = j.ID
		s.setStatusHint(ctx, j.ID, models.JobStatusPending)
	}

	s.logger.Info("jobs submitted", "job_ids", ids, "number_a", a, "number_b", b,
		"dispatch_mode", s.dispatcher.Mode())

	s.dispatcher.Dispatch(ctx, ids)

	if s.dispatcher.Mode() == config.DispatchSequential {
		if latest, err := s.store.GetJobs(ctx, ids); err == nil && len(latest) == len(created) {
			created = latest
		}
	}

	return &SubmitResult{JobIDs: ids, Jobs: created}, nil
}

// GetUpdates returns the current {operation, result, status} of each known id, in request
// order. Unknown ids are omitted. Duplicate ids are collapsed.
func (s *Service) GetUpdates(ctx context.Context, ids []uuid.UUID) ([]models.Update, error) {
	if len(ids) > MaxUpdateIDs {
		return nil, fmt.Errorf("%w: at most %d job ids per request, got %d", ErrInvalidInput, MaxUpdateIDs, len(ids))
	}

	seen := make(map[uuid.UUID]bool, len(ids))
	unique := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			unique = append(unique, id)
		}
	}

	found, err := s.store.GetJobs(ctx, unique)
	if err != nil {
		return nil, fmt.Errorf("loading jobs: %w", err)
	}

	byID := make(map[uuid.UUID]*models.Job, len(found))
	for _, j := range found {
		byID[j.ID] = j
	}

	updates := make([]models.Update, 0, len(found))
	for _, id := range unique {
		if j, ok := byID[id]; ok {
			updates = append(updates, models.UpdateFromJob(j))
		}
	}
	return updates, nil
}

// FetchUpdates lets the Service act as a progress.Fetcher.
func (s *Service) FetchUpdates(ctx context.Context, ids []uuid.UUID) ([]models.Update, error) {
	return s.GetUpdates(ctx, ids)
}

// Progress returns the most recent job for each operation across all submissions.
func (s *Service) Progress(ctx context.Context) (models.ProgressView, error) {
	recent, err := s.store.ListJobs(ctx, 100)
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}

	view := models.ProgressView{}
	for _, j := range recent {
		if _, ok := view[j.Operation]; !ok {
			view[j.Operation] = models.UpdateFromJob(j)
		}
	}
	return view, nil
}

// JobStatus answers from the cached status hint when it is terminal and reads the store
// otherwise. A non-terminal hint may be stale if a later hint write failed.
func (s *Service) JobStatus(ctx context.Context, id uuid.UUID) (models.Status, error) {
	if s.cache != nil {
		status, found, err := s.cache.GetJobStatus(ctx, id)
		if err != nil {
			s.logger.Warn("status hint read failed", "job_id", id, "error", err)
		}
		if found && status.Valid() && status.Terminal() {
			return status, nil
		}
	}

	j, err := s.store.GetJob(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if err != nil {
		return "", fmt.Errorf("loading job: %w", err)
	}
	return j.Status, nil
}

// Shutdown waits for in-flight runs. See Dispatcher.Shutdown.
func (s *Service) Shutdown(ctx context.Context) error {
	return s.dispatcher.Shutdown(ctx)
}

func (s *Service) setStatusHint(ctx context.Context, id uuid.UUID, status models.Status) {
	if s.cache == nil {
		return
	}
	if err := s.cache.SetJobStatus(context.WithoutCancel(ctx), id, status, cache.JobStatusTTL); err != nil {
		s.logger.Warn("status hint write failed", "job_id", id, "status", status, "error", err)
	}
}
