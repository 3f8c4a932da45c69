package jobs

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/calcqueue/internal/compute"
	"github.com/kiranshivaraju/calcqueue/internal/store"
	"github.com/kiranshivaraju/calcqueue/pkg/models"
)

// RunResult is returned by a successful Run.
type RunResult struct {
	Message string  `json:"message"`
	Result  float64 `json:"result"`
}

// Run drives one pending job to completed or failed. The processing write happens before
// the compute call, and only the caller that wins the pending -> processing update proceeds.
// Once processing, every failure path attempts a failed write; if that write also fails, both
// errors are returned and the job stays processing.
func (s *Service) Run(ctx context.Context, id uuid.UUID) (res *RunResult, err error) {
	job, err := s.store.GetJob(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading job: %w", err)
	}

	if job.Status != models.JobStatusPending {
		return nil, fmt.Errorf("%w: job %s already %s", ErrJobAlreadyProcessed, id, job.Status)
	}

	if _, err := s.store.UpdateJobStatus(ctx, id, models.JobStatusProcessing); err != nil {
		switch {
		case errors.Is(err, store.ErrInvalidTransition):
			return nil, fmt.Errorf("%w: %v", ErrJobAlreadyProcessed, err)
		case errors.Is(err, store.ErrNotFound):
			return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
		default:
			return nil, fmt.Errorf("%w: marking processing: %v", ErrStoreWriteFailed, err)
		}
	}
	s.setStatusHint(ctx, id, models.JobStatusProcessing)

	logger := s.logger.With("job_id", id, "operation", job.Operation)
	logger.Info("job processing")

	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic in job run", "panic", r)
			res = nil
			err = s.fail(ctx, id, fmt.Errorf("panic: %v", r))
		}
	}()

	if err := wait(ctx, s.delay); err != nil {
		return nil, s.fail(ctx, id, fmt.Errorf("compute delay interrupted: %w", err))
	}

	op, err := models.ParseOperation(string(job.Operation))
	if err != nil {
		return nil, s.fail(ctx, id, err)
	}

	v, err := s.computer.Compute(ctx, op, job.OperandA, job.OperandB)
	if err != nil {
		return nil, s.fail(ctx, id, err)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil, s.fail(ctx, id, fmt.Errorf("%w: %s gave %v", compute.ErrInvalidResult, op, v))
	}

	if _, err := s.store.UpdateJobStatus(ctx, id, models.JobStatusCompleted, store.WithResult(v)); err != nil {
		return nil, s.fail(ctx, id, fmt.Errorf("%w: marking completed: %v", ErrStoreWriteFailed, err))
	}
	s.setStatusHint(ctx, id, models.JobStatusCompleted)

	logger.Info("job completed", "status", models.JobStatusCompleted, "result", v)
	return &RunResult{Message: "Job completed", Result: v}, nil
}

// fail records the failed status and returns cause, joined with the write error if the
// write did not go through.
func (s *Service) fail(ctx context.Context, id uuid.UUID, cause error) error {
	writeCtx := context.WithoutCancel(ctx)
	if _, err := s.store.UpdateJobStatus(writeCtx, id, models.JobStatusFailed); err != nil {
		s.logger.Error("marking job failed", "job_id", id, "cause", cause, "error", err)
		return errors.Join(cause, fmt.Errorf("%w: marking failed: %v", ErrStoreWriteFailed, err))
	}
	s.setStatusHint(writeCtx, id, models.JobStatusFailed)

	s.logger.Warn("job failed", "job_id", id, "status", models.JobStatusFailed, "error", cause)
	return cause
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
