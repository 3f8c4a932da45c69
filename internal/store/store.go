package store

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/calcqueue/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")
var ErrInvalidTransition = errors.New("invalid job status transition")
var ErrNonFiniteResult = errors.New("job result must be a finite number")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	// CreateJobs inserts all jobs in one write. Either every job is stored or none is.
	CreateJobs(ctx context.Context, jobs []*models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	GetJobs(ctx context.Context, ids []uuid.UUID) ([]*models.Job, error)
	ListJobs(ctx context.Context, limit int) ([]*models.Job, error)

	// UpdateJobStatus moves a job to status only if its current status is a valid
	// predecessor. The check and the write are a single atomic step per job, so two
	// callers racing on the same pending job cannot both succeed.
	UpdateJobStatus(ctx context.Context, id uuid.UUID, status models.Status, opts ...JobUpdateOption) (*models.Job, error)
}

// ChangeFeed delivers row-level job mutations as they are committed.
type ChangeFeed interface {
	// Listen blocks until ctx is cancelled (returning nil) or the feed breaks (returning
	// the cause). ready is called once, after the subscription is confirmed.
	Listen(ctx context.Context, ready func(), fn func(models.JobChange)) error
}

var validTransitions = map[models.Status][]models.Status{
	models.JobStatusPending:    {models.JobStatusProcessing},
	models.JobStatusProcessing: {models.JobStatusCompleted, models.JobStatusFailed},
}

// predecessors returns every status from which to can be reached.
func predecessors(to models.Status) []models.Status {
	var from []models.Status
	for s, targets := range validTransitions {
		for _, t := range targets {
			if t == to {
				from = append(from, s)
			}
		}
	}
	return from
}

type jobUpdateParams struct {
	Result *float64
}

type JobUpdateOption func(*jobUpdateParams)

// WithResult attaches the computed value. Only valid together with the completed status.
func WithResult(v float64) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.Result = &v
	}
}

func buildUpdateParams(to models.Status, opts []JobUpdateOption) (*jobUpdateParams, error) {
	params := &jobUpdateParams{}
	for _, opt := range opts {
		opt(params)
	}

	if to == models.JobStatusCompleted {
		if params.Result == nil {
			return nil, fmt.Errorf("completed job requires a result")
		}
		if math.IsNaN(*params.Result) || math.IsInf(*params.Result, 0) {
			return nil, fmt.Errorf("%w: %v", ErrNonFiniteResult, *params.Result)
		}
	} else if params.Result != nil {
		return nil, fmt.Errorf("result can only be set on a completed job, not %s", to)
	}
	return params, nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 20
	}
	if limit > 100 {
		return 100
	}
	return limit
}
