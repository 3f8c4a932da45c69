package models

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a Job.
type Status string

const (
	JobStatusPending    Status = "pending"
	JobStatusProcessing Status = "processing"
	JobStatusCompleted  Status = "completed"
	JobStatusFailed     Status = "failed"
)

// Terminal reports whether no further transitions can happen from s.
func (s Status) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusProcessing, JobStatusCompleted, JobStatusFailed:
		return true
	}
	return false
}

// Job is one arithmetic operation over a pair of operands. A submission creates one
// Job per operation; each one moves pending -> processing -> completed|failed on its own.
// Result is set only when Status is completed.
type Job struct {
	ID          uuid.UUID  `db:"id"           json:"id"`
	Operation   Operation  `db:"operation"    json:"operation"`
	OperandA    float64    `db:"operand_a"    json:"number_a"`
	OperandB    float64    `db:"operand_b"    json:"number_b"`
	Status      Status     `db:"status"       json:"status"`
	Result      *float64   `db:"result"       json:"result"`
	StartedAt   *time.Time `db:"started_at"   json:"started_at,omitempty"`
	CompletedAt *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	CreatedAt   time.Time  `db:"created_at"   json:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at"   json:"updated_at"`
}

// Update is the per-job view returned to pollers.
type Update struct {
	ID        uuid.UUID `json:"id"`
	Operation Operation `json:"operation"`
	Result    *float64  `json:"result"`
	Status    Status    `json:"status"`
}

// UpdateFromJob projects a Job to the fields observers care about.
func UpdateFromJob(j *Job) Update {
	return Update{
		ID:        j.ID,
		Operation: j.Operation,
		Result:    j.Result,
		Status:    j.Status,
	}
}

// JobChange is a single row mutation observed on the job table.
type JobChange struct {
	Job Job
}

// NewJobs returns one pending Job per operation for the operand pair, in Operations order.
func NewJobs(a, b float64, now time.Time) []*Job {
	jobs := make([]*Job, 0, len(Operations))
	for _, op := range Operations {
		jobs = append(jobs, &Job{
			ID:        uuid.New(),
			Operation: op,
			OperandA:  a,
			OperandB:  b,
			Status:    JobStatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		})
	}
	return jobs
}
