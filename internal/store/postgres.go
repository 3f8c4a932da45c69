package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/calcqueue/pkg/models"
)

const jobColumns = `id, operation, operand_a, operand_b, status, result, started_at, completed_at, created_at, updated_at`

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) CreateJobs(ctx context.Context, jobs []*models.Job) error {
	if len(jobs) == 0 {
		return nil
	}

	var sb strings.Builder
	sb.WriteString(`INSERT INTO jobs (id, operation, operand_a, operand_b, status, created_at, updated_at) VALUES `)
	args := make([]any, 0, len(jobs)*7)
	for i, j := range jobs {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * 7
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7)
		args = append(args, j.ID, string(j.Operation), j.OperandA, j.OperandB,
			string(j.Status), j.CreatedAt, j.UpdatedAt)
	}

	// A single statement is atomic, so a partial batch is never visible.
	if _, err := s.pool.Exec(ctx, sb.String(), args...); err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create jobs: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// GetJobs returns the jobs that exist among ids. Unknown ids are silently omitted.
func (s *PostgresStore) GetJobs(ctx context.Context, ids []uuid.UUID) ([]*models.Job, error) {
	if len(ids) == 0 {
		return []*models.Job{}, nil
	}

	strIDs := make([]string, len(ids))
	for i, id := range ids {
		strIDs[i] = id.String()
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = ANY($1::uuid[]) ORDER BY created_at, operation`, strIDs)
	if err != nil {
		return nil, fmt.Errorf("get jobs: %w", err)
	}
	return collectJobs(rows)
}

func (s *PostgresStore) ListJobs(ctx context.Context, limit int) ([]*models.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC LIMIT $1`, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return collectJobs(rows)
}

func (s *PostgresStore) UpdateJobStatus(ctx context.Context, id uuid.UUID, status models.Status, opts ...JobUpdateOption) (*models.Job, error) {
	params, err := buildUpdateParams(status, opts)
	if err != nil {
		return nil, err
	}

	from := predecessors(status)
	if len(from) == 0 {
		return nil, fmt.Errorf("%w: nothing transitions to %s", ErrInvalidTransition, status)
	}
	fromStrs := make([]string, len(from))
	for i, f := range from {
		fromStrs[i] = string(f)
	}

	now := time.Now().UTC()
	query := `UPDATE jobs SET status = $2, updated_at = $3, result = $4`
	args := []any{id, string(status), now, params.Result, fromStrs}

	if status == models.JobStatusProcessing {
		query += ", started_at = $3"
	}
	if status.Terminal() {
		query += ", completed_at = $3"
	}
	// The status predicate makes the check and the write one atomic step.
	query += ` WHERE id = $1 AND status = ANY($5::text[]) RETURNING ` + jobColumns

	j, err := scanJob(s.pool.QueryRow(ctx, query, args...))
	if err == nil {
		return j, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("update job status: %w", err)
	}

	var current string
	err = s.pool.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job status: %w", err)
	}
	return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, status)
}

func scanJob(row pgx.Row) (*models.Job, error) {
	var (
		j         models.Job
		operation string
		status    string
	)
	if err := row.Scan(&j.ID, &operation, &j.OperandA, &j.OperandB, &status, &j.Result,
		&j.StartedAt, &j.CompletedAt, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	j.Operation = models.Operation(operation)
	j.Status = models.Status(status)
	return &j, nil
}

func collectJobs(rows pgx.Rows) ([]*models.Job, error) {
	defer rows.Close()

	jobs := []*models.Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
