package store_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/calcqueue/internal/store"
	"github.com/kiranshivaraju/calcqueue/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupTestDB spins up a Postgres container, runs migrations, and returns a pool.
func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("calcqueue_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, pgContainer.Terminate(ctx))
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	require.NoError(t, store.RunMigrations(connStr))
	// Second run must be a no-op.
	require.NoError(t, store.RunMigrations(connStr))

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	return pool
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func seedPostgres(t *testing.T, s store.Store, a, b float64) []*models.Job {
	t.Helper()
	jobs := models.NewJobs(a, b, time.Now().UTC().Truncate(time.Microsecond))
	require.NoError(t, s.CreateJobs(context.Background(), jobs))
	return jobs
}

func TestPostgres_CreateAndGetJob(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))
	jobs := seedPostgres(t, s, 6, 3)

	got, err := s.GetJob(context.Background(), jobs[3].ID)
	require.NoError(t, err)
	assert.Equal(t, models.OperationDivision, got.Operation)
	assert.Equal(t, 6.0, got.OperandA)
	assert.Equal(t, 3.0, got.OperandB)
	assert.Equal(t, models.JobStatusPending, got.Status)
	assert.Nil(t, got.Result)
	assert.Nil(t, got.StartedAt)
}

func TestPostgres_GetJobNotFound(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))

	_, err := s.GetJob(context.Background(), uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestPostgres_CreateJobsDuplicate(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))
	jobs := seedPostgres(t, s, 1, 2)

	fresh := models.NewJobs(3, 4, time.Now().UTC())
	err := s.CreateJobs(context.Background(), append(fresh, jobs[0]))
	assert.ErrorIs(t, err, store.ErrDuplicateKey)

	_, err = s.GetJob(context.Background(), fresh[0].ID)
	assert.ErrorIs(t, err, store.ErrNotFound, "batch must not be partially applied")
}

func TestPostgres_CreateJobsRejectsUnknownOperation(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))

	batch := models.NewJobs(6, 3, time.Now().UTC())
	batch[3].Operation = models.Operation("modulo")
	err := s.CreateJobs(context.Background(), batch)
	require.Error(t, err)
	assert.NotErrorIs(t, err, store.ErrDuplicateKey)

	_, err = s.GetJob(context.Background(), batch[0].ID)
	assert.ErrorIs(t, err, store.ErrNotFound, "batch must not be partially applied")
}

func TestPostgres_GetJobs(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))
	jobs := seedPostgres(t, s, 1, 2)

	got, err := s.GetJobs(context.Background(), []uuid.UUID{jobs[0].ID, jobs[2].ID, uuid.New()})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = s.GetJobs(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestPostgres_UpdateJobStatus(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))
	ctx := context.Background()
	jobs := seedPostgres(t, s, 6, 3)
	id := jobs[0].ID

	j, err := s.UpdateJobStatus(ctx, id, models.JobStatusProcessing)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusProcessing, j.Status)
	assert.NotNil(t, j.StartedAt)

	j, err = s.UpdateJobStatus(ctx, id, models.JobStatusCompleted, store.WithResult(9))
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, j.Status)
	require.NotNil(t, j.Result)
	assert.Equal(t, 9.0, *j.Result)
	assert.NotNil(t, j.CompletedAt)

	_, err = s.UpdateJobStatus(ctx, id, models.JobStatusProcessing)
	assert.ErrorIs(t, err, store.ErrInvalidTransition)

	_, err = s.UpdateJobStatus(ctx, uuid.New(), models.JobStatusProcessing)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestPostgres_UpdateJobStatus_Failed(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))
	ctx := context.Background()
	jobs := seedPostgres(t, s, 5, 0)
	id := jobs[3].ID

	_, err := s.UpdateJobStatus(ctx, id, models.JobStatusProcessing)
	require.NoError(t, err)

	j, err := s.UpdateJobStatus(ctx, id, models.JobStatusFailed)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, j.Status)
	assert.Nil(t, j.Result)
}

func TestPostgres_ConcurrentClaim(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))
	jobs := seedPostgres(t, s, 1, 1)

	results := make(chan error, 10)
	for i := 0; i < 10; i++ {
		go func() {
			_, err := s.UpdateJobStatus(context.Background(), jobs[0].ID, models.JobStatusProcessing)
			results <- err
		}()
	}

	var wins int
	for i := 0; i < 10; i++ {
		if err := <-results; err == nil {
			wins++
		} else {
			assert.ErrorIs(t, err, store.ErrInvalidTransition)
		}
	}
	assert.Equal(t, 1, wins)
}

func TestPostgres_ListJobs(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))
	seedPostgres(t, s, 1, 1)
	seedPostgres(t, s, 2, 2)

	jobs, err := s.ListJobs(context.Background(), 5)
	require.NoError(t, err)
	assert.Len(t, jobs, 5)
}

func TestPostgresFeed_DeliversUpdates(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	feed := store.NewPostgresFeed(pool, testLogger())
	jobs := seedPostgres(t, s, 2, 2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ready := make(chan struct{})
	changes := make(chan models.JobChange, 8)
	done := make(chan error, 1)
	go func() {
		done <- feed.Listen(ctx, func() { close(ready) }, func(c models.JobChange) { changes <- c })
	}()

	select {
	case <-ready:
	case <-time.After(10 * time.Second):
		t.Fatal("feed never became ready")
	}

	_, err := s.UpdateJobStatus(context.Background(), jobs[0].ID, models.JobStatusProcessing)
	require.NoError(t, err)
	_, err = s.UpdateJobStatus(context.Background(), jobs[0].ID, models.JobStatusCompleted, store.WithResult(4))
	require.NoError(t, err)

	var got []models.JobChange
	for len(got) < 2 {
		select {
		case c := <-changes:
			got = append(got, c)
		case <-time.After(5 * time.Second):
			t.Fatalf("expected 2 changes, got %d", len(got))
		}
	}

	assert.Equal(t, models.JobStatusProcessing, got[0].Job.Status)
	assert.Equal(t, models.JobStatusCompleted, got[1].Job.Status)
	assert.Equal(t, models.OperationSum, got[1].Job.Operation)
	require.NotNil(t, got[1].Job.Result)
	assert.Equal(t, 4.0, *got[1].Job.Result)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Listen did not return after cancel")
	}
}
