package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/calcqueue/pkg/models"
)

// JobChangesChannel is the NOTIFY channel the jobs trigger publishes on.
const JobChangesChannel = "job_changes"

// PostgresFeed implements ChangeFeed with LISTEN on a dedicated pooled connection.
type PostgresFeed struct {
	pool    *pgxpool.Pool
	channel string
	logger  *slog.Logger
}

func NewPostgresFeed(pool *pgxpool.Pool, logger *slog.Logger) *PostgresFeed {
	return &PostgresFeed{pool: pool, channel: JobChangesChannel, logger: logger}
}

func (f *PostgresFeed) Listen(ctx context.Context, ready func(), fn func(models.JobChange)) error {
	conn, err := f.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	defer conn.Release()

	listen := "LISTEN " + pgx.Identifier{f.channel}.Sanitize()
	if _, err := conn.Exec(ctx, listen); err != nil {
		return fmt.Errorf("listen %s: %w", f.channel, err)
	}
	defer func() {
		// An interrupted wait closes the connection, and the pool discards it.
		if conn.Conn().IsClosed() {
			return
		}
		unlistenCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, _ = conn.Exec(unlistenCtx, "UNLISTEN *")
	}()

	ready()

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("wait for notification: %w", err)
		}

		change, err := decodeChange([]byte(n.Payload))
		if err != nil {
			f.logger.Warn("dropping undecodable job change", "channel", n.Channel, "error", err)
			continue
		}
		fn(change)
	}
}

// jobRow mirrors the row_to_json output of the jobs table.
type jobRow struct {
	ID          uuid.UUID  `json:"id"`
	Operation   string     `json:"operation"`
	OperandA    float64    `json:"operand_a"`
	OperandB    float64    `json:"operand_b"`
	Status      string     `json:"status"`
	Result      *float64   `json:"result"`
	StartedAt   *time.Time `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func decodeChange(payload []byte) (models.JobChange, error) {
	var row jobRow
	if err := json.Unmarshal(payload, &row); err != nil {
		return models.JobChange{}, fmt.Errorf("decode job change: %w", err)
	}
	return models.JobChange{Job: models.Job{
		ID:          row.ID,
		Operation:   models.Operation(row.Operation),
		OperandA:    row.OperandA,
		OperandB:    row.OperandB,
		Status:      models.Status(row.Status),
		Result:      row.Result,
		StartedAt:   row.StartedAt,
		CompletedAt: row.CompletedAt,
		CreatedAt:   row.CreatedAt,
		UpdatedAt:   row.UpdatedAt,
	}}, nil
}
