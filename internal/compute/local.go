package compute

import (
	"context"
	"fmt"

	"github.com/kiranshivaraju/calcqueue/pkg/models"
)

// Local evaluates operations in-process.
type Local struct{}

func NewLocal() *Local {
	return &Local{}
}

func (l *Local) Name() string { return "local" }

func (l *Local) Compute(ctx context.Context, op models.Operation, a, b float64) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrComputeUnavailable, err)
	}
	if !op.Valid() {
		return 0, fmt.Errorf("%w: %q", models.ErrInvalidOperation, op)
	}
	v := op.Apply(a, b)
	if err := checkFinite(op, v); err != nil {
		return 0, err
	}
	return v, nil
}

var _ Computer = (*Local)(nil)
