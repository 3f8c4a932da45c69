package compute

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/kiranshivaraju/calcqueue/pkg/models"
)

var (
	ErrComputeUnavailable = errors.New("compute provider unavailable")
	ErrInvalidResult      = errors.New("compute provider returned invalid result")
)

// Computer evaluates one operation over two operands. Implementations make at most one
// attempt per call and must be safe for concurrent use.
type Computer interface {
	Name() string
	Compute(ctx context.Context, op models.Operation, a, b float64) (float64, error)
}

func checkFinite(op models.Operation, v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("%w: %s gave %v", ErrInvalidResult, op, v)
	}
	return nil
}
