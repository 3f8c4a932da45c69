package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/kiranshivaraju/calcqueue/internal/compute"
	"github.com/kiranshivaraju/calcqueue/pkg/models"
)

// Call records one Compute invocation.
type Call struct {
	Op   models.Operation
	A, B float64
}

// MockComputer satisfies compute.Computer for testing.
type MockComputer struct {
	Name_       string
	ComputeFunc func(ctx context.Context, op models.Operation, a, b float64) (float64, error)

	mu    sync.Mutex
	calls []Call
}

func (m *MockComputer) Name() string { return m.Name_ }

func (m *MockComputer) Compute(ctx context.Context, op models.Operation, a, b float64) (float64, error) {
	m.mu.Lock()
	m.calls = append(m.calls, Call{Op: op, A: a, B: b})
	m.mu.Unlock()

	if m.ComputeFunc != nil {
		return m.ComputeFunc(ctx, op, a, b)
	}
	return 0, nil
}

// Calls returns a snapshot of every Compute invocation so far.
func (m *MockComputer) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// NewMockComputer returns a MockComputer that does the arithmetic in-process. Unlike the
// real providers it returns non-finite values as-is.
func NewMockComputer() *MockComputer {
	return &MockComputer{
		Name_: "mock",
		ComputeFunc: func(_ context.Context, op models.Operation, a, b float64) (float64, error) {
			if !op.Valid() {
				return 0, fmt.Errorf("%w: %q", models.ErrInvalidOperation, op)
			}
			return op.Apply(a, b), nil
		},
	}
}

// NewFailingComputer returns a MockComputer that always returns the given error.
func NewFailingComputer(err error) *MockComputer {
	return &MockComputer{
		Name_: "mock-failing",
		ComputeFunc: func(_ context.Context, _ models.Operation, _, _ float64) (float64, error) {
			return 0, err
		},
	}
}

// NewBlockingComputer returns a MockComputer that blocks until context is cancelled.
func NewBlockingComputer() *MockComputer {
	return &MockComputer{
		Name_: "mock-blocking",
		ComputeFunc: func(ctx context.Context, _ models.Operation, _, _ float64) (float64, error) {
			<-ctx.Done()
			return 0, fmt.Errorf("%w: %v", compute.ErrComputeUnavailable, ctx.Err())
		},
	}
}

// Compile-time check that MockComputer implements Computer.
var _ compute.Computer = (*MockComputer)(nil)
