package models

import (
	"errors"
	"fmt"
)

// ErrInvalidOperation is returned when a stored or submitted operation is outside the fixed set.
var ErrInvalidOperation = errors.New("invalid operation")

// Operation is the arithmetic a Job performs.
type Operation string

const (
	OperationSum        Operation = "sum"
	OperationDifference Operation = "difference"
	OperationProduct    Operation = "product"
	OperationDivision   Operation = "division"
)

// Operations is the fixed set every submission fans out to, in submission order.
var Operations = []Operation{
	OperationSum,
	OperationDifference,
	OperationProduct,
	OperationDivision,
}

var operationFuncs = map[Operation]func(a, b float64) float64{
	OperationSum:        func(a, b float64) float64 { return a + b },
	OperationDifference: func(a, b float64) float64 { return a - b },
	OperationProduct:    func(a, b float64) float64 { return a * b },
	OperationDivision:   func(a, b float64) float64 { return a / b },
}

// ParseOperation validates a raw operation name.
func ParseOperation(s string) (Operation, error) {
	op := Operation(s)
	if !op.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidOperation, s)
	}
	return op, nil
}

// Valid reports whether op belongs to Operations.
func (op Operation) Valid() bool {
	_, ok := operationFuncs[op]
	return ok
}

// Apply evaluates op over a and b. The result may be non-finite (division by zero);
// callers decide whether that is acceptable. Apply panics on an invalid operation,
// so values read from storage must go through ParseOperation first.
func (op Operation) Apply(a, b float64) float64 {
	fn, ok := operationFuncs[op]
	if !ok {
		panic(fmt.Sprintf("models: apply invalid operation %q", string(op)))
	}
	return fn(a, b)
}

func (op Operation) String() string { return string(op) }
