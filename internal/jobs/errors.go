package jobs

import (
	"errors"

	"github.com/kiranshivaraju/calcqueue/pkg/models"
)

var (
	ErrInvalidInput        = errors.New("invalid input")
	ErrJobNotFound         = errors.New("job not found")
	ErrJobAlreadyProcessed = errors.New("job already processed")
	ErrStoreWriteFailed    = errors.New("store write failed")

	// ErrInvalidOperation is returned when a stored job names an operation outside the fixed set.
	ErrInvalidOperation = models.ErrInvalidOperation
)
