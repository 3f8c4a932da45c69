package cache

import (
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/calcqueue/pkg/models"
)

func JobStatusKey(jobID uuid.UUID) string {
	return fmt.Sprintf("job:%s", jobID)
}

// RateLimitKey scopes a request counter to one client and one window.
func RateLimitKey(client string, window int64) string {
	return fmt.Sprintf("ratelimit:%s:%d", client, window)
}

// ComputeResultKey identifies a remote computation by its inputs. Operands are
// formatted with the shortest exact representation so distinct floats never share a key.
func ComputeResultKey(provider string, op models.Operation, a, b float64) string {
	return fmt.Sprintf("compute:%s:%s:%s:%s", provider, op,
		strconv.FormatFloat(a, 'g', -1, 64), strconv.FormatFloat(b, 'g', -1, 64))
}
