package compute

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/kiranshivaraju/calcqueue/internal/cache"
	"github.com/kiranshivaraju/calcqueue/pkg/models"
)

// DefaultResultTTL bounds how long a remote answer is reused.
const DefaultResultTTL = 24 * time.Hour

// Cached memoizes a remote Computer's answers by (provider, operation, operands).
// Cache errors never fail a computation; they only cost a remote call.
type Cached struct {
	inner  Computer
	cache  cache.Cache
	ttl    time.Duration
	logger *slog.Logger
}

func NewCached(inner Computer, c cache.Cache, ttl time.Duration, logger *slog.Logger) *Cached {
	return &Cached{inner: inner, cache: c, ttl: ttl, logger: logger}
}

func (c *Cached) Name() string { return c.inner.Name() }

func (c *Cached) Compute(ctx context.Context, op models.Operation, a, b float64) (float64, error) {
	key := cache.ComputeResultKey(c.inner.Name(), op, a, b)

	raw, found, err := c.cache.Get(ctx, key)
	if err != nil {
		c.logger.Warn("compute cache read failed", "key", key, "error", err)
	}
	if found {
		if v, perr := strconv.ParseFloat(string(raw), 64); perr == nil && checkFinite(op, v) == nil {
			return v, nil
		}
	}

	v, err := c.inner.Compute(ctx, op, a, b)
	if err != nil {
		return 0, err
	}

	if err := c.cache.Set(ctx, key, []byte(strconv.FormatFloat(v, 'g', -1, 64)), c.ttl); err != nil {
		c.logger.Warn("compute cache write failed", "key", key, "error", err)
	}
	return v, nil
}

var _ Computer = (*Cached)(nil)
