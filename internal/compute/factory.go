package compute

import (
	"fmt"
	"log/slog"

	"github.com/kiranshivaraju/calcqueue/internal/cache"
	"github.com/kiranshivaraju/calcqueue/internal/config"
)

// NewComputer constructs the provider named by cfg.Provider. Remote providers are
// wrapped with a result cache when ca is non-nil. Called once at server startup.
func NewComputer(cfg config.ComputeConfig, ca cache.Cache, logger *slog.Logger) (Computer, error) {
	switch cfg.Provider {
	case "local":
		return NewLocal(), nil
	case "openai":
		var c Computer = NewOpenAI(cfg.OpenAI, cfg.Timeout, cfg.RateLimit)
		if ca != nil {
			c = NewCached(c, ca, DefaultResultTTL, logger)
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown compute provider %q: must be one of local, openai", cfg.Provider)
	}
}
