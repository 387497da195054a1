package probe

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// DefaultRequiredKeys are the configuration keys the environment probe
// requires when none are configured.
var DefaultRequiredKeys = []string{
	"LIVEKIT_URL",
	"LIVEKIT_API_KEY",
	"LIVEKIT_API_SECRET",
	"OPENAI_API_KEY",
	"DATABASE_URL",
}

// DefaultDependencyTimeout bounds a single dependency connectivity check.
const DefaultDependencyTimeout = 5 * time.Second

// Environment checks that every key in required is present and non-empty in
// the configuration source. It reports all missing keys, not just the first,
// in input order. Pure and safe to call from any goroutine.
func Environment(getenv func(string) string, required []string) string {
	var missing []string
	for _, k := range required {
		if getenv(k) == "" {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return "missing: " + strings.Join(missing, ", ")
	}
	return StatusHealthy
}

// DependencyChecker is the injected connectivity-test capability.
type DependencyChecker interface {
	TestConnection(ctx context.Context) error
}

// Dependency runs the checker under a bounded timeout and classifies the
// result. Errors are logged and mapped to unhealthy, never propagated.
func Dependency(ctx context.Context, checker DependencyChecker, timeout time.Duration) string {
	if checker == nil {
		return StatusUnhealthy
	}
	if timeout <= 0 {
		timeout = DefaultDependencyTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := checker.TestConnection(cctx); err != nil {
		slog.Error("dependency health check failed", "error", err)
		return StatusUnhealthy
	}
	return StatusHealthy
}
