package membership

import (
	"context"
	"time"
)

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	// Enabled determines if the circuit breaker is active
	Enabled bool

	// FailureThreshold is the number of consecutive failures before opening the circuit (default: 5)
	FailureThreshold int

	// ResetTimeout is the duration to wait before transitioning from Open to Half-Open (default: 30 seconds)
	ResetTimeout time.Duration
}

// TierChangeHandler is called after a user's tier was changed by the reconciler.
// Errors are logged and never roll back the write.
type TierChangeHandler func(ctx context.Context, change TierChange) error

// Config holds reconciler configuration
type Config struct {
	// Metrics is used for tracking reconciliation (default: NoopMetrics)
	Metrics Metrics

	// Logger is used for structured logging (default: NoopLogger)
	Logger Logger

	// OnTierChange is invoked when an event changes a user's tier (optional)
	OnTierChange TierChangeHandler

	// CircuitBreakerConfig wraps the storage with a circuit breaker when enabled
	CircuitBreakerConfig *CircuitBreakerConfig

	// Now returns the current time (default: time.Now in UTC)
	Now func() time.Time
}

// DefaultConfig returns a Config with no-op logging and metrics.
func DefaultConfig() Config {
	return Config{
		Metrics: &NoopMetrics{},
		Logger:  &NoopLogger{},
		Now:     func() time.Time { return time.Now().UTC() },
	}
}

func (c *Config) applyDefaults() {
	if c.Metrics == nil {
		c.Metrics = &NoopMetrics{}
	}
	if c.Logger == nil {
		c.Logger = &NoopLogger{}
	}
	if c.Now == nil {
		c.Now = func() time.Time { return time.Now().UTC() }
	}
	if c.CircuitBreakerConfig != nil && c.CircuitBreakerConfig.Enabled {
		if c.CircuitBreakerConfig.FailureThreshold <= 0 {
			c.CircuitBreakerConfig.FailureThreshold = 5
		}
		if c.CircuitBreakerConfig.ResetTimeout <= 0 {
			c.CircuitBreakerConfig.ResetTimeout = 30 * time.Second
		}
	}
}
