package billing

import (
	"net/http"
	"time"

	"github.com/mihaimyh/tiergate/pkg/membership"
)

// DefaultMaxBodyBytes caps webhook payloads.
const DefaultMaxBodyBytes = 256 * 1024

// RateLimitConfig configures the per-IP webhook limiter.
type RateLimitConfig struct {
	// Requests allowed per Window per client IP (0 disables limiting)
	Requests int

	// Window is the fixed window length
	Window time.Duration
}

// Config defines the standard configuration all providers should accept
type Config struct {
	// Reconciler receives every verified, classified event
	Reconciler EventApplier

	// WebhookSecret is used to verify incoming webhook signatures.
	WebhookSecret string

	// APIKey and APISecret are used for outbound API calls to the billing provider.
	APIKey    string
	APISecret string

	// HTTPClient is an optional HTTP client for API calls.
	// If nil, a default client with 10s timeout will be used.
	HTTPClient *http.Client

	// MaxBodyBytes caps the webhook body (default: 256 KiB)
	MaxBodyBytes int64

	// RateLimit configures per-IP limiting of the webhook endpoint
	RateLimit RateLimitConfig

	// Metrics is an optional metrics collector for tracking billing provider operations.
	// If nil, metrics will be silently ignored (no-op).
	// Use billing/metrics/prometheus.DefaultMetrics(namespace) for Prometheus metrics.
	Metrics Metrics

	// Logger is used for structured logging (default: NoopLogger)
	Logger membership.Logger
}

// WithDefaults returns a copy with zero values replaced by defaults.
func (c Config) WithDefaults() Config {
	if c.Metrics == nil {
		c.Metrics = &NoopMetrics{}
	}
	if c.Logger == nil {
		c.Logger = &membership.NoopLogger{}
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	return c
}
