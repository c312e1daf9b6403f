package api

import (
	"fmt"
	"net/http"

	"github.com/mihaimyh/tiergate/pkg/billing"
	"github.com/mihaimyh/tiergate/pkg/membership"
)

// Config holds configuration for the membership API handler
type Config struct {
	// Users loads and patches platform users (required)
	Users membership.UserStore

	// GetUserID extracts the authenticated user ID from the request (required)
	// Similar to middleware/http pattern
	GetUserID func(*http.Request) string

	// GetPathParam reads a route parameter such as the user id in
	// PATCH /api/admin/users/{id}. Default: r.PathValue
	GetPathParam func(r *http.Request, name string) string

	// Settings backs the admin settings endpoints (optional)
	Settings *membership.SettingsRegistry

	// Posts is the content catalog (optional)
	Posts PostCatalog

	// Conversations backs the chat endpoints (optional)
	Conversations ConversationStore

	// Subscriptions creates provider subscriptions (optional)
	Subscriptions billing.SubscriptionCreator

	// OnTierChange is invoked when an admin changes a user's tier (optional)
	OnTierChange membership.TierChangeHandler

	// OnError handles errors (auth, internal, etc.)
	// If nil, uses default error handling
	OnError func(http.ResponseWriter, *http.Request, error)

	// Metrics records access decisions (default: NoopMetrics)
	Metrics membership.Metrics

	// Logger is used for structured logging (default: NoopLogger)
	Logger membership.Logger
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Users == nil {
		return fmt.Errorf("users store is required")
	}
	if c.GetUserID == nil {
		return fmt.Errorf("getUserID is required")
	}
	return nil
}

// NewHandler creates a new membership API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.GetPathParam == nil {
		config.GetPathParam = func(r *http.Request, name string) string { return r.PathValue(name) }
	}
	if config.Metrics == nil {
		config.Metrics = &membership.NoopMetrics{}
	}
	if config.Logger == nil {
		config.Logger = &membership.NoopLogger{}
	}
	return newHandler(config), nil
}

// Helper functions for common UserID extraction patterns

// FromHeader returns a GetUserID function that extracts user ID from a header
func FromHeader(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromContext returns a GetUserID function that extracts user ID from request context
// Uses the same context key pattern as middleware/http
func FromContext(key interface{}) func(*http.Request) string {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}
