// Package http provides net/http middleware for membership access control
package http

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/mihaimyh/tiergate/pkg/membership"
)

// UserIDExtractor extracts the user ID from an HTTP request
// Return empty string if user is not authenticated
type UserIDExtractor func(r *http.Request) string

// RequirementExtractor returns the access level a request needs
type RequirementExtractor func(r *http.Request) membership.AccessLevel

// Config holds middleware configuration
type Config struct {
	// Users loads the caller's stored tier and role (required)
	Users membership.UserStore

	// GetUserID extracts user ID from request (required)
	GetUserID UserIDExtractor

	// Requirement is the access level every request needs
	// Default: FREE
	Requirement membership.AccessLevel

	// GetRequirement overrides Requirement per request (optional)
	GetRequirement RequirementExtractor

	// Metrics records access decisions (default: NoopMetrics)
	Metrics membership.Metrics

	// OnUnauthorized is called when no known user is behind the request
	// If nil, returns 401 JSON
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnForbidden is called when the subject's tier does not satisfy the requirement
	// If nil, returns 403 JSON
	OnForbidden func(w http.ResponseWriter, r *http.Request, subject membership.Subject, requirement membership.AccessLevel)

	// OnError is called when the user store fails
	// If nil, returns 500 JSON
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// ForbiddenResponse is the default 403 body
type ForbiddenResponse struct {
	Error    string `json:"error"`
	Required string `json:"required"`
	Tier     string `json:"tier"`
}

// Middleware creates an HTTP middleware that enforces the access gate.
// Allowed requests carry the Subject in their context.
func Middleware(config Config) func(http.Handler) http.Handler {
	if config.Requirement == "" {
		config.Requirement = membership.AccessFree
	}
	if config.Metrics == nil {
		config.Metrics = &membership.NoopMetrics{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requirement := config.Requirement
			if config.GetRequirement != nil {
				requirement = config.GetRequirement(r)
			}

			subject, err := membership.LoadSubject(r.Context(), config.Users, config.GetUserID(r))
			if err != nil {
				if config.OnError != nil {
					config.OnError(w, r, err)
				} else {
					writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
				}
				return
			}

			if subject.Anonymous() && requirement != membership.AccessFree {
				config.Metrics.RecordAccessDecision(requirement, false)
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
				}
				return
			}

			allowed := subject.CanAccess(requirement)
			config.Metrics.RecordAccessDecision(requirement, allowed)
			if !allowed {
				if config.OnForbidden != nil {
					config.OnForbidden(w, r, subject, requirement)
				} else {
					writeJSON(w, http.StatusForbidden, ForbiddenResponse{
						Error:    "upgrade required",
						Required: string(requirement),
						Tier:     string(subject.Effective().Tier),
					})
				}
				return
			}

			next.ServeHTTP(w, r.WithContext(WithSubject(r.Context(), subject)))
		})
	}
}

// HandlerFunc creates an HTTP middleware that enforces the access gate (HandlerFunc version)
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			middleware(next).ServeHTTP(w, r)
		}
	}
}

// RequireAccess is shorthand for a fixed requirement
func RequireAccess(users membership.UserStore, getUserID UserIDExtractor, requirement membership.AccessLevel) func(http.Handler) http.Handler {
	return Middleware(Config{Users: users, GetUserID: getUserID, Requirement: requirement})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ContextKey is a type for context keys
type ContextKey string

const (
	// UserIDKey is the context key for user ID
	UserIDKey ContextKey = "membership:userID"

	// SubjectKey is the context key for the evaluated subject
	SubjectKey ContextKey = "membership:subject"
)

// FromContext returns an UserIDExtractor that gets user ID from request context
func FromContext(key ContextKey) UserIDExtractor {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}

// FromHeader returns an UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// WithUserID adds user ID to request context
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// WithSubject adds the evaluated subject to the context
func WithSubject(ctx context.Context, subject membership.Subject) context.Context {
	return context.WithValue(ctx, SubjectKey, subject)
}

// SubjectFromContext returns the subject stored by Middleware
func SubjectFromContext(ctx context.Context) (membership.Subject, bool) {
	s, ok := ctx.Value(SubjectKey).(membership.Subject)
	return s, ok
}
