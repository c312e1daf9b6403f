// Package gin provides Gin middleware for membership access control
package gin

import (
	"net/http"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/tiergate/pkg/membership"
)

// SubjectKey is the Gin context key holding the evaluated membership.Subject
const SubjectKey = "membership.subject"

// UserIDExtractor extracts the user ID from a Gin context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *gongin.Context) string

// RequirementExtractor returns the access level a request needs
type RequirementExtractor func(c *gongin.Context) membership.AccessLevel

// Config holds middleware configuration
type Config struct {
	// Users loads the caller's stored tier and role (required)
	Users membership.UserStore

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// Requirement is the access level every request needs
	// Default: FREE
	Requirement membership.AccessLevel

	// GetRequirement overrides Requirement per request (optional)
	GetRequirement RequirementExtractor

	// Metrics records access decisions (default: NoopMetrics)
	Metrics membership.Metrics

	// OnUnauthorized is called when no known user is behind the request
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *gongin.Context)

	// OnForbidden is called when the subject's tier does not satisfy the requirement
	// If nil, returns 403 JSON with the required level
	OnForbidden func(c *gongin.Context, subject membership.Subject, requirement membership.AccessLevel)

	// OnError is called when the user store fails
	// If nil, returns 500 Internal Server Error
	OnError func(c *gongin.Context, err error)
}

// Middleware creates a Gin middleware that enforces the access gate
func Middleware(cfg Config) gongin.HandlerFunc {
	if cfg.Requirement == "" {
		cfg.Requirement = membership.AccessFree
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &membership.NoopMetrics{}
	}
	if cfg.OnUnauthorized == nil {
		cfg.OnUnauthorized = defaultUnauthorized
	}
	if cfg.OnForbidden == nil {
		cfg.OnForbidden = defaultForbidden
	}
	if cfg.OnError == nil {
		cfg.OnError = defaultError
	}

	return func(c *gongin.Context) {
		requirement := cfg.Requirement
		if cfg.GetRequirement != nil {
			requirement = cfg.GetRequirement(c)
		}

		subject, err := membership.LoadSubject(c.Request.Context(), cfg.Users, cfg.GetUserID(c))
		if err != nil {
			cfg.OnError(c, err)
			c.Abort()
			return
		}

		if subject.Anonymous() && requirement != membership.AccessFree {
			cfg.Metrics.RecordAccessDecision(requirement, false)
			cfg.OnUnauthorized(c)
			c.Abort()
			return
		}

		allowed := subject.CanAccess(requirement)
		cfg.Metrics.RecordAccessDecision(requirement, allowed)
		if !allowed {
			cfg.OnForbidden(c, subject, requirement)
			c.Abort()
			return
		}

		c.Set(SubjectKey, subject)
		c.Next()
	}
}

// RequireAccess is shorthand for a fixed requirement
func RequireAccess(users membership.UserStore, getUserID UserIDExtractor, requirement membership.AccessLevel) gongin.HandlerFunc {
	return Middleware(Config{Users: users, GetUserID: getUserID, Requirement: requirement})
}

// GetSubject returns the subject stored by Middleware
func GetSubject(c *gongin.Context) (membership.Subject, bool) {
	val, exists := c.Get(SubjectKey)
	if !exists {
		return membership.Subject{}, false
	}
	s, ok := val.(membership.Subject)
	return s, ok
}

// Default error handlers

func defaultUnauthorized(c *gongin.Context) {
	c.JSON(http.StatusUnauthorized, gongin.H{"error": "Unauthorized"})
}

func defaultForbidden(c *gongin.Context, subject membership.Subject, requirement membership.AccessLevel) {
	c.JSON(http.StatusForbidden, gongin.H{
		"error":    "Upgrade required",
		"required": string(requirement),
		"tier":     string(subject.Effective().Tier),
	})
}

func defaultError(c *gongin.Context, _ error) {
	c.JSON(http.StatusInternalServerError, gongin.H{"error": "Internal Server Error"})
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Gin context values
// set by an auth middleware, e.g. c.Set("UserID", userID).
func FromContext(key string) UserIDExtractor {
	return func(c *gongin.Context) string {
		if val, exists := c.Get(key); exists {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// RequirementFromQuery reads the access level from a query parameter
func RequirementFromQuery(name string) RequirementExtractor {
	return func(c *gongin.Context) membership.AccessLevel {
		return membership.ParseAccessLevel(c.Query(name))
	}
}
