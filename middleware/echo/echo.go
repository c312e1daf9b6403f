// Package echo provides Echo middleware for membership access control
package echo

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/tiergate/pkg/membership"
)

// SubjectKey is the Echo context key holding the evaluated membership.Subject
const SubjectKey = "membership.subject"

// UserIDExtractor extracts the user ID from an Echo context
// Return empty string if user is not authenticated
type UserIDExtractor func(c echo.Context) string

// RequirementExtractor returns the access level a request needs
type RequirementExtractor func(c echo.Context) membership.AccessLevel

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
	OnUnauthorized func(c echo.Context) error

	// OnForbidden is called when the subject's tier does not satisfy the requirement
	// If nil, returns 403 JSON with the required level
	OnForbidden func(c echo.Context, subject membership.Subject, requirement membership.AccessLevel) error

	// OnError is called when the user store fails
	// If nil, returns 500 Internal Server Error
	OnError func(c echo.Context, err error) error
}

// Middleware creates an Echo middleware that enforces the access gate
func Middleware(cfg Config) echo.MiddlewareFunc {
	if cfg.Users == nil {
		panic("tiergate/echo: Config.Users is required")
	}
	if cfg.GetUserID == nil {
		panic("tiergate/echo: Config.GetUserID is required")
	}
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

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			requirement := cfg.Requirement
			if cfg.GetRequirement != nil {
				requirement = cfg.GetRequirement(c)
			}

			subject, err := membership.LoadSubject(c.Request().Context(), cfg.Users, cfg.GetUserID(c))
			if err != nil {
				return cfg.OnError(c, err)
			}

			if subject.Anonymous() && requirement != membership.AccessFree {
				cfg.Metrics.RecordAccessDecision(requirement, false)
				return cfg.OnUnauthorized(c)
			}

			allowed := subject.CanAccess(requirement)
			cfg.Metrics.RecordAccessDecision(requirement, allowed)
			if !allowed {
				return cfg.OnForbidden(c, subject, requirement)
			}

			c.Set(SubjectKey, subject)
			return next(c)
		}
	}
}

// GetSubject returns the subject stored by Middleware
func GetSubject(c echo.Context) (membership.Subject, bool) {
	s, ok := c.Get(SubjectKey).(membership.Subject)
	return s, ok
}

// Default error handlers

func defaultUnauthorized(c echo.Context) error {
	return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
}

func defaultForbidden(c echo.Context, subject membership.Subject, requirement membership.AccessLevel) error {
	return c.JSON(http.StatusForbidden, map[string]string{
		"error":    "Upgrade required",
		"required": string(requirement),
		"tier":     string(subject.Effective().Tier),
	})
}

func defaultError(c echo.Context, _ error) error {
	return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Echo context values
// set by an auth middleware, e.g. c.Set("UserID", userID).
func FromContext(key string) UserIDExtractor {
	return func(c echo.Context) string {
		if val := c.Get(key); val != nil {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// RequirementFromParam reads the access level from a route parameter
func RequirementFromParam(name string) RequirementExtractor {
	return func(c echo.Context) membership.AccessLevel {
		return membership.ParseAccessLevel(c.Param(name))
	}
}
