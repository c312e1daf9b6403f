// Package fiber provides Fiber middleware for membership access control
package fiber

import (
	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/tiergate/pkg/membership"
)

// SubjectKey is the Locals key holding the evaluated membership.Subject
const SubjectKey = "membership.subject"

// UserIDExtractor extracts the user ID from a Fiber context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *fiber.Ctx) string

// RequirementExtractor returns the access level a request needs
type RequirementExtractor func(c *fiber.Ctx) membership.AccessLevel

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
	OnUnauthorized func(c *fiber.Ctx) error

	// OnForbidden is called when the subject's tier does not satisfy the requirement
	// If nil, returns 403 JSON with the required level
	OnForbidden func(c *fiber.Ctx, subject membership.Subject, requirement membership.AccessLevel) error

	// OnError is called when the user store fails
	// If nil, returns 500 Internal Server Error
	OnError func(c *fiber.Ctx, err error) error
}

// Middleware creates a Fiber middleware that enforces the access gate
func Middleware(cfg Config) fiber.Handler {
	// Validate required configuration at startup (fail fast)
	if cfg.Users == nil {
		panic("tiergate/fiber: Config.Users is required")
	}
	if cfg.GetUserID == nil {
		panic("tiergate/fiber: Config.GetUserID is required")
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

	return func(c *fiber.Ctx) error {
		requirement := cfg.Requirement
		if cfg.GetRequirement != nil {
			requirement = cfg.GetRequirement(c)
		}

		subject, err := membership.LoadSubject(c.UserContext(), cfg.Users, cfg.GetUserID(c))
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

		c.Locals(SubjectKey, subject)
		return c.Next()
	}
}

// GetSubject returns the subject stored by Middleware
func GetSubject(c *fiber.Ctx) (membership.Subject, bool) {
	s, ok := c.Locals(SubjectKey).(membership.Subject)
	return s, ok
}

// Default error handlers

func defaultUnauthorized(c *fiber.Ctx) error {
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
}

func defaultForbidden(c *fiber.Ctx, subject membership.Subject, requirement membership.AccessLevel) error {
	return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
		"error":    "Upgrade required",
		"required": string(requirement),
		"tier":     string(subject.Effective().Tier),
	})
}

func defaultError(c *fiber.Ctx, _ error) error {
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Internal Server Error"})
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Fiber context values (Locals)
// set by an auth middleware, e.g. c.Locals("UserID", userID).
func FromContext(key string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		if val := c.Locals(key); val != nil {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}
