package membership

import "errors"

var (
	// ErrUserNotFound is returned when no user matches the lookup
	ErrUserNotFound = errors.New("user not found")

	// ErrUserExists is returned when creating a user whose id or email is taken
	ErrUserExists = errors.New("user already exists")

	// ErrSubscriptionNotFound is returned when no ledger row matches the external id
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrSettingsNotFound is returned by stores that have no settings row yet
	ErrSettingsNotFound = errors.New("settings not found")

	// ErrInvalidTier is returned for unknown tier
	ErrInvalidTier = errors.New("invalid tier")

	// ErrInvalidRole is returned for unknown role
	ErrInvalidRole = errors.New("invalid role")

	// ErrStorageUnavailable is returned when storage is unavailable
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrSelfDemotion is returned when an admin tries to demote or deactivate themselves
	ErrSelfDemotion = errors.New("cannot demote or deactivate yourself")

	// ErrPlanNotConfigured is returned when no provider plan is set for a tier
	ErrPlanNotConfigured = errors.New("plan not configured for tier")

	// ErrInvalidSettings is returned for non-positive prices or a malformed currency
	ErrInvalidSettings = errors.New("invalid tier settings")

	// ErrInvalidEvent is returned when the reconciler receives an event it cannot apply
	ErrInvalidEvent = errors.New("invalid event")
)
