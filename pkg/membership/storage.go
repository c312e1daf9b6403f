package membership

import (
	"context"
	"time"
)

// UserStore persists platform users.
type UserStore interface {
	// CreateUser stores a new user. Email is stored lower-cased.
	// Returns ErrUserExists if the id or email is taken.
	CreateUser(ctx context.Context, user *User) error

	// GetUser retrieves a user by id
	// Returns ErrUserNotFound if no user exists
	GetUser(ctx context.Context, userID string) (*User, error)

	// FindUserByEmail looks a user up case-insensitively
	// Returns ErrUserNotFound if no user exists
	FindUserByEmail(ctx context.Context, email string) (*User, error)

	// SetUserTier overwrites the user's tier (last writer wins)
	// Returns ErrUserNotFound if no user exists
	SetUserTier(ctx context.Context, userID string, tier Tier) error

	// UpdateUser applies an admin patch and returns the updated user
	UpdateUser(ctx context.Context, userID string, patch UserPatch) (*User, error)
}

// SubscriptionStore persists the subscription ledger.
type SubscriptionStore interface {
	// UpsertSubscription atomically creates or updates the row keyed by ExternalID
	// and returns the stored row. UserID and CurrentPeriodEnd are only written when set.
	// Status follows MergeStatus. Never fails on a duplicate id.
	UpsertSubscription(ctx context.Context, req *SubscriptionUpsert) (*Subscription, error)

	// RecordPayment updates the row matching req.ExternalID and returns it.
	// A captured payment sets Status to "active" unless the row is terminal.
	// Returns nil with no error when no row exists.
	RecordPayment(ctx context.Context, req *PaymentRecord) (*Subscription, error)

	// GetSubscription retrieves a ledger row
	// Returns ErrSubscriptionNotFound if no row exists
	GetSubscription(ctx context.Context, externalID string) (*Subscription, error)

	// ListUnresolvedSubscriptions returns up to limit rows with no linked user
	// that sort strictly after the cursor, ordered by (CreatedAt, ExternalID).
	// The zero cursor starts at the oldest row.
	ListUnresolvedSubscriptions(ctx context.Context, after ListCursor, limit int) ([]*Subscription, error)
}

// ListCursor positions a scan of unresolved ledger rows.
type ListCursor struct {
	CreatedAt  time.Time
	ExternalID string
}

// CursorAfter returns the cursor that resumes a scan after sub.
func CursorAfter(sub *Subscription) ListCursor {
	return ListCursor{CreatedAt: sub.CreatedAt, ExternalID: sub.ExternalID}
}

// IsZero reports whether the cursor starts at the oldest row.
func (c ListCursor) IsZero() bool {
	return c.ExternalID == "" && c.CreatedAt.IsZero()
}

// Passed reports whether a scan positioned at c has already returned sub.
func (c ListCursor) Passed(sub *Subscription) bool {
	if c.IsZero() {
		return false
	}
	if sub.CreatedAt.Equal(c.CreatedAt) {
		return sub.ExternalID <= c.ExternalID
	}
	return sub.CreatedAt.Before(c.CreatedAt)
}

// SettingsStore persists the single tier settings row.
type SettingsStore interface {
	// GetSettings returns the stored settings
	// Returns ErrSettingsNotFound if nothing was saved yet
	GetSettings(ctx context.Context) (*TierSettings, error)

	// SaveSettings overwrites the settings row
	SaveSettings(ctx context.Context, settings *TierSettings) error
}

// Storage is the full persistence contract implemented by every backend.
type Storage interface {
	UserStore
	SubscriptionStore
	SettingsStore
}
