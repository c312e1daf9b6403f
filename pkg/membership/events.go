package membership

import "time"

// Event is a verified, classified provider notification.
// Implemented by LifecycleEvent, PaymentEvent and Unrecognized.
type Event interface {
	EventType() string
}

// Correlation carries the data used to find the owning user.
type Correlation struct {
	UserID   string
	Email    string // lower-cased
	TierHint string // upper-cased
}

// Empty reports whether there is nothing to resolve a user with.
func (c Correlation) Empty() bool {
	return c.UserID == "" && c.Email == ""
}

// Lifecycle event types.
const (
	EventSubscriptionActivated = "subscription.activated"
	EventSubscriptionResumed   = "subscription.resumed"
	EventSubscriptionPaused    = "subscription.paused"
	EventSubscriptionCancelled = "subscription.cancelled"
	EventSubscriptionCompleted = "subscription.completed"
	EventSubscriptionHalted    = "subscription.halted"
)

// Payment event types.
const (
	EventPaymentCaptured = "payment.captured"
	EventPaymentFailed   = "payment.failed"
)

// LifecycleEvent reports a subscription state change.
type LifecycleEvent struct {
	Type           string
	ExternalID     string
	ProviderStatus string
	Correlation    Correlation
	PeriodEnd      *time.Time
}

func (e *LifecycleEvent) EventType() string { return e.Type }

// PaymentEvent reports a captured or failed payment.
type PaymentEvent struct {
	Type          string
	PaymentID     string
	OrderID       string
	ExternalSubID string // empty for one-off payments
	Succeeded     bool
	Correlation   Correlation
}

func (e *PaymentEvent) EventType() string { return e.Type }

// Unrecognized is an authenticated event that is acknowledged and ignored.
type Unrecognized struct {
	Type   string
	Reason string
}

func (e *Unrecognized) EventType() string { return e.Type }
