package billing

import (
	"context"
	"net/http"

	"github.com/mihaimyh/tiergate/pkg/membership"
)

// Provider is the generic interface that any billing backend must implement.
// Each provider verifies and classifies its own notifications and hands the
// resulting membership events to the same reconciler.
type Provider interface {
	// Name returns the provider name (e.g., "razorpay", "stripe")
	Name() string

	// WebhookHandler returns the HTTP handler that processes real-time events.
	// The implementation handles verification, classification and reconciliation internally.
	WebhookHandler() http.Handler
}

// SubscriptionCreator is implemented by providers that can open a
// subscription on behalf of a user.
type SubscriptionCreator interface {
	// CreateSubscription creates a provider subscription whose correlation
	// data (user id, tier, email) is echoed back on every later webhook.
	CreateSubscription(ctx context.Context, req SubscriptionRequest) (*SubscriptionResult, error)
}

// EventApplier applies classified events. *membership.Reconciler implements it.
type EventApplier interface {
	Apply(ctx context.Context, event membership.Event) (*membership.Outcome, error)
}

// SubscriptionRequest asks a provider to open a subscription for a user.
type SubscriptionRequest struct {
	UserID string
	Email  string
	Tier   membership.Tier
}

// SubscriptionResult is what the provider returned for a new subscription.
type SubscriptionResult struct {
	SubscriptionID string `json:"subscriptionId"`
	Status         string `json:"status"`
	ShortURL       string `json:"shortUrl,omitempty"`
	PlanID         string `json:"planId"`
}
