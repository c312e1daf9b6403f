package revenuecat

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mihaimyh/tiergate/pkg/billing"
	"github.com/mihaimyh/tiergate/pkg/membership"
)

// SignatureHeader carries the optional HMAC signature.
const SignatureHeader = "X-RevenueCat-Signature"

// RevenueCat event types handled by the provider.
const (
	EventInitialPurchase     = "INITIAL_PURCHASE"
	EventRenewal             = "RENEWAL"
	EventUncancellation      = "UNCANCELLATION"
	EventProductChange       = "PRODUCT_CHANGE"
	EventSubscriptionExtend  = "SUBSCRIPTION_EXTENDED"
	EventCancellation        = "CANCELLATION"
	EventExpiration          = "EXPIRATION"
	EventBillingIssue        = "BILLING_ISSUE"
	EventSubscriptionPaused  = "SUBSCRIPTION_PAUSED"
	anonymousAppUserIDPrefix = "$RCAnonymousID:"
)

// eventStatus maps an event type to the ledger status it implies.
// A CANCELLATION only turns off auto-renew; access lasts until EXPIRATION.
var eventStatus = map[string]string{
	EventInitialPurchase:    "active",
	EventRenewal:            "active",
	EventUncancellation:     "active",
	EventProductChange:      "active",
	EventSubscriptionExtend: "active",
	EventCancellation:       "active",
	EventExpiration:         "expired",
	EventBillingIssue:       "halted",
	EventSubscriptionPaused: "paused",
}

// webhookPayload represents the RevenueCat webhook payload structure
type webhookPayload struct {
	Event struct {
		ID                    string   `json:"id"`
		Type                  string   `json:"type"`
		AppUserID             string   `json:"app_user_id"`
		OriginalAppUserID     string   `json:"original_app_user_id"`
		EntitlementID         string   `json:"entitlement_id"`
		EntitlementIDs        []string `json:"entitlement_ids"`
		ProductID             string   `json:"product_id"`
		OriginalTransactionID string   `json:"original_transaction_id"`
		ExpirationAtMs        int64    `json:"expiration_at_ms"`

		SubscriberAttributes map[string]struct {
			Value string `json:"value"`
		} `json:"subscriber_attributes"`
	} `json:"event"`
}

// verifyRequest accepts the shared bearer token in Authorization and,
// when enabled, an HMAC signature header.
func (p *Provider) verifyRequest(body []byte, header http.Header, secret string) error {
	token := strings.TrimSpace(header.Get("Authorization"))
	if len(token) > len("bearer ") && strings.EqualFold(token[:len("bearer ")], "bearer ") {
		token = strings.TrimSpace(token[len("bearer "):])
	}
	if token != "" && subtle.ConstantTimeCompare([]byte(token), []byte(secret)) == 1 {
		return nil
	}

	if p.config.AcceptHMAC {
		expected, err := base64.StdEncoding.DecodeString(strings.TrimSpace(header.Get(SignatureHeader)))
		if err == nil && len(expected) > 0 {
			mac := hmac.New(sha256.New, []byte(secret))
			mac.Write(body)
			if hmac.Equal(expected, mac.Sum(nil)) {
				return nil
			}
		}
	}
	return billing.ErrInvalidWebhookSignature
}

// ParseEvent classifies an authenticated RevenueCat webhook body.
func (p *Provider) ParseEvent(body []byte) (membership.Event, error) {
	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err)
	}
	ev := payload.Event
	eventType := strings.ToUpper(strings.TrimSpace(ev.Type))

	status, ok := eventStatus[eventType]
	if !ok {
		return &membership.Unrecognized{Type: eventType}, nil
	}

	userID := strings.TrimSpace(ev.AppUserID)
	if strings.HasPrefix(userID, anonymousAppUserIDPrefix) {
		userID = ""
	}

	externalID := strings.TrimSpace(ev.OriginalTransactionID)
	if externalID == "" {
		owner := strings.TrimSpace(ev.OriginalAppUserID)
		if owner == "" {
			owner = strings.TrimSpace(ev.AppUserID)
		}
		if owner == "" {
			return &membership.Unrecognized{Type: eventType, Reason: "no subscription id"}, nil
		}
		externalID = "rc:" + owner + ":" + strings.TrimSpace(ev.ProductID)
	}

	var email string
	if attr, ok := ev.SubscriberAttributes["$email"]; ok {
		email = attr.Value
	}

	return &membership.LifecycleEvent{
		Type:           eventType,
		ExternalID:     externalID,
		ProviderStatus: status,
		Correlation: membership.Correlation{
			UserID:   userID,
			Email:    membership.NormalizeEmail(email),
			TierHint: p.tierFor(ev.EntitlementIDs, ev.EntitlementID).String(),
		},
		PeriodEnd: expiration(ev.ExpirationAtMs),
	}, nil
}

// tierFor returns the highest tier any of the entitlements maps to
func (p *Provider) tierFor(ids []string, single string) membership.Tier {
	best := membership.TierNone
	for _, id := range append(ids, single) {
		switch tier := p.MapEntitlementToTier(id); {
		case tier == membership.TierPro:
			return tier
		case tier == membership.TierBasic:
			best = tier
		}
	}
	return best
}

func expiration(ms int64) *time.Time {
	if ms <= 0 {
		return nil
	}
	t := time.UnixMilli(ms).UTC()
	return &t
}
