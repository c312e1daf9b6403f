package revenuecat

import (
	"net/http"
	"strings"
	"time"

	"github.com/mihaimyh/tiergate/pkg/billing"
	"github.com/mihaimyh/tiergate/pkg/billing/internal"
	"github.com/mihaimyh/tiergate/pkg/membership"
)

const (
	providerName             = "revenuecat"
	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 100
)

// Config extends billing.Config with RevenueCat-specific options
type Config struct {
	billing.Config

	// TierMapping maps RevenueCat entitlement ids to tiers
	// (e.g. {"premium": PRO, "plus": BASIC}). Unmapped entitlements grant nothing.
	TierMapping map[string]membership.Tier

	// AcceptHMAC also accepts a base64 HMAC-SHA256 of the body in
	// X-RevenueCat-Signature, keyed by WebhookSecret
	AcceptHMAC bool
}

// Provider implements billing.Provider for RevenueCat (mobile store subscriptions).
type Provider struct {
	config      Config
	tierMapping map[string]membership.Tier // lower-cased entitlement id -> tier
	handler     http.Handler
}

// NewProvider creates a new RevenueCat billing provider
func NewProvider(config Config) (*Provider, error) {
	if config.Reconciler == nil {
		return nil, billing.ErrProviderNotConfigured
	}
	config.Config = config.WithDefaults()
	if config.RateLimit.Requests == 0 {
		config.RateLimit = billing.RateLimitConfig{
			Requests: defaultRateLimitRequests,
			Window:   defaultRateLimitWindow,
		}
	}

	// The dashboard shows the token as "Bearer xyz"; accept it either way.
	secret := strings.TrimSpace(config.WebhookSecret)
	if strings.HasPrefix(strings.ToLower(secret), "bearer ") {
		secret = strings.TrimSpace(secret[len("bearer "):])
	}
	if secret == "" {
		config.Logger.Warn("revenuecat webhook secret not set, all webhooks will be rejected")
	}

	tierMapping := make(map[string]membership.Tier, len(config.TierMapping))
	for k, v := range config.TierMapping {
		tierMapping[strings.ToLower(strings.TrimSpace(k))] = membership.NormalizeTier(string(v))
	}

	p := &Provider{
		config:      config,
		tierMapping: tierMapping,
	}

	pipeline := &internal.WebhookPipeline{
		Provider: providerName,
		Secret:   secret,
		Verify:   p.verifyRequest,
		Parse:    p.ParseEvent,
		Applier:  config.Reconciler,
		Metrics:  config.Metrics,
		Logger:   config.Logger,
		MaxBody:  config.MaxBodyBytes,
	}
	p.handler = pipeline.Handler(config.RateLimit)

	return p, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for RevenueCat webhooks
func (p *Provider) WebhookHandler() http.Handler {
	return p.handler
}

// MapEntitlementToTier returns the tier for a RevenueCat entitlement id,
// or NONE when it is not mapped.
func (p *Provider) MapEntitlementToTier(entitlementID string) membership.Tier {
	if tier, ok := p.tierMapping[strings.ToLower(strings.TrimSpace(entitlementID))]; ok {
		return tier
	}
	return membership.TierNone
}
