package stripe

import (
	"net/http"
	"strings"
	"time"

	"github.com/mihaimyh/tiergate/pkg/billing"
	"github.com/mihaimyh/tiergate/pkg/billing/internal"
	"github.com/mihaimyh/tiergate/pkg/membership"
)

const (
	providerName             = "stripe"
	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 100
)

// Config extends billing.Config with Stripe-specific options
type Config struct {
	billing.Config

	// TierMapping maps Stripe price or product IDs to tiers. It is consulted
	// when a subscription carries no "tier" metadata.
	TierMapping map[string]membership.Tier
}

// Provider implements the billing.Provider interface for Stripe
type Provider struct {
	config      Config
	tierMapping map[string]membership.Tier // lower-cased price/product ID -> tier
	handler     http.Handler
}

// NewProvider creates a new Stripe billing provider
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

	tierMapping := make(map[string]membership.Tier, len(config.TierMapping))
	for k, v := range config.TierMapping {
		tierMapping[strings.ToLower(strings.TrimSpace(k))] = membership.NormalizeTier(string(v))
	}

	p := &Provider{
		config:      config,
		tierMapping: tierMapping,
	}

	secret := strings.TrimSpace(config.WebhookSecret)
	if secret == "" {
		config.Logger.Warn("stripe webhook secret not set, all webhooks will be rejected")
	}

	pipeline := &internal.WebhookPipeline{
		Provider: providerName,
		Secret:   secret,
		Verify:   verifyRequest,
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

// WebhookHandler returns the HTTP handler for Stripe webhooks
func (p *Provider) WebhookHandler() http.Handler {
	return p.handler
}

// MapPriceToTier maps a Stripe price or product ID to a tier.
// Unknown IDs map to NONE.
func (p *Provider) MapPriceToTier(priceID string) membership.Tier {
	if tier, ok := p.tierMapping[strings.ToLower(strings.TrimSpace(priceID))]; ok {
		return tier
	}
	return membership.TierNone
}
