package razorpay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/mihaimyh/tiergate/pkg/billing"
	"github.com/mihaimyh/tiergate/pkg/membership"
)

const (
	// DefaultBaseURL is the Razorpay REST API root
	DefaultBaseURL = "https://api.razorpay.com"

	subscriptionsEndpoint = "/v1/subscriptions"

	// monthly plans are created with a long horizon; users cancel explicitly
	defaultTotalCount = 120
)

// PlanResolver maps a tier to the provider plan id.
// *membership.SettingsRegistry implements it.
type PlanResolver interface {
	PlanID(t membership.Tier) (string, error)
}

// ClientConfig configures outbound Razorpay API calls.
type ClientConfig struct {
	billing.Config

	// BaseURL overrides DefaultBaseURL (tests)
	BaseURL string

	// Plans resolves the plan id for a requested tier
	Plans PlanResolver

	// FailureThreshold is the number of consecutive failures that opens
	// the breaker (default 5); ResetTimeout is how long it stays open (default 30s)
	FailureThreshold uint32
	ResetTimeout     time.Duration
}

// Client creates subscriptions through the Razorpay REST API.
type Client struct {
	config  ClientConfig
	breaker *gobreaker.CircuitBreaker[*SubscriptionResponse]
}

// SubscriptionResponse is the subset of the Razorpay subscription entity the client reads.
type SubscriptionResponse struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	ShortURL string `json:"short_url"`
	PlanID   string `json:"plan_id"`
}

type createSubscriptionRequest struct {
	PlanID         string            `json:"plan_id"`
	CustomerNotify int               `json:"customer_notify"`
	Quantity       int               `json:"quantity"`
	TotalCount     int               `json:"total_count"`
	Notes          map[string]string `json:"notes"`
}

type apiError struct {
	Error struct {
		Code        string `json:"code"`
		Description string `json:"description"`
	} `json:"error"`
}

// NewClient creates a Razorpay API client. Key id, key secret and a plan
// resolver are required.
func NewClient(config ClientConfig) (*Client, error) {
	config.APIKey = strings.TrimSpace(config.APIKey)
	config.APISecret = strings.TrimSpace(config.APISecret)
	if config.APIKey == "" || config.APISecret == "" || config.Plans == nil {
		return nil, billing.ErrProviderNotConfigured
	}
	config.Config = config.WithDefaults()
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	if config.FailureThreshold == 0 {
		config.FailureThreshold = 5
	}
	if config.ResetTimeout == 0 {
		config.ResetTimeout = 30 * time.Second
	}

	logger := config.Logger
	breaker := gobreaker.NewCircuitBreaker[*SubscriptionResponse](gobreaker.Settings{
		Name:    providerName,
		Timeout: config.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			// client-side rejections say nothing about provider health
			return err == nil || errors.Is(err, billing.ErrProviderAPIError)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("razorpay circuit breaker state changed",
				membership.Field{Key: "name", Value: name},
				membership.Field{Key: "from", Value: from.String()},
				membership.Field{Key: "to", Value: to.String()})
		},
	})

	return &Client{config: config, breaker: breaker}, nil
}

// CreateSubscription creates a Razorpay subscription for the requested tier.
// The user id, tier and email are stored as notes so the webhooks that
// follow can be linked back to the user.
func (c *Client) CreateSubscription(ctx context.Context, req billing.SubscriptionRequest) (*billing.SubscriptionResult, error) {
	tier := membership.NormalizeTier(string(req.Tier))
	if tier != membership.TierBasic && tier != membership.TierPro {
		return nil, fmt.Errorf("%w: %q", billing.ErrTierNotConfigured, req.Tier)
	}

	planID, err := c.config.Plans.PlanID(tier)
	if err != nil {
		return nil, err
	}

	payload := createSubscriptionRequest{
		PlanID:         planID,
		CustomerNotify: 1,
		Quantity:       1,
		TotalCount:     defaultTotalCount,
		Notes: map[string]string{
			"userId": req.UserID,
			"tier":   tier.String(),
			"email":  membership.NormalizeEmail(req.Email),
		},
	}

	start := time.Now()
	resp, err := c.breaker.Execute(func() (*SubscriptionResponse, error) {
		return c.post(ctx, subscriptionsEndpoint, payload)
	})
	c.config.Metrics.RecordAPICallDuration(providerName, subscriptionsEndpoint, time.Since(start))
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			c.config.Metrics.RecordAPICall(providerName, subscriptionsEndpoint, "circuit_open")
			return nil, fmt.Errorf("%w: %v", billing.ErrProviderAPIError, err)
		}
		// wrapped outside Execute so the breaker still counts it as a failure
		if !errors.Is(err, billing.ErrProviderAPIError) {
			err = fmt.Errorf("%w: %w", billing.ErrProviderAPIError, err)
		}
		return nil, err
	}

	result := &billing.SubscriptionResult{
		SubscriptionID: resp.ID,
		Status:         resp.Status,
		ShortURL:       resp.ShortURL,
		PlanID:         resp.PlanID,
	}
	if result.PlanID == "" {
		result.PlanID = planID
	}

	c.config.Logger.Info("razorpay subscription created",
		membership.Field{Key: "user_id", Value: req.UserID},
		membership.Field{Key: "tier", Value: tier.String()},
		membership.Field{Key: "subscription_id", Value: resp.ID})

	return result, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any) (*SubscriptionResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.SetBasicAuth(c.config.APIKey, c.config.APISecret)

	httpResp, err := c.config.HTTPClient.Do(httpReq)
	if err != nil {
		c.config.Metrics.RecordAPICall(providerName, endpoint, "error")
		return nil, fmt.Errorf("razorpay request failed: %w", err)
	}
	defer httpResp.Body.Close()

	c.config.Metrics.RecordAPICall(providerName, endpoint, strconv.Itoa(httpResp.StatusCode))

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("razorpay response read failed: %w", err)
	}

	if httpResp.StatusCode >= http.StatusInternalServerError {
		return nil, fmt.Errorf("razorpay returned %d", httpResp.StatusCode)
	}
	if httpResp.StatusCode >= http.StatusBadRequest {
		var apiErr apiError
		desc := "razorpay error"
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error.Description != "" {
			desc = apiErr.Error.Description
		}
		return nil, fmt.Errorf("%w: %s (status %d)", billing.ErrProviderAPIError, desc, httpResp.StatusCode)
	}

	var out SubscriptionResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("razorpay response decode failed: %w", err)
	}
	return &out, nil
}
