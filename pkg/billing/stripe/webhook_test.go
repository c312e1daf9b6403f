package stripe_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/tiergate/pkg/billing"
	"github.com/mihaimyh/tiergate/pkg/billing/stripe"
	"github.com/mihaimyh/tiergate/pkg/membership"
	"github.com/mihaimyh/tiergate/storage/memory"
)

const (
	testWebhookSecret = "whsec_test_secret"
	testUserID        = "test-user-123"
	testPriceIDBasic  = "price_basic_monthly"
	testPriceIDPro    = "price_pro_monthly"
)

func newProvider(t *testing.T) (*stripe.Provider, *memory.Storage) {
	t.Helper()
	storage := memory.New()
	rec, err := membership.NewReconciler(storage, membership.DefaultConfig())
	require.NoError(t, err)

	p, err := stripe.NewProvider(stripe.Config{
		Config: billing.Config{
			Reconciler:    rec,
			WebhookSecret: testWebhookSecret,
		},
		TierMapping: map[string]membership.Tier{
			testPriceIDBasic: membership.TierBasic,
			testPriceIDPro:   membership.TierPro,
		},
	})
	require.NoError(t, err)

	require.NoError(t, storage.CreateUser(context.Background(), &membership.User{
		ID: testUserID, Email: "buyer@example.com", IsActive: true,
	}))
	return p, storage
}

func eventBody(eventType string, object string) string {
	return `{"id":"evt_1","object":"event","type":"` + eventType + `","created":1735689600,"data":{"object":` + object + `}}`
}

func subscriptionObject(status, priceID string, metadata string) string {
	return `{"id":"sub_123","object":"subscription","status":"` + status + `",` +
		`"metadata":` + metadata + `,` +
		`"items":{"object":"list","data":[{"id":"si_1","object":"subscription_item","current_period_end":1738368000,` +
		`"price":{"id":"` + priceID + `","object":"price"}}]}}`
}

func sendSigned(t *testing.T, p *stripe.Provider, body string, secret string) (*httptest.ResponseRecorder, billing.WebhookResponse) {
	t.Helper()
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(body),
		Secret:    secret,
		Timestamp: time.Now(),
	})

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(body))
	req.Header.Set(stripe.SignatureHeader, signed.Header)
	rec := httptest.NewRecorder()
	p.WebhookHandler().ServeHTTP(rec, req)

	var out billing.WebhookResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	return rec, out
}

func userTier(t *testing.T, storage *memory.Storage) membership.Tier {
	t.Helper()
	u, err := storage.GetUser(context.Background(), testUserID)
	require.NoError(t, err)
	return u.Tier
}

func TestWebhook_SubscriptionLifecycle(t *testing.T) {
	p, storage := newProvider(t)
	meta := `{"user_id":"` + testUserID + `"}`

	rec, out := sendSigned(t, p, eventBody(stripe.EventSubscriptionCreated, subscriptionObject("active", testPriceIDPro, meta)), testWebhookSecret)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, stripe.EventSubscriptionCreated, out.Handled)
	assert.Equal(t, membership.TierPro, userTier(t, storage))

	sub, err := storage.GetSubscription(context.Background(), "sub_123")
	require.NoError(t, err)
	require.NotNil(t, sub.CurrentPeriodEnd)
	assert.Equal(t, time.Unix(1738368000, 0).UTC(), *sub.CurrentPeriodEnd)

	rec, _ = sendSigned(t, p, eventBody(stripe.EventSubscriptionPaused, subscriptionObject("paused", testPriceIDPro, meta)), testWebhookSecret)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, membership.TierPro, userTier(t, storage))

	// deleted events carry the last known status; the ledger records canceled
	rec, _ = sendSigned(t, p, eventBody(stripe.EventSubscriptionDeleted, subscriptionObject("active", testPriceIDPro, meta)), testWebhookSecret)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, membership.TierNone, userTier(t, storage))

	sub, err = storage.GetSubscription(context.Background(), "sub_123")
	require.NoError(t, err)
	assert.Equal(t, "canceled", sub.Status)
}

func TestWebhook_MetadataTierWinsOverPrice(t *testing.T) {
	p, storage := newProvider(t)
	meta := `{"email":"Buyer@Example.com","tier":"basic"}`

	rec, _ := sendSigned(t, p, eventBody(stripe.EventSubscriptionCreated, subscriptionObject("trialing", testPriceIDPro, meta)), testWebhookSecret)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, membership.TierBasic, userTier(t, storage))
}

func TestWebhook_InvalidSignature(t *testing.T) {
	p, storage := newProvider(t)
	body := eventBody(stripe.EventSubscriptionCreated, subscriptionObject("active", testPriceIDPro, `{"user_id":"`+testUserID+`"}`))

	rec, _ := sendSigned(t, p, body, "whsec_wrong")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, membership.TierNone, userTier(t, storage))

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(body))
	rec = httptest.NewRecorder()
	p.WebhookHandler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhook_InvoicePaymentSucceeded(t *testing.T) {
	p, storage := newProvider(t)

	invoice := `{"id":"in_1","object":"invoice","customer_email":"buyer@example.com",` +
		`"parent":{"subscription_details":{"subscription":"sub_123","metadata":{"tier":"PRO"}}}}`

	rec, out := sendSigned(t, p, eventBody(stripe.EventInvoicePaymentPaid, invoice), testWebhookSecret)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, stripe.EventInvoicePaymentPaid, out.Handled)
	assert.Equal(t, membership.TierPro, userTier(t, storage))
}

func TestWebhook_InvoicePaymentFailedKeepsTier(t *testing.T) {
	p, storage := newProvider(t)
	require.NoError(t, storage.SetUserTier(context.Background(), testUserID, membership.TierBasic))

	invoice := `{"id":"in_2","object":"invoice","subscription":{"id":"sub_123"},"metadata":{"user_id":"` + testUserID + `"}}`
	rec, _ := sendSigned(t, p, eventBody(stripe.EventInvoicePaymentFailed, invoice), testWebhookSecret)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, membership.TierBasic, userTier(t, storage))
}

func TestWebhook_UnhandledEventIgnored(t *testing.T) {
	p, _ := newProvider(t)

	rec, out := sendSigned(t, p, eventBody("charge.refunded", `{"id":"ch_1","object":"charge"}`), testWebhookSecret)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "charge.refunded", out.Ignored)
}
