package razorpay

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/mihaimyh/tiergate/pkg/billing"
)

// SignatureHeader carries the hex HMAC of the raw webhook body.
const SignatureHeader = "X-Razorpay-Signature"

// VerifySignature reports whether signature is the hex HMAC-SHA256 of body
// under secret. Bytes are compared in constant time. An empty signature or
// secret, or a signature that is not valid hex, never verifies.
func VerifySignature(body []byte, signature, secret string) bool {
	signature = strings.TrimSpace(signature)
	if signature == "" || secret == "" {
		return false
	}

	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), got)
}

// Sign returns the hex signature Razorpay would send for body.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func verifyRequest(body []byte, header http.Header, secret string) error {
	if !VerifySignature(body, header.Get(SignatureHeader), secret) {
		return billing.ErrInvalidWebhookSignature
	}
	return nil
}
