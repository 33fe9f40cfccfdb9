package handler

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
)

// signatureHeader carries the base64 HMAC-SHA256 of the raw webhook body,
// computed by the platform with the shared app secret.
const signatureHeader = "X-Shopify-Hmac-Sha256"

// verifySignature checks the webhook body against its signature header
// using a constant-time comparison. An empty secret never verifies.
func verifySignature(secret, body []byte, header string) bool {
	if len(secret) == 0 || header == "" {
		return false
	}

	got, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(body)

	return hmac.Equal(mac.Sum(nil), got)
}
