package capture

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

const signaturePrefix = "sha256="

// ErrUnauthorized is returned when a signed endpoint receives a call with a
// missing or wrong signature.
var ErrUnauthorized = errors.New("invalid or missing signature")

// Sign returns "sha256=" followed by the lowercase hex HMAC-SHA256 of body,
// keyed with secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks signature against the expected value for body in
// constant time. An empty signature always fails.
func VerifySignature(body []byte, signature, secret string) error {
	if signature == "" {
		return ErrUnauthorized
	}
	if !hmac.Equal([]byte(signature), []byte(Sign(secret, body))) {
		return ErrUnauthorized
	}
	return nil
}
