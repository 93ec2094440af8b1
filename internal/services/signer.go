package services

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/qrpayhq/qrpay-gobackend/internal/models"
)

// SignPayload returns the hex HMAC-SHA256 of payload under secret.
func SignPayload(payload, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyPayload reports whether signature is the MAC of payload under
// secret, in constant time.
func VerifyPayload(payload, secret []byte, signature string) bool {
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// CanonicalQRPayload serializes the QR payload deterministically: JSON
// with the struct's declared field order.
func CanonicalQRPayload(p models.QRPayload) ([]byte, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize payload: %w", err)
	}
	return body, nil
}

// NewSecret generates a 256-bit random secret, hex encoded.
func NewSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// MaskSecret renders a secret safe for API responses and logs: first
// and last four characters with the middle elided.
func MaskSecret(secret string) string {
	if len(secret) <= 8 {
		return "****"
	}
	return secret[:4] + "****" + secret[len(secret)-4:]
}
