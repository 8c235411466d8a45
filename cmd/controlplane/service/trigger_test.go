package service

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
)

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"order":42}`)

	assert.True(t, VerifySignature("s3cret", body, sign("s3cret", body)))
}

func TestVerifySignatureRejects(t *testing.T) {
	body := []byte(`{"order":42}`)

	tests := []struct {
		name   string
		header string
	}{
		{"wrong secret", sign("other", body)},
		{"missing prefix", "deadbeef"},
		{"not hex", "sha256=zzzz"},
		{"empty header", ""},
		{"tampered body", sign("s3cret", []byte(`{"order":43}`))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.False(t, VerifySignature("s3cret", body, tt.header))
		})
	}
}

func TestIdempotencyKeyPrefersHeader(t *testing.T) {
	assert.Equal(t, "client-key-1", IdempotencyKey("client-key-1", []byte("body")))
}

func TestIdempotencyKeyFallsBackToBodyHash(t *testing.T) {
	body := []byte(`{"a":1}`)
	sum := sha256.Sum256(body)

	assert.Equal(t, hex.EncodeToString(sum[:]), IdempotencyKey("", body))
}

func TestWebhookInput(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"object passes through", `{"a":1}`, `{"a":1}`},
		{"array wrapped", `[1,2]`, `{"body":[1,2]}`},
		{"scalar wrapped", `7`, `{"body":7}`},
		{"invalid json wrapped as string", `not json`, `{"body":"not json"}`},
		{"empty body", ``, `{}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.JSONEq(t, tt.want, string(webhookInput([]byte(tt.body))))
		})
	}
}
