package webhook

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSign_Deterministic(t *testing.T) {
	payload := []byte(`{"id":"e1","tipo":"processado"}`)
	a := Sign("secret", payload)
	b := Sign("secret", payload)
	assert.Equal(t, a, b, "Sign() must be deterministic")
	assert.Len(t, a, 64, "hex-encoded HMAC-SHA256 is 64 chars")
}

func TestSign_DiffersByKeyAndPayload(t *testing.T) {
	payload := []byte(`{"id":"e1"}`)
	assert.NotEqual(t, Sign("secret-a", payload), Sign("secret-b", payload))
	assert.NotEqual(t, Sign("secret", payload), Sign("secret", []byte(`{"id":"e2"}`)))
}

func TestVerifySignature(t *testing.T) {
	payload := []byte(`{"id":"e1"}`)
	sig := Sign("secret", payload)

	assert.True(t, VerifySignature("secret", payload, sig))
	assert.False(t, VerifySignature("wrong", payload, sig), "wrong secret must not verify")
	assert.False(t, VerifySignature("secret", []byte(`{"id":"e2"}`), sig), "tampered payload must not verify")
	assert.False(t, VerifySignature("secret", payload, "not-hex"), "malformed signature must not verify")
}
