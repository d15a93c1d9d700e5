package loyalty_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/loyalty-engine/loyalty"
)

var signNow = time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

func TestSign_Verify_RoundTrip(t *testing.T) {
	secrets := loyalty.SigningSecrets{Secret: "whsec_current", KeyID: "key-1"}
	body := []byte(`{"orderId":"o-1","redeemApplied":30}`)

	sig, ok := loyalty.Sign(secrets, body, signNow)
	require.True(t, ok)
	assert.Equal(t, "key-1", sig.KeyID)
	assert.Equal(t, signNow.Unix(), sig.Timestamp)
	assert.Contains(t, sig.Header, "v1,ts=")

	err := loyalty.Verify(secrets, sig.Header, body, signNow, 5*time.Minute)
	assert.NoError(t, err)
}

func TestVerify_RejectsTamperedBody(t *testing.T) {
	secrets := loyalty.SigningSecrets{Secret: "whsec_current"}
	body := []byte(`{"redeemApplied":30}`)

	sig, ok := loyalty.Sign(secrets, body, signNow)
	require.True(t, ok)

	err := loyalty.Verify(secrets, sig.Header, []byte(`{"redeemApplied":3000}`), signNow, 5*time.Minute)
	assert.Error(t, err)
}

func TestVerify_TimestampTolerance(t *testing.T) {
	// GIVEN: A signature from ten minutes ago
	// WHEN: Verifying with a five-minute tolerance
	// THEN: The signature is rejected as a replay

	secrets := loyalty.SigningSecrets{Secret: "whsec_current"}
	body := []byte(`{}`)

	sig, _ := loyalty.Sign(secrets, body, signNow)

	err := loyalty.Verify(secrets, sig.Header, body, signNow.Add(10*time.Minute), 5*time.Minute)
	assert.Error(t, err)

	err = loyalty.Verify(secrets, sig.Header, body, signNow.Add(2*time.Minute), 5*time.Minute)
	assert.NoError(t, err)
}

// =============================================================================
// ROTATION
// =============================================================================

func TestRotation_VerifyAcceptsEitherSecret(t *testing.T) {
	// GIVEN: A merchant mid-rotation (next secret configured, flip not done)
	// WHEN: A payload was signed with the next secret by another instance
	// THEN: Verification still accepts it

	secrets := loyalty.SigningSecrets{
		Secret: "whsec_old", KeyID: "key-1",
		SecretNext: "whsec_new", KeyIDNext: "key-2",
	}
	body := []byte(`{"orderId":"o-1"}`)

	sigNext, ok := loyalty.Sign(loyalty.SigningSecrets{Secret: "whsec_new"}, body, signNow)
	require.True(t, ok)

	assert.NoError(t, loyalty.Verify(secrets, sigNext.Header, body, signNow, time.Minute))
}

func TestRotation_UseNextFlipsSigningKey(t *testing.T) {
	secrets := loyalty.SigningSecrets{
		Secret: "whsec_old", KeyID: "key-1",
		SecretNext: "whsec_new", KeyIDNext: "key-2",
		UseNext: true,
	}
	body := []byte(`{}`)

	sig, ok := loyalty.Sign(secrets, body, signNow)
	require.True(t, ok)
	assert.Equal(t, "key-2", sig.KeyID)

	// Only the next secret verifies it now.
	assert.Error(t, loyalty.Verify(loyalty.SigningSecrets{Secret: "whsec_old"}, sig.Header, body, signNow, time.Minute))
	assert.NoError(t, loyalty.Verify(loyalty.SigningSecrets{Secret: "whsec_new"}, sig.Header, body, signNow, time.Minute))
}

func TestSign_NoSecretConfigured(t *testing.T) {
	_, ok := loyalty.Sign(loyalty.SigningSecrets{}, []byte(`{}`), signNow)
	assert.False(t, ok, "unsigned merchants get no headers, not an error")
}

func TestVerify_MalformedHeaders(t *testing.T) {
	secrets := loyalty.SigningSecrets{Secret: "whsec"}
	for _, header := range []string{
		"",
		"v1",
		"v2,ts=1,sig=abc",
		"v1,ts=abc,sig=xyz",
		"v1,ts=123",
	} {
		assert.Error(t, loyalty.Verify(secrets, header, []byte(`{}`), signNow, 0), "header %q", header)
	}
}
