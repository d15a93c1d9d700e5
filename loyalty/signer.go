/*
signer.go - HMAC signing of outbound confirmations

PURPOSE:
  Commit and refund responses carry a detached signature so the POS
  bridge can prove the payload came from this service. The signature
  covers the response body bound to a timestamp.

FORMAT:
  X-Loyalty-Signature: v1,ts=<unix>,sig=<base64 HMAC-SHA256(secret, ts + "." + body)>
  X-Signature-Timestamp: <unix>
  X-Signature-Key-Id: <key id, when the merchant has one>

ROTATION:
  Merchant settings hold a current and a next secret. While
  UseWebhookNext is unset, signing uses the current secret and
  verification accepts either, so receivers can be migrated before the
  flip. Setting the flag promotes the next secret for signing.

SEE ALSO:
  - api/handlers.go: attaches these headers after commit/refund
*/
package loyalty

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const signatureVersion = "v1"

// Signature is a computed detached signature.
type Signature struct {
	Header    string // full X-Loyalty-Signature value
	Timestamp int64
	KeyID     string
}

// SigningSecrets is the rotation-aware secret set from merchant settings.
type SigningSecrets struct {
	Secret     string
	KeyID      string
	SecretNext string
	KeyIDNext  string
	UseNext    bool
}

// SecretsFrom extracts the signing material from merchant settings.
func SecretsFrom(s MerchantSettings) SigningSecrets {
	return SigningSecrets{
		Secret:     s.WebhookSecret,
		KeyID:      s.WebhookKeyID,
		SecretNext: s.WebhookSecretNext,
		KeyIDNext:  s.WebhookKeyIDNext,
		UseNext:    s.UseWebhookNext,
	}
}

// active returns the secret/key-id pair used for signing.
func (s SigningSecrets) active() (string, string) {
	if s.UseNext && s.SecretNext != "" {
		return s.SecretNext, s.KeyIDNext
	}
	return s.Secret, s.KeyID
}

// Sign computes the signature over body at now. The second return is
// false when the merchant has no signing secret configured; the caller
// then simply omits the headers.
func Sign(secrets SigningSecrets, body []byte, now time.Time) (Signature, bool) {
	secret, keyID := secrets.active()
	if secret == "" {
		return Signature{}, false
	}
	ts := now.Unix()
	sig := computeHMAC(secret, ts, body)
	return Signature{
		Header:    fmt.Sprintf("%s,ts=%d,sig=%s", signatureVersion, ts, sig),
		Timestamp: ts,
		KeyID:     keyID,
	}, true
}

// Verify checks a received signature header against the body, accepting
// either the current or the next secret and enforcing a timestamp
// tolerance window against replays.
func Verify(secrets SigningSecrets, header string, body []byte, now time.Time, tolerance time.Duration) error {
	ts, sig, err := parseSignatureHeader(header)
	if err != nil {
		return err
	}
	if tolerance > 0 {
		drift := now.Sub(time.Unix(ts, 0))
		if drift < 0 {
			drift = -drift
		}
		if drift > tolerance {
			return fmt.Errorf("signature timestamp outside tolerance")
		}
	}
	for _, secret := range []string{secrets.Secret, secrets.SecretNext} {
		if secret == "" {
			continue
		}
		if hmac.Equal([]byte(sig), []byte(computeHMAC(secret, ts, body))) {
			return nil
		}
	}
	return fmt.Errorf("signature mismatch")
}

func computeHMAC(secret string, ts int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func parseSignatureHeader(header string) (ts int64, sig string, err error) {
	parts := strings.Split(header, ",")
	if len(parts) != 3 || parts[0] != signatureVersion {
		return 0, "", fmt.Errorf("malformed signature header")
	}
	for _, p := range parts[1:] {
		switch {
		case strings.HasPrefix(p, "ts="):
			ts, err = strconv.ParseInt(p[3:], 10, 64)
			if err != nil {
				return 0, "", fmt.Errorf("malformed signature timestamp")
			}
		case strings.HasPrefix(p, "sig="):
			sig = p[4:]
		default:
			return 0, "", fmt.Errorf("malformed signature header")
		}
	}
	if ts == 0 || sig == "" {
		return 0, "", fmt.Errorf("malformed signature header")
	}
	return ts, sig, nil
}
