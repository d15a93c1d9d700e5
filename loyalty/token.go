/*
token.go - Redeem token resolution

PURPOSE:
  A quote identifies the customer either by a signed QR token (a short
  lived HS256 JWT minted by the customer app) or by a 9-digit short
  code the cashier types in. This file parses and verifies both.

JWT CLAIMS:
  sub  customer id
  aud  merchant id, or "any" for merchant-agnostic tokens
  jti  nonce recorded on first use (anti-replay)
  exp  expiry; also bounds the hold TTL

SEE ALSO:
  - quote.go: consumes ResolvedToken, records the jti
  - errors.go: ErrTokenInvalid / ErrTokenUsed
*/
package loyalty

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AudienceAny marks a token valid at any merchant.
const AudienceAny = "any"

// ResolvedToken is the outcome of parsing a customer token.
type ResolvedToken struct {
	CustomerID string
	Jti        string    // empty for short codes
	ExpiresAt  time.Time // zero for short codes
	FromJWT    bool
}

// LooksLikeJWT reports whether the string has JWT shape (three dot
// separated segments). Used to route between JWT and short-code paths.
func LooksLikeJWT(s string) bool {
	return strings.Count(s, ".") == 2 && len(s) > 20
}

// looksLikeShortCode accepts the 9-digit cashier-entered code.
func looksLikeShortCode(s string) bool {
	if len(s) != 9 {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// ResolveToken verifies a customer token for the given merchant.
//
// With requireJWT set, short codes are rejected: merchants that enforce
// signed tokens never fall back to the weaker identifier. A JWT must be
// HS256-signed with the merchant's QR secret, unexpired, and scoped to
// this merchant (aud == merchantID or "any").
func ResolveToken(token, merchantID, secret string, requireJWT bool, now time.Time) (ResolvedToken, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return ResolvedToken{}, Validationf("userToken", "empty token")
	}

	if !LooksLikeJWT(token) {
		if requireJWT {
			return ResolvedToken{}, fmt.Errorf("%w: merchant requires a signed token", ErrTokenInvalid)
		}
		if !looksLikeShortCode(token) {
			return ResolvedToken{}, fmt.Errorf("%w: not a JWT or short code", ErrTokenInvalid)
		}
		return ResolvedToken{CustomerID: token}, nil
	}

	claims := jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return []byte(secret), nil
	}, jwt.WithTimeFunc(func() time.Time { return now }))
	if err != nil || !parsed.Valid {
		return ResolvedToken{}, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	if claims.Subject == "" {
		return ResolvedToken{}, fmt.Errorf("%w: missing subject", ErrTokenInvalid)
	}
	if !audienceAllows(claims.Audience, merchantID) {
		return ResolvedToken{}, fmt.Errorf("%w: token not issued for this merchant", ErrTokenInvalid)
	}

	out := ResolvedToken{
		CustomerID: claims.Subject,
		Jti:        claims.ID,
		FromJWT:    true,
	}
	if claims.ExpiresAt != nil {
		out.ExpiresAt = claims.ExpiresAt.Time
	}
	return out, nil
}

func audienceAllows(aud jwt.ClaimStrings, merchantID string) bool {
	if len(aud) == 0 {
		return false
	}
	for _, a := range aud {
		if a == merchantID || a == AudienceAny {
			return true
		}
	}
	return false
}

// MintQRToken issues a customer QR token. Primarily used by tests and
// the registration flow; production tokens come from the customer app
// with the same claims.
func MintQRToken(customerID, merchantID, secret string, jti string, ttl time.Duration, now time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   customerID,
		Audience:  jwt.ClaimStrings{merchantID},
		ID:        jti,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
