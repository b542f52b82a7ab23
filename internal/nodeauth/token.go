// Package nodeauth implements the signed bearer scheme used between
// federation peers: HMAC-SHA256 over a compact claims payload, verified in
// constant time, with clock-skew tolerance and rotation grace.
package nodeauth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Verification errors.
var (
	ErrMalformed    = errors.New("malformed token")
	ErrBadSignature = errors.New("invalid token signature")
	ErrExpired      = errors.New("token expired")
	ErrNotYetValid  = errors.New("token not yet valid")
)

// Claims binds a bearer token to one node and a validity window.
type Claims struct {
	NodeSlug  string `json:"node_slug"`
	IssuedAt  int64  `json:"issued_at"`
	ExpiresAt int64  `json:"expires_at"`
}

// Sign produces a bearer token for slug, valid for ttl from now, signed with
// the shared secret. Format: base64url(claims JSON) "." base64url(hmac).
func Sign(secret, slug string, ttl time.Duration, now time.Time) (string, error) {
	if secret == "" {
		return "", errors.New("sign: empty secret")
	}
	claims := Claims{
		NodeSlug:  slug,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(ttl).Unix(),
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("sign: marshal claims: %w", err)
	}
	encoded := base64.RawURLEncoding.EncodeToString(payload)
	return encoded + "." + signPart(secret, encoded), nil
}

func signPart(secret, encodedPayload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(encodedPayload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// Verify checks a token against each candidate secret (current first, then
// previous within the rotation grace window). Signature comparison is
// constant-time per candidate. skew widens the validity window on both ends.
func Verify(token string, secrets []string, now time.Time, skew time.Duration) (Claims, error) {
	encoded, sig, ok := strings.Cut(token, ".")
	if !ok || encoded == "" || sig == "" {
		return Claims{}, ErrMalformed
	}

	var signed bool
	for _, secret := range secrets {
		if secret == "" {
			continue
		}
		want := signPart(secret, encoded)
		if hmac.Equal([]byte(want), []byte(sig)) {
			signed = true
			break
		}
	}
	if !signed {
		return Claims{}, ErrBadSignature
	}

	payload, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return Claims{}, ErrMalformed
	}
	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return Claims{}, ErrMalformed
	}
	if claims.NodeSlug == "" || claims.ExpiresAt == 0 {
		return Claims{}, ErrMalformed
	}

	if now.Add(skew).Unix() < claims.IssuedAt {
		return Claims{}, ErrNotYetValid
	}
	if now.Add(-skew).Unix() >= claims.ExpiresAt {
		return Claims{}, ErrExpired
	}
	return claims, nil
}

// PeekSlug extracts the node slug from a token WITHOUT verifying the
// signature. The caller uses it to look up the node's secrets and must then
// call Verify.
func PeekSlug(token string) (string, error) {
	encoded, _, ok := strings.Cut(token, ".")
	if !ok || encoded == "" {
		return "", ErrMalformed
	}
	payload, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return "", ErrMalformed
	}
	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return "", ErrMalformed
	}
	if claims.NodeSlug == "" {
		return "", ErrMalformed
	}
	return claims.NodeSlug, nil
}

// NewSecret returns a fresh 32-byte random secret, hex-encoded. Used for
// api_key / refresh_token rotation.
func NewSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// GraceSecrets returns the candidate secrets for verification: the current
// secret always, plus the previous one while inside the rotation grace
// window.
func GraceSecrets(current, previous string, rotatedAtNs int64, grace time.Duration, now time.Time) []string {
	if previous == "" || rotatedAtNs == 0 {
		return []string{current}
	}
	if now.Sub(time.Unix(0, rotatedAtNs)) > grace {
		return []string{current}
	}
	return []string{current, previous}
}
