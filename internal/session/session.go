// Package session seals and opens the credentials shared by the backend
// and the web proxy. Access tokens are JSON claims encrypted and
// authenticated with NaCl secretbox under a key derived from the
// configured secret. The proxy stores the same kind of sealed value in
// its session cookie.
package session

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"
)

// ErrInvalidToken covers every token that cannot be trusted: malformed,
// tampered, sealed under another key, or expired.
var ErrInvalidToken = errors.New("invalid or expired token")

// ErrNoSecret is returned by NewSealer for an empty secret.
var ErrNoSecret = errors.New("session secret is not configured")

// Claims identify the caller of a request.
type Claims struct {
	UserID    string    `json:"sub"`
	Email     string    `json:"email,omitempty"`
	Role      string    `json:"role"`
	ExpiresAt time.Time `json:"exp"`
}

// Expired reports whether the claims are past their expiry at now.
func (c Claims) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

const nonceSize = 24

// Sealer seals values under one derived key.
type Sealer struct {
	key [32]byte
	ttl time.Duration
	now func() time.Time
}

// NewSealer derives a secretbox key from secret using HKDF-SHA256 with
// a fixed purpose label. ttl is the default claims lifetime.
func NewSealer(secret string, ttl time.Duration) (*Sealer, error) {
	if secret == "" {
		return nil, ErrNoSecret
	}
	s := &Sealer{ttl: ttl, now: time.Now}
	kdf := hkdf.New(sha256.New, []byte(secret), nil, []byte("agrifarm session v1"))
	if _, err := io.ReadFull(kdf, s.key[:]); err != nil {
		return nil, fmt.Errorf("derive session key: %w", err)
	}
	return s, nil
}

// TTL returns the default claims lifetime.
func (s *Sealer) TTL() time.Duration { return s.ttl }

// Issue fills in ExpiresAt from the sealer's TTL and seals the claims.
func (s *Sealer) Issue(c Claims) (string, error) {
	if c.ExpiresAt.IsZero() {
		c.ExpiresAt = s.now().Add(s.ttl).UTC().Truncate(time.Second)
	}
	return s.Seal(c)
}

// Seal encrypts claims into a URL-safe token.
func (s *Sealer) Seal(c Claims) (string, error) {
	if c.UserID == "" {
		return "", errors.New("seal: claims without user id")
	}
	return s.SealValue(c)
}

// Open decrypts and validates a token produced by Seal.
func (s *Sealer) Open(token string) (Claims, error) {
	var c Claims
	if err := s.OpenValue(token, &c); err != nil {
		return Claims{}, err
	}
	if c.UserID == "" || c.Expired(s.now()) {
		return Claims{}, ErrInvalidToken
	}
	return c, nil
}

// SealValue encrypts any JSON-encodable value.
func (s *Sealer) SealValue(v any) (string, error) {
	plain, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("seal: %w", err)
	}
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("seal: nonce: %w", err)
	}
	box := secretbox.Seal(nonce[:], plain, &nonce, &s.key)
	return base64.RawURLEncoding.EncodeToString(box), nil
}

// OpenValue decrypts a value sealed by SealValue into v.
func (s *Sealer) OpenValue(token string, v any) error {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(token))
	if err != nil || len(raw) < nonceSize+secretbox.Overhead {
		return ErrInvalidToken
	}
	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])
	plain, ok := secretbox.Open(nil, raw[nonceSize:], &nonce, &s.key)
	if !ok {
		return ErrInvalidToken
	}
	if err := json.Unmarshal(plain, v); err != nil {
		return ErrInvalidToken
	}
	return nil
}

// BearerToken returns the token from an "Authorization: Bearer" header,
// or "".
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}
