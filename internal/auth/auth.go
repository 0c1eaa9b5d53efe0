// Package auth adapts the external authentication provider. The sync core
// consumes only a token -> principal result.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

var ErrAuthFailed = errors.New("authentication failed")

type Provider interface {
	Authenticate(token string) (principal string, err error)
}

// HMACProvider accepts tokens of the form "<principal>.<hex sig>" where the
// signature is HMAC-SHA256 over the principal with a shared secret.
type HMACProvider struct {
	secret []byte
}

func NewHMACProvider(secret string) *HMACProvider {
	return &HMACProvider{secret: []byte(secret)}
}

func (p *HMACProvider) Authenticate(token string) (string, error) {
	token = strings.TrimSpace(token)
	i := strings.LastIndexByte(token, '.')
	if i <= 0 || i == len(token)-1 {
		return "", ErrAuthFailed
	}
	principal, sig := token[:i], strings.ToLower(token[i+1:])
	if !hmac.Equal([]byte(sig), []byte(p.Sign(principal))) {
		return "", ErrAuthFailed
	}
	return principal, nil
}

// Sign issues the signature part of a token for a principal.
func (p *HMACProvider) Sign(principal string) string {
	h := hmac.New(sha256.New, p.secret)
	_, _ = h.Write([]byte(principal))
	return hex.EncodeToString(h.Sum(nil))
}

// Token builds a full token for a principal. Handy for tooling and tests.
func (p *HMACProvider) Token(principal string) string {
	return principal + "." + p.Sign(principal)
}

// StaticProvider maps fixed tokens to principals. Test fixture.
type StaticProvider map[string]string

func (p StaticProvider) Authenticate(token string) (string, error) {
	principal, ok := p[strings.TrimSpace(token)]
	if !ok {
		return "", ErrAuthFailed
	}
	return principal, nil
}
