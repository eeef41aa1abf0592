package integration

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	testKeyID     = "userbar-it-1"
	testIssuerURL = "https://auth.test.userbar.dev"
	testAudience  = "userbar-test"
)

// TestClaims are the caller attributes a host CMS puts in its tokens.
type TestClaims struct {
	Identity string
	Roles    []string
}

type tokenClaims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles,omitempty"`
}

// tokenIssuer stands in for the identity provider: it publishes one RSA
// key on a JWKS endpoint and signs tokens with it.
type tokenIssuer struct {
	key  *rsa.PrivateKey
	jwks *httptest.Server
}

func newTokenIssuer(t *testing.T) *tokenIssuer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate RSA key: %v", err)
	}

	doc, err := json.Marshal(map[string]any{"keys": []map[string]string{{
		"kid": testKeyID,
		"kty": "RSA",
		"use": "sig",
		"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
		"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
	}}})
	if err != nil {
		t.Fatalf("encode JWKS: %v", err)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(doc)
	}))
	t.Cleanup(srv.Close)

	return &tokenIssuer{key: key, jwks: srv}
}

// tokenOption adjusts registered claims before signing.
type tokenOption func(*jwt.RegisteredClaims)

// expiredAnHourAgo backdates the token past the verifier's leeway.
func expiredAnHourAgo(rc *jwt.RegisteredClaims) {
	rc.IssuedAt = jwt.NewNumericDate(time.Now().Add(-2 * time.Hour))
	rc.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
}

// forAudience addresses the token to another relying party.
func forAudience(aud string) tokenOption {
	return func(rc *jwt.RegisteredClaims) { rc.Audience = jwt.ClaimStrings{aud} }
}

// Token signs a token for c, valid for an hour unless opts say otherwise.
func (ti *tokenIssuer) Token(c TestClaims, opts ...tokenOption) string {
	now := time.Now()
	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testIssuerURL,
			Audience:  jwt.ClaimStrings{testAudience},
			Subject:   c.Identity,
			IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
		Roles: c.Roles,
	}
	for _, opt := range opts {
		opt(&claims.RegisteredClaims)
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = testKeyID
	signed, err := tok.SignedString(ti.key)
	if err != nil {
		panic("sign test token: " + err.Error())
	}
	return signed
}

// JWKSURL is the key set endpoint the service verifies against.
func (ti *tokenIssuer) JWKSURL() string { return ti.jwks.URL }
