package server

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func newKeyedAuthenticator(t *testing.T) (*Authenticator, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	spki, err := x509.MarshalPKIXPublicKey(pub)
	require.NoError(t, err)
	auth, err := NewAuthenticator(base64.StdEncoding.EncodeToString(spki), "quill", false)
	require.NoError(t, err)
	return auth, priv
}

func signToken(t *testing.T, priv ed25519.PrivateKey, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(priv)
	require.NoError(t, err)
	return token
}

func fullClaims(sub string) jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"sub":   sub,
		"iss":   "quill",
		"iat":   now.Unix(),
		"nbf":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
		"scope": "notebooks",
	}
}

func TestAuthenticateValidToken(t *testing.T) {
	auth, priv := newKeyedAuthenticator(t)
	sub := strings.Repeat("ab", 32)

	req := httptest.NewRequest("GET", "/notebooks", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, priv, fullClaims(sub)))

	id, err := auth.authenticate(req)
	require.NoError(t, err)
	require.Equal(t, sub, id.Author.String())
	require.Equal(t, "notebooks", id.Scope)
	require.Nil(t, id.Label)
}

func TestAuthenticateLabelClaims(t *testing.T) {
	auth, priv := newKeyedAuthenticator(t)
	claims := fullClaims(strings.Repeat("ab", 32))
	claims["level"] = "SECRET"
	claims["compartments"] = []string{"alpha"}

	req := httptest.NewRequest("GET", "/notebooks", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, priv, claims))

	id, err := auth.authenticate(req)
	require.NoError(t, err)
	require.NotNil(t, id.Label)
	require.Equal(t, "SECRET", id.Label.Level.String())
	require.Equal(t, []string{"alpha"}, id.Label.Compartments)
}

func TestAuthenticateRejections(t *testing.T) {
	auth, priv := newKeyedAuthenticator(t)
	sub := strings.Repeat("ab", 32)

	cases := []struct {
		name  string
		mould func(jwt.MapClaims)
	}{
		{"expired", func(c jwt.MapClaims) { c["exp"] = time.Now().Add(-time.Hour).Unix() }},
		{"wrong issuer", func(c jwt.MapClaims) { c["iss"] = "someone-else" }},
		{"missing scope", func(c jwt.MapClaims) { delete(c, "scope") }},
		{"missing nbf", func(c jwt.MapClaims) { delete(c, "nbf") }},
		{"bad subject", func(c jwt.MapClaims) { c["sub"] = "not-hex" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			claims := fullClaims(sub)
			tc.mould(claims)
			req := httptest.NewRequest("GET", "/notebooks", nil)
			req.Header.Set("Authorization", "Bearer "+signToken(t, priv, claims))
			_, err := auth.authenticate(req)
			require.Error(t, err)
		})
	}

	// Wrong key entirely.
	_, otherPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	req := httptest.NewRequest("GET", "/notebooks", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, otherPriv, fullClaims(sub)))
	_, err = auth.authenticate(req)
	require.Error(t, err)
}

func TestDevIdentityGate(t *testing.T) {
	// Disabled: the header is ignored.
	auth, _ := newKeyedAuthenticator(t)
	req := httptest.NewRequest("GET", "/notebooks", nil)
	req.Header.Set("X-Author-Id", strings.Repeat("ab", 32))
	_, err := auth.authenticate(req)
	require.Error(t, err)

	// Enabled: the header authenticates.
	devAuth, err := NewAuthenticator("", "quill", true)
	require.NoError(t, err)
	id, err := devAuth.authenticate(req)
	require.NoError(t, err)
	require.Equal(t, strings.Repeat("ab", 32), id.Author.String())
}
