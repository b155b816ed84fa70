package server

import (
	"context"
	"crypto/ed25519"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/quillspace/quill/internal/types"
)

// identity is what authentication attaches to the request context.
type identity struct {
	Author types.AuthorID
	// Label is the caller's clearance when the token carries one. Nil means
	// unlabeled (public-only for classified material).
	Label *types.Label
	Scope string
}

type contextKey int

const identityKey contextKey = iota

// callerFrom pulls the authenticated identity out of the context.
func callerFrom(ctx context.Context) (identity, bool) {
	id, ok := ctx.Value(identityKey).(identity)
	return id, ok
}

// Authenticator verifies EdDSA bearer tokens. In dev mode an explicit
// X-Author-Id header substitutes for a token.
type Authenticator struct {
	publicKey        ed25519.PublicKey
	issuer           string
	allowDevIdentity bool
}

// NewAuthenticator parses the base64-encoded SPKI Ed25519 public key.
func NewAuthenticator(publicKeyB64, issuer string, allowDevIdentity bool) (*Authenticator, error) {
	a := &Authenticator{issuer: issuer, allowDevIdentity: allowDevIdentity}
	if publicKeyB64 == "" {
		if !allowDevIdentity {
			return nil, fmt.Errorf("auth requires a public key unless dev identity is enabled")
		}
		return a, nil
	}
	der, err := base64.StdEncoding.DecodeString(publicKeyB64)
	if err != nil {
		return nil, fmt.Errorf("decode auth public key: %w", err)
	}
	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse auth public key: %w", err)
	}
	key, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("auth public key is %T, want Ed25519", parsed)
	}
	a.publicKey = key
	return a, nil
}

// tokenClaims is the required claim set plus the optional clearance label.
type tokenClaims struct {
	jwt.RegisteredClaims
	Scope        string   `json:"scope"`
	Level        string   `json:"level,omitempty"`
	Compartments []string `json:"compartments,omitempty"`
}

// Middleware authenticates the request and stores the caller identity in the
// context. Unauthenticated requests stop here with 401.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := a.authenticate(r)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="quill"`)
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey, id)))
	})
}

func (a *Authenticator) authenticate(r *http.Request) (identity, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		if a.allowDevIdentity {
			if dev := r.Header.Get("X-Author-Id"); dev != "" {
				author, err := types.ParseAuthorID(dev)
				if err != nil {
					return identity{}, fmt.Errorf("invalid dev identity: %w", err)
				}
				return identity{Author: author}, nil
			}
		}
		return identity{}, fmt.Errorf("missing bearer token")
	}

	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return identity{}, fmt.Errorf("authorization header is not a bearer token")
	}
	if a.publicKey == nil {
		return identity{}, fmt.Errorf("token auth not configured")
	}

	var claims tokenClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
		}
		return a.publicKey, nil
	},
		jwt.WithIssuer(a.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithValidMethods([]string{"EdDSA"}),
	)
	if err != nil {
		return identity{}, fmt.Errorf("invalid token: %w", err)
	}
	if claims.Subject == "" || claims.NotBefore == nil || claims.IssuedAt == nil || claims.Scope == "" {
		return identity{}, fmt.Errorf("token missing required claims")
	}

	author, err := types.ParseAuthorID(claims.Subject)
	if err != nil {
		return identity{}, fmt.Errorf("token subject is not an author id: %w", err)
	}

	id := identity{Author: author, Scope: claims.Scope}
	if claims.Level != "" {
		level, err := types.ParseClassificationLevel(claims.Level)
		if err != nil {
			return identity{}, err
		}
		id.Label = &types.Label{Level: level, Compartments: claims.Compartments}
	}
	return id, nil
}
