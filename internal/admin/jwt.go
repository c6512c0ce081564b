package admin

import (
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// JWTConfig configures bearer-token authorization.
type JWTConfig struct {
	// Secret verifies HS256/384/512 tokens.
	Secret string
	// PublicKey is a PEM RSA key verifying RS256/384/512 tokens.
	PublicKey string
	Issuer    string
	Audience  []string
	// Scope, when set, must appear in the token's space-separated
	// "scope" claim.
	Scope string
}

// JWTAuthorizer accepts requests with a valid "Authorization: Bearer" token.
type JWTAuthorizer struct {
	parser  *jwt.Parser
	keyFunc jwt.Keyfunc
	scope   string
}

// NewJWTAuthorizer builds an authorizer from cfg. Exactly one of Secret
// and PublicKey must be set.
func NewJWTAuthorizer(cfg JWTConfig) (*JWTAuthorizer, error) {
	var (
		methods []string
		key     any
	)
	switch {
	case cfg.Secret != "" && cfg.PublicKey != "":
		return nil, fmt.Errorf("jwt: set secret or public_key, not both")
	case cfg.Secret != "":
		methods = []string{"HS256", "HS384", "HS512"}
		key = []byte(cfg.Secret)
	case cfg.PublicKey != "":
		pub, err := jwt.ParseRSAPublicKeyFromPEM([]byte(cfg.PublicKey))
		if err != nil {
			return nil, fmt.Errorf("jwt: parsing public key: %w", err)
		}
		methods = []string{"RS256", "RS384", "RS512"}
		key = pub
	default:
		return nil, fmt.Errorf("jwt: secret or public_key is required")
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods(methods), jwt.WithExpirationRequired()}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	a := &JWTAuthorizer{
		parser: jwt.NewParser(opts...),
		scope:  cfg.Scope,
	}
	a.keyFunc = func(*jwt.Token) (any, error) { return key, nil }

	if len(cfg.Audience) > 0 {
		audience := slices.Clone(cfg.Audience)
		inner := a.keyFunc
		a.keyFunc = func(t *jwt.Token) (any, error) {
			aud, _ := t.Claims.GetAudience()
			for _, want := range audience {
				if slices.Contains(aud, want) {
					return inner(t)
				}
			}
			return nil, fmt.Errorf("audience %v not accepted", aud)
		}
	}
	return a, nil
}

func (a *JWTAuthorizer) Authorize(r *http.Request) bool {
	raw, ok := bearer(r)
	if !ok {
		return false
	}
	claims := jwt.MapClaims{}
	token, err := a.parser.ParseWithClaims(raw, claims, a.keyFunc)
	if err != nil || !token.Valid {
		return false
	}
	if a.scope == "" {
		return true
	}
	scopes, _ := claims["scope"].(string)
	return slices.Contains(strings.Fields(scopes), a.scope)
}

func bearer(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return h[7:], true
	}
	return "", false
}

// AnyOf accepts a request when any non-nil authorizer does.
func AnyOf(authorizers ...Authorizer) Authorizer {
	return AuthorizerFunc(func(r *http.Request) bool {
		for _, a := range authorizers {
			if a != nil && a.Authorize(r) {
				return true
			}
		}
		return false
	})
}

