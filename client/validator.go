// Package client verifies access tokens issued by the authorization
// server, for use inside resource servers.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

// Options configures a Verifier.
type Options struct {
	// Issuer is the authorization server's issuer URL. When set, tokens
	// from any other issuer are rejected.
	Issuer string

	// JWKSURL is where the server publishes its signing keys. Defaults
	// to Issuer + "/jwks.json".
	JWKSURL string

	// Audience restricts accepted tokens to one audience when set.
	Audience string

	// CacheTTL bounds how long a fetched key set is reused. Defaults to
	// five minutes.
	CacheTTL time.Duration

	// IntrospectionURL enables the optional Introspect call.
	IntrospectionURL string

	// IntrospectionAuth is sent as the Authorization header on
	// introspection requests.
	IntrospectionAuth string

	HTTPClient *http.Client
}

// TokenClaims is the verified view of an access token.
type TokenClaims struct {
	Subject   string
	Issuer    string
	ClientID  string
	TokenID   string
	Scopes    []string
	ExpiresAt time.Time
	IssuedAt  time.Time
}

// Verifier checks access token signatures against the server's JWKS,
// caching the key set between requests.
type Verifier struct {
	opts   Options
	client *http.Client

	mu      sync.RWMutex
	keys    jose.JSONWebKeySet
	expires time.Time
}

// NewVerifier builds a verifier with defaults filled in.
func NewVerifier(opts Options) *Verifier {
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 5 * time.Minute
	}
	if opts.JWKSURL == "" && opts.Issuer != "" {
		opts.JWKSURL = strings.TrimRight(opts.Issuer, "/") + "/jwks.json"
	}
	return &Verifier{opts: opts, client: opts.HTTPClient}
}

// Verify checks the token's signature, issuer, audience and expiry.
func (v *Verifier) Verify(ctx context.Context, raw string) (*TokenClaims, error) {
	if raw == "" {
		return nil, errors.New("token required")
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithLeeway(30*time.Second),
	)
	claims := jwt.MapClaims{}
	token, err := parser.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		return v.keyFor(ctx, kid)
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("token invalid")
	}
	return v.checkClaims(claims)
}

// keyFor resolves a signing key, refetching the JWKS once on a kid
// miss so a freshly rotated key is picked up immediately.
func (v *Verifier) keyFor(ctx context.Context, kid string) (any, error) {
	v.mu.RLock()
	keys, fresh := v.keys, time.Now().Before(v.expires)
	v.mu.RUnlock()

	if fresh {
		if key := findKey(keys, kid); key != nil {
			return key.Key, nil
		}
	}
	keys, err := v.fetchJWKS(ctx)
	if err != nil {
		return nil, err
	}
	if key := findKey(keys, kid); key != nil {
		return key.Key, nil
	}
	return nil, fmt.Errorf("signing key %q not found", kid)
}

func (v *Verifier) fetchJWKS(ctx context.Context) (jose.JSONWebKeySet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.opts.JWKSURL, nil)
	if err != nil {
		return jose.JSONWebKeySet{}, err
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return jose.JSONWebKeySet{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return jose.JSONWebKeySet{}, fmt.Errorf("jwks fetch failed: %s", resp.Status)
	}
	var set jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return jose.JSONWebKeySet{}, err
	}

	v.mu.Lock()
	v.keys = set
	v.expires = time.Now().Add(v.opts.CacheTTL)
	v.mu.Unlock()
	return set, nil
}

func (v *Verifier) checkClaims(mc jwt.MapClaims) (*TokenClaims, error) {
	iss, _ := mc["iss"].(string)
	if v.opts.Issuer != "" && iss != v.opts.Issuer {
		return nil, errors.New("issuer mismatch")
	}
	sub, _ := mc["sub"].(string)
	if sub == "" {
		return nil, errors.New("sub missing")
	}
	if v.opts.Audience != "" && !hasAudience(mc["aud"], v.opts.Audience) {
		return nil, errors.New("audience rejected")
	}

	scope, _ := mc["scope"].(string)
	clientID, _ := mc["client_id"].(string)
	jti, _ := mc["jti"].(string)

	return &TokenClaims{
		Subject:   sub,
		Issuer:    iss,
		ClientID:  clientID,
		TokenID:   jti,
		Scopes:    strings.Fields(scope),
		ExpiresAt: unixClaim(mc["exp"]),
		IssuedAt:  unixClaim(mc["iat"]),
	}, nil
}

// HasScopes reports whether the claims carry every required scope.
func (c *TokenClaims) HasScopes(required ...string) bool {
	have := make(map[string]struct{}, len(c.Scopes))
	for _, s := range c.Scopes {
		have[s] = struct{}{}
	}
	for _, need := range required {
		if _, ok := have[need]; !ok {
			return false
		}
	}
	return true
}

type claimsKey struct{}

// RequireAuth is middleware that verifies the bearer token and attaches
// the claims to the request context.
func RequireAuth(v *Verifier, requiredScopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				http.Error(w, "invalid authorization header", http.StatusUnauthorized)
				return
			}
			claims, err := v.Verify(r.Context(), parts[1])
			if err != nil {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			if !claims.HasScopes(requiredScopes...) {
				http.Error(w, "insufficient scope", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r.WithContext(
				context.WithValue(r.Context(), claimsKey{}, claims)))
		})
	}
}

// ClaimsFromContext retrieves claims attached by RequireAuth.
func ClaimsFromContext(ctx context.Context) (*TokenClaims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(*TokenClaims)
	return claims, ok
}

// Introspect asks the server about a token's state, covering the opaque
// refresh tokens local verification cannot handle.
func (v *Verifier) Introspect(ctx context.Context, token string) (map[string]any, error) {
	if v.opts.IntrospectionURL == "" {
		return nil, errors.New("introspection not configured")
	}
	form := url.Values{"token": {token}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.opts.IntrospectionURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if v.opts.IntrospectionAuth != "" {
		req.Header.Set("Authorization", v.opts.IntrospectionAuth)
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("introspection failed: %s", resp.Status)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	return body, nil
}

func findKey(set jose.JSONWebKeySet, kid string) *jose.JSONWebKey {
	for i := range set.Keys {
		if kid == "" || set.Keys[i].KeyID == kid {
			return &set.Keys[i]
		}
	}
	return nil
}

func hasAudience(val any, expected string) bool {
	switch aud := val.(type) {
	case string:
		return aud == expected
	case []any:
		for _, item := range aud {
			if s, ok := item.(string); ok && s == expected {
				return true
			}
		}
	case []string:
		for _, s := range aud {
			if s == expected {
				return true
			}
		}
	}
	return false
}

func unixClaim(val any) time.Time {
	switch v := val.(type) {
	case float64:
		return time.Unix(int64(v), 0)
	case json.Number:
		i, _ := v.Int64()
		return time.Unix(i, 0)
	case int64:
		return time.Unix(v, 0)
	default:
		return time.Time{}
	}
}
