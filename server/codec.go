package server

import (
	"errors"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrTokenInvalid is the single verification failure surfaced by the
// codec. Signature, issuer, audience and expiry problems all collapse
// into it so callers cannot probe which check failed.
var ErrTokenInvalid = errors.New("token invalid")

// AccessClaims is the payload of a signed access token.
type AccessClaims struct {
	Scope    string `json:"scope,omitempty"`
	ClientID string `json:"client_id,omitempty"`
	jwt.RegisteredClaims
}

// Codec mints and verifies the JWTs this server issues.
type Codec struct {
	issuer    string
	accessTTL time.Duration
	idTTL     time.Duration
	keys      *KeyManager
	now       func() time.Time
}

// NewCodec wires a codec against the signing keys. issuer must match
// the public URL advertised in the discovery document.
func NewCodec(issuer string, accessTTL, idTTL time.Duration, keys *KeyManager) *Codec {
	return &Codec{
		issuer:    issuer,
		accessTTL: accessTTL,
		idTTL:     idTTL,
		keys:      keys,
		now:       time.Now,
	}
}

// AccessTTL reports the configured access token lifetime.
func (c *Codec) AccessTTL() time.Duration { return c.accessTTL }

// MintAccessToken signs an access token for the user, audience-bound to
// the client, carrying the granted scope and the caller-chosen JWT ID.
func (c *Codec) MintAccessToken(userID, clientID string, scope ScopeSet, jti string) (string, error) {
	now := c.now()
	claims := AccessClaims{
		Scope:    scope.String(),
		ClientID: clientID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.issuer,
			Subject:   userID,
			Audience:  jwt.ClaimStrings{clientID},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.accessTTL)),
			ID:        jti,
		},
	}
	return c.keys.Sign(claims)
}

// MintIDToken signs an OpenID Connect ID token for the subject. extra
// holds the profile claims the granted scope permits; nonce is echoed
// when the authorization request carried one.
func (c *Codec) MintIDToken(subject, clientID, nonce string, extra map[string]any) (string, error) {
	now := c.now()
	claims := jwt.MapClaims{
		"iss": c.issuer,
		"sub": subject,
		"aud": clientID,
		"iat": now.Unix(),
		"exp": now.Add(c.idTTL).Unix(),
	}
	if nonce != "" {
		claims["nonce"] = nonce
	}
	for k, v := range extra {
		claims[k] = v
	}
	return c.keys.Sign(claims)
}

// VerifyAccessToken parses and verifies a token this server signed.
// Signature, issuer, audience and expiry are all checked; the audience
// must carry the client the token was minted for. Any failure returns
// ErrTokenInvalid.
func (c *Codec) VerifyAccessToken(raw string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, c.keys.Keyfunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(c.issuer),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil || !token.Valid {
		return nil, ErrTokenInvalid
	}
	if claims.ClientID == "" || !slices.Contains(claims.Audience, claims.ClientID) {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}
