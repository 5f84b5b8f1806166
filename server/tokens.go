package server

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TokenService issues, rotates, revokes and introspects tokens. Access
// tokens are signed JWTs; refresh tokens are opaque "<grant id>.<secret>"
// strings whose secret is stored only as a SHA-256 hash.
type TokenService struct {
	grants     GrantStore
	codec      *Codec
	users      UserDirectory
	refreshTTL time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// NewTokenService wires the token lifecycle against its dependencies.
func NewTokenService(grants GrantStore, codec *Codec, users UserDirectory, refreshTTL time.Duration, logger *slog.Logger) *TokenService {
	return &TokenService{
		grants:     grants,
		codec:      codec,
		users:      users,
		refreshTTL: refreshTTL,
		logger:     logger,
		now:        time.Now,
	}
}

// MintForCode issues the token set for a consumed authorization code.
func (s *TokenService) MintForCode(ctx context.Context, code AuthorizationCode) (TokenResponse, error) {
	return s.mint(ctx, code.UserID, code.ClientID, code.Scope, code.Nonce, true)
}

func (s *TokenService) mint(ctx context.Context, userID, clientID string, scope ScopeSet, nonce string, withRefresh bool) (TokenResponse, error) {
	now := s.now()
	grantID := uuid.NewString()
	jti := uuid.NewString()

	access, err := s.codec.MintAccessToken(userID, clientID, scope, jti)
	if err != nil {
		return TokenResponse{}, err
	}

	grant := TokenGrant{
		ID:               grantID,
		UserID:           userID,
		ClientID:         clientID,
		Scope:            scope.Clone(),
		AccessTokenID:    jti,
		IssuedAt:         now,
		ExpiresAt:        now.Add(s.codec.AccessTTL()),
		RefreshExpiresAt: now.Add(s.codec.AccessTTL()),
	}

	resp := TokenResponse{
		AccessToken: access,
		TokenType:   "Bearer",
		ExpiresIn:   int64(s.codec.AccessTTL() / time.Second),
		Scope:       scope.String(),
	}

	if withRefresh {
		secret, err := randomToken(32)
		if err != nil {
			return TokenResponse{}, err
		}
		grant.RefreshTokenHash = hashSecret(secret)
		grant.RefreshExpiresAt = now.Add(s.refreshTTL)
		resp.RefreshToken = grantID + "." + secret
	}

	if err := s.grants.Save(ctx, grant); err != nil {
		return TokenResponse{}, err
	}

	if scope.Contains("openid") {
		user, err := s.users.GetUser(ctx, userID)
		if err != nil {
			return TokenResponse{}, err
		}
		idToken, err := s.codec.MintIDToken(userID, clientID, nonce, AuthClaims(user, scope))
		if err != nil {
			return TokenResponse{}, err
		}
		resp.IDToken = idToken
	}

	s.logger.Info("tokens issued",
		"grant_id", grantID, "client_id", clientID, "user_id", userID, "scope", scope.String())
	return resp, nil
}

// Refresh rotates a refresh token: the presented token is retired and a
// fresh grant with the same user, client and scope replaces it. Every
// validation failure is invalid_grant.
func (s *TokenService) Refresh(ctx context.Context, refreshToken, clientID string) (TokenResponse, error) {
	grantID, secret, ok := splitRefreshToken(refreshToken)
	if !ok {
		return TokenResponse{}, NewError(ErrorInvalidGrant, "refresh token invalid")
	}

	grant, err := s.grants.Find(ctx, grantID)
	if errors.Is(err, ErrNotFound) {
		return TokenResponse{}, NewError(ErrorInvalidGrant, "refresh token invalid")
	}
	if err != nil {
		return TokenResponse{}, err
	}

	now := s.now()
	switch {
	case grant.ClientID != clientID,
		grant.Revoked,
		grant.RefreshTokenHash == "",
		grant.RefreshExpiresAt.Before(now),
		subtle.ConstantTimeCompare([]byte(grant.RefreshTokenHash), []byte(hashSecret(secret))) != 1:
		return TokenResponse{}, NewError(ErrorInvalidGrant, "refresh token invalid")
	}

	won, err := s.grants.RevokeIfActive(ctx, grant.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return TokenResponse{}, err
	}
	if err != nil || !won {
		return TokenResponse{}, NewError(ErrorInvalidGrant, "refresh token invalid")
	}

	s.logger.Info("refresh token rotated", "grant_id", grant.ID, "client_id", clientID)
	return s.mint(ctx, grant.UserID, grant.ClientID, grant.Scope, "", true)
}

// MintClientCredentials issues an access token to the client itself.
// Public clients cannot use this grant, and no refresh token is issued.
func (s *TokenService) MintClientCredentials(ctx context.Context, client Client, requested ScopeSet) (TokenResponse, error) {
	if client.Public {
		return TokenResponse{}, NewError(ErrorUnauthorizedClient, "public clients cannot use client_credentials")
	}
	if requested.Empty() {
		requested = client.Scopes.Clone()
	}
	scope := requested.Intersect(client.Scopes)
	return s.mint(ctx, client.ID, client.ID, scope, "", false)
}

// Revoke retires the grant behind the presented token. Per RFC 7009 the
// call succeeds even when the token is unknown, malformed, or already
// revoked; only a token belonging to another client is refused.
func (s *TokenService) Revoke(ctx context.Context, token, clientID string) error {
	grant, err := s.resolveGrant(ctx, token)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if grant.ClientID != clientID {
		return NewError(ErrorInvalidClient, "token was not issued to this client")
	}
	won, err := s.grants.RevokeIfActive(ctx, grant.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if won {
		s.logger.Info("grant revoked", "grant_id", grant.ID, "client_id", clientID)
	}
	return nil
}

// Introspect reports the state of a token per RFC 7662. Anything not
// verifiably active is {"active": false} with no further detail.
func (s *TokenService) Introspect(ctx context.Context, token string) map[string]any {
	inactive := map[string]any{"active": false}
	now := s.now()

	if grantID, secret, ok := splitRefreshToken(token); ok {
		grant, err := s.grants.Find(ctx, grantID)
		if err != nil ||
			grant.Revoked ||
			grant.RefreshTokenHash == "" ||
			grant.RefreshExpiresAt.Before(now) ||
			subtle.ConstantTimeCompare([]byte(grant.RefreshTokenHash), []byte(hashSecret(secret))) != 1 {
			return inactive
		}
		return map[string]any{
			"active":     true,
			"token_type": "refresh_token",
			"client_id":  grant.ClientID,
			"sub":        grant.UserID,
			"scope":      grant.Scope.String(),
			"iat":        grant.IssuedAt.Unix(),
			"exp":        grant.RefreshExpiresAt.Unix(),
		}
	}

	claims, err := s.codec.VerifyAccessToken(token)
	if err != nil {
		return inactive
	}
	grant, err := s.grants.FindByAccessTokenID(ctx, claims.ID)
	if err != nil || grant.Revoked {
		return inactive
	}
	return map[string]any{
		"active":     true,
		"token_type": "Bearer",
		"client_id":  claims.ClientID,
		"sub":        claims.Subject,
		"scope":      claims.Scope,
		"iat":        claims.IssuedAt.Unix(),
		"exp":        claims.ExpiresAt.Unix(),
		"jti":        claims.ID,
	}
}

// resolveGrant maps a presented token, refresh or access, to its grant.
func (s *TokenService) resolveGrant(ctx context.Context, token string) (TokenGrant, error) {
	if grantID, secret, ok := splitRefreshToken(token); ok {
		grant, err := s.grants.Find(ctx, grantID)
		if err != nil {
			return TokenGrant{}, err
		}
		if grant.RefreshTokenHash == "" ||
			subtle.ConstantTimeCompare([]byte(grant.RefreshTokenHash), []byte(hashSecret(secret))) != 1 {
			return TokenGrant{}, ErrNotFound
		}
		return grant, nil
	}
	claims, err := s.codec.VerifyAccessToken(token)
	if err != nil {
		return TokenGrant{}, ErrNotFound
	}
	return s.grants.FindByAccessTokenID(ctx, claims.ID)
}

// splitRefreshToken recognizes the opaque refresh form. Signed access
// tokens have three dot segments, so two segments identifies a refresh
// token unambiguously.
func splitRefreshToken(token string) (grantID, secret string, ok bool) {
	parts := strings.Split(token, ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func randomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
