package server

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// IssueRequest carries everything bound into an authorization code.
type IssueRequest struct {
	UserID              string
	ClientID            string
	RedirectURI         string
	Scope               ScopeSet
	CodeChallenge       string
	CodeChallengeMethod string
	Nonce               string
}

// CodeService issues and redeems single-use authorization codes.
type CodeService struct {
	codes   CodeStore
	tokens  *TokenService
	codeTTL time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

// NewCodeService wires code issuance against the code store and the
// token service that redeems codes into tokens.
func NewCodeService(codes CodeStore, tokens *TokenService, codeTTL time.Duration, logger *slog.Logger) *CodeService {
	return &CodeService{
		codes:   codes,
		tokens:  tokens,
		codeTTL: codeTTL,
		logger:  logger,
		now:     time.Now,
	}
}

// Issue mints a fresh authorization code bound to the request.
func (s *CodeService) Issue(ctx context.Context, req IssueRequest) (string, error) {
	code, err := randomToken(32)
	if err != nil {
		return "", err
	}
	now := s.now()
	record := AuthorizationCode{
		Code:                code,
		UserID:              req.UserID,
		ClientID:            req.ClientID,
		RedirectURI:         req.RedirectURI,
		Scope:               req.Scope.Clone(),
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		Nonce:               req.Nonce,
		CreatedAt:           now,
		ExpiresAt:           now.Add(s.codeTTL),
	}
	if err := s.codes.Save(ctx, record); err != nil {
		return "", err
	}
	s.logger.Info("authorization code issued",
		"client_id", req.ClientID, "user_id", req.UserID, "scope", req.Scope.String())
	return code, nil
}

// Exchange redeems a code for tokens. The client, redirect and PKCE
// checks run against an unconsumed read, so a rejected attempt leaves
// the code redeemable; the atomic claim is the final gate before
// minting, so concurrent redemptions still have exactly one winner.
func (s *CodeService) Exchange(ctx context.Context, code, clientID, redirectURI, codeVerifier string) (TokenResponse, error) {
	record, err := s.codes.Find(ctx, code)
	if errors.Is(err, ErrNotFound) {
		return TokenResponse{}, NewError(ErrorInvalidGrant, "authorization code invalid")
	}
	if err != nil {
		return TokenResponse{}, err
	}

	if record.ClientID != clientID {
		return TokenResponse{}, NewError(ErrorInvalidClient, "code was issued to another client")
	}
	if record.RedirectURI != redirectURI {
		return TokenResponse{}, NewError(ErrorInvalidGrant, "redirect_uri mismatch")
	}
	if record.CodeChallenge != "" {
		if !VerifyPKCE(codeVerifier, record.CodeChallenge, record.CodeChallengeMethod) {
			return TokenResponse{}, NewError(ErrorInvalidGrant, "code verifier rejected")
		}
	} else if codeVerifier != "" {
		return TokenResponse{}, NewError(ErrorInvalidGrant, "code verifier rejected")
	}

	record, err = s.codes.ClaimUnused(ctx, code, s.now())
	if errors.Is(err, ErrNotFound) {
		return TokenResponse{}, NewError(ErrorInvalidGrant, "authorization code invalid")
	}
	if err != nil {
		return TokenResponse{}, err
	}
	return s.tokens.MintForCode(ctx, record)
}
