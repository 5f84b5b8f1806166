package server

import "time"

// Client records a registered OAuth application. Registration and
// ownership live outside this server; the engine reads these fields
// only.
type Client struct {
	ID           string
	Name         string
	SecretHash   string
	RedirectURIs []string
	Scopes       ScopeSet
	Active       bool
	Public       bool
}

// AuthorizationCode is a single-use credential binding a consented
// authorization to (user, client, redirect URI, scope) plus the PKCE
// challenge and nonce supplied at authorization time.
type AuthorizationCode struct {
	Code                string
	UserID              string
	ClientID            string
	RedirectURI         string
	Scope               ScopeSet
	CodeChallenge       string
	CodeChallengeMethod string
	Nonce               string
	CreatedAt           time.Time
	ExpiresAt           time.Time
	Used                bool
}

// TokenGrant is one issued access/refresh pair. The refresh token is
// presented to clients as "<grant id>.<secret>"; only the secret's hash
// is stored. Revocation is terminal.
type TokenGrant struct {
	ID               string
	UserID           string
	ClientID         string
	Scope            ScopeSet
	AccessTokenID    string
	RefreshTokenHash string
	IssuedAt         time.Time
	ExpiresAt        time.Time
	RefreshExpiresAt time.Time
	Revoked          bool
}

// AccessType is the override verdict on a UserAccessGrant.
type AccessType string

const (
	AccessAllowed AccessType = "allowed"
	AccessDenied  AccessType = "denied"
)

// PermissionGroup is the per-client default policy: whether users with
// no explicit override are allowed, and which scopes the client may
// obtain under that default. One group per client, created lazily.
type PermissionGroup struct {
	ClientID       string
	Name           string
	Description    string
	DefaultAllowed bool
	Scopes         ScopeSet
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// UserAccessGrant is the per-(user, client) override. At most one
// record per pair; an expired record is treated as absent and purged
// lazily on read.
type UserAccessGrant struct {
	UserID       string
	ClientID     string
	Access       AccessType
	CustomScopes ScopeSet
	ExpiresAt    time.Time
	GrantedBy    string
	GrantedAt    time.Time
	Notes        string
}

// Expired reports whether the override has lapsed. A zero ExpiresAt
// means the override never expires.
func (g UserAccessGrant) Expired(now time.Time) bool {
	return !g.ExpiresAt.IsZero() && g.ExpiresAt.Before(now)
}

// User is the read-side projection of the external user directory.
type User struct {
	ID                  string
	Username            string
	PasswordHash        string
	Email               string
	EmailVerified       bool
	Name                string
	GivenName           string
	FamilyName          string
	PreferredUsername   string
	Picture             string
	Locale              string
	Zoneinfo            string
	PhoneNumber         string
	PhoneNumberVerified bool
	Active              bool
}

// TokenResponse matches the OAuth token endpoint payload.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
}

// AccessDecision is the permission engine's verdict for one
// (user, client, requested scopes) question.
type AccessDecision struct {
	Granted          ScopeSet
	Denied           ScopeSet
	Reason           string
	RequiresApproval bool
}

// HasPermission reports whether at least one requested scope was
// granted.
func (d AccessDecision) HasPermission() bool {
	return !d.Granted.Empty()
}
