package server

import (
	"context"
	"time"
)

// Store aggregates the persistence surfaces the engine depends on.
// Implementations must be safe for concurrent use.
type Store interface {
	Codes() CodeStore
	Grants() GrantStore
	Permissions() PermissionStore
	Close() error
}

// CodeStore persists authorization codes.
type CodeStore interface {
	// Save stores a freshly issued code.
	Save(ctx context.Context, code AuthorizationCode) error

	// Find returns the code record without consuming it, used or not;
	// ErrNotFound when absent. Expiry is the caller's concern.
	Find(ctx context.Context, code string) (AuthorizationCode, error)

	// ClaimUnused atomically marks the code used and returns it. When
	// the code is missing, already used, or expired at now, it returns
	// ErrNotFound. Under concurrent claims of the same code exactly one
	// caller wins.
	ClaimUnused(ctx context.Context, code string, now time.Time) (AuthorizationCode, error)

	// DeleteExpired removes codes whose expiry is before now and
	// reports how many were removed.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// GrantStore persists token grants.
type GrantStore interface {
	Save(ctx context.Context, grant TokenGrant) error

	// Find returns the grant by ID, revoked or not; ErrNotFound when
	// absent.
	Find(ctx context.Context, id string) (TokenGrant, error)

	// FindByAccessTokenID returns the grant whose access token carries
	// the given JWT ID.
	FindByAccessTokenID(ctx context.Context, jti string) (TokenGrant, error)

	// RevokeIfActive marks the grant revoked and reports whether this
	// call performed the transition. Already-revoked grants return
	// false with no error; missing grants return ErrNotFound.
	RevokeIfActive(ctx context.Context, id string) (bool, error)

	// DeleteExpired removes grants whose refresh expiry is before now.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// PermissionStore persists per-client permission groups and per-user
// access overrides.
type PermissionStore interface {
	// Group returns the client's permission group; ErrNotFound when the
	// client has none.
	Group(ctx context.Context, clientID string) (PermissionGroup, error)

	// SaveGroup inserts or replaces the client's group.
	SaveGroup(ctx context.Context, group PermissionGroup) error

	// Access returns the override for (userID, clientID); ErrNotFound
	// when absent. Expiry is the caller's concern.
	Access(ctx context.Context, userID, clientID string) (UserAccessGrant, error)

	// SaveAccess inserts or replaces the override for the grant's
	// (user, client) pair.
	SaveAccess(ctx context.Context, grant UserAccessGrant) error

	// DeleteAccess removes the override; deleting a missing override is
	// not an error.
	DeleteAccess(ctx context.Context, userID, clientID string) error

	// AccessByClient lists all overrides recorded for a client.
	AccessByClient(ctx context.Context, clientID string) ([]UserAccessGrant, error)

	// ListAccessForUser lists all overrides recorded for a user.
	ListAccessForUser(ctx context.Context, userID string) ([]UserAccessGrant, error)

	// DefaultAllowedGroups lists the clients whose group admits users
	// by default.
	DefaultAllowedGroups(ctx context.Context) ([]PermissionGroup, error)

	// DeleteExpiredAccess removes overrides expired at now.
	DeleteExpiredAccess(ctx context.Context, now time.Time) (int, error)
}
