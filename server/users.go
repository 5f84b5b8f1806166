package server

import (
	"context"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// UserDirectory resolves user identities. The engine treats users as an
// external concern; this interface is the whole of what it needs.
type UserDirectory interface {
	// GetUser returns the user by ID; ErrNotFound when absent.
	GetUser(ctx context.Context, id string) (User, error)

	// Authenticate verifies a username/password pair and returns the
	// user; ErrNotFound for unknown users, bad passwords, and inactive
	// accounts alike.
	Authenticate(ctx context.Context, username, password string) (User, error)
}

// StaticDirectory serves users seeded from configuration. Passwords are
// bcrypt-hashed at load time.
type StaticDirectory struct {
	mu      sync.RWMutex
	byID    map[string]User
	byLogin map[string]User
}

// NewStaticDirectory indexes the seeded users.
func NewStaticDirectory(users []User) *StaticDirectory {
	d := &StaticDirectory{
		byID:    make(map[string]User, len(users)),
		byLogin: make(map[string]User, len(users)),
	}
	for _, u := range users {
		d.byID[u.ID] = u
		d.byLogin[u.Username] = u
	}
	return d
}

func (d *StaticDirectory) GetUser(_ context.Context, id string) (User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.byID[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (d *StaticDirectory) Authenticate(_ context.Context, username, password string) (User, error) {
	d.mu.RLock()
	u, ok := d.byLogin[username]
	d.mu.RUnlock()
	if !ok || !u.Active {
		return User{}, ErrNotFound
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return User{}, ErrNotFound
	}
	return u, nil
}

// AuthClaims projects the user's profile into ID token claims, gated by
// the granted scope. Empty fields are omitted.
func AuthClaims(u User, scope ScopeSet) map[string]any {
	claims := map[string]any{}
	if scope.Contains("profile") {
		putClaim(claims, "name", u.Name)
		putClaim(claims, "given_name", u.GivenName)
		putClaim(claims, "family_name", u.FamilyName)
		putClaim(claims, "preferred_username", u.PreferredUsername)
		putClaim(claims, "picture", u.Picture)
		putClaim(claims, "locale", u.Locale)
		putClaim(claims, "zoneinfo", u.Zoneinfo)
	}
	if scope.Contains("email") && u.Email != "" {
		claims["email"] = u.Email
		claims["email_verified"] = u.EmailVerified
	}
	if scope.Contains("phone") && u.PhoneNumber != "" {
		claims["phone_number"] = u.PhoneNumber
		claims["phone_number_verified"] = u.PhoneNumberVerified
	}
	return claims
}

func putClaim(claims map[string]any, key, value string) {
	if value != "" {
		claims[key] = value
	}
}
