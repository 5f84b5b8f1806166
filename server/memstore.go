package server

import (
	"context"
	"sync"
	"time"
)

// MemStore is the in-memory Store used in dev mode and tests. All state
// is lost on restart.
type MemStore struct {
	codes       *memCodeStore
	grants      *memGrantStore
	permissions *memPermissionStore
}

// NewMemStore builds an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		codes:  &memCodeStore{codes: map[string]AuthorizationCode{}},
		grants: &memGrantStore{grants: map[string]TokenGrant{}, byJTI: map[string]string{}},
		permissions: &memPermissionStore{
			groups: map[string]PermissionGroup{},
			access: map[accessKey]UserAccessGrant{},
		},
	}
}

func (s *MemStore) Codes() CodeStore             { return s.codes }
func (s *MemStore) Grants() GrantStore           { return s.grants }
func (s *MemStore) Permissions() PermissionStore { return s.permissions }
func (s *MemStore) Close() error                 { return nil }

type memCodeStore struct {
	mu    sync.Mutex
	codes map[string]AuthorizationCode
}

func (s *memCodeStore) Save(_ context.Context, code AuthorizationCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes[code.Code] = code
	return nil
}

func (s *memCodeStore) Find(_ context.Context, code string) (AuthorizationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.codes[code]
	if !ok {
		return AuthorizationCode{}, ErrNotFound
	}
	return rec, nil
}

func (s *memCodeStore) ClaimUnused(_ context.Context, code string, now time.Time) (AuthorizationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.codes[code]
	if !ok || rec.Used || rec.ExpiresAt.Before(now) {
		return AuthorizationCode{}, ErrNotFound
	}
	rec.Used = true
	s.codes[code] = rec
	return rec, nil
}

func (s *memCodeStore) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	for k, rec := range s.codes {
		if rec.ExpiresAt.Before(now) {
			delete(s.codes, k)
			n++
		}
	}
	return n, nil
}

type memGrantStore struct {
	mu     sync.Mutex
	grants map[string]TokenGrant
	byJTI  map[string]string
}

func (s *memGrantStore) Save(_ context.Context, grant TokenGrant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grants[grant.ID] = grant
	s.byJTI[grant.AccessTokenID] = grant.ID
	return nil
}

func (s *memGrantStore) Find(_ context.Context, id string) (TokenGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	grant, ok := s.grants[id]
	if !ok {
		return TokenGrant{}, ErrNotFound
	}
	return grant, nil
}

func (s *memGrantStore) FindByAccessTokenID(_ context.Context, jti string) (TokenGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byJTI[jti]
	if !ok {
		return TokenGrant{}, ErrNotFound
	}
	grant, ok := s.grants[id]
	if !ok {
		return TokenGrant{}, ErrNotFound
	}
	return grant, nil
}

func (s *memGrantStore) RevokeIfActive(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	grant, ok := s.grants[id]
	if !ok {
		return false, ErrNotFound
	}
	if grant.Revoked {
		return false, nil
	}
	grant.Revoked = true
	s.grants[id] = grant
	return true, nil
}

func (s *memGrantStore) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	for id, grant := range s.grants {
		if grant.RefreshExpiresAt.Before(now) {
			delete(s.grants, id)
			delete(s.byJTI, grant.AccessTokenID)
			n++
		}
	}
	return n, nil
}

type accessKey struct {
	userID   string
	clientID string
}

type memPermissionStore struct {
	mu     sync.Mutex
	groups map[string]PermissionGroup
	access map[accessKey]UserAccessGrant
}

func (s *memPermissionStore) Group(_ context.Context, clientID string) (PermissionGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	group, ok := s.groups[clientID]
	if !ok {
		return PermissionGroup{}, ErrNotFound
	}
	return group, nil
}

func (s *memPermissionStore) SaveGroup(_ context.Context, group PermissionGroup) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups[group.ClientID] = group
	return nil
}

func (s *memPermissionStore) Access(_ context.Context, userID, clientID string) (UserAccessGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	grant, ok := s.access[accessKey{userID, clientID}]
	if !ok {
		return UserAccessGrant{}, ErrNotFound
	}
	return grant, nil
}

func (s *memPermissionStore) SaveAccess(_ context.Context, grant UserAccessGrant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.access[accessKey{grant.UserID, grant.ClientID}] = grant
	return nil
}

func (s *memPermissionStore) DeleteAccess(_ context.Context, userID, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.access, accessKey{userID, clientID})
	return nil
}

func (s *memPermissionStore) AccessByClient(_ context.Context, clientID string) ([]UserAccessGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []UserAccessGrant
	for key, grant := range s.access {
		if key.clientID == clientID {
			out = append(out, grant)
		}
	}
	return out, nil
}

func (s *memPermissionStore) ListAccessForUser(_ context.Context, userID string) ([]UserAccessGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []UserAccessGrant
	for key, grant := range s.access {
		if key.userID == userID {
			out = append(out, grant)
		}
	}
	return out, nil
}

func (s *memPermissionStore) DefaultAllowedGroups(_ context.Context) ([]PermissionGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []PermissionGroup
	for _, group := range s.groups {
		if group.DefaultAllowed {
			out = append(out, group)
		}
	}
	return out, nil
}

func (s *memPermissionStore) DeleteExpiredAccess(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	for key, grant := range s.access {
		if grant.Expired(now) {
			delete(s.access, key)
			n++
		}
	}
	return n, nil
}
