package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Decision reasons reported by Resolve.
const (
	ReasonDeniedByOverride  = "denied_by_override"
	ReasonAllowedByOverride = "allowed_by_override"
	ReasonAllowedByDefault  = "allowed_by_default"
	ReasonDefaultDeny       = "default_deny"
	ReasonNoPolicy          = "no_policy"
)

// PermissionService answers whether a user may authorize a client and
// with which scopes. Per-user overrides take precedence over the
// client's group default; expired overrides are purged lazily and
// treated as absent.
type PermissionService struct {
	store  PermissionStore
	logger *slog.Logger
	now    func() time.Time
}

// NewPermissionService wires the engine against its store.
func NewPermissionService(store PermissionStore, logger *slog.Logger) *PermissionService {
	return &PermissionService{store: store, logger: logger, now: time.Now}
}

// Resolve computes the access decision for (userID, clientID) against
// the requested scopes. A client without a permission group denies
// everyone, overrides included. An allowed override without custom
// scopes falls back to the group's scope set; an empty effective set
// means the policy imposes no scope restriction.
func (s *PermissionService) Resolve(ctx context.Context, userID, clientID string, requested ScopeSet) (AccessDecision, error) {
	now := s.now()

	group, err := s.store.Group(ctx, clientID)
	if errors.Is(err, ErrNotFound) {
		return AccessDecision{
			Denied:           requested.Clone(),
			Reason:           ReasonNoPolicy,
			RequiresApproval: true,
		}, nil
	}
	if err != nil {
		return AccessDecision{}, err
	}

	override, err := s.store.Access(ctx, userID, clientID)
	switch {
	case err == nil && override.Expired(now):
		if derr := s.store.DeleteAccess(ctx, userID, clientID); derr != nil {
			s.logger.Warn("expired access grant purge failed",
				"user_id", userID, "client_id", clientID, "error", derr)
		}
	case err == nil:
		if override.Access == AccessDenied {
			return AccessDecision{
				Denied: requested.Clone(),
				Reason: ReasonDeniedByOverride,
			}, nil
		}
		permitted := override.CustomScopes
		if permitted.Empty() {
			permitted = group.Scopes
		}
		return s.grant(requested, permitted, ReasonAllowedByOverride), nil
	case !errors.Is(err, ErrNotFound):
		return AccessDecision{}, err
	}

	if !group.DefaultAllowed {
		return AccessDecision{
			Denied:           requested.Clone(),
			Reason:           ReasonDefaultDeny,
			RequiresApproval: true,
		}, nil
	}
	return s.grant(requested, group.Scopes, ReasonAllowedByDefault), nil
}

func (s *PermissionService) grant(requested, permitted ScopeSet, reason string) AccessDecision {
	granted := requested.Clone()
	if !permitted.Empty() {
		granted = requested.Intersect(permitted)
	}
	denied := make(ScopeSet, 0)
	for _, scope := range requested {
		if !granted.Contains(scope) {
			denied = append(denied, scope)
		}
	}
	return AccessDecision{Granted: granted, Denied: denied, Reason: reason}
}

// UpsertGroup creates or updates a client's permission group,
// preserving CreatedAt across updates.
func (s *PermissionService) UpsertGroup(ctx context.Context, group PermissionGroup) error {
	if group.ClientID == "" {
		return fmt.Errorf("permission group needs a client id")
	}
	now := s.now()
	existing, err := s.store.Group(ctx, group.ClientID)
	switch {
	case err == nil:
		group.CreatedAt = existing.CreatedAt
	case errors.Is(err, ErrNotFound):
		group.CreatedAt = now
	default:
		return err
	}
	group.UpdatedAt = now
	return s.store.SaveGroup(ctx, group)
}

// GrantAccess records a per-user override. The client must already have
// a permission group so the override has a default to diverge from.
func (s *PermissionService) GrantAccess(ctx context.Context, grant UserAccessGrant) error {
	if grant.UserID == "" || grant.ClientID == "" {
		return fmt.Errorf("access grant needs user and client ids")
	}
	if grant.Access != AccessAllowed && grant.Access != AccessDenied {
		return fmt.Errorf("access grant has unknown access type %q", grant.Access)
	}
	if _, err := s.store.Group(ctx, grant.ClientID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("client %s has no permission group", grant.ClientID)
		}
		return err
	}
	grant.GrantedAt = s.now()
	return s.store.SaveAccess(ctx, grant)
}

// RevokeAccess removes the override for (userID, clientID). Revoking a
// missing override succeeds.
func (s *PermissionService) RevokeAccess(ctx context.Context, userID, clientID string) error {
	return s.store.DeleteAccess(ctx, userID, clientID)
}

// ClientPolicy returns the client's group and all live overrides
// recorded against it.
func (s *PermissionService) ClientPolicy(ctx context.Context, clientID string) (PermissionGroup, []UserAccessGrant, error) {
	group, err := s.store.Group(ctx, clientID)
	if err != nil {
		return PermissionGroup{}, nil, err
	}
	overrides, err := s.store.AccessByClient(ctx, clientID)
	if err != nil {
		return PermissionGroup{}, nil, err
	}
	now := s.now()
	live := overrides[:0]
	for _, o := range overrides {
		if !o.Expired(now) {
			live = append(live, o)
		}
	}
	return group, live, nil
}

// AccessibleClients lists the client IDs the user may authorize: all
// default-allowed clients plus allow overrides, minus deny overrides.
func (s *PermissionService) AccessibleClients(ctx context.Context, userID string) ([]string, error) {
	now := s.now()
	allowed := map[string]bool{}

	groups, err := s.store.DefaultAllowedGroups(ctx)
	if err != nil {
		return nil, err
	}
	for _, g := range groups {
		allowed[g.ClientID] = true
	}

	overrides, err := s.store.ListAccessForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, o := range overrides {
		if o.Expired(now) {
			continue
		}
		allowed[o.ClientID] = o.Access == AccessAllowed
	}

	out := make([]string, 0, len(allowed))
	for id, ok := range allowed {
		if ok {
			out = append(out, id)
		}
	}
	return out, nil
}
