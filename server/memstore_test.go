package server

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestMemCodeStoreClaimUnused(t *testing.T) {
	store := NewMemStore().Codes()
	ctx := context.Background()
	now := time.Now()

	code := AuthorizationCode{
		Code:      "abc",
		ClientID:  "client",
		ExpiresAt: now.Add(time.Minute),
	}
	if err := store.Save(ctx, code); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := store.ClaimUnused(ctx, "abc", now)
	if err != nil {
		t.Fatalf("ClaimUnused: %v", err)
	}
	if !got.Used {
		t.Errorf("claimed code should be marked used")
	}

	if _, err := store.ClaimUnused(ctx, "abc", now); err != ErrNotFound {
		t.Errorf("second claim should fail with ErrNotFound, got %v", err)
	}
	if _, err := store.ClaimUnused(ctx, "missing", now); err != ErrNotFound {
		t.Errorf("missing code should fail with ErrNotFound, got %v", err)
	}
}

func TestMemCodeStoreFindDoesNotConsume(t *testing.T) {
	store := NewMemStore().Codes()
	ctx := context.Background()
	now := time.Now()

	_ = store.Save(ctx, AuthorizationCode{Code: "abc", ExpiresAt: now.Add(time.Minute)})

	for i := 0; i < 2; i++ {
		got, err := store.Find(ctx, "abc")
		if err != nil {
			t.Fatalf("Find #%d: %v", i, err)
		}
		if got.Used {
			t.Errorf("Find must not mark the code used")
		}
	}
	if _, err := store.ClaimUnused(ctx, "abc", now); err != nil {
		t.Fatalf("claim after Find: %v", err)
	}

	// Used codes stay findable; the claim is what gates redemption.
	got, err := store.Find(ctx, "abc")
	if err != nil || !got.Used {
		t.Fatalf("Find after claim: used=%v err=%v", got.Used, err)
	}
	if _, err := store.Find(ctx, "missing"); err != ErrNotFound {
		t.Errorf("missing code: err = %v, want ErrNotFound", err)
	}
}

func TestMemCodeStoreClaimExpired(t *testing.T) {
	store := NewMemStore().Codes()
	ctx := context.Background()
	now := time.Now()

	_ = store.Save(ctx, AuthorizationCode{Code: "old", ExpiresAt: now.Add(-time.Second)})
	if _, err := store.ClaimUnused(ctx, "old", now); err != ErrNotFound {
		t.Fatalf("expired code should fail with ErrNotFound, got %v", err)
	}
}

func TestMemCodeStoreClaimConcurrent(t *testing.T) {
	store := NewMemStore().Codes()
	ctx := context.Background()
	now := time.Now()
	_ = store.Save(ctx, AuthorizationCode{Code: "race", ExpiresAt: now.Add(time.Minute)})

	const workers = 32
	var wins int64
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.ClaimUnused(ctx, "race", now); err == nil {
				atomic.AddInt64(&wins, 1)
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
}

func TestMemGrantStoreRevokeIfActive(t *testing.T) {
	store := NewMemStore().Grants()
	ctx := context.Background()

	_ = store.Save(ctx, TokenGrant{ID: "g1", AccessTokenID: "jti1"})

	won, err := store.RevokeIfActive(ctx, "g1")
	if err != nil || !won {
		t.Fatalf("first revoke: won=%v err=%v", won, err)
	}
	won, err = store.RevokeIfActive(ctx, "g1")
	if err != nil || won {
		t.Fatalf("second revoke should lose without error: won=%v err=%v", won, err)
	}
	if _, err := store.RevokeIfActive(ctx, "missing"); err != ErrNotFound {
		t.Fatalf("missing grant should return ErrNotFound, got %v", err)
	}

	grant, err := store.Find(ctx, "g1")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if !grant.Revoked {
		t.Errorf("grant should be revoked")
	}
}

func TestMemGrantStoreFindByAccessTokenID(t *testing.T) {
	store := NewMemStore().Grants()
	ctx := context.Background()
	_ = store.Save(ctx, TokenGrant{ID: "g1", AccessTokenID: "jti1"})

	grant, err := store.FindByAccessTokenID(ctx, "jti1")
	if err != nil || grant.ID != "g1" {
		t.Fatalf("FindByAccessTokenID = %+v, %v", grant, err)
	}
	if _, err := store.FindByAccessTokenID(ctx, "unknown"); err != ErrNotFound {
		t.Fatalf("unknown jti should return ErrNotFound, got %v", err)
	}
}

func TestMemStoreDeleteExpired(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()
	now := time.Now()

	_ = store.Codes().Save(ctx, AuthorizationCode{Code: "live", ExpiresAt: now.Add(time.Minute)})
	_ = store.Codes().Save(ctx, AuthorizationCode{Code: "dead", ExpiresAt: now.Add(-time.Minute)})
	_ = store.Grants().Save(ctx, TokenGrant{ID: "live", AccessTokenID: "a", RefreshExpiresAt: now.Add(time.Hour)})
	_ = store.Grants().Save(ctx, TokenGrant{ID: "dead", AccessTokenID: "b", RefreshExpiresAt: now.Add(-time.Hour)})

	if n, _ := store.Codes().DeleteExpired(ctx, now); n != 1 {
		t.Errorf("codes swept = %d, want 1", n)
	}
	if n, _ := store.Grants().DeleteExpired(ctx, now); n != 1 {
		t.Errorf("grants swept = %d, want 1", n)
	}
	if _, err := store.Grants().Find(ctx, "live"); err != nil {
		t.Errorf("live grant should survive sweep: %v", err)
	}
}

func TestMemPermissionStore(t *testing.T) {
	store := NewMemStore().Permissions()
	ctx := context.Background()
	now := time.Now()

	if _, err := store.Group(ctx, "app"); err != ErrNotFound {
		t.Fatalf("missing group should return ErrNotFound, got %v", err)
	}
	_ = store.SaveGroup(ctx, PermissionGroup{ClientID: "app", DefaultAllowed: true})
	_ = store.SaveGroup(ctx, PermissionGroup{ClientID: "other", DefaultAllowed: false})

	groups, err := store.DefaultAllowedGroups(ctx)
	if err != nil || len(groups) != 1 || groups[0].ClientID != "app" {
		t.Fatalf("DefaultAllowedGroups = %+v, %v", groups, err)
	}

	_ = store.SaveAccess(ctx, UserAccessGrant{UserID: "u1", ClientID: "app", Access: AccessDenied})
	_ = store.SaveAccess(ctx, UserAccessGrant{
		UserID: "u2", ClientID: "app", Access: AccessAllowed, ExpiresAt: now.Add(-time.Hour),
	})

	byClient, _ := store.AccessByClient(ctx, "app")
	if len(byClient) != 2 {
		t.Errorf("AccessByClient returned %d grants, want 2", len(byClient))
	}
	byUser, _ := store.ListAccessForUser(ctx, "u1")
	if len(byUser) != 1 {
		t.Errorf("ListAccessForUser returned %d grants, want 1", len(byUser))
	}

	if n, _ := store.DeleteExpiredAccess(ctx, now); n != 1 {
		t.Errorf("expired access swept = %d, want 1", n)
	}
	if err := store.DeleteAccess(ctx, "u1", "app"); err != nil {
		t.Fatalf("DeleteAccess: %v", err)
	}
	if err := store.DeleteAccess(ctx, "u1", "app"); err != nil {
		t.Fatalf("repeated DeleteAccess should succeed: %v", err)
	}
	if _, err := store.Access(ctx, "u1", "app"); err != ErrNotFound {
		t.Fatalf("deleted access should return ErrNotFound, got %v", err)
	}
}
