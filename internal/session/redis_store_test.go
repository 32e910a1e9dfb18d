package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func setupTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	store, err := NewRedisStore("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("failed to create redis store: %v", err)
	}
	return store, s
}

func TestNewRedisStore(t *testing.T) {
	s := miniredis.RunT(t)
	defer s.Close()

	store, err := NewRedisStore("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("NewRedisStore failed: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.Ping(ctx); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestSaveAndLookupRefreshSession(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	tokenHash := "test-token-hash"
	accountID := "acct-123"
	expiresAt := time.Now().Add(24 * time.Hour)

	// Save session
	err := store.SaveRefreshSession(ctx, tokenHash, accountID, "avery@example.com", expiresAt)
	if err != nil {
		t.Fatalf("SaveRefreshSession failed: %v", err)
	}

	// Lookup session
	account, err := store.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		t.Fatalf("LookupRefreshSession failed: %v", err)
	}

	if account.ID != accountID {
		t.Errorf("expected account ID %s, got %s", accountID, account.ID)
	}
	if account.Email != "avery@example.com" {
		t.Errorf("expected email avery@example.com, got %s", account.Email)
	}
}

func TestLookupExpiredSession(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	tokenHash := "expired-token"

	// Save with very short TTL
	expiresAt := time.Now().Add(1 * time.Millisecond)
	err := store.SaveRefreshSession(ctx, tokenHash, "acct-456", "b@example.com", expiresAt)
	if err != nil {
		t.Fatalf("SaveRefreshSession failed: %v", err)
	}

	// Fast-forward time in miniredis
	s.FastForward(2 * time.Millisecond)

	// Lookup should fail (token expired)
	_, err = store.LookupRefreshSession(ctx, tokenHash)
	if err == nil {
		t.Error("expected error for expired token, got nil")
	}
}

func TestLookupNonExistentSession(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()

	// Lookup non-existent token
	_, err := store.LookupRefreshSession(ctx, "non-existent-token")
	if err == nil {
		t.Error("expected error for non-existent token, got nil")
	}
}

func TestRevokeRefreshSession(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	tokenHash := "token-to-revoke"
	expiresAt := time.Now().Add(24 * time.Hour)

	// Save session
	err := store.SaveRefreshSession(ctx, tokenHash, "acct-789", "c@example.com", expiresAt)
	if err != nil {
		t.Fatalf("SaveRefreshSession failed: %v", err)
	}

	// Verify it exists
	_, err = store.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		t.Fatalf("Lookup before revoke failed: %v", err)
	}

	// Revoke session
	err = store.RevokeRefreshSession(ctx, tokenHash)
	if err != nil {
		t.Fatalf("RevokeRefreshSession failed: %v", err)
	}

	// Lookup should fail (token revoked)
	_, err = store.LookupRefreshSession(ctx, tokenHash)
	if err == nil {
		t.Error("expected error for revoked token, got nil")
	}
}

func TestRevokeNonExistentSession(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()

	// Revoking non-existent token should not error
	err := store.RevokeRefreshSession(ctx, "non-existent-token")
	if err != nil {
		t.Errorf("RevokeRefreshSession for non-existent token failed: %v", err)
	}
}

func TestSessionIsolation(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	expiresAt := time.Now().Add(24 * time.Hour)

	// Save two different sessions
	err := store.SaveRefreshSession(ctx, "token-1", "acct-1", "one@example.com", expiresAt)
	if err != nil {
		t.Fatalf("SaveRefreshSession 1 failed: %v", err)
	}

	err = store.SaveRefreshSession(ctx, "token-2", "acct-2", "two@example.com", expiresAt)
	if err != nil {
		t.Fatalf("SaveRefreshSession 2 failed: %v", err)
	}

	// Revoke one session
	err = store.RevokeRefreshSession(ctx, "token-1")
	if err != nil {
		t.Fatalf("Revoke token-1 failed: %v", err)
	}

	// token-1 should be gone
	_, err = store.LookupRefreshSession(ctx, "token-1")
	if err == nil {
		t.Error("expected error for revoked token-1, got nil")
	}

	// token-2 should still exist
	account, err := store.LookupRefreshSession(ctx, "token-2")
	if err != nil {
		t.Fatalf("Lookup token-2 after revoke failed: %v", err)
	}
	if account.ID != "acct-2" {
		t.Errorf("expected acct-2 after revoke, got %s", account.ID)
	}
}
