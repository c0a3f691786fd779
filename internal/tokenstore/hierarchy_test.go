// Claudegate - Multi-User OAuth Token Broker for Claude
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/claudegate

package tokenstore

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"
)

func TestCache_FloorTTL(t *testing.T) {
	cache := NewCache()
	now := time.Now()
	cache.now = func() time.Time { return now }

	// Token expired a while ago; the 60s floor still applies
	record := testRecord("alice")
	record.ExpiresAt = now.Add(-time.Hour)
	cache.Put(record)

	if cache.Get("alice") == nil {
		t.Fatal("record evicted before floor TTL")
	}

	now = now.Add(59 * time.Second)
	if cache.Get("alice") == nil {
		t.Error("record evicted within floor TTL")
	}

	now = now.Add(2 * time.Second)
	if cache.Get("alice") != nil {
		t.Error("record survived past floor TTL")
	}
}

func TestCache_TTLTracksExpiry(t *testing.T) {
	cache := NewCache()
	now := time.Now()
	cache.now = func() time.Time { return now }

	record := testRecord("bob")
	record.ExpiresAt = now.Add(30 * time.Minute)
	cache.Put(record)

	now = now.Add(29 * time.Minute)
	if cache.Get("bob") == nil {
		t.Error("record evicted before token expiry")
	}

	now = now.Add(2 * time.Minute)
	if cache.Get("bob") != nil {
		t.Error("record survived past token expiry")
	}
}

func TestCache_ReturnsCopies(t *testing.T) {
	cache := NewCache()
	cache.Put(testRecord("carol"))

	got := cache.Get("carol")
	got.AccessToken = "mutated"

	if again := cache.Get("carol"); again.AccessToken == "mutated" {
		t.Error("cache handed out a shared record")
	}
}

func TestEnvTier_AllOrNothing(t *testing.T) {
	full := map[string]string{
		EnvAccessToken:  "env-access",
		EnvRefreshToken: "env-refresh",
		EnvExpiresAt:    "2000000000",
	}

	t.Run("complete", func(t *testing.T) {
		tier := newEnvTier(func(k string) string { return full[k] })
		record := tier.Get(EnvUserID)
		if record == nil {
			t.Fatal("complete environment grant not loaded")
		}
		if record.AccessToken != "env-access" || record.RefreshToken != "env-refresh" {
			t.Errorf("tokens = %q/%q", record.AccessToken, record.RefreshToken)
		}
		if record.ExpiresAt.Unix() != 2000000000 {
			t.Errorf("expiry = %v", record.ExpiresAt)
		}
	})

	t.Run("partial ignored", func(t *testing.T) {
		for _, missing := range []string{EnvAccessToken, EnvRefreshToken, EnvExpiresAt} {
			partial := map[string]string{}
			for k, v := range full {
				if k != missing {
					partial[k] = v
				}
			}
			tier := newEnvTier(func(k string) string { return partial[k] })
			if tier.HasRecord() {
				t.Errorf("grant loaded despite missing %s", missing)
			}
		}
	})

	t.Run("rfc3339 expiry", func(t *testing.T) {
		vars := map[string]string{
			EnvAccessToken:  "a",
			EnvRefreshToken: "r",
			EnvExpiresAt:    "2033-05-18T03:33:20Z",
		}
		tier := newEnvTier(func(k string) string { return vars[k] })
		if !tier.HasRecord() {
			t.Fatal("RFC 3339 expiry rejected")
		}
	})

	t.Run("other users see nothing", func(t *testing.T) {
		tier := newEnvTier(func(k string) string { return full[k] })
		if tier.Get("alice") != nil {
			t.Error("environment grant leaked to a non-default user")
		}
	})
}

func TestHierarchy_PromotesOnHit(t *testing.T) {
	ctx := context.Background()
	persistent, err := NewFileStore(t.TempDir(), testEnvelope(t))
	if err != nil {
		t.Fatalf("NewFileStore error: %v", err)
	}
	cache := NewCache()

	h, err := NewHierarchy(cache, persistent, nil)
	if err != nil {
		t.Fatalf("NewHierarchy error: %v", err)
	}

	// Seed only the persistent tier
	if err := persistent.Put(ctx, testRecord("alice")); err != nil {
		t.Fatalf("Put error: %v", err)
	}

	if _, err := h.Get(ctx, "alice"); err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if cache.Get("alice") == nil {
		t.Error("persistent hit was not promoted into the cache")
	}
}

func TestHierarchy_EnvPromotedToWritableTiers(t *testing.T) {
	ctx := context.Background()
	persistent, err := NewFileStore(t.TempDir(), testEnvelope(t))
	if err != nil {
		t.Fatalf("NewFileStore error: %v", err)
	}

	vars := map[string]string{
		EnvAccessToken:  "env-access",
		EnvRefreshToken: "env-refresh",
		EnvExpiresAt:    "2000000000",
	}
	env := newEnvTier(func(k string) string { return vars[k] })

	h, err := NewHierarchy(NewCache(), persistent, env)
	if err != nil {
		t.Fatalf("NewHierarchy error: %v", err)
	}

	record, err := h.Get(ctx, EnvUserID)
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if record.AccessToken != "env-access" {
		t.Errorf("access token = %q", record.AccessToken)
	}

	// The grant must now live in the persistent tier
	persisted, err := persistent.Get(ctx, EnvUserID)
	if err != nil {
		t.Fatalf("environment grant not persisted: %v", err)
	}
	if persisted.RefreshToken != "env-refresh" {
		t.Errorf("persisted refresh token = %q", persisted.RefreshToken)
	}
}

func TestHierarchy_DeleteEvictsEverywhere(t *testing.T) {
	ctx := context.Background()
	persistent, err := NewFileStore(t.TempDir(), testEnvelope(t))
	if err != nil {
		t.Fatalf("NewFileStore error: %v", err)
	}
	cache := NewCache()
	h, err := NewHierarchy(cache, persistent, nil)
	if err != nil {
		t.Fatalf("NewHierarchy error: %v", err)
	}

	if err := h.Put(ctx, testRecord("bob")); err != nil {
		t.Fatalf("Put error: %v", err)
	}
	if err := h.Delete(ctx, "bob"); err != nil {
		t.Fatalf("Delete error: %v", err)
	}

	if cache.Get("bob") != nil {
		t.Error("record survived in cache after delete")
	}
	if _, err := persistent.Get(ctx, "bob"); !errors.Is(err, ErrTokenNotFound) {
		t.Errorf("record survived in persistent tier: %v", err)
	}
}

func TestBackupRestore(t *testing.T) {
	ctx := context.Background()
	env := testEnvelope(t)
	store, err := NewFileStore(t.TempDir(), env)
	if err != nil {
		t.Fatalf("NewFileStore error: %v", err)
	}

	for _, user := range []string{"alice", "bob"} {
		if err := store.Put(ctx, testRecord(user)); err != nil {
			t.Fatalf("Put error: %v", err)
		}
	}

	var archive bytes.Buffer
	if err := Backup(ctx, store, &archive); err != nil {
		t.Fatalf("Backup error: %v", err)
	}

	// Backup must not contain plaintext tokens
	if bytes.Contains(archive.Bytes(), []byte("sk-ant-oat01-alice")) {
		t.Error("backup archive contains a plaintext access token")
	}

	// Restore into a fresh store sharing the same key
	target, err := NewFileStore(t.TempDir(), env)
	if err != nil {
		t.Fatalf("NewFileStore error: %v", err)
	}
	if err := target.Put(ctx, testRecord("stale")); err != nil {
		t.Fatalf("Put error: %v", err)
	}

	count, err := Restore(ctx, target, &archive)
	if err != nil {
		t.Fatalf("Restore error: %v", err)
	}
	if count != 2 {
		t.Errorf("restored %d records, want 2", count)
	}

	// Restored records open normally; the stale one is gone
	got, err := target.Get(ctx, "alice")
	if err != nil {
		t.Fatalf("Get after restore error: %v", err)
	}
	if got.AccessToken != "sk-ant-oat01-alice" {
		t.Errorf("access token = %q after restore", got.AccessToken)
	}
	if _, err := target.Get(ctx, "stale"); !errors.Is(err, ErrTokenNotFound) {
		t.Errorf("stale record survived restore: %v", err)
	}
}

func TestRestore_RejectsArchiveWithoutManifest(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), testEnvelope(t))
	if err != nil {
		t.Fatalf("NewFileStore error: %v", err)
	}
	if _, err := Restore(context.Background(), store, bytes.NewReader(nil)); err == nil {
		t.Error("expected error for empty archive")
	}
}

func TestCleanup(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir(), testEnvelope(t))
	if err != nil {
		t.Fatalf("NewFileStore error: %v", err)
	}

	fresh := testRecord("fresh")
	stale := testRecord("stale")
	stale.LastUsedAt = time.Now().Add(-90 * 24 * time.Hour)

	if err := store.Put(ctx, fresh); err != nil {
		t.Fatalf("Put error: %v", err)
	}
	if err := store.Put(ctx, stale); err != nil {
		t.Fatalf("Put error: %v", err)
	}

	removed, err := Cleanup(ctx, store, 30*24*time.Hour, time.Now())
	if err != nil {
		t.Fatalf("Cleanup error: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed %d records, want 1", removed)
	}

	if _, err := store.Get(ctx, "fresh"); err != nil {
		t.Errorf("fresh record removed by cleanup: %v", err)
	}
	if _, err := store.Get(ctx, "stale"); !errors.Is(err, ErrTokenNotFound) {
		t.Errorf("stale record survived cleanup: %v", err)
	}
}
