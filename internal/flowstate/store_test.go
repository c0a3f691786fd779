// Claudegate - Multi-User OAuth Token Broker for Claude
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/claudegate

package flowstate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testFlow(state string, ttl time.Duration) *Flow {
	now := time.Now()
	return &Flow{
		State:     state,
		Verifier:  "verifier-" + state,
		UserID:    "alice",
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
}

// hexState produces a valid-format state parameter unique per suffix.
func hexState(n int) string {
	return fmt.Sprintf("%064x", n)
}

// forEachStore runs a subtest against every backend.
func forEachStore(t *testing.T, fn func(t *testing.T, store Store)) {
	t.Helper()

	t.Run("memory", func(t *testing.T) {
		store := NewMemoryStore()
		defer store.Close()
		fn(t, store)
	})

	t.Run("file", func(t *testing.T) {
		store, err := NewFileStore(t.TempDir())
		if err != nil {
			t.Fatalf("NewFileStore error: %v", err)
		}
		defer store.Close()
		fn(t, store)
	})

	t.Run("badger", func(t *testing.T) {
		store, err := NewBadgerStore(t.TempDir())
		if err != nil {
			t.Fatalf("NewBadgerStore error: %v", err)
		}
		defer store.Close()
		fn(t, store)
	})
}

func TestStore_PutTake(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		flow := testFlow(hexState(1), time.Minute)

		if err := store.Put(ctx, flow); err != nil {
			t.Fatalf("Put error: %v", err)
		}

		got, err := store.Take(ctx, flow.State)
		if err != nil {
			t.Fatalf("Take error: %v", err)
		}
		if got.Verifier != flow.Verifier {
			t.Errorf("verifier = %q, want %q", got.Verifier, flow.Verifier)
		}
		if got.UserID != flow.UserID {
			t.Errorf("user ID = %q, want %q", got.UserID, flow.UserID)
		}
	})
}

func TestStore_TakeIsOneShot(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		flow := testFlow(hexState(2), time.Minute)

		if err := store.Put(ctx, flow); err != nil {
			t.Fatalf("Put error: %v", err)
		}

		if _, err := store.Take(ctx, flow.State); err != nil {
			t.Fatalf("first Take error: %v", err)
		}
		if _, err := store.Take(ctx, flow.State); !errors.Is(err, ErrStateNotFound) {
			t.Errorf("second Take: got %v, want ErrStateNotFound", err)
		}
	})
}

func TestStore_TakeUnknownState(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		if _, err := store.Take(context.Background(), hexState(3)); !errors.Is(err, ErrStateNotFound) {
			t.Errorf("got %v, want ErrStateNotFound", err)
		}
	})
}

func TestStore_TakeExpired(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		flow := testFlow(hexState(4), -time.Minute)
		flow.ExpiresAt = time.Now().Add(-time.Minute)

		// Badger refuses a negative TTL, so the entry is written without
		// one; the expiry check in Take must still reject it.
		if err := store.Put(ctx, flow); err != nil {
			t.Fatalf("Put error: %v", err)
		}

		_, err := store.Take(ctx, flow.State)
		if !errors.Is(err, ErrStateExpired) && !errors.Is(err, ErrStateNotFound) {
			t.Errorf("got %v, want ErrStateExpired or ErrStateNotFound", err)
		}

		// Either way the record must be gone.
		if _, err := store.Take(ctx, flow.State); !errors.Is(err, ErrStateNotFound) {
			t.Errorf("expired flow not consumed: %v", err)
		}
	})
}

func TestStore_ConcurrentTakeSingleWinner(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		flow := testFlow(hexState(5), time.Minute)
		if err := store.Put(ctx, flow); err != nil {
			t.Fatalf("Put error: %v", err)
		}

		const goroutines = 50
		var wins atomic.Int32
		var wg sync.WaitGroup
		start := make(chan struct{})

		for i := 0; i < goroutines; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				if _, err := store.Take(ctx, flow.State); err == nil {
					wins.Add(1)
				}
			}()
		}
		close(start)
		wg.Wait()

		if got := wins.Load(); got != 1 {
			t.Errorf("%d goroutines redeemed the state, want exactly 1", got)
		}
	})
}

func TestStore_Sweep(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()

		live := testFlow(hexState(6), time.Minute)
		dead := testFlow(hexState(7), time.Minute)
		dead.ExpiresAt = time.Now().Add(-time.Minute)

		if err := store.Put(ctx, live); err != nil {
			t.Fatalf("Put live error: %v", err)
		}
		if err := store.Put(ctx, dead); err != nil {
			t.Fatalf("Put dead error: %v", err)
		}

		if _, err := store.Sweep(ctx); err != nil {
			t.Fatalf("Sweep error: %v", err)
		}

		count, err := store.Count(ctx)
		if err != nil {
			t.Fatalf("Count error: %v", err)
		}
		if count != 1 {
			t.Errorf("count after sweep = %d, want 1", count)
		}

		if _, err := store.Take(ctx, live.State); err != nil {
			t.Errorf("live flow lost to sweep: %v", err)
		}
	})
}

func TestFileStore_RejectsPathTraversalState(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore error: %v", err)
	}
	defer store.Close()

	flow := testFlow("../../etc/passwd", time.Minute)
	if err := store.Put(context.Background(), flow); err == nil {
		t.Error("expected error for non-hex state parameter")
	}
}

func TestFileStore_FilePermissions(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore error: %v", err)
	}
	defer store.Close()

	flow := testFlow(hexState(8), time.Minute)
	if err := store.Put(context.Background(), flow); err != nil {
		t.Fatalf("Put error: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir error: %v", err)
	}
	found := false
	for _, entry := range entries {
		if !strings.HasPrefix(entry.Name(), flowFilePrefix) {
			continue
		}
		found = true
		info, err := os.Stat(filepath.Join(dir, entry.Name()))
		if err != nil {
			t.Fatalf("Stat error: %v", err)
		}
		if perm := info.Mode().Perm(); perm != 0o600 {
			t.Errorf("flow file mode = %o, want 600", perm)
		}
	}
	if !found {
		t.Fatal("no flow file written")
	}
}
