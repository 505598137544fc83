package registry

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/watchmanio/relay/pkg/db"
)

func newSQLiteStore(t *testing.T) *SQLStore {
	t.Helper()
	pool, err := db.NewPool(db.DefaultPoolConfig(filepath.Join(t.TempDir(), "registry.db"), "sqlite3"))
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	t.Cleanup(func() { _ = pool.Close() })

	store, err := NewSQLStore(context.Background(), pool)
	if err != nil {
		t.Fatalf("NewSQLStore: %v", err)
	}
	return store
}

func TestSQLStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteStore(t)

	rec := NodeRecord{
		NodeID:        "sat-001",
		Name:          "lab-desktop",
		Role:          RoleSatellite,
		AuthTokenHash: "abcd",
		Status:        StatusOffline,
		RegisteredAt:  time.Now().UTC().Truncate(time.Second),
	}
	if err := store.Create(ctx, rec); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Create(ctx, rec); err == nil {
		t.Fatal("duplicate node id must fail")
	}

	got, err := store.Get(ctx, "sat-001")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != rec.Name || got.Role != rec.Role || got.Status != StatusOffline {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if !got.LastSeenAt.IsZero() {
		t.Fatalf("fresh node must have zero last_seen_at, got %v", got.LastSeenAt)
	}

	if _, err := store.Get(ctx, "sat-missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSQLStore_SeenSweepArchive(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteStore(t)

	now := time.Now().UTC().Truncate(time.Second)
	for _, id := range []string{"sat-a", "sat-b"} {
		err := store.Create(ctx, NodeRecord{
			NodeID: id, Name: id, Role: RoleSatellite, AuthTokenHash: "h",
			Status: StatusOffline, RegisteredAt: now,
		})
		if err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}

	if err := store.UpdateSeen(ctx, "sat-a", 7, 700, now.Add(-10*time.Minute)); err != nil {
		t.Fatalf("update seen: %v", err)
	}
	if err := store.UpdateSeen(ctx, "sat-b", 1, 100, now); err != nil {
		t.Fatalf("update seen: %v", err)
	}

	flipped, err := store.MarkStaleOffline(ctx, now.Add(-5*time.Minute))
	if err != nil {
		t.Fatalf("mark stale: %v", err)
	}
	if len(flipped) != 1 || flipped[0] != "sat-a" {
		t.Fatalf("expected only sat-a flipped, got %v", flipped)
	}

	got, _ := store.Get(ctx, "sat-a")
	if got.Status != StatusOffline || got.LastBufferDepth != 7 {
		t.Fatalf("stale node lost state: %+v", got)
	}

	if err := store.Archive(ctx, "sat-b"); err != nil {
		t.Fatalf("archive: %v", err)
	}
	got, _ = store.Get(ctx, "sat-b")
	if got.Status != StatusArchived || got.AuthTokenHash != "" {
		t.Fatalf("archive must clear the credential hash: %+v", got)
	}
	// Archived nodes no longer accept traffic bookkeeping.
	if err := store.UpdateSeen(ctx, "sat-b", 1, 1, now); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for archived node, got %v", err)
	}

	all, err := store.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("archived rows are kept for audit, got %d rows", len(all))
	}
}
