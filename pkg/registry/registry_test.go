package registry

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

const testSecret = "unit-test-signing-secret"

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	reg, err := New(NewMemStore(), testSecret)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return reg
}

func TestRegistry_RegisterAndAuthenticate(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)

	rec, credential, err := reg.Register(ctx, "lab-desktop", RoleSatellite)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if rec.Status != StatusOffline {
		t.Fatalf("new node must start offline, got %s", rec.Status)
	}
	if !strings.HasPrefix(rec.NodeID, "sat-") {
		t.Fatalf("satellite id should carry the sat prefix, got %s", rec.NodeID)
	}
	if rec.AuthTokenHash == "" || rec.AuthTokenHash == credential {
		t.Fatal("registry must store a hash, never the raw credential")
	}

	got, err := reg.Authenticate(ctx, rec.NodeID, credential)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if got.NodeID != rec.NodeID {
		t.Fatalf("authenticated wrong record: %s", got.NodeID)
	}
}

func TestRegistry_AuthenticateRejections(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)

	rec, credential, err := reg.Register(ctx, "lab-desktop", RoleSatellite)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	other, otherCred, err := reg.Register(ctx, "relay-box", RoleQueue)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	cases := []struct {
		name       string
		nodeID     string
		credential string
		wantErr    error
	}{
		{"unknown node", "sat-missing", credential, ErrInvalidCredential},
		{"credential of another node", rec.NodeID, otherCred, ErrInvalidCredential},
		{"tampered token", rec.NodeID, credential + "x", ErrInvalidCredential},
		{"empty credential", rec.NodeID, "", ErrInvalidCredential},
		{"not a jwt", rec.NodeID, "plainly-not-a-token", ErrInvalidCredential},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := reg.Authenticate(ctx, tc.nodeID, tc.credential); !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
		})
	}

	// Archiving revokes the credential immediately.
	if err := reg.Archive(ctx, other.NodeID); err != nil {
		t.Fatalf("archive: %v", err)
	}
	if _, err := reg.Authenticate(ctx, other.NodeID, otherCred); !errors.Is(err, ErrNodeArchived) {
		t.Fatalf("expected ErrNodeArchived, got %v", err)
	}
}

func TestRegistry_RegisterValidation(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)

	if _, _, err := reg.Register(ctx, "", RoleSatellite); err == nil {
		t.Fatal("empty name must be rejected")
	}
	if _, _, err := reg.Register(ctx, "box", Role("master")); err == nil {
		t.Fatal("only satellite and queue may register")
	}
}

func TestRegistry_MarkSeenFlipsOnline(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)

	rec, _, err := reg.Register(ctx, "lab-desktop", RoleSatellite)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.MarkSeen(ctx, rec.NodeID, 42, 4096); err != nil {
		t.Fatalf("mark seen: %v", err)
	}

	got, err := reg.Store().Get(ctx, rec.NodeID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusOnline {
		t.Fatalf("expected online, got %s", got.Status)
	}
	if got.LastBufferDepth != 42 || got.LastBufferBytes != 4096 {
		t.Fatalf("buffer health not recorded: depth=%d bytes=%d", got.LastBufferDepth, got.LastBufferBytes)
	}
	if got.LastSeenAt.IsZero() {
		t.Fatal("last_seen_at not recorded")
	}
}

func TestMonitor_StalenessScenario(t *testing.T) {
	// Heartbeat at T, threshold 300s: at T+301s the node is offline; a
	// heartbeat at T+305s flips it back online.
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	reg := newTestRegistry(t).WithClock(func() time.Time { return now })

	rec, _, err := reg.Register(ctx, "lab-desktop", RoleSatellite)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.MarkSeen(ctx, rec.NodeID, 5, 512); err != nil {
		t.Fatalf("mark seen: %v", err)
	}

	var stale []string
	mon := NewMonitor(MonitorConfig{StalenessThreshold: 300 * time.Second, SweepInterval: time.Hour},
		reg, func(ids []string) { stale = append(stale, ids...) })

	// Just inside the threshold: still online.
	now = base.Add(299 * time.Second)
	mon.Sweep(ctx)
	got, _ := reg.Store().Get(ctx, rec.NodeID)
	if got.Status != StatusOnline {
		t.Fatalf("node flipped offline too early at T+299s")
	}

	now = base.Add(301 * time.Second)
	mon.Sweep(ctx)
	got, _ = reg.Store().Get(ctx, rec.NodeID)
	if got.Status != StatusOffline {
		t.Fatalf("expected offline at T+301s, got %s", got.Status)
	}
	if len(stale) != 1 || stale[0] != rec.NodeID {
		t.Fatalf("staleness callback got %v", stale)
	}
	// The depth reported before disconnection stays visible.
	if got.LastBufferDepth != 5 {
		t.Fatalf("offline node should keep its last reported depth, got %d", got.LastBufferDepth)
	}

	now = base.Add(305 * time.Second)
	if err := reg.MarkSeen(ctx, rec.NodeID, 0, 0); err != nil {
		t.Fatalf("mark seen: %v", err)
	}
	got, _ = reg.Store().Get(ctx, rec.NodeID)
	if got.Status != StatusOnline {
		t.Fatalf("heartbeat at T+305s must flip the node back online, got %s", got.Status)
	}
}
