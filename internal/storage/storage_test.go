package storage

import (
	"context"
	"path/filepath"
	"testing"

	"streamrelay/internal/models"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	path := filepath.Join(t.TempDir(), "store.json")
	store, err := NewStorage(path)
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	return store
}

func seedTenant(t *testing.T, store *Storage) models.Tenant {
	t.Helper()
	tenant, created, err := store.CreateTenant(context.Background(), CreateTenantParams{
		ID:               "guild-1",
		DisplayName:      "Test Guild",
		DefaultChannelID: "chan-default",
	})
	if err != nil {
		t.Fatalf("CreateTenant: %v", err)
	}
	if !created {
		t.Fatalf("expected tenant to be created")
	}
	return tenant
}

func TestCreateTenantIsIdempotent(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	first := seedTenant(t, store)

	second, created, err := store.CreateTenant(ctx, CreateTenantParams{
		ID:               "guild-1",
		DisplayName:      "Renamed",
		DefaultChannelID: "chan-other",
	})
	if err != nil {
		t.Fatalf("CreateTenant second call: %v", err)
	}
	if created {
		t.Fatalf("expected existing tenant, got created=true")
	}
	if second.DefaultChannelID != first.DefaultChannelID {
		t.Fatalf("setup overwrote default channel: %q", second.DefaultChannelID)
	}
	if second.DisplayName != first.DisplayName {
		t.Fatalf("setup overwrote display name: %q", second.DisplayName)
	}
}

func TestSetTenantDefaultChannel(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()
	seedTenant(t, store)

	updated, err := store.SetTenantDefaultChannel(ctx, "guild-1", "chan-new")
	if err != nil {
		t.Fatalf("SetTenantDefaultChannel: %v", err)
	}
	if updated.DefaultChannelID != "chan-new" {
		t.Fatalf("expected chan-new, got %q", updated.DefaultChannelID)
	}

	if _, err := store.SetTenantDefaultChannel(ctx, "missing", "chan"); err == nil {
		t.Fatalf("expected error for missing tenant")
	}
}

func TestStorageReloadsFromDisk(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "store.json")
	ctx := context.Background()

	store, err := NewStorage(path)
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	seedTenant(t, store)
	sub, err := store.CreateSubscription(ctx, CreateSubscriptionParams{
		TenantID: "guild-1",
		Platform: models.PlatformTwitch,
		Source:   "foo",
	})
	if err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}
	claimed, err := store.ClaimState(ctx, sub.ID, "abc123")
	if err != nil || !claimed {
		t.Fatalf("ClaimState: claimed=%v err=%v", claimed, err)
	}

	reloaded, err := NewStorage(path)
	if err != nil {
		t.Fatalf("NewStorage reload: %v", err)
	}
	got, err := reloaded.GetSubscription(ctx, sub.ID)
	if err != nil {
		t.Fatalf("GetSubscription after reload: %v", err)
	}
	if got.LastState == nil || *got.LastState != "abc123" {
		t.Fatalf("expected last state abc123 to survive reload, got %v", got.LastState)
	}

	// The id sequence must keep advancing after a reload.
	next, err := reloaded.CreateSubscription(ctx, CreateSubscriptionParams{
		TenantID: "guild-1",
		Platform: models.PlatformYouTube,
		Source:   "UCxyz",
	})
	if err != nil {
		t.Fatalf("CreateSubscription after reload: %v", err)
	}
	if next.ID <= sub.ID {
		t.Fatalf("expected monotonic id, got %d after %d", next.ID, sub.ID)
	}
}

func TestPersistFailureRollsBack(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()
	seedTenant(t, store)
	sub, err := store.CreateSubscription(ctx, CreateSubscriptionParams{
		TenantID: "guild-1",
		Platform: models.PlatformTwitch,
		Source:   "foo",
	})
	if err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}

	store.persistOverride = func(dataset) error {
		return context.DeadlineExceeded
	}
	if _, err := store.ClaimState(ctx, sub.ID, "abc123"); err == nil {
		t.Fatalf("expected persist failure to surface")
	}
	store.persistOverride = nil

	got, err := store.GetSubscription(ctx, sub.ID)
	if err != nil {
		t.Fatalf("GetSubscription: %v", err)
	}
	if got.LastState != nil {
		t.Fatalf("failed persist must not leave in-memory state, got %v", *got.LastState)
	}
}
