//go:build postgres

package storage_test

import (
	"context"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"streamrelay/internal/models"
	"streamrelay/internal/storage"
)

// postgresRepositoryFactory opens a Postgres-backed repository for integration
// scenarios, ensuring tables are truncated between tests. The factory requires
// STREAMRELAY_TEST_POSTGRES_DSN to point at a clean database dedicated to
// automated runs.
func postgresRepositoryFactory(t *testing.T) storage.Repository {
	t.Helper()
	dsn := os.Getenv("STREAMRELAY_TEST_POSTGRES_DSN")
	if strings.TrimSpace(dsn) == "" {
		t.Skip("STREAMRELAY_TEST_POSTGRES_DSN not set")
	}

	ctx := context.Background()
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		t.Fatalf("parse postgres config: %v", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		t.Fatalf("open postgres pool: %v", err)
	}

	repo, err := storage.NewPostgresRepository(dsn)
	if err != nil {
		pool.Close()
		t.Fatalf("open postgres repository: %v", err)
	}

	truncate := func(ctx context.Context) error {
		_, err := pool.Exec(ctx, "TRUNCATE permission_grants, subscriptions, tenants CASCADE")
		return err
	}
	if err := truncate(ctx); err != nil {
		t.Fatalf("truncate tables: %v", err)
	}
	t.Cleanup(func() {
		if err := truncate(context.Background()); err != nil {
			t.Errorf("truncate tables: %v", err)
		}
		_ = repo.Close(context.Background())
		pool.Close()
	})

	return repo
}

func TestPostgresSubscriptionLifecycle(t *testing.T) {
	repo := postgresRepositoryFactory(t)
	ctx := context.Background()

	if _, _, err := repo.CreateTenant(ctx, storage.CreateTenantParams{
		ID:               "guild-pg",
		DisplayName:      "PG Guild",
		DefaultChannelID: "chan-default",
	}); err != nil {
		t.Fatalf("CreateTenant: %v", err)
	}

	sub, err := repo.CreateSubscription(ctx, storage.CreateSubscriptionParams{
		TenantID: "guild-pg",
		Platform: models.PlatformTwitch,
		Source:   "12345",
		RoleID:   "role-9",
	})
	if err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}
	if sub.ID == 0 || !sub.Enabled {
		t.Fatalf("unexpected subscription %+v", sub)
	}

	claimed, err := repo.ClaimState(ctx, sub.ID, "stream-1")
	if err != nil {
		t.Fatalf("ClaimState: %v", err)
	}
	if !claimed {
		t.Fatalf("expected first claim to win")
	}
	again, err := repo.ClaimState(ctx, sub.ID, "stream-1")
	if err != nil {
		t.Fatalf("ClaimState repeat: %v", err)
	}
	if again {
		t.Fatalf("repeated token must not claim")
	}

	got, err := repo.GetSubscription(ctx, sub.ID)
	if err != nil {
		t.Fatalf("GetSubscription: %v", err)
	}
	if got.LastState == nil || *got.LastState != "stream-1" {
		t.Fatalf("unexpected last state %+v", got.LastState)
	}
	if got.LastChecked == nil {
		t.Fatalf("claim did not record last checked")
	}

	if err := repo.ClearState(ctx, sub.ID); err != nil {
		t.Fatalf("ClearState: %v", err)
	}
	fresh, err := repo.ClaimState(ctx, sub.ID, "stream-1")
	if err != nil {
		t.Fatalf("ClaimState after clear: %v", err)
	}
	if !fresh {
		t.Fatalf("cleared token must claim again")
	}

	listed, err := repo.ListEnabledBySource(ctx, models.PlatformTwitch, "12345")
	if err != nil {
		t.Fatalf("ListEnabledBySource: %v", err)
	}
	if len(listed) != 1 || listed[0].ID != sub.ID {
		t.Fatalf("unexpected listing %+v", listed)
	}

	if _, err := repo.SetSubscriptionEnabled(ctx, sub.ID, false); err != nil {
		t.Fatalf("SetSubscriptionEnabled: %v", err)
	}
	listed, err = repo.ListEnabledByPlatform(ctx, models.PlatformTwitch)
	if err != nil {
		t.Fatalf("ListEnabledByPlatform: %v", err)
	}
	if len(listed) != 0 {
		t.Fatalf("disabled subscription still listed: %+v", listed)
	}

	if err := repo.DeleteSubscription(ctx, sub.ID); err != nil {
		t.Fatalf("DeleteSubscription: %v", err)
	}
	if _, err := repo.GetSubscription(ctx, sub.ID); err == nil {
		t.Fatalf("expected deleted subscription to be gone")
	}
}

func TestPostgresClaimStateSingleWinner(t *testing.T) {
	repo := postgresRepositoryFactory(t)
	ctx := context.Background()

	if _, _, err := repo.CreateTenant(ctx, storage.CreateTenantParams{
		ID:               "guild-pg",
		DefaultChannelID: "chan-default",
	}); err != nil {
		t.Fatalf("CreateTenant: %v", err)
	}
	sub, err := repo.CreateSubscription(ctx, storage.CreateSubscriptionParams{
		TenantID: "guild-pg",
		Platform: models.PlatformYouTube,
		Source:   "UCabc",
	})
	if err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}

	var wins int64
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := repo.ClaimState(ctx, sub.ID, "video-42")
			if err != nil {
				t.Errorf("ClaimState: %v", err)
				return
			}
			if claimed {
				atomic.AddInt64(&wins, 1)
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one winning claim, got %d", wins)
	}
}

func TestPostgresGrants(t *testing.T) {
	repo := postgresRepositoryFactory(t)
	ctx := context.Background()

	if _, _, err := repo.CreateTenant(ctx, storage.CreateTenantParams{ID: "guild-pg"}); err != nil {
		t.Fatalf("CreateTenant: %v", err)
	}
	if _, err := repo.AddGrant(ctx, "guild-pg", "role-mods"); err != nil {
		t.Fatalf("AddGrant: %v", err)
	}
	// Re-adding must stay idempotent.
	if _, err := repo.AddGrant(ctx, "guild-pg", "role-mods"); err != nil {
		t.Fatalf("AddGrant repeat: %v", err)
	}
	grants, err := repo.ListGrants(ctx, "guild-pg")
	if err != nil {
		t.Fatalf("ListGrants: %v", err)
	}
	if len(grants) != 1 || grants[0].RoleID != "role-mods" {
		t.Fatalf("unexpected grants %+v", grants)
	}
	if err := repo.RemoveGrant(ctx, "guild-pg", "role-mods"); err != nil {
		t.Fatalf("RemoveGrant: %v", err)
	}
	grants, err = repo.ListGrants(ctx, "guild-pg")
	if err != nil {
		t.Fatalf("ListGrants after revoke: %v", err)
	}
	if len(grants) != 0 {
		t.Fatalf("grant not removed: %+v", grants)
	}
}
