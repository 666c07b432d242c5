package storage

import (
	"context"
	"fmt"
	"sort"

	"streamrelay/internal/models"
)

// Snapshot is a point-in-time export of a datastore, used by the offline
// json-to-postgres migration tool.
type Snapshot struct {
	Tenants       []models.Tenant
	Subscriptions []models.Subscription
	Grants        map[string][]string
}

// SnapshotCounts summarises a snapshot for logging and verification.
type SnapshotCounts struct {
	Tenants       int
	Subscriptions int
	Grants        int
}

// Counts tallies the snapshot contents.
func (s Snapshot) Counts() SnapshotCounts {
	counts := SnapshotCounts{
		Tenants:       len(s.Tenants),
		Subscriptions: len(s.Subscriptions),
	}
	for _, roles := range s.Grants {
		counts.Grants += len(roles)
	}
	return counts
}

// Snapshot exports the store contents in a stable order.
func (s *Storage) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{Grants: make(map[string][]string, len(s.data.Grants))}
	for _, tenant := range s.data.Tenants {
		snap.Tenants = append(snap.Tenants, tenant)
	}
	sort.Slice(snap.Tenants, func(i, j int) bool { return snap.Tenants[i].ID < snap.Tenants[j].ID })
	for _, sub := range s.data.Subscriptions {
		snap.Subscriptions = append(snap.Subscriptions, sub)
	}
	sort.Slice(snap.Subscriptions, func(i, j int) bool { return snap.Subscriptions[i].ID < snap.Subscriptions[j].ID })
	for tenantID, roles := range s.data.Grants {
		snap.Grants[tenantID] = append([]string(nil), roles...)
	}
	return snap
}

// LoadSnapshotFromJSON reads the JSON datastore at path and exports it.
func LoadSnapshotFromJSON(path string) (Snapshot, error) {
	store, err := NewStorage(path)
	if err != nil {
		return Snapshot{}, err
	}
	return store.Snapshot(), nil
}

// ImportSnapshot replays a snapshot into the target repository. Subscription
// ids are reassigned by the target; enabled flags and claimed state tokens
// carry over so migrated watches do not re-announce their last event.
func ImportSnapshot(ctx context.Context, repo Repository, snap Snapshot) error {
	for _, tenant := range snap.Tenants {
		if _, _, err := repo.CreateTenant(ctx, CreateTenantParams{
			ID:               tenant.ID,
			DisplayName:      tenant.DisplayName,
			DefaultChannelID: tenant.DefaultChannelID,
		}); err != nil {
			return fmt.Errorf("import tenant %s: %w", tenant.ID, err)
		}
	}
	for _, sub := range snap.Subscriptions {
		created, err := repo.CreateSubscription(ctx, CreateSubscriptionParams{
			TenantID:    sub.TenantID,
			Platform:    sub.Platform,
			Source:      sub.Source,
			DisplayName: sub.DisplayName,
			ChannelID:   sub.ChannelID,
			RoleID:      sub.RoleID,
		})
		if err != nil {
			return fmt.Errorf("import subscription %d: %w", sub.ID, err)
		}
		if sub.LastState != nil {
			if _, err := repo.ClaimState(ctx, created.ID, *sub.LastState); err != nil {
				return fmt.Errorf("import subscription %d state: %w", sub.ID, err)
			}
		}
		if !sub.Enabled {
			if _, err := repo.SetSubscriptionEnabled(ctx, created.ID, false); err != nil {
				return fmt.Errorf("import subscription %d enabled flag: %w", sub.ID, err)
			}
		}
	}
	for tenantID, roles := range snap.Grants {
		for _, roleID := range roles {
			if _, err := repo.AddGrant(ctx, tenantID, roleID); err != nil {
				return fmt.Errorf("import grant %s/%s: %w", tenantID, roleID, err)
			}
		}
	}
	return nil
}
