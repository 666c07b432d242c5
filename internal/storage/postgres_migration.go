package storage

import (
	"context"
	"fmt"
)

var migrationStatements = []string{
	`CREATE TABLE IF NOT EXISTS tenants (
		id TEXT PRIMARY KEY,
		display_name TEXT NOT NULL DEFAULT '',
		default_channel_id TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS subscriptions (
		id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		tenant_id TEXT NOT NULL REFERENCES tenants(id),
		platform TEXT NOT NULL,
		source TEXT NOT NULL,
		display_name TEXT NOT NULL DEFAULT '',
		channel_id TEXT NOT NULL DEFAULT '',
		role_id TEXT NOT NULL DEFAULT '',
		enabled BOOLEAN NOT NULL DEFAULT TRUE,
		last_state TEXT,
		last_checked TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS subscriptions_platform_enabled_idx
		ON subscriptions (platform) WHERE enabled`,
	`CREATE INDEX IF NOT EXISTS subscriptions_source_idx
		ON subscriptions (platform, source) WHERE enabled`,
	`CREATE TABLE IF NOT EXISTS permission_grants (
		tenant_id TEXT NOT NULL REFERENCES tenants(id),
		role_id TEXT NOT NULL,
		PRIMARY KEY (tenant_id, role_id)
	)`,
}

func (r *postgresRepository) migrate(ctx context.Context) error {
	for _, stmt := range migrationStatements {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply migration: %w", err)
		}
	}
	return nil
}
