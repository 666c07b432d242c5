// Command seed-tenant seeds or updates a tenant in the datastore.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"streamrelay/internal/storage"
)

func main() {
	var (
		jsonPath    string
		postgresDSN string
		tenantID    string
		displayName string
		channelID   string
		grantRoles  string
	)

	flag.StringVar(&jsonPath, "json", "", "Path to the JSON datastore (store.json)")
	flag.StringVar(&postgresDSN, "postgres-dsn", "", "Postgres connection string")
	flag.StringVar(&tenantID, "tenant", "", "Tenant identifier (the guild id)")
	flag.StringVar(&displayName, "name", "", "Display name for the tenant")
	flag.StringVar(&channelID, "channel", "", "Default announcement channel id")
	flag.StringVar(&grantRoles, "grant-roles", "", "Comma separated role ids to grant management access")
	flag.Parse()

	if jsonPath == "" && postgresDSN == "" {
		fatalf("either --json or --postgres-dsn must be provided")
	}
	if jsonPath != "" && postgresDSN != "" {
		fatalf("only one datastore option may be provided")
	}
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		fatalf("--tenant is required")
	}

	repo, err := openRepository(jsonPath, postgresDSN)
	if err != nil {
		fatalf("open datastore: %v", err)
	}
	defer closeRepository(repo)

	ctx := context.Background()
	tenant, created, err := repo.CreateTenant(ctx, storage.CreateTenantParams{
		ID:               tenantID,
		DisplayName:      strings.TrimSpace(displayName),
		DefaultChannelID: strings.TrimSpace(channelID),
	})
	if err != nil {
		fatalf("seed tenant: %v", err)
	}
	state := "already present"
	if created {
		state = "created"
	}
	if !created && strings.TrimSpace(channelID) != "" && tenant.DefaultChannelID != strings.TrimSpace(channelID) {
		tenant, err = repo.SetTenantDefaultChannel(ctx, tenantID, strings.TrimSpace(channelID))
		if err != nil {
			fatalf("set default channel: %v", err)
		}
		state = "updated"
	}

	for _, roleID := range splitRoles(grantRoles) {
		if _, err := repo.AddGrant(ctx, tenantID, roleID); err != nil {
			fatalf("grant role %s: %v", roleID, err)
		}
	}

	fmt.Printf("Tenant %s (%s) %s.\n", tenant.ID, tenant.DisplayName, state)
	if tenant.DefaultChannelID != "" {
		fmt.Printf("Default channel: %s\n", tenant.DefaultChannelID)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func openRepository(jsonPath, postgresDSN string) (storage.Repository, error) {
	if jsonPath != "" {
		return storage.NewStorage(jsonPath)
	}
	return storage.NewPostgresRepository(postgresDSN)
}

func closeRepository(repo storage.Repository) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = repo.Close(ctx)
}

func splitRoles(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
