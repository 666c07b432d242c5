package permissions

import (
	"context"
	"errors"
	"testing"

	"streamrelay/internal/models"
)

type staticGrants map[string][]string

func (s staticGrants) ListGrants(ctx context.Context, tenantID string) ([]models.PermissionGrant, error) {
	var grants []models.PermissionGrant
	for _, role := range s[tenantID] {
		grants = append(grants, models.PermissionGrant{TenantID: tenantID, RoleID: role})
	}
	return grants, nil
}

func TestAdminAlwaysPasses(t *testing.T) {
	gate := NewGate(staticGrants{})
	actor := Actor{ID: "u1", Admin: true}

	for _, action := range []Action{ActionViewSubscriptions, ActionManageSubscriptions, ActionManageGrants} {
		if err := gate.Authorize(context.Background(), actor, "guild-1", action); err != nil {
			t.Fatalf("admin denied %s: %v", action, err)
		}
	}
}

func TestGrantManagementRequiresAdmin(t *testing.T) {
	gate := NewGate(staticGrants{"guild-1": {"role-mods"}})
	actor := Actor{ID: "u1", Roles: []string{"role-mods"}}

	err := gate.Authorize(context.Background(), actor, "guild-1", ActionManageGrants)
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
}

func TestGrantedRolePasses(t *testing.T) {
	gate := NewGate(staticGrants{"guild-1": {"role-mods", "role-admins"}})

	holder := Actor{ID: "u1", Roles: []string{"unrelated", "role-mods"}}
	if err := gate.Authorize(context.Background(), holder, "guild-1", ActionManageSubscriptions); err != nil {
		t.Fatalf("grant holder denied: %v", err)
	}

	stranger := Actor{ID: "u2", Roles: []string{"unrelated"}}
	err := gate.Authorize(context.Background(), stranger, "guild-1", ActionManageSubscriptions)
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
}

func TestGrantsAreTenantScoped(t *testing.T) {
	gate := NewGate(staticGrants{"guild-1": {"role-mods"}})
	actor := Actor{ID: "u1", Roles: []string{"role-mods"}}

	err := gate.Authorize(context.Background(), actor, "guild-2", ActionViewSubscriptions)
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("role granted in another tenant must not pass, got %v", err)
	}
}
