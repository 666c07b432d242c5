// Package permissions implements the tenant-scoped authorization check that
// guards every configuration call before it reaches the subscription store.
package permissions

import (
	"context"
	"errors"
	"fmt"

	"streamrelay/internal/models"
)

// ErrPermissionDenied is returned when an actor lacks the privilege for an
// action. It is a user-visible outcome, never a system error.
var ErrPermissionDenied = errors.New("permission denied")

// Action enumerates the operations the gate distinguishes.
type Action string

const (
	// ActionViewSubscriptions covers read-only configuration queries.
	ActionViewSubscriptions Action = "subscriptions.view"
	// ActionManageSubscriptions covers create/edit/enable/disable/remove.
	ActionManageSubscriptions Action = "subscriptions.manage"
	// ActionManageGrants covers granting and revoking permission grants and
	// always requires administrative privilege.
	ActionManageGrants Action = "grants.manage"
)

// Actor describes the caller as reported by the chat platform: the roles it
// holds and whether it carries the platform-native elevated permission.
type Actor struct {
	ID    string
	Roles []string
	Admin bool
}

// GrantSource supplies the grant rows the gate evaluates against. The store's
// Repository satisfies it.
type GrantSource interface {
	ListGrants(ctx context.Context, tenantID string) ([]models.PermissionGrant, error)
}

// Gate evaluates whether an actor may perform an action within a tenant.
// Evaluation reads a snapshot of the tenant's grants and never mutates state.
type Gate struct {
	grants GrantSource
}

// NewGate constructs a gate backed by the provided grant source.
func NewGate(grants GrantSource) *Gate {
	return &Gate{grants: grants}
}

// Authorize returns nil when the actor may perform action on the tenant, and
// an error wrapping ErrPermissionDenied otherwise. Administrative actors pass
// unconditionally; grant management is admin-only; everything else requires
// the actor to hold at least one granted role.
func (g *Gate) Authorize(ctx context.Context, actor Actor, tenantID string, action Action) error {
	if actor.Admin {
		return nil
	}
	if action == ActionManageGrants {
		return fmt.Errorf("action %s requires administrative privilege: %w", action, ErrPermissionDenied)
	}

	grants, err := g.grants.ListGrants(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("load grants for tenant %s: %w", tenantID, err)
	}
	granted := make(map[string]struct{}, len(grants))
	for _, grant := range grants {
		granted[grant.RoleID] = struct{}{}
	}
	for _, role := range actor.Roles {
		if _, ok := granted[role]; ok {
			return nil
		}
	}
	return fmt.Errorf("actor %s holds no granted role for tenant %s: %w", actor.ID, tenantID, ErrPermissionDenied)
}
