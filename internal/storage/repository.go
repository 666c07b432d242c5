package storage

import (
	"context"
	"errors"

	"streamrelay/internal/models"
)

// ErrNotFound is wrapped by store operations that reference a missing tenant
// or subscription. Callers use errors.Is to translate it into a user-visible
// failure.
var ErrNotFound = errors.New("not found")

// CreateTenantParams describes a tenant setup request.
type CreateTenantParams struct {
	ID               string
	DisplayName      string
	DefaultChannelID string
}

// CreateSubscriptionParams describes a new watch. ChannelID may be empty when
// the tenant has a default channel configured.
type CreateSubscriptionParams struct {
	TenantID    string
	Platform    models.Platform
	Source      string
	DisplayName string
	ChannelID   string
	RoleID      string
}

// SubscriptionUpdate mutates the mutable subscription fields. Nil pointers
// leave the field untouched; pointing at an empty string clears it.
type SubscriptionUpdate struct {
	DisplayName *string
	ChannelID   *string
	RoleID      *string
}

// Repository exposes the datastore operations required by the delivery
// dispatcher, the detection components, and the config surface. All mutations
// are single-row; any write failure is reported to the caller and leaves the
// durable state as it was.
type Repository interface {
	Ping(ctx context.Context) error
	Close(ctx context.Context) error

	// CreateTenant inserts the tenant if absent and reports whether a row
	// was created. An existing tenant is returned untouched; changing the
	// default channel is an explicit separate operation.
	CreateTenant(ctx context.Context, params CreateTenantParams) (models.Tenant, bool, error)
	GetTenant(ctx context.Context, id string) (models.Tenant, error)
	SetTenantDefaultChannel(ctx context.Context, id, channelID string) (models.Tenant, error)

	CreateSubscription(ctx context.Context, params CreateSubscriptionParams) (models.Subscription, error)
	GetSubscription(ctx context.Context, id int64) (models.Subscription, error)
	UpdateSubscription(ctx context.Context, id int64, update SubscriptionUpdate) (models.Subscription, error)
	SetSubscriptionEnabled(ctx context.Context, id int64, enabled bool) (models.Subscription, error)
	DeleteSubscription(ctx context.Context, id int64) error
	ListSubscriptions(ctx context.Context, tenantID string) ([]models.Subscription, error)
	ListEnabledByPlatform(ctx context.Context, platform models.Platform) ([]models.Subscription, error)
	ListEnabledBySource(ctx context.Context, platform models.Platform, source string) ([]models.Subscription, error)

	// ClaimState is the delivery claim: it atomically compares the
	// subscription's recorded state token against token and, only when they
	// differ, records token together with the check timestamp. It reports
	// true when this caller won the claim. A false result with nil error
	// means another path already recorded the same token.
	ClaimState(ctx context.Context, id int64, token string) (bool, error)
	// ClearState drops the recorded state token so the next observation of
	// the source counts as a fresh transition.
	ClearState(ctx context.Context, id int64) error

	AddGrant(ctx context.Context, tenantID, roleID string) (models.PermissionGrant, error)
	RemoveGrant(ctx context.Context, tenantID, roleID string) error
	ListGrants(ctx context.Context, tenantID string) ([]models.PermissionGrant, error)
}
