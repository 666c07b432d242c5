// Package manage is the configuration surface: every tenant-facing operation
// for setting up watches and delegating access runs through here, and every
// call authorizes against the permission gate before touching the store.
package manage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"streamrelay/internal/models"
	"streamrelay/internal/permissions"
	"streamrelay/internal/platform/twitch"
	"streamrelay/internal/storage"
)

// ErrInvalidInput is wrapped by operations rejecting malformed arguments
// before any store access.
var ErrInvalidInput = errors.New("invalid input")

// HandleResolver turns a Twitch login handle into its stable user id. The
// Helix client satisfies it; wiring one is optional.
type HandleResolver interface {
	UserByLogin(ctx context.Context, login string) (*twitch.User, error)
}

// ServiceOption customises service construction.
type ServiceOption func(*Service)

// WithServiceLogger overrides the default logger.
func WithServiceLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithHandleResolver enables handle-to-id resolution for Twitch sources at
// add time.
func WithHandleResolver(resolver HandleResolver) ServiceOption {
	return func(s *Service) {
		s.resolver = resolver
	}
}

// Service exposes the gated configuration operations. It owns no state of its
// own; the store is the single source of truth and the gate is consulted on
// every call.
type Service struct {
	store    storage.Repository
	gate     *permissions.Gate
	resolver HandleResolver
	logger   *slog.Logger
}

// NewService wires the config surface.
func NewService(store storage.Repository, gate *permissions.Gate, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if gate == nil {
		return nil, errors.New("gate is required")
	}
	s := &Service{
		store:  store,
		gate:   gate,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Setup creates the tenant record if it does not exist yet. Re-running setup
// is harmless: an existing tenant is returned unchanged.
func (s *Service) Setup(ctx context.Context, actor permissions.Actor, params storage.CreateTenantParams) (models.Tenant, bool, error) {
	if strings.TrimSpace(params.ID) == "" {
		return models.Tenant{}, false, fmt.Errorf("tenant id is required: %w", ErrInvalidInput)
	}
	if err := s.gate.Authorize(ctx, actor, params.ID, permissions.ActionManageSubscriptions); err != nil {
		return models.Tenant{}, false, err
	}
	tenant, created, err := s.store.CreateTenant(ctx, params)
	if err != nil {
		return models.Tenant{}, false, fmt.Errorf("setup tenant %s: %w", params.ID, err)
	}
	if created {
		s.logger.Info("tenant set up", "tenant_id", tenant.ID, "actor_id", actor.ID)
	}
	return tenant, created, nil
}

// SetDefaultChannel changes where announcements land when a subscription has
// no channel override of its own.
func (s *Service) SetDefaultChannel(ctx context.Context, actor permissions.Actor, tenantID, channelID string) (models.Tenant, error) {
	if strings.TrimSpace(channelID) == "" {
		return models.Tenant{}, fmt.Errorf("channel id is required: %w", ErrInvalidInput)
	}
	if err := s.gate.Authorize(ctx, actor, tenantID, permissions.ActionManageSubscriptions); err != nil {
		return models.Tenant{}, err
	}
	tenant, err := s.store.SetTenantDefaultChannel(ctx, tenantID, channelID)
	if err != nil {
		return models.Tenant{}, fmt.Errorf("set default channel for tenant %s: %w", tenantID, err)
	}
	return tenant, nil
}

// AddSubscription registers a new watch. A Twitch handle is resolved to its
// stable user id when a resolver is wired; the handle is kept as the display
// name either way.
func (s *Service) AddSubscription(ctx context.Context, actor permissions.Actor, params storage.CreateSubscriptionParams) (models.Subscription, error) {
	if !params.Platform.Valid() {
		return models.Subscription{}, fmt.Errorf("unknown platform %q: %w", params.Platform, ErrInvalidInput)
	}
	if strings.TrimSpace(params.Source) == "" {
		return models.Subscription{}, fmt.Errorf("source is required: %w", ErrInvalidInput)
	}
	if err := s.gate.Authorize(ctx, actor, params.TenantID, permissions.ActionManageSubscriptions); err != nil {
		return models.Subscription{}, err
	}

	if params.Platform == models.PlatformTwitch && s.resolver != nil {
		user, err := s.resolver.UserByLogin(ctx, params.Source)
		if err != nil {
			return models.Subscription{}, fmt.Errorf("resolve twitch handle %q: %w", params.Source, err)
		}
		if user == nil {
			return models.Subscription{}, fmt.Errorf("twitch handle %q does not exist: %w", params.Source, ErrInvalidInput)
		}
		if params.DisplayName == "" {
			params.DisplayName = user.DisplayName
		}
		params.Source = user.ID
	}
	if params.DisplayName == "" {
		params.DisplayName = params.Source
	}

	sub, err := s.store.CreateSubscription(ctx, params)
	if err != nil {
		return models.Subscription{}, fmt.Errorf("add subscription for tenant %s: %w", params.TenantID, err)
	}
	s.logger.Info("subscription added",
		"tenant_id", sub.TenantID,
		"subscription_id", sub.ID,
		"platform", sub.Platform,
		"source", sub.Source,
		"actor_id", actor.ID,
	)
	return sub, nil
}

// EditSubscription applies a partial update to an existing watch.
func (s *Service) EditSubscription(ctx context.Context, actor permissions.Actor, tenantID string, id int64, update storage.SubscriptionUpdate) (models.Subscription, error) {
	sub, err := s.authorizedSubscription(ctx, actor, tenantID, id, permissions.ActionManageSubscriptions)
	if err != nil {
		return models.Subscription{}, err
	}
	updated, err := s.store.UpdateSubscription(ctx, sub.ID, update)
	if err != nil {
		return models.Subscription{}, fmt.Errorf("edit subscription %d: %w", id, err)
	}
	return updated, nil
}

// EnableSubscription resumes detection for a watch.
func (s *Service) EnableSubscription(ctx context.Context, actor permissions.Actor, tenantID string, id int64) (models.Subscription, error) {
	return s.setEnabled(ctx, actor, tenantID, id, true)
}

// DisableSubscription pauses detection without losing the configuration.
func (s *Service) DisableSubscription(ctx context.Context, actor permissions.Actor, tenantID string, id int64) (models.Subscription, error) {
	return s.setEnabled(ctx, actor, tenantID, id, false)
}

func (s *Service) setEnabled(ctx context.Context, actor permissions.Actor, tenantID string, id int64, enabled bool) (models.Subscription, error) {
	sub, err := s.authorizedSubscription(ctx, actor, tenantID, id, permissions.ActionManageSubscriptions)
	if err != nil {
		return models.Subscription{}, err
	}
	updated, err := s.store.SetSubscriptionEnabled(ctx, sub.ID, enabled)
	if err != nil {
		return models.Subscription{}, fmt.Errorf("toggle subscription %d: %w", id, err)
	}
	s.logger.Info("subscription toggled",
		"tenant_id", tenantID,
		"subscription_id", id,
		"enabled", enabled,
		"actor_id", actor.ID,
	)
	return updated, nil
}

// RemoveSubscription deletes a watch permanently.
func (s *Service) RemoveSubscription(ctx context.Context, actor permissions.Actor, tenantID string, id int64) error {
	sub, err := s.authorizedSubscription(ctx, actor, tenantID, id, permissions.ActionManageSubscriptions)
	if err != nil {
		return err
	}
	if err := s.store.DeleteSubscription(ctx, sub.ID); err != nil {
		return fmt.Errorf("remove subscription %d: %w", id, err)
	}
	s.logger.Info("subscription removed",
		"tenant_id", tenantID,
		"subscription_id", id,
		"actor_id", actor.ID,
	)
	return nil
}

// ListSubscriptions returns the tenant's watches, disabled ones included.
func (s *Service) ListSubscriptions(ctx context.Context, actor permissions.Actor, tenantID string) ([]models.Subscription, error) {
	if err := s.gate.Authorize(ctx, actor, tenantID, permissions.ActionViewSubscriptions); err != nil {
		return nil, err
	}
	subs, err := s.store.ListSubscriptions(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions for tenant %s: %w", tenantID, err)
	}
	return subs, nil
}

// Grant allows holders of a role to manage the tenant's subscriptions.
func (s *Service) Grant(ctx context.Context, actor permissions.Actor, tenantID, roleID string) error {
	if strings.TrimSpace(roleID) == "" {
		return fmt.Errorf("role id is required: %w", ErrInvalidInput)
	}
	if err := s.gate.Authorize(ctx, actor, tenantID, permissions.ActionManageGrants); err != nil {
		return err
	}
	if _, err := s.store.AddGrant(ctx, tenantID, roleID); err != nil {
		return fmt.Errorf("grant role %s on tenant %s: %w", roleID, tenantID, err)
	}
	s.logger.Info("role granted", "tenant_id", tenantID, "role_id", roleID, "actor_id", actor.ID)
	return nil
}

// Revoke withdraws a previously granted role.
func (s *Service) Revoke(ctx context.Context, actor permissions.Actor, tenantID, roleID string) error {
	if err := s.gate.Authorize(ctx, actor, tenantID, permissions.ActionManageGrants); err != nil {
		return err
	}
	if err := s.store.RemoveGrant(ctx, tenantID, roleID); err != nil {
		return fmt.Errorf("revoke role %s on tenant %s: %w", roleID, tenantID, err)
	}
	s.logger.Info("role revoked", "tenant_id", tenantID, "role_id", roleID, "actor_id", actor.ID)
	return nil
}

// ListGrants returns the tenant's granted roles.
func (s *Service) ListGrants(ctx context.Context, actor permissions.Actor, tenantID string) ([]models.PermissionGrant, error) {
	if err := s.gate.Authorize(ctx, actor, tenantID, permissions.ActionViewSubscriptions); err != nil {
		return nil, err
	}
	grants, err := s.store.ListGrants(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list grants for tenant %s: %w", tenantID, err)
	}
	return grants, nil
}

// authorizedSubscription authorizes the action and loads the subscription,
// verifying it belongs to the tenant the actor was authorized for. A
// subscription outside the tenant is reported as not found, not as forbidden.
func (s *Service) authorizedSubscription(ctx context.Context, actor permissions.Actor, tenantID string, id int64, action permissions.Action) (models.Subscription, error) {
	if err := s.gate.Authorize(ctx, actor, tenantID, action); err != nil {
		return models.Subscription{}, err
	}
	sub, err := s.store.GetSubscription(ctx, id)
	if err != nil {
		return models.Subscription{}, fmt.Errorf("load subscription %d: %w", id, err)
	}
	if sub.TenantID != tenantID {
		return models.Subscription{}, fmt.Errorf("subscription %d not in tenant %s: %w", id, tenantID, storage.ErrNotFound)
	}
	return sub, nil
}
