package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"streamrelay/internal/models"
)

// CreateSubscription registers a new watch. A subscription without a channel
// override requires the owning tenant to already carry a default channel.
func (s *Storage) CreateSubscription(ctx context.Context, params CreateSubscriptionParams) (models.Subscription, error) {
	if !params.Platform.Valid() {
		return models.Subscription{}, fmt.Errorf("unknown platform %q", params.Platform)
	}
	source := strings.TrimSpace(params.Source)
	if source == "" {
		return models.Subscription{}, errors.New("source is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tenant, ok := s.data.Tenants[params.TenantID]
	if !ok {
		return models.Subscription{}, fmt.Errorf("tenant %s: %w", params.TenantID, ErrNotFound)
	}
	channelID := strings.TrimSpace(params.ChannelID)
	if channelID == "" && tenant.DefaultChannelID == "" {
		return models.Subscription{}, errors.New("tenant has no default channel and no override was provided")
	}

	id := s.data.NextSubscriptionID
	sub := models.Subscription{
		ID:          id,
		TenantID:    tenant.ID,
		Platform:    params.Platform,
		Source:      source,
		DisplayName: strings.TrimSpace(params.DisplayName),
		ChannelID:   channelID,
		RoleID:      strings.TrimSpace(params.RoleID),
		Enabled:     true,
		CreatedAt:   s.now(),
	}
	s.data.Subscriptions[id] = sub
	s.data.NextSubscriptionID = id + 1
	if err := s.persist(); err != nil {
		delete(s.data.Subscriptions, id)
		s.data.NextSubscriptionID = id
		return models.Subscription{}, err
	}
	return sub, nil
}

// GetSubscription looks up a subscription by id.
func (s *Storage) GetSubscription(ctx context.Context, id int64) (models.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.data.Subscriptions[id]
	if !ok {
		return models.Subscription{}, fmt.Errorf("subscription %d: %w", id, ErrNotFound)
	}
	return sub, nil
}

// UpdateSubscription applies the non-nil fields of update.
func (s *Storage) UpdateSubscription(ctx context.Context, id int64, update SubscriptionUpdate) (models.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.data.Subscriptions[id]
	if !ok {
		return models.Subscription{}, fmt.Errorf("subscription %d: %w", id, ErrNotFound)
	}
	previous := sub
	if update.DisplayName != nil {
		sub.DisplayName = strings.TrimSpace(*update.DisplayName)
	}
	if update.ChannelID != nil {
		channelID := strings.TrimSpace(*update.ChannelID)
		if channelID == "" {
			tenant := s.data.Tenants[sub.TenantID]
			if tenant.DefaultChannelID == "" {
				return models.Subscription{}, errors.New("cannot clear channel override: tenant has no default channel")
			}
		}
		sub.ChannelID = channelID
	}
	if update.RoleID != nil {
		sub.RoleID = strings.TrimSpace(*update.RoleID)
	}
	s.data.Subscriptions[id] = sub
	if err := s.persist(); err != nil {
		s.data.Subscriptions[id] = previous
		return models.Subscription{}, err
	}
	return sub, nil
}

// SetSubscriptionEnabled toggles the enabled flag. Disabled subscriptions are
// excluded from detection but remain queryable and editable.
func (s *Storage) SetSubscriptionEnabled(ctx context.Context, id int64, enabled bool) (models.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.data.Subscriptions[id]
	if !ok {
		return models.Subscription{}, fmt.Errorf("subscription %d: %w", id, ErrNotFound)
	}
	previous := sub
	sub.Enabled = enabled
	s.data.Subscriptions[id] = sub
	if err := s.persist(); err != nil {
		s.data.Subscriptions[id] = previous
		return models.Subscription{}, err
	}
	return sub, nil
}

// DeleteSubscription removes the subscription entirely.
func (s *Storage) DeleteSubscription(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.data.Subscriptions[id]
	if !ok {
		return fmt.Errorf("subscription %d: %w", id, ErrNotFound)
	}
	delete(s.data.Subscriptions, id)
	if err := s.persist(); err != nil {
		s.data.Subscriptions[id] = sub
		return err
	}
	return nil
}

// ListSubscriptions returns all subscriptions owned by the tenant, ordered by
// id.
func (s *Storage) ListSubscriptions(ctx context.Context, tenantID string) ([]models.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var subs []models.Subscription
	for _, sub := range s.data.Subscriptions {
		if sub.TenantID == tenantID {
			subs = append(subs, sub)
		}
	}
	sortSubscriptions(subs)
	return subs, nil
}

// ListEnabledByPlatform returns every enabled subscription for the platform
// across all tenants, ordered by id. This is the poller's sweep query.
func (s *Storage) ListEnabledByPlatform(ctx context.Context, platform models.Platform) ([]models.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var subs []models.Subscription
	for _, sub := range s.data.Subscriptions {
		if sub.Platform == platform && sub.Enabled {
			subs = append(subs, sub)
		}
	}
	sortSubscriptions(subs)
	return subs, nil
}

// ListEnabledBySource returns every enabled subscription watching the given
// source, across all tenants. This is the webhook gateway's fan-out query.
func (s *Storage) ListEnabledBySource(ctx context.Context, platform models.Platform, source string) ([]models.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var subs []models.Subscription
	for _, sub := range s.data.Subscriptions {
		if sub.Platform == platform && sub.Source == source && sub.Enabled {
			subs = append(subs, sub)
		}
	}
	sortSubscriptions(subs)
	return subs, nil
}

// ClaimState implements the delivery claim as a compare-and-set under the
// store's write lock: the token is recorded only when it differs from the
// currently recorded one, and exactly one concurrent caller observes the
// transition.
func (s *Storage) ClaimState(ctx context.Context, id int64, token string) (bool, error) {
	if token == "" {
		return false, errors.New("state token is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.data.Subscriptions[id]
	if !ok {
		return false, fmt.Errorf("subscription %d: %w", id, ErrNotFound)
	}
	if sub.LastState != nil && *sub.LastState == token {
		return false, nil
	}
	previous := sub
	now := s.now()
	sub.LastState = &token
	sub.LastChecked = &now
	s.data.Subscriptions[id] = sub
	if err := s.persist(); err != nil {
		s.data.Subscriptions[id] = previous
		return false, err
	}
	return true, nil
}

// ClearState drops the recorded state token, typically when a stream goes
// offline. Clearing an already-clear subscription is a no-op.
func (s *Storage) ClearState(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.data.Subscriptions[id]
	if !ok {
		return fmt.Errorf("subscription %d: %w", id, ErrNotFound)
	}
	if sub.LastState == nil {
		return nil
	}
	previous := sub
	now := s.now()
	sub.LastState = nil
	sub.LastChecked = &now
	s.data.Subscriptions[id] = sub
	if err := s.persist(); err != nil {
		s.data.Subscriptions[id] = previous
		return err
	}
	return nil
}

func sortSubscriptions(subs []models.Subscription) {
	sort.Slice(subs, func(i, j int) bool { return subs[i].ID < subs[j].ID })
}
