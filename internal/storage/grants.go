package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"streamrelay/internal/models"
)

// AddGrant records that holders of roleID may manage the tenant's
// subscriptions. Adding an existing grant is a no-op.
func (s *Storage) AddGrant(ctx context.Context, tenantID, roleID string) (models.PermissionGrant, error) {
	roleID = strings.TrimSpace(roleID)
	if roleID == "" {
		return models.PermissionGrant{}, errors.New("role id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data.Tenants[tenantID]; !ok {
		return models.PermissionGrant{}, fmt.Errorf("tenant %s: %w", tenantID, ErrNotFound)
	}
	grant := models.PermissionGrant{TenantID: tenantID, RoleID: roleID}
	for _, existing := range s.data.Grants[tenantID] {
		if existing == roleID {
			return grant, nil
		}
	}
	s.data.Grants[tenantID] = append(s.data.Grants[tenantID], roleID)
	if err := s.persist(); err != nil {
		roles := s.data.Grants[tenantID]
		s.data.Grants[tenantID] = roles[:len(roles)-1]
		return models.PermissionGrant{}, err
	}
	return grant, nil
}

// RemoveGrant revokes a previously granted role.
func (s *Storage) RemoveGrant(ctx context.Context, tenantID, roleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	roles, ok := s.data.Grants[tenantID]
	if !ok {
		return fmt.Errorf("tenant %s: %w", tenantID, ErrNotFound)
	}
	for i, existing := range roles {
		if existing == roleID {
			previous := append([]string(nil), roles...)
			s.data.Grants[tenantID] = append(roles[:i], roles[i+1:]...)
			if err := s.persist(); err != nil {
				s.data.Grants[tenantID] = previous
				return err
			}
			return nil
		}
	}
	return fmt.Errorf("grant %s/%s: %w", tenantID, roleID, ErrNotFound)
}

// ListGrants returns the tenant's grant set ordered by role id.
func (s *Storage) ListGrants(ctx context.Context, tenantID string) ([]models.PermissionGrant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	roles := s.data.Grants[tenantID]
	grants := make([]models.PermissionGrant, 0, len(roles))
	for _, roleID := range roles {
		grants = append(grants, models.PermissionGrant{TenantID: tenantID, RoleID: roleID})
	}
	sort.Slice(grants, func(i, j int) bool { return grants[i].RoleID < grants[j].RoleID })
	return grants, nil
}
