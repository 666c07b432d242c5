package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"streamrelay/internal/models"
)

type dataset struct {
	Tenants            map[string]models.Tenant      `json:"tenants"`
	Subscriptions      map[int64]models.Subscription `json:"subscriptions"`
	Grants             map[string][]string           `json:"grants"`
	NextSubscriptionID int64                         `json:"nextSubscriptionId"`
}

// Storage is the JSON-file-backed repository used for single-process
// deployments and tests. Mutations hold the write lock, apply in memory, and
// persist the full dataset atomically; a failed persist rolls the in-memory
// change back so callers never observe state that was not made durable.
type Storage struct {
	mu       sync.RWMutex
	filePath string
	data     dataset
	// persistOverride allows tests to intercept persist operations.
	persistOverride func(dataset) error
	now             func() time.Time
}

// NewStorage opens (or initialises) the JSON datastore at path.
func NewStorage(path string, opts ...Option) (*Storage, error) {
	store := &Storage{
		filePath: path,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt.applyJSON(store)
		}
	}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *Storage) load() error {
	s.data = dataset{
		Tenants:            make(map[string]models.Tenant),
		Subscriptions:      make(map[int64]models.Subscription),
		Grants:             make(map[string][]string),
		NextSubscriptionID: 1,
	}

	file, err := os.Open(s.filePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open store file: %w", err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	if err := decoder.Decode(&s.data); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("decode store file: %w", err)
	}
	if s.data.Tenants == nil {
		s.data.Tenants = make(map[string]models.Tenant)
	}
	if s.data.Subscriptions == nil {
		s.data.Subscriptions = make(map[int64]models.Subscription)
	}
	if s.data.Grants == nil {
		s.data.Grants = make(map[string][]string)
	}
	if s.data.NextSubscriptionID < 1 {
		s.data.NextSubscriptionID = 1
	}
	return nil
}

func (s *Storage) persist() error {
	if s.persistOverride != nil {
		if err := s.persistOverride(s.data); err != nil {
			return err
		}
	}

	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "store-*.json")
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(s.data); err != nil {
		return fmt.Errorf("encode store file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("flush store file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp store file: %w", err)
	}

	if err := os.Rename(tmpPath, s.filePath); err != nil {
		return fmt.Errorf("replace store file: %w", err)
	}
	success = true
	return nil
}

// Ping reports whether the backing file location is writable.
func (s *Storage) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir := filepath.Dir(s.filePath)
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("stat data dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("data path %s is not a directory", dir)
	}
	return nil
}

// Close is a no-op for the file-backed store.
func (s *Storage) Close(ctx context.Context) error {
	return nil
}

// CreateTenant inserts the tenant when absent; an existing row is returned
// untouched with created=false. Setup is therefore idempotent and never
// silently overwrites a previously configured default channel.
func (s *Storage) CreateTenant(ctx context.Context, params CreateTenantParams) (models.Tenant, bool, error) {
	id := strings.TrimSpace(params.ID)
	if id == "" {
		return models.Tenant{}, false, errors.New("tenant id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.data.Tenants[id]; ok {
		return existing, false, nil
	}

	tenant := models.Tenant{
		ID:               id,
		DisplayName:      strings.TrimSpace(params.DisplayName),
		DefaultChannelID: strings.TrimSpace(params.DefaultChannelID),
		CreatedAt:        s.now(),
	}
	s.data.Tenants[id] = tenant
	if err := s.persist(); err != nil {
		delete(s.data.Tenants, id)
		return models.Tenant{}, false, err
	}
	return tenant, true, nil
}

// GetTenant looks up a tenant by its external identifier.
func (s *Storage) GetTenant(ctx context.Context, id string) (models.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tenant, ok := s.data.Tenants[id]
	if !ok {
		return models.Tenant{}, fmt.Errorf("tenant %s: %w", id, ErrNotFound)
	}
	return tenant, nil
}

// SetTenantDefaultChannel replaces the tenant's default destination channel.
func (s *Storage) SetTenantDefaultChannel(ctx context.Context, id, channelID string) (models.Tenant, error) {
	channelID = strings.TrimSpace(channelID)
	if channelID == "" {
		return models.Tenant{}, errors.New("channel id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tenant, ok := s.data.Tenants[id]
	if !ok {
		return models.Tenant{}, fmt.Errorf("tenant %s: %w", id, ErrNotFound)
	}
	previous := tenant
	tenant.DefaultChannelID = channelID
	s.data.Tenants[id] = tenant
	if err := s.persist(); err != nil {
		s.data.Tenants[id] = previous
		return models.Tenant{}, err
	}
	return tenant, nil
}
