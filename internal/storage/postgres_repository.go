package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"streamrelay/internal/models"
)

type postgresRepository struct {
	pool *pgxpool.Pool
	cfg  PostgresConfig
}

// NewPostgresRepository opens a Postgres-backed repository and applies the
// schema migration before returning.
func NewPostgresRepository(dsn string, opts ...Option) (Repository, error) {
	cfg := newPostgresConfig(dsn, opts...)
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections >= 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.AcquireTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.AcquireTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	ctx := context.Background()
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	repo := &postgresRepository{pool: pool, cfg: cfg}
	if err := repo.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return repo, nil
}

func (r *postgresRepository) Ping(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return errors.New("postgres pool not initialised")
	}
	return r.pool.Ping(ctx)
}

func (r *postgresRepository) Close(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (r *postgresRepository) CreateTenant(ctx context.Context, params CreateTenantParams) (models.Tenant, bool, error) {
	id := strings.TrimSpace(params.ID)
	if id == "" {
		return models.Tenant{}, false, errors.New("tenant id is required")
	}

	var tenant models.Tenant
	err := r.pool.QueryRow(ctx, `
		INSERT INTO tenants (id, display_name, default_channel_id, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING
		RETURNING id, display_name, default_channel_id, created_at`,
		id, strings.TrimSpace(params.DisplayName), strings.TrimSpace(params.DefaultChannelID), r.cfg.Clock(),
	).Scan(&tenant.ID, &tenant.DisplayName, &tenant.DefaultChannelID, &tenant.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		existing, getErr := r.GetTenant(ctx, id)
		if getErr != nil {
			return models.Tenant{}, false, getErr
		}
		return existing, false, nil
	}
	if err != nil {
		return models.Tenant{}, false, fmt.Errorf("insert tenant: %w", err)
	}
	return tenant, true, nil
}

func (r *postgresRepository) GetTenant(ctx context.Context, id string) (models.Tenant, error) {
	var tenant models.Tenant
	err := r.pool.QueryRow(ctx, `
		SELECT id, display_name, default_channel_id, created_at
		FROM tenants WHERE id = $1`, id,
	).Scan(&tenant.ID, &tenant.DisplayName, &tenant.DefaultChannelID, &tenant.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Tenant{}, fmt.Errorf("tenant %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Tenant{}, fmt.Errorf("select tenant: %w", err)
	}
	return tenant, nil
}

func (r *postgresRepository) SetTenantDefaultChannel(ctx context.Context, id, channelID string) (models.Tenant, error) {
	channelID = strings.TrimSpace(channelID)
	if channelID == "" {
		return models.Tenant{}, errors.New("channel id is required")
	}

	var tenant models.Tenant
	err := r.pool.QueryRow(ctx, `
		UPDATE tenants SET default_channel_id = $2
		WHERE id = $1
		RETURNING id, display_name, default_channel_id, created_at`,
		id, channelID,
	).Scan(&tenant.ID, &tenant.DisplayName, &tenant.DefaultChannelID, &tenant.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Tenant{}, fmt.Errorf("tenant %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Tenant{}, fmt.Errorf("update tenant: %w", err)
	}
	return tenant, nil
}

const subscriptionColumns = `id, tenant_id, platform, source, display_name, channel_id, role_id, enabled, last_state, last_checked, created_at`

func scanSubscription(row pgx.Row) (models.Subscription, error) {
	var sub models.Subscription
	err := row.Scan(
		&sub.ID, &sub.TenantID, &sub.Platform, &sub.Source, &sub.DisplayName,
		&sub.ChannelID, &sub.RoleID, &sub.Enabled, &sub.LastState, &sub.LastChecked,
		&sub.CreatedAt,
	)
	return sub, err
}

func (r *postgresRepository) CreateSubscription(ctx context.Context, params CreateSubscriptionParams) (models.Subscription, error) {
	if !params.Platform.Valid() {
		return models.Subscription{}, fmt.Errorf("unknown platform %q", params.Platform)
	}
	source := strings.TrimSpace(params.Source)
	if source == "" {
		return models.Subscription{}, errors.New("source is required")
	}

	tenant, err := r.GetTenant(ctx, params.TenantID)
	if err != nil {
		return models.Subscription{}, err
	}
	channelID := strings.TrimSpace(params.ChannelID)
	if channelID == "" && tenant.DefaultChannelID == "" {
		return models.Subscription{}, errors.New("tenant has no default channel and no override was provided")
	}

	sub, err := scanSubscription(r.pool.QueryRow(ctx, `
		INSERT INTO subscriptions (tenant_id, platform, source, display_name, channel_id, role_id, enabled, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, TRUE, $7)
		RETURNING `+subscriptionColumns,
		tenant.ID, string(params.Platform), source, strings.TrimSpace(params.DisplayName),
		channelID, strings.TrimSpace(params.RoleID), r.cfg.Clock(),
	))
	if err != nil {
		return models.Subscription{}, fmt.Errorf("insert subscription: %w", err)
	}
	return sub, nil
}

func (r *postgresRepository) GetSubscription(ctx context.Context, id int64) (models.Subscription, error) {
	sub, err := scanSubscription(r.pool.QueryRow(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Subscription{}, fmt.Errorf("subscription %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Subscription{}, fmt.Errorf("select subscription: %w", err)
	}
	return sub, nil
}

func (r *postgresRepository) UpdateSubscription(ctx context.Context, id int64, update SubscriptionUpdate) (models.Subscription, error) {
	current, err := r.GetSubscription(ctx, id)
	if err != nil {
		return models.Subscription{}, err
	}

	displayName := current.DisplayName
	channelID := current.ChannelID
	roleID := current.RoleID
	if update.DisplayName != nil {
		displayName = strings.TrimSpace(*update.DisplayName)
	}
	if update.ChannelID != nil {
		channelID = strings.TrimSpace(*update.ChannelID)
		if channelID == "" {
			tenant, err := r.GetTenant(ctx, current.TenantID)
			if err != nil {
				return models.Subscription{}, err
			}
			if tenant.DefaultChannelID == "" {
				return models.Subscription{}, errors.New("cannot clear channel override: tenant has no default channel")
			}
		}
	}
	if update.RoleID != nil {
		roleID = strings.TrimSpace(*update.RoleID)
	}

	sub, err := scanSubscription(r.pool.QueryRow(ctx, `
		UPDATE subscriptions SET display_name = $2, channel_id = $3, role_id = $4
		WHERE id = $1
		RETURNING `+subscriptionColumns,
		id, displayName, channelID, roleID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Subscription{}, fmt.Errorf("subscription %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Subscription{}, fmt.Errorf("update subscription: %w", err)
	}
	return sub, nil
}

func (r *postgresRepository) SetSubscriptionEnabled(ctx context.Context, id int64, enabled bool) (models.Subscription, error) {
	sub, err := scanSubscription(r.pool.QueryRow(ctx, `
		UPDATE subscriptions SET enabled = $2
		WHERE id = $1
		RETURNING `+subscriptionColumns,
		id, enabled,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Subscription{}, fmt.Errorf("subscription %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Subscription{}, fmt.Errorf("update subscription: %w", err)
	}
	return sub, nil
}

func (r *postgresRepository) DeleteSubscription(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM subscriptions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("subscription %d: %w", id, ErrNotFound)
	}
	return nil
}

func (r *postgresRepository) listSubscriptions(ctx context.Context, query string, args ...any) ([]models.Subscription, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []models.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subscriptions: %w", err)
	}
	return subs, nil
}

func (r *postgresRepository) ListSubscriptions(ctx context.Context, tenantID string) ([]models.Subscription, error) {
	return r.listSubscriptions(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE tenant_id = $1 ORDER BY id`, tenantID)
}

func (r *postgresRepository) ListEnabledByPlatform(ctx context.Context, platform models.Platform) ([]models.Subscription, error) {
	return r.listSubscriptions(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE platform = $1 AND enabled ORDER BY id`, string(platform))
}

func (r *postgresRepository) ListEnabledBySource(ctx context.Context, platform models.Platform, source string) ([]models.Subscription, error) {
	return r.listSubscriptions(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE platform = $1 AND source = $2 AND enabled ORDER BY id`, string(platform), source)
}

// ClaimState executes the claim as one UPDATE guarded by IS DISTINCT FROM, so
// the compare and the set happen inside a single statement and concurrent
// claimants for the same token cannot both win.
func (r *postgresRepository) ClaimState(ctx context.Context, id int64, token string) (bool, error) {
	if token == "" {
		return false, errors.New("state token is required")
	}

	tag, err := r.pool.Exec(ctx, `
		UPDATE subscriptions SET last_state = $2, last_checked = $3
		WHERE id = $1 AND last_state IS DISTINCT FROM $2`,
		id, token, r.cfg.Clock(),
	)
	if err != nil {
		return false, fmt.Errorf("claim state: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	// Zero rows: either the token was already recorded or the subscription
	// is gone. Distinguish so callers can surface a real NotFound.
	if _, err := r.GetSubscription(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (r *postgresRepository) ClearState(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE subscriptions SET last_state = NULL, last_checked = $2
		WHERE id = $1`,
		id, r.cfg.Clock(),
	)
	if err != nil {
		return fmt.Errorf("clear state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("subscription %d: %w", id, ErrNotFound)
	}
	return nil
}

func (r *postgresRepository) AddGrant(ctx context.Context, tenantID, roleID string) (models.PermissionGrant, error) {
	roleID = strings.TrimSpace(roleID)
	if roleID == "" {
		return models.PermissionGrant{}, errors.New("role id is required")
	}
	if _, err := r.GetTenant(ctx, tenantID); err != nil {
		return models.PermissionGrant{}, err
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO permission_grants (tenant_id, role_id)
		VALUES ($1, $2)
		ON CONFLICT (tenant_id, role_id) DO NOTHING`,
		tenantID, roleID,
	)
	if err != nil {
		return models.PermissionGrant{}, fmt.Errorf("insert grant: %w", err)
	}
	return models.PermissionGrant{TenantID: tenantID, RoleID: roleID}, nil
}

func (r *postgresRepository) RemoveGrant(ctx context.Context, tenantID, roleID string) error {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM permission_grants WHERE tenant_id = $1 AND role_id = $2`,
		tenantID, roleID,
	)
	if err != nil {
		return fmt.Errorf("delete grant: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("grant %s/%s: %w", tenantID, roleID, ErrNotFound)
	}
	return nil
}

func (r *postgresRepository) ListGrants(ctx context.Context, tenantID string) ([]models.PermissionGrant, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT tenant_id, role_id FROM permission_grants
		WHERE tenant_id = $1 ORDER BY role_id`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("select grants: %w", err)
	}
	defer rows.Close()

	var grants []models.PermissionGrant
	for rows.Next() {
		var grant models.PermissionGrant
		if err := rows.Scan(&grant.TenantID, &grant.RoleID); err != nil {
			return nil, fmt.Errorf("scan grant: %w", err)
		}
		grants = append(grants, grant)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate grants: %w", err)
	}
	return grants, nil
}
