// Package postgres provides a PostgreSQL implementation of the
// subsync.Storage interface. The unique constraint on
// processed_events(event_id) is what makes concurrent webhook deliveries of
// the same event converge to exactly one ledger record, and the partial
// unique index on (user_id) WHERE status = 'active' backs the
// one-active-subscription-per-user invariant at the storage layer.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

// Schema creates the tables and indexes this adapter needs. Idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	email TEXT NOT NULL DEFAULT '',
	provider_customer_id TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS plans (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	provider_price_id TEXT NOT NULL,
	active BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS subscriptions (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	plan_id TEXT NOT NULL,
	provider_subscription_id TEXT,
	provider_customer_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	provider_status TEXT NOT NULL DEFAULT '',
	starts_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	cancel_at_period_end BOOLEAN NOT NULL DEFAULT FALSE,
	last_payment_failed_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS ux_subscriptions_provider_id
	ON subscriptions (provider_subscription_id)
	WHERE provider_subscription_id IS NOT NULL;

CREATE UNIQUE INDEX IF NOT EXISTS ux_subscriptions_one_active
	ON subscriptions (user_id)
	WHERE status = 'active';

CREATE TABLE IF NOT EXISTS processed_events (
	event_id TEXT PRIMARY KEY,
	event_type TEXT NOT NULL,
	processed_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Config holds PostgreSQL storage configuration.
type Config struct {
	// ConnectionString is the PostgreSQL connection string.
	ConnectionString string

	// Pool configuration.
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
}

// Storage implements subsync.Storage using PostgreSQL.
type Storage struct {
	pool   *pgxpool.Pool
	config Config
}

// New creates a new PostgreSQL storage adapter.
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Storage{pool: pool, config: config}, nil
}

// InitSchema applies Schema. Safe to call on every startup.
func (s *Storage) InitSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Close closes the connection pool.
func (s *Storage) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const subscriptionColumns = `id, user_id, plan_id, provider_subscription_id, provider_customer_id,
	status, provider_status, starts_at, expires_at, cancel_at_period_end,
	last_payment_failed_at, created_at, updated_at`

func scanSubscription(row pgx.Row) (*subsync.Subscription, error) {
	var sub subsync.Subscription
	var providerSubID *string
	var status string

	err := row.Scan(
		&sub.ID,
		&sub.UserID,
		&sub.PlanID,
		&providerSubID,
		&sub.ProviderCustomerID,
		&status,
		&sub.ProviderStatus,
		&sub.StartsAt,
		&sub.ExpiresAt,
		&sub.CancelAtPeriodEnd,
		&sub.LastPaymentFailedAt,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if providerSubID != nil {
		sub.ProviderSubscriptionID = *providerSubID
	}
	sub.Status = subsync.Status(status)
	return &sub, nil
}

// nullable maps the empty string onto SQL NULL so the partial unique index
// on provider_subscription_id only covers linked subscriptions.
func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// GetSubscription implements subsync.Storage.
func (s *Storage) GetSubscription(ctx context.Context, id string) (*subsync.Subscription, error) {
	sub, err := scanSubscription(s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, subsync.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

// GetSubscriptionByProviderID implements subsync.Storage.
func (s *Storage) GetSubscriptionByProviderID(ctx context.Context, providerSubID string) (*subsync.Subscription, error) {
	sub, err := scanSubscription(s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE provider_subscription_id = $1`,
		providerSubID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, subsync.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription by provider id: %w", err)
	}
	return sub, nil
}

// ListProviderSubscriptions implements subsync.Storage.
func (s *Storage) ListProviderSubscriptions(ctx context.Context) ([]*subsync.Subscription, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
			WHERE provider_subscription_id IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	var out []*subsync.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	return out, nil
}

// InsertSubscription implements subsync.Storage.
func (s *Storage) InsertSubscription(ctx context.Context, sub *subsync.Subscription) error {
	if sub == nil || sub.ID == "" || sub.UserID == "" {
		return fmt.Errorf("invalid subscription")
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO subscriptions (`+subscriptionColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		sub.ID, sub.UserID, sub.PlanID, nullable(sub.ProviderSubscriptionID),
		sub.ProviderCustomerID, string(sub.Status), sub.ProviderStatus,
		sub.StartsAt, sub.ExpiresAt, sub.CancelAtPeriodEnd,
		sub.LastPaymentFailedAt, sub.CreatedAt, sub.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert subscription: %w", err)
	}
	return nil
}

// UpdateSubscription implements subsync.Storage.
func (s *Storage) UpdateSubscription(ctx context.Context, sub *subsync.Subscription) error {
	if sub == nil || sub.ID == "" {
		return fmt.Errorf("invalid subscription")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE subscriptions SET
			provider_subscription_id = $2,
			provider_customer_id = $3,
			status = $4,
			provider_status = $5,
			starts_at = $6,
			expires_at = $7,
			cancel_at_period_end = $8,
			last_payment_failed_at = $9,
			updated_at = $10
		WHERE id = $1`,
		sub.ID, nullable(sub.ProviderSubscriptionID), sub.ProviderCustomerID,
		string(sub.Status), sub.ProviderStatus, sub.StartsAt, sub.ExpiresAt,
		sub.CancelAtPeriodEnd, sub.LastPaymentFailedAt, sub.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return subsync.ErrSubscriptionNotFound
	}
	return nil
}

// ExpireActiveSubscriptions implements subsync.Storage.
func (s *Storage) ExpireActiveSubscriptions(ctx context.Context, userID string) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE subscriptions SET status = $2, updated_at = now()
			WHERE user_id = $1 AND status = $3`,
		userID, string(subsync.StatusExpired), string(subsync.StatusActive))
	if err != nil {
		return 0, fmt.Errorf("failed to expire subscriptions: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// GetUser implements subsync.Storage.
func (s *Storage) GetUser(ctx context.Context, userID string) (*subsync.User, error) {
	var user subsync.User
	err := s.pool.QueryRow(ctx,
		`SELECT id, email, provider_customer_id FROM users WHERE id = $1`,
		userID).Scan(&user.ID, &user.Email, &user.ProviderCustomerID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, subsync.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &user, nil
}

// SetUserProviderCustomerID implements subsync.Storage.
func (s *Storage) SetUserProviderCustomerID(ctx context.Context, userID, customerID string) error {
	if userID == "" {
		return fmt.Errorf("user id is required")
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, provider_customer_id)
			VALUES ($1, $2)
			ON CONFLICT (id) DO UPDATE SET
				provider_customer_id = EXCLUDED.provider_customer_id`,
		userID, customerID)
	if err != nil {
		return fmt.Errorf("failed to set provider customer id: %w", err)
	}
	return nil
}

// GetPlan implements subsync.Storage.
func (s *Storage) GetPlan(ctx context.Context, planID string) (*subsync.Plan, error) {
	var plan subsync.Plan
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, provider_price_id, active FROM plans WHERE id = $1`,
		planID).Scan(&plan.ID, &plan.Name, &plan.ProviderPriceID, &plan.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, subsync.ErrPlanNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plan: %w", err)
	}
	return &plan, nil
}

// HasProcessedEvent implements subsync.Storage.
func (s *Storage) HasProcessedEvent(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM processed_events WHERE event_id = $1)`,
		eventID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check processed event: %w", err)
	}
	return exists, nil
}

// MarkEventProcessed implements subsync.Storage. The primary key on
// event_id decides the winner under concurrent delivery; the loser's insert
// affects zero rows and surfaces as ErrEventAlreadyProcessed.
func (s *Storage) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	if eventID == "" {
		return fmt.Errorf("event id is required")
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO processed_events (event_id, event_type, processed_at)
			VALUES ($1, $2, now())
			ON CONFLICT (event_id) DO NOTHING`,
		eventID, eventType)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return subsync.ErrEventAlreadyProcessed
		}
		return fmt.Errorf("failed to mark event processed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return subsync.ErrEventAlreadyProcessed
	}
	return nil
}
