// Package postgres provides a PostgreSQL implementation of subsync.Store.
// Subscription writes are ON CONFLICT upserts keyed by the provider
// subscription id, and each sweep runs in a single transaction.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

//go:embed schema.sql
var schema string

// Storage implements subsync.Store using PostgreSQL
type Storage struct {
	pool    *pgxpool.Pool
	config  Config
	metrics subsync.Metrics
	logger  subsync.Logger
	now     func() time.Time

	// stopCleanup cancels the background cleanup goroutine
	stopCleanup func()
}

var _ subsync.Store = (*Storage)(nil)

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// ClaimTimeout is how long an unprocessed inbox claim blocks redelivery.
	// A claim left behind by a crashed process becomes claimable again after it.
	ClaimTimeout time.Duration

	// Cleanup configuration
	CleanupEnabled  bool
	CleanupInterval time.Duration // How often to run cleanup
	EventRetention  time.Duration // How long processed inbox events are kept

	Metrics subsync.Metrics
	Logger  subsync.Logger
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		ClaimTimeout:    5 * time.Minute,
		CleanupEnabled:  true,
		CleanupInterval: time.Hour,
		EventRetention:  30 * 24 * time.Hour,
	}
}

// New creates a new PostgreSQL storage adapter
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
	if config.ClaimTimeout <= 0 {
		config.ClaimTimeout = 5 * time.Minute
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	cleanupCtx, cancel := context.WithCancel(context.Background())

	s := &Storage{
		pool:        pool,
		config:      config,
		metrics:     config.Metrics,
		logger:      config.Logger,
		now:         time.Now,
		stopCleanup: cancel,
	}
	if s.metrics == nil {
		s.metrics = &subsync.NoopMetrics{}
	}
	if s.logger == nil {
		s.logger = &subsync.NoopLogger{}
	}

	if config.CleanupEnabled && config.CleanupInterval > 0 && config.EventRetention > 0 {
		go s.startCleanup(cleanupCtx)
	}

	return s, nil
}

// Migrate creates the tables and indexes the store needs.
func (s *Storage) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close closes the PostgreSQL connection pool and stops background cleanup
func (s *Storage) Close() {
	if s.stopCleanup != nil {
		s.stopCleanup()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks the PostgreSQL connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// track starts timing op. The returned func records the outcome held in *err.
func (s *Storage) track(op string) func(*error) {
	start := time.Now()
	return func(err *error) {
		s.metrics.RecordStorageOperation(op, time.Since(start), *err)
	}
}

// GetUser implements subsync.UserStore
func (s *Storage) GetUser(ctx context.Context, userID string) (u *subsync.User, err error) {
	defer s.track("get_user")(&err)
	return s.queryUser(ctx, `WHERE id = $1`, userID)
}

// GetUserByCustomerID implements subsync.UserStore
func (s *Storage) GetUserByCustomerID(ctx context.Context, customerID string) (u *subsync.User, err error) {
	defer s.track("get_user_by_customer")(&err)
	return s.queryUser(ctx, `WHERE billing_customer_id = $1`, customerID)
}

func (s *Storage) queryUser(ctx context.Context, where string, arg string) (*subsync.User, error) {
	var u subsync.User
	err := s.pool.QueryRow(ctx,
		`SELECT id, email, name, COALESCE(billing_customer_id, ''), COALESCE(billing_subscription_id, '')
			FROM users `+where, arg).Scan(
		&u.ID, &u.Email, &u.Name, &u.BillingCustomerID, &u.BillingSubscriptionID,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, subsync.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &u, nil
}

// SetBillingCustomerID implements subsync.UserStore
func (s *Storage) SetBillingCustomerID(ctx context.Context, userID, customerID string) (err error) {
	defer s.track("set_billing_customer")(&err)
	return s.updateUser(ctx, `UPDATE users SET billing_customer_id = NULLIF($2, '') WHERE id = $1`, userID, customerID)
}

// BindSubscription implements subsync.UserStore
func (s *Storage) BindSubscription(ctx context.Context, userID, subscriptionID string) (err error) {
	defer s.track("bind_subscription")(&err)
	return s.updateUser(ctx, `UPDATE users SET billing_subscription_id = NULLIF($2, '') WHERE id = $1`, userID, subscriptionID)
}

func (s *Storage) updateUser(ctx context.Context, sql, userID, value string) error {
	tag, err := s.pool.Exec(ctx, sql, userID, value)
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return subsync.ErrNotFound
	}
	return nil
}

// UpsertSubscription implements subsync.SubscriptionStore
func (s *Storage) UpsertSubscription(ctx context.Context, sub *subsync.Subscription) (err error) {
	defer s.track("upsert_subscription")(&err)

	if sub == nil || sub.ProviderSubscriptionID == "" {
		return fmt.Errorf("invalid subscription")
	}
	id := sub.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := s.now().UTC()

	err = s.pool.QueryRow(ctx,
		`INSERT INTO subscriptions (
			id, user_id, provider_subscription_id, provider_customer_id, status, plan_type,
			trial_start, trial_end, current_period_start, current_period_end, cancel_at_period_end,
			created_at, updated_at)
		VALUES ($1::uuid, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)
		ON CONFLICT (provider_subscription_id) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			provider_customer_id = EXCLUDED.provider_customer_id,
			status = EXCLUDED.status,
			plan_type = EXCLUDED.plan_type,
			trial_start = EXCLUDED.trial_start,
			trial_end = EXCLUDED.trial_end,
			current_period_start = EXCLUDED.current_period_start,
			current_period_end = EXCLUDED.current_period_end,
			cancel_at_period_end = EXCLUDED.cancel_at_period_end,
			updated_at = EXCLUDED.updated_at
		RETURNING id::text, created_at, updated_at`,
		id, sub.UserID, sub.ProviderSubscriptionID, sub.ProviderCustomerID, string(sub.Status), sub.PlanType,
		sub.TrialStart, sub.TrialEnd, nullTime(sub.CurrentPeriodStart), nullTime(sub.CurrentPeriodEnd),
		sub.CancelAtPeriodEnd, now,
	).Scan(&sub.ID, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert subscription: %w", err)
	}
	return nil
}

const subscriptionColumns = `id::text, user_id, provider_subscription_id, provider_customer_id, status, plan_type,
	trial_start, trial_end, current_period_start, current_period_end, cancel_at_period_end, created_at, updated_at`

func scanSubscription(row pgx.Row) (*subsync.Subscription, error) {
	var sub subsync.Subscription
	var status string
	var periodStart, periodEnd *time.Time
	err := row.Scan(
		&sub.ID, &sub.UserID, &sub.ProviderSubscriptionID, &sub.ProviderCustomerID, &status, &sub.PlanType,
		&sub.TrialStart, &sub.TrialEnd, &periodStart, &periodEnd, &sub.CancelAtPeriodEnd,
		&sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	sub.Status = subsync.Status(status)
	if periodStart != nil {
		sub.CurrentPeriodStart = periodStart.UTC()
	}
	if periodEnd != nil {
		sub.CurrentPeriodEnd = periodEnd.UTC()
	}
	return &sub, nil
}

// GetSubscription implements subsync.SubscriptionStore
func (s *Storage) GetSubscription(ctx context.Context, providerSubscriptionID string) (sub *subsync.Subscription, err error) {
	defer s.track("get_subscription")(&err)

	sub, err = scanSubscription(s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE provider_subscription_id = $1`,
		providerSubscriptionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, subsync.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

// MarkSubscriptionCanceled implements subsync.SubscriptionStore
func (s *Storage) MarkSubscriptionCanceled(ctx context.Context, providerSubscriptionID string) (err error) {
	defer s.track("cancel_subscription")(&err)

	tag, err := s.pool.Exec(ctx,
		`UPDATE subscriptions SET status = $2, cancel_at_period_end = FALSE, updated_at = $3
			WHERE provider_subscription_id = $1`,
		providerSubscriptionID, string(subsync.StatusCanceled), s.now().UTC())
	if err != nil {
		return fmt.Errorf("failed to cancel subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return subsync.ErrNotFound
	}
	return nil
}

// IsCaptain implements subsync.CaptainDirectory
func (s *Storage) IsCaptain(ctx context.Context, userID string) (ok bool, err error) {
	defer s.track("is_captain")(&err)

	err = s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM captains WHERE user_id = $1)`, userID).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("failed to check captain: %w", err)
	}
	return ok, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// startCleanup runs periodic deletion of old processed inbox events
func (s *Storage) startCleanup(ctx context.Context) {
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.Cleanup(ctx); err != nil {
				s.logger.Warn("inbox cleanup failed", subsync.Field{Key: "error", Value: err.Error()})
			} else if n > 0 {
				s.logger.Debug("inbox cleanup", subsync.Field{Key: "deleted", Value: n})
			}
		}
	}
}

// Cleanup deletes processed inbox events older than the retention window.
func (s *Storage) Cleanup(ctx context.Context) (int64, error) {
	cutoff := s.now().UTC().Add(-s.config.EventRetention)
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM billing_webhook_events WHERE processed_at IS NOT NULL AND processed_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup webhook events: %w", err)
	}
	return tag.RowsAffected(), nil
}
