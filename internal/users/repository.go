package users

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Repository interface {
	Create(ctx context.Context, user *User) error
	GetByID(ctx context.Context, id uuid.UUID) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
	GetByStripeCustomerID(ctx context.Context, customerID string) (*User, error)
	ExistsByEmail(ctx context.Context, email string) (bool, error)
	UpdateProfile(ctx context.Context, id uuid.UUID, fullName string) error
	TouchLastLogin(ctx context.Context, id uuid.UUID) error
	TouchLastActive(ctx context.Context, id uuid.UUID) error
	ResetMonthlyIfStale(ctx context.Context, id uuid.UUID) (bool, error)
	ResetMonthlyCounters(ctx context.Context, id uuid.UUID) error
	IncrementMessageCounts(ctx context.Context, id uuid.UUID) error
	SetStripeCustomerID(ctx context.Context, id uuid.UUID, customerID string) error
	UpdateSubscription(ctx context.Context, id uuid.UUID, upd SubscriptionUpdate) error
}

const userColumns = `id, email, password_hash, full_name, subscription_tier,
	subscription_status, stripe_customer_id, subscription_id, current_period_end,
	cancel_at_period_end, monthly_message_count, monthly_reset_date,
	total_message_count, last_login_at, last_active_at, created_at, updated_at`

type postgresRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) Repository {
	return &postgresRepository{pool: pool}
}

func scanUser(row pgx.Row) (*User, error) {
	user := &User{}
	err := row.Scan(
		&user.ID, &user.Email, &user.PasswordHash, &user.FullName,
		&user.SubscriptionTier, &user.SubscriptionStatus, &user.StripeCustomerID,
		&user.SubscriptionID, &user.CurrentPeriodEnd, &user.CancelAtPeriodEnd,
		&user.MonthlyMessageCount, &user.MonthlyResetDate, &user.TotalMessageCount,
		&user.LastLoginAt, &user.LastActiveAt, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return user, nil
}

func (r *postgresRepository) Create(ctx context.Context, user *User) error {
	query := `
		INSERT INTO users (id, email, password_hash, full_name, subscription_tier,
			subscription_status, monthly_message_count, monthly_reset_date,
			total_message_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := r.pool.Exec(ctx, query,
		user.ID, user.Email, user.PasswordHash, user.FullName,
		user.SubscriptionTier, user.SubscriptionStatus,
		user.MonthlyMessageCount, user.MonthlyResetDate, user.TotalMessageCount,
		user.CreatedAt, user.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting user: %w", err)
	}
	return nil
}

func (r *postgresRepository) GetByID(ctx context.Context, id uuid.UUID) (*User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	user, err := scanUser(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, fmt.Errorf("querying user by id: %w", err)
	}
	return user, nil
}

func (r *postgresRepository) GetByEmail(ctx context.Context, email string) (*User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE email = $1`
	user, err := scanUser(r.pool.QueryRow(ctx, query, email))
	if err != nil {
		return nil, fmt.Errorf("querying user by email: %w", err)
	}
	return user, nil
}

func (r *postgresRepository) GetByStripeCustomerID(ctx context.Context, customerID string) (*User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE stripe_customer_id = $1`
	user, err := scanUser(r.pool.QueryRow(ctx, query, customerID))
	if err != nil {
		return nil, fmt.Errorf("querying user by stripe customer: %w", err)
	}
	return user, nil
}

func (r *postgresRepository) ExistsByEmail(ctx context.Context, email string) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM users WHERE email = $1)`

	var exists bool
	err := r.pool.QueryRow(ctx, query, email).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking email existence: %w", err)
	}
	return exists, nil
}

func (r *postgresRepository) UpdateProfile(ctx context.Context, id uuid.UUID, fullName string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE users SET full_name = $2, updated_at = NOW() WHERE id = $1`,
		id, fullName)
	if err != nil {
		return fmt.Errorf("updating profile: %w", err)
	}
	return nil
}

func (r *postgresRepository) TouchLastLogin(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE users SET last_login_at = NOW(), last_active_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("updating last login: %w", err)
	}
	return nil
}

func (r *postgresRepository) TouchLastActive(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE users SET last_active_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("updating last active: %w", err)
	}
	return nil
}

// ResetMonthlyIfStale zeroes the monthly counter in a single conditional
// UPDATE, so concurrent checks cannot double-reset or race a stale read.
// Returns true if a reset was performed.
func (r *postgresRepository) ResetMonthlyIfStale(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE users
		 SET monthly_message_count = 0,
		     monthly_reset_date = date_trunc('month', NOW()),
		     updated_at = NOW()
		 WHERE id = $1 AND monthly_reset_date < date_trunc('month', NOW())`, id)
	if err != nil {
		return false, fmt.Errorf("resetting monthly counter: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ResetMonthlyCounters unconditionally zeroes the monthly counter for a
// fresh billing period.
func (r *postgresRepository) ResetMonthlyCounters(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE users
		 SET monthly_message_count = 0,
		     monthly_reset_date = NOW(),
		     updated_at = NOW()
		 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("resetting monthly counters: %w", err)
	}
	return nil
}

func (r *postgresRepository) IncrementMessageCounts(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE users
		 SET monthly_message_count = monthly_message_count + 1,
		     total_message_count = total_message_count + 1,
		     last_active_at = NOW(),
		     updated_at = NOW()
		 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("incrementing message counts: %w", err)
	}
	return nil
}

func (r *postgresRepository) SetStripeCustomerID(ctx context.Context, id uuid.UUID, customerID string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE users SET stripe_customer_id = $2, updated_at = NOW() WHERE id = $1`,
		id, customerID)
	if err != nil {
		return fmt.Errorf("setting stripe customer id: %w", err)
	}
	return nil
}

func (r *postgresRepository) UpdateSubscription(ctx context.Context, id uuid.UUID, upd SubscriptionUpdate) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE users
		 SET subscription_tier = $2,
		     subscription_status = $3,
		     subscription_id = $4,
		     current_period_end = $5,
		     cancel_at_period_end = $6,
		     updated_at = NOW()
		 WHERE id = $1`,
		id, upd.Tier, upd.Status, upd.SubscriptionID, upd.CurrentPeriodEnd, upd.CancelAtPeriodEnd)
	if err != nil {
		return fmt.Errorf("updating subscription: %w", err)
	}
	return nil
}
