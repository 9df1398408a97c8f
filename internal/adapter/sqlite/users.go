package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"github.com/cwygoda/scout/internal/domain"
)

var userColumns = []string{
	"id", "email", "name", "country", "tier", "payment_provider",
	"monthly_count", "usage_period", "created_at", "updated_at",
}

// CreateUser registers a user with an empty usage counter.
func (r *Repository) CreateUser(ctx context.Context, nu domain.NewUser, provider domain.PaymentProvider) (*domain.User, error) {
	now := r.now()
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO users (email, name, country, tier, payment_provider, usage_period, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		nu.Email, nu.Name, nu.Country, nu.Tier, provider, domain.UsagePeriod(now), now, now,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, domain.ErrDuplicateUser
		}
		return nil, err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}
	return r.GetUser(ctx, id)
}

// GetUser retrieves a user by ID.
func (r *Repository) GetUser(ctx context.Context, id int64) (*domain.User, error) {
	row, err := r.queryRow(ctx, sq.Select(userColumns...).From("users").Where(sq.Eq{"id": id}))
	if err != nil {
		return nil, err
	}
	return scanUser(row)
}

// GetUserByEmail retrieves a user by email address.
func (r *Repository) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	row, err := r.queryRow(ctx, sq.Select(userColumns...).From("users").
		Where(sq.Eq{"email": strings.ToLower(strings.TrimSpace(email))}))
	if err != nil {
		return nil, err
	}
	return scanUser(row)
}

// SetTier changes a user's tier. The usage counter is kept.
func (r *Repository) SetTier(ctx context.Context, id int64, tier domain.Tier) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE users SET tier = ?, updated_at = ? WHERE id = ?`, tier, r.now(), id)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return domain.ErrUserNotFound
	}
	return nil
}

// ResetUsage zeroes counters recorded in a period other than period.
func (r *Repository) ResetUsage(ctx context.Context, period string) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE users SET monthly_count = 0, usage_period = ?, updated_at = ?
		 WHERE usage_period <> ?`,
		period, r.now(), period,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func scanUser(row scanner) (*domain.User, error) {
	var u domain.User
	var tier, provider string
	err := row.Scan(&u.ID, &u.Email, &u.Name, &u.Country, &tier, &provider,
		&u.MonthlyCount, &u.UsagePeriod, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	u.Tier = domain.Tier(tier)
	u.PaymentProvider = domain.PaymentProvider(provider)
	return &u, nil
}
