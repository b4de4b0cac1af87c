package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/PortNumber53/billing-engine/internal/models"
)

const subscriptionColumns = `id, user_id, plan_type, status, start_date, next_billing_date,
       price, billing_cycle, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row rowScanner) (*models.Subscription, error) {
	var sub models.Subscription
	if err := row.Scan(
		&sub.ID,
		&sub.UserID,
		&sub.PlanType,
		&sub.Status,
		&sub.StartDate,
		&sub.NextBillingDate,
		&sub.Price,
		&sub.BillingCycle,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &sub, nil
}

// ListDueSubscriptions returns active subscriptions on a billable plan whose
// next billing date is not after now, oldest due first.
func (s *Store) ListDueSubscriptions(ctx context.Context, now time.Time, limit int) ([]models.Subscription, error) {
	query := `
SELECT ` + subscriptionColumns + `
FROM subscriptions
WHERE status = 'active'
  AND plan_type <> 'basic'
  AND next_billing_date <= $1
ORDER BY next_billing_date ASC, id ASC
LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list due subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []models.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan subscription: %w", err)
		}
		subs = append(subs, *sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate subscriptions: %w", err)
	}
	return subs, nil
}

// GetCurrentSubscription returns the user's most recent subscription in any status.
func (s *Store) GetCurrentSubscription(ctx context.Context, userID int64) (*models.Subscription, error) {
	query := `
SELECT ` + subscriptionColumns + `
FROM subscriptions
WHERE user_id = $1
ORDER BY created_at DESC, id DESC
LIMIT 1`

	sub, err := scanSubscription(s.db.QueryRowContext(ctx, query, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get current subscription: %w", err)
	}
	return sub, nil
}

// AdvanceNextBillingDate moves a subscription's next billing date from
// expected to next. The update only applies while the row still carries the
// expected date and is active or cancelled, so a concurrent change turns it
// into a no-op reported as false.
func (s *Store) AdvanceNextBillingDate(ctx context.Context, id int64, expected, next time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE subscriptions
SET next_billing_date = $3,
    updated_at = NOW()
WHERE id = $1
  AND next_billing_date = $2
  AND $3 > next_billing_date
  AND status IN ('active', 'cancelled')`, id, expected, next)
	if err != nil {
		return false, fmt.Errorf("store: advance next billing date: %w", err)
	}
	return rowsChanged(res, "advance next billing date")
}

// SuspendSubscription transitions an active subscription to suspended.
func (s *Store) SuspendSubscription(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE subscriptions
SET status = 'suspended',
    updated_at = NOW()
WHERE id = $1 AND status = 'active'`, id)
	if err != nil {
		return false, fmt.Errorf("store: suspend subscription: %w", err)
	}
	return rowsChanged(res, "suspend subscription")
}

// CancelSubscription marks the user's active subscription cancelled and
// deactivates their billing keys in one transaction. ErrNotFound means the
// user had no active subscription.
func (s *Store) CancelSubscription(ctx context.Context, userID int64) (*models.Subscription, error) {
	var sub *models.Subscription
	err := s.withTx(ctx, "cancel subscription", func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
UPDATE subscriptions
SET status = 'cancelled',
    updated_at = NOW()
WHERE user_id = $1 AND status = 'active'
RETURNING `+subscriptionColumns, userID)

		var err error
		sub, err = scanSubscription(row)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("store: cancel subscription: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
UPDATE billing_keys
SET status = 'inactive'
WHERE user_id = $1 AND status = 'active'`, userID); err != nil {
			return fmt.Errorf("store: deactivate billing keys: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// ExpireCancelledSubscriptions expires cancelled subscriptions whose paid
// period ended before now.
func (s *Store) ExpireCancelledSubscriptions(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE subscriptions
SET status = 'expired',
    updated_at = NOW()
WHERE status = 'cancelled' AND next_billing_date < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("store: expire cancelled subscriptions: %w", err)
	}
	return res.RowsAffected()
}

// ExpireSuspendedSubscriptions expires subscriptions suspended before cutoff.
func (s *Store) ExpireSuspendedSubscriptions(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE subscriptions
SET status = 'expired',
    updated_at = NOW()
WHERE status = 'suspended' AND updated_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("store: expire suspended subscriptions: %w", err)
	}
	return res.RowsAffected()
}
