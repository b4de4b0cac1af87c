package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/PortNumber53/billing-engine/internal/models"
)

const billingKeyColumns = `id, user_id, billing_key, card_number_masked, card_name, status, created_at`

func scanBillingKey(row rowScanner) (*models.BillingKey, error) {
	var key models.BillingKey
	if err := row.Scan(
		&key.ID,
		&key.UserID,
		&key.Token,
		&key.CardNumberMasked,
		&key.CardName,
		&key.Status,
		&key.CreatedAt,
	); err != nil {
		return nil, err
	}
	return &key, nil
}

// GetActiveBillingKey returns the user's single active billing key.
func (s *Store) GetActiveBillingKey(ctx context.Context, userID int64) (*models.BillingKey, error) {
	key, err := scanBillingKey(s.db.QueryRowContext(ctx, `
SELECT `+billingKeyColumns+`
FROM billing_keys
WHERE user_id = $1 AND status = 'active'
ORDER BY created_at DESC
LIMIT 1`, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get active billing key: %w", err)
	}
	return key, nil
}

// ListBillingKeys returns the user's active cards, newest first.
func (s *Store) ListBillingKeys(ctx context.Context, userID int64) ([]models.BillingKey, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+billingKeyColumns+`
FROM billing_keys
WHERE user_id = $1 AND status = 'active'
ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("store: list billing keys: %w", err)
	}
	defer rows.Close()

	keys := []models.BillingKey{}
	for rows.Next() {
		key, err := scanBillingKey(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan billing key: %w", err)
		}
		keys = append(keys, *key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate billing keys: %w", err)
	}
	return keys, nil
}

// DeactivateBillingKey marks one of the user's keys inactive. It reports
// false when the key does not belong to the user or is already inactive.
func (s *Store) DeactivateBillingKey(ctx context.Context, userID, keyID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE billing_keys
SET status = 'inactive'
WHERE id = $1 AND user_id = $2 AND status = 'active'`, keyID, userID)
	if err != nil {
		return false, fmt.Errorf("store: deactivate billing key: %w", err)
	}
	return rowsChanged(res, "deactivate billing key")
}

// SaveRegistration stores a newly issued billing key, replacing any active
// key, and creates sub when the user has no active subscription. On return
// sub holds the user's active subscription and created reports whether it
// was inserted by this call.
func (s *Store) SaveRegistration(ctx context.Context, key *models.BillingKey, sub *models.Subscription) (created bool, err error) {
	err = s.withTx(ctx, "save registration", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
UPDATE billing_keys
SET status = 'inactive'
WHERE user_id = $1 AND status = 'active'`, key.UserID); err != nil {
			return fmt.Errorf("store: deactivate previous billing keys: %w", err)
		}

		if err := tx.QueryRowContext(ctx, `
INSERT INTO billing_keys (user_id, billing_key, card_number_masked, card_name, status)
VALUES ($1, $2, $3, $4, 'active')
RETURNING id, created_at`,
			key.UserID, key.Token, key.CardNumberMasked, key.CardName,
		).Scan(&key.ID, &key.CreatedAt); err != nil {
			return fmt.Errorf("store: insert billing key: %w", classify(err))
		}
		key.Status = models.BillingKeyActive

		existing, err := scanSubscription(tx.QueryRowContext(ctx, `
SELECT `+subscriptionColumns+`
FROM subscriptions
WHERE user_id = $1 AND status = 'active'
LIMIT 1`, key.UserID))
		switch {
		case err == nil:
			*sub = *existing
			return nil
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("store: lookup active subscription: %w", err)
		}

		if err := tx.QueryRowContext(ctx, `
INSERT INTO subscriptions (user_id, plan_type, status, start_date, next_billing_date, price, billing_cycle)
VALUES ($1, $2, 'active', $3, $4, $5, $6)
RETURNING id, created_at, updated_at`,
			key.UserID, sub.PlanType, sub.StartDate, sub.NextBillingDate, sub.Price, sub.BillingCycle,
		).Scan(&sub.ID, &sub.CreatedAt, &sub.UpdatedAt); err != nil {
			return fmt.Errorf("store: insert subscription: %w", classify(err))
		}
		sub.UserID = key.UserID
		sub.Status = models.SubscriptionActive
		created = true
		return nil
	})
	return created, err
}
