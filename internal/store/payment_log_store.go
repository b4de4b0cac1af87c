package store

import (
	"context"
	"fmt"
	"time"

	"github.com/PortNumber53/billing-engine/internal/models"
)

// AppendPaymentLog inserts one immutable attempt record and fills in its id
// and creation time.
func (s *Store) AppendPaymentLog(ctx context.Context, entry *models.PaymentLogEntry) error {
	var raw any
	if len(entry.GatewayResponseRaw) > 0 {
		raw = []byte(entry.GatewayResponseRaw)
	}

	err := s.db.QueryRowContext(ctx, `
INSERT INTO payment_logs (user_id, order_id, billing_key, amount, status, gateway_response_raw)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING id, created_at`,
		entry.UserID, entry.OrderID, entry.BillingKeyToken, entry.Amount, entry.Status, raw,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: append payment log: %w", classify(err))
	}
	return nil
}

// CountFailedPaymentsSince counts the user's failed attempts recorded at or
// after since.
func (s *Store) CountFailedPaymentsSince(ctx context.Context, userID int64, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*)
FROM payment_logs
WHERE user_id = $1 AND status = 'failed' AND created_at >= $2`, userID, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("store: count failed payments: %w", err)
	}
	return count, nil
}

// ListPaymentLogs returns one page of the user's attempts, newest first,
// together with the total number of attempts.
func (s *Store) ListPaymentLogs(ctx context.Context, userID int64, limit, offset int) ([]models.PaymentLogEntry, int, error) {
	limit, offset = clampPage(limit, offset)

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM payment_logs WHERE user_id = $1`, userID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("store: count payment logs: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT id, user_id, order_id, amount, status, COALESCE(gateway_response_raw::text, ''), created_at
FROM payment_logs
WHERE user_id = $1
ORDER BY created_at DESC, id DESC
LIMIT $2 OFFSET $3`, userID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("store: list payment logs: %w", err)
	}
	defer rows.Close()

	entries := []models.PaymentLogEntry{}
	for rows.Next() {
		var (
			entry models.PaymentLogEntry
			raw   string
		)
		if err := rows.Scan(&entry.ID, &entry.UserID, &entry.OrderID, &entry.Amount, &entry.Status, &raw, &entry.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("store: scan payment log: %w", err)
		}
		if raw != "" {
			entry.GatewayResponseRaw = []byte(raw)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("store: iterate payment logs: %w", err)
	}
	return entries, total, nil
}
