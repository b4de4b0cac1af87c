package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/PortNumber53/billing-engine/internal/models"
)

// GetUser returns the buyer profile and membership fields of a user.
func (s *Store) GetUser(ctx context.Context, id int64) (*models.User, error) {
	var (
		user  models.User
		start sql.NullTime
		end   sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
SELECT id, email, name, phone, grade, membership_status, membership_start_date, membership_end_date
FROM users
WHERE id = $1`, id).Scan(
		&user.ID,
		&user.Email,
		&user.Name,
		&user.Phone,
		&user.Grade,
		&user.MembershipStatus,
		&start,
		&end,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get user: %w", err)
	}
	user.MembershipStartDate = nullTimePtr(start)
	user.MembershipEndDate = nullTimePtr(end)
	return &user, nil
}

// ActivateMembership grants plan to the user for the window [start, end].
func (s *Store) ActivateMembership(ctx context.Context, userID int64, plan models.Plan, start, end time.Time) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE users
SET grade = $2,
    membership_status = 'active',
    membership_start_date = $3,
    membership_end_date = $4,
    updated_at = NOW()
WHERE id = $1`, userID, plan, start, end)
	return userUpdated(res, err, "activate membership")
}

// ExtendMembership moves the membership end date to end after a paid renewal
// and puts the user back on the paid plan. A cancelled membership stays
// cancelled; any other status becomes active.
func (s *Store) ExtendMembership(ctx context.Context, userID int64, plan models.Plan, end time.Time) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE users
SET grade = $2,
    membership_end_date = $3,
    membership_status = CASE WHEN membership_status = 'cancelled' THEN 'cancelled' ELSE 'active' END,
    updated_at = NOW()
WHERE id = $1`, userID, plan, end)
	return userUpdated(res, err, "extend membership")
}

// ExpireMembership marks the membership expired without touching the grade.
func (s *Store) ExpireMembership(ctx context.Context, userID int64) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE users
SET membership_status = 'expired',
    updated_at = NOW()
WHERE id = $1`, userID)
	return userUpdated(res, err, "expire membership")
}

// CancelMembership records a user-initiated cancellation. The end date is
// left in place so access continues until the paid period runs out.
func (s *Store) CancelMembership(ctx context.Context, userID int64) error {
	if _, err := s.db.ExecContext(ctx, `
UPDATE users
SET membership_status = 'cancelled',
    updated_at = NOW()
WHERE id = $1 AND membership_status = 'active'`, userID); err != nil {
		return fmt.Errorf("store: cancel membership: %w", err)
	}
	return nil
}

// DowngradeLapsedMemberships returns users on a paid grade whose window ended
// before now to the basic grade. Users with an active subscription are left
// for the billing tick to renew.
func (s *Store) DowngradeLapsedMemberships(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE users u
SET grade = 'basic',
    membership_status = 'expired',
    updated_at = NOW()
WHERE u.grade <> 'basic'
  AND u.membership_end_date < $1
  AND u.membership_status IN ('active', 'cancelled')
  AND NOT EXISTS (
    SELECT 1 FROM subscriptions s
    WHERE s.user_id = u.id AND s.status = 'active'
  )`, now)
	if err != nil {
		return 0, fmt.Errorf("store: downgrade lapsed memberships: %w", err)
	}
	return res.RowsAffected()
}

// DowngradeExpiredMemberships demotes users whose membership is already
// expired and who hold no subscription that is still live.
func (s *Store) DowngradeExpiredMemberships(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE users u
SET grade = 'basic',
    updated_at = NOW()
WHERE u.grade <> 'basic'
  AND u.membership_status = 'expired'
  AND NOT EXISTS (
    SELECT 1 FROM subscriptions s
    WHERE s.user_id = u.id AND s.status IN ('active', 'cancelled', 'suspended')
  )`)
	if err != nil {
		return 0, fmt.Errorf("store: downgrade expired memberships: %w", err)
	}
	return res.RowsAffected()
}

func userUpdated(res sql.Result, err error, op string) error {
	if err != nil {
		return fmt.Errorf("store: %s: %w", op, err)
	}
	ok, err := rowsChanged(res, op)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}
