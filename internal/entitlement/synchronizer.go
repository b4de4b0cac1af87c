// Package entitlement keeps user membership fields in step with billing
// outcomes and expires stale entitlements on its own schedule.
package entitlement

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/PortNumber53/billing-engine/internal/models"
)

// MembershipWriter is the write side of the user directory.
type MembershipWriter interface {
	ActivateMembership(ctx context.Context, userID int64, plan models.Plan, start, end time.Time) error
	ExtendMembership(ctx context.Context, userID int64, plan models.Plan, end time.Time) error
	ExpireMembership(ctx context.Context, userID int64) error
	CancelMembership(ctx context.Context, userID int64) error
}

// Synchronizer translates subscription events into membership updates.
type Synchronizer struct {
	users MembershipWriter
	log   logrus.FieldLogger
}

func NewSynchronizer(users MembershipWriter, logger logrus.FieldLogger) *Synchronizer {
	return &Synchronizer{users: users, log: logger.WithField("component", "entitlement")}
}

// Activate grants plan for [start, end] after a billing key is registered.
func (s *Synchronizer) Activate(ctx context.Context, userID int64, plan models.Plan, start, end time.Time) error {
	if err := s.users.ActivateMembership(ctx, userID, plan, start, end); err != nil {
		return fmt.Errorf("entitlement: activate user %d: %w", userID, err)
	}
	s.log.WithFields(logrus.Fields{"user_id": userID, "plan": plan, "end": end}).Info("membership activated")
	return nil
}

// Renewed extends the membership window to the new next billing date and
// restores the paid grade.
func (s *Synchronizer) Renewed(ctx context.Context, userID int64, plan models.Plan, end time.Time) error {
	if err := s.users.ExtendMembership(ctx, userID, plan, end); err != nil {
		return fmt.Errorf("entitlement: extend user %d: %w", userID, err)
	}
	return nil
}

// Suspended marks the membership expired. The grade is demoted later by the sweeper.
func (s *Synchronizer) Suspended(ctx context.Context, userID int64) error {
	if err := s.users.ExpireMembership(ctx, userID); err != nil {
		return fmt.Errorf("entitlement: expire user %d: %w", userID, err)
	}
	s.log.WithField("user_id", userID).Warn("membership expired after subscription suspension")
	return nil
}

// Cancelled records a user cancellation; access continues until the end date.
func (s *Synchronizer) Cancelled(ctx context.Context, userID int64) error {
	if err := s.users.CancelMembership(ctx, userID); err != nil {
		return fmt.Errorf("entitlement: cancel user %d: %w", userID, err)
	}
	return nil
}
