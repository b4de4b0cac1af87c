package entitlement

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/PortNumber53/billing-engine/internal/metrics"
)

// DefaultSuspensionGrace is how long a suspended subscription lingers before
// it expires.
const DefaultSuspensionGrace = 7 * 24 * time.Hour

// SweepStore is the set of bulk reconciliation updates the sweeper issues.
type SweepStore interface {
	ExpireCancelledSubscriptions(ctx context.Context, now time.Time) (int64, error)
	ExpireSuspendedSubscriptions(ctx context.Context, cutoff time.Time) (int64, error)
	DowngradeLapsedMemberships(ctx context.Context, now time.Time) (int64, error)
	DowngradeExpiredMemberships(ctx context.Context) (int64, error)
}

// SweepSummary counts the rows changed by one pass.
type SweepSummary struct {
	CancelledExpired  int64 `json:"cancelled_expired"`
	SuspendedExpired  int64 `json:"suspended_expired"`
	LapsedDowngraded  int64 `json:"lapsed_downgraded"`
	ExpiredDowngraded int64 `json:"expired_downgraded"`
}

// Sweeper expires subscriptions and entitlements whose window has passed,
// independently of billing ticks.
type Sweeper struct {
	store   SweepStore
	log     logrus.FieldLogger
	metrics *metrics.Metrics
	grace   time.Duration
	now     func() time.Time
}

type SweeperOption func(*Sweeper)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) SweeperOption {
	return func(s *Sweeper) { s.now = now }
}

// WithSuspensionGrace overrides DefaultSuspensionGrace.
func WithSuspensionGrace(d time.Duration) SweeperOption {
	return func(s *Sweeper) {
		if d > 0 {
			s.grace = d
		}
	}
}

func NewSweeper(store SweepStore, logger logrus.FieldLogger, m *metrics.Metrics, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		store:   store,
		log:     logger.WithField("component", "sweeper"),
		metrics: m,
		grace:   DefaultSuspensionGrace,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run performs one reconciliation pass. Every step is attempted even when an
// earlier one fails; the returned error joins all step failures.
func (s *Sweeper) Run(ctx context.Context) (SweepSummary, error) {
	now := s.now()
	var (
		summary SweepSummary
		errs    []error
	)

	step := func(kind string, dst *int64, fn func() (int64, error)) {
		n, err := fn()
		if err != nil {
			s.log.WithError(err).WithField("step", kind).Error("sweep step failed")
			errs = append(errs, err)
			return
		}
		*dst = n
		s.metrics.Swept(kind, n)
	}

	step("cancelled_expired", &summary.CancelledExpired, func() (int64, error) {
		return s.store.ExpireCancelledSubscriptions(ctx, now)
	})
	step("suspended_expired", &summary.SuspendedExpired, func() (int64, error) {
		return s.store.ExpireSuspendedSubscriptions(ctx, now.Add(-s.grace))
	})
	step("lapsed_downgraded", &summary.LapsedDowngraded, func() (int64, error) {
		return s.store.DowngradeLapsedMemberships(ctx, now)
	})
	step("expired_downgraded", &summary.ExpiredDowngraded, func() (int64, error) {
		return s.store.DowngradeExpiredMemberships(ctx)
	})

	s.log.WithFields(logrus.Fields{
		"cancelled_expired":  summary.CancelledExpired,
		"suspended_expired":  summary.SuspendedExpired,
		"lapsed_downgraded":  summary.LapsedDowngraded,
		"expired_downgraded": summary.ExpiredDowngraded,
	}).Info("sweep finished")

	return summary, errors.Join(errs...)
}
