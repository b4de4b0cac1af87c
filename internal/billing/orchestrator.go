// Package billing drives recurring charges: it selects due subscriptions,
// charges them through the configured gateway, records every attempt and
// applies the suspension policy.
package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/PortNumber53/billing-engine/internal/gateway"
	"github.com/PortNumber53/billing-engine/internal/metrics"
	"github.com/PortNumber53/billing-engine/internal/models"
	"github.com/PortNumber53/billing-engine/internal/store"
)

// SubscriptionRepository is the subscription side of the store used by a tick.
type SubscriptionRepository interface {
	ListDueSubscriptions(ctx context.Context, now time.Time, limit int) ([]models.Subscription, error)
	AdvanceNextBillingDate(ctx context.Context, id int64, expected, next time.Time) (bool, error)
	SuspendSubscription(ctx context.Context, id int64) (bool, error)
}

type BillingKeyStore interface {
	GetActiveBillingKey(ctx context.Context, userID int64) (*models.BillingKey, error)
	DeactivateBillingKey(ctx context.Context, userID, keyID int64) (bool, error)
}

// AuditLog is the append-only record of charge attempts.
type AuditLog interface {
	AppendPaymentLog(ctx context.Context, entry *models.PaymentLogEntry) error
	CountFailedPaymentsSince(ctx context.Context, userID int64, since time.Time) (int, error)
}

// UserDirectory supplies the buyer profile sent with a charge.
type UserDirectory interface {
	GetUser(ctx context.Context, id int64) (*models.User, error)
}

// Entitlements receives charge outcomes.
type Entitlements interface {
	Renewed(ctx context.Context, userID int64, plan models.Plan, end time.Time) error
	Suspended(ctx context.Context, userID int64) error
}

// Config tunes a billing tick.
type Config struct {
	// BatchSize caps how many due subscriptions one tick processes.
	BatchSize int
	// CallInterval is the minimum spacing between gateway calls.
	CallInterval time.Duration
	// TestInterval, when positive, replaces the calendar billing period.
	TestInterval time.Duration
	// FailureThreshold is the number of failures within FailureWindow that
	// suspends a subscription.
	FailureThreshold int
	FailureWindow    time.Duration
	// ChargeTimeout bounds every gateway call.
	ChargeTimeout time.Duration
}

// DefaultConfig returns the production tick settings.
func DefaultConfig() Config {
	return Config{
		BatchSize:        10,
		CallInterval:     time.Second,
		FailureThreshold: 3,
		FailureWindow:    7 * 24 * time.Hour,
		ChargeTimeout:    30 * time.Second,
	}
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Subscriptions SubscriptionRepository
	Keys          BillingKeyStore
	Audit         AuditLog
	Users         UserDirectory
	Entitlements  Entitlements
	Gateway       gateway.Client
	Logger        logrus.FieldLogger
	Metrics       *metrics.Metrics
	// Now defaults to time.Now.
	Now func() time.Time
}

// Outcome classifies a single attempt.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeDeclined  Outcome = "declined"
	OutcomeTransport Outcome = "transport"
	OutcomeNoKey     Outcome = "no_key"
)

// Attempt describes what happened to one due subscription.
type Attempt struct {
	SubscriptionID  int64     `json:"subscription_id"`
	UserID          int64     `json:"user_id"`
	OrderID         string    `json:"order_id"`
	Amount          int64     `json:"amount"`
	Outcome         Outcome   `json:"outcome"`
	Code            string    `json:"code,omitempty"`
	Message         string    `json:"message,omitempty"`
	NextBillingDate time.Time `json:"next_billing_date"`
	Failures        int       `json:"failures_in_window,omitempty"`
	Suspended       bool      `json:"suspended,omitempty"`
}

// RunSummary reports the result of one tick.
type RunSummary struct {
	Due       int       `json:"due"`
	Succeeded int       `json:"succeeded"`
	Failed    int       `json:"failed"`
	Suspended int       `json:"suspended"`
	Errors    int       `json:"errors"`
	Attempts  []Attempt `json:"attempts"`
}

// Orchestrator runs billing ticks. A single Orchestrator must not run two
// ticks at once; the scheduler guarantees that.
type Orchestrator struct {
	cfg     Config
	deps    Deps
	log     logrus.FieldLogger
	limiter *rate.Limiter
	now     func() time.Time
}

func NewOrchestrator(cfg Config, deps Deps) *Orchestrator {
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.CallInterval < 0 {
		cfg.CallInterval = def.CallInterval
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = def.FailureWindow
	}
	if cfg.ChargeTimeout <= 0 {
		cfg.ChargeTimeout = def.ChargeTimeout
	}

	limit := rate.Inf
	if cfg.CallInterval > 0 {
		limit = rate.Every(cfg.CallInterval)
	}

	now := deps.Now
	if now == nil {
		now = time.Now
	}

	return &Orchestrator{
		cfg:     cfg,
		deps:    deps,
		log:     deps.Logger.WithFields(logrus.Fields{"component": "billing", "gateway": deps.Gateway.Name()}),
		limiter: rate.NewLimiter(limit, 1),
		now:     now,
	}
}

// Run charges every due subscription, oldest first, up to the batch size.
// Only a failure to list due subscriptions is returned; per-subscription
// failures are logged, counted in the summary and do not stop the batch.
func (o *Orchestrator) Run(ctx context.Context) (RunSummary, error) {
	now := o.now()
	due, err := o.deps.Subscriptions.ListDueSubscriptions(ctx, now, o.cfg.BatchSize)
	if err != nil {
		return RunSummary{}, fmt.Errorf("billing: list due subscriptions: %w", err)
	}

	summary := RunSummary{Due: len(due), Attempts: make([]Attempt, 0, len(due))}
	if len(due) == 0 {
		o.log.Debug("no subscriptions due")
		return summary, nil
	}
	o.log.WithField("due", len(due)).Info("billing run started")

	for _, sub := range due {
		if ctx.Err() != nil {
			o.log.WithError(ctx.Err()).Warn("billing run interrupted; remaining subscriptions stay due")
			break
		}

		attempt, err := o.safeProcess(ctx, sub)
		if err != nil {
			summary.Errors++
			o.log.WithError(err).WithField("subscription_id", sub.ID).Error("subscription processing error")
		}
		if attempt == nil {
			continue
		}

		summary.Attempts = append(summary.Attempts, *attempt)
		if attempt.Outcome == OutcomeSuccess {
			summary.Succeeded++
		} else {
			summary.Failed++
		}
		if attempt.Suspended {
			summary.Suspended++
		}
	}

	o.log.WithFields(logrus.Fields{
		"succeeded": summary.Succeeded,
		"failed":    summary.Failed,
		"suspended": summary.Suspended,
		"errors":    summary.Errors,
	}).Info("billing run finished")
	return summary, nil
}

func (o *Orchestrator) safeProcess(ctx context.Context, sub models.Subscription) (attempt *Attempt, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("billing: panic processing subscription %d: %v", sub.ID, r)
		}
	}()
	return o.ProcessOne(ctx, sub)
}

// ProcessOne makes exactly one charge attempt for sub and records it. A nil
// Attempt means no attempt was made, leaving the subscription due for the
// next tick. A non-nil error alongside an Attempt is a *PersistenceError for
// follow-up bookkeeping that failed after the attempt was made.
func (o *Orchestrator) ProcessOne(ctx context.Context, sub models.Subscription) (*Attempt, error) {
	log := o.log.WithFields(logrus.Fields{"subscription_id": sub.ID, "user_id": sub.UserID})

	amount := sub.Price
	if amount <= 0 {
		amount = sub.PlanType.Price(sub.BillingCycle)
	}

	key, err := o.deps.Keys.GetActiveBillingKey(ctx, sub.UserID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, &PersistenceError{Op: "load billing key", Err: err}
	}

	user, err := o.deps.Users.GetUser(ctx, sub.UserID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, &PersistenceError{Op: "load user", Err: err}
	}

	if key != nil {
		if err := o.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	// Bookkeeping after the attempt must land even if the tick is being shut down.
	wctx := context.WithoutCancel(ctx)
	attempt := &Attempt{
		SubscriptionID: sub.ID,
		UserID:         sub.UserID,
		OrderID:        gateway.NewOrderID(o.deps.Gateway.MerchantID(), o.now()),
		Amount:         amount,
	}
	entry := &models.PaymentLogEntry{
		UserID:  sub.UserID,
		OrderID: attempt.OrderID,
		Amount:  amount,
		Status:  models.PaymentFailed,
	}

	var result *gateway.ChargeResult
	if key == nil {
		attempt.Outcome = OutcomeNoKey
		attempt.Message = "no active billing key"
		entry.GatewayResponseRaw = gateway.ErrorPayload(errors.New(attempt.Message))
	} else {
		entry.BillingKeyToken = key.Token
		result, err = o.charge(ctx, attempt, key, user, sub.PlanType)
		switch {
		case err != nil:
			attempt.Outcome = OutcomeTransport
			attempt.Message = err.Error()
			entry.GatewayResponseRaw = gateway.ErrorPayload(err)
		case result.Approved:
			attempt.Outcome = OutcomeSuccess
			entry.Status = models.PaymentSuccess
			entry.GatewayResponseRaw = result.Raw
		default:
			attempt.Outcome = OutcomeDeclined
			entry.GatewayResponseRaw = result.Raw
		}
		if result != nil {
			attempt.Code = result.Code
			attempt.Message = result.Message
		}
	}
	o.deps.Metrics.ChargeAttempt(o.deps.Gateway.Name(), string(attempt.Outcome))

	var errs []error
	appendErr := o.deps.Audit.AppendPaymentLog(wctx, entry)
	if appendErr != nil {
		errs = append(errs, &PersistenceError{Op: "append payment log " + entry.OrderID, Err: appendErr})
	}

	log = log.WithFields(logrus.Fields{"order_id": attempt.OrderID, "outcome": attempt.Outcome})
	if attempt.Outcome == OutcomeSuccess {
		o.deps.Metrics.Charged(string(sub.PlanType), amount)
		errs = append(errs, o.applySuccess(wctx, log, sub, attempt)...)
	} else {
		fields := logrus.Fields{"code": attempt.Code, "message": attempt.Message}
		if result != nil && result.FailReason != "" {
			fields["fail_reason"] = result.FailReason
		}
		log.WithFields(fields).Warn("charge failed")
		if result != nil && result.KeyRejected {
			errs = append(errs, o.rejectKey(wctx, log, key)...)
		}
		errs = append(errs, o.applyFailure(wctx, log, sub, attempt, appendErr != nil)...)
	}

	return attempt, errors.Join(errs...)
}

func (o *Orchestrator) charge(ctx context.Context, attempt *Attempt, key *models.BillingKey, user *models.User, plan models.Plan) (*gateway.ChargeResult, error) {
	req := gateway.ChargeRequest{
		OrderID:    attempt.OrderID,
		UserID:     attempt.UserID,
		Amount:     attempt.Amount,
		BillingKey: key.Token,
		GoodName:   plan.DisplayName() + " membership",
	}
	if user != nil {
		req.Buyer = gateway.Buyer{Name: user.Name, Email: user.Email, Phone: user.Phone}
	}

	callCtx, cancel := context.WithTimeout(ctx, o.cfg.ChargeTimeout)
	defer cancel()
	return o.deps.Gateway.Charge(callCtx, req)
}

func (o *Orchestrator) applySuccess(ctx context.Context, log logrus.FieldLogger, sub models.Subscription, attempt *Attempt) []error {
	next := o.nextBillingDate(sub)
	advanced, err := o.deps.Subscriptions.AdvanceNextBillingDate(ctx, sub.ID, sub.NextBillingDate, next)
	if err != nil {
		return []error{&PersistenceError{Op: "advance next billing date", Err: err}}
	}
	if !advanced {
		log.Info("subscription changed during charge; next billing date left as is")
		return nil
	}

	attempt.NextBillingDate = next
	log.WithField("next_billing_date", next).Info("charge succeeded")

	if err := o.deps.Entitlements.Renewed(ctx, sub.UserID, sub.PlanType, next); err != nil {
		return []error{&PersistenceError{Op: "extend membership", Err: err}}
	}
	return nil
}

func (o *Orchestrator) applyFailure(ctx context.Context, log logrus.FieldLogger, sub models.Subscription, attempt *Attempt, unrecorded bool) []error {
	failures, err := o.deps.Audit.CountFailedPaymentsSince(ctx, sub.UserID, o.now().Add(-o.cfg.FailureWindow))
	if err != nil {
		return []error{&PersistenceError{Op: "count failed payments", Err: err}}
	}
	if unrecorded {
		failures++
	}
	attempt.Failures = failures

	if failures < o.cfg.FailureThreshold {
		log.WithField("failures", failures).Info("subscription stays active for retry on a later tick")
		return nil
	}

	suspended, err := o.deps.Subscriptions.SuspendSubscription(ctx, sub.ID)
	if err != nil {
		return []error{&PersistenceError{Op: "suspend subscription", Err: err}}
	}
	if !suspended {
		log.Info("subscription no longer active; suspension skipped")
		return nil
	}

	attempt.Suspended = true
	o.deps.Metrics.Suspended()
	log.WithField("failures", failures).Warn("subscription suspended")

	if err := o.deps.Entitlements.Suspended(ctx, sub.UserID); err != nil {
		return []error{&PersistenceError{Op: "expire membership", Err: err}}
	}
	return nil
}

func (o *Orchestrator) rejectKey(ctx context.Context, log logrus.FieldLogger, key *models.BillingKey) []error {
	if _, err := o.deps.Keys.DeactivateBillingKey(ctx, key.UserID, key.ID); err != nil {
		return []error{&PersistenceError{Op: "deactivate rejected billing key", Err: err}}
	}
	o.deps.Metrics.KeyRejected()
	log.WithField("billing_key_id", key.ID).Warn("gateway no longer recognises billing key; deactivated")
	return nil
}

// nextBillingDate advances by one period from the previous due date. When a
// subscription is so far overdue that this is still not in the future, the
// period is anchored on now instead so a single tick never leaves it due.
func (o *Orchestrator) nextBillingDate(sub models.Subscription) time.Time {
	cycle := sub.BillingCycle
	if cycle == "" {
		cycle = models.CycleMonthly
	}
	now := o.now()
	next := cycle.Advance(sub.NextBillingDate, o.cfg.TestInterval)
	if !next.After(now) {
		next = cycle.Advance(now, o.cfg.TestInterval)
	}
	return next
}
