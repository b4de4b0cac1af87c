package billing

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"github.com/PortNumber53/billing-engine/internal/gateway"
	"github.com/PortNumber53/billing-engine/internal/models"
	"github.com/PortNumber53/billing-engine/internal/store"
)

// LifecycleStore is the persistence used by user-initiated operations.
type LifecycleStore interface {
	GetUser(ctx context.Context, id int64) (*models.User, error)
	SaveRegistration(ctx context.Context, key *models.BillingKey, sub *models.Subscription) (bool, error)
	CancelSubscription(ctx context.Context, userID int64) (*models.Subscription, error)
	GetCurrentSubscription(ctx context.Context, userID int64) (*models.Subscription, error)
	GetActiveBillingKey(ctx context.Context, userID int64) (*models.BillingKey, error)
	ListBillingKeys(ctx context.Context, userID int64) ([]models.BillingKey, error)
	DeactivateBillingKey(ctx context.Context, userID, keyID int64) (bool, error)
	ListPaymentLogs(ctx context.Context, userID int64, limit, offset int) ([]models.PaymentLogEntry, int, error)
}

// MembershipSync receives lifecycle events for the user's entitlement.
type MembershipSync interface {
	Activate(ctx context.Context, userID int64, plan models.Plan, start, end time.Time) error
	Cancelled(ctx context.Context, userID int64) error
}

// Charger makes one recorded charge attempt for a subscription.
// *Orchestrator implements it.
type Charger interface {
	ProcessOne(ctx context.Context, sub models.Subscription) (*Attempt, error)
}

// RegisterCardInput is the card registration request. Card details are
// forwarded to the gateway and dropped.
type RegisterCardInput struct {
	UserID         int64  `json:"user_id" validate:"required,gt=0"`
	CardNumber     string `json:"card_number" validate:"required,numeric,min=12,max=19"`
	Expiry         string `json:"expiry" validate:"required,numeric,len=4"`
	Birth          string `json:"birth" validate:"required,numeric,min=6,max=10"`
	PasswordPrefix string `json:"card_password_prefix" validate:"required,numeric,len=2"`
	Plan           string `json:"plan" validate:"omitempty,oneof=pro business premium"`
	BillingCycle   string `json:"billing_cycle" validate:"omitempty,oneof=monthly yearly"`
}

type Registration struct {
	Card         models.BillingKey   `json:"card"`
	Subscription models.Subscription `json:"subscription"`
	// Created is false when an existing active subscription now bills the new card.
	Created bool `json:"created"`
}

type PaymentHistory struct {
	Entries []models.PaymentLogEntry `json:"payments"`
	Total   int                      `json:"total"`
	Page    int                      `json:"page"`
	Limit   int                      `json:"limit"`
}

// Service implements the user-facing subscription operations.
type Service struct {
	store        LifecycleStore
	gw           gateway.Client
	members      MembershipSync
	charger      Charger
	validate     *validator.Validate
	log          logrus.FieldLogger
	testInterval time.Duration
	now          func() time.Time
}

type ServiceOption func(*Service)

// WithTestInterval shortens the first billing period like Config.TestInterval.
func WithTestInterval(d time.Duration) ServiceOption {
	return func(s *Service) { s.testInterval = d }
}

// WithCharger enables ChargeNow.
func WithCharger(c Charger) ServiceOption {
	return func(s *Service) { s.charger = c }
}

func WithServiceClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

func NewService(st LifecycleStore, gw gateway.Client, members MembershipSync, logger logrus.FieldLogger, opts ...ServiceOption) *Service {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	s := &Service{
		store:    st,
		gw:       gw,
		members:  members,
		validate: v,
		log:      logger.WithField("component", "subscriptions"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterCard issues a billing key for the card and attaches it to the
// user's subscription, creating one on the requested plan when none is active.
func (s *Service) RegisterCard(ctx context.Context, in RegisterCardInput) (*Registration, error) {
	in.CardNumber = strings.NewReplacer("-", "", " ", "").Replace(in.CardNumber)
	if err := s.validate.Struct(in); err != nil {
		return nil, toValidationError(err)
	}

	plan := models.PlanPro
	if in.Plan != "" {
		plan = models.Plan(in.Plan)
	}
	cycle := models.CycleMonthly
	if in.BillingCycle != "" {
		cycle = models.BillingCycle(in.BillingCycle)
	}

	user, err := s.store.GetUser(ctx, in.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, &PersistenceError{Op: "load user", Err: err}
	}

	now := s.now()
	issued, err := s.gw.IssueBillingKey(ctx, gateway.IssueRequest{
		OrderID:           gateway.NewOrderID(s.gw.MerchantID()+"_REG", now),
		UserID:            user.ID,
		CardNumber:        in.CardNumber,
		Expiry:            in.Expiry,
		BirthOrBusinessNo: in.Birth,
		PasswordPrefix:    in.PasswordPrefix,
		GoodName:          plan.DisplayName() + " membership",
		Buyer:             gateway.Buyer{Name: user.Name, Email: user.Email, Phone: user.Phone},
	})
	if err != nil {
		s.log.WithError(err).WithField("user_id", user.ID).Warn("billing key issuance failed")
		return nil, err
	}

	key := &models.BillingKey{
		UserID:           user.ID,
		Token:            issued.BillingKey,
		CardNumberMasked: issued.CardNumberMasked,
		CardName:         issued.CardName,
	}
	sub := &models.Subscription{
		UserID:          user.ID,
		PlanType:        plan,
		StartDate:       now,
		NextBillingDate: cycle.Advance(now, s.testInterval),
		Price:           plan.Price(cycle),
		BillingCycle:    cycle,
	}

	created, err := s.store.SaveRegistration(ctx, key, sub)
	if err != nil {
		return nil, &PersistenceError{Op: "save registration", Err: err}
	}

	if created {
		if err := s.members.Activate(ctx, user.ID, sub.PlanType, sub.StartDate, sub.NextBillingDate); err != nil {
			return nil, &PersistenceError{Op: "activate membership", Err: err}
		}
	}

	s.log.WithFields(logrus.Fields{
		"user_id":         user.ID,
		"subscription_id": sub.ID,
		"created":         created,
	}).Info("billing key registered")

	return &Registration{Card: *key, Subscription: *sub, Created: created}, nil
}

// CancelSubscription stops future charges. Access continues until the
// returned subscription's next billing date.
func (s *Service) CancelSubscription(ctx context.Context, userID int64) (*models.Subscription, error) {
	sub, err := s.store.CancelSubscription(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoActiveSubscription
	}
	if err != nil {
		return nil, &PersistenceError{Op: "cancel subscription", Err: err}
	}

	if err := s.members.Cancelled(ctx, userID); err != nil {
		return nil, &PersistenceError{Op: "cancel membership", Err: err}
	}

	s.log.WithFields(logrus.Fields{"user_id": userID, "ends_at": sub.NextBillingDate}).Info("subscription cancelled")
	return sub, nil
}

// CurrentSubscription returns the user's most recent subscription in any status.
func (s *Service) CurrentSubscription(ctx context.Context, userID int64) (*models.Subscription, error) {
	sub, err := s.store.GetCurrentSubscription(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoActiveSubscription
	}
	if err != nil {
		return nil, fmt.Errorf("billing: current subscription: %w", err)
	}
	return sub, nil
}

// ChargeNow pays the next period of the user's active subscription ahead of
// its due date. The attempt is logged and applied exactly like a scheduled
// charge. A subscription that is already due is left to the billing run.
func (s *Service) ChargeNow(ctx context.Context, userID int64) (*Attempt, error) {
	if s.charger == nil {
		return nil, errors.New("billing: on-demand charging is not configured")
	}

	sub, err := s.store.GetCurrentSubscription(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoActiveSubscription
	}
	if err != nil {
		return nil, fmt.Errorf("billing: charge now: %w", err)
	}
	if sub.Status != models.SubscriptionActive {
		return nil, ErrNoActiveSubscription
	}
	if !sub.NextBillingDate.After(s.now()) {
		return nil, &ValidationError{Field: "subscription", Reason: "already due; it is charged by the next billing run"}
	}

	if _, err := s.store.GetActiveBillingKey(ctx, userID); errors.Is(err, store.ErrNotFound) {
		return nil, ErrCardNotFound
	} else if err != nil {
		return nil, fmt.Errorf("billing: charge now: %w", err)
	}

	attempt, err := s.charger.ProcessOne(ctx, *sub)
	if attempt == nil {
		if err == nil {
			err = errors.New("billing: charge was not attempted")
		}
		return nil, err
	}
	if err != nil {
		s.log.WithError(err).WithField("order_id", attempt.OrderID).Error("on-demand charge bookkeeping failed")
	}
	return attempt, nil
}

func (s *Service) ListCards(ctx context.Context, userID int64) ([]models.BillingKey, error) {
	keys, err := s.store.ListBillingKeys(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("billing: list cards: %w", err)
	}
	return keys, nil
}

// RemoveCard deactivates one of the user's cards. The subscription is left
// alone; the next charge attempt is recorded as failed for lack of a key.
func (s *Service) RemoveCard(ctx context.Context, userID, keyID int64) error {
	ok, err := s.store.DeactivateBillingKey(ctx, userID, keyID)
	if err != nil {
		return fmt.Errorf("billing: remove card: %w", err)
	}
	if !ok {
		return ErrCardNotFound
	}
	s.log.WithFields(logrus.Fields{"user_id": userID, "billing_key_id": keyID}).Info("card removed")
	return nil
}

// PaymentHistory pages through the user's attempts, newest first. Page is
// 1-based.
func (s *Service) PaymentHistory(ctx context.Context, userID int64, page, limit int) (*PaymentHistory, error) {
	if page < 1 {
		page = 1
	}
	switch {
	case limit <= 0:
		limit = 10
	case limit > 100:
		limit = 100
	}

	entries, total, err := s.store.ListPaymentLogs(ctx, userID, limit, (page-1)*limit)
	if err != nil {
		return nil, fmt.Errorf("billing: payment history: %w", err)
	}
	return &PaymentHistory{Entries: entries, Total: total, Page: page, Limit: limit}, nil
}

func toValidationError(err error) error {
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		reason := "failed " + fe.Tag()
		if fe.Param() != "" {
			reason += "=" + fe.Param()
		}
		return &ValidationError{Field: fe.Field(), Reason: reason}
	}
	return &ValidationError{Reason: err.Error()}
}
