package models

import (
	"encoding/json"
	"time"
)

// SubscriptionStatus is the lifecycle state of a subscription.
type SubscriptionStatus string

const (
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionCancelled SubscriptionStatus = "cancelled"
	SubscriptionSuspended SubscriptionStatus = "suspended"
	SubscriptionExpired   SubscriptionStatus = "expired"
)

// IsTerminal reports whether no transition may leave the status.
func (s SubscriptionStatus) IsTerminal() bool {
	return s == SubscriptionExpired
}

// BillingCycle is the charge period of a subscription.
type BillingCycle string

const (
	CycleMonthly BillingCycle = "monthly"
	CycleYearly  BillingCycle = "yearly"
)

// BillingKeyStatus marks whether a stored credential may be charged.
type BillingKeyStatus string

const (
	BillingKeyActive   BillingKeyStatus = "active"
	BillingKeyInactive BillingKeyStatus = "inactive"
)

// PaymentStatus is the outcome recorded for a single charge attempt.
type PaymentStatus string

const (
	PaymentSuccess PaymentStatus = "success"
	PaymentFailed  PaymentStatus = "failed"
)

type Subscription struct {
	ID              int64              `json:"id"`
	UserID          int64              `json:"user_id"`
	PlanType        Plan               `json:"plan_type"`
	Status          SubscriptionStatus `json:"status"`
	StartDate       time.Time          `json:"start_date"`
	NextBillingDate time.Time          `json:"next_billing_date"`
	Price           int64              `json:"price"`
	BillingCycle    BillingCycle       `json:"billing_cycle"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

// BillingKey is a gateway-issued token referencing a stored card. The raw card
// number is never persisted; only the masked form is.
type BillingKey struct {
	ID               int64            `json:"id"`
	UserID           int64            `json:"user_id"`
	Token            string           `json:"-"`
	CardNumberMasked string           `json:"card_number_masked"`
	CardName         string           `json:"card_name"`
	Status           BillingKeyStatus `json:"status"`
	CreatedAt        time.Time        `json:"created_at"`
}

// PaymentLogEntry is an immutable record of one charge attempt.
type PaymentLogEntry struct {
	ID                 int64           `json:"id"`
	UserID             int64           `json:"user_id"`
	OrderID            string          `json:"order_id"`
	BillingKeyToken    string          `json:"-"`
	Amount             int64           `json:"amount"`
	Status             PaymentStatus   `json:"status"`
	GatewayResponseRaw json.RawMessage `json:"gateway_response,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
}
