// Package gateway translates internal charge and registration requests into
// the signed wire protocols of external payment processors.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidRequest marks a request rejected locally before any network call.
var ErrInvalidRequest = errors.New("gateway: invalid request")

// Client is implemented by every payment processor integration. A single
// implementation is chosen when the service is assembled.
type Client interface {
	// Name identifies the processor in logs and metrics.
	Name() string
	// MerchantID is used as the order id prefix.
	MerchantID() string
	// Charge bills a stored credential once. Declines are reported through
	// ChargeResult; a non-nil error means the outcome is unknown.
	Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error)
	// IssueBillingKey exchanges card details for a reusable billing key.
	IssueBillingKey(ctx context.Context, req IssueRequest) (*IssueResult, error)
}

// Buyer carries the profile fields the processors require on a charge.
type Buyer struct {
	Name  string
	Email string
	Phone string
}

type ChargeRequest struct {
	OrderID    string
	UserID     int64
	Amount     int64
	BillingKey string
	GoodName   string
	Buyer      Buyer
}

func (r ChargeRequest) validate() error {
	switch {
	case r.OrderID == "":
		return fmt.Errorf("%w: order id is required", ErrInvalidRequest)
	case r.BillingKey == "":
		return fmt.Errorf("%w: billing key is required", ErrInvalidRequest)
	case r.Amount <= 0:
		return fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}
	return nil
}

// ChargeResult is the parsed processor response to a charge.
type ChargeResult struct {
	Approved      bool
	Code          string
	Message       string
	TransactionID string
	// FailReason is a decline reason the processor reports apart from Message.
	FailReason string
	// KeyRejected is set when the processor no longer recognises the billing key.
	KeyRejected bool
	Raw         json.RawMessage
}

// IssueRequest holds the card details for billing-key registration. They are
// forwarded to the processor and never stored.
type IssueRequest struct {
	OrderID    string
	UserID     int64
	CardNumber string
	// Expiry is the card expiry as YYMM.
	Expiry string
	// BirthOrBusinessNo is YYMMDD for personal cards or a ten-digit business number.
	BirthOrBusinessNo string
	// PasswordPrefix is the first two digits of the card password.
	PasswordPrefix string
	GoodName       string
	Buyer          Buyer
}

func (r IssueRequest) validate() error {
	digits := strings.ReplaceAll(r.CardNumber, "-", "")
	switch {
	case r.OrderID == "":
		return fmt.Errorf("%w: order id is required", ErrInvalidRequest)
	case len(digits) < 12:
		return fmt.Errorf("%w: card number is too short", ErrInvalidRequest)
	case len(r.Expiry) != 4:
		return fmt.Errorf("%w: expiry must be YYMM", ErrInvalidRequest)
	}
	return nil
}

type IssueResult struct {
	BillingKey       string
	CardNumberMasked string
	CardName         string
	Code             string
	Message          string
	Raw              json.RawMessage
}

// DeclinedError reports a non-success result code. Message is passed through
// from the processor unmodified.
type DeclinedError struct {
	Code    string
	Message string
}

func (e *DeclinedError) Error() string {
	return fmt.Sprintf("gateway: declined (%s): %s", e.Code, e.Message)
}

// TransportError reports a failure to obtain a usable response: network
// errors, timeouts, server errors or an unparseable body.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("gateway: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// NewOrderID returns a unique order id of the form <prefix>_<timestamp>_<random>.
func NewOrderID(prefix string, now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:10]
	return fmt.Sprintf("%s_%s_%s", prefix, now.Format(timestampLayout), suffix)
}

// MaskCardNumber keeps only the last four digits of a card number.
func MaskCardNumber(number string) string {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, number)
	if len(digits) <= 4 {
		return digits
	}
	return strings.Repeat("*", len(digits)-4) + digits[len(digits)-4:]
}

const timestampLayout = "20060102150405"

// ErrorPayload renders err as the raw response recorded when no processor
// response was received.
func ErrorPayload(err error) json.RawMessage {
	b, _ := json.Marshal(map[string]string{"error": err.Error()})
	return b
}
