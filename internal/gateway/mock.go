package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Mock is an in-process processor for local runs and tests. By default every
// charge is approved; ChargeFunc and IssueFunc override the outcome.
type Mock struct {
	ChargeFunc func(ctx context.Context, req ChargeRequest) (*ChargeResult, error)
	IssueFunc  func(ctx context.Context, req IssueRequest) (*IssueResult, error)

	mu      sync.Mutex
	charges []ChargeRequest
}

func NewMock() *Mock {
	return &Mock{}
}

func (m *Mock) Name() string       { return "mock" }
func (m *Mock) MerchantID() string { return "MOCK" }

func (m *Mock) Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.charges = append(m.charges, req)
	m.mu.Unlock()

	if m.ChargeFunc != nil {
		return m.ChargeFunc(ctx, req)
	}
	return Approve("MOCK_" + req.OrderID), nil
}

func (m *Mock) IssueBillingKey(ctx context.Context, req IssueRequest) (*IssueResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if m.IssueFunc != nil {
		return m.IssueFunc(ctx, req)
	}

	key := fmt.Sprintf("mock_bk_%d_%d", req.UserID, time.Now().UnixNano())
	raw, _ := json.Marshal(map[string]string{"resultCode": "00", "billkey": key})
	return &IssueResult{
		BillingKey:       key,
		CardNumberMasked: MaskCardNumber(req.CardNumber),
		CardName:         "MOCK",
		Code:             "00",
		Raw:              raw,
	}, nil
}

// Charges returns a copy of every charge request received.
func (m *Mock) Charges() []ChargeRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ChargeRequest(nil), m.charges...)
}

// Approve builds a successful result in the Inicis response shape.
func Approve(tid string) *ChargeResult {
	raw, _ := json.Marshal(map[string]string{"resultCode": "00", "resultMsg": "approved", "tid": tid})
	return &ChargeResult{Approved: true, Code: "00", Message: "approved", TransactionID: tid, Raw: raw}
}

// Decline builds a declined result in the Inicis response shape.
func Decline(code, msg string) *ChargeResult {
	raw, _ := json.Marshal(map[string]string{"resultCode": code, "resultMsg": msg})
	return &ChargeResult{
		Code:        code,
		Message:     msg,
		KeyRejected: code == inicisCodeFailure && strings.Contains(msg, inicisKeyNotFound),
		Raw:         raw,
	}
}
