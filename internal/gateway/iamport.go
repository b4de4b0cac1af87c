package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const IamportBaseURL = "https://api.iamport.kr"

// IamportConfig is the immutable credential set for the Iamport client.
type IamportConfig struct {
	APIKey      string
	APISecret   string
	BaseURL     string
	OrderPrefix string
	Timeout     time.Duration
}

// String never includes the API secret.
func (c IamportConfig) String() string {
	return fmt.Sprintf("iamport(base=%s prefix=%s)", c.BaseURL, c.OrderPrefix)
}

// Iamport charges stored customers through the Iamport subscription API. Its
// billing key is the customer uid the card was registered under.
type Iamport struct {
	cfg        IamportConfig
	httpClient *http.Client
}

// NewIamport creates a client for the Iamport REST API.
func NewIamport(cfg IamportConfig) (*Iamport, error) {
	if cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, errors.New("gateway: iamport api key and secret are required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = IamportBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.OrderPrefix == "" {
		cfg.OrderPrefix = "BILL"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Iamport{cfg: cfg, httpClient: &http.Client{Timeout: cfg.Timeout}}, nil
}

func (c *Iamport) Name() string       { return "iamport" }
func (c *Iamport) MerchantID() string { return c.cfg.OrderPrefix }

// CustomerUID is the billing key under which a user's card is registered.
func CustomerUID(userID int64) string {
	return "customer_" + strconv.FormatInt(userID, 10)
}

type iamportEnvelope struct {
	Code     int             `json:"code"`
	Message  string          `json:"message"`
	Response json.RawMessage `json:"response"`
}

type iamportPayment struct {
	ImpUID     string `json:"imp_uid"`
	Status     string `json:"status"`
	FailReason string `json:"fail_reason"`
}

type iamportCustomer struct {
	CustomerUID string `json:"customer_uid"`
	CardName    string `json:"card_name"`
}

// Charge bills the customer registered under req.BillingKey.
func (c *Iamport) Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	token, err := c.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	env, raw, err := c.post(ctx, "/subscribe/payments/again", token, map[string]any{
		"customer_uid": req.BillingKey,
		"merchant_uid": req.OrderID,
		"amount":       req.Amount,
		"name":         req.GoodName,
		"buyer_name":   req.Buyer.Name,
		"buyer_email":  req.Buyer.Email,
		"buyer_tel":    req.Buyer.Phone,
	})
	if err != nil {
		return nil, err
	}

	result := &ChargeResult{
		Code:    strconv.Itoa(env.Code),
		Message: env.Message,
		Raw:     raw,
	}

	var payment iamportPayment
	if env.Code == 0 && len(env.Response) > 0 {
		if err := json.Unmarshal(env.Response, &payment); err != nil {
			return nil, &TransportError{Op: "charge", Err: fmt.Errorf("decode payment: %w", err)}
		}
		result.TransactionID = payment.ImpUID
		result.Approved = payment.Status == "paid"
		if !result.Approved {
			result.FailReason = payment.FailReason
		}
	}
	return result, nil
}

// IssueBillingKey registers the card under the user's customer uid.
func (c *Iamport) IssueBillingKey(ctx context.Context, req IssueRequest) (*IssueResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	token, err := c.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	uid := CustomerUID(req.UserID)
	env, raw, err := c.post(ctx, "/subscribe/customers/"+uid, token, map[string]any{
		"card_number":    strings.ReplaceAll(req.CardNumber, "-", ""),
		"expiry":         "20" + req.Expiry[:2] + "-" + req.Expiry[2:],
		"birth":          req.BirthOrBusinessNo,
		"pwd_2digit":     req.PasswordPrefix,
		"customer_name":  req.Buyer.Name,
		"customer_email": req.Buyer.Email,
		"customer_tel":   req.Buyer.Phone,
	})
	if err != nil {
		return nil, err
	}
	if env.Code != 0 {
		return nil, &DeclinedError{Code: strconv.Itoa(env.Code), Message: env.Message}
	}

	var customer iamportCustomer
	if err := json.Unmarshal(env.Response, &customer); err != nil {
		return nil, &TransportError{Op: "issue billing key", Err: fmt.Errorf("decode customer: %w", err)}
	}
	if customer.CustomerUID == "" {
		customer.CustomerUID = uid
	}

	return &IssueResult{
		BillingKey:       customer.CustomerUID,
		CardNumberMasked: MaskCardNumber(req.CardNumber),
		CardName:         customer.CardName,
		Code:             "0",
		Message:          env.Message,
		Raw:              raw,
	}, nil
}

func (c *Iamport) accessToken(ctx context.Context) (string, error) {
	env, _, err := c.post(ctx, "/users/getToken", "", map[string]string{
		"imp_key":    c.cfg.APIKey,
		"imp_secret": c.cfg.APISecret,
	})
	if err != nil {
		return "", err
	}
	if env.Code != 0 {
		return "", &TransportError{Op: "get token", Err: fmt.Errorf("code %d: %s", env.Code, env.Message)}
	}

	var payload struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(env.Response, &payload); err != nil || payload.AccessToken == "" {
		return "", &TransportError{Op: "get token", Err: errors.New("missing access token")}
	}
	return payload.AccessToken, nil
}

func (c *Iamport) post(ctx context.Context, path, token string, body any) (*iamportEnvelope, json.RawMessage, error) {
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: encode body: %v", ErrInvalidRequest, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: build request: %v", ErrInvalidRequest, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, &TransportError{Op: path, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, nil, &TransportError{Op: path, Err: err}
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, nil, &TransportError{Op: path, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	var env iamportEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, nil, &TransportError{Op: path, Err: fmt.Errorf("status %d: decode response: %w", resp.StatusCode, err)}
	}
	return &env, raw, nil
}
