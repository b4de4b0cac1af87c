package gateway

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"io"
	"net/http"
	"strings"
	"time"
)

// HashAlgorithm selects the digest used to sign Inicis requests.
type HashAlgorithm string

const (
	// HashSHA512 signs the v2 envelope.
	HashSHA512 HashAlgorithm = "sha512"
	// HashSHA256 signs the short-form flows.
	HashSHA256 HashAlgorithm = "sha256"
)

const (
	InicisTestBaseURL       = "https://iniapi.inicis.com/v2/pg"
	InicisProductionBaseURL = "https://api.inicis.com/v2/pg"
	InicisTestMerchantID    = "INIBillTst"

	defaultTimeout      = 30 * time.Second
	maxResponseBytes    = 1 << 20
	inicisTypeBilling   = "billing"
	inicisTypeIssue     = "pay"
	inicisPayMethod     = "card"
	inicisKeyNotFound   = "1195"
	inicisCodeFailure   = "01"
	defaultClientIP     = "127.0.0.1"
	defaultInicisRetURL = "https://localhost/billing/return"
)

// InicisConfig is the immutable credential set for the Inicis client.
type InicisConfig struct {
	MerchantID string
	APIKey     string
	BaseURL    string
	Hash       HashAlgorithm
	ClientIP   string
	ReturnURL  string
	Timeout    time.Duration
}

// String never includes the API key.
func (c InicisConfig) String() string {
	return fmt.Sprintf("inicis(mid=%s base=%s hash=%s)", c.MerchantID, c.BaseURL, c.Hash)
}

// Inicis speaks the Inicis v2 REST billing protocol.
type Inicis struct {
	cfg        InicisConfig
	httpClient *http.Client
	location   *time.Location
	now        func() time.Time
}

// NewInicis creates a client. Missing optional values fall back to the test
// endpoint, SHA-512 signing and a 30 second timeout.
func NewInicis(cfg InicisConfig) (*Inicis, error) {
	if cfg.MerchantID == "" || cfg.APIKey == "" {
		return nil, errors.New("gateway: inicis merchant id and api key are required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = InicisTestBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Hash == "" {
		cfg.Hash = HashSHA512
	}
	if cfg.Hash != HashSHA512 && cfg.Hash != HashSHA256 {
		return nil, fmt.Errorf("gateway: unsupported hash algorithm %q", cfg.Hash)
	}
	if cfg.ClientIP == "" {
		cfg.ClientIP = defaultClientIP
	}
	if cfg.ReturnURL == "" {
		cfg.ReturnURL = defaultInicisRetURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	return &Inicis{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		location:   time.FixedZone("KST", 9*60*60),
		now:        time.Now,
	}, nil
}

func (c *Inicis) Name() string       { return "inicis" }
func (c *Inicis) MerchantID() string { return c.cfg.MerchantID }

type inicisChargeData struct {
	URL        string `json:"url"`
	Moid       string `json:"moid"`
	GoodName   string `json:"goodName"`
	BuyerName  string `json:"buyerName"`
	BuyerEmail string `json:"buyerEmail"`
	BuyerTel   string `json:"buyerTel"`
	Price      string `json:"price"`
	BillKey    string `json:"billKey"`
}

type inicisIssueData struct {
	URL        string `json:"url"`
	Moid       string `json:"moid"`
	GoodName   string `json:"goodName"`
	BuyerName  string `json:"buyerName"`
	BuyerEmail string `json:"buyerEmail"`
	BuyerTel   string `json:"buyerTel"`
	Price      string `json:"price"`
	CardNumber string `json:"cardNumber"`
	CardExpire string `json:"cardExpire"`
	RegNo      string `json:"regNo"`
	CardPw     string `json:"cardPw"`
	BillKey    string `json:"billkey"`
}

type inicisEnvelope struct {
	Mid       string          `json:"mid"`
	Type      string          `json:"type"`
	PayMethod string          `json:"paymethod"`
	Timestamp string          `json:"timestamp"`
	ClientIP  string          `json:"clientIp"`
	Data      json.RawMessage `json:"data"`
	HashData  string          `json:"hashData"`
}

type inicisResponse struct {
	ResultCode string `json:"resultCode"`
	ResultMsg  string `json:"resultMsg"`
	Tid        string `json:"tid"`
	BillKey    string `json:"billkey"`
	CardNumber string `json:"cardNumber"`
	CardName   string `json:"cardName"`
	CardCode   string `json:"cardCode"`
}

// Charge bills the stored card referenced by req.BillingKey.
func (c *Inicis) Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	data := inicisChargeData{
		URL:        c.cfg.ReturnURL,
		Moid:       req.OrderID,
		GoodName:   req.GoodName,
		BuyerName:  req.Buyer.Name,
		BuyerEmail: req.Buyer.Email,
		BuyerTel:   req.Buyer.Phone,
		Price:      fmt.Sprintf("%d", req.Amount),
		BillKey:    req.BillingKey,
	}

	resp, raw, err := c.send(ctx, "/billing", inicisTypeBilling, data)
	if err != nil {
		return nil, err
	}

	return &ChargeResult{
		Approved:      isInicisSuccess(resp.ResultCode),
		Code:          resp.ResultCode,
		Message:       resp.ResultMsg,
		TransactionID: resp.Tid,
		KeyRejected:   resp.ResultCode == inicisCodeFailure && strings.Contains(resp.ResultMsg, inicisKeyNotFound),
		Raw:           raw,
	}, nil
}

// IssueBillingKey registers a card with a zero-amount "pay" request flagged
// for billing-key issuance.
func (c *Inicis) IssueBillingKey(ctx context.Context, req IssueRequest) (*IssueResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	data := inicisIssueData{
		URL:        c.cfg.ReturnURL,
		Moid:       req.OrderID,
		GoodName:   req.GoodName,
		BuyerName:  req.Buyer.Name,
		BuyerEmail: req.Buyer.Email,
		BuyerTel:   req.Buyer.Phone,
		Price:      "0",
		CardNumber: strings.ReplaceAll(req.CardNumber, "-", ""),
		CardExpire: req.Expiry,
		RegNo:      req.BirthOrBusinessNo,
		CardPw:     req.PasswordPrefix,
		BillKey:    "1",
	}

	resp, raw, err := c.send(ctx, "/pay", inicisTypeIssue, data)
	if err != nil {
		return nil, err
	}
	if !isInicisSuccess(resp.ResultCode) {
		return nil, &DeclinedError{Code: resp.ResultCode, Message: resp.ResultMsg}
	}

	key := resp.BillKey
	if key == "" {
		key = resp.Tid
	}
	if key == "" {
		return nil, &TransportError{Op: "issue billing key", Err: errors.New("response carried no billing key")}
	}

	cardName := resp.CardName
	if cardName == "" {
		cardName = resp.CardCode
	}

	return &IssueResult{
		BillingKey:       key,
		CardNumberMasked: MaskCardNumber(req.CardNumber),
		CardName:         cardName,
		Code:             resp.ResultCode,
		Message:          resp.ResultMsg,
		Raw:              raw,
	}, nil
}

func (c *Inicis) send(ctx context.Context, path, msgType string, data any) (*inicisResponse, json.RawMessage, error) {
	payload, err := canonicalJSON(data)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: encode data: %v", ErrInvalidRequest, err)
	}

	timestamp := c.now().In(c.location).Format(timestampLayout)
	envelope := inicisEnvelope{
		Mid:       c.cfg.MerchantID,
		Type:      msgType,
		PayMethod: inicisPayMethod,
		Timestamp: timestamp,
		ClientIP:  c.cfg.ClientIP,
		Data:      payload,
		HashData:  Sign(c.cfg.Hash, c.cfg.APIKey, c.cfg.MerchantID, msgType, timestamp, payload),
	}

	body, err := canonicalJSON(envelope)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: encode envelope: %v", ErrInvalidRequest, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: build request: %v", ErrInvalidRequest, err)
	}
	httpReq.Header.Set("Content-Type", "application/json;charset=utf-8")

	op := msgType + " request"
	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, nil, &TransportError{Op: op, Err: err}
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return nil, nil, &TransportError{Op: op, Err: err}
	}
	if httpResp.StatusCode >= http.StatusInternalServerError {
		return nil, nil, &TransportError{Op: op, Err: fmt.Errorf("status %d", httpResp.StatusCode)}
	}

	var resp inicisResponse
	if err := json.Unmarshal(raw, &resp); err != nil || resp.ResultCode == "" {
		if err == nil {
			err = errors.New("missing resultCode")
		}
		return nil, nil, &TransportError{Op: op, Err: fmt.Errorf("status %d: decode response: %w", httpResp.StatusCode, err)}
	}

	return &resp, raw, nil
}

// Sign computes the hex digest over apiKey + mid + type + timestamp + data.
// Backslashes are removed from the plaintext before hashing, matching how the
// processor rebuilds the string on its side.
func Sign(alg HashAlgorithm, apiKey, mid, msgType, timestamp string, data []byte) string {
	plain := strings.ReplaceAll(apiKey+mid+msgType+timestamp+string(data), `\`, "")

	var h hash.Hash
	if alg == HashSHA256 {
		h = sha256.New()
	} else {
		h = sha512.New()
	}
	h.Write([]byte(plain))
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalJSON encodes v in declaration order without HTML escaping so the
// bytes on the wire are exactly the bytes that were signed.
func canonicalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func isInicisSuccess(code string) bool {
	return code == "00" || code == "0000"
}
