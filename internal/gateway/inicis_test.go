package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturedEnvelope struct {
	Mid       string          `json:"mid"`
	Type      string          `json:"type"`
	PayMethod string          `json:"paymethod"`
	Timestamp string          `json:"timestamp"`
	ClientIP  string          `json:"clientIp"`
	Data      json.RawMessage `json:"data"`
	HashData  string          `json:"hashData"`
}

func newTestInicis(t *testing.T, hash HashAlgorithm, handler http.HandlerFunc) (*Inicis, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := NewInicis(InicisConfig{
		MerchantID: InicisTestMerchantID,
		APIKey:     "test-api-key",
		BaseURL:    srv.URL,
		Hash:       hash,
		ClientIP:   "10.0.0.1",
		ReturnURL:  "https://example.com/return",
	})
	require.NoError(t, err)
	client.now = func() time.Time {
		return time.Date(2026, 3, 1, 2, 30, 0, 0, time.UTC)
	}
	return client, srv
}

func TestInicisChargeSignsEnvelope(t *testing.T) {
	for _, alg := range []HashAlgorithm{HashSHA512, HashSHA256} {
		t.Run(string(alg), func(t *testing.T) {
			var got capturedEnvelope
			client, _ := newTestInicis(t, alg, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/billing", r.URL.Path)
				body, err := io.ReadAll(r.Body)
				require.NoError(t, err)
				require.NoError(t, json.Unmarshal(body, &got))
				_, _ = w.Write([]byte(`{"resultCode":"00","resultMsg":"OK","tid":"T123"}`))
			})

			res, err := client.Charge(context.Background(), ChargeRequest{
				OrderID:    "INIBillTst_20260301113000_abc",
				Amount:     9900,
				BillingKey: "BK-1",
				GoodName:   "Pro membership",
				Buyer:      Buyer{Name: "Kim", Email: "kim@example.com", Phone: "010-0000-0000"},
			})
			require.NoError(t, err)
			assert.True(t, res.Approved)
			assert.Equal(t, "T123", res.TransactionID)

			assert.Equal(t, "billing", got.Type)
			assert.Equal(t, "card", got.PayMethod)
			assert.Equal(t, "20260301113000", got.Timestamp, "timestamp is rendered in KST")
			assert.Equal(t, "10.0.0.1", got.ClientIP)

			expected := Sign(alg, "test-api-key", InicisTestMerchantID, "billing", got.Timestamp, got.Data)
			assert.Equal(t, expected, got.HashData)
			if alg == HashSHA512 {
				assert.Len(t, got.HashData, 128)
			} else {
				assert.Len(t, got.HashData, 64)
			}

			assert.True(t, strings.HasPrefix(string(got.Data), `{"url":"https://example.com/return","moid":"INIBillTst_20260301113000_abc"`))
			assert.Contains(t, string(got.Data), `"price":"9900","billKey":"BK-1"}`)
		})
	}
}

func TestInicisChargeDeclinePassesMessageThrough(t *testing.T) {
	client, _ := newTestInicis(t, HashSHA512, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"resultCode":"01","resultMsg":"[1195] 빌키 미등록"}`))
	})

	res, err := client.Charge(context.Background(), ChargeRequest{OrderID: "o1", Amount: 9900, BillingKey: "BK"})
	require.NoError(t, err)
	assert.False(t, res.Approved)
	assert.Equal(t, "[1195] 빌키 미등록", res.Message)
	assert.True(t, res.KeyRejected)
	assert.JSONEq(t, `{"resultCode":"01","resultMsg":"[1195] 빌키 미등록"}`, string(res.Raw))
}

func TestInicisChargeTransportErrors(t *testing.T) {
	client, _ := newTestInicis(t, HashSHA512, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := client.Charge(context.Background(), ChargeRequest{OrderID: "o1", Amount: 9900, BillingKey: "BK"})
	var transportErr *TransportError
	require.True(t, errors.As(err, &transportErr))

	client, _ = newTestInicis(t, HashSHA512, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>maintenance</html>`))
	})
	_, err = client.Charge(context.Background(), ChargeRequest{OrderID: "o1", Amount: 9900, BillingKey: "BK"})
	require.True(t, errors.As(err, &transportErr))
}

func TestInicisChargeHonoursDeadline(t *testing.T) {
	release := make(chan struct{})
	client, _ := newTestInicis(t, HashSHA512, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.Charge(ctx, ChargeRequest{OrderID: "o1", Amount: 9900, BillingKey: "BK"})
	var transportErr *TransportError
	require.True(t, errors.As(err, &transportErr))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestInicisChargeRejectsInvalidRequestLocally(t *testing.T) {
	called := false
	client, _ := newTestInicis(t, HashSHA512, func(w http.ResponseWriter, r *http.Request) {
		called = true
	})

	_, err := client.Charge(context.Background(), ChargeRequest{OrderID: "o1", Amount: 0, BillingKey: "BK"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.False(t, called)
}

func TestInicisIssueBillingKey(t *testing.T) {
	var got capturedEnvelope
	client, _ := newTestInicis(t, HashSHA512, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/pay", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"resultCode":"00","resultMsg":"OK","tid":"TID","billkey":"BK-NEW","cardName":"Shinhan"}`))
	})

	res, err := client.IssueBillingKey(context.Background(), IssueRequest{
		OrderID:           "INIBillTst_REG_1",
		UserID:            7,
		CardNumber:        "1234-5678-9012-3456",
		Expiry:            "2812",
		BirthOrBusinessNo: "900101",
		PasswordPrefix:    "12",
	})
	require.NoError(t, err)
	assert.Equal(t, "BK-NEW", res.BillingKey)
	assert.Equal(t, "************3456", res.CardNumberMasked)
	assert.Equal(t, "Shinhan", res.CardName)

	assert.Equal(t, "pay", got.Type)
	var data map[string]string
	require.NoError(t, json.Unmarshal(got.Data, &data))
	assert.Equal(t, "0", data["price"])
	assert.Equal(t, "1", data["billkey"])
	assert.Equal(t, "1234567890123456", data["cardNumber"])
	assert.Equal(t, Sign(HashSHA512, "test-api-key", InicisTestMerchantID, "pay", got.Timestamp, got.Data), got.HashData)
}

func TestInicisIssueBillingKeyDeclined(t *testing.T) {
	client, _ := newTestInicis(t, HashSHA512, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"resultCode":"V013","resultMsg":"invalid card"}`))
	})

	_, err := client.IssueBillingKey(context.Background(), IssueRequest{
		OrderID: "o", CardNumber: "1234567890123456", Expiry: "2812",
	})
	var declined *DeclinedError
	require.True(t, errors.As(err, &declined))
	assert.Equal(t, "V013", declined.Code)
	assert.Equal(t, "invalid card", declined.Message)
}

func TestSignStripsBackslashes(t *testing.T) {
	withSlash := Sign(HashSHA512, "k", "m", "billing", "20260101000000", []byte(`{"a":"x\/y"}`))
	without := Sign(HashSHA512, "k", "m", "billing", "20260101000000", []byte(`{"a":"x/y"}`))
	assert.Equal(t, without, withSlash)
}

func TestNewInicisRequiresCredentials(t *testing.T) {
	_, err := NewInicis(InicisConfig{MerchantID: "mid"})
	assert.Error(t, err)

	_, err = NewInicis(InicisConfig{MerchantID: "mid", APIKey: "k", Hash: "md5"})
	assert.Error(t, err)
}

func TestConfigStringRedactsSecret(t *testing.T) {
	cfg := InicisConfig{MerchantID: "mid", APIKey: "super-secret"}
	assert.NotContains(t, cfg.String(), "super-secret")
	assert.NotContains(t, IamportConfig{APISecret: "hidden"}.String(), "hidden")
}

func TestNewOrderIDIsUnique(t *testing.T) {
	now := time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC)
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := NewOrderID("INIBillTst", now)
		assert.True(t, strings.HasPrefix(id, "INIBillTst_20260301020000_"))
		assert.False(t, seen[id], "duplicate order id %s", id)
		seen[id] = true
	}
}

func TestMaskCardNumber(t *testing.T) {
	assert.Equal(t, "************4242", MaskCardNumber("4242-4242-4242-4242"))
	assert.Equal(t, "42", MaskCardNumber("42"))
}
