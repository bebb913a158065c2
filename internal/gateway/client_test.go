package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/honeynil/sms-billing/internal/models"
	pkgerrors "github.com/honeynil/sms-billing/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(Config{
		BaseURL:          srv.URL,
		APIKey:           "secret",
		Timeout:          time.Second,
		WebhookURL:       "https://billing.example/api/billing/payments/webhook",
		PollBackoff:      time.Millisecond,
		BreakerThreshold: 2,
		BreakerCooldown:  time.Minute,
	})
}

func TestClient_Initiate(t *testing.T) {
	t.Run("Accepted", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "/mobile_money_tanzania", r.URL.Path)
			assert.Equal(t, "secret", r.Header.Get("x-api-key"))

			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "0744963858", body["buyer_phone"])
			assert.Equal(t, float64(15000), body["amount"])
			assert.Equal(t, "vodacom", body["channel"])
			assert.NotEmpty(t, body["webhook_url"])

			_, _ = w.Write([]byte(`{"status":"success","resultcode":"000","message":"Request in progress","order_id":"o-1"}`))
		})

		res, err := c.Initiate(context.Background(), InitiateRequest{
			OrderID:    "o-1",
			BuyerEmail: "a@b.tz",
			BuyerName:  "Asha",
			BuyerPhone: "+255 744 963 858",
			Amount:     decimal.RequireFromString("15000.00"),
			Channel:    models.ChannelVodacom,
		})
		require.NoError(t, err)
		assert.True(t, res.Accepted)
	})

	t.Run("Rejected", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"status":"error","message":"Invalid API key"}`))
		})

		res, err := c.Initiate(context.Background(), InitiateRequest{OrderID: "o-2", BuyerPhone: "0744963858", Amount: decimal.NewFromInt(1000)})
		require.NoError(t, err)
		assert.False(t, res.Accepted)
		assert.Equal(t, "Invalid API key", res.Message)
	})

	t.Run("InvalidPhoneNeverCallsGateway", func(t *testing.T) {
		var calls int32
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
		})

		_, err := c.Initiate(context.Background(), InitiateRequest{OrderID: "o-3", BuyerPhone: "12345"})
		assert.ErrorIs(t, err, pkgerrors.ErrInvalidPhone)
		assert.Zero(t, atomic.LoadInt32(&calls))
	})

	t.Run("TimeoutIsUnavailableAndNotRetried", func(t *testing.T) {
		var calls int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			time.Sleep(200 * time.Millisecond)
		}))
		t.Cleanup(srv.Close)
		c := NewClient(Config{BaseURL: srv.URL, Timeout: 20 * time.Millisecond})

		res, err := c.Initiate(context.Background(), InitiateRequest{OrderID: "o-4", BuyerPhone: "0655123456", Amount: decimal.NewFromInt(1000)})
		assert.ErrorIs(t, err, pkgerrors.ErrGatewayUnavailable)
		require.NotNil(t, res)
		assert.False(t, res.Accepted)
		assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	})
}

func TestClient_PollStatus(t *testing.T) {
	tests := []struct {
		name string
		body string
		want Status
	}{
		{"Completed", `{"result":"SUCCESS","data":[{"payment_status":"COMPLETED","transid":"TX9","channel":"MPESA-TZ","msisdn":"255744963858","reference":"R1"}]}`, StatusCompleted},
		{"CompletedWithoutSuccessResult", `{"result":"PENDING","data":[{"payment_status":"COMPLETED"}]}`, StatusUnknown},
		{"Failed", `{"result":"SUCCESS","data":[{"payment_status":"FAILED"}]}`, StatusFailed},
		{"Cancelled", `{"result":"SUCCESS","data":[{"payment_status":"CANCELED"}]}`, StatusCancelled},
		{"Pending", `{"result":"SUCCESS","data":[{"payment_status":"PROCESSING"}]}`, StatusPending},
		{"FailedResultNoData", `{"result":"FAILED","message":"order not found","data":[]}`, StatusFailed},
		{"Garbage", `{"result":"SUCCESS","data":[{"payment_status":"WHATEVER"}]}`, StatusUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/order-status", r.URL.Path)
				assert.Equal(t, "gw-1", r.URL.Query().Get("order_id"))
				_, _ = w.Write([]byte(tt.body))
			})

			res, err := c.PollStatus(context.Background(), "gw-1")
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Status)
			assert.JSONEq(t, tt.body, string(res.Raw))
		})
	}
}

func TestClient_PollStatusCompletedDetails(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"result":"SUCCESS","reference":"TOP","data":[{"payment_status":"COMPLETED","transid":"TX9","channel":"MPESA-TZ","msisdn":"255744963858","reference":"R1"}]}`))
	})

	res, err := c.PollStatus(context.Background(), "gw-1")
	require.NoError(t, err)
	assert.Equal(t, "R1", res.Reference)
	assert.Equal(t, "TX9", res.TransID)
	assert.Equal(t, "MPESA-TZ", res.Channel)
	assert.Equal(t, "255744963858", res.MSISDN)
}

func TestClient_PollStatusRetriesThenOpensBreaker(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := c.PollStatus(context.Background(), "gw-1")
	assert.ErrorIs(t, err, pkgerrors.ErrGatewayUnavailable)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))

	_, err = c.PollStatus(context.Background(), "gw-1")
	assert.ErrorIs(t, err, pkgerrors.ErrGatewayUnavailable)
	assert.Equal(t, int32(6), atomic.LoadInt32(&calls))

	_, err = c.PollStatus(context.Background(), "gw-1")
	assert.ErrorIs(t, err, pkgerrors.ErrGatewayUnavailable)
	assert.Equal(t, int32(6), atomic.LoadInt32(&calls), "open breaker short-circuits")
}

func TestClient_PollStatusClientErrorNotRetried(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	})

	_, err := c.PollStatus(context.Background(), "gw-1")
	assert.ErrorIs(t, err, pkgerrors.ErrGatewayUnavailable)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}
