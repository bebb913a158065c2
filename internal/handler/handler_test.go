package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/honeynil/sms-billing/internal/infrastructure/auth"
	"github.com/honeynil/sms-billing/internal/models"
	"github.com/honeynil/sms-billing/internal/pricing"
	"github.com/honeynil/sms-billing/internal/reconciler"
	service "github.com/honeynil/sms-billing/internal/services"
	pkgerrors "github.com/honeynil/sms-billing/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockService struct {
	mock.Mock
}

func (m *mockService) QuotePrice(ctx context.Context, credits int64) (*pricing.Quote, error) {
	args := m.Called(ctx, credits)
	q, _ := args.Get(0).(*pricing.Quote)
	return q, args.Error(1)
}

func (m *mockService) ListPackages(ctx context.Context) ([]models.Package, error) {
	args := m.Called(ctx)
	p, _ := args.Get(0).([]models.Package)
	return p, args.Error(1)
}

func (m *mockService) InitiatePurchase(ctx context.Context, tenantID string, in service.InitiatePurchaseInput) (*service.PurchaseResult, error) {
	args := m.Called(ctx, tenantID, in)
	r, _ := args.Get(0).(*service.PurchaseResult)
	return r, args.Error(1)
}

func (m *mockService) GetTransactionProgress(ctx context.Context, tenantID, transactionID string) (*service.TransactionProgress, error) {
	args := m.Called(ctx, tenantID, transactionID)
	p, _ := args.Get(0).(*service.TransactionProgress)
	return p, args.Error(1)
}

func (m *mockService) CancelTransaction(ctx context.Context, tenantID, transactionID string) (*models.PaymentTransaction, error) {
	args := m.Called(ctx, tenantID, transactionID)
	tx, _ := args.Get(0).(*models.PaymentTransaction)
	return tx, args.Error(1)
}

func (m *mockService) SyncPendingTransactions(ctx context.Context, tenantID string) (reconciler.Summary, error) {
	args := m.Called(ctx, tenantID)
	return args.Get(0).(reconciler.Summary), args.Error(1)
}

func (m *mockService) GetBalance(ctx context.Context, tenantID string) (*models.Balance, error) {
	args := m.Called(ctx, tenantID)
	b, _ := args.Get(0).(*models.Balance)
	return b, args.Error(1)
}

func (m *mockService) ConsumeCredits(ctx context.Context, tenantID string, amount int64, reference string) (*models.Balance, error) {
	args := m.Called(ctx, tenantID, amount, reference)
	b, _ := args.Get(0).(*models.Balance)
	return b, args.Error(1)
}

// newRouter mounts the handler with a fixed tenant in place of real auth.
func newRouter(svc service.BillingService, tenantID string) *mux.Router {
	h := NewHandler(svc)
	r := mux.NewRouter()
	h.RegisterPublicRoutes(r)
	protected := r.NewRoute().Subrouter()
	protected.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if tenantID != "" {
				r = r.WithContext(auth.WithTenant(r.Context(), tenantID))
			}
			next.ServeHTTP(w, r)
		})
	})
	h.RegisterProtectedRoutes(protected)
	return r
}

func do(t *testing.T, h http.Handler, method, path, body string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return rec.Code, out
}

func TestHandler_QuotePrice(t *testing.T) {
	svc := new(mockService)
	svc.On("QuotePrice", mock.Anything, int64(500)).Return(&pricing.Quote{
		Credits: 500, UnitPrice: decimal.NewFromInt(30), TotalPrice: decimal.RequireFromString("15000.00"), TierName: "Lite",
	}, nil)
	svc.On("QuotePrice", mock.Anything, int64(-3)).Return(nil, pkgerrors.ErrInvalidQuantity)
	r := newRouter(svc, "")

	code, out := do(t, r, http.MethodGet, "/pricing/quote?credits=500", "")
	assert.Equal(t, http.StatusOK, code)
	data := out["data"].(map[string]any)
	assert.Equal(t, "Lite", data["tier_name"])
	assert.Equal(t, "15000", data["total_price"])

	code, _ = do(t, r, http.MethodGet, "/pricing/quote?credits=-3", "")
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = do(t, r, http.MethodGet, "/pricing/quote?credits=lots", "")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestHandler_ListPackagesIncludesSavings(t *testing.T) {
	svc := new(mockService)
	svc.On("ListPackages", mock.Anything).Return(models.DefaultPackages(), nil)

	code, out := do(t, newRouter(svc, ""), http.MethodGet, "/packages", "")
	require.Equal(t, http.StatusOK, code)
	pkgs := out["data"].([]any)
	require.Len(t, pkgs, 3)
	assert.Equal(t, "40", pkgs[0].(map[string]any)["savings_percentage"])
}

func TestHandler_InitiatePurchase(t *testing.T) {
	body := `{"credits":500,"buyer_name":"Asha","buyer_email":"a@b.tz","buyer_phone":"0744963858","channel":"vodacom"}`
	in := service.InitiatePurchaseInput{Credits: 500, BuyerName: "Asha", BuyerEmail: "a@b.tz", BuyerPhone: "0744963858", Channel: "vodacom"}

	t.Run("Created", func(t *testing.T) {
		svc := new(mockService)
		svc.On("InitiatePurchase", mock.Anything, "tenant-a", in).Return(&service.PurchaseResult{
			Transaction: &models.PaymentTransaction{ID: "tx-1", Status: models.StatusProcessing},
			Accepted:    true,
		}, nil)

		code, out := do(t, newRouter(svc, "tenant-a"), http.MethodPost, "/purchases", body)
		assert.Equal(t, http.StatusCreated, code)
		assert.Equal(t, true, out["success"])
	})

	t.Run("GatewayRejected", func(t *testing.T) {
		svc := new(mockService)
		svc.On("InitiatePurchase", mock.Anything, "tenant-a", in).Return(&service.PurchaseResult{
			Transaction: &models.PaymentTransaction{ID: "tx-1", Status: models.StatusFailed},
			Message:     "Invalid API key",
		}, nil)

		code, out := do(t, newRouter(svc, "tenant-a"), http.MethodPost, "/purchases", body)
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, false, out["success"])
		assert.Equal(t, "Invalid API key", out["message"])
	})

	t.Run("GatewayDown", func(t *testing.T) {
		svc := new(mockService)
		svc.On("InitiatePurchase", mock.Anything, "tenant-a", in).Return(&service.PurchaseResult{
			Transaction: &models.PaymentTransaction{ID: "tx-1", Status: models.StatusFailed},
		}, pkgerrors.ErrGatewayUnavailable)

		code, out := do(t, newRouter(svc, "tenant-a"), http.MethodPost, "/purchases", body)
		assert.Equal(t, http.StatusBadGateway, code)
		assert.NotNil(t, out["data"])
	})

	t.Run("NoTenant", func(t *testing.T) {
		code, _ := do(t, newRouter(new(mockService), ""), http.MethodPost, "/purchases", body)
		assert.Equal(t, http.StatusUnauthorized, code)
	})

	t.Run("BadJSON", func(t *testing.T) {
		code, _ := do(t, newRouter(new(mockService), "tenant-a"), http.MethodPost, "/purchases", "{")
		assert.Equal(t, http.StatusBadRequest, code)
	})
}

func TestHandler_ErrorMapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{pkgerrors.ErrUnknownChannel, http.StatusBadRequest},
		{pkgerrors.ErrTransactionNotFound, http.StatusNotFound},
		{fmt.Errorf("%w: completed -> cancelled", pkgerrors.ErrInvalidTransition), http.StatusConflict},
		{pkgerrors.ErrInsufficientCredits, http.StatusPaymentRequired},
		{pkgerrors.ErrGatewayUnavailable, http.StatusBadGateway},
		{fmt.Errorf("db down"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			svc := new(mockService)
			svc.On("CancelTransaction", mock.Anything, "tenant-a", "tx-1").Return(nil, tt.err)

			code, out := do(t, newRouter(svc, "tenant-a"), http.MethodPost, "/transactions/tx-1/cancel", "")
			assert.Equal(t, tt.want, code)
			if tt.want == http.StatusInternalServerError {
				assert.Equal(t, pkgerrors.ErrInternal.Error(), out["error"])
			}
		})
	}
}

func TestHandler_ProtectedReads(t *testing.T) {
	svc := new(mockService)
	svc.On("GetTransactionProgress", mock.Anything, "tenant-a", "tx-1").Return(&service.TransactionProgress{TransactionID: "tx-1", Step: 2, Percentage: 50}, nil)
	svc.On("GetBalance", mock.Anything, "tenant-a").Return(&models.Balance{TenantID: "tenant-a", Credits: 42}, nil)
	svc.On("SyncPendingTransactions", mock.Anything, "tenant-a").Return(reconciler.Summary{Checked: 2, Completed: 1}, nil)
	svc.On("ConsumeCredits", mock.Anything, "tenant-a", int64(5), "msg-1").Return(&models.Balance{Credits: 37}, nil)
	r := newRouter(svc, "tenant-a")

	code, out := do(t, r, http.MethodGet, "/transactions/tx-1/progress", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(50), out["data"].(map[string]any)["percentage"])

	code, out = do(t, r, http.MethodGet, "/balance", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(42), out["data"].(map[string]any)["credits"])

	code, out = do(t, r, http.MethodPost, "/transactions/sync", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), out["data"].(map[string]any)["completed"])

	code, _ = do(t, r, http.MethodPost, "/usage", `{"credits":5,"reference":"msg-1"}`)
	assert.Equal(t, http.StatusOK, code)
	svc.AssertExpectations(t)
}
