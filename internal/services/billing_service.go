package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/honeynil/sms-billing/internal/gateway"
	"github.com/honeynil/sms-billing/internal/models"
	"github.com/honeynil/sms-billing/internal/pricing"
	"github.com/honeynil/sms-billing/internal/reconciler"
	"github.com/honeynil/sms-billing/internal/repository"
	"github.com/honeynil/sms-billing/internal/statemachine"
	pkgerrors "github.com/honeynil/sms-billing/pkg/errors"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

type BillingService interface {
	QuotePrice(ctx context.Context, credits int64) (*pricing.Quote, error)
	ListPackages(ctx context.Context) ([]models.Package, error)
	InitiatePurchase(ctx context.Context, tenantID string, in InitiatePurchaseInput) (*PurchaseResult, error)
	GetTransactionProgress(ctx context.Context, tenantID, transactionID string) (*TransactionProgress, error)
	CancelTransaction(ctx context.Context, tenantID, transactionID string) (*models.PaymentTransaction, error)
	SyncPendingTransactions(ctx context.Context, tenantID string) (reconciler.Summary, error)
	GetBalance(ctx context.Context, tenantID string) (*models.Balance, error)
	ConsumeCredits(ctx context.Context, tenantID string, amount int64, reference string) (*models.Balance, error)
}

type PaymentInitiator interface {
	Initiate(ctx context.Context, req gateway.InitiateRequest) (*gateway.InitiateResult, error)
}

type CreditLedger interface {
	EnsureBalance(ctx context.Context, tenantID string) (*models.Balance, error)
	Balance(ctx context.Context, tenantID string) (*models.Balance, error)
	Debit(ctx context.Context, tenantID string, amount int64, reference string) (*models.Balance, error)
}

type Reconciler interface {
	RunOnce(ctx context.Context, tenantID string) (reconciler.Summary, error)
}

// InitiatePurchaseInput names either a catalogue package or a custom credit
// quantity, never both.
type InitiatePurchaseInput struct {
	PackageID  string `json:"package_id,omitempty"`
	Credits    int64  `json:"credits,omitempty"`
	BuyerName  string `json:"buyer_name"`
	BuyerEmail string `json:"buyer_email"`
	BuyerPhone string `json:"buyer_phone"`
	Channel    string `json:"channel"`
}

// PurchaseResult is returned for every purchase that reached the gateway.
// Accepted is false when the gateway refused the request; the transaction
// is then already failed.
type PurchaseResult struct {
	Transaction *models.PaymentTransaction `json:"transaction"`
	Purchase    *models.Purchase           `json:"purchase"`
	Accepted    bool                       `json:"accepted"`
	Message     string                     `json:"message,omitempty"`
}

type billingService struct {
	calculator *pricing.Calculator
	packages   repository.PackageRepository
	txRepo     repository.TransactionRepository
	machine    *statemachine.Machine
	gateway    PaymentInitiator
	ledger     CreditLedger
	reconciler Reconciler
}

func NewBillingService(
	calculator *pricing.Calculator,
	packages repository.PackageRepository,
	txRepo repository.TransactionRepository,
	machine *statemachine.Machine,
	gateway PaymentInitiator,
	ledger CreditLedger,
	reconciler Reconciler,
) *billingService {
	return &billingService{
		calculator: calculator,
		packages:   packages,
		txRepo:     txRepo,
		machine:    machine,
		gateway:    gateway,
		ledger:     ledger,
		reconciler: reconciler,
	}
}

func (s *billingService) QuotePrice(ctx context.Context, credits int64) (*pricing.Quote, error) {
	q, err := s.calculator.Quote(credits)
	if err != nil {
		return nil, err
	}
	return &q, nil
}

func (s *billingService) ListPackages(ctx context.Context) ([]models.Package, error) {
	pkgs, err := s.packages.List(ctx)
	if err != nil {
		slog.Error("failed to list packages", "error", err)
		return nil, fmt.Errorf("%w: failed to list packages", pkgerrors.ErrInternal)
	}
	return pkgs, nil
}

func (s *billingService) InitiatePurchase(ctx context.Context, tenantID string, in InitiatePurchaseInput) (*PurchaseResult, error) {
	tracer := otel.Tracer("billing-service")
	ctx, span := tracer.Start(ctx, "InitiatePurchase")
	defer span.End()
	span.SetAttributes(attribute.String("tenant_id", tenantID))

	tx, purchase, err := s.preparePurchase(ctx, tenantID, in)
	if err != nil {
		span.SetStatus(codes.Error, "invalid purchase")
		slog.Warn("purchase rejected", "tenant_id", tenantID, "error", err)
		return nil, err
	}

	if _, err := s.ledger.EnsureBalance(ctx, tenantID); err != nil {
		span.RecordError(err)
		slog.Error("failed to ensure balance", "tenant_id", tenantID, "error", err)
		return nil, fmt.Errorf("%w: failed to prepare balance", pkgerrors.ErrInternal)
	}

	if tx, err = s.machine.Create(ctx, tx, purchase); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transaction creation failed")
		return nil, err
	}
	span.SetAttributes(attribute.String("transaction_id", tx.ID))

	res, gwErr := s.gateway.Initiate(ctx, gateway.InitiateRequest{
		OrderID:    tx.GatewayOrderID,
		BuyerEmail: tx.BuyerEmail,
		BuyerName:  tx.BuyerName,
		BuyerPhone: tx.BuyerPhone,
		Amount:     tx.Amount,
		Channel:    tx.Channel,
	})
	if gwErr != nil || res == nil || !res.Accepted {
		reason := "payment request rejected by gateway"
		if res != nil && res.Message != "" {
			reason = res.Message
		}
		if gwErr != nil {
			reason = "payment gateway unavailable"
		}
		failed, err := s.machine.Fail(ctx, tx.ID, models.ActorSystem, reason)
		if err != nil {
			return nil, err
		}
		result := &PurchaseResult{Transaction: failed.Transaction, Purchase: failed.Purchase, Message: reason}
		if gwErr != nil {
			span.RecordError(gwErr)
			span.SetStatus(codes.Error, "gateway unavailable")
			return result, fmt.Errorf("%w: payment not started", pkgerrors.ErrGatewayUnavailable)
		}
		return result, nil
	}

	processing, err := s.machine.MarkProcessing(ctx, tx.ID, models.ActorSystem)
	if err != nil {
		return nil, err
	}
	stored, err := s.txRepo.GetPurchase(ctx, tx.ID)
	if err != nil {
		stored = purchase
	}

	slog.Info("purchase initiated",
		"tenant_id", tenantID,
		"transaction_id", tx.ID,
		"credits", purchase.Credits,
		"amount", tx.Amount.StringFixed(2))

	return &PurchaseResult{Transaction: processing, Purchase: stored, Accepted: true, Message: res.Message}, nil
}

// preparePurchase validates the request and prices it. Nothing is stored.
func (s *billingService) preparePurchase(ctx context.Context, tenantID string, in InitiatePurchaseInput) (*models.PaymentTransaction, *models.Purchase, error) {
	if tenantID == "" {
		return nil, nil, pkgerrors.ErrMissingTenant
	}
	name, email := strings.TrimSpace(in.BuyerName), strings.TrimSpace(in.BuyerEmail)
	if name == "" || email == "" || !strings.Contains(email, "@") {
		return nil, nil, pkgerrors.ErrInvalidBuyer
	}
	phone, err := gateway.NormalizePhone(in.BuyerPhone)
	if err != nil {
		return nil, nil, err
	}
	channel, ok := models.LookupChannel(in.Channel)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %q", pkgerrors.ErrUnknownChannel, in.Channel)
	}

	var (
		purchase *models.Purchase
		amount   decimal.Decimal
	)
	switch {
	case (in.PackageID == "") == (in.Credits == 0):
		return nil, nil, pkgerrors.ErrInvalidPurchase
	case in.PackageID != "":
		pkg, err := s.packages.GetByID(ctx, in.PackageID)
		if err != nil {
			return nil, nil, err
		}
		amount = pkg.Price
		purchase = &models.Purchase{
			Kind:      models.PurchaseStandard,
			PackageID: pkg.ID,
			Credits:   pkg.Credits,
			UnitPrice: pkg.UnitPrice,
		}
	default:
		q, err := s.calculator.Quote(in.Credits)
		if err != nil {
			return nil, nil, err
		}
		amount = q.TotalPrice
		purchase = &models.Purchase{
			Kind:      models.PurchaseCustom,
			Credits:   q.Credits,
			UnitPrice: q.UnitPrice,
			TierName:  q.TierName,
			TierMin:   q.TierMin,
			TierMax:   q.TierMax,
		}
	}

	if !channel.Accepts(amount) {
		return nil, nil, fmt.Errorf("%w: %s accepts %s to %s, got %s", pkgerrors.ErrAmountOutOfRange,
			channel.Name, channel.MinAmount.String(), channel.MaxAmount.String(), amount.StringFixed(2))
	}

	tx := &models.PaymentTransaction{
		TenantID:   tenantID,
		Amount:     amount,
		Currency:   "TZS",
		BuyerEmail: email,
		BuyerName:  name,
		BuyerPhone: phone,
		Channel:    channel.Channel,
	}
	return tx, purchase, nil
}

// TransactionProgress is the step-by-step view shown while a buyer
// completes payment on their phone.
type TransactionProgress struct {
	TransactionID  string                   `json:"transaction_id"`
	OrderID        string                   `json:"order_id"`
	InvoiceNumber  string                   `json:"invoice_number"`
	Amount         decimal.Decimal          `json:"amount"`
	Currency       string                   `json:"currency"`
	Status         models.TransactionStatus `json:"status"`
	Step           int                      `json:"step"`
	TotalSteps     int                      `json:"total_steps"`
	Percentage     int                      `json:"percentage"`
	CurrentStep    string                   `json:"current_step"`
	NextStep       string                   `json:"next_step,omitempty"`
	CompletedSteps []string                 `json:"completed_steps"`
	RemainingSteps []string                 `json:"remaining_steps"`
	Failed         bool                     `json:"failed"`
	ErrorMessage   string                   `json:"error_message,omitempty"`
	Purchase       *models.Purchase         `json:"purchase,omitempty"`
	History        []models.TransitionEvent `json:"history"`
	CreatedAt      time.Time                `json:"created_at"`
	UpdatedAt      time.Time                `json:"updated_at"`
	CompletedAt    *time.Time               `json:"completed_at,omitempty"`
}

const (
	stepInitiated  = "Payment Initiated"
	stepOnMobile   = "Complete Payment on Mobile"
	stepProcessing = "Payment Processing"
	stepVerify     = "Payment Verification"
	stepCredited   = "Credits Added"
)

func (s *billingService) GetTransactionProgress(ctx context.Context, tenantID, transactionID string) (*TransactionProgress, error) {
	tx, err := s.tenantTransaction(ctx, tenantID, transactionID)
	if err != nil {
		return nil, err
	}

	p := &TransactionProgress{
		TransactionID:  tx.ID,
		OrderID:        tx.OrderID,
		InvoiceNumber:  tx.InvoiceNumber,
		Amount:         tx.Amount,
		Currency:       tx.Currency,
		Status:         tx.Status,
		Step:           1,
		TotalSteps:     4,
		Percentage:     25,
		CurrentStep:    stepInitiated,
		NextStep:       stepOnMobile,
		CompletedSteps: []string{stepInitiated},
		RemainingSteps: []string{stepOnMobile, stepVerify, stepCredited},
		CreatedAt:      tx.CreatedAt,
		UpdatedAt:      tx.UpdatedAt,
		CompletedAt:    tx.CompletedAt,
	}

	switch tx.Status {
	case models.StatusProcessing:
		p.Step, p.Percentage = 2, 50
		p.CurrentStep, p.NextStep = stepProcessing, stepVerify
		p.CompletedSteps = []string{stepInitiated, stepProcessing}
		p.RemainingSteps = []string{stepVerify, stepCredited}
	case models.StatusCompleted:
		p.Step, p.Percentage = 4, 100
		p.CurrentStep, p.NextStep = "Payment Completed", ""
		p.CompletedSteps = []string{stepInitiated, stepOnMobile, stepVerify, stepCredited}
		p.RemainingSteps = []string{}
	case models.StatusFailed, models.StatusCancelled, models.StatusExpired:
		p.Failed = true
		p.CurrentStep = "Payment " + strings.ToUpper(string(tx.Status[:1])) + string(tx.Status[1:])
		p.NextStep = "Retry Payment"
		p.ErrorMessage = tx.ErrorMessage
	}

	if purchase, err := s.txRepo.GetPurchase(ctx, tx.ID); err == nil {
		p.Purchase = purchase
	} else if !errors.Is(err, pkgerrors.ErrPurchaseNotFound) {
		slog.Warn("failed to load purchase for progress", "transaction_id", tx.ID, "error", err)
	}

	p.History = []models.TransitionEvent{}
	if events, err := s.txRepo.ListEvents(ctx, tx.ID); err == nil {
		p.History = append(p.History, events...)
	} else {
		slog.Warn("failed to load transition history", "transaction_id", tx.ID, "error", err)
	}
	return p, nil
}

func (s *billingService) CancelTransaction(ctx context.Context, tenantID, transactionID string) (*models.PaymentTransaction, error) {
	ctx, span := otel.Tracer("billing-service").Start(ctx, "CancelTransaction")
	defer span.End()

	tx, err := s.tenantTransaction(ctx, tenantID, transactionID)
	if err != nil {
		return nil, err
	}
	res, err := s.machine.Cancel(ctx, tx.ID, models.ActorAPI, "cancelled by user")
	if err != nil {
		span.SetStatus(codes.Error, "cancel refused")
		return nil, err
	}
	return res.Transaction, nil
}

func (s *billingService) SyncPendingTransactions(ctx context.Context, tenantID string) (reconciler.Summary, error) {
	ctx, span := otel.Tracer("billing-service").Start(ctx, "SyncPendingTransactions")
	defer span.End()

	sum, err := s.reconciler.RunOnce(ctx, tenantID)
	if err != nil {
		span.RecordError(err)
		slog.Error("manual sync failed", "tenant_id", tenantID, "error", err)
		return reconciler.Summary{}, fmt.Errorf("%w: sync failed", pkgerrors.ErrInternal)
	}
	return sum, nil
}

func (s *billingService) GetBalance(ctx context.Context, tenantID string) (*models.Balance, error) {
	return s.ledger.Balance(ctx, tenantID)
}

func (s *billingService) ConsumeCredits(ctx context.Context, tenantID string, amount int64, reference string) (*models.Balance, error) {
	return s.ledger.Debit(ctx, tenantID, amount, reference)
}

// tenantTransaction hides transactions of other tenants behind NotFound.
func (s *billingService) tenantTransaction(ctx context.Context, tenantID, transactionID string) (*models.PaymentTransaction, error) {
	if tenantID == "" {
		return nil, pkgerrors.ErrMissingTenant
	}
	tx, err := s.txRepo.GetByID(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if tx.TenantID != tenantID {
		return nil, pkgerrors.ErrTransactionNotFound
	}
	return tx, nil
}
