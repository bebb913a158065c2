package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type PurchaseKind string

const (
	PurchaseStandard PurchaseKind = "standard"
	PurchaseCustom   PurchaseKind = "custom"
)

type PurchaseStatus string

const (
	PurchasePending   PurchaseStatus = "pending"
	PurchaseCompleted PurchaseStatus = "completed"
	PurchaseFailed    PurchaseStatus = "failed"
)

// Purchase is the commercial intent behind a transaction. Standard purchases
// reference a catalogue package; custom purchases carry the pricing tier
// that produced their unit price.
type Purchase struct {
	ID            string          `json:"id"`
	TenantID      string          `json:"tenant_id"`
	TransactionID string          `json:"transaction_id,omitempty"`
	Kind          PurchaseKind    `json:"kind"`
	PackageID     string          `json:"package_id,omitempty"`
	InvoiceNumber string          `json:"invoice_number"`
	Credits       int64           `json:"credits"`
	UnitPrice     decimal.Decimal `json:"unit_price"`
	Amount        decimal.Decimal `json:"amount"`
	TierName      string          `json:"tier_name,omitempty"`
	TierMin       int64           `json:"tier_min,omitempty"`
	TierMax       int64           `json:"tier_max,omitempty"`
	Status        PurchaseStatus  `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
}

// PurchaseStatusFor maps a terminal transaction status to its purchase status.
func PurchaseStatusFor(s TransactionStatus) (PurchaseStatus, bool) {
	switch s {
	case StatusCompleted:
		return PurchaseCompleted, true
	case StatusFailed, StatusCancelled, StatusExpired:
		return PurchaseFailed, true
	}
	return "", false
}
