package models

import "time"

// Balance is the per-tenant credit accumulator.
// Credits == TotalPurchased - TotalUsed at all times.
type Balance struct {
	TenantID       string    `json:"tenant_id"`
	Credits        int64     `json:"credits"`
	TotalPurchased int64     `json:"total_purchased"`
	TotalUsed      int64     `json:"total_used"`
	LastUpdated    time.Time `json:"last_updated"`
	CreatedAt      time.Time `json:"created_at"`
}

type EntryKind string

const (
	EntryCredit EntryKind = "credit"
	EntryDebit  EntryKind = "debit"
)

// LedgerEntry records one balance movement. (Kind, Reference) is unique.
type LedgerEntry struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	Kind        EntryKind `json:"kind"`
	Amount      int64     `json:"amount"`
	Reference   string    `json:"reference"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
