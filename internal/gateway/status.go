package gateway

import "strings"

// Status is the gateway outcome normalized for the state machine.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusUnknown   Status = "unknown"
)

var paymentStatuses = map[string]Status{
	"COMPLETED":  StatusCompleted,
	"SUCCESS":    StatusCompleted,
	"SUCCESSFUL": StatusCompleted,
	"FAILED":     StatusFailed,
	"FAILURE":    StatusFailed,
	"REJECTED":   StatusFailed,
	"CANCELLED":  StatusCancelled,
	"CANCELED":   StatusCancelled,
	"PENDING":    StatusPending,
	"PROCESSING": StatusPending,
	"INITIATED":  StatusPending,
}

// NormalizeStatus maps a gateway payment_status string, as found in
// callbacks and in poll records, to a Status.
func NormalizeStatus(raw string) Status {
	if s, ok := paymentStatuses[strings.ToUpper(strings.TrimSpace(raw))]; ok {
		return s
	}
	return StatusUnknown
}

// pollStatus combines the top-level result code of an order-status
// response with the payment_status of its first record. A record only
// counts as completed when the result code is SUCCESS.
func pollStatus(result, paymentStatus string) Status {
	result = strings.ToUpper(strings.TrimSpace(result))
	s := NormalizeStatus(paymentStatus)
	switch {
	case s == StatusCompleted && result == "SUCCESS":
		return StatusCompleted
	case s == StatusCompleted:
		return StatusUnknown
	case s == StatusUnknown && result == "FAILED":
		return StatusFailed
	}
	return s
}
