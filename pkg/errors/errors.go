package errors

import (
	"errors"
	"fmt"
)

// ErrValidation is the parent of every input error rejected before a
// gateway call or a state mutation.
var ErrValidation = errors.New("validation failed")

var (
	ErrInvalidQuantity  = fmt.Errorf("%w: credit quantity must be positive", ErrValidation)
	ErrInvalidPhone     = fmt.Errorf("%w: invalid phone number", ErrValidation)
	ErrUnknownChannel   = fmt.Errorf("%w: unknown payment channel", ErrValidation)
	ErrAmountOutOfRange = fmt.Errorf("%w: amount outside channel limits", ErrValidation)
	ErrPackageNotFound  = fmt.Errorf("%w: package not found", ErrValidation)
	ErrTierNotFound     = fmt.Errorf("%w: no pricing tier matches", ErrValidation)
	ErrInvalidBuyer     = fmt.Errorf("%w: buyer name and email are required", ErrValidation)
	ErrInvalidAmount    = fmt.Errorf("%w: amount must be positive", ErrValidation)
	ErrInvalidPurchase  = fmt.Errorf("%w: either package_id or credits must be set", ErrValidation)
	ErrInvalidTiers     = fmt.Errorf("%w: invalid pricing tier table", ErrValidation)
	ErrMissingTenant    = fmt.Errorf("%w: tenant id is required", ErrValidation)
	ErrInvalidPayload   = fmt.Errorf("%w: invalid webhook payload", ErrValidation)
)

var (
	ErrGatewayUnavailable  = errors.New("payment gateway unavailable")
	ErrInvalidTransition   = errors.New("invalid transaction state transition")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrPurchaseNotFound    = errors.New("purchase not found")
	ErrBalanceNotFound     = errors.New("balance not found")
	ErrNilTransaction      = errors.New("transaction is nil")
	ErrDuplicateReference  = errors.New("ledger reference already applied")
	ErrInternal            = errors.New("internal error")
)
