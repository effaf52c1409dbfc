package models

import "errors"

// Ledger error taxonomy. Services return these sentinels (possibly wrapped)
// and the HTTP layer maps them to status codes with errors.Is.
var (
	ErrValidation               = errors.New("validation failed")
	ErrAccountNotFound          = errors.New("account not found")
	ErrAccountNotActive         = errors.New("account not active")
	ErrDuplicateAccount         = errors.New("account already exists for owner and kind")
	ErrNonZeroBalance           = errors.New("account has non-zero available balance")
	ErrInsufficientFunds        = errors.New("insufficient available balance")
	ErrInvalidAccountPair       = errors.New("debit and credit accounts must differ")
	ErrEntryNotFound            = errors.New("entry not found")
	ErrEntryNotReversible       = errors.New("entry is not reversible")
	ErrAdvanceNotFound          = errors.New("advance not found")
	ErrInvalidAdvanceTransition = errors.New("invalid advance status transition")
	ErrBatchNotFound            = errors.New("settlement batch not found")

	// Settlement submission failed and will be retried up to the configured
	// cap; past the cap the batch stays FAILED for operator resolution.
	ErrSettlementSubmissionFailed = errors.New("settlement submission failed")

	// The anchor did not answer in time. The batch is left as-is and a
	// reconciliation pass decides CONFIRMED vs FAILED; a local timeout is
	// never treated as proof of failure.
	ErrSettlementConfirmationUnknown = errors.New("settlement confirmation unknown")
)
