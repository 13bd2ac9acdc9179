package ledger

import "errors"

// Sentinel errors shared across the ledger core. Handlers map these onto HTTP
// statuses; services wrap them with context via fmt.Errorf and %w.
var (
	// ErrInsufficientFunds is user-actionable and surfaced verbatim.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrInvalidStateTransition signals a race or a programming error. It is
	// logged as an error and returned to end users as a generic "action not
	// available".
	ErrInvalidStateTransition = errors.New("invalid state transition")

	// ErrDuplicateOperation marks an idempotent replay. Callers that detect it
	// treat the operation as already applied, not as a failure.
	ErrDuplicateOperation = errors.New("duplicate operation")

	// ErrSettingsUnavailable fails a command outright rather than guessing at
	// default rates.
	ErrSettingsUnavailable = errors.New("settings unavailable")

	// ErrExternalPayout reports a payout-rail failure after retries.
	ErrExternalPayout = errors.New("external payout failure")

	// ErrAccountFrozen rejects writes to an account whose materialized balance
	// no longer matches its transaction log.
	ErrAccountFrozen = errors.New("account frozen")

	// ErrNotFound reports a missing entity.
	ErrNotFound = errors.New("not found")
)
