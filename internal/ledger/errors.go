package ledger

import (
	"errors"
	"fmt"

	"creditledger/internal/model"
)

var (
	// ErrAccountNotFound means the caller passed an id that was never
	// provisioned or is stale. Fatal to the request.
	ErrAccountNotFound = errors.New("account not found")

	// ErrAccountExists is returned by CreateAccount for a duplicate id.
	ErrAccountExists = errors.New("account already exists")

	// ErrAccountClosed means the account was soft-deleted; no further
	// mutation is allowed.
	ErrAccountClosed = errors.New("account is closed")

	// ErrInsufficientFunds is the expected, recoverable outcome of a
	// debit that would take the balance negative.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrDuplicateRef is raised by a store when an entry's external
	// reference already exists. The processor converts it into a
	// cache-hit read, so callers normally never see it.
	ErrDuplicateRef = errors.New("duplicate external reference")

	// ErrLockTimeout means the account lock could not be acquired in
	// time. No partial change was made; retry with backoff.
	ErrLockTimeout = errors.New("account lock timeout")

	// ErrInvalidArgument covers zero/negative amounts, unknown reasons
	// and self-transfers.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrEntryNotFound is returned when no ledger entry carries the
	// requested external reference.
	ErrEntryNotFound = errors.New("ledger entry not found")

	// ErrReservationNotFound is returned for an unknown reservation id.
	ErrReservationNotFound = errors.New("reservation not found")

	// ErrReservationState is a programming error: an illegal state
	// machine transition (e.g. refunding a confirmed reservation).
	ErrReservationState = errors.New("illegal reservation state transition")
)

// InsufficientFundsError carries the shortfall so the caller can prompt
// a purchase.
type InsufficientFundsError struct {
	AccountID string
	Required  int64
	Available int64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds on %s: required %d, available %d",
		e.AccountID, e.Required, e.Available)
}

func (e *InsufficientFundsError) Unwrap() error { return ErrInsufficientFunds }

// ReservationStateError reports an attempted illegal transition. It must
// be surfaced loudly, never swallowed.
type ReservationStateError struct {
	ReservationID string
	From          model.ReservationStatus
	To            model.ReservationStatus
}

func (e *ReservationStateError) Error() string {
	return fmt.Sprintf("reservation %s: illegal transition %s -> %s",
		e.ReservationID, e.From, e.To)
}

func (e *ReservationStateError) Unwrap() error { return ErrReservationState }

// IsRetryable reports whether the operation may succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrLockTimeout)
}
