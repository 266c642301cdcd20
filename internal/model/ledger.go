package model

import "time"

// Reason classifies a ledger entry. The set is closed: stores reject
// values outside it so the audit trail stays queryable.
type Reason string

const (
	ReasonInitialGrant    Reason = "initial_grant"
	ReasonPurchase        Reason = "purchase"
	ReasonJobCharge       Reason = "job_charge"
	ReasonJobRefund       Reason = "job_refund"
	ReasonAdminAdjustment Reason = "admin_adjustment"
	ReasonAccountMerge    Reason = "account_merge"
	ReasonWriteOff        Reason = "write_off"
)

// Valid reports whether r is a member of the closed reason set.
func (r Reason) Valid() bool {
	switch r {
	case ReasonInitialGrant, ReasonPurchase, ReasonJobCharge, ReasonJobRefund,
		ReasonAdminAdjustment, ReasonAccountMerge, ReasonWriteOff:
		return true
	}
	return false
}

type AccountStatus string

const (
	AccountActive AccountStatus = "active"
	AccountClosed AccountStatus = "closed"
)

// Account is one user's credit balance. Balance never goes negative;
// LifetimeCredited only grows. Closing is a terminal soft delete.
type Account struct {
	ID               string        `json:"account_id"`
	Balance          int64         `json:"balance"`
	LifetimeCredited int64         `json:"lifetime_credited"`
	Status           AccountStatus `json:"status"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// LedgerEntry is one row of the append-only audit log. For every account
// the balance equals the sum of its deltas at all times.
type LedgerEntry struct {
	ID           int64             `json:"entry_id"`
	AccountID    string            `json:"account_id"`
	Delta        int64             `json:"delta"`
	BalanceAfter int64             `json:"balance_after"`
	Reason       Reason            `json:"reason"`
	ExternalRef  string            `json:"external_ref,omitempty"`
	Context      map[string]string `json:"context,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

type ReservationStatus string

const (
	ReservationDebited   ReservationStatus = "debited"
	ReservationConfirmed ReservationStatus = "confirmed"
	ReservationRefunded  ReservationStatus = "refunded"
)

// Reservation tracks a debit awaiting the outcome of an external
// operation. Legal transitions: debited -> confirmed, debited -> refunded.
type Reservation struct {
	ID            string            `json:"reservation_id"`
	AccountID     string            `json:"account_id"`
	Amount        int64             `json:"amount"`
	Status        ReservationStatus `json:"status"`
	EntryID       int64             `json:"entry_id"`
	ExternalOpRef string            `json:"external_op_ref,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// IdempotencyRecord maps an external reference to the result returned on
// the first processing attempt. Retention is bounded; the unique
// constraint on LedgerEntry.ExternalRef remains the durable source of truth.
type IdempotencyRecord struct {
	ExternalRef string    `json:"external_ref"`
	AccountID   string    `json:"account_id"`
	Result      TxResult  `json:"result"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// TxResult is the outcome of an applied (or replayed) mutation.
type TxResult struct {
	Balance   int64 `json:"balance"`
	EntryID   int64 `json:"entry_id"`
	Duplicate bool  `json:"duplicate,omitempty"`
}

type CreditRequest struct {
	AccountID   string            `json:"account_id"`
	Amount      int64             `json:"amount"`
	Reason      Reason            `json:"reason"`
	ExternalRef string            `json:"external_ref,omitempty"`
	Context     map[string]string `json:"context,omitempty"`
}

type DebitRequest struct {
	AccountID string            `json:"account_id"`
	Amount    int64             `json:"amount"`
	Reason    Reason            `json:"reason"`
	Context   map[string]string `json:"context,omitempty"`
}

type TransferRequest struct {
	SourceID string `json:"source_id"`
	DestID   string `json:"dest_id"`
	Amount   int64  `json:"amount"`
	Reason   Reason `json:"reason"`
}

type AdjustRequest struct {
	AccountID string            `json:"account_id"`
	Delta     int64             `json:"delta"`
	Context   map[string]string `json:"context,omitempty"`
}
