package ledger

import (
	"context"
	"time"

	"creditledger/internal/model"
)

// Tx is the handle passed to a mutation function while the account's
// exclusive lock is held. Apply both writes the balance and appends the
// audit entry; the two are committed as one unit.
type Tx interface {
	// Account returns the locked account's current state.
	Account() model.Account

	// Apply adds delta to the balance and appends a ledger entry. The
	// store enforces balance >= 0 and, when ref is non-empty, the
	// uniqueness of the external reference (ErrDuplicateRef on
	// violation). Positive deltas also grow the lifetime counter.
	Apply(delta int64, reason model.Reason, ref string, ctx map[string]string) (model.LedgerEntry, error)

	// PutIdempotency stages an idempotency record in the same unit of
	// work as the entry it describes.
	PutIdempotency(rec model.IdempotencyRecord) error
}

// Store is the durable backend of the ledger. Implementations must make
// Update/UpdatePair exclusive per account: no concurrent mutation of a
// locked account proceeds until fn returns, even across processor
// instances. Lock acquisition blocks; a timeout surfaces as
// ErrLockTimeout with no partial change.
type Store interface {
	CreateAccount(ctx context.Context, id string) (model.Account, error)
	GetAccount(ctx context.Context, id string) (model.Account, error)
	CloseAccount(ctx context.Context, id string) error

	// Update runs fn while holding the exclusive lock for the account.
	// Everything fn does through the Tx commits atomically; an error
	// from fn rolls the whole unit back.
	Update(ctx context.Context, id string, fn func(tx Tx) error) error

	// UpdatePair locks both accounts in lexicographic id order and runs
	// fn with both handles. Used by transfer to stay deadlock free.
	UpdatePair(ctx context.Context, idA, idB string, fn func(a, b Tx) error) error

	Entries(ctx context.Context, accountID string) ([]model.LedgerEntry, error)
	EntryByRef(ctx context.Context, ref string) (model.LedgerEntry, error)

	GetIdempotency(ctx context.Context, ref string) (model.IdempotencyRecord, bool, error)
	PurgeIdempotency(ctx context.Context, before time.Time) (int64, error)

	CreateReservation(ctx context.Context, res model.Reservation) error
	GetReservation(ctx context.Context, id string) (model.Reservation, error)
	// TransitionReservation moves a reservation out of the debited
	// state. Any other source state yields ReservationStateError.
	TransitionReservation(ctx context.Context, id string, to model.ReservationStatus) error
	StaleReservations(ctx context.Context, olderThan time.Time) ([]model.Reservation, error)

	// AcquireSweepLease takes a cluster-wide advisory lease so periodic
	// sweeps run single-flight. ok is false when another holder exists.
	AcquireSweepLease(ctx context.Context, name string) (release func(), ok bool, err error)
}

// MessageBus publishes ledger events for downstream consumers.
type MessageBus interface {
	Publish(topic string, data []byte) error
}

// Cache is the fast-path idempotency result cache. It is an
// optimization only: correctness comes from the store's uniqueness
// constraint on external references.
type Cache interface {
	Lookup(ctx context.Context, ref string) (model.TxResult, bool, error)
	Record(ctx context.Context, ref string, res model.TxResult, ttl time.Duration) error
}
