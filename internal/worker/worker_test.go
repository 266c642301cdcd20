package worker_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"creditledger/internal/ledger"
	"creditledger/internal/model"
	"creditledger/internal/reservation"
	"creditledger/internal/store/memory"
	"creditledger/internal/worker"
)

func TestRecoverySweepResolvesStaleReservation(t *testing.T) {
	store := memory.New()
	processor := ledger.NewProcessor(store, nil, nil)
	coordinator := reservation.NewCoordinator(processor, store)
	coordinator.StaleAfter = time.Minute

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := processor.CreateAccount(ctx, "acct-1", 10)
	require.NoError(t, err)
	debit, err := processor.Debit(ctx, model.DebitRequest{
		AccountID: "acct-1", Amount: 6, Reason: model.ReasonJobCharge,
	})
	require.NoError(t, err)
	require.NoError(t, store.CreateReservation(ctx, model.Reservation{
		ID:        "res-stuck",
		AccountID: "acct-1",
		Amount:    6,
		Status:    model.ReservationDebited,
		EntryID:   debit.EntryID,
		CreatedAt: time.Now().Add(-time.Hour),
	}))

	sweep := worker.NewRecovery(coordinator, store, 10*time.Millisecond)
	go func() { _ = sweep.Start(ctx) }()

	require.Eventually(t, func() bool {
		res, err := store.GetReservation(ctx, "res-stuck")
		return err == nil && res.Status == model.ReservationRefunded
	}, 2*time.Second, 10*time.Millisecond, "stale reservation must be refunded")

	bal, err := processor.Balance(ctx, "acct-1")
	require.NoError(t, err)
	require.Equal(t, int64(10), bal)
}

// spyStore counts purge calls so the test can tell the sweep ran
// without mutating anything itself.
type spyStore struct {
	*memory.Store
	purges atomic.Int64
}

func (s *spyStore) PurgeIdempotency(ctx context.Context, before time.Time) (int64, error) {
	s.purges.Add(1)
	return s.Store.PurgeIdempotency(ctx, before)
}

func TestPurgeSweepRemovesExpiredRecords(t *testing.T) {
	store := &spyStore{Store: memory.New()}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := store.CreateAccount(ctx, "acct-1")
	require.NoError(t, err)
	err = store.Update(ctx, "acct-1", func(tx ledger.Tx) error {
		if _, err := tx.Apply(10, model.ReasonPurchase, "txn-old", nil); err != nil {
			return err
		}
		return tx.PutIdempotency(model.IdempotencyRecord{
			ExternalRef: "txn-old",
			AccountID:   "acct-1",
			Result:      model.TxResult{Balance: 10, EntryID: 1},
			ExpiresAt:   time.Now().Add(-time.Minute),
		})
	})
	require.NoError(t, err)

	sweep := worker.NewPurge(store, 10*time.Millisecond)
	go func() { _ = sweep.Start(ctx) }()

	require.Eventually(t, func() bool {
		return store.purges.Load() >= 1
	}, 2*time.Second, 10*time.Millisecond, "the sweep must run")

	n, err := store.Store.PurgeIdempotency(ctx, time.Now())
	require.NoError(t, err)
	require.Equal(t, int64(0), n, "the sweep already removed the expired record")

	// The durable uniqueness constraint still protects against replay.
	err = store.Update(ctx, "acct-1", func(tx ledger.Tx) error {
		_, err := tx.Apply(10, model.ReasonPurchase, "txn-old", nil)
		return err
	})
	require.ErrorIs(t, err, ledger.ErrDuplicateRef)
}
