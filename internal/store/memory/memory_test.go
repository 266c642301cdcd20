package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"creditledger/internal/ledger"
	"creditledger/internal/model"
	"creditledger/internal/store/memory"
)

func TestDuplicateRefAcrossAccounts(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	_, err := s.CreateAccount(ctx, "a")
	require.NoError(t, err)
	_, err = s.CreateAccount(ctx, "b")
	require.NoError(t, err)

	err = s.Update(ctx, "a", func(tx ledger.Tx) error {
		_, err := tx.Apply(10, model.ReasonPurchase, "txn-1", nil)
		return err
	})
	require.NoError(t, err)

	// The same external reference names the same real-world purchase;
	// a second insert must fail regardless of the target account.
	err = s.Update(ctx, "b", func(tx ledger.Tx) error {
		_, err := tx.Apply(10, model.ReasonPurchase, "txn-1", nil)
		return err
	})
	assert.ErrorIs(t, err, ledger.ErrDuplicateRef)

	entry, err := s.EntryByRef(ctx, "txn-1")
	require.NoError(t, err)
	assert.Equal(t, "a", entry.AccountID)
}

// A racer on an in-flight reference must wait for the claimant's commit
// so that by the time it sees ErrDuplicateRef the winning entry is
// readable through EntryByRef.
func TestDuplicateRefWaitsForClaimantCommit(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	_, err := s.CreateAccount(ctx, "a")
	require.NoError(t, err)
	_, err = s.CreateAccount(ctx, "b")
	require.NoError(t, err)

	claimed := make(chan struct{})
	finish := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- s.Update(ctx, "a", func(tx ledger.Tx) error {
			if _, err := tx.Apply(10, model.ReasonPurchase, "txn-1", nil); err != nil {
				return err
			}
			close(claimed)
			<-finish
			return nil
		})
	}()

	<-claimed
	raced := make(chan error, 1)
	go func() {
		raced <- s.Update(ctx, "b", func(tx ledger.Tx) error {
			_, err := tx.Apply(10, model.ReasonPurchase, "txn-1", nil)
			return err
		})
	}()

	select {
	case err := <-raced:
		t.Fatalf("racer resolved before the claimant committed: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(finish)
	require.NoError(t, <-done)
	assert.ErrorIs(t, <-raced, ledger.ErrDuplicateRef)

	entry, err := s.EntryByRef(ctx, "txn-1")
	require.NoError(t, err)
	assert.Equal(t, "a", entry.AccountID)
}

// If the claimant rolls back instead, the waiting racer takes over the
// reference and commits its own entry.
func TestDuplicateRefRacerWinsAfterClaimantRollback(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	_, err := s.CreateAccount(ctx, "a")
	require.NoError(t, err)
	_, err = s.CreateAccount(ctx, "b")
	require.NoError(t, err)

	claimed := make(chan struct{})
	finish := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- s.Update(ctx, "a", func(tx ledger.Tx) error {
			if _, err := tx.Apply(10, model.ReasonPurchase, "txn-1", nil); err != nil {
				return err
			}
			close(claimed)
			<-finish
			return assert.AnError
		})
	}()

	<-claimed
	raced := make(chan error, 1)
	go func() {
		raced <- s.Update(ctx, "b", func(tx ledger.Tx) error {
			_, err := tx.Apply(10, model.ReasonPurchase, "txn-1", nil)
			return err
		})
	}()

	close(finish)
	require.ErrorIs(t, <-done, assert.AnError)
	require.NoError(t, <-raced)

	entry, err := s.EntryByRef(ctx, "txn-1")
	require.NoError(t, err)
	assert.Equal(t, "b", entry.AccountID)
}

func TestRollbackReleasesClaimedRef(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	_, err := s.CreateAccount(ctx, "a")
	require.NoError(t, err)

	boom := assert.AnError
	err = s.Update(ctx, "a", func(tx ledger.Tx) error {
		if _, err := tx.Apply(10, model.ReasonPurchase, "txn-1", nil); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	// Rolled back: balance untouched, reference reusable.
	acct, err := s.GetAccount(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(0), acct.Balance)

	err = s.Update(ctx, "a", func(tx ledger.Tx) error {
		_, err := tx.Apply(10, model.ReasonPurchase, "txn-1", nil)
		return err
	})
	assert.NoError(t, err)
}

func TestReservationTransitions(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	require.NoError(t, s.CreateReservation(ctx, model.Reservation{
		ID: "r1", AccountID: "a", Amount: 5, Status: model.ReservationDebited,
	}))

	require.NoError(t, s.TransitionReservation(ctx, "r1", model.ReservationConfirmed))

	err := s.TransitionReservation(ctx, "r1", model.ReservationRefunded)
	var stateErr *ledger.ReservationStateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, model.ReservationConfirmed, stateErr.From)
	assert.Equal(t, model.ReservationRefunded, stateErr.To)

	err = s.TransitionReservation(ctx, "missing", model.ReservationConfirmed)
	assert.ErrorIs(t, err, ledger.ErrReservationNotFound)
}

func TestIdempotencyExpiryAndPurge(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	_, err := s.CreateAccount(ctx, "a")
	require.NoError(t, err)

	err = s.Update(ctx, "a", func(tx ledger.Tx) error {
		if _, err := tx.Apply(10, model.ReasonPurchase, "txn-1", nil); err != nil {
			return err
		}
		return tx.PutIdempotency(model.IdempotencyRecord{
			ExternalRef: "txn-1",
			AccountID:   "a",
			Result:      model.TxResult{Balance: 10, EntryID: 1},
			ExpiresAt:   time.Now().Add(-time.Minute), // already expired
		})
	})
	require.NoError(t, err)

	_, ok, err := s.GetIdempotency(ctx, "txn-1")
	require.NoError(t, err)
	assert.False(t, ok, "expired records are invisible")

	n, err := s.PurgeIdempotency(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestSweepLeaseSingleFlight(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	release, ok, err := s.AcquireSweepLease(ctx, "recovery")
	require.NoError(t, err)
	require.True(t, ok)

	_, ok2, err := s.AcquireSweepLease(ctx, "recovery")
	require.NoError(t, err)
	assert.False(t, ok2, "second holder must be refused")

	// Different lease names don't contend.
	release2, ok3, err := s.AcquireSweepLease(ctx, "purge")
	require.NoError(t, err)
	assert.True(t, ok3)
	release2()

	release()
	release3, ok4, err := s.AcquireSweepLease(ctx, "recovery")
	require.NoError(t, err)
	assert.True(t, ok4, "lease reusable after release")
	release3()
}
