// Package reservation implements the "debit now, do unreliable work,
// refund on failure" protocol used by paid-job workflows. It is not
// transactional storage itself: it composes processor calls with a
// reservation record so a crashed workflow can always be resolved.
package reservation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/nats-io/nuid"

	"creditledger/internal/ledger"
	"creditledger/internal/model"
)

const (
	defaultOpTimeout  = 2 * time.Minute
	defaultStaleAfter = 10 * time.Minute
	refundRefPrefix   = "refund:"
)

// ExternalOp is the unreliable operation supplied by the caller. The
// coordinator does not know or care what it does; a nil error means the
// paid work was delivered.
type ExternalOp func(ctx context.Context) error

// OutcomeChecker lets the recovery sweep re-check the real outcome of a
// stale reservation's external operation. known=false means the outcome
// is not discoverable and the sweep defaults to refund.
type OutcomeChecker func(ctx context.Context, res model.Reservation) (succeeded, known bool)

type Coordinator struct {
	processor *ledger.Processor
	store     ledger.Store

	// OpTimeout bounds the external call. The account lock is never
	// held across it.
	OpTimeout time.Duration
	// StaleAfter is how long a reservation may sit in debited before
	// the recovery sweep resolves it.
	StaleAfter time.Duration
	// CheckOutcome, when set, is consulted by Recover before defaulting
	// to refund.
	CheckOutcome OutcomeChecker
}

func NewCoordinator(processor *ledger.Processor, store ledger.Store) *Coordinator {
	return &Coordinator{
		processor:  processor,
		store:      store,
		OpTimeout:  defaultOpTimeout,
		StaleAfter: defaultStaleAfter,
	}
}

// ReserveAndCharge debits the account, runs op, and guarantees the
// debit is reversed if op fails or times out. InsufficientFunds
// propagates immediately with no reservation created.
func (c *Coordinator) ReserveAndCharge(ctx context.Context, accountID string, amount int64, opRef string, op ExternalOp) (model.TxResult, error) {
	id := nuid.Next()

	debit, err := c.processor.Debit(ctx, model.DebitRequest{
		AccountID: accountID,
		Amount:    amount,
		Reason:    model.ReasonJobCharge,
		Context: map[string]string{
			"reservation_id":  id,
			"external_op_ref": opRef,
		},
	})
	if err != nil {
		return model.TxResult{}, err
	}

	res := model.Reservation{
		ID:            id,
		AccountID:     accountID,
		Amount:        amount,
		Status:        model.ReservationDebited,
		EntryID:       debit.EntryID,
		ExternalOpRef: opRef,
	}
	if err := c.store.CreateReservation(ctx, res); err != nil {
		// Money was taken but the workflow cannot be tracked; give it
		// back before surfacing the error.
		if rerr := c.refund(ctx, res, false); rerr != nil {
			slog.Error("refund after reservation create failure failed",
				"reservation_id", id, "account_id", accountID, "error", rerr)
		}
		return model.TxResult{}, fmt.Errorf("create reservation: %w", err)
	}

	opCtx, cancel := context.WithTimeout(ctx, c.OpTimeout)
	opErr := op(opCtx)
	cancel()

	if opErr != nil {
		if err := c.refund(ctx, res, true); err != nil {
			return model.TxResult{}, err
		}
		return model.TxResult{}, fmt.Errorf("external operation failed, debit refunded: %w", opErr)
	}

	if err := c.Confirm(ctx, id); err != nil {
		return model.TxResult{}, err
	}
	return debit, nil
}

// Confirm marks a debited reservation as delivered. Confirming anything
// but a debited reservation is a programming error and is rejected.
func (c *Coordinator) Confirm(ctx context.Context, reservationID string) error {
	if err := c.store.TransitionReservation(ctx, reservationID, model.ReservationConfirmed); err != nil {
		return err
	}
	slog.Info("reservation confirmed", "reservation_id", reservationID)
	return nil
}

// Refund issues the compensating credit for a debited reservation and
// marks it refunded.
func (c *Coordinator) Refund(ctx context.Context, reservationID string) error {
	res, err := c.store.GetReservation(ctx, reservationID)
	if err != nil {
		return err
	}
	if res.Status != model.ReservationDebited {
		return &ledger.ReservationStateError{
			ReservationID: reservationID,
			From:          res.Status,
			To:            model.ReservationRefunded,
		}
	}
	return c.refund(ctx, res, true)
}

// Recover resolves reservations stuck in debited past StaleAfter. A
// crashed caller between debit and confirm/refund must never leave
// money taken with no delivered value and no refund.
func (c *Coordinator) Recover(ctx context.Context) (int, error) {
	stale, err := c.store.StaleReservations(ctx, time.Now().Add(-c.StaleAfter))
	if err != nil {
		return 0, err
	}
	resolved := 0
	for _, res := range stale {
		if c.CheckOutcome != nil {
			if succeeded, known := c.CheckOutcome(ctx, res); known && succeeded {
				if err := c.Confirm(ctx, res.ID); err != nil {
					slog.Error("recovery confirm failed", "reservation_id", res.ID, "error", err)
					continue
				}
				resolved++
				continue
			}
		}
		if err := c.refund(ctx, res, true); err != nil {
			slog.Error("recovery refund failed", "reservation_id", res.ID, "error", err)
			continue
		}
		resolved++
	}
	return resolved, nil
}

// refund credits the debited amount back. The external reference ties
// the compensating entry to the reservation, so a racing inline refund
// and sweep refund collapse into one ledger entry.
func (c *Coordinator) refund(ctx context.Context, res model.Reservation, transition bool) error {
	result, err := c.processor.Credit(ctx, model.CreditRequest{
		AccountID:   res.AccountID,
		Amount:      res.Amount,
		Reason:      model.ReasonJobRefund,
		ExternalRef: refundRefPrefix + res.ID,
		Context: map[string]string{
			"original_entry_id": strconv.FormatInt(res.EntryID, 10),
			"reservation_id":    res.ID,
		},
	})
	if err != nil {
		return fmt.Errorf("compensating credit for %s: %w", res.ID, err)
	}
	if !transition {
		return nil
	}
	if err := c.store.TransitionReservation(ctx, res.ID, model.ReservationRefunded); err != nil {
		var stateErr *ledger.ReservationStateError
		if errors.As(err, &stateErr) {
			if result.Duplicate || stateErr.From == model.ReservationRefunded {
				// Another path resolved the refund concurrently. Either
				// our credit replayed theirs or they marked refunded
				// after our credit; one entry, correct final state.
				return nil
			}
			slog.Error("refund credited but reservation resolved to another state concurrently",
				"reservation_id", res.ID, "status", stateErr.From)
		}
		return err
	}
	slog.Info("reservation refunded",
		"reservation_id", res.ID, "account_id", res.AccountID, "amount", res.Amount)
	return nil
}
