package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sethvargo/go-retry"

	"creditledger/internal/model"
)

const (
	// TopicEntries carries one EntryEvent per applied mutation.
	TopicEntries = "ledger.entries"

	defaultCacheTTL  = 24 * time.Hour
	defaultLockBase  = 50 * time.Millisecond
	defaultLockTries = 5
)

var (
	opsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_operations_total",
		Help: "Ledger operations processed, labeled by op and outcome",
	}, []string{"op", "outcome"})

	opDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_operation_duration_seconds",
		Help:    "Latency distribution of ledger operations",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"op"})

	lockRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_lock_retries_total",
		Help: "Account lock acquisitions retried after a timeout",
	})
)

// Processor is the sole mutator of account balances. Every mutation runs
// inside the account's exclusive lock, appends an audit entry, and is
// published on the bus. Cache and bus are optional; pass nil to disable.
type Processor struct {
	store Store
	cache Cache
	bus   MessageBus

	// CacheTTL bounds idempotency result retention in the cache layer.
	CacheTTL time.Duration
	// LockBackoff and LockRetries control the fibonacci retry schedule
	// applied when the store reports a lock timeout.
	LockBackoff time.Duration
	LockRetries uint64
}

func NewProcessor(store Store, cache Cache, bus MessageBus) *Processor {
	return &Processor{
		store:       store,
		cache:       cache,
		bus:         bus,
		CacheTTL:    defaultCacheTTL,
		LockBackoff: defaultLockBase,
		LockRetries: defaultLockTries,
	}
}

// CreateAccount provisions a zero-balance account, optionally applying
// an initial grant.
func (p *Processor) CreateAccount(ctx context.Context, id string, initialGrant int64) (model.Account, error) {
	if id == "" {
		return model.Account{}, fmt.Errorf("%w: empty account id", ErrInvalidArgument)
	}
	acct, err := p.store.CreateAccount(ctx, id)
	if err != nil {
		return model.Account{}, err
	}
	if initialGrant > 0 {
		res, err := p.Credit(ctx, model.CreditRequest{
			AccountID: id,
			Amount:    initialGrant,
			Reason:    model.ReasonInitialGrant,
		})
		if err != nil {
			return model.Account{}, err
		}
		acct.Balance = res.Balance
		acct.LifetimeCredited = res.Balance
	}
	return acct, nil
}

// CloseAccount is the terminal soft delete. Closing an already closed
// account is a no-op.
func (p *Processor) CloseAccount(ctx context.Context, id string) error {
	return p.store.CloseAccount(ctx, id)
}

// Balance returns the current balance from an unlocked read. Display
// only: financial decisions are made inside the lock, never from this.
func (p *Processor) Balance(ctx context.Context, id string) (int64, error) {
	acct, err := p.store.GetAccount(ctx, id)
	if err != nil {
		return 0, err
	}
	return acct.Balance, nil
}

// Entries returns the account's audit trail in insertion order.
func (p *Processor) Entries(ctx context.Context, id string) ([]model.LedgerEntry, error) {
	return p.store.Entries(ctx, id)
}

// Credit adds amount to the account. When an external reference is
// supplied the operation is idempotent: retries and concurrent
// duplicates all observe the first attempt's result.
func (p *Processor) Credit(ctx context.Context, req model.CreditRequest) (model.TxResult, error) {
	timer := prometheus.NewTimer(opDuration.WithLabelValues("credit"))
	defer timer.ObserveDuration()

	if err := validateAmount(req.Amount, req.Reason); err != nil {
		opsTotal.WithLabelValues("credit", "invalid").Inc()
		return model.TxResult{}, err
	}

	if req.ExternalRef != "" {
		if res, ok := p.cachedResult(ctx, req.ExternalRef); ok {
			opsTotal.WithLabelValues("credit", "duplicate").Inc()
			return res, nil
		}
	}

	var out model.TxResult
	var applied model.LedgerEntry
	err := p.update(ctx, req.AccountID, func(tx Tx) error {
		entry, err := tx.Apply(req.Amount, req.Reason, req.ExternalRef, req.Context)
		if err != nil {
			return err
		}
		applied = entry
		out = model.TxResult{Balance: entry.BalanceAfter, EntryID: entry.ID}
		if req.ExternalRef != "" {
			return tx.PutIdempotency(model.IdempotencyRecord{
				ExternalRef: req.ExternalRef,
				AccountID:   req.AccountID,
				Result:      out,
				ExpiresAt:   time.Now().Add(p.CacheTTL),
			})
		}
		return nil
	})
	if errors.Is(err, ErrDuplicateRef) {
		// Lost the insert race: the uniqueness constraint is the
		// tie-break. Convert to a read of the winner's entry.
		return p.replayByRef(ctx, req.ExternalRef)
	}
	if err != nil {
		opsTotal.WithLabelValues("credit", "error").Inc()
		return model.TxResult{}, err
	}

	if req.ExternalRef != "" && p.cache != nil {
		if cerr := p.cache.Record(ctx, req.ExternalRef, out, p.CacheTTL); cerr != nil {
			slog.Warn("idempotency cache record failed", "ref", req.ExternalRef, "error", cerr)
		}
	}
	p.publish(applied)
	opsTotal.WithLabelValues("credit", "ok").Inc()
	return out, nil
}

// Debit subtracts amount from the account, failing with
// InsufficientFundsError when the balance does not cover it. The check
// and the write execute inside the account lock, so the balance can
// never go negative.
func (p *Processor) Debit(ctx context.Context, req model.DebitRequest) (model.TxResult, error) {
	timer := prometheus.NewTimer(opDuration.WithLabelValues("debit"))
	defer timer.ObserveDuration()

	if err := validateAmount(req.Amount, req.Reason); err != nil {
		opsTotal.WithLabelValues("debit", "invalid").Inc()
		return model.TxResult{}, err
	}

	var out model.TxResult
	var applied model.LedgerEntry
	err := p.update(ctx, req.AccountID, func(tx Tx) error {
		acct := tx.Account()
		if acct.Balance < req.Amount {
			return &InsufficientFundsError{
				AccountID: req.AccountID,
				Required:  req.Amount,
				Available: acct.Balance,
			}
		}
		entry, err := tx.Apply(-req.Amount, req.Reason, "", req.Context)
		if err != nil {
			return err
		}
		applied = entry
		out = model.TxResult{Balance: entry.BalanceAfter, EntryID: entry.ID}
		return nil
	})
	if err != nil {
		outcome := "error"
		if errors.Is(err, ErrInsufficientFunds) {
			outcome = "insufficient"
		}
		opsTotal.WithLabelValues("debit", outcome).Inc()
		return model.TxResult{}, err
	}
	p.publish(applied)
	opsTotal.WithLabelValues("debit", "ok").Inc()
	return out, nil
}

// Transfer moves amount between two accounts as one unit, holding both
// locks in a fixed global order. Used for merging a temporary identity
// into a permanent one.
func (p *Processor) Transfer(ctx context.Context, req model.TransferRequest) (model.TxResult, error) {
	timer := prometheus.NewTimer(opDuration.WithLabelValues("transfer"))
	defer timer.ObserveDuration()

	if err := validateAmount(req.Amount, req.Reason); err != nil {
		opsTotal.WithLabelValues("transfer", "invalid").Inc()
		return model.TxResult{}, err
	}
	if req.SourceID == req.DestID {
		opsTotal.WithLabelValues("transfer", "invalid").Inc()
		return model.TxResult{}, fmt.Errorf("%w: self transfer", ErrInvalidArgument)
	}

	var out model.TxResult
	var debitEntry, creditEntry model.LedgerEntry
	err := p.updatePair(ctx, req.SourceID, req.DestID, func(src, dst Tx) error {
		if src.Account().Balance < req.Amount {
			return &InsufficientFundsError{
				AccountID: req.SourceID,
				Required:  req.Amount,
				Available: src.Account().Balance,
			}
		}
		var err error
		debitEntry, err = src.Apply(-req.Amount, req.Reason, "", map[string]string{"transfer_to": req.DestID})
		if err != nil {
			return err
		}
		creditEntry, err = dst.Apply(req.Amount, req.Reason, "", map[string]string{
			"transfer_from": req.SourceID,
			"paired_entry":  strconv.FormatInt(debitEntry.ID, 10),
		})
		if err != nil {
			return err
		}
		out = model.TxResult{Balance: creditEntry.BalanceAfter, EntryID: creditEntry.ID}
		return nil
	})
	if err != nil {
		outcome := "error"
		if errors.Is(err, ErrInsufficientFunds) {
			outcome = "insufficient"
		}
		opsTotal.WithLabelValues("transfer", outcome).Inc()
		return model.TxResult{}, err
	}
	p.publish(debitEntry)
	p.publish(creditEntry)
	opsTotal.WithLabelValues("transfer", "ok").Inc()
	return out, nil
}

// Adjust is the admin correction path. A negative delta larger than the
// balance drains the account to exactly zero and records the shortfall
// as a separate write_off entry, keeping the conservation invariant
// intact.
func (p *Processor) Adjust(ctx context.Context, req model.AdjustRequest) (model.TxResult, error) {
	timer := prometheus.NewTimer(opDuration.WithLabelValues("adjust"))
	defer timer.ObserveDuration()

	if req.Delta == 0 {
		opsTotal.WithLabelValues("adjust", "invalid").Inc()
		return model.TxResult{}, fmt.Errorf("%w: zero delta", ErrInvalidArgument)
	}

	var out model.TxResult
	var entries []model.LedgerEntry
	err := p.update(ctx, req.AccountID, func(tx Tx) error {
		delta := req.Delta
		var shortfall int64
		if bal := tx.Account().Balance; delta < 0 && -delta > bal {
			shortfall = -delta - bal
			delta = -bal
		}
		entries = entries[:0]
		if delta != 0 {
			entry, err := tx.Apply(delta, model.ReasonAdminAdjustment, "", req.Context)
			if err != nil {
				return err
			}
			entries = append(entries, entry)
			out = model.TxResult{Balance: entry.BalanceAfter, EntryID: entry.ID}
		}
		if shortfall > 0 {
			entry, err := tx.Apply(0, model.ReasonWriteOff, "", map[string]string{
				"shortfall": strconv.FormatInt(shortfall, 10),
				"requested": strconv.FormatInt(req.Delta, 10),
			})
			if err != nil {
				return err
			}
			entries = append(entries, entry)
			out = model.TxResult{Balance: entry.BalanceAfter, EntryID: entry.ID}
		}
		return nil
	})
	if err != nil {
		opsTotal.WithLabelValues("adjust", "error").Inc()
		return model.TxResult{}, err
	}
	for _, e := range entries {
		p.publish(e)
	}
	opsTotal.WithLabelValues("adjust", "ok").Inc()
	return out, nil
}

// Store exposes the backing store to collaborators that need read or
// reservation access (the coordinator, sweeps).
func (p *Processor) Store() Store { return p.store }

func (p *Processor) cachedResult(ctx context.Context, ref string) (model.TxResult, bool) {
	if p.cache != nil {
		res, ok, err := p.cache.Lookup(ctx, ref)
		if err != nil {
			slog.Warn("idempotency cache lookup failed", "ref", ref, "error", err)
		} else if ok {
			res.Duplicate = true
			return res, true
		}
	}
	rec, ok, err := p.store.GetIdempotency(ctx, ref)
	if err != nil {
		slog.Warn("idempotency store lookup failed", "ref", ref, "error", err)
		return model.TxResult{}, false
	}
	if !ok {
		return model.TxResult{}, false
	}
	res := rec.Result
	res.Duplicate = true
	return res, true
}

// replayByRef resolves a lost duplicate-insert race by reading the
// winning entry. The ledger-level uniqueness constraint guarantees it
// exists.
func (p *Processor) replayByRef(ctx context.Context, ref string) (model.TxResult, error) {
	entry, err := p.store.EntryByRef(ctx, ref)
	if err != nil {
		return model.TxResult{}, fmt.Errorf("replay %q: %w", ref, err)
	}
	opsTotal.WithLabelValues("credit", "duplicate").Inc()
	return model.TxResult{Balance: entry.BalanceAfter, EntryID: entry.ID, Duplicate: true}, nil
}

func (p *Processor) update(ctx context.Context, id string, fn func(tx Tx) error) error {
	return p.withLockRetry(ctx, func(ctx context.Context) error {
		return p.store.Update(ctx, id, fn)
	})
}

func (p *Processor) updatePair(ctx context.Context, idA, idB string, fn func(a, b Tx) error) error {
	return p.withLockRetry(ctx, func(ctx context.Context) error {
		return p.store.UpdatePair(ctx, idA, idB, fn)
	})
}

// withLockRetry retries lock timeouts with fibonacci backoff. A timeout
// happens before any write, so retrying is always safe.
func (p *Processor) withLockRetry(ctx context.Context, op func(ctx context.Context) error) error {
	b := retry.WithMaxRetries(p.LockRetries, retry.NewFibonacci(p.LockBackoff))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		err := op(ctx)
		if errors.Is(err, ErrLockTimeout) {
			lockRetriesTotal.Inc()
			return retry.RetryableError(err)
		}
		return err
	})
}

func (p *Processor) publish(entry model.LedgerEntry) {
	if p.bus == nil || entry.AccountID == "" {
		return
	}
	data, err := json.Marshal(model.EntryEvent{
		EntryID:      entry.ID,
		AccountID:    entry.AccountID,
		Delta:        entry.Delta,
		BalanceAfter: entry.BalanceAfter,
		Reason:       entry.Reason,
		ExternalRef:  entry.ExternalRef,
		CreatedAt:    entry.CreatedAt,
	})
	if err != nil {
		return
	}
	if err := p.bus.Publish(TopicEntries, data); err != nil {
		slog.Warn("entry event publish failed", "entry_id", entry.ID, "error", err)
	}
}

func validateAmount(amount int64, reason model.Reason) error {
	if amount <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidArgument)
	}
	if !reason.Valid() {
		return fmt.Errorf("%w: unknown reason %q", ErrInvalidArgument, reason)
	}
	return nil
}
