// Package memory provides an in-memory ledger.Store for tests and
// embedded use. Per-account mutexes give the same exclusive-lock
// semantics as the postgres store within a single process.
package memory

import (
	"context"
	"sync"
	"time"

	"creditledger/internal/ledger"
	"creditledger/internal/model"
)

type Store struct {
	mu           sync.RWMutex
	accounts     map[string]*account
	entries      map[string][]model.LedgerEntry
	refs         map[string]*refClaim
	idempotency  map[string]model.IdempotencyRecord
	reservations map[string]model.Reservation
	leases       map[string]bool
	nextEntryID  int64
}

// refClaim reserves an external reference for an in-flight transaction.
// done is closed when the transaction commits or rolls back; committed
// tells waiters which of the two happened.
type refClaim struct {
	entryID   int64
	committed bool
	done      chan struct{}
}

type account struct {
	lock sync.Mutex // exclusive mutation lock, held across Update
	data model.Account
}

func New() *Store {
	return &Store{
		accounts:     make(map[string]*account),
		entries:      make(map[string][]model.LedgerEntry),
		refs:         make(map[string]*refClaim),
		idempotency:  make(map[string]model.IdempotencyRecord),
		reservations: make(map[string]model.Reservation),
		leases:       make(map[string]bool),
	}
}

func (s *Store) CreateAccount(_ context.Context, id string) (model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[id]; ok {
		return model.Account{}, ledger.ErrAccountExists
	}
	now := time.Now()
	acct := &account{data: model.Account{
		ID:        id,
		Status:    model.AccountActive,
		CreatedAt: now,
		UpdatedAt: now,
	}}
	s.accounts[id] = acct
	return acct.data, nil
}

func (s *Store) GetAccount(_ context.Context, id string) (model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acct, ok := s.accounts[id]
	if !ok {
		return model.Account{}, ledger.ErrAccountNotFound
	}
	return acct.data, nil
}

func (s *Store) CloseAccount(_ context.Context, id string) error {
	s.mu.RLock()
	acct, ok := s.accounts[id]
	s.mu.RUnlock()
	if !ok {
		return ledger.ErrAccountNotFound
	}
	acct.lock.Lock()
	defer acct.lock.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	acct.data.Status = model.AccountClosed
	acct.data.UpdatedAt = time.Now()
	return nil
}

// Update serializes all mutations of one account through its mutex.
func (s *Store) Update(ctx context.Context, id string, fn func(tx ledger.Tx) error) error {
	s.mu.RLock()
	acct, ok := s.accounts[id]
	s.mu.RUnlock()
	if !ok {
		return ledger.ErrAccountNotFound
	}

	acct.lock.Lock()
	defer acct.lock.Unlock()

	return s.run(fn, acct)
}

// UpdatePair locks both accounts in lexicographic id order so two
// opposing transfers can never deadlock.
func (s *Store) UpdatePair(ctx context.Context, idA, idB string, fn func(a, b ledger.Tx) error) error {
	s.mu.RLock()
	acctA, okA := s.accounts[idA]
	acctB, okB := s.accounts[idB]
	s.mu.RUnlock()
	if !okA || !okB {
		return ledger.ErrAccountNotFound
	}

	first, second := acctA, acctB
	if idB < idA {
		first, second = acctB, acctA
	}
	first.lock.Lock()
	defer first.lock.Unlock()
	second.lock.Lock()
	defer second.lock.Unlock()

	return s.runPair(fn, acctA, acctB)
}

func (s *Store) run(fn func(tx ledger.Tx) error, acct *account) error {
	if acct.data.Status == model.AccountClosed {
		return ledger.ErrAccountClosed
	}
	tx := &memTx{store: s, acct: acct, staged: acct.data}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	tx.commit()
	return nil
}

func (s *Store) runPair(fn func(a, b ledger.Tx) error, acctA, acctB *account) error {
	if acctA.data.Status == model.AccountClosed || acctB.data.Status == model.AccountClosed {
		return ledger.ErrAccountClosed
	}
	txA := &memTx{store: s, acct: acctA, staged: acctA.data}
	txB := &memTx{store: s, acct: acctB, staged: acctB.data}
	if err := fn(txA, txB); err != nil {
		txA.rollback()
		txB.rollback()
		return err
	}
	txA.commit()
	txB.commit()
	return nil
}

func (s *Store) Entries(_ context.Context, accountID string) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.accounts[accountID]; !ok {
		return nil, ledger.ErrAccountNotFound
	}
	out := make([]model.LedgerEntry, len(s.entries[accountID]))
	copy(out, s.entries[accountID])
	return out, nil
}

func (s *Store) EntryByRef(_ context.Context, ref string) (model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	claim, ok := s.refs[ref]
	if !ok || !claim.committed {
		return model.LedgerEntry{}, ledger.ErrEntryNotFound
	}
	for _, entries := range s.entries {
		for _, e := range entries {
			if e.ID == claim.entryID {
				return e, nil
			}
		}
	}
	return model.LedgerEntry{}, ledger.ErrEntryNotFound
}

func (s *Store) GetIdempotency(_ context.Context, ref string) (model.IdempotencyRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.idempotency[ref]
	if !ok || rec.ExpiresAt.Before(time.Now()) {
		return model.IdempotencyRecord{}, false, nil
	}
	return rec, true, nil
}

func (s *Store) PurgeIdempotency(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for ref, rec := range s.idempotency {
		if rec.ExpiresAt.Before(before) {
			delete(s.idempotency, ref)
			n++
		}
	}
	return n, nil
}

func (s *Store) CreateReservation(_ context.Context, res model.Reservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if res.CreatedAt.IsZero() {
		res.CreatedAt = now
	}
	res.UpdatedAt = now
	s.reservations[res.ID] = res
	return nil
}

func (s *Store) GetReservation(_ context.Context, id string) (model.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res, ok := s.reservations[id]
	if !ok {
		return model.Reservation{}, ledger.ErrReservationNotFound
	}
	return res, nil
}

func (s *Store) TransitionReservation(_ context.Context, id string, to model.ReservationStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.reservations[id]
	if !ok {
		return ledger.ErrReservationNotFound
	}
	if res.Status != model.ReservationDebited ||
		(to != model.ReservationConfirmed && to != model.ReservationRefunded) {
		return &ledger.ReservationStateError{ReservationID: id, From: res.Status, To: to}
	}
	res.Status = to
	res.UpdatedAt = time.Now()
	s.reservations[id] = res
	return nil
}

func (s *Store) StaleReservations(_ context.Context, olderThan time.Time) ([]model.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Reservation
	for _, res := range s.reservations {
		if res.Status == model.ReservationDebited && res.CreatedAt.Before(olderThan) {
			out = append(out, res)
		}
	}
	return out, nil
}

func (s *Store) AcquireSweepLease(_ context.Context, name string) (func(), bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.leases[name] {
		return nil, false, nil
	}
	s.leases[name] = true
	release := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.leases, name)
	}
	return release, true, nil
}

// memTx stages changes against a copy of the account and commits them
// under the store mutex when fn succeeds. External references are
// claimed eagerly so two racing inserts of the same ref resolve even
// across different accounts. A racer on a claimed ref waits for the
// claimant, like an insert blocking on a unique index, so a duplicate
// is only reported once the winning entry is readable.
type memTx struct {
	store       *Store
	acct        *account
	staged      model.Account
	pending     []model.LedgerEntry
	pendingIdem []model.IdempotencyRecord
	claimedRefs []string
}

func (t *memTx) Account() model.Account { return t.staged }

func (t *memTx) Apply(delta int64, reason model.Reason, ref string, ctx map[string]string) (model.LedgerEntry, error) {
	if t.staged.Balance+delta < 0 {
		return model.LedgerEntry{}, ledger.ErrInsufficientFunds
	}
	if !reason.Valid() {
		return model.LedgerEntry{}, ledger.ErrInvalidArgument
	}

	t.store.mu.Lock()
	if ref != "" {
		for {
			claim, dup := t.store.refs[ref]
			if !dup {
				break
			}
			t.store.mu.Unlock()
			<-claim.done
			t.store.mu.Lock()
			if claim.committed {
				t.store.mu.Unlock()
				return model.LedgerEntry{}, ledger.ErrDuplicateRef
			}
			// Claimant rolled back; the ref is up for grabs again.
		}
	}
	t.store.nextEntryID++
	id := t.store.nextEntryID
	if ref != "" {
		t.store.refs[ref] = &refClaim{entryID: id, done: make(chan struct{})}
		t.claimedRefs = append(t.claimedRefs, ref)
	}
	t.store.mu.Unlock()

	t.staged.Balance += delta
	if delta > 0 {
		t.staged.LifetimeCredited += delta
	}
	entry := model.LedgerEntry{
		ID:           id,
		AccountID:    t.staged.ID,
		Delta:        delta,
		BalanceAfter: t.staged.Balance,
		Reason:       reason,
		ExternalRef:  ref,
		Context:      ctx,
		CreatedAt:    time.Now(),
	}
	t.pending = append(t.pending, entry)
	return entry, nil
}

func (t *memTx) PutIdempotency(rec model.IdempotencyRecord) error {
	t.pendingIdem = append(t.pendingIdem, rec)
	return nil
}

func (t *memTx) commit() {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	t.staged.UpdatedAt = time.Now()
	t.acct.data = t.staged
	for _, e := range t.pending {
		t.store.entries[e.AccountID] = append(t.store.entries[e.AccountID], e)
	}
	for _, rec := range t.pendingIdem {
		t.store.idempotency[rec.ExternalRef] = rec
	}
	for _, ref := range t.claimedRefs {
		claim := t.store.refs[ref]
		claim.committed = true
		close(claim.done)
	}
}

func (t *memTx) rollback() {
	if len(t.claimedRefs) == 0 {
		return
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	for _, ref := range t.claimedRefs {
		claim := t.store.refs[ref]
		delete(t.store.refs, ref)
		close(claim.done)
	}
}
