// Package postgres implements ledger.Store on PostgreSQL. Exclusive
// per-account locking is done with SELECT ... FOR UPDATE inside a
// transaction, so it holds across processor instances; the uniqueness
// constraint on ledger_entries.external_ref is the durable tie-break
// for racing duplicate references.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"creditledger/internal/ledger"
	"creditledger/internal/model"
)

const (
	pgUniqueViolation = "23505"
	pgCheckViolation  = "23514"
	pgLockNotAvail    = "55P03"

	defaultLockTimeout = 2 * time.Second
)

type Store struct {
	pool *pgxpool.Pool

	// LockTimeout is applied per transaction via SET LOCAL so a blocked
	// FOR UPDATE surfaces as ErrLockTimeout instead of waiting forever.
	LockTimeout time.Duration
}

func New(ctx context.Context, dsn string) (*Store, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{pool: pool, LockTimeout: defaultLockTimeout}, nil
}

func (s *Store) Close() { s.pool.Close() }

func (s *Store) CreateAccount(ctx context.Context, id string) (model.Account, error) {
	var acct model.Account
	err := s.pool.QueryRow(ctx, `
		INSERT INTO accounts (id) VALUES ($1)
		RETURNING id, balance, lifetime_credited, status, created_at, updated_at`,
		id,
	).Scan(&acct.ID, &acct.Balance, &acct.LifetimeCredited, &acct.Status, &acct.CreatedAt, &acct.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return model.Account{}, ledger.ErrAccountExists
		}
		return model.Account{}, fmt.Errorf("create account: %w", err)
	}
	return acct, nil
}

func (s *Store) GetAccount(ctx context.Context, id string) (model.Account, error) {
	var acct model.Account
	err := s.pool.QueryRow(ctx, `
		SELECT id, balance, lifetime_credited, status, created_at, updated_at
		FROM accounts WHERE id = $1`,
		id,
	).Scan(&acct.ID, &acct.Balance, &acct.LifetimeCredited, &acct.Status, &acct.CreatedAt, &acct.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Account{}, ledger.ErrAccountNotFound
	}
	if err != nil {
		return model.Account{}, fmt.Errorf("get account: %w", err)
	}
	return acct, nil
}

func (s *Store) CloseAccount(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE accounts SET status = 'closed', updated_at = now() WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("close account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrAccountNotFound
	}
	return nil
}

func (s *Store) Update(ctx context.Context, id string, fn func(tx ledger.Tx) error) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		acct, err := lockAccount(ctx, tx, id)
		if err != nil {
			return err
		}
		handle := &pgTx{ctx: ctx, tx: tx, staged: acct}
		if err := fn(handle); err != nil {
			return err
		}
		return handle.flush()
	})
}

func (s *Store) UpdatePair(ctx context.Context, idA, idB string, fn func(a, b ledger.Tx) error) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		// Fixed global lock order by id keeps opposing transfers
		// deadlock free.
		first, second := idA, idB
		if idB < idA {
			first, second = idB, idA
		}
		locked := make(map[string]model.Account, 2)
		for _, id := range []string{first, second} {
			acct, err := lockAccount(ctx, tx, id)
			if err != nil {
				return err
			}
			locked[id] = acct
		}
		handleA := &pgTx{ctx: ctx, tx: tx, staged: locked[idA]}
		handleB := &pgTx{ctx: ctx, tx: tx, staged: locked[idB]}
		if err := fn(handleA, handleB); err != nil {
			return err
		}
		if err := handleA.flush(); err != nil {
			return err
		}
		return handleB.flush()
	})
}

func (s *Store) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("tx begin: %w", err)
	}
	defer tx.Rollback(ctx)

	timeoutMS := s.LockTimeout.Milliseconds()
	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", timeoutMS)); err != nil {
		return fmt.Errorf("set lock timeout: %w", err)
	}
	if err := fn(tx); err != nil {
		return mapPgError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return mapPgError(fmt.Errorf("tx commit: %w", err))
	}
	return nil
}

func lockAccount(ctx context.Context, tx pgx.Tx, id string) (model.Account, error) {
	var acct model.Account
	err := tx.QueryRow(ctx, `
		SELECT id, balance, lifetime_credited, status, created_at, updated_at
		FROM accounts WHERE id = $1 FOR UPDATE`,
		id,
	).Scan(&acct.ID, &acct.Balance, &acct.LifetimeCredited, &acct.Status, &acct.CreatedAt, &acct.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Account{}, ledger.ErrAccountNotFound
	}
	if err != nil {
		return model.Account{}, fmt.Errorf("lock account %s: %w", id, err)
	}
	if acct.Status == model.AccountClosed {
		return model.Account{}, ledger.ErrAccountClosed
	}
	return acct, nil
}

func (s *Store) Entries(ctx context.Context, accountID string) ([]model.LedgerEntry, error) {
	if _, err := s.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, account_id, delta, balance_after, reason, COALESCE(external_ref, ''), context, created_at
		FROM ledger_entries WHERE account_id = $1 ORDER BY id`,
		accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("load entries: %w", err)
	}
	defer rows.Close()

	var entries []model.LedgerEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s *Store) EntryByRef(ctx context.Context, ref string) (model.LedgerEntry, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, account_id, delta, balance_after, reason, COALESCE(external_ref, ''), context, created_at
		FROM ledger_entries WHERE external_ref = $1`,
		ref,
	)
	entry, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.LedgerEntry{}, ledger.ErrEntryNotFound
	}
	return entry, err
}

func (s *Store) GetIdempotency(ctx context.Context, ref string) (model.IdempotencyRecord, bool, error) {
	rec := model.IdempotencyRecord{ExternalRef: ref}
	var result []byte
	err := s.pool.QueryRow(ctx, `
		SELECT account_id, result, expires_at
		FROM idempotency_records WHERE external_ref = $1 AND expires_at > now()`,
		ref,
	).Scan(&rec.AccountID, &result, &rec.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.IdempotencyRecord{}, false, nil
	}
	if err != nil {
		return model.IdempotencyRecord{}, false, fmt.Errorf("get idempotency: %w", err)
	}
	if err := json.Unmarshal(result, &rec.Result); err != nil {
		return model.IdempotencyRecord{}, false, fmt.Errorf("decode idempotency result: %w", err)
	}
	return rec, true, nil
}

func (s *Store) PurgeIdempotency(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM idempotency_records WHERE expires_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("purge idempotency: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) CreateReservation(ctx context.Context, res model.Reservation) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO reservations (id, account_id, amount, status, entry_id, external_op_ref)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		res.ID, res.AccountID, res.Amount, res.Status, res.EntryID, res.ExternalOpRef,
	)
	if err != nil {
		return fmt.Errorf("create reservation: %w", err)
	}
	return nil
}

func (s *Store) GetReservation(ctx context.Context, id string) (model.Reservation, error) {
	var res model.Reservation
	err := s.pool.QueryRow(ctx, `
		SELECT id, account_id, amount, status, entry_id, COALESCE(external_op_ref, ''), created_at, updated_at
		FROM reservations WHERE id = $1`,
		id,
	).Scan(&res.ID, &res.AccountID, &res.Amount, &res.Status, &res.EntryID, &res.ExternalOpRef, &res.CreatedAt, &res.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Reservation{}, ledger.ErrReservationNotFound
	}
	if err != nil {
		return model.Reservation{}, fmt.Errorf("get reservation: %w", err)
	}
	return res, nil
}

func (s *Store) TransitionReservation(ctx context.Context, id string, to model.ReservationStatus) error {
	if to != model.ReservationConfirmed && to != model.ReservationRefunded {
		return &ledger.ReservationStateError{ReservationID: id, From: model.ReservationDebited, To: to}
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE reservations SET status = $2, updated_at = now()
		WHERE id = $1 AND status = 'debited'`,
		id, to,
	)
	if err != nil {
		return fmt.Errorf("transition reservation: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	// The guarded update matched nothing: either the reservation is
	// unknown or it already left the debited state.
	res, err := s.GetReservation(ctx, id)
	if err != nil {
		return err
	}
	return &ledger.ReservationStateError{ReservationID: id, From: res.Status, To: to}
}

func (s *Store) StaleReservations(ctx context.Context, olderThan time.Time) ([]model.Reservation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, account_id, amount, status, entry_id, COALESCE(external_op_ref, ''), created_at, updated_at
		FROM reservations WHERE status = 'debited' AND created_at < $1
		ORDER BY created_at`,
		olderThan,
	)
	if err != nil {
		return nil, fmt.Errorf("stale reservations: %w", err)
	}
	defer rows.Close()

	var out []model.Reservation
	for rows.Next() {
		var res model.Reservation
		if err := rows.Scan(&res.ID, &res.AccountID, &res.Amount, &res.Status, &res.EntryID,
			&res.ExternalOpRef, &res.CreatedAt, &res.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

// AcquireSweepLease holds a session advisory lock on a dedicated pooled
// connection, making each named sweep single-flight cluster-wide.
func (s *Store) AcquireSweepLease(ctx context.Context, name string) (func(), bool, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire lease connection: %w", err)
	}
	var locked bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock(hashtext($1))`, name).Scan(&locked); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("acquire sweep lease: %w", err)
	}
	if !locked {
		conn.Release()
		return nil, false, nil
	}
	release := func() {
		_, _ = conn.Exec(context.Background(), `SELECT pg_advisory_unlock(hashtext($1))`, name)
		conn.Release()
	}
	return release, true, nil
}

// pgTx stages balance changes in memory and writes entries immediately;
// the account row update is flushed once when fn succeeds.
type pgTx struct {
	ctx    context.Context
	tx     pgx.Tx
	staged model.Account
	dirty  bool
}

func (t *pgTx) Account() model.Account { return t.staged }

func (t *pgTx) Apply(delta int64, reason model.Reason, ref string, ctxMeta map[string]string) (model.LedgerEntry, error) {
	if t.staged.Balance+delta < 0 {
		return model.LedgerEntry{}, ledger.ErrInsufficientFunds
	}
	if !reason.Valid() {
		return model.LedgerEntry{}, ledger.ErrInvalidArgument
	}

	t.staged.Balance += delta
	if delta > 0 {
		t.staged.LifetimeCredited += delta
	}
	t.dirty = true

	var contextJSON []byte
	if len(ctxMeta) > 0 {
		var err error
		if contextJSON, err = json.Marshal(ctxMeta); err != nil {
			return model.LedgerEntry{}, err
		}
	}
	var refArg any
	if ref != "" {
		refArg = ref
	}

	entry := model.LedgerEntry{
		AccountID:    t.staged.ID,
		Delta:        delta,
		BalanceAfter: t.staged.Balance,
		Reason:       reason,
		ExternalRef:  ref,
		Context:      ctxMeta,
	}
	err := t.tx.QueryRow(t.ctx, `
		INSERT INTO ledger_entries (account_id, delta, balance_after, reason, external_ref, context)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`,
		entry.AccountID, entry.Delta, entry.BalanceAfter, entry.Reason, refArg, contextJSON,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return model.LedgerEntry{}, mapPgError(err)
	}
	return entry, nil
}

func (t *pgTx) PutIdempotency(rec model.IdempotencyRecord) error {
	result, err := json.Marshal(rec.Result)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(t.ctx, `
		INSERT INTO idempotency_records (external_ref, account_id, result, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (external_ref) DO NOTHING`,
		rec.ExternalRef, rec.AccountID, result, rec.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("put idempotency: %w", err)
	}
	return nil
}

func (t *pgTx) flush() error {
	if !t.dirty {
		return nil
	}
	_, err := t.tx.Exec(t.ctx, `
		UPDATE accounts SET balance = $2, lifetime_credited = $3, updated_at = now()
		WHERE id = $1`,
		t.staged.ID, t.staged.Balance, t.staged.LifetimeCredited,
	)
	if err != nil {
		return mapPgError(fmt.Errorf("flush account %s: %w", t.staged.ID, err))
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (model.LedgerEntry, error) {
	var entry model.LedgerEntry
	var contextJSON []byte
	if err := row.Scan(&entry.ID, &entry.AccountID, &entry.Delta, &entry.BalanceAfter,
		&entry.Reason, &entry.ExternalRef, &contextJSON, &entry.CreatedAt); err != nil {
		return model.LedgerEntry{}, err
	}
	if len(contextJSON) > 0 {
		if err := json.Unmarshal(contextJSON, &entry.Context); err != nil {
			return model.LedgerEntry{}, fmt.Errorf("decode entry context: %w", err)
		}
	}
	return entry, nil
}

func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return fmt.Errorf("%w: %s", ledger.ErrDuplicateRef, pgErr.ConstraintName)
		case pgCheckViolation:
			return ledger.ErrInsufficientFunds
		case pgLockNotAvail:
			return ledger.ErrLockTimeout
		}
	}
	return err
}
