package repository

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotFound wraps pgx.ErrNoRows for single-row lookups.
	ErrNotFound = errors.New("not found")
	// ErrStorageFailure marks a transaction that could not be committed, even after retries.
	ErrStorageFailure = errors.New("storage failure")
	// ErrVersionConflict is returned when an expected account version no longer matches.
	ErrVersionConflict = errors.New("account version conflict")
	// ErrInsufficientFunds is returned when a debit would take the balance below zero.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrAccountNotFound is returned when the member has never been granted coins.
	ErrAccountNotFound = errors.New("account not found")
	// ErrNotHeld is returned when a reservation transition finds the row already resolved.
	ErrNotHeld = errors.New("reservation is not held")
	// ErrDuplicate is returned on a unique constraint violation.
	ErrDuplicate = errors.New("duplicate")
)

const maxTxAttempts = 3

//go:embed schema.sql
var schemaSQL string

// TxBeginner abstracts transaction creation so callers and tests don't need a pgxpool.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// SnapshotBeginner starts a transaction with explicit options. *pgxpool.Pool satisfies it.
type SnapshotBeginner interface {
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
}

// SnapshotOptions describe a read-only transaction that sees one committed state throughout.
var SnapshotOptions = pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}

// Querier is the read side shared by *pgxpool.Pool and pgx.Tx.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Execer runs a statement outside of a transaction.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Migrate applies the embedded schema. Every statement is idempotent.
func Migrate(ctx context.Context, db Execer) error {
	if _, err := db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// RunInTx runs fn in a transaction and commits it. Serialization failures and
// deadlocks are retried from the start; everything fn wrote in a failed attempt
// is rolled back with it.
func RunInTx(ctx context.Context, db TxBeginner, fn func(tx pgx.Tx) error) error {
	var err error
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		if attempt > 0 {
			if werr := sleepCtx(ctx, retryDelay(attempt)); werr != nil {
				return fmt.Errorf("%w: %w", ErrStorageFailure, err)
			}
		}
		err = runOnce(ctx, db, fn)
		if err == nil || !retryable(err) {
			return err
		}
	}
	return fmt.Errorf("%w: gave up after %d attempts: %w", ErrStorageFailure, maxTxAttempts, err)
}

func runOnce(ctx context.Context, db TxBeginner, fn func(tx pgx.Tx) error) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin: %w", ErrStorageFailure, err)
	}
	defer tx.Rollback(ctx)
	hooked := &hookedTx{Tx: tx}
	if err := fn(hooked); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: commit: %w", ErrStorageFailure, err)
	}
	for _, hook := range hooked.hooks {
		hook()
	}
	return nil
}

// hookedTx is the transaction RunInTx hands to fn. It collects OnCommit callbacks.
type hookedTx struct {
	pgx.Tx
	hooks []func()
}

// Unwrap returns the transaction that was begun.
func (t *hookedTx) Unwrap() pgx.Tx { return t.Tx }

// OnCommit defers fn until the RunInTx attempt that owns tx has committed.
// fn never runs for an attempt that rolls back. Outside RunInTx, including
// for a nil tx, fn runs immediately.
func OnCommit(tx pgx.Tx, fn func()) {
	if h, ok := tx.(*hookedTx); ok {
		h.hooks = append(h.hooks, fn)
		return
	}
	fn()
}

// RunInSnapshot runs fn in a read-only repeatable read transaction, so every
// query fn issues sees the same committed state.
func RunInSnapshot(ctx context.Context, db SnapshotBeginner, fn func(tx pgx.Tx) error) error {
	tx, err := db.BeginTx(ctx, SnapshotOptions)
	if err != nil {
		return fmt.Errorf("%w: begin snapshot: %w", ErrStorageFailure, err)
	}
	defer tx.Rollback(ctx)
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func retryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

func retryDelay(attempt int) time.Duration {
	base := time.Duration(attempt) * 20 * time.Millisecond
	return base + rand.N(base)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// notFound translates pgx.ErrNoRows into ErrNotFound.
func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
