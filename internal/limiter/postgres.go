package limiter

import (
	"context"
	"errors"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/and161185/walletrelay/internal/errs"
	"github.com/and161185/walletrelay/internal/model"
)

// PG keeps lockout counters on the wallet_credentials row.
type PG struct {
	pool pgxQuerier
	settings
}

type pgxQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewPG constructs a PostgreSQL-backed lockout.
func NewPG(pool *pgxpool.Pool, maxFails int, lockFor time.Duration, opts ...Option) *PG {
	return &PG{pool: pool, settings: newSettings(maxFails, lockFor, opts)}
}

// NewPGWithQuerier constructs a PostgreSQL-backed lockout over any querier.
func NewPGWithQuerier(q pgxQuerier, maxFails int, lockFor time.Duration, opts ...Option) *PG {
	return &PG{pool: q, settings: newSettings(maxFails, lockFor, opts)}
}

const selectLockSQL = `SELECT failed_attempts, locked_until FROM wallet_credentials WHERE user_id=$1`

// State reads the lockout columns.
func (l *PG) State(ctx context.Context, userID uuid.UUID) (model.LockState, error) {
	st, err := l.scan(l.pool.QueryRow(ctx, selectLockSQL, userID))
	if err != nil {
		return model.LockState{}, err
	}
	return normalize(st, l.now()), nil
}

// Failure increments the counter in one statement. An elapsed lock restarts the count at 1;
// reaching maxFails sets locked_until. An active lock is left as is.
func (l *PG) Failure(ctx context.Context, userID uuid.UUID) (model.LockState, error) {
	now := l.now()
	const q = `
UPDATE wallet_credentials SET
  failed_attempts = CASE
    WHEN locked_until IS NOT NULL AND locked_until > $2 THEN failed_attempts
    WHEN locked_until IS NOT NULL THEN 1
    ELSE failed_attempts + 1 END,
  locked_until = CASE
    WHEN locked_until IS NOT NULL AND locked_until > $2 THEN locked_until
    WHEN (CASE WHEN locked_until IS NOT NULL THEN 1 ELSE failed_attempts + 1 END) >= $3 THEN $4::timestamptz
    ELSE NULL END,
  updated_at = $2
WHERE user_id = $1
RETURNING failed_attempts, locked_until`
	return l.scan(l.pool.QueryRow(ctx, q, userID, now, l.maxFails, now.Add(l.lockFor)))
}

// Success clears the counter only while no lock is active, so a concurrent
// failure that locked the account is never undone.
func (l *PG) Success(ctx context.Context, userID uuid.UUID) (model.LockState, error) {
	now := l.now()
	const q = `
UPDATE wallet_credentials SET failed_attempts = 0, locked_until = NULL, updated_at = $2
WHERE user_id = $1 AND (locked_until IS NULL OR locked_until <= $2)
RETURNING failed_attempts, locked_until`
	st, err := l.scan(l.pool.QueryRow(ctx, q, userID, now))
	if errors.Is(err, errs.ErrNotFound) {
		// either no row or an active lock; re-read to tell them apart
		return l.scan(l.pool.QueryRow(ctx, selectLockSQL, userID))
	}
	return st, err
}

func (l *PG) scan(row pgx.Row) (model.LockState, error) {
	var st model.LockState
	if err := row.Scan(&st.FailedAttempts, &st.LockedUntil); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.LockState{}, errs.ErrNotFound
		}
		return model.LockState{}, err
	}
	return st, nil
}
