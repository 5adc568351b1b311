package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/and161185/walletrelay/internal/errs"
	"github.com/and161185/walletrelay/internal/model"
	"github.com/and161185/walletrelay/internal/repository"
)

// QueueRepo implements QueueRepository using PostgreSQL.
type QueueRepo struct {
	db  *DB
	now Clock
}

// NewQueueRepo constructs a queue repository. A nil clock means time.Now.
func NewQueueRepo(db *DB, now Clock) *QueueRepo {
	return &QueueRepo{db: db, now: clockOrNow(now)}
}

const entryColumns = `id, wallet_address, status, type, payload, tx_hash, task_id, error_message,
cooldown_until, attempts, sending_since, created_at, updated_at`

// openFilter matches entries that can still become a wallet's head.
const openFilter = `(status IN ('PENDING', 'SENDING') OR (status = 'FAILED' AND cooldown_until IS NOT NULL))`

// Enqueue inserts a PENDING entry.
func (r *QueueRepo) Enqueue(ctx context.Context, walletAddress string, typ model.OpType, payload []byte) (uuid.UUID, error) {
	wallet := model.NormalizeAddress(walletAddress)
	if err := repository.ValidateEnqueue(wallet, typ, payload); err != nil {
		return uuid.Nil, err
	}
	id, err := uuid.NewV4()
	if err != nil {
		return uuid.Nil, err
	}
	const q = `
INSERT INTO relay_queue (id, wallet_address, status, type, payload, attempts, created_at, updated_at)
VALUES ($1, $2, 'PENDING', $3, $4, 0, $5, $5)`
	if _, err := r.db.Pool.Exec(ctx, q, id, wallet, string(typ), payload, r.now()); err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

// ClaimNextDue locks the wallet's head and claims it in one statement. A head that
// is already SENDING or still cooling down yields no row.
func (r *QueueRepo) ClaimNextDue(ctx context.Context, walletAddress string) (*model.QueueEntry, error) {
	q := `
WITH head AS (
  SELECT id, status, cooldown_until FROM relay_queue
  WHERE wallet_address = $1 AND ` + openFilter + `
  ORDER BY created_at, seq
  LIMIT 1
  FOR UPDATE
)
UPDATE relay_queue q
SET status = 'SENDING', attempts = q.attempts + 1, sending_since = $2, cooldown_until = NULL, updated_at = $2
FROM head
WHERE q.id = head.id
  AND head.status <> 'SENDING'
  AND (head.cooldown_until IS NULL OR head.cooldown_until <= $2)
RETURNING q.id, q.wallet_address, q.status, q.type, q.payload, q.tx_hash, q.task_id, q.error_message,
q.cooldown_until, q.attempts, q.sending_since, q.created_at, q.updated_at`

	e, err := scanEntry(r.db.Pool.QueryRow(ctx, q, model.NormalizeAddress(walletAddress), r.now()))
	switch {
	case err == nil:
		return e, nil
	case errors.Is(err, pgx.ErrNoRows):
		return nil, nil
	case isUniqueViolation(err) && constraintName(err) == "relay_queue_one_sending_idx":
		return nil, errs.ErrQueueConflict
	default:
		return nil, err
	}
}

// MarkConfirmed records the chain hash of a SENDING entry.
func (r *QueueRepo) MarkConfirmed(ctx context.Context, id uuid.UUID, txHash string) error {
	const q = `
UPDATE relay_queue
SET status = 'CONFIRMED', tx_hash = $2, error_message = NULL, cooldown_until = NULL, sending_since = NULL, updated_at = $3
WHERE id = $1 AND status = 'SENDING'`
	tag, err := r.db.Pool.Exec(ctx, q, id, txHash, r.now())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	st, err := r.status(ctx, id)
	if err != nil {
		return err
	}
	if st == model.StatusConfirmed {
		return nil
	}
	return fmt.Errorf("confirm %s entry: %w", st, errs.ErrInvalidTransition)
}

// MarkFailed fails a SENDING entry, scheduling a retry when retryAfter > 0.
func (r *QueueRepo) MarkFailed(ctx context.Context, id uuid.UUID, errorMessage string, retryAfter time.Duration) error {
	if retryAfter < 0 {
		return fmt.Errorf("negative retryAfter: %w", errs.ErrValidation)
	}
	now := r.now()
	var cooldown *time.Time
	if retryAfter > 0 {
		t := now.Add(retryAfter)
		cooldown = &t
	}
	const q = `
UPDATE relay_queue
SET status = 'FAILED', error_message = $2, cooldown_until = $3, sending_since = NULL, updated_at = $4
WHERE id = $1 AND status = 'SENDING'`
	tag, err := r.db.Pool.Exec(ctx, q, id, repository.TruncateError(errorMessage), cooldown, now)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	st, err := r.status(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("fail %s entry: %w", st, errs.ErrInvalidTransition)
}

// SetTaskID stores the relay task id of a SENDING entry.
func (r *QueueRepo) SetTaskID(ctx context.Context, id uuid.UUID, taskID string) error {
	const q = `UPDATE relay_queue SET task_id = $2, updated_at = $3 WHERE id = $1 AND status = 'SENDING'`
	tag, err := r.db.Pool.Exec(ctx, q, id, taskID, r.now())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	st, err := r.status(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("set task on %s entry: %w", st, errs.ErrInvalidTransition)
}

// Get selects one entry by id.
func (r *QueueRepo) Get(ctx context.Context, id uuid.UUID) (*model.QueueEntry, error) {
	q := `SELECT ` + entryColumns + ` FROM relay_queue WHERE id = $1`
	e, err := scanEntry(r.db.Pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return e, nil
}

// ListByWallet returns the newest entries of a wallet.
func (r *QueueRepo) ListByWallet(ctx context.Context, walletAddress string, limit int) ([]model.QueueEntry, error) {
	q := `SELECT ` + entryColumns + ` FROM relay_queue
WHERE wallet_address = $1
ORDER BY created_at DESC, seq DESC
LIMIT $2`
	rows, err := r.db.Pool.Query(ctx, q, model.NormalizeAddress(walletAddress), repository.Limit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.QueueEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// DueWallets lists wallets with claimable work, longest waiting first.
func (r *QueueRepo) DueWallets(ctx context.Context, limit int) ([]string, error) {
	const q = `
SELECT wallet_address FROM relay_queue
WHERE status = 'PENDING' OR (status = 'FAILED' AND cooldown_until IS NOT NULL AND cooldown_until <= $1)
GROUP BY wallet_address
ORDER BY MIN(created_at)
LIMIT $2`
	rows, err := r.db.Pool.Query(ctx, q, r.now(), repository.Limit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var w string
		if err := rows.Scan(&w); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// RecoverStuck fails back abandoned SENDING claims so they are retried after retryAfter.
func (r *QueueRepo) RecoverStuck(ctx context.Context, maxAge, retryAfter time.Duration) ([]uuid.UUID, error) {
	now := r.now()
	const q = `
UPDATE relay_queue
SET status = 'FAILED', error_message = $2, cooldown_until = $3, sending_since = NULL, updated_at = $4
WHERE status = 'SENDING' AND sending_since < $1
RETURNING id`
	rows, err := r.db.Pool.Query(ctx, q, now.Add(-maxAge), repository.StuckMessage, now.Add(retryAfter), now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *QueueRepo) status(ctx context.Context, id uuid.UUID) (model.QueueStatus, error) {
	var st string
	if err := r.db.Pool.QueryRow(ctx, `SELECT status FROM relay_queue WHERE id = $1`, id).Scan(&st); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", errs.ErrNotFound
		}
		return "", err
	}
	return model.QueueStatus(st), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*model.QueueEntry, error) {
	var (
		e           model.QueueEntry
		status, typ string
	)
	if err := row.Scan(
		&e.ID, &e.WalletAddress, &status, &typ, &e.Payload, &e.TxHash, &e.TaskID, &e.ErrorMessage,
		&e.CooldownUntil, &e.Attempts, &e.SendingSince, &e.CreatedAt, &e.UpdatedAt,
	); err != nil {
		return nil, err
	}
	e.Status, e.Type = model.QueueStatus(status), model.OpType(typ)
	return &e, nil
}
