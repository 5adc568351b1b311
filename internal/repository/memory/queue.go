package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/walletrelay/internal/errs"
	"github.com/and161185/walletrelay/internal/model"
	"github.com/and161185/walletrelay/internal/repository"
)

// Queue is an in-memory QueueRepository with the same claim rules as the SQL one.
type Queue struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*model.QueueEntry
	order   map[string][]uuid.UUID // per wallet, creation order
	now     Clock
}

// NewQueue constructs an empty queue. A nil clock means time.Now.
func NewQueue(now Clock) *Queue {
	return &Queue{
		entries: make(map[uuid.UUID]*model.QueueEntry),
		order:   make(map[string][]uuid.UUID),
		now:     clockOrNow(now),
	}
}

func open(e *model.QueueEntry) bool {
	return e.Status == model.StatusPending || e.Status == model.StatusSending || e.Retryable()
}

// Enqueue appends a PENDING entry.
func (q *Queue) Enqueue(_ context.Context, walletAddress string, typ model.OpType, payload []byte) (uuid.UUID, error) {
	wallet := model.NormalizeAddress(walletAddress)
	if err := repository.ValidateEnqueue(wallet, typ, payload); err != nil {
		return uuid.Nil, err
	}
	id, err := uuid.NewV4()
	if err != nil {
		return uuid.Nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	q.entries[id] = &model.QueueEntry{
		ID:            id,
		WalletAddress: wallet,
		Status:        model.StatusPending,
		Type:          typ,
		Payload:       append([]byte(nil), payload...),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	q.order[wallet] = append(q.order[wallet], id)
	return id, nil
}

// ClaimNextDue claims the wallet's head if it is due.
func (q *Queue) ClaimNextDue(_ context.Context, walletAddress string) (*model.QueueEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	head := q.head(model.NormalizeAddress(walletAddress))
	if head == nil || head.Status == model.StatusSending {
		return nil, nil
	}
	now := q.now()
	if head.CooldownUntil != nil && now.Before(*head.CooldownUntil) {
		return nil, nil
	}
	head.Status = model.StatusSending
	head.Attempts++
	head.SendingSince = &now
	head.CooldownUntil = nil
	head.UpdatedAt = now
	return clone(head), nil
}

func (q *Queue) head(wallet string) *model.QueueEntry {
	for _, id := range q.order[wallet] {
		if e := q.entries[id]; open(e) {
			return e
		}
	}
	return nil
}

// MarkConfirmed moves SENDING to CONFIRMED.
func (q *Queue) MarkConfirmed(_ context.Context, id uuid.UUID, txHash string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[id]
	if !ok {
		return errs.ErrNotFound
	}
	switch e.Status {
	case model.StatusConfirmed:
		return nil
	case model.StatusSending:
	default:
		return fmt.Errorf("confirm %s entry: %w", e.Status, errs.ErrInvalidTransition)
	}
	e.Status = model.StatusConfirmed
	e.TxHash = &txHash
	e.ErrorMessage, e.CooldownUntil, e.SendingSince = nil, nil, nil
	e.UpdatedAt = q.now()
	return nil
}

// MarkFailed moves SENDING to FAILED.
func (q *Queue) MarkFailed(_ context.Context, id uuid.UUID, errorMessage string, retryAfter time.Duration) error {
	if retryAfter < 0 {
		return fmt.Errorf("negative retryAfter: %w", errs.ErrValidation)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[id]
	if !ok {
		return errs.ErrNotFound
	}
	if e.Status != model.StatusSending {
		return fmt.Errorf("fail %s entry: %w", e.Status, errs.ErrInvalidTransition)
	}
	now := q.now()
	msg := repository.TruncateError(errorMessage)
	e.Status = model.StatusFailed
	e.ErrorMessage = &msg
	e.CooldownUntil = nil
	if retryAfter > 0 {
		t := now.Add(retryAfter)
		e.CooldownUntil = &t
	}
	e.SendingSince = nil
	e.UpdatedAt = now
	return nil
}

// SetTaskID records the relay task of a SENDING entry.
func (q *Queue) SetTaskID(_ context.Context, id uuid.UUID, taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[id]
	if !ok {
		return errs.ErrNotFound
	}
	if e.Status != model.StatusSending {
		return fmt.Errorf("set task on %s entry: %w", e.Status, errs.ErrInvalidTransition)
	}
	e.TaskID = &taskID
	e.UpdatedAt = q.now()
	return nil
}

// Get returns a copy of one entry.
func (q *Queue) Get(_ context.Context, id uuid.UUID) (*model.QueueEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return clone(e), nil
}

// ListByWallet returns the wallet's entries, newest first.
func (q *Queue) ListByWallet(_ context.Context, walletAddress string, limit int) ([]model.QueueEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := q.order[model.NormalizeAddress(walletAddress)]
	limit = repository.Limit(limit)
	out := make([]model.QueueEntry, 0, min(limit, len(ids)))
	for i := len(ids) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, *clone(q.entries[ids[i]]))
	}
	return out, nil
}

// DueWallets lists wallets with a PENDING entry or an elapsed retry.
func (q *Queue) DueWallets(_ context.Context, limit int) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	type due struct {
		wallet string
		oldest time.Time
	}
	var ws []due
	for wallet, ids := range q.order {
		var oldest time.Time
		found := false
		for _, id := range ids {
			e := q.entries[id]
			if e.Status == model.StatusPending || (e.Retryable() && !now.Before(*e.CooldownUntil)) {
				oldest, found = e.CreatedAt, true
				break
			}
		}
		if found {
			ws = append(ws, due{wallet, oldest})
		}
	}
	sort.Slice(ws, func(i, j int) bool { return ws[i].oldest.Before(ws[j].oldest) })
	limit = repository.Limit(limit)
	out := make([]string, 0, min(limit, len(ws)))
	for _, w := range ws {
		if len(out) == limit {
			break
		}
		out = append(out, w.wallet)
	}
	return out, nil
}

// RecoverStuck fails back SENDING entries older than maxAge.
func (q *Queue) RecoverStuck(_ context.Context, maxAge, retryAfter time.Duration) ([]uuid.UUID, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	cutoff := now.Add(-maxAge)
	var ids []uuid.UUID
	for id, e := range q.entries {
		if e.Status != model.StatusSending || e.SendingSince == nil || !e.SendingSince.Before(cutoff) {
			continue
		}
		msg := repository.StuckMessage
		until := now.Add(retryAfter)
		e.Status = model.StatusFailed
		e.ErrorMessage = &msg
		e.CooldownUntil = &until
		e.SendingSince = nil
		e.UpdatedAt = now
		ids = append(ids, id)
	}
	return ids, nil
}

func clone(e *model.QueueEntry) *model.QueueEntry {
	c := *e
	c.Payload = append([]byte(nil), e.Payload...)
	return &c
}
