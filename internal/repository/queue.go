package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/walletrelay/internal/errs"
	"github.com/and161185/walletrelay/internal/model"
)

// MaxErrorMessageLen bounds the stored error_message.
const MaxErrorMessageLen = 2000

// StuckMessage is recorded on entries recovered from an abandoned SENDING claim.
const StuckMessage = "stuck in SENDING"

// QueueRepository is the durable per-wallet relay queue.
//
// At most one entry per wallet is SENDING, and entries of one wallet are
// claimed strictly in creation order: a wallet's head is its oldest entry that
// is PENDING, SENDING, or FAILED with a cooldown, and only the head is ever claimed.
type QueueRepository interface {
	// Enqueue appends a PENDING entry and returns its id.
	Enqueue(ctx context.Context, walletAddress string, typ model.OpType, payload []byte) (uuid.UUID, error)
	// ClaimNextDue moves the wallet's head to SENDING if it is claimable now.
	// It returns nil, nil when nothing is due.
	ClaimNextDue(ctx context.Context, walletAddress string) (*model.QueueEntry, error)
	// MarkConfirmed moves SENDING to CONFIRMED. Repeating it on a CONFIRMED entry is a no-op.
	MarkConfirmed(ctx context.Context, id uuid.UUID, txHash string) error
	// MarkFailed moves SENDING to FAILED. retryAfter > 0 schedules a retry; zero is terminal.
	MarkFailed(ctx context.Context, id uuid.UUID, errorMessage string, retryAfter time.Duration) error
	// SetTaskID records the relay task of a SENDING entry.
	SetTaskID(ctx context.Context, id uuid.UUID, taskID string) error
	// Get loads one entry.
	Get(ctx context.Context, id uuid.UUID) (*model.QueueEntry, error)
	// ListByWallet returns the wallet's entries, newest first.
	ListByWallet(ctx context.Context, walletAddress string, limit int) ([]model.QueueEntry, error)
	// DueWallets lists wallets holding a PENDING entry or an elapsed retry, oldest first.
	DueWallets(ctx context.Context, limit int) ([]string, error)
	// RecoverStuck fails back SENDING entries claimed more than maxAge ago with a retry cooldown.
	RecoverStuck(ctx context.Context, maxAge, retryAfter time.Duration) ([]uuid.UUID, error)
}

// ValidateEnqueue checks Enqueue input shared by all backends.
func ValidateEnqueue(walletAddress string, typ model.OpType, payload []byte) error {
	if walletAddress == "" {
		return fmt.Errorf("empty wallet address: %w", errs.ErrValidation)
	}
	if !typ.Valid() {
		return fmt.Errorf("unknown operation %q: %w", typ, errs.ErrValidation)
	}
	if !json.Valid(payload) {
		return fmt.Errorf("payload is not JSON: %w", errs.ErrValidation)
	}
	return nil
}

// TruncateError clips msg to MaxErrorMessageLen bytes without splitting a UTF-8 sequence.
func TruncateError(msg string) string {
	if len(msg) <= MaxErrorMessageLen {
		return msg
	}
	cut := MaxErrorMessageLen
	for cut > 0 && msg[cut]&0xC0 == 0x80 {
		cut--
	}
	return msg[:cut]
}

// Limit clamps a listing limit to [1, 500], defaulting to 50.
func Limit(n int) int {
	switch {
	case n <= 0:
		return 50
	case n > 500:
		return 500
	}
	return n
}
