package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/walletrelay/internal/chain"
	"github.com/and161185/walletrelay/internal/errs"
	"github.com/and161185/walletrelay/internal/model"
	"github.com/and161185/walletrelay/internal/repository"
)

// TransactionService accepts relay intents from users.
type TransactionService interface {
	// Submit authorizes req with the user's key and enqueues it.
	Submit(ctx context.Context, userID uuid.UUID, pin string, req model.OpRequest) (*model.QueueEntry, error)
	// List returns the user's queue, newest first.
	List(ctx context.Context, userID uuid.UUID, limit int) ([]model.QueueEntry, error)
}

// TransactionConfig holds TransactionService settings.
type TransactionConfig struct {
	ChainID        uint64
	DefaultToken   string
	InlineDispatch bool // dispatch once synchronously after enqueue
}

type TransactionServiceImpl struct {
	pins       PinGateway
	queue      repository.QueueRepository
	dispatcher *Dispatcher
	cfg        TransactionConfig
	log        *zap.Logger
}

// NewTransactionService constructs TransactionService. dispatcher may be nil when inline dispatch is off.
func NewTransactionService(
	pins PinGateway, queue repository.QueueRepository, dispatcher *Dispatcher, cfg TransactionConfig, log *zap.Logger,
) *TransactionServiceImpl {
	if log == nil {
		log = zap.NewNop()
	}
	return &TransactionServiceImpl{pins: pins, queue: queue, dispatcher: dispatcher, cfg: cfg, log: log}
}

// ValidateRequest checks an intent before any PIN work is done.
func ValidateRequest(req model.OpRequest) error {
	if !req.Type.Valid() {
		return fmt.Errorf("operation %q: %w", req.Type, errs.ErrValidation)
	}
	if !chain.IsAddress(model.NormalizeAddress(req.To)) {
		return fmt.Errorf("to address %q: %w", req.To, errs.ErrValidation)
	}
	if req.Token != "" && !chain.IsAddress(model.NormalizeAddress(req.Token)) {
		return fmt.Errorf("token address %q: %w", req.Token, errs.ErrValidation)
	}
	if req.Type == model.OpTransferFrom && !chain.IsAddress(model.NormalizeAddress(req.Owner)) {
		return fmt.Errorf("owner address %q: %w", req.Owner, errs.ErrValidation)
	}
	if _, err := chain.ParseAmount(req.Amount); err != nil {
		return err
	}
	return nil
}

// Submit unlocks the key, signs the intent, enqueues it and optionally dispatches once.
// A terminal relay failure of the new entry is reported as errs.ErrRelayPermanent alongside the entry.
func (s *TransactionServiceImpl) Submit(
	ctx context.Context, userID uuid.UUID, pin string, req model.OpRequest,
) (*model.QueueEntry, error) {
	if err := ValidateRequest(req); err != nil {
		return nil, err
	}
	key, err := s.pins.Unlock(ctx, userID, pin)
	if err != nil {
		return nil, err
	}
	wallet := key.Address()
	p, err := chain.Authorize(key, s.cfg.ChainID, s.cfg.DefaultToken, req)
	key.Close()
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	id, err := s.queue.Enqueue(ctx, wallet, req.Type, payload)
	if err != nil {
		return nil, err
	}
	s.log.Info("transaction queued",
		zap.String("entry_id", id.String()), zap.String("wallet", wallet), zap.String("type", string(req.Type)))

	if s.cfg.InlineDispatch && s.dispatcher != nil {
		if _, err := s.dispatcher.DispatchNext(ctx, wallet); err != nil {
			s.log.Warn("inline dispatch", zap.String("wallet", wallet), zap.Error(err))
		}
	}

	e, err := s.queue.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Terminal() && e.Status == model.StatusFailed {
		msg := ""
		if e.ErrorMessage != nil {
			msg = *e.ErrorMessage
		}
		return e, fmt.Errorf("%s: %w", msg, errs.ErrRelayPermanent)
	}
	return e, nil
}

// List returns the user's wallet queue.
func (s *TransactionServiceImpl) List(ctx context.Context, userID uuid.UUID, limit int) ([]model.QueueEntry, error) {
	wallet, err := s.pins.Wallet(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.queue.ListByWallet(ctx, wallet, limit)
}
