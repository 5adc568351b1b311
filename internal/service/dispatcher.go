package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/and161185/walletrelay/internal/chain"
	"github.com/and161185/walletrelay/internal/errs"
	"github.com/and161185/walletrelay/internal/events"
	"github.com/and161185/walletrelay/internal/metrics"
	"github.com/and161185/walletrelay/internal/model"
	"github.com/and161185/walletrelay/internal/relay"
	"github.com/and161185/walletrelay/internal/repository"
)

// DispatcherConfig tunes relay submission and retry.
type DispatcherConfig struct {
	ChainID          uint64
	SubmitTimeout    time.Duration // bound on submit plus status polling; default 30s
	PollInterval     time.Duration // default 2s
	RetryBase        time.Duration // first retry delay; default 30s
	RetryMax         time.Duration // default 30m
	MaxAttempts      int           // claims before a transient failure turns terminal; 0 means unbounded
	StuckAfter       time.Duration // default 5m
	DrainConcurrency int           // wallets dispatched in parallel; default 8
	DrainBatch       int           // wallets per drain pass; default 100
	Now              func() time.Time
}

func (c *DispatcherConfig) defaults() {
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = 30 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 30 * time.Second
	}
	if c.RetryMax < c.RetryBase {
		c.RetryMax = max(30*time.Minute, c.RetryBase)
	}
	if c.StuckAfter <= 0 {
		c.StuckAfter = 5 * time.Minute
	}
	if c.DrainConcurrency <= 0 {
		c.DrainConcurrency = 8
	}
	if c.DrainBatch <= 0 {
		c.DrainBatch = 100
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Outcome is the result of one dispatch attempt.
type Outcome struct {
	Entry      *model.QueueEntry
	Status     model.QueueStatus // CONFIRMED or FAILED
	TxHash     string
	RetryAfter time.Duration // > 0 when a retry was scheduled
	Err        error         // relay failure, if any
}

// Dispatcher moves claimed queue entries through the relay.
type Dispatcher struct {
	queue   repository.QueueRepository
	relayer relay.Relayer
	pub     events.Publisher
	metrics *metrics.Metrics
	log     *zap.Logger
	cfg     DispatcherConfig
}

// NewDispatcher constructs a Dispatcher. pub, m and log may be nil.
func NewDispatcher(
	queue repository.QueueRepository, relayer relay.Relayer, pub events.Publisher,
	m *metrics.Metrics, log *zap.Logger, cfg DispatcherConfig,
) *Dispatcher {
	cfg.defaults()
	if log == nil {
		log = zap.NewNop()
	}
	if pub == nil {
		pub = &events.Fallback{}
	}
	return &Dispatcher{queue: queue, relayer: relayer, pub: pub, metrics: m, log: log, cfg: cfg}
}

// Backoff returns the cooldown after the given number of claims: base·2^(attempts−1), capped.
func (d *Dispatcher) Backoff(attempts int) time.Duration {
	delay := d.cfg.RetryBase
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= d.cfg.RetryMax || delay <= 0 {
			return d.cfg.RetryMax
		}
	}
	return min(delay, d.cfg.RetryMax)
}

// Dispatch relays one SENDING entry and records the outcome on it.
// Relay failures are reported in Outcome; the error is reserved for store failures.
func (d *Dispatcher) Dispatch(ctx context.Context, e *model.QueueEntry) (Outcome, error) {
	if e.Status != model.StatusSending {
		return Outcome{}, fmt.Errorf("dispatch %s entry: %w", e.Status, errs.ErrInvalidTransition)
	}
	// outcomes are recorded even if the caller goes away
	store := context.WithoutCancel(ctx)

	if d.cfg.MaxAttempts > 0 && e.Attempts > d.cfg.MaxAttempts {
		return d.fail(store, e, relay.Permanentf("dispatch", "max attempts (%d) exceeded", d.cfg.MaxAttempts))
	}
	req, err := d.request(e)
	if err != nil {
		return d.fail(store, e, err)
	}

	callCtx, cancel := context.WithTimeout(store, d.cfg.SubmitTimeout)
	defer cancel()

	// a task from an earlier attempt may still land; follow it instead of sending the operation twice
	if e.TaskID != nil && *e.TaskID != "" {
		hash, err := d.await(callCtx, *e.TaskID)
		switch {
		case err == nil:
			return d.confirm(store, e, hash)
		case !relay.TaskGone(err):
			return d.fail(store, e, err)
		}
		d.log.Info("relay task gone, resubmitting",
			zap.String("entry_id", e.ID.String()), zap.String("task_id", *e.TaskID), zap.Error(err))
	}

	start := d.cfg.Now()
	res, err := d.relayer.Submit(callCtx, req)
	d.metrics.ObserveSubmit(d.cfg.Now().Sub(start))
	if err != nil {
		return d.fail(store, e, err)
	}
	if err := d.queue.SetTaskID(store, e.ID, res.TaskID); err != nil {
		return Outcome{}, err
	}

	hash := res.Hash
	if hash == "" {
		hash, err = d.await(callCtx, res.TaskID)
		if err != nil {
			return d.fail(store, e, err)
		}
	}
	return d.confirm(store, e, hash)
}

// request decodes the payload and checks it was authorized by the entry's wallet.
func (d *Dispatcher) request(e *model.QueueEntry) (relay.Request, error) {
	var p model.OpPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return relay.Request{}, relay.Permanentf("dispatch", "bad payload: %v", err)
	}
	signer, err := chain.RecoverSigner(d.cfg.ChainID, e.Type, p)
	if err != nil {
		return relay.Request{}, relay.Permanentf("dispatch", "bad authorization: %v", err)
	}
	if signer != model.NormalizeAddress(e.WalletAddress) {
		return relay.Request{}, relay.Permanentf("dispatch", "authorization not signed by wallet")
	}
	req, err := chain.RelayRequest(d.cfg.ChainID, e.WalletAddress, e.Type, p)
	if err != nil {
		return relay.Request{}, relay.Permanentf("dispatch", "bad payload: %v", err)
	}
	return req, nil
}

// await polls the task until it has a hash, reaches a final state, or ctx expires.
// A cancelled or unknown task yields an error matching relay.TaskGone.
func (d *Dispatcher) await(ctx context.Context, taskID string) (string, error) {
	t := time.NewTicker(d.cfg.PollInterval)
	defer t.Stop()
	for {
		st, err := d.relayer.TaskStatus(ctx, taskID)
		switch {
		case err != nil && relay.TaskGone(err):
			return "", &relay.Error{Kind: relay.Permanent, Op: "status", Msg: "unknown task " + taskID, Err: relay.ErrTaskGone}
		case err != nil && relay.Classify(err) == relay.Permanent:
			return "", err
		case err != nil:
			d.log.Debug("task status", zap.String("task_id", taskID), zap.Error(err))
		case st.Done():
			return finalHash(taskID, st)
		case st.Hash != "":
			return st.Hash, nil
		}
		select {
		case <-ctx.Done():
			return "", &relay.Error{Kind: relay.Transient, Op: "status", Msg: "no transaction hash for task " + taskID, Err: ctx.Err()}
		case <-t.C:
		}
	}
}

// finalHash interprets a task in a final state.
func finalHash(taskID string, st relay.TaskStatus) (string, error) {
	switch st.State {
	case relay.TaskExecSuccess:
		if st.Hash == "" {
			// executed on chain: retry only looks the hash up again, never resubmits
			return "", &relay.Error{Kind: relay.Transient, Op: "status", Msg: "task " + taskID + " succeeded without a transaction hash"}
		}
		return st.Hash, nil
	case relay.TaskCancelled:
		return "", &relay.Error{Kind: relay.Permanent, Op: "status", Msg: fmt.Sprintf("task %s cancelled: %s", taskID, st.Message), Err: relay.ErrTaskGone}
	default:
		return "", relay.Permanentf("status", "task %s %s: %s", taskID, st.State, st.Message)
	}
}

func (d *Dispatcher) confirm(ctx context.Context, e *model.QueueEntry, hash string) (Outcome, error) {
	if err := d.queue.MarkConfirmed(ctx, e.ID, hash); err != nil {
		return Outcome{}, err
	}
	d.metrics.Dispatch(metrics.OutcomeConfirmed)
	d.log.Info("relay confirmed", zap.String("entry_id", e.ID.String()), zap.String("tx_hash", hash))
	d.publish(ctx, events.RelayConfirmed, e, model.StatusConfirmed, hash, "", nil)
	return Outcome{Entry: e, Status: model.StatusConfirmed, TxHash: hash}, nil
}

// fail records a relay failure: transient ones get a backoff cooldown until attempts run out.
func (d *Dispatcher) fail(ctx context.Context, e *model.QueueEntry, cause error) (Outcome, error) {
	retry := time.Duration(0)
	if relay.Classify(cause) == relay.Transient && (d.cfg.MaxAttempts <= 0 || e.Attempts < d.cfg.MaxAttempts) {
		retry = d.Backoff(e.Attempts)
	}
	msg := cause.Error()
	if err := d.queue.MarkFailed(ctx, e.ID, msg, retry); err != nil {
		return Outcome{}, err
	}
	out := Outcome{Entry: e, Status: model.StatusFailed, RetryAfter: retry, Err: cause}
	if retry > 0 {
		at := d.cfg.Now().Add(retry)
		d.metrics.Dispatch(metrics.OutcomeRetry)
		d.log.Warn("relay retry scheduled",
			zap.String("entry_id", e.ID.String()), zap.Int("attempts", e.Attempts),
			zap.Duration("retry_after", retry), zap.Error(cause))
		d.publish(ctx, events.RelayRetryScheduled, e, model.StatusFailed, "", msg, &at)
		return out, nil
	}
	d.metrics.Dispatch(metrics.OutcomeFailed)
	d.log.Error("relay failed", zap.String("entry_id", e.ID.String()), zap.Int("attempts", e.Attempts), zap.Error(cause))
	d.publish(ctx, events.RelayFailed, e, model.StatusFailed, "", msg, nil)
	return out, nil
}

func (d *Dispatcher) publish(ctx context.Context, key string, e *model.QueueEntry, st model.QueueStatus, hash, msg string, retryAt *time.Time) {
	ev := events.RelayOutcome{
		EntryID:   e.ID.String(),
		Wallet:    e.WalletAddress,
		Type:      string(e.Type),
		Status:    string(st),
		TxHash:    hash,
		Error:     msg,
		Attempts:  e.Attempts,
		RetryAt:   retryAt,
		Timestamp: d.cfg.Now(),
	}
	if err := d.pub.Publish(ctx, key, ev); err != nil {
		d.log.Warn("publish outcome", zap.String("routing_key", key), zap.Error(err))
	}
}

// DispatchNext claims the wallet's due head and dispatches it. It returns nil when nothing was due.
func (d *Dispatcher) DispatchNext(ctx context.Context, wallet string) (*Outcome, error) {
	e, err := d.queue.ClaimNextDue(ctx, wallet)
	if err != nil {
		if errors.Is(err, errs.ErrQueueConflict) {
			return nil, nil
		}
		return nil, err
	}
	if e == nil {
		return nil, nil
	}
	out, err := d.Dispatch(ctx, e)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Drain dispatches every due wallet: wallets in parallel, each wallet's entries in order.
// A wallet stops at its first scheduled retry. It returns the number of dispatched entries.
func (d *Dispatcher) Drain(ctx context.Context) (int, error) {
	wallets, err := d.queue.DueWallets(ctx, d.cfg.DrainBatch)
	if err != nil {
		return 0, err
	}
	var n atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.DrainConcurrency)
	for _, w := range wallets {
		g.Go(func() error {
			for gctx.Err() == nil {
				out, err := d.DispatchNext(gctx, w)
				if err != nil {
					d.log.Error("drain wallet", zap.String("wallet", w), zap.Error(err))
					return nil
				}
				if out == nil {
					return nil
				}
				n.Add(1)
				if out.RetryAfter > 0 {
					return nil
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	return int(n.Load()), ctx.Err()
}

// RecoverStuck releases SENDING claims older than StuckAfter for a retry after RetryBase.
func (d *Dispatcher) RecoverStuck(ctx context.Context) (int, error) {
	ids, err := d.queue.RecoverStuck(ctx, d.cfg.StuckAfter, d.cfg.RetryBase)
	if err != nil {
		return 0, err
	}
	d.metrics.Recovered(len(ids))
	for _, id := range ids {
		d.log.Warn("recovered stuck entry", zap.String("entry_id", id.String()))
	}
	return len(ids), nil
}
