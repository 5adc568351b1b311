package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/walletrelay/internal/chain"
	"github.com/and161185/walletrelay/internal/errs"
	"github.com/and161185/walletrelay/internal/model"
	"github.com/and161185/walletrelay/internal/relay"
	"github.com/and161185/walletrelay/internal/repository/memory"
)

type txFixture struct {
	*gatewayFixture
	queue   *memory.Queue
	relayer *fakeRelayer
	svc     *TransactionServiceImpl
}

func newTxFixture(t *testing.T, inline bool) *txFixture {
	t.Helper()
	g := newGateway(t)
	f := &txFixture{
		gatewayFixture: g,
		queue:          memory.NewQueue(g.clock.Now),
		relayer:        &fakeRelayer{result: relay.Result{TaskID: "task-1", Hash: "0xfeed"}},
	}
	d := NewDispatcher(f.queue, f.relayer, nil, nil, zaptest.NewLogger(t), DispatcherConfig{
		ChainID:       testChainID,
		SubmitTimeout: 200 * time.Millisecond,
		PollInterval:  time.Millisecond,
		Now:           g.clock.Now,
	})
	f.svc = NewTransactionService(g.gw, f.queue, d, TransactionConfig{
		ChainID:        testChainID,
		DefaultToken:   testToken,
		InlineDispatch: inline,
	}, zaptest.NewLogger(t))
	return f
}

func transfer(amount string) model.OpRequest {
	return model.OpRequest{Type: model.OpTransfer, To: testTo, Amount: amount}
}

func TestValidateRequest(t *testing.T) {
	owner := "0x2222222222222222222222222222222222222222"
	ok := []model.OpRequest{
		transfer("1"),
		{Type: model.OpApprove, To: testTo, Amount: "115792089237316195423570985008687907853269984665640564039457584007913129639935"},
		{Type: model.OpTransferFrom, To: testTo, Owner: owner, Amount: "10", Token: testToken},
	}
	for _, r := range ok {
		require.NoError(t, ValidateRequest(r), r)
	}
	bad := []model.OpRequest{
		{Type: "mint", To: testTo, Amount: "1"},
		{Type: model.OpTransfer, To: "1111111111111111111111111111111111111111", Amount: "1"},
		{Type: model.OpTransfer, To: testTo, Amount: "0"},
		{Type: model.OpTransfer, To: testTo, Amount: "-5"},
		{Type: model.OpTransfer, To: testTo, Amount: "1.5"},
		{Type: model.OpTransfer, To: testTo, Amount: "1", Token: "0xnope"},
		{Type: model.OpTransferFrom, To: testTo, Amount: "1"},
	}
	for _, r := range bad {
		require.ErrorIs(t, ValidateRequest(r), errs.ErrValidation, r)
	}
}

func TestTransactionService_SubmitQueuesSignedEntry(t *testing.T) {
	f := newTxFixture(t, false)
	ctx := context.Background()
	user := newUser(t)
	wallet, err := f.gw.SetPin(ctx, user, "4821")
	require.NoError(t, err)

	e, err := f.svc.Submit(ctx, user, "4821", transfer("2500"))
	require.NoError(t, err)
	require.Equal(t, model.StatusPending, e.Status)
	require.Equal(t, wallet, e.WalletAddress)
	require.Equal(t, model.OpTransfer, e.Type)
	require.Zero(t, f.relayer.calls())

	var p model.OpPayload
	require.NoError(t, json.Unmarshal(e.Payload, &p))
	require.Equal(t, testToken, p.Token)
	require.Equal(t, "2500", p.Amount)
	signer, err := chain.RecoverSigner(testChainID, e.Type, p)
	require.NoError(t, err)
	require.Equal(t, wallet, signer)
}

func TestTransactionService_SubmitInlineDispatch(t *testing.T) {
	f := newTxFixture(t, true)
	ctx := context.Background()
	user := newUser(t)
	_, err := f.gw.SetPin(ctx, user, "4821")
	require.NoError(t, err)

	e, err := f.svc.Submit(ctx, user, "4821", transfer("1"))
	require.NoError(t, err)
	require.Equal(t, model.StatusConfirmed, e.Status)
	require.Equal(t, "0xfeed", *e.TxHash)
}

func TestTransactionService_SubmitTransientFailureKeepsEntry(t *testing.T) {
	f := newTxFixture(t, true)
	f.relayer.submitErr = &relay.Error{Kind: relay.Transient, Op: "submit", Code: 502, Msg: "bad gateway"}
	ctx := context.Background()
	user := newUser(t)
	_, err := f.gw.SetPin(ctx, user, "4821")
	require.NoError(t, err)

	e, err := f.svc.Submit(ctx, user, "4821", transfer("1"))
	require.NoError(t, err)
	require.True(t, e.Retryable())
}

func TestTransactionService_SubmitPermanentFailure(t *testing.T) {
	f := newTxFixture(t, true)
	f.relayer.submitErr = relay.Permanentf("submit", "invalid recipient")
	ctx := context.Background()
	user := newUser(t)
	_, err := f.gw.SetPin(ctx, user, "4821")
	require.NoError(t, err)

	e, err := f.svc.Submit(ctx, user, "4821", transfer("1"))
	require.ErrorIs(t, err, errs.ErrRelayPermanent)
	require.NotNil(t, e)
	require.True(t, e.Terminal())
	require.Contains(t, err.Error(), "invalid recipient")
}

func TestTransactionService_SubmitWrongPin(t *testing.T) {
	f := newTxFixture(t, true)
	ctx := context.Background()
	user := newUser(t)
	wallet, err := f.gw.SetPin(ctx, user, "4821")
	require.NoError(t, err)

	_, err = f.svc.Submit(ctx, user, "0000", transfer("1"))
	require.ErrorIs(t, err, errs.ErrInvalidPinOrCorruptData)

	list, err := f.queue.ListByWallet(ctx, wallet, 10)
	require.NoError(t, err)
	require.Empty(t, list)
}

func TestTransactionService_SubmitInvalidRequestSkipsPinCheck(t *testing.T) {
	f := newTxFixture(t, false)
	ctx := context.Background()
	user := newUser(t)
	_, err := f.gw.SetPin(ctx, user, "4821")
	require.NoError(t, err)

	_, err = f.svc.Submit(ctx, user, "0000", model.OpRequest{Type: model.OpTransfer, To: "nope", Amount: "1"})
	require.ErrorIs(t, err, errs.ErrValidation)

	st, err := f.lock.State(ctx, user)
	require.NoError(t, err)
	require.Zero(t, st.FailedAttempts)
}

func TestTransactionService_List(t *testing.T) {
	f := newTxFixture(t, false)
	ctx := context.Background()
	user := newUser(t)
	_, err := f.gw.SetPin(ctx, user, "4821")
	require.NoError(t, err)

	var ids []string
	for _, amt := range []string{"1", "2", "3"} {
		e, err := f.svc.Submit(ctx, user, "4821", transfer(amt))
		require.NoError(t, err)
		ids = append(ids, e.ID.String())
		f.clock.Advance(time.Second)
	}

	list, err := f.svc.List(ctx, user, 2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, ids[2], list[0].ID.String())
	require.Equal(t, ids[1], list[1].ID.String())

	_, err = f.svc.List(ctx, newUser(t), 10)
	require.ErrorIs(t, err, errs.ErrNoPinSet)
}
