package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/walletrelay/internal/chain"
	pkgcrypto "github.com/and161185/walletrelay/internal/crypto"
	"github.com/and161185/walletrelay/internal/crypto/vault"
	"github.com/and161185/walletrelay/internal/limiter"
	"github.com/and161185/walletrelay/internal/model"
	"github.com/and161185/walletrelay/internal/relay"
	"github.com/and161185/walletrelay/internal/repository/memory"
)

const (
	testChainID = uint64(137)
	testToken   = "0x2791bca1f2de4661ed88a30c99a7a9449aa84174"
	testTo      = "0x1111111111111111111111111111111111111111"
	testIters   = 1000
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type gatewayFixture struct {
	clock *fakeClock
	creds *memory.Credentials
	lock  *limiter.Memory
	vault *vault.Vault
	gw    *PinGatewayImpl
}

func newGateway(t *testing.T) *gatewayFixture {
	t.Helper()
	clock := newFakeClock()
	f := &gatewayFixture{
		clock: clock,
		creds: memory.NewCredentials(clock.Now),
		lock:  limiter.NewMemory(3, 24*time.Hour, limiter.WithClock(clock.Now)),
		vault: vault.NewWithIterations(nil, testIters),
	}
	f.gw = NewPinGateway(f.creds, f.lock, pkgcrypto.NewHasherWithIterations(nil, testIters), f.vault, PinConfig{
		MaxAttempts: 3,
		Now:         clock.Now,
		Log:         zaptest.NewLogger(t),
	})
	return f
}

func newUser(t *testing.T) uuid.UUID {
	t.Helper()
	return uuid.Must(uuid.NewV4())
}

// fakeRelayer answers Submit with result or submitErr, then walks statuses on TaskStatus.
type fakeRelayer struct {
	mu        sync.Mutex
	result    relay.Result
	submitErr error
	statuses  []relay.TaskStatus
	statusErr error
	submitted []relay.Request
	polls     int
}

func (f *fakeRelayer) Submit(_ context.Context, req relay.Request) (relay.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, req)
	if f.submitErr != nil {
		return relay.Result{}, f.submitErr
	}
	return f.result, nil
}

func (f *fakeRelayer) TaskStatus(_ context.Context, taskID string) (relay.TaskStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if f.statusErr != nil {
		return relay.TaskStatus{}, f.statusErr
	}
	if len(f.statuses) == 0 {
		return relay.TaskStatus{TaskID: taskID, State: relay.TaskExecPending}, nil
	}
	st := f.statuses[0]
	if len(f.statuses) > 1 {
		f.statuses = f.statuses[1:]
	}
	return st, nil
}

func (f *fakeRelayer) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submitted)
}

type published struct {
	key  string
	body any
}

type fakePublisher struct {
	mu   sync.Mutex
	sent []published
}

func (p *fakePublisher) Publish(_ context.Context, key string, body any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, published{key: key, body: body})
	return nil
}

func (p *fakePublisher) Close() {}

func (p *fakePublisher) keys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.sent))
	for _, s := range p.sent {
		out = append(out, s.key)
	}
	return out
}

func newKey(t *testing.T) *chain.Key {
	t.Helper()
	key, keyText, err := chain.GenerateKey()
	require.NoError(t, err)
	vault.Zero(keyText)
	t.Cleanup(key.Close)
	return key
}

// enqueueSigned authorizes a transfer with key and enqueues it.
func enqueueSigned(t *testing.T, q *memory.Queue, key *chain.Key, amount string) uuid.UUID {
	t.Helper()
	p, err := chain.Authorize(key, testChainID, testToken, model.OpRequest{
		Type: model.OpTransfer, To: testTo, Amount: amount,
	})
	require.NoError(t, err)
	raw, err := json.Marshal(p)
	require.NoError(t, err)
	id, err := q.Enqueue(context.Background(), key.Address(), model.OpTransfer, raw)
	require.NoError(t, err)
	return id
}
