package otp

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/walletrelay/internal/errs"
	"github.com/and161185/walletrelay/internal/events"
)

type recordPub struct {
	mu   sync.Mutex
	keys []string
	last events.OTPIssuedEvent
	err  error
}

func (p *recordPub) Publish(_ context.Context, key string, body any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.keys = append(p.keys, key)
	p.last = body.(events.OTPIssuedEvent)
	return nil
}

func (p *recordPub) Close() {}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func TestGate_IssueAndVerifyOnce(t *testing.T) {
	pub := &recordPub{}
	c := &clock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	g := NewMemory(pub, zaptest.NewLogger(t), WithClock(c.now))
	ctx := context.Background()

	code, err := g.Issue(ctx, "User@Example.com")
	require.NoError(t, err)
	require.Len(t, code, CodeLen)
	require.Equal(t, []string{events.OTPIssued}, pub.keys)
	require.Equal(t, code, pub.last.Code)
	require.Equal(t, PurposePinReset, pub.last.Purpose)
	require.Equal(t, c.t.Add(DefaultTTL), pub.last.ExpiresAt)

	ok, err := g.Verify(ctx, "user@example.com", code)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = g.Verify(ctx, "user@example.com", code)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestGate_WrongCodeConsumes(t *testing.T) {
	g := NewMemory(&recordPub{}, zaptest.NewLogger(t))
	ctx := context.Background()
	code, err := g.Issue(ctx, "u1")
	require.NoError(t, err)

	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}
	ok, err := g.Verify(ctx, "u1", wrong)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = g.Verify(ctx, "u1", code)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestGate_Expiry(t *testing.T) {
	c := &clock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	g := NewMemory(&recordPub{}, zaptest.NewLogger(t), WithClock(c.now), WithTTL(time.Minute))
	ctx := context.Background()
	code, err := g.Issue(ctx, "u1")
	require.NoError(t, err)

	c.t = c.t.Add(time.Minute)
	ok, err := g.Verify(ctx, "u1", code)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestGate_ReissueReplaces(t *testing.T) {
	g := NewMemory(&recordPub{}, zaptest.NewLogger(t))
	ctx := context.Background()
	first, err := g.Issue(ctx, "u1")
	require.NoError(t, err)
	second, err := g.Issue(ctx, "u1")
	require.NoError(t, err)

	if first != second {
		ok, err := g.Verify(ctx, "u1", first)
		require.NoError(t, err)
		require.False(t, ok)
		return
	}
	ok, err := g.Verify(ctx, "u1", second)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestGate_Validation(t *testing.T) {
	g := NewMemory(&recordPub{}, zaptest.NewLogger(t))
	_, err := g.Issue(context.Background(), "  ")
	require.ErrorIs(t, err, errs.ErrValidation)

	ok, err := g.Verify(context.Background(), "u1", "12345")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestGate_PublishFailure(t *testing.T) {
	g := NewMemory(&recordPub{err: errors.New("broker down")}, zaptest.NewLogger(t))
	_, err := g.Issue(context.Background(), "u1")
	require.ErrorContains(t, err, "broker down")
}

type brokenRedis struct{}

func (brokenRedis) Set(context.Context, string, any, time.Duration) *redis.StatusCmd {
	return redis.NewStatusResult("", errors.New("connection refused"))
}

func (brokenRedis) GetDel(context.Context, string) *redis.StringCmd {
	return redis.NewStringResult("", errors.New("connection refused"))
}

func TestGate_RedisErrors(t *testing.T) {
	g := newGate(brokenRedis{}, &recordPub{}, zaptest.NewLogger(t))
	_, err := g.Issue(context.Background(), "u1")
	require.ErrorContains(t, err, "store otp")

	_, err = g.Verify(context.Background(), "u1", "123456")
	require.ErrorContains(t, err, "redeem otp")
}

func TestNewClient(t *testing.T) {
	c, err := NewClient("redis://localhost:6379/2")
	require.NoError(t, err)
	require.Equal(t, 2, c.Options().DB)
	require.NoError(t, c.Close())

	_, err = NewClient("http://nope")
	require.Error(t, err)
}
