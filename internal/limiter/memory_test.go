package limiter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"
)

type manualClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestMemory_LocksOnThirdFailure(t *testing.T) {
	clk := &manualClock{t: fixedNow}
	m := NewMemory(3, 24*time.Hour, WithClock(clk.Now))
	ctx := context.Background()
	user := uuid.Must(uuid.NewV4())

	for i := 1; i <= 2; i++ {
		st, err := m.Failure(ctx, user)
		require.NoError(t, err)
		require.Equal(t, i, st.FailedAttempts)
		require.False(t, st.Locked(clk.Now()))
	}
	st, err := m.Failure(ctx, user)
	require.NoError(t, err)
	require.True(t, st.Locked(clk.Now()))
	require.Equal(t, fixedNow.Add(24*time.Hour), *st.LockedUntil)

	// success during the lock does not reset
	st, err = m.Success(ctx, user)
	require.NoError(t, err)
	require.True(t, st.Locked(clk.Now()))

	// further failures keep the original window
	st, err = m.Failure(ctx, user)
	require.NoError(t, err)
	require.Equal(t, fixedNow.Add(24*time.Hour), *st.LockedUntil)
}

func TestMemory_ElapsedLockRestarts(t *testing.T) {
	clk := &manualClock{t: fixedNow}
	m := NewMemory(3, time.Hour, WithClock(clk.Now))
	ctx := context.Background()
	user := uuid.Must(uuid.NewV4())

	for i := 0; i < 3; i++ {
		_, err := m.Failure(ctx, user)
		require.NoError(t, err)
	}
	clk.Advance(time.Hour)

	st, err := m.State(ctx, user)
	require.NoError(t, err)
	require.Zero(t, st.FailedAttempts)
	require.Nil(t, st.LockedUntil)

	st, err = m.Failure(ctx, user)
	require.NoError(t, err)
	require.Equal(t, 1, st.FailedAttempts)
	require.Nil(t, st.LockedUntil)

	st, err = m.Success(ctx, user)
	require.NoError(t, err)
	require.Zero(t, st.FailedAttempts)
}

func TestMemory_Defaults(t *testing.T) {
	m := NewMemory(0, 0)
	require.Equal(t, DefaultMaxFails, m.maxFails)
	require.Equal(t, DefaultLockFor, m.lockFor)
}

func TestMemory_ConcurrentFailuresLockOnce(t *testing.T) {
	clk := &manualClock{t: fixedNow}
	m := NewMemory(3, time.Hour, WithClock(clk.Now))
	user := uuid.Must(uuid.NewV4())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = m.Failure(context.Background(), user)
		}()
	}
	wg.Wait()

	st, err := m.State(context.Background(), user)
	require.NoError(t, err)
	require.Equal(t, 3, st.FailedAttempts)
	require.True(t, st.Locked(clk.Now()))
}
