package otp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/and161185/walletrelay/internal/events"
)

// memStore answers the two commands the gate needs from a map with expiry.
type memStore struct {
	mu   sync.Mutex
	vals map[string]memVal
	now  func() time.Time
}

type memVal struct {
	v   string
	exp time.Time
}

// NewMemory constructs a Gate without Redis for dev mode and tests.
func NewMemory(pub events.Publisher, log *zap.Logger, opts ...Option) *Gate {
	s := &memStore{vals: make(map[string]memVal), now: time.Now}
	g := newGate(s, pub, log, opts...)
	s.now = g.now
	return g
}

func (s *memStore) Set(_ context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vals[key] = memVal{v: fmt.Sprint(value), exp: s.now().Add(expiration)}
	return redis.NewStatusResult("OK", nil)
}

func (s *memStore) GetDel(_ context.Context, key string) *redis.StringCmd {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.vals[key]
	delete(s.vals, key)
	if !ok || !s.now().Before(v.exp) {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v.v, nil)
}
