// Package otp issues single-use reset codes kept in Redis with a TTL.
package otp

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/and161185/walletrelay/internal/errs"
	"github.com/and161185/walletrelay/internal/events"
)

// Defaults.
const (
	CodeLen    = 6
	DefaultTTL = 10 * time.Minute
	keyPrefix  = "walletrelay:otp"
)

// PurposePinReset is the only purpose issued today.
const PurposePinReset = "pin_reset"

// cmdable is the part of redis.UniversalClient the gate uses.
type cmdable interface {
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	GetDel(ctx context.Context, key string) *redis.StringCmd
}

// Gate issues and redeems codes. A code is consumed by the first Verify, right or wrong.
type Gate struct {
	rdb cmdable
	pub events.Publisher
	ttl time.Duration
	now func() time.Time
	log *zap.Logger
}

// Option customizes a Gate.
type Option func(*Gate)

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(g *Gate) {
		if ttl > 0 {
			g.ttl = ttl
		}
	}
}

// WithClock overrides time.Now for the published expiry.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// New constructs a Gate over a Redis client. pub delivers the code to the user.
func New(rdb redis.UniversalClient, pub events.Publisher, log *zap.Logger, opts ...Option) *Gate {
	return newGate(rdb, pub, log, opts...)
}

func newGate(rdb cmdable, pub events.Publisher, log *zap.Logger, opts ...Option) *Gate {
	if pub == nil {
		pub = &events.Fallback{Log: log}
	}
	if log == nil {
		log = zap.NewNop()
	}
	g := &Gate{rdb: rdb, pub: pub, ttl: DefaultTTL, now: time.Now, log: log}
	for _, o := range opts {
		o(g)
	}
	return g
}

// NewClient parses a redis:// URL into a client.
func NewClient(url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis url: %w", err)
	}
	return redis.NewClient(opt), nil
}

func key(identifier string) string {
	return keyPrefix + ":" + strings.ToLower(strings.TrimSpace(identifier))
}

func digest(identifier, code string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(identifier)) + ":" + code))
	return hex.EncodeToString(sum[:])
}

// Issue stores a fresh code for identifier, replacing any previous one, and publishes it.
func (g *Gate) Issue(ctx context.Context, identifier string) (string, error) {
	if strings.TrimSpace(identifier) == "" {
		return "", fmt.Errorf("empty identifier: %w", errs.ErrValidation)
	}
	code, err := newCode()
	if err != nil {
		return "", err
	}
	if err := g.rdb.Set(ctx, key(identifier), digest(identifier, code), g.ttl).Err(); err != nil {
		return "", fmt.Errorf("store otp: %w", err)
	}
	ev := events.OTPIssuedEvent{
		Identifier: identifier,
		Code:       code,
		Purpose:    PurposePinReset,
		ExpiresAt:  g.now().Add(g.ttl),
	}
	if err := g.pub.Publish(ctx, events.OTPIssued, ev); err != nil {
		return "", fmt.Errorf("publish otp: %w", err)
	}
	g.log.Info("otp issued", zap.String("identifier", identifier), zap.Duration("ttl", g.ttl))
	return code, nil
}

// Verify redeems code for identifier. A missing or expired code is not an error.
func (g *Gate) Verify(ctx context.Context, identifier, code string) (bool, error) {
	if len(code) != CodeLen {
		return false, nil
	}
	stored, err := g.rdb.GetDel(ctx, key(identifier)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redeem otp: %w", err)
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(digest(identifier, code))) == 1, nil
}

func newCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}
