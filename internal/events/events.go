// Package events publishes queue outcomes and OTP issuance to RabbitMQ.
package events

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Routing keys.
const (
	RelayConfirmed      = "relay.confirmed"
	RelayFailed         = "relay.failed"
	RelayRetryScheduled = "relay.retry_scheduled"
	OTPIssued           = "otp.issued"
)

// Publisher is implemented by types that can publish events.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, body any) error
	Close()
}

// RelayOutcome is published after every dispatch attempt that changed an entry.
type RelayOutcome struct {
	EntryID   string     `json:"entry_id"`
	Wallet    string     `json:"wallet_address"`
	Type      string     `json:"type"`
	Status    string     `json:"status"`
	TxHash    string     `json:"tx_hash,omitempty"`
	Error     string     `json:"error,omitempty"`
	Attempts  int        `json:"attempts"`
	RetryAt   *time.Time `json:"retry_at,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// OTPIssuedEvent asks the notification service to deliver a reset code.
type OTPIssuedEvent struct {
	Identifier string    `json:"identifier"`
	Code       string    `json:"code"`
	Purpose    string    `json:"purpose"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Fallback is a no-op publisher used when RabbitMQ is unavailable at startup.
type Fallback struct {
	Log *zap.Logger
}

// Publish logs and drops the event.
func (p *Fallback) Publish(_ context.Context, routingKey string, _ any) error {
	if p.Log != nil {
		p.Log.Warn("publish skipped", zap.String("mode", "fallback"), zap.String("routing_key", routingKey))
	}
	return nil
}

// Close is a no-op.
func (p *Fallback) Close() {}
