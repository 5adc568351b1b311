package events

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// channel is the subset of *amqp.Channel used for publishing.
type channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Producer publishes persistent JSON messages to a durable topic exchange.
type Producer struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	ch       channel
	reopen   func() (channel, error)
	exchange string
	log      *zap.Logger
	now      func() time.Time
}

// SanitizeURL trims quotes and whitespace and checks the AMQP scheme.
func SanitizeURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

// NewProducer dials the broker with a bounded timeout and declares the exchange.
func NewProducer(amqpURL, exchange string, log *zap.Logger) (*Producer, error) {
	clean, err := SanitizeURL(amqpURL)
	if err != nil {
		return nil, err
	}
	conn, err := amqp.DialConfig(clean, amqp.Config{Dial: amqp.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	p := newProducer(ch, exchange, log)
	p.conn = conn
	p.reopen = func() (channel, error) { return conn.Channel() }
	if err := p.declare(); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

func newProducer(ch channel, exchange string, log *zap.Logger) *Producer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Producer{ch: ch, exchange: exchange, log: log, now: time.Now}
}

func (p *Producer) declare() error {
	return p.ch.ExchangeDeclare(p.exchange, "topic", true, false, false, false, nil)
}

// Publish marshals body to JSON and publishes it under routingKey.
// A failed publish reopens the channel once and retries.
func (p *Producer) Publish(ctx context.Context, routingKey string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    p.now(),
		Body:         payload,
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.ch.PublishWithContext(ctx, p.exchange, routingKey, false, false, msg)
	if err == nil || p.reopen == nil {
		return err
	}
	p.log.Warn("publish failed; reopening channel", zap.String("routing_key", routingKey), zap.Error(err))
	ch, chErr := p.reopen()
	if chErr != nil {
		return chErr
	}
	_ = p.ch.Close()
	p.ch = ch
	if err := p.declare(); err != nil {
		return err
	}
	return p.ch.PublishWithContext(ctx, p.exchange, routingKey, false, false, msg)
}

// Close closes the channel and connection.
func (p *Producer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
}
