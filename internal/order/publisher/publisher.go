// Package publisher delivers domain events to Kafka on a best-effort basis.
// A failed publish never propagates as an error: the order it describes has
// already been committed.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/aminio9/shopstream/internal/order/domain"
	"github.com/aminio9/shopstream/pkg/contracts"
	"github.com/aminio9/shopstream/pkg/kafka"
	"github.com/aminio9/shopstream/pkg/logging"
	"github.com/aminio9/shopstream/pkg/metrics"
	"github.com/aminio9/shopstream/pkg/outbox"
)

const (
	DefaultTimeout = 2 * time.Second
	parkTimeout    = 3 * time.Second
)

const (
	StateDisabled    = "disabled"
	StateIdle        = "idle"
	StateConnected   = "connected"
	StateUnavailable = "unavailable"
)

// Dialer creates a fresh producer. It is called lazily and again after a failure.
type Dialer func() (kafka.Producer, error)

// Parker stores events that could not be delivered.
type Parker interface {
	Insert(ctx context.Context, rec outbox.Record) error
}

type Publisher struct {
	dial    Dialer
	timeout time.Duration
	log     *zap.Logger
	metrics *metrics.PipelineMetrics
	parker  Parker
	newID   func() string

	mu       sync.Mutex
	producer kafka.Producer
	failing  atomic.Bool
}

type Option func(*Publisher)

func WithTimeout(d time.Duration) Option {
	return func(p *Publisher) {
		if d > 0 {
			p.timeout = d
		}
	}
}

func WithLogger(l *zap.Logger) Option { return func(p *Publisher) { p.log = l } }

func WithMetrics(m *metrics.PipelineMetrics) Option { return func(p *Publisher) { p.metrics = m } }

// WithOutbox parks events that still fail after the retry.
func WithOutbox(parker Parker) Option { return func(p *Publisher) { p.parker = parker } }

func WithIDGenerator(fn func() string) Option { return func(p *Publisher) { p.newID = fn } }

func New(dial Dialer, opts ...Option) *Publisher {
	p := &Publisher{
		dial:    dial,
		timeout: DefaultTimeout,
		log:     zap.NewNop(),
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish encodes payload as JSON and sends it to topic. On a transport
// failure it drops the producer, dials a new one and retries exactly once.
func (p *Publisher) Publish(ctx context.Context, topic, key string, payload any) bool {
	eventID := p.newID()
	msg, err := kafka.NewJSONMessage(topic, key, eventID, payload)
	if err != nil {
		p.observe(topic, "encode_error")
		p.log.Error("event encode failed", logging.Topic(topic), logging.EventID(eventID), zap.Error(err))
		return false
	}

	start := time.Now()
	err = p.send(ctx, msg)
	switch {
	case err == nil:
		p.observe(topic, "ok")
		p.log.Debug("event published", logging.Topic(topic), logging.EventID(eventID), logging.Duration(time.Since(start)))
		return true
	case errors.Is(err, kafka.ErrDisabled):
		p.observe(topic, "disabled")
		return false
	}

	p.observe(topic, "failed")
	p.log.Warn("event delivery failed",
		logging.Topic(topic), logging.EventID(eventID), zap.String("key", key),
		logging.Duration(time.Since(start)), zap.Error(domain.Delivery(topic, err)))
	p.park(ctx, outbox.Record{EventID: eventID, Topic: topic, Key: key, Payload: msg.Value})
	return false
}

// Deliver sends an already encoded event with the same reconnect-once rule.
// The outbox relay uses it and handles the error itself. Failures are
// delivery errors; a disabled producer still matches kafka.ErrDisabled.
func (p *Publisher) Deliver(ctx context.Context, topic, key, eventID string, body []byte) error {
	if err := p.send(ctx, kafka.NewRawMessage(topic, key, eventID, body)); err != nil {
		return domain.Delivery(topic, err)
	}
	return nil
}

func (p *Publisher) send(ctx context.Context, msg kafkago.Message) error {
	err := p.attempt(ctx, msg)
	if err == nil || errors.Is(err, kafka.ErrDisabled) {
		return err
	}
	if ctx.Err() != nil {
		p.failing.Store(true)
		return err
	}
	p.log.Info("retrying event after reconnect", logging.Topic(msg.Topic),
		logging.EventID(kafka.HeaderValue(&msg, contracts.HeaderEventID)), zap.Error(err))
	if err := p.attempt(ctx, msg); err != nil {
		p.failing.Store(true)
		return err
	}
	return nil
}

func (p *Publisher) attempt(ctx context.Context, msg kafkago.Message) error {
	prod, err := p.acquire()
	if err != nil {
		return err
	}
	actx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := prod.WriteMessage(actx, msg); err != nil {
		p.discard(prod)
		return err
	}
	p.failing.Store(false)
	return nil
}

// acquire returns the shared producer, dialing one if none is open. The lock
// covers only the handle, never a network write.
func (p *Publisher) acquire() (kafka.Producer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.producer != nil {
		return p.producer, nil
	}
	if p.dial == nil {
		return nil, kafka.ErrDisabled
	}
	prod, err := p.dial()
	if err != nil {
		if errors.Is(err, kafka.ErrDisabled) {
			return nil, err
		}
		return nil, fmt.Errorf("dial broker: %w", err)
	}
	p.producer = prod
	return prod, nil
}

// discard drops prod if it is still the shared producer. Concurrent writers
// holding the same handle see it closed and retry on a fresh one.
func (p *Publisher) discard(prod kafka.Producer) {
	p.mu.Lock()
	if p.producer != prod {
		p.mu.Unlock()
		return
	}
	p.producer = nil
	p.mu.Unlock()
	if err := prod.Close(); err != nil {
		p.log.Debug("closing failed producer", zap.Error(err))
	}
}

func (p *Publisher) park(ctx context.Context, rec outbox.Record) {
	if p.parker == nil {
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), parkTimeout)
	defer cancel()
	if err := p.parker.Insert(pctx, rec); err != nil {
		p.log.Error("failed to park undelivered event", logging.Topic(rec.Topic), logging.EventID(rec.EventID), zap.Error(err))
		return
	}
	if p.metrics != nil {
		p.metrics.OutboxParked.Inc()
	}
}

func (p *Publisher) observe(topic, result string) {
	if p.metrics != nil {
		p.metrics.EventsPublished.WithLabelValues(topic, result).Inc()
	}
}

// State reports the producer condition for health checks.
func (p *Publisher) State() string {
	if p.dial == nil {
		return StateDisabled
	}
	if p.failing.Load() {
		return StateUnavailable
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.producer != nil {
		return StateConnected
	}
	return StateIdle
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	prod := p.producer
	p.producer = nil
	p.mu.Unlock()
	if prod == nil {
		return nil
	}
	return prod.Close()
}
