package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/aminio9/shopstream/pkg/contracts"
	"github.com/aminio9/shopstream/pkg/kafka"
	"github.com/aminio9/shopstream/pkg/logging"
	"github.com/aminio9/shopstream/pkg/metrics"
)

// ErrInvalidMessage marks a message that can never be stored. It is logged and skipped.
var ErrInvalidMessage = errors.New("invalid notification message")

type Consumer struct {
	reader  kafka.Consumer
	sink    Sink
	log     *zap.Logger
	metrics *metrics.PipelineMetrics
	backoff time.Duration
	now     func() time.Time
}

type Option func(*Consumer)

func WithLogger(l *zap.Logger) Option { return func(c *Consumer) { c.log = l } }

func WithMetrics(m *metrics.PipelineMetrics) Option { return func(c *Consumer) { c.metrics = m } }

// WithBackoff sets the pause after a failed read or save.
func WithBackoff(d time.Duration) Option { return func(c *Consumer) { c.backoff = d } }

func NewConsumer(reader kafka.Consumer, sink Sink, opts ...Option) *Consumer {
	c := &Consumer{
		reader:  reader,
		sink:    sink,
		log:     zap.NewNop(),
		backoff: 2 * time.Second,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run fetches until ctx is cancelled. A message is committed only after it was
// stored, found to be a duplicate, or rejected as malformed; a failed save is
// retried on the same message after the backoff.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		var msg kafkago.Message
		if err := c.reader.FetchMessage(ctx, &msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.Warn("kafka fetch error", zap.Error(err))
			if !c.sleep(ctx) {
				return nil
			}
			continue
		}
		if !c.process(ctx, &msg) {
			// Left uncommitted, so the group redelivers it after a restart.
			return nil
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			// A redelivered message is dropped by the inbox.
			c.log.Warn("kafka commit error", logging.Topic(msg.Topic), zap.Int64("offset", msg.Offset), zap.Error(err))
		}
	}
}

// process handles msg until it is settled. It reports false when ctx ended first.
func (c *Consumer) process(ctx context.Context, msg *kafkago.Message) bool {
	for {
		err := c.Handle(ctx, msg)
		switch {
		case err == nil:
			return true
		case errors.Is(err, ErrInvalidMessage):
			c.log.Warn("skipping notification", logging.Topic(msg.Topic), zap.Int64("offset", msg.Offset), zap.Error(err))
			return true
		}
		c.log.Error("notification save error, retrying", logging.Topic(msg.Topic), zap.Int64("offset", msg.Offset), zap.Error(err))
		if !c.sleep(ctx) {
			return false
		}
	}
}

// Handle decodes one message and stores it unless its event id was seen.
func (c *Consumer) Handle(ctx context.Context, msg *kafkago.Message) error {
	rec, err := decode(msg)
	if err != nil {
		c.observe("invalid")
		return err
	}
	rec.ReceivedAt = c.now().UTC()

	stored, err := c.sink.Save(ctx, rec)
	if err != nil {
		c.observe("error")
		return err
	}
	if !stored {
		c.observe("duplicate")
		c.log.Debug("duplicate notification", logging.EventID(rec.EventID))
		return nil
	}
	c.observe("stored")
	c.log.Info("notification stored",
		logging.EventID(rec.EventID), logging.OrderID(rec.OrderID),
		logging.Step(rec.Type), logging.Status("emitted"))
	return nil
}

func decode(msg *kafkago.Message) (Record, error) {
	eventID := kafka.HeaderValue(msg, contracts.HeaderEventID)
	if eventID == "" {
		return Record{}, fmt.Errorf("%w: %v", ErrInvalidMessage, ErrMissingEventID)
	}
	var n contracts.OrderNotification
	if err := json.Unmarshal(msg.Value, &n); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	switch n.Type {
	case contracts.NotificationOrderCreated, contracts.NotificationOrderCancelled, contracts.NotificationOrderUpdate:
	default:
		return Record{}, fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, n.Type)
	}
	if n.OrderID <= 0 {
		return Record{}, fmt.Errorf("%w: missing order id", ErrInvalidMessage)
	}
	return Record{
		EventID: eventID,
		Type:    n.Type,
		UserID:  n.UserID,
		OrderID: n.OrderID,
		Total:   n.Total,
		Status:  n.Status,
	}, nil
}

func (c *Consumer) sleep(ctx context.Context) bool {
	t := time.NewTimer(c.backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (c *Consumer) observe(result string) {
	if c.metrics != nil {
		c.metrics.NotificationsProcessed.WithLabelValues(result).Inc()
	}
}
