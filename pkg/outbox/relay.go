package outbox

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/aminio9/shopstream/pkg/logging"
	"github.com/aminio9/shopstream/pkg/metrics"
)

// Deliverer sends one already-encoded event.
type Deliverer interface {
	Deliver(ctx context.Context, topic, key, eventID string, body []byte) error
}

// Relay periodically re-sends parked events. Delivery is at-least-once;
// consumers dedupe by event id.
type Relay struct {
	store    Store
	out      Deliverer
	interval time.Duration
	batch    int
	log      *zap.Logger
	metrics  *metrics.PipelineMetrics
}

func NewRelay(store Store, out Deliverer, interval time.Duration, batch int, log *zap.Logger, m *metrics.PipelineMetrics) *Relay {
	if batch <= 0 {
		batch = 100
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Relay{store: store, out: out, interval: interval, batch: batch, log: log, metrics: m}
}

// Run polls until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	t := time.NewTicker(r.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := r.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				r.log.Warn("outbox relay pass failed", zap.Error(err))
			}
		}
	}
}

// RunOnce relays one batch and reports how many records were delivered.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	pending, err := r.store.FetchPending(ctx, r.batch)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, rec := range pending {
		if err := r.out.Deliver(ctx, rec.Topic, rec.Key, rec.EventID, rec.Payload); err != nil {
			r.observe("error")
			r.log.Warn("outbox delivery failed", logging.EventID(rec.EventID), logging.Topic(rec.Topic), zap.Int("attempts", rec.Attempts+1), zap.Error(err))
			if merr := r.store.MarkAttempt(ctx, rec.ID, err); merr != nil {
				return sent, merr
			}
			continue
		}
		if err := r.store.MarkSent(ctx, rec.ID); err != nil {
			return sent, err
		}
		r.observe("ok")
		sent++
	}
	if sent > 0 {
		r.log.Info("outbox relayed", zap.Int("count", sent))
	}
	return sent, nil
}

func (r *Relay) observe(result string) {
	if r.metrics != nil {
		r.metrics.OutboxRelayed.WithLabelValues(result).Inc()
	}
}
