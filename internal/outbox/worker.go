// Package outbox drains the transactional notification outbox. State changes
// stage envelopes inside their own transaction; this worker is the only
// component that delivers them, so a crash between commit and delivery costs
// at most a redelivery, never a lost notification.
package outbox

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/rampline/settlecore/internal/notify"
	"github.com/rampline/settlecore/internal/storage/relationaldb"
)

const defaultBatchSize = 100

// Worker polls the outbox and pushes claimed envelopes to the publisher.
type Worker struct {
	store     relationaldb.Store
	publisher notify.Publisher
	log       *zap.Logger

	interval time.Duration
	batch    int

	delivered prometheus.Counter
	failed    prometheus.Counter
	drains    prometheus.Counter
}

// NewWorker creates an outbox worker and registers its metrics.
func NewWorker(store relationaldb.Store, publisher notify.Publisher, interval time.Duration, log *zap.Logger, reg prometheus.Registerer) *Worker {
	w := &Worker{
		store:     store,
		publisher: publisher,
		log:       log,
		interval:  interval,
		batch:     defaultBatchSize,
		delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "settlecore_outbox_delivered_total",
			Help: "Envelopes successfully delivered to the publisher.",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "settlecore_outbox_delivery_failures_total",
			Help: "Delivery attempts that returned an error.",
		}),
		drains: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "settlecore_outbox_drains_total",
			Help: "Outbox drain passes executed.",
		}),
	}

	if reg != nil {
		reg.MustRegister(w.delivered, w.failed, w.drains)
	}

	return w
}

// Run polls until the context is cancelled. Each tick drains repeatedly
// until the due backlog is empty, so a burst clears in one tick.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.log.Info("outbox worker started", zap.Duration("interval", w.interval))

	for {
		select {
		case <-ctx.Done():
			w.log.Info("outbox worker stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := w.drainAll(ctx); err != nil && ctx.Err() == nil {
				w.log.Error("outbox drain failed", zap.Error(err))
			}
		}
	}
}

func (w *Worker) drainAll(ctx context.Context) error {
	for {
		w.drains.Inc()
		n, err := w.store.DrainOutbox(ctx, w.batch, w.deliver)
		if err != nil {
			return err
		}
		if n < w.batch {
			return nil
		}
	}
}

func (w *Worker) deliver(ctx context.Context, env *relationaldb.Envelope) error {
	if err := w.publisher.Publish(ctx, env); err != nil {
		w.failed.Inc()
		w.log.Warn("envelope delivery failed",
			zap.Int64("envelope_id", env.ID),
			zap.String("event_type", env.EventType),
			zap.Int("attempts", env.Attempts+1),
			zap.Error(err))
		return err
	}
	w.delivered.Inc()
	return nil
}
