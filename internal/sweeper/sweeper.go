// Package sweeper expires overdue orders. It only finds candidates; the
// actual transition runs through the lifecycle service so the refund, event,
// and notification semantics are identical to a manual cancellation.
package sweeper

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/rampline/settlecore/internal/core/order"
)

const defaultBatchSize = 100

// Expirer is the slice of the lifecycle service the sweeper drives.
type Expirer interface {
	Expire(ctx context.Context, id uuid.UUID) (*order.Order, error)
}

// Finder lists due orders.
type Finder interface {
	DueExpiries(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)
}

// Sweeper periodically expires orders whose deadline has passed.
type Sweeper struct {
	finder   Finder
	expirer  Expirer
	log      *zap.Logger
	interval time.Duration
	batch    int

	expired prometheus.Counter
	misses  prometheus.Counter
}

// New creates a sweeper and registers its metrics.
func New(finder Finder, expirer Expirer, interval time.Duration, log *zap.Logger, reg prometheus.Registerer) *Sweeper {
	s := &Sweeper{
		finder:   finder,
		expirer:  expirer,
		log:      log,
		interval: interval,
		batch:    defaultBatchSize,
		expired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "settlecore_sweeper_expired_total",
			Help: "Orders moved to expired by the sweeper.",
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "settlecore_sweeper_misses_total",
			Help: "Expiry attempts that lost to a concurrent transition.",
		}),
	}

	if reg != nil {
		reg.MustRegister(s.expired, s.misses)
	}

	return s
}

// Run sweeps until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info("expiry sweeper started", zap.Duration("interval", s.interval))

	for {
		select {
		case <-ctx.Done():
			s.log.Info("expiry sweeper stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.log.Error("sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep runs one pass. Per-order failures are logged and skipped: an order
// that raced a user-driven transition simply gets picked up next pass if it
// is still due.
func (s *Sweeper) Sweep(ctx context.Context) error {
	ids, err := s.finder.DueExpiries(ctx, time.Now().UTC(), s.batch)
	if err != nil {
		return err
	}

	for _, id := range ids {
		if _, err := s.expirer.Expire(ctx, id); err != nil {
			if errors.Is(err, order.ErrConflict) || errors.Is(err, order.ErrInvalidTransition) {
				s.misses.Inc()
				s.log.Debug("expiry lost to concurrent transition", zap.String("order_id", id.String()))
				continue
			}
			s.log.Error("failed to expire order", zap.String("order_id", id.String()), zap.Error(err))
			continue
		}
		s.expired.Inc()
		s.log.Info("order expired", zap.String("order_id", id.String()))
	}

	return nil
}
