package sweeper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rampline/settlecore/internal/core/order"
)

type stubFinder struct {
	due []uuid.UUID
	err error
}

func (f *stubFinder) DueExpiries(context.Context, time.Time, int) ([]uuid.UUID, error) {
	return f.due, f.err
}

type stubExpirer struct {
	expired []uuid.UUID
	fail    map[uuid.UUID]error
}

func (e *stubExpirer) Expire(_ context.Context, id uuid.UUID) (*order.Order, error) {
	if err, ok := e.fail[id]; ok {
		return nil, err
	}
	e.expired = append(e.expired, id)
	return &order.Order{ID: id, Status: order.StatusExpired}, nil
}

func TestSweepExpiresDueOrders(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	finder := &stubFinder{due: []uuid.UUID{a, b}}
	expirer := &stubExpirer{}
	s := New(finder, expirer, time.Second, zap.NewNop(), prometheus.NewRegistry())

	require.NoError(t, s.Sweep(context.Background()))
	assert.Equal(t, []uuid.UUID{a, b}, expirer.expired)
}

func TestSweepSkipsRacedOrders(t *testing.T) {
	raced, fine := uuid.New(), uuid.New()
	finder := &stubFinder{due: []uuid.UUID{raced, fine}}
	expirer := &stubExpirer{fail: map[uuid.UUID]error{raced: order.ErrConflict}}
	s := New(finder, expirer, time.Second, zap.NewNop(), prometheus.NewRegistry())

	require.NoError(t, s.Sweep(context.Background()))
	assert.Equal(t, []uuid.UUID{fine}, expirer.expired, "a raced order must not block the pass")
}

func TestSweepSurvivesPerOrderFailures(t *testing.T) {
	broken, fine := uuid.New(), uuid.New()
	finder := &stubFinder{due: []uuid.UUID{broken, fine}}
	expirer := &stubExpirer{fail: map[uuid.UUID]error{broken: errors.New("db down")}}
	s := New(finder, expirer, time.Second, zap.NewNop(), prometheus.NewRegistry())

	require.NoError(t, s.Sweep(context.Background()))
	assert.Equal(t, []uuid.UUID{fine}, expirer.expired)
}

func TestSweepPropagatesFinderError(t *testing.T) {
	finder := &stubFinder{err: errors.New("query failed")}
	s := New(finder, &stubExpirer{}, time.Second, zap.NewNop(), prometheus.NewRegistry())

	assert.Error(t, s.Sweep(context.Background()))
}

func TestRunStopsOnContextCancel(t *testing.T) {
	s := New(&stubFinder{}, &stubExpirer{}, 5*time.Millisecond, zap.NewNop(), prometheus.NewRegistry())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
