package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"checkout-service/config"
	"checkout-service/internal/models"
	"checkout-service/internal/service"
	"checkout-service/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSweepStore struct {
	batches map[store.SweepKind][]int64
	claims  []store.SweepKind
}

func (f *fakeSweepStore) ClaimSweepBatch(_ context.Context, kind store.SweepKind, _ time.Time, _ int, _, _ string, _ time.Duration) ([]int64, error) {
	f.claims = append(f.claims, kind)
	return f.batches[kind], nil
}

type fakeRestocker struct {
	calls []int64
	errs  map[int64]error
}

func (f *fakeRestocker) Restock(_ context.Context, orderID int64, reason service.RestockReason, opts service.RestockOptions) error {
	if reason != service.RestockStale {
		return errors.New("unexpected restock reason")
	}
	if !opts.AlreadyClaimed {
		return errors.New("sweeps must carry the batch claim")
	}
	f.calls = append(f.calls, orderID)
	return f.errs[orderID]
}

func testSweepConfig() config.SweepConfig {
	return config.SweepConfig{
		Interval:            time.Minute,
		RunBudget:           time.Minute,
		StuckReservingAfter: 15 * time.Minute,
		NoneUnreservedAfter: 15 * time.Minute,
		StalePendingAfter:   24 * time.Hour,
		BatchSize:           50,
		LeaseTTL:            5 * time.Minute,
	}
}

func TestRunOnceProcessesAllJobs(t *testing.T) {
	st := &fakeSweepStore{batches: map[store.SweepKind][]int64{
		store.SweepStuckReserving: {1, 2},
		store.SweepNoneUnreserved: {3},
		store.SweepStalePending:   {4, 5},
	}}
	restocker := &fakeRestocker{}
	s := NewSweeper(st, restocker, testSweepConfig(), "test-instance")

	s.RunOnce(context.Background())

	assert.Equal(t, []store.SweepKind{
		store.SweepStuckReserving, store.SweepNoneUnreserved, store.SweepStalePending,
	}, st.claims)
	assert.ElementsMatch(t, []int64{1, 2, 3, 4, 5}, restocker.calls)
}

func TestRunOnceToleratesBusyAndFailedOrders(t *testing.T) {
	st := &fakeSweepStore{batches: map[store.SweepKind][]int64{
		store.SweepStuckReserving: {1, 2, 3},
	}}
	restocker := &fakeRestocker{errs: map[int64]error{
		1: models.ErrOrderBusy,
		2: errors.New("boom"),
	}}
	s := NewSweeper(st, restocker, testSweepConfig(), "test-instance")

	s.RunOnce(context.Background())

	// one order failing never stops the rest of the batch
	assert.ElementsMatch(t, []int64{1, 2, 3}, restocker.calls)
}

func TestRunOnceStopsAtRunBudget(t *testing.T) {
	st := &fakeSweepStore{batches: map[store.SweepKind][]int64{
		store.SweepStuckReserving: {1, 2, 3},
	}}
	restocker := &fakeRestocker{}
	s := NewSweeper(st, restocker, testSweepConfig(), "test-instance")

	// clock jumps past the budget after the first claim and one restock
	base := time.Now()
	ticks := 0
	s.now = func() time.Time {
		ticks++
		if ticks > 3 {
			return base.Add(2 * time.Minute)
		}
		return base
	}

	s.RunOnce(context.Background())

	assert.Less(t, len(restocker.calls), 3)
	// the later jobs never even claim
	assert.Equal(t, []store.SweepKind{store.SweepStuckReserving}, st.claims)
}

func TestNormalizeSweepConfigClampsBounds(t *testing.T) {
	cfg := normalizeSweepConfig(config.SweepConfig{
		Interval:  time.Second,
		BatchSize: 0,
	})
	assert.Equal(t, 1, cfg.BatchSize)
	assert.Equal(t, 10*time.Second, cfg.Interval)
	assert.Positive(t, cfg.RunBudget)
	assert.Positive(t, cfg.LeaseTTL)
	assert.GreaterOrEqual(t, cfg.StuckReservingAfter, time.Minute)

	cfg = normalizeSweepConfig(config.SweepConfig{BatchSize: 10000})
	assert.Equal(t, 500, cfg.BatchSize)
}

func TestStartStopsOnContextCancel(t *testing.T) {
	st := &fakeSweepStore{batches: map[store.SweepKind][]int64{}}
	s := NewSweeper(st, &fakeRestocker{}, testSweepConfig(), "test-instance")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop on cancel")
	}
}
