package worker

import (
	"context"
	"errors"
	"time"

	"checkout-service/config"
	"checkout-service/internal/models"
	"checkout-service/internal/service"
	"checkout-service/internal/store"
	"checkout-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SweepStore is the batch-claim surface the sweeper runs against.
type SweepStore interface {
	ClaimSweepBatch(ctx context.Context, kind store.SweepKind, cutoff time.Time, limit int, owner, runID string, ttl time.Duration) ([]int64, error)
}

// Restocker reconciles one claimed order.
type Restocker interface {
	Restock(ctx context.Context, orderID int64, reason service.RestockReason, opts service.RestockOptions) error
}

// Sweeper periodically claims batches of stuck and stale orders and hands
// them to the restock engine. Each claimed order is processed under the batch
// lease; a crashed run simply lets its leases expire.
type Sweeper struct {
	store      SweepStore
	restock    Restocker
	cfg        config.SweepConfig
	instanceID string
	logger     *zap.Logger
	now        func() time.Time
}

// NewSweeper creates a sweep scheduler.
func NewSweeper(st SweepStore, restock Restocker, cfg config.SweepConfig, instanceID string) *Sweeper {
	return &Sweeper{
		store:      st,
		restock:    restock,
		cfg:        normalizeSweepConfig(cfg),
		instanceID: instanceID,
		logger:     util.GetLogger(),
		now:        time.Now,
	}
}

// normalizeSweepConfig clamps the tunables to safe bounds.
func normalizeSweepConfig(cfg config.SweepConfig) config.SweepConfig {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	if cfg.BatchSize > 500 {
		cfg.BatchSize = 500
	}
	if cfg.Interval < 10*time.Second {
		cfg.Interval = 10 * time.Second
	}
	if cfg.RunBudget <= 0 {
		cfg.RunBudget = 45 * time.Second
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 5 * time.Minute
	}
	const minCutoffAge = time.Minute
	if cfg.StuckReservingAfter < minCutoffAge {
		cfg.StuckReservingAfter = minCutoffAge
	}
	if cfg.NoneUnreservedAfter < minCutoffAge {
		cfg.NoneUnreservedAfter = minCutoffAge
	}
	if cfg.StalePendingAfter < minCutoffAge {
		cfg.StalePendingAfter = minCutoffAge
	}
	return cfg
}

// Start runs the sweep loop until ctx is canceled.
func (s *Sweeper) Start(ctx context.Context) error {
	s.logger.Info("Starting sweep scheduler",
		zap.Duration("interval", s.cfg.Interval),
		zap.Int("batch_size", s.cfg.BatchSize))

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Sweep scheduler stopping")
			return ctx.Err()
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce performs one full sweep pass across all three jobs, bounded by the
// configured wall-clock budget.
func (s *Sweeper) RunOnce(ctx context.Context) {
	deadline := s.now().Add(s.cfg.RunBudget)

	jobs := []struct {
		kind   store.SweepKind
		maxAge time.Duration
	}{
		{store.SweepStuckReserving, s.cfg.StuckReservingAfter},
		{store.SweepNoneUnreserved, s.cfg.NoneUnreservedAfter},
		{store.SweepStalePending, s.cfg.StalePendingAfter},
	}

	for _, job := range jobs {
		if s.now().After(deadline) {
			s.logger.Warn("Sweep run budget exhausted before all jobs ran")
			return
		}
		s.runJob(ctx, job.kind, job.maxAge, deadline)
	}
}

func (s *Sweeper) runJob(ctx context.Context, kind store.SweepKind, maxAge time.Duration, deadline time.Time) {
	runID := uuid.New().String()
	cutoff := s.now().Add(-maxAge)

	ids, err := s.store.ClaimSweepBatch(ctx, kind, cutoff, s.cfg.BatchSize, s.instanceID, runID, s.cfg.LeaseTTL)
	if err != nil {
		s.logger.Error("Failed to claim sweep batch",
			zap.String("kind", string(kind)), zap.Error(err))
		return
	}
	if len(ids) == 0 {
		return
	}
	util.SweepOrdersClaimedTotal.WithLabelValues(string(kind)).Add(float64(len(ids)))
	s.logger.Info("Sweep batch claimed",
		zap.String("kind", string(kind)),
		zap.String("run_id", runID),
		zap.Int("count", len(ids)))

	for _, orderID := range ids {
		if s.now().After(deadline) {
			// remaining claims expire on their own and a later run retries
			s.logger.Warn("Sweep run budget exhausted mid-batch",
				zap.String("kind", string(kind)),
				zap.Int64("next_order_id", orderID))
			return
		}

		err := s.restock.Restock(ctx, orderID, service.RestockStale, service.RestockOptions{
			AlreadyClaimed: true,
			RunID:          runID,
		})
		switch {
		case err == nil:
			util.SweepOrdersProcessedTotal.WithLabelValues(string(kind), "ok").Inc()
		case errors.Is(err, models.ErrOrderBusy):
			util.SweepOrdersProcessedTotal.WithLabelValues(string(kind), "busy").Inc()
		default:
			util.SweepOrdersProcessedTotal.WithLabelValues(string(kind), "error").Inc()
			s.logger.Error("Sweep restock failed",
				zap.String("kind", string(kind)),
				zap.Int64("order_id", orderID),
				zap.Error(err))
		}
	}
}
