// Package worker holds the background loops that run in cmd/worker next
// to the enrollment scheduler: orphan correlation and video status polling.
package worker

import (
	"context"
	"database/sql"
	"sync/atomic"
	"time"

	"github.com/cadencehq/cadence/internal/config"
	"github.com/cadencehq/cadence/internal/domain"
	"github.com/cadencehq/cadence/internal/intake"
	"github.com/cadencehq/cadence/internal/pkg/logger"
	"github.com/cadencehq/cadence/internal/store"
)

// OrphanWorker periodically retries correlation for webhook events whose
// enrollment was unknown at intake time. Entries that exhaust their
// attempt budget are dead-lettered by the pipeline.
type OrphanWorker struct {
	store    *store.Store
	pipeline *intake.Pipeline
	cfg      config.IntakeConfig
	interval time.Duration

	correlated int64
	deferred   int64
	dropped    int64
}

// NewOrphanWorker creates the correlation worker.
func NewOrphanWorker(st *store.Store, pipeline *intake.Pipeline, cfg config.IntakeConfig) *OrphanWorker {
	return &OrphanWorker{
		store:    st,
		pipeline: pipeline,
		cfg:      cfg,
		interval: 30 * time.Second,
	}
}

// Run loops processBatch until ctx is cancelled.
func (w *OrphanWorker) Run(ctx context.Context) {
	logger.Info("orphan correlation worker starting", "interval", w.interval.String())
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("orphan correlation worker stopped")
			return
		case <-ticker.C:
			if err := w.processBatch(ctx); err != nil {
				logger.Error("orphan batch failed", "error", err.Error())
			}
		}
	}
}

// processBatch claims due orphans under SKIP LOCKED and retries each.
// The claim transaction only covers the read; the retry itself runs its
// own transactions so one poisoned entry cannot roll back its batch.
func (w *OrphanWorker) processBatch(ctx context.Context) error {
	var batch []domain.OrphanEvent
	err := w.store.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		batch, err = w.store.Orphans.ClaimDue(ctx, tx, time.Now(), w.cfg.OrphanBatchSize)
		if err != nil {
			return err
		}
		// Lease the claimed entries past the batch runtime so a second
		// worker does not pick them up mid-processing.
		for _, o := range batch {
			if err := w.store.Orphans.Lease(ctx, tx, o.ID, time.Now().Add(5*time.Minute)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for i := range batch {
		o := batch[i]
		res, err := w.pipeline.RetryOrphan(ctx, &o)
		switch {
		case err != nil && res != nil && res.Outcome == intake.DeadLettered:
			atomic.AddInt64(&w.dropped, 1)
		case err != nil:
			logger.Error("orphan retry failed", "orphan_id", o.ID, "error", err.Error())
		case res.Outcome == intake.OrphanQueued:
			atomic.AddInt64(&w.deferred, 1)
		default:
			atomic.AddInt64(&w.correlated, 1)
		}
	}

	if len(batch) > 0 {
		logger.Debug("orphan batch processed",
			"claimed", len(batch),
			"correlated", atomic.LoadInt64(&w.correlated),
			"dropped", atomic.LoadInt64(&w.dropped))
	}
	return nil
}

// Stats returns lifetime counters.
func (w *OrphanWorker) Stats() map[string]int64 {
	return map[string]int64{
		"correlated": atomic.LoadInt64(&w.correlated),
		"deferred":   atomic.LoadInt64(&w.deferred),
		"dropped":    atomic.LoadInt64(&w.dropped),
	}
}
