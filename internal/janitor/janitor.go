// Package janitor runs the periodic maintenance sweeps: expired cache
// entries with their raw payloads, and request records past retention.
package janitor

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// CacheSweeper removes expired entries and orphan raw payloads.
type CacheSweeper interface {
	Cleanup(ctx context.Context) (entries int, orphans int, err error)
}

// RecordPruner removes request records past the retention horizon.
type RecordPruner interface {
	Cleanup(ctx context.Context) (int64, error)
}

// Config holds the cron specs for the two sweeps. Empty disables a sweep.
type Config struct {
	CacheSpec   string
	RecordsSpec string

	// SweepTimeout bounds one sweep run.
	SweepTimeout time.Duration
}

// Janitor schedules the sweeps on a cron runner. Sweeps log their results
// and never crash the process.
type Janitor struct {
	cfg     Config
	cache   CacheSweeper
	records RecordPruner
	logger  *zap.Logger
	cron    *cron.Cron
}

// New creates a janitor over the given sweepers.
func New(cfg Config, cache CacheSweeper, records RecordPruner, logger *zap.Logger) *Janitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SweepTimeout <= 0 {
		cfg.SweepTimeout = time.Minute
	}
	return &Janitor{
		cfg:     cfg,
		cache:   cache,
		records: records,
		logger:  logger,
		cron:    cron.New(),
	}
}

// Start registers the sweeps and starts the scheduler.
func (j *Janitor) Start() error {
	if j.cfg.CacheSpec != "" && j.cache != nil {
		if _, err := j.cron.AddFunc(j.cfg.CacheSpec, j.sweepCache); err != nil {
			return err
		}
	}
	if j.cfg.RecordsSpec != "" && j.records != nil {
		if _, err := j.cron.AddFunc(j.cfg.RecordsSpec, j.pruneRecords); err != nil {
			return err
		}
	}
	j.cron.Start()
	j.logger.Info("janitor started",
		zap.String("cache_spec", j.cfg.CacheSpec),
		zap.String("records_spec", j.cfg.RecordsSpec),
	)
	return nil
}

// Stop halts the scheduler and waits for a running sweep to finish.
func (j *Janitor) Stop() {
	stopCtx := j.cron.Stop()
	<-stopCtx.Done()
	j.logger.Info("janitor stopped")
}

func (j *Janitor) sweepCache() {
	ctx, cancel := context.WithTimeout(context.Background(), j.cfg.SweepTimeout)
	defer cancel()

	entries, orphans, err := j.cache.Cleanup(ctx)
	if err != nil {
		j.logger.Warn("cache sweep failed", zap.Error(err))
		return
	}
	j.logger.Info("cache sweep complete",
		zap.Int("expired_entries", entries),
		zap.Int("orphan_payloads", orphans),
	)
}

func (j *Janitor) pruneRecords() {
	ctx, cancel := context.WithTimeout(context.Background(), j.cfg.SweepTimeout)
	defer cancel()

	removed, err := j.records.Cleanup(ctx)
	if err != nil {
		j.logger.Warn("record prune failed", zap.Error(err))
		return
	}
	j.logger.Info("record prune complete", zap.Int64("removed", removed))
}
