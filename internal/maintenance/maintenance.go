// Package maintenance - Background jobs for the storage core
//
// What: TTL sweep, WAL checkpoint cadence, and CDC retention, driven by
//      one cron runner.
// How: Each job registers as an @every schedule; failures are logged,
//      counted on a metric, and never propagate to foreground traffic.
// Why: Expiry, log truncation, and stream retention all need a heartbeat
//      that is independent of request load.
package maintenance

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/driftdb/drift/internal/cdc"
	"github.com/driftdb/drift/internal/logx"
	"github.com/driftdb/drift/internal/metrics"
	"github.com/driftdb/drift/internal/storage"
	"github.com/driftdb/drift/internal/txn"
)

// Options select which jobs run and how often.
type Options struct {
	// SweepInterval is the TTL sweeper cadence (0 disables); SweepBatch
	// bounds evictions per pass (0 = unbounded).
	SweepInterval time.Duration
	SweepBatch    int

	// CheckpointInterval is the WAL checkpoint cadence (0 disables).
	CheckpointInterval time.Duration

	// RetentionInterval is the CDC retention cadence (0 disables).
	RetentionInterval time.Duration
}

// Runner owns the cron scheduler and the registered jobs.
type Runner struct {
	cron *cron.Cron
	log  zerolog.Logger
}

// New wires the jobs for a store, its transaction manager, and its
// streams. Either of txns/streams may be nil: a nil streams skips CDC
// retention, and with a nil txns the checkpoint job records no active
// transactions.
func New(opts Options, store *storage.Store, txns *txn.Manager, streams *cdc.Streams) (*Runner, error) {
	r := &Runner{
		cron: cron.New(),
		log:  logx.WithComponent("maintenance"),
	}

	if opts.SweepInterval > 0 {
		spec := every(opts.SweepInterval)
		// Versions superseded before the previous pass have no readers
		// left; each pass advances the horizon.
		var horizon uint64
		_, err := r.cron.AddFunc(spec, func() {
			n := store.CleanupExpired(opts.SweepBatch)
			pruned := store.PruneVersions(horizon)
			horizon = store.Clock().Now()
			if n > 0 || pruned > 0 {
				r.log.Debug().Int("evicted", n).Int("versions_pruned", pruned).Msg("ttl sweep")
			}
		})
		if err != nil {
			return nil, fmt.Errorf("maintenance: schedule sweep: %w", err)
		}
	}

	if opts.CheckpointInterval > 0 && store.WAL() != nil {
		spec := every(opts.CheckpointInterval)
		_, err := r.cron.AddFunc(spec, func() {
			var active []uint64
			if txns != nil {
				active = txns.ActiveIDs()
			}
			if err := store.Checkpoint(active); err != nil {
				metrics.BackgroundFailures.WithLabelValues("checkpoint").Inc()
				r.log.Warn().Err(err).Msg("checkpoint failed")
			}
		})
		if err != nil {
			return nil, fmt.Errorf("maintenance: schedule checkpoint: %w", err)
		}
	}

	if opts.RetentionInterval > 0 && streams != nil {
		spec := every(opts.RetentionInterval)
		_, err := r.cron.AddFunc(spec, func() {
			if n := streams.ApplyAllRetention(); n > 0 {
				r.log.Debug().Int("evicted", n).Msg("cdc retention")
			}
		})
		if err != nil {
			return nil, fmt.Errorf("maintenance: schedule retention: %w", err)
		}
	}

	return r, nil
}

// Start begins job execution.
func (r *Runner) Start() { r.cron.Start() }

// Stop halts the scheduler and waits for running jobs to finish.
func (r *Runner) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
}

// every renders a duration as a cron @every descriptor, clamped to the
// scheduler's one-second floor.
func every(d time.Duration) string {
	if d < time.Second {
		d = time.Second
	}
	return "@every " + d.String()
}
