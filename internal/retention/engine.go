// Package retention enforces the storage budget over indexed
// recordings. A run works in three phases: expired segments first,
// then the configured quota, then a disk usage safety valve. Within
// each phase the oldest unprotected segments go first.
package retention

import (
	"context"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/fleetcam/vms/internal/bus"
	"github.com/fleetcam/vms/internal/reconcile"
	"github.com/fleetcam/vms/internal/store"
	"github.com/fleetcam/vms/internal/verr"
)

const (
	deleteBatchSize = 1000
	// orphanMinAge guards the post-run reverse sweep against segments
	// an active recorder is still writing.
	orphanMinAge = 24 * time.Hour
)

// Engine runs retention passes.
type Engine struct {
	store      *store.Store
	bus        *bus.Bus
	reconciler *reconcile.Reconciler
	logger     *slog.Logger

	storagePath       string
	retentionDays     int
	maxStorageGB      float64
	maxStoragePercent float64
	interval          time.Duration
	batchSize         int

	// usageFn reports filesystem used percent; replaced in tests.
	usageFn func(path string) (float64, error)

	running atomic.Bool
}

// Config holds the file defaults; runtime settings from the store take
// precedence at run time.
type Config struct {
	StoragePath       string
	RetentionDays     int
	MaxStorageGB      float64
	MaxStoragePercent float64
	Interval          time.Duration
}

// New creates a retention engine.
func New(st *store.Store, eventBus *bus.Bus, rec *reconcile.Reconciler, cfg Config) *Engine {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	return &Engine{
		store:             st,
		bus:               eventBus,
		reconciler:        rec,
		logger:            slog.Default().With("component", "retention"),
		storagePath:       cfg.StoragePath,
		retentionDays:     cfg.RetentionDays,
		maxStorageGB:      cfg.MaxStorageGB,
		maxStoragePercent: cfg.MaxStoragePercent,
		interval:          cfg.Interval,
		batchSize:         deleteBatchSize,
		usageFn: func(path string) (float64, error) {
			usage, err := disk.Usage(path)
			if err != nil {
				return 0, err
			}
			return usage.UsedPercent, nil
		},
	}
}

// Result summarizes one retention run.
type Result struct {
	Deleted        int           `json:"deleted"`
	ReclaimedBytes int64         `json:"reclaimed_bytes"`
	ByPhase        map[string]int `json:"by_phase"`
	Took           time.Duration `json:"-"`
	TookMS         int64         `json:"took_ms"`
}

// Run schedules retention passes until ctx is cancelled. The first
// pass runs immediately.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	if _, err := e.RunOnce(ctx); err != nil {
		e.logger.Error("Retention run failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("Retention scheduler stopped")
			return
		case <-ticker.C:
			if _, err := e.RunOnce(ctx); err != nil && ctx.Err() == nil {
				e.logger.Error("Retention run failed", "error", err)
			}
		}
	}
}

// RunOnce performs a single retention pass. Overlapping runs are
// refused with a Conflict error; retention must never race itself.
func (e *Engine) RunOnce(ctx context.Context) (Result, error) {
	if !e.running.CompareAndSwap(false, true) {
		return Result{}, verr.New(verr.KindConflict, "retention run already in progress")
	}
	defer e.running.Store(false)

	started := time.Now()
	result := Result{ByPhase: map[string]int{}}

	if err := e.phaseExpired(ctx, &result); err != nil {
		return result, err
	}
	if err := e.phaseQuota(ctx, &result); err != nil {
		return result, err
	}
	if err := e.phaseDiskSafety(ctx, &result); err != nil {
		return result, err
	}

	// Segments orphaned by a crash get re-indexed after every run,
	// then emptied directories go.
	if e.reconciler != nil {
		if rev, err := e.reconciler.ReverseSweep(ctx, orphanMinAge); err != nil {
			e.logger.Warn("Post-run reverse sweep failed", "error", err)
		} else if rev.Recovered > 0 {
			e.logger.Info("Recovered unindexed segments", "count", rev.Recovered)
		}
		if removed, err := e.reconciler.RemoveEmptyDirs(); err == nil && removed > 0 {
			e.logger.Info("Removed empty directories", "count", removed)
		}
	}

	result.Took = time.Since(started)
	result.TookMS = result.Took.Milliseconds()
	if result.Deleted > 0 {
		e.logger.Info("Retention run complete",
			"deleted", result.Deleted, "reclaimed", result.ReclaimedBytes,
			"by_phase", result.ByPhase, "took", result.Took)
	}
	e.bus.PublishRetentionCompleted(result.Deleted, result.ReclaimedBytes, result.Took)
	return result, nil
}

// phaseExpired deletes recordings past their retention instant, at
// most one batch per run. The remainder waits for the next pass.
func (e *Engine) phaseExpired(ctx context.Context, result *Result) error {
	recs, err := e.store.FindExpired(ctx, time.Now(), e.batchSize)
	if err != nil {
		return err
	}
	for i := range recs {
		if err := ctx.Err(); err != nil {
			return err
		}
		e.deleteRecording(ctx, &recs[i], "expired", result)
	}
	return nil
}

// phaseQuota deletes oldest-first until total indexed size fits the
// configured budget.
func (e *Engine) phaseQuota(ctx context.Context, result *Result) error {
	maxGB := e.store.ConfigFloat(ctx, store.KeyMaxStorageGB, e.maxStorageGB)
	if maxGB <= 0 {
		return nil
	}
	maxBytes := int64(maxGB * float64(1<<30))

	total, err := e.store.TotalActiveSize(ctx)
	if err != nil {
		return err
	}
	if total <= maxBytes {
		return nil
	}

	recs, err := e.store.FindOldestEligible(ctx, e.batchSize)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		e.logger.Warn("Over quota but nothing eligible to delete",
			"total", total, "max", maxBytes)
		return nil
	}
	for i := range recs {
		if total <= maxBytes {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if e.deleteRecording(ctx, &recs[i], "quota", result) {
			total -= recs[i].SizeBytes
		}
	}
	return nil
}

// phaseDiskSafety deletes oldest-first while the filesystem holding
// the recordings is fuller than the configured ceiling. This protects
// the disk even when other tenants eat the space.
func (e *Engine) phaseDiskSafety(ctx context.Context, result *Result) error {
	maxPercent := e.store.ConfigFloat(ctx, store.KeyMaxStoragePercent, e.maxStoragePercent)
	if maxPercent <= 0 {
		return nil
	}

	used, err := e.usageFn(e.storagePath)
	if err != nil {
		e.logger.Warn("Disk usage probe failed", "path", e.storagePath, "error", err)
		return nil
	}
	if used <= maxPercent {
		return nil
	}

	recs, err := e.store.FindOldestEligible(ctx, e.batchSize)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		e.logger.Warn("Disk over ceiling but nothing eligible to delete",
			"used_percent", used, "max_percent", maxPercent)
		return nil
	}

	// Re-probe after every deletion; the moment usage is back under
	// the ceiling this phase must stop destroying recordings.
	for i := range recs {
		if err := ctx.Err(); err != nil {
			return err
		}
		e.deleteRecording(ctx, &recs[i], "disk_safety", result)

		used, err = e.usageFn(e.storagePath)
		if err != nil {
			e.logger.Warn("Disk usage probe failed", "path", e.storagePath, "error", err)
			return nil
		}
		if used <= maxPercent {
			return nil
		}
	}
	return nil
}

// deleteRecording removes the file then tombstones the row. A file
// already gone still tombstones; the index must not resurrect it.
func (e *Engine) deleteRecording(ctx context.Context, rec *store.Recording, reason string, result *Result) bool {
	if err := os.Remove(rec.FilePath); err != nil && !os.IsNotExist(err) {
		e.logger.Error("Delete segment file failed", "path", rec.FilePath, "error", err)
		return false
	}
	if err := e.store.MarkDeleted(ctx, rec.ID); err != nil {
		e.logger.Error("Tombstone recording failed", "id", rec.ID, "error", err)
		return false
	}
	result.Deleted++
	result.ReclaimedBytes += rec.SizeBytes
	result.ByPhase[reason]++
	e.bus.PublishRecordingDeleted(rec.ID, rec.CameraID, rec.FilePath, reason)
	return true
}

// FlushAll deletes every unprotected recording regardless of age or
// quota. Destructive; the gateway audits every call.
func (e *Engine) FlushAll(ctx context.Context) (Result, error) {
	if !e.running.CompareAndSwap(false, true) {
		return Result{}, verr.New(verr.KindConflict, "retention run already in progress")
	}
	defer e.running.Store(false)

	started := time.Now()
	result := Result{ByPhase: map[string]int{}}

	for {
		recs, err := e.store.FindOldestEligible(ctx, e.batchSize)
		if err != nil {
			return result, err
		}
		if len(recs) == 0 {
			break
		}
		for i := range recs {
			if err := ctx.Err(); err != nil {
				return result, err
			}
			e.deleteRecording(ctx, &recs[i], "flush", &result)
		}
		if len(recs) < e.batchSize {
			break
		}
	}

	if e.reconciler != nil {
		if removed, err := e.reconciler.RemoveEmptyDirs(); err == nil && removed > 0 {
			e.logger.Info("Removed empty directories", "count", removed)
		}
	}

	result.Took = time.Since(started)
	result.TookMS = result.Took.Milliseconds()
	e.logger.Warn("Flushed all unprotected recordings",
		"deleted", result.Deleted, "reclaimed", result.ReclaimedBytes)
	e.bus.PublishRetentionCompleted(result.Deleted, result.ReclaimedBytes, result.Took)
	return result, nil
}

// Preview reports what a run would delete without touching anything.
func (e *Engine) Preview(ctx context.Context) (map[string]interface{}, error) {
	now := time.Now()
	expired, err := e.store.FindExpired(ctx, now, e.batchSize)
	if err != nil {
		return nil, err
	}
	var expiredBytes int64
	for _, rec := range expired {
		expiredBytes += rec.SizeBytes
	}

	total, err := e.store.TotalActiveSize(ctx)
	if err != nil {
		return nil, err
	}

	maxGB := e.store.ConfigFloat(ctx, store.KeyMaxStorageGB, e.maxStorageGB)
	overQuota := int64(0)
	if maxGB > 0 {
		if maxBytes := int64(maxGB * float64(1<<30)); total > maxBytes {
			overQuota = total - maxBytes
		}
	}

	usedPercent := 0.0
	if used, uerr := e.usageFn(e.storagePath); uerr == nil {
		usedPercent = used
	}

	return map[string]interface{}{
		"expired_count":    len(expired),
		"expired_bytes":    expiredBytes,
		"total_bytes":      total,
		"over_quota_bytes": overQuota,
		"disk_used_pct":    usedPercent,
		"running":          e.running.Load(),
	}, nil
}

// Running reports whether a pass is in flight.
func (e *Engine) Running() bool {
	return e.running.Load()
}
