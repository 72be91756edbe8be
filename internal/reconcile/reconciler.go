// Package reconcile re-syncs the segment index with what is actually
// on disk. The forward sweep finds index rows whose files vanished;
// the reverse sweep finds files the index never learned about, which
// happens when the process dies between segment close and finalize.
package reconcile

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fleetcam/vms/internal/bus"
	"github.com/fleetcam/vms/internal/storage"
	"github.com/fleetcam/vms/internal/store"
)

// Reconciler walks the recordings tree and the index and repairs
// disagreements between them.
type Reconciler struct {
	store  *store.Store
	layout *storage.Layout
	bus    *bus.Bus
	logger *slog.Logger

	markMissingDeleted bool
	retentionDays      int
	segmentSeconds     int
}

// New creates a reconciler. markMissingDeleted controls whether the
// forward sweep tombstones rows for vanished files or only reports
// them.
func New(st *store.Store, layout *storage.Layout, eventBus *bus.Bus,
	markMissingDeleted bool, retentionDays, segmentSeconds int) *Reconciler {
	return &Reconciler{
		store:              st,
		layout:             layout,
		bus:                eventBus,
		logger:             slog.Default().With("component", "reconcile"),
		markMissingDeleted: markMissingDeleted,
		retentionDays:      retentionDays,
		segmentSeconds:     segmentSeconds,
	}
}

// Report summarizes one reconciliation pass.
type Report struct {
	Scanned       int `json:"scanned"`
	Missing       int `json:"missing"`
	MarkedDeleted int `json:"marked_deleted"`
	Recovered     int `json:"recovered"`
	Removed       int `json:"orphans_removed"`
	SizeFixed     int `json:"size_fixed"`
	EmptyDirs     int `json:"empty_dirs_removed"`
}

// Run performs a full reconciliation: forward sweep, reverse sweep,
// then empty directory cleanup. minAge guards the reverse sweep
// against indexing a segment ffmpeg is still writing.
func (r *Reconciler) Run(ctx context.Context, minAge time.Duration) (Report, error) {
	report, err := r.ForwardSweep(ctx)
	if err != nil {
		return report, err
	}

	rev, err := r.ReverseSweep(ctx, minAge)
	if err != nil {
		return report, err
	}
	report.Recovered = rev.Recovered

	removed, err := r.RemoveEmptyDirs()
	if err != nil {
		r.logger.Warn("Empty directory cleanup incomplete", "error", err)
	}
	report.EmptyDirs = removed

	r.logger.Info("Reconciliation complete",
		"scanned", report.Scanned, "missing", report.Missing,
		"marked_deleted", report.MarkedDeleted, "recovered", report.Recovered,
		"empty_dirs", report.EmptyDirs)
	return report, nil
}

// ForwardSweep checks every active index row against the filesystem.
func (r *Reconciler) ForwardSweep(ctx context.Context) (Report, error) {
	var report Report

	recs, err := r.store.FindActive(ctx)
	if err != nil {
		return report, err
	}

	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Scanned++

		if _, err := os.Stat(rec.FilePath); err == nil {
			continue
		} else if !os.IsNotExist(err) {
			r.logger.Warn("Stat failed during forward sweep", "path", rec.FilePath, "error", err)
			continue
		}

		report.Missing++
		if !r.markMissingDeleted {
			r.logger.Warn("Indexed recording missing on disk", "id", rec.ID, "path", rec.FilePath)
			continue
		}

		if err := r.store.MarkDeleted(ctx, rec.ID); err != nil {
			r.logger.Error("Tombstone missing recording failed", "id", rec.ID, "error", err)
			continue
		}
		report.MarkedDeleted++
		r.bus.PublishRecordingDeleted(rec.ID, rec.CameraID, rec.FilePath, "missing")
	}

	return report, nil
}

// ReverseSweep walks the recordings tree and indexes segment files the
// store does not know about. Files modified within minAge of now are
// skipped; they may still be open.
func (r *Reconciler) ReverseSweep(ctx context.Context, minAge time.Duration) (Report, error) {
	var report Report
	cutoff := time.Now().Add(-minAge)
	root := r.layout.RecordingsRoot()

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if d.IsDir() {
			return nil
		}
		report.Scanned++

		parsed, perr := r.layout.ParseSegmentName(path)
		if perr != nil {
			r.logger.Debug("Skipping non-segment file", "path", path)
			return nil
		}

		// The age guard keys on the modification time, not the
		// filename timestamp: a writer can still hold a file whose
		// embedded start is long past.
		info, serr := d.Info()
		if serr != nil {
			return nil
		}
		if info.ModTime().After(cutoff) {
			return nil
		}

		cameraID := parsed.CameraID
		if cameraID == "" {
			cameraID = r.layout.CameraIDFromPath(path)
		}
		if cameraID == "" {
			r.logger.Warn("Cannot attribute segment to a camera", "path", path)
			return nil
		}

		known, kerr := r.store.PathKnown(ctx, path)
		if kerr != nil {
			return kerr
		}
		if known {
			return nil
		}

		rec := &store.Recording{
			CameraID:    cameraID,
			FilePath:    path,
			StartTime:   parsed.StartTime,
			EndTime:     parsed.StartTime.Add(time.Duration(r.segmentSeconds) * time.Second),
			DurationSec: r.segmentSeconds,
			SizeBytes:   info.Size(),
			Status:      store.StatusCompleted,
			RetentionAt: parsed.StartTime.AddDate(0, 0, r.retentionDays),
			Recovered:   true,
		}
		if ierr := r.store.InsertRecording(ctx, rec); ierr != nil {
			r.logger.Error("Recover segment failed", "path", path, "error", ierr)
			return nil
		}
		report.Recovered++
		r.logger.Info("Recovered unindexed segment", "camera", cameraID, "path", path)
		return nil
	})
	return report, err
}

// RemoveOrphans is the destructive counterpart to ReverseSweep: it
// deletes segment files the index does not reference instead of
// importing them. The same modification-time guard protects files a
// recorder may still be writing.
func (r *Reconciler) RemoveOrphans(ctx context.Context, minAge time.Duration) (Report, error) {
	var report Report
	cutoff := time.Now().Add(-minAge)
	root := r.layout.RecordingsRoot()

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if d.IsDir() {
			return nil
		}
		report.Scanned++

		if _, perr := r.layout.ParseSegmentName(path); perr != nil {
			return nil
		}
		info, serr := d.Info()
		if serr != nil {
			return nil
		}
		if info.ModTime().After(cutoff) {
			return nil
		}

		known, kerr := r.store.PathKnown(ctx, path)
		if kerr != nil {
			return kerr
		}
		if known {
			return nil
		}

		if rerr := os.Remove(path); rerr != nil && !os.IsNotExist(rerr) {
			r.logger.Error("Remove orphan segment failed", "path", path, "error", rerr)
			return nil
		}
		report.Removed++
		r.logger.Info("Removed orphan segment", "path", path)
		return nil
	})
	return report, err
}

// CheckIntegrity compares indexed sizes against the files and, when
// fix is set, repairs rows whose recorded size drifted, which can
// happen after a crash mid-finalize.
func (r *Reconciler) CheckIntegrity(ctx context.Context, fix bool) (Report, error) {
	var report Report

	recs, err := r.store.FindActive(ctx)
	if err != nil {
		return report, err
	}
	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Scanned++

		info, serr := os.Stat(rec.FilePath)
		if serr != nil {
			if os.IsNotExist(serr) {
				report.Missing++
			}
			continue
		}
		if info.Size() != rec.SizeBytes {
			if !fix {
				report.SizeFixed++
				continue
			}
			if uerr := r.store.UpdateRecordingSize(ctx, rec.ID, info.Size()); uerr != nil {
				r.logger.Error("Fix recording size failed", "id", rec.ID, "error", uerr)
				continue
			}
			report.SizeFixed++
		}
	}
	return report, nil
}

// RemoveEmptyDirs removes empty hour/day/month/year directories under
// the recordings root, deepest first. Camera directories themselves
// stay so an idle camera keeps its place.
func (r *Reconciler) RemoveEmptyDirs() (int, error) {
	root := r.layout.RecordingsRoot()

	var dirs []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !d.IsDir() || path == root {
			return nil
		}
		// Keep <root>/recordings/<cameraID>.
		if filepath.Dir(path) == root {
			return nil
		}
		dirs = append(dirs, path)
		return nil
	})
	if err != nil {
		return 0, err
	}

	// Deepest first so emptied parents go too.
	sort.Slice(dirs, func(i, j int) bool { return len(dirs[i]) > len(dirs[j]) })

	removed := 0
	for _, dir := range dirs {
		entries, rerr := os.ReadDir(dir)
		if rerr != nil || len(entries) > 0 {
			continue
		}
		if rerr := os.Remove(dir); rerr == nil {
			removed++
		}
	}
	return removed, nil
}
