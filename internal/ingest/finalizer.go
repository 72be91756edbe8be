package ingest

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/fleetcam/vms/internal/bus"
	"github.com/fleetcam/vms/internal/storage"
	"github.com/fleetcam/vms/internal/store"
	"github.com/fleetcam/vms/internal/verr"
)

// minSegmentBytes is the size below which a closed segment carries no
// usable video and is discarded instead of indexed.
const minSegmentBytes = 1024

// Finalizer turns closed segment files into index records. Finalizing
// the same file twice is harmless; the unique path constraint makes
// the insert idempotent.
type Finalizer struct {
	store  *store.Store
	layout *storage.Layout
	bus    *bus.Bus
	logger *slog.Logger

	segmentSeconds       int
	defaultRetentionDays int

	// stat retry schedule, overridable in tests
	statRetries int
	statDelay   time.Duration
}

// NewFinalizer creates a finalizer.
func NewFinalizer(st *store.Store, layout *storage.Layout, eventBus *bus.Bus,
	segmentSeconds, retentionDays int) *Finalizer {
	return &Finalizer{
		store:                st,
		layout:               layout,
		bus:                  eventBus,
		logger:               slog.Default().With("component", "finalizer"),
		segmentSeconds:       segmentSeconds,
		defaultRetentionDays: retentionDays,
		statRetries:          3,
		statDelay:            2 * time.Second,
	}
}

// Finalize indexes one closed segment file.
func (f *Finalizer) Finalize(ctx context.Context, cameraID, path string) error {
	info, err := f.statWithRetry(path)
	if err != nil {
		f.logger.Error("Segment vanished before finalize", "path", path, "error", err)
		return verr.Wrap(verr.KindFileMissing, err, "stat segment: %s", path)
	}

	if info.Size() < minSegmentBytes {
		f.logger.Warn("Discarding undersized segment", "path", path, "size", info.Size())
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			f.logger.Error("Remove undersized segment failed", "path", path, "error", err)
		}
		return nil
	}

	parsed, err := f.layout.ParseSegmentName(path)
	if err != nil {
		return err
	}
	start := parsed.StartTime

	cam, err := f.store.GetCamera(ctx, cameraID)
	if err != nil && !verr.Is(err, verr.KindNotFound) {
		return err
	}

	// Per-camera retention wins over the runtime setting, which wins
	// over the file default.
	retentionDays := f.defaultRetentionDays
	if cam != nil && cam.RetentionDays > 0 {
		retentionDays = cam.RetentionDays
	} else {
		retentionDays = f.store.ConfigInt(ctx, store.KeyRetentionDays, retentionDays)
	}

	// TODO: probe the real duration with ffprobe instead of assuming a
	// full segment; the last segment before a stop or crash is shorter.
	rec := &store.Recording{
		CameraID:    cameraID,
		FilePath:    path,
		StartTime:   start,
		EndTime:     start.Add(time.Duration(f.segmentSeconds) * time.Second),
		DurationSec: f.segmentSeconds,
		SizeBytes:   info.Size(),
		Status:      store.StatusCompleted,
		RetentionAt: start.AddDate(0, 0, retentionDays),
	}
	if cam != nil {
		rec.Codec = cam.Codec
		rec.Resolution = cam.Resolution
		rec.Bitrate = cam.Bitrate
		rec.FPS = cam.FPS
	}

	if err := f.store.InsertRecording(ctx, rec); err != nil {
		if verr.Is(err, verr.KindConflict) {
			// Already indexed, nothing to do.
			return nil
		}
		return err
	}

	if cam != nil {
		now := time.Now()
		online := store.ConnOnline
		if err := f.store.PatchCameraState(ctx, cameraID, store.StateDelta{
			Conn: &online, LastSeen: &now,
		}); err != nil {
			f.logger.Error("Patch camera after finalize failed", "camera", cameraID, "error", err)
		}
	}

	f.bus.PublishSegmentFinalized(rec.ID, cameraID, path, start, info.Size())
	f.logger.Info("Segment indexed",
		"camera", cameraID, "path", path, "size", info.Size(), "start", start)
	return nil
}

// statWithRetry tolerates the short window where ffmpeg has announced
// the next segment but the filesystem has not flushed the previous one.
func (f *Finalizer) statWithRetry(path string) (os.FileInfo, error) {
	var lastErr error
	for attempt := 0; attempt < f.statRetries; attempt++ {
		info, err := os.Stat(path)
		if err == nil {
			return info, nil
		}
		lastErr = err
		if attempt < f.statRetries-1 {
			time.Sleep(f.statDelay)
		}
	}
	return nil, lastErr
}
