// Package playback serves stored segments over HTTP and exports
// arbitrary time windows as single MP4 files.
package playback

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/fleetcam/vms/internal/storage"
	"github.com/fleetcam/vms/internal/store"
	"github.com/fleetcam/vms/internal/verr"
)

// Service streams indexed recordings with byte-range support.
type Service struct {
	store  *store.Store
	layout *storage.Layout
	logger *slog.Logger
}

// NewService creates a playback service.
func NewService(st *store.Store, layout *storage.Layout) *Service {
	return &Service{
		store:  st,
		layout: layout,
		logger: slog.Default().With("component", "playback"),
	}
}

// Resolve fetches a playable recording by id. Deleted recordings are
// NotFound; a recording whose file vanished is tombstoned on the spot
// and reported as FileMissing.
func (s *Service) Resolve(ctx context.Context, id string) (*store.Recording, error) {
	rec, err := s.store.GetRecording(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status == store.StatusDeleted {
		return nil, verr.New(verr.KindNotFound, "recording deleted: %s", id)
	}

	if _, err := os.Stat(rec.FilePath); err != nil {
		if os.IsNotExist(err) {
			s.logger.Warn("Recording file missing, tombstoning", "id", id, "path", rec.FilePath)
			if merr := s.store.MarkDeleted(ctx, rec.ID); merr != nil {
				s.logger.Error("Tombstone failed", "id", id, "error", merr)
			}
			return nil, verr.New(verr.KindFileMissing, "recording file missing: %s", id)
		}
		return nil, err
	}
	return rec, nil
}

// ResolveByTime fetches the recording covering instant t for a camera.
func (s *Service) ResolveByTime(ctx context.Context, cameraID string, t time.Time) (*store.Recording, error) {
	rec, err := s.store.FindByInstant(ctx, cameraID, t)
	if err != nil {
		return nil, err
	}
	return s.Resolve(ctx, rec.ID)
}

// Serve streams a resolved recording, honoring Range requests.
func (s *Service) Serve(w http.ResponseWriter, r *http.Request, rec *store.Recording) error {
	f, err := os.Open(rec.FilePath)
	if err != nil {
		if os.IsNotExist(err) {
			if merr := s.store.MarkDeleted(r.Context(), rec.ID); merr != nil {
				s.logger.Error("Tombstone failed", "id", rec.ID, "error", merr)
			}
			return verr.New(verr.KindFileMissing, "recording file missing: %s", rec.ID)
		}
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	w.Header().Set("Content-Type", "video/mp4")
	http.ServeContent(w, r, rec.ID+".mp4", info.ModTime(), f)
	return nil
}
