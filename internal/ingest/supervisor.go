package ingest

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fleetcam/vms/internal/bus"
	"github.com/fleetcam/vms/internal/config"
	"github.com/fleetcam/vms/internal/storage"
	"github.com/fleetcam/vms/internal/store"
	"github.com/fleetcam/vms/internal/verr"
)

// handle tracks one camera's recorder and its pending restart.
type handle struct {
	rec          *recorder
	restartTimer *time.Timer
	wanted       bool
}

// Supervisor owns the set of recording processes. One recorder per
// camera; crashed recorders restart after a cool-off, hung ones are
// killed by the periodic sweep.
type Supervisor struct {
	store     *store.Store
	layout    *storage.Layout
	keyring   *config.Keyring
	finalizer *Finalizer
	bus       *bus.Bus
	cfg       config.IngestConfig
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	handles map[string]*handle
	closed  bool
}

// NewSupervisor creates a supervisor. ctx bounds the lifetime of every
// child process it spawns.
func NewSupervisor(ctx context.Context, st *store.Store, layout *storage.Layout,
	keyring *config.Keyring, fin *Finalizer, eventBus *bus.Bus, cfg config.IngestConfig) *Supervisor {

	sctx, cancel := context.WithCancel(ctx)
	return &Supervisor{
		store:     st,
		layout:    layout,
		keyring:   keyring,
		finalizer: fin,
		bus:       eventBus,
		cfg:       cfg,
		logger:    slog.Default().With("component", "ingest"),
		ctx:       sctx,
		cancel:    cancel,
		handles:   make(map[string]*handle),
	}
}

// Start begins recording a camera. Starting an already-recording
// camera is a no-op.
func (s *Supervisor) Start(ctx context.Context, cam *store.Camera) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return verr.New(verr.KindConflict, "supervisor is shutting down")
	}
	if h, ok := s.handles[cam.ID]; ok && h.wanted {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	password, err := s.keyring.Decrypt(cam.EncPassword)
	if err != nil {
		return verr.Wrap(verr.KindSpawnFailed, err, "decrypt camera credentials: %s", cam.ID)
	}

	if err := storage.EnsureDir(s.layout.CameraDir(cam.ID)); err != nil {
		return verr.Wrap(verr.KindSpawnFailed, err, "create camera directory: %s", cam.ID)
	}

	rec := newRecorder(
		cam.ID,
		BuildRTSPURL(cam, password),
		s.cfg.FFmpegPath,
		s.layout.SegmentPattern(cam.ID, "mp4"),
		s.cfg.SegmentSeconds,
		time.Duration(s.cfg.StopGraceSec)*time.Second,
	)
	rec.onSegmentClosed = func(path string) {
		if err := s.finalizer.Finalize(context.Background(), cam.ID, path); err != nil {
			s.logger.Error("Finalize segment failed", "camera", cam.ID, "path", path, "error", err)
		}
	}
	rec.onExit = func(voluntary bool, err error) {
		s.handleExit(cam.ID, voluntary, err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return verr.New(verr.KindConflict, "supervisor is shutting down")
	}
	s.handles[cam.ID] = &handle{rec: rec, wanted: true}
	s.mu.Unlock()

	if err := rec.start(s.ctx); err != nil {
		s.patchState(cam.ID, store.ConnError, store.RecError, err.Error())
		return verr.Wrap(verr.KindSpawnFailed, err, "start recorder: %s", cam.ID)
	}

	s.patchState(cam.ID, store.ConnOnline, store.RecRecording, "")
	return nil
}

// Stop ends recording for a camera and cancels any pending restart.
func (s *Supervisor) Stop(cameraID string) {
	s.mu.Lock()
	h, ok := s.handles[cameraID]
	if ok {
		h.wanted = false
		if h.restartTimer != nil {
			h.restartTimer.Stop()
			h.restartTimer = nil
		}
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	h.rec.stop()
	s.patchState(cameraID, store.ConnOffline, store.RecStopped, "")

	s.mu.Lock()
	delete(s.handles, cameraID)
	s.mu.Unlock()
}

// Running reports whether a camera has an active recorder.
func (s *Supervisor) Running(cameraID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[cameraID]
	return ok && h.wanted
}

// Status returns snapshots for all managed recorders.
func (s *Supervisor) Status() []RecorderStatus {
	s.mu.Lock()
	recs := make([]*recorder, 0, len(s.handles))
	for _, h := range s.handles {
		recs = append(recs, h.rec)
	}
	s.mu.Unlock()

	out := make([]RecorderStatus, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.status())
	}
	return out
}

// SweepHung kills recorders that stopped making progress. The restart
// path then brings them back. Returns the killed camera ids.
func (s *Supervisor) SweepHung(now time.Time) []string {
	activityTimeout := time.Duration(s.cfg.ActivityTimeoutSec) * time.Second
	segmentTimeout := time.Duration(s.cfg.SegmentTimeoutSec) * time.Second

	s.mu.Lock()
	var stuck []*recorder
	for _, h := range s.handles {
		if h.wanted && h.rec.hung(now, activityTimeout, segmentTimeout) {
			stuck = append(stuck, h.rec)
		}
	}
	s.mu.Unlock()

	killed := make([]string, 0, len(stuck))
	for _, r := range stuck {
		s.logger.Warn("Killing hung recorder", "camera", r.cameraID)
		r.kill()
		killed = append(killed, r.cameraID)
	}
	return killed
}

// Shutdown stops all recorders and refuses new starts. Blocks until
// every child has exited or its grace expired.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	s.closed = true
	var recs []*recorder
	for _, h := range s.handles {
		h.wanted = false
		if h.restartTimer != nil {
			h.restartTimer.Stop()
		}
		recs = append(recs, h.rec)
	}
	s.handles = make(map[string]*handle)
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, r := range recs {
		wg.Add(1)
		go func(r *recorder) {
			defer wg.Done()
			r.stop()
		}(r)
	}
	wg.Wait()
	s.cancel()
	s.logger.Info("Ingest supervisor stopped")
}

// handleExit reacts to a recorder's process ending. Involuntary exits
// schedule a restart after the cool-off so a flapping camera cannot
// spin the supervisor. A spontaneous clean exit only releases the
// handle; the health sweep restarts the camera if it should still be
// recording.
func (s *Supervisor) handleExit(cameraID string, voluntary bool, err error) {
	if voluntary {
		s.mu.Lock()
		h, ok := s.handles[cameraID]
		spontaneous := ok && h.wanted && !s.closed
		if spontaneous {
			delete(s.handles, cameraID)
		}
		s.mu.Unlock()

		if spontaneous {
			s.patchState(cameraID, store.ConnOffline, store.RecStopped, "")
		}
		return
	}

	msg := "recorder exited"
	if err != nil {
		msg = err.Error()
	}
	s.patchState(cameraID, store.ConnError, store.RecError, msg)

	cooloff := time.Duration(s.cfg.RestartCooloffSec) * time.Second
	s.mu.Lock()
	h, ok := s.handles[cameraID]
	if !ok || !h.wanted || s.closed {
		s.mu.Unlock()
		return
	}
	h.restartTimer = time.AfterFunc(cooloff, func() { s.restart(cameraID) })
	s.mu.Unlock()

	s.logger.Info("Recorder restart scheduled", "camera", cameraID, "cooloff", cooloff)
}

func (s *Supervisor) restart(cameraID string) {
	s.mu.Lock()
	h, ok := s.handles[cameraID]
	if !ok || !h.wanted || s.closed {
		s.mu.Unlock()
		return
	}
	delete(s.handles, cameraID)
	s.mu.Unlock()

	cam, err := s.store.GetCamera(s.ctx, cameraID)
	if err != nil {
		s.logger.Error("Restart aborted, camera lookup failed", "camera", cameraID, "error", err)
		return
	}
	if !cam.Active || cam.Mode != store.ModeContinuous {
		return
	}
	if err := s.Start(s.ctx, cam); err != nil {
		s.logger.Error("Recorder restart failed", "camera", cameraID, "error", err)
	}
}

func (s *Supervisor) patchState(cameraID string, conn store.ConnState, rec store.RecState, errMsg string) {
	delta := store.StateDelta{Conn: &conn, Rec: &rec, LastError: &errMsg}
	if conn == store.ConnOnline {
		now := time.Now()
		delta.LastSeen = &now
	}
	if err := s.store.PatchCameraState(context.Background(), cameraID, delta); err != nil {
		s.logger.Error("Patch camera state failed", "camera", cameraID, "error", err)
	}
	s.bus.PublishCameraState(cameraID, string(conn), string(rec), errMsg)
}
