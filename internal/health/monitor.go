// Package health watches the moving parts of the VMS: it pings the
// store, sweeps hung recorders and restarts recording for active
// cameras that should be recording but are not.
package health

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fleetcam/vms/internal/bus"
	"github.com/fleetcam/vms/internal/ingest"
	"github.com/fleetcam/vms/internal/store"
)

const defaultInterval = 30 * time.Second

// Monitor runs periodic health checks and repairs.
type Monitor struct {
	store      *store.Store
	supervisor *ingest.Supervisor
	bus        *bus.Bus
	interval   time.Duration
	logger     *slog.Logger

	startedAt time.Time
	draining  atomic.Bool

	mu       sync.Mutex
	storeOK  bool
	busOK    bool
	lastErr  string
	lastTick time.Time
}

// New creates a monitor. interval <= 0 uses the default.
func New(st *store.Store, sup *ingest.Supervisor, eventBus *bus.Bus, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Monitor{
		store:      st,
		supervisor: sup,
		bus:        eventBus,
		interval:   interval,
		logger:     slog.Default().With("component", "health"),
		startedAt:  time.Now(),
		storeOK:    true,
		busOK:      true,
	}
}

// Run ticks until ctx is cancelled. The first check runs immediately.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *Monitor) tick(ctx context.Context) {
	now := time.Now()

	storeErr := m.store.Health(ctx)
	busErr := m.bus.Health(ctx)

	m.mu.Lock()
	m.lastTick = now
	m.storeOK = storeErr == nil
	m.busOK = busErr == nil
	m.lastErr = ""
	if storeErr != nil {
		m.lastErr = storeErr.Error()
	} else if busErr != nil {
		m.lastErr = busErr.Error()
	}
	m.mu.Unlock()

	if storeErr != nil {
		m.logger.Error("Store health check failed", "error", storeErr)
		// Cannot trust the inventory; skip repairs this round.
		return
	}
	if busErr != nil {
		m.logger.Warn("Bus health check failed", "error", busErr)
	}

	if m.supervisor != nil && !m.draining.Load() {
		if killed := m.supervisor.SweepHung(now); len(killed) > 0 {
			m.logger.Warn("Hung recorders killed", "cameras", killed)
		}
		m.ensureRecorders(ctx)
	}

	m.bus.Publish(bus.SubjectSystemHealth, m.Snapshot(ctx))
}

// ensureRecorders starts recording for any active continuous camera
// without a running recorder, catching cameras added while the
// supervisor was degraded.
func (m *Monitor) ensureRecorders(ctx context.Context) {
	cams, err := m.store.ListCameras(ctx, store.CameraFilter{ActiveOnly: true})
	if err != nil {
		m.logger.Error("Camera list failed during health tick", "error", err)
		return
	}
	for i := range cams {
		cam := &cams[i]
		if cam.Mode != store.ModeContinuous || m.supervisor.Running(cam.ID) {
			continue
		}
		m.logger.Info("Starting recorder for idle camera", "camera", cam.ID)
		if err := m.supervisor.Start(ctx, cam); err != nil {
			m.logger.Error("Recorder start failed during health tick", "camera", cam.ID, "error", err)
		}
	}
}

// SetDraining flags the service as shutting down. Health reports
// draining and repairs stop so shutdown is not fought.
func (m *Monitor) SetDraining(v bool) {
	m.draining.Store(v)
}

// Draining reports whether shutdown is in progress.
func (m *Monitor) Draining() bool {
	return m.draining.Load()
}

// Snapshot reports current health for the API.
func (m *Monitor) Snapshot(ctx context.Context) map[string]interface{} {
	m.mu.Lock()
	storeOK, busOK, lastErr, lastTick := m.storeOK, m.busOK, m.lastErr, m.lastTick
	m.mu.Unlock()

	status := "healthy"
	switch {
	case m.draining.Load():
		status = "draining"
	case !storeOK:
		status = "unhealthy"
	case !busOK:
		status = "degraded"
	}

	snap := map[string]interface{}{
		"status":     status,
		"uptime_sec": int64(time.Since(m.startedAt).Seconds()),
		"store_ok":   storeOK,
		"bus_ok":     busOK,
	}
	if lastErr != "" {
		snap["error"] = lastErr
	}
	if !lastTick.IsZero() {
		snap["checked_at"] = lastTick.UTC()
	}
	if m.supervisor != nil {
		snap["recorders"] = m.supervisor.Status()
	}
	return snap
}
