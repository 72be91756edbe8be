// Package live serves low-latency HLS for cameras on demand. A
// publisher spins up on the first playlist request and tears down
// after an idle grace period.
package live

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fleetcam/vms/internal/config"
	"github.com/fleetcam/vms/internal/ingest"
	"github.com/fleetcam/vms/internal/storage"
	"github.com/fleetcam/vms/internal/store"
	"github.com/fleetcam/vms/internal/verr"
)

// Manager owns the set of live publishers.
type Manager struct {
	store   *store.Store
	layout  *storage.Layout
	keyring *config.Keyring
	cfg     config.LiveConfig
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	pubs   map[string]*publisher
	closed bool
}

// NewManager creates a live manager. ctx bounds all publisher child
// processes.
func NewManager(ctx context.Context, st *store.Store, layout *storage.Layout,
	keyring *config.Keyring, cfg config.LiveConfig) *Manager {
	mctx, cancel := context.WithCancel(ctx)
	return &Manager{
		store:   st,
		layout:  layout,
		keyring: keyring,
		cfg:     cfg,
		logger:  slog.Default().With("component", "live"),
		ctx:     mctx,
		cancel:  cancel,
		pubs:    make(map[string]*publisher),
	}
}

// Run reaps idle publishers until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	grace := time.Duration(m.cfg.IdleGraceSec) * time.Second
	ticker := time.NewTicker(grace / 4)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.reapIdle(now, grace)
		}
	}
}

func (m *Manager) reapIdle(now time.Time, grace time.Duration) {
	m.mu.Lock()
	var idle []*publisher
	for id, p := range m.pubs {
		if p.idleSince(now) > grace {
			idle = append(idle, p)
			delete(m.pubs, id)
		}
	}
	m.mu.Unlock()

	for _, p := range idle {
		m.logger.Info("Tearing down idle live publisher", "camera", p.cameraID)
		p.stop()
	}
}

// Playlist returns the camera's live playlist, blocking until it has
// reached (msn, part) per low-latency HLS semantics. msn < 0 serves
// the current playlist. The publisher starts on first use.
func (m *Manager) Playlist(ctx context.Context, cameraID string, msn, part int) ([]byte, error) {
	p, err := m.publisherFor(ctx, cameraID)
	if err != nil {
		return nil, err
	}
	timeout := time.Duration(m.cfg.WaitTimeoutSec) * time.Second
	return p.WaitForPlaylist(ctx, msn, part, timeout)
}

// MediaPath resolves a media file inside a camera's live directory,
// refusing anything that escapes it.
func (m *Manager) MediaPath(cameraID, name string) (string, error) {
	if strings.Contains(name, "..") || strings.ContainsAny(name, "/\\") {
		return "", verr.New(verr.KindBadPath, "bad media name: %s", name)
	}
	dir := m.layout.LiveDir(cameraID)
	path := filepath.Join(dir, name)
	if filepath.Dir(path) != filepath.Clean(dir) {
		return "", verr.New(verr.KindBadPath, "bad media name: %s", name)
	}

	m.mu.Lock()
	p, ok := m.pubs[cameraID]
	m.mu.Unlock()
	if !ok {
		return "", verr.New(verr.KindNotFound, "no live session for camera %s", cameraID)
	}
	p.touch()
	return path, nil
}

// Active reports whether a camera has a live publisher.
func (m *Manager) Active(cameraID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pubs[cameraID]
	return ok
}

// Status reports snapshots of all running publishers.
func (m *Manager) Status() []map[string]interface{} {
	m.mu.Lock()
	pubs := make([]*publisher, 0, len(m.pubs))
	for _, p := range m.pubs {
		pubs = append(pubs, p)
	}
	m.mu.Unlock()

	out := make([]map[string]interface{}, 0, len(pubs))
	for _, p := range pubs {
		out = append(out, p.status())
	}
	return out
}

// Stop tears down one camera's publisher if running.
func (m *Manager) Stop(cameraID string) {
	m.mu.Lock()
	p, ok := m.pubs[cameraID]
	delete(m.pubs, cameraID)
	m.mu.Unlock()
	if ok {
		p.stop()
	}
}

// Shutdown stops every publisher and refuses new sessions.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.closed = true
	pubs := make([]*publisher, 0, len(m.pubs))
	for _, p := range m.pubs {
		pubs = append(pubs, p)
	}
	m.pubs = make(map[string]*publisher)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, p := range pubs {
		wg.Add(1)
		go func(p *publisher) {
			defer wg.Done()
			p.stop()
		}(p)
	}
	wg.Wait()
	m.cancel()
	m.logger.Info("Live manager stopped")
}

// publisherFor returns the camera's publisher, starting one if needed.
func (m *Manager) publisherFor(ctx context.Context, cameraID string) (*publisher, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, verr.New(verr.KindConflict, "live manager is shutting down")
	}
	if p, ok := m.pubs[cameraID]; ok {
		m.mu.Unlock()
		return p, nil
	}
	m.mu.Unlock()

	cam, err := m.store.GetCamera(ctx, cameraID)
	if err != nil {
		return nil, err
	}
	if !cam.Active {
		return nil, verr.New(verr.KindValidation, "camera %s is not active", cameraID)
	}
	password, err := m.keyring.Decrypt(cam.EncPassword)
	if err != nil {
		return nil, verr.Wrap(verr.KindSpawnFailed, err, "decrypt camera credentials: %s", cameraID)
	}

	p := newPublisher(cameraID, ingest.BuildRTSPURL(cam, password), m.layout.LiveDir(cameraID), m.cfg)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, verr.New(verr.KindConflict, "live manager is shutting down")
	}
	if existing, ok := m.pubs[cameraID]; ok {
		// Lost the race; use the one that won.
		m.mu.Unlock()
		return existing, nil
	}
	m.pubs[cameraID] = p
	m.mu.Unlock()

	if err := p.start(m.ctx); err != nil {
		m.mu.Lock()
		delete(m.pubs, cameraID)
		m.mu.Unlock()
		return nil, err
	}
	return p, nil
}
