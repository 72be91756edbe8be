package live

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/fleetcam/vms/internal/config"
	"github.com/fleetcam/vms/internal/verr"
)

const playlistName = "playlist.m3u8"

// publisher runs one low-latency HLS ffmpeg child for one camera and
// caches the parsed playlist so blocking requests can wait on it.
type publisher struct {
	cameraID   string
	streamURL  string
	dir        string
	ffmpegPath string
	cfg        config.LiveConfig
	logger     *slog.Logger

	mu          sync.Mutex
	cmd         *exec.Cmd
	cancel      context.CancelFunc
	watcher     *fsnotify.Watcher
	content     []byte
	state       playlistState
	changed     chan struct{}
	lastRequest time.Time
	stopping    bool
	started     time.Time
}

func newPublisher(cameraID, streamURL, dir string, cfg config.LiveConfig) *publisher {
	return &publisher{
		cameraID:    cameraID,
		streamURL:   streamURL,
		dir:         dir,
		ffmpegPath:  cfg.FFmpegPath,
		cfg:         cfg,
		logger:      slog.Default().With("component", "live", "camera", cameraID),
		changed:     make(chan struct{}),
		lastRequest: time.Now(),
	}
}

// buildLiveArgs constructs the ffmpeg argument list for the rolling
// low-latency playlist. Old segments are deleted by the muxer so the
// live directory stays bounded.
func buildLiveArgs(streamURL, dir string, cfg config.LiveConfig) []string {
	return []string{
		"-hide_banner",
		"-loglevel", "warning",
		"-fflags", "+genpts+discardcorrupt",
		"-rtsp_transport", "tcp",
		"-stimeout", "10000000",
		"-i", streamURL,
		"-c:v", "copy",
		"-c:a", "aac",
		"-f", "hls",
		"-hls_time", strconv.Itoa(cfg.SegmentSeconds),
		"-hls_list_size", strconv.Itoa(cfg.WindowSegments),
		"-hls_delete_threshold", "2",
		"-hls_flags", "delete_segments+independent_segments+temp_file",
		"-hls_segment_type", "fmp4",
		"-hls_segment_filename", filepath.Join(dir, "seg_%05d.m4s"),
		filepath.Join(dir, playlistName),
	}
}

// start spawns ffmpeg and begins watching the playlist file.
func (p *publisher) start(ctx context.Context) error {
	if err := os.MkdirAll(p.dir, 0755); err != nil {
		return verr.Wrap(verr.KindSpawnFailed, err, "create live directory: %s", p.cameraID)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return verr.Wrap(verr.KindSpawnFailed, err, "create playlist watcher: %s", p.cameraID)
	}
	if err := watcher.Add(p.dir); err != nil {
		_ = watcher.Close()
		return verr.Wrap(verr.KindSpawnFailed, err, "watch live directory: %s", p.cameraID)
	}

	procCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(procCtx, p.ffmpegPath, buildLiveArgs(p.streamURL, p.dir, p.cfg)...)
	if err := cmd.Start(); err != nil {
		cancel()
		_ = watcher.Close()
		return verr.Wrap(verr.KindSpawnFailed, err, "start live publisher: %s", p.cameraID)
	}

	p.mu.Lock()
	p.cmd = cmd
	p.cancel = cancel
	p.watcher = watcher
	p.stopping = false
	p.started = time.Now()
	p.mu.Unlock()

	p.logger.Info("Live publisher started", "pid", cmd.Process.Pid, "dir", p.dir)

	go p.watchPlaylist(watcher)
	go p.waitExit(ctx, cmd, cancel)
	return nil
}

// watchPlaylist reloads the cached playlist whenever the muxer renames
// a new version into place.
func (p *publisher) watchPlaylist(watcher *fsnotify.Watcher) {
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != playlistName {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				p.reload()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			p.logger.Warn("Playlist watcher error", "error", err)
		}
	}
}

// reload reads the playlist, updates the cache, and wakes every waiter
// by closing the broadcast channel.
func (p *publisher) reload() {
	content, err := os.ReadFile(filepath.Join(p.dir, playlistName))
	if err != nil {
		return
	}
	state := parsePlaylist(string(content))

	p.mu.Lock()
	p.content = content
	p.state = state
	close(p.changed)
	p.changed = make(chan struct{})
	p.mu.Unlock()
}

func (p *publisher) waitExit(parentCtx context.Context, cmd *exec.Cmd, cancel context.CancelFunc) {
	err := cmd.Wait()
	cancel()

	p.mu.Lock()
	voluntary := p.stopping
	p.cmd = nil
	p.cancel = nil
	p.mu.Unlock()

	if voluntary || parentCtx.Err() != nil {
		return
	}
	p.logger.Error("Live publisher exited, restarting after cool-off", "error", err)

	cooloff := time.Duration(p.cfg.RestartCooloffSec) * time.Second
	select {
	case <-parentCtx.Done():
		return
	case <-time.After(cooloff):
	}

	p.mu.Lock()
	stopping := p.stopping
	watcher := p.watcher
	p.watcher = nil
	p.mu.Unlock()
	if stopping {
		return
	}
	if watcher != nil {
		_ = watcher.Close()
	}
	if err := p.start(parentCtx); err != nil {
		p.logger.Error("Live publisher restart failed", "error", err)
	}
}

// WaitForPlaylist blocks until the playlist reaches position
// (msn, part) or the timeout expires. msn < 0 returns the current
// playlist immediately (a plain, non-blocking request), waiting only
// for the first playlist to appear.
func (p *publisher) WaitForPlaylist(ctx context.Context, msn, part int, timeout time.Duration) ([]byte, error) {
	p.touch()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		p.mu.Lock()
		content := p.content
		state := p.state
		changed := p.changed
		p.mu.Unlock()

		if len(content) > 0 {
			if msn < 0 || state.satisfies(msn, part) {
				return content, nil
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, verr.New(verr.KindPlaylistTimeout,
				"playlist did not reach msn=%d part=%d within %s", msn, part, timeout)
		case <-changed:
		}
	}
}

// touch records client interest, deferring idle teardown.
func (p *publisher) touch() {
	p.mu.Lock()
	p.lastRequest = time.Now()
	p.mu.Unlock()
}

// idleSince reports how long ago the last client asked for anything.
func (p *publisher) idleSince(now time.Time) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return now.Sub(p.lastRequest)
}

// stop kills the child, releases the watcher, wakes all waiters and
// removes the live directory.
func (p *publisher) stop() {
	p.mu.Lock()
	p.stopping = true
	cancel := p.cancel
	watcher := p.watcher
	p.watcher = nil
	close(p.changed)
	p.changed = make(chan struct{})
	p.content = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if watcher != nil {
		_ = watcher.Close()
	}
	if err := os.RemoveAll(p.dir); err != nil {
		p.logger.Warn("Remove live directory failed", "dir", p.dir, "error", err)
	}
	p.logger.Info("Live publisher stopped")
}

// status reports a snapshot for the API.
func (p *publisher) status() map[string]interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return map[string]interface{}{
		"camera_id":    p.cameraID,
		"latest_msn":   p.state.LatestMSN,
		"part_index":   p.state.PartIndex,
		"uptime_sec":   time.Since(p.started).Seconds(),
		"idle_sec":     time.Since(p.lastRequest).Seconds(),
		"playlist_url": fmt.Sprintf("/api/live/%s/playlist.m3u8", p.cameraID),
	}
}
