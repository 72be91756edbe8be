// Package ingest supervises per-camera ffmpeg recording processes and
// indexes the segments they produce.
package ingest

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"time"
)

// RecorderState is the lifecycle state of one recording process.
type RecorderState string

const (
	RecorderIdle     RecorderState = "idle"
	RecorderStarting RecorderState = "starting"
	RecorderRunning  RecorderState = "running"
	RecorderStopping RecorderState = "stopping"
	RecorderError    RecorderState = "error"
)

// segmentOpenPattern matches the ffmpeg segment muxer announcing a new
// output file on stderr.
var segmentOpenPattern = regexp.MustCompile(`Opening '(.+\.mp4)' for writing`)

// recorder runs one ffmpeg child for one camera and watches its stderr
// for segment boundaries.
type recorder struct {
	cameraID       string
	streamURL      string
	ffmpegPath     string
	outputPattern  string
	segmentSeconds int
	stopGrace      time.Duration
	logger         *slog.Logger

	// onSegmentClosed fires when a segment file is known complete,
	// either because the next one opened or because ffmpeg exited.
	onSegmentClosed func(path string)
	// onExit fires once per process exit. voluntary is true when the
	// recorder was asked to stop.
	onExit func(voluntary bool, err error)

	mu              sync.Mutex
	state           RecorderState
	cmd             *exec.Cmd
	cancel          context.CancelFunc
	stopping        bool
	currentSegment  string
	segmentsOpened  int
	startedAt       time.Time
	lastActivity    time.Time
	lastSegmentOpen time.Time
	lastError       string
}

func newRecorder(cameraID, streamURL, ffmpegPath, outputPattern string, segmentSeconds int, stopGrace time.Duration) *recorder {
	return &recorder{
		cameraID:       cameraID,
		streamURL:      streamURL,
		ffmpegPath:     ffmpegPath,
		outputPattern:  outputPattern,
		segmentSeconds: segmentSeconds,
		stopGrace:      stopGrace,
		state:          RecorderIdle,
		logger:         slog.Default().With("component", "recorder", "camera", cameraID),
	}
}

// start launches the ffmpeg child. The returned error covers spawn
// failures only; runtime exits are reported through onExit.
func (r *recorder) start(ctx context.Context) error {
	r.mu.Lock()
	if r.state == RecorderRunning || r.state == RecorderStarting {
		r.mu.Unlock()
		return nil
	}
	r.state = RecorderStarting
	r.stopping = false
	r.mu.Unlock()

	procCtx, cancel := context.WithCancel(ctx)
	args := buildRecordArgs(r.streamURL, r.outputPattern, r.segmentSeconds)
	cmd := exec.CommandContext(procCtx, r.ffmpegPath, args...)

	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		r.setError(err)
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		r.setError(err)
		return fmt.Errorf("start ffmpeg: %w", err)
	}

	now := time.Now()
	r.mu.Lock()
	r.cmd = cmd
	r.cancel = cancel
	r.state = RecorderRunning
	r.startedAt = now
	r.lastActivity = now
	r.lastSegmentOpen = now
	r.currentSegment = ""
	r.segmentsOpened = 0
	r.mu.Unlock()

	r.logger.Info("Recorder started",
		"pid", cmd.Process.Pid, "url", sanitizeURL(r.streamURL))

	go r.watchStderr(bufio.NewScanner(stderr))
	go r.waitExit(cmd, cancel)
	return nil
}

// watchStderr scans ffmpeg output. Every line counts as liveness; a
// segment-open line closes the previous segment.
func (r *recorder) watchStderr(scanner *bufio.Scanner) {
	for scanner.Scan() {
		line := scanner.Text()

		r.mu.Lock()
		r.lastActivity = time.Now()
		r.mu.Unlock()

		if strings.Contains(line, "error") || strings.Contains(line, "Error") {
			r.logger.Warn("ffmpeg output", "line", line)
		}

		if matches := segmentOpenPattern.FindStringSubmatch(line); len(matches) > 1 {
			opened := matches[1]

			r.mu.Lock()
			previous := r.currentSegment
			r.currentSegment = opened
			r.segmentsOpened++
			r.lastSegmentOpen = time.Now()
			r.mu.Unlock()

			r.logger.Debug("Segment opened", "path", opened)
			if previous != "" && r.onSegmentClosed != nil {
				go r.onSegmentClosed(previous)
			}
		}
	}
}

func (r *recorder) waitExit(cmd *exec.Cmd, cancel context.CancelFunc) {
	err := cmd.Wait()
	cancel()

	r.mu.Lock()
	// A clean exit counts as voluntary even without a stop request;
	// the health sweep restarts the camera if it should be recording.
	voluntary := r.stopping || err == nil
	last := r.currentSegment
	r.currentSegment = ""
	r.cmd = nil
	r.cancel = nil
	if voluntary {
		r.state = RecorderIdle
	} else {
		r.state = RecorderError
		r.lastError = err.Error()
	}
	r.mu.Unlock()

	// The final segment has no successor; ffmpeg closed it on exit.
	if last != "" && r.onSegmentClosed != nil {
		r.onSegmentClosed(last)
	}

	if voluntary {
		r.logger.Info("Recorder stopped")
	} else {
		r.logger.Error("Recorder exited unexpectedly", "error", err)
	}
	if r.onExit != nil {
		r.onExit(voluntary, err)
	}
}

// stop asks ffmpeg to exit cleanly, escalating to SIGKILL after the
// grace period.
func (r *recorder) stop() {
	r.mu.Lock()
	if r.state != RecorderRunning && r.state != RecorderStarting {
		r.mu.Unlock()
		return
	}
	r.state = RecorderStopping
	r.stopping = true
	cmd := r.cmd
	cancel := r.cancel
	r.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Signal(syscall.SIGTERM)
	}

	deadline := time.After(r.stopGrace)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-deadline:
			if cancel != nil {
				cancel()
			}
			return
		case <-ticker.C:
			r.mu.Lock()
			done := r.state == RecorderIdle || r.state == RecorderError
			r.mu.Unlock()
			if done {
				return
			}
		}
	}
}

// kill terminates the process immediately, used for hung recorders.
// The exit is reported as involuntary so the supervisor restarts it.
func (r *recorder) kill() {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (r *recorder) setError(err error) {
	r.mu.Lock()
	r.state = RecorderError
	r.lastError = err.Error()
	r.mu.Unlock()
}

// hung reports whether the process has stopped making progress: no
// stderr output within activityTimeout, or no new segment within
// segmentTimeout.
func (r *recorder) hung(now time.Time, activityTimeout, segmentTimeout time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != RecorderRunning {
		return false
	}
	if now.Sub(r.lastActivity) > activityTimeout {
		return true
	}
	return now.Sub(r.lastSegmentOpen) > segmentTimeout
}

// RecorderStatus is a point-in-time snapshot for the API.
type RecorderStatus struct {
	CameraID       string        `json:"camera_id"`
	State          RecorderState `json:"state"`
	CurrentSegment string        `json:"current_segment,omitempty"`
	SegmentsOpened int           `json:"segments_opened"`
	UptimeSec      float64       `json:"uptime_sec"`
	LastError      string        `json:"last_error,omitempty"`
}

func (r *recorder) status() RecorderStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := RecorderStatus{
		CameraID:       r.cameraID,
		State:          r.state,
		CurrentSegment: r.currentSegment,
		SegmentsOpened: r.segmentsOpened,
		LastError:      r.lastError,
	}
	if r.state == RecorderRunning && !r.startedAt.IsZero() {
		st.UptimeSec = time.Since(r.startedAt).Seconds()
	}
	return st
}
