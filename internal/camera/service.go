// Package camera manages the camera inventory: validation, credential
// encryption, recording lifecycle and stream probing.
package camera

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"time"

	"github.com/fleetcam/vms/internal/config"
	"github.com/fleetcam/vms/internal/ingest"
	"github.com/fleetcam/vms/internal/store"
	"github.com/fleetcam/vms/internal/verr"
)

// Service manages cameras.
type Service struct {
	store      *store.Store
	keyring    *config.Keyring
	supervisor *ingest.Supervisor
	ffprobe    string
	logger     *slog.Logger
}

// NewService creates a camera service.
func NewService(st *store.Store, keyring *config.Keyring, sup *ingest.Supervisor, ffprobePath string) *Service {
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &Service{
		store:      st,
		keyring:    keyring,
		supervisor: sup,
		ffprobe:    ffprobePath,
		logger:     slog.Default().With("component", "camera"),
	}
}

// UpsertRequest is the camera create/update payload. Password is
// write-only; it is encrypted before touching the store and never
// returned.
type UpsertRequest struct {
	ID              string `json:"id"`
	DisplayName     string `json:"display_name"`
	Host            string `json:"host"`
	Port            int    `json:"port"`
	Username        string `json:"username"`
	Password        string `json:"password,omitempty"`
	Codec           string `json:"codec"`
	Resolution      string `json:"resolution"`
	FPS             int    `json:"fps"`
	Bitrate         int    `json:"bitrate"`
	ProfileName     string `json:"profile_name"`
	CompressionHint bool   `json:"compression_hint"`
	Mode            string `json:"recording_mode"`
	RetentionDays   int    `json:"retention_days"`
	Active          *bool  `json:"active"`
}

// Upsert validates and persists a camera, preserving the stored
// password when the request leaves it blank.
func (s *Service) Upsert(ctx context.Context, req *UpsertRequest, principal string) (*store.Camera, error) {
	if req.ID == "" {
		return nil, verr.New(verr.KindValidation, "camera id is required")
	}
	if req.Host == "" {
		return nil, verr.New(verr.KindValidation, "camera host is required")
	}
	if req.Port < 0 || req.Port > 65535 {
		return nil, verr.New(verr.KindValidation, "camera port out of range: %d", req.Port)
	}
	mode := store.RecordingMode(req.Mode)
	if req.Mode != "" && mode != store.ModeContinuous && mode != store.ModeOff {
		return nil, verr.New(verr.KindValidation, "unknown recording mode: %s", req.Mode)
	}
	if req.RetentionDays < 0 || req.RetentionDays > 3650 {
		return nil, verr.New(verr.KindValidation, "retention days out of range: %d", req.RetentionDays)
	}

	existing, err := s.store.GetCamera(ctx, req.ID)
	if err != nil && !verr.Is(err, verr.KindNotFound) {
		return nil, err
	}

	cam := &store.Camera{
		ID:              req.ID,
		DisplayName:     req.DisplayName,
		Host:            req.Host,
		Port:            req.Port,
		Username:        req.Username,
		Codec:           req.Codec,
		Resolution:      req.Resolution,
		FPS:             req.FPS,
		Bitrate:         req.Bitrate,
		ProfileName:     req.ProfileName,
		CompressionHint: req.CompressionHint,
		Mode:            mode,
		RetentionDays:   req.RetentionDays,
		Active:          true,
	}
	if req.Active != nil {
		cam.Active = *req.Active
	} else if existing != nil {
		cam.Active = existing.Active
	}
	if existing != nil {
		cam.CreatedAt = existing.CreatedAt
		cam.EncPassword = existing.EncPassword
		if cam.Mode == "" {
			cam.Mode = existing.Mode
		}
	}
	if req.Password != "" {
		enc, eerr := s.keyring.Encrypt(req.Password)
		if eerr != nil {
			return nil, eerr
		}
		cam.EncPassword = enc
	}

	if err := s.store.UpsertCamera(ctx, cam); err != nil {
		return nil, err
	}

	action := "camera.update"
	if existing == nil {
		action = "camera.create"
	}
	s.store.Audit(ctx, principal, action, cam.ID, "")
	s.logger.Info("Camera saved", "camera", cam.ID, "action", action)

	s.applyRecordingMode(ctx, cam)
	return s.store.GetCamera(ctx, cam.ID)
}

// applyRecordingMode reconciles the recorder with the camera's mode.
func (s *Service) applyRecordingMode(ctx context.Context, cam *store.Camera) {
	if s.supervisor == nil {
		return
	}
	shouldRun := cam.Active && cam.Mode == store.ModeContinuous
	running := s.supervisor.Running(cam.ID)

	switch {
	case shouldRun && !running:
		if err := s.supervisor.Start(ctx, cam); err != nil {
			s.logger.Error("Start recording failed", "camera", cam.ID, "error", err)
		}
	case !shouldRun && running:
		s.supervisor.Stop(cam.ID)
	case shouldRun && running:
		// Connection parameters may have changed; a restart picks
		// them up.
		s.supervisor.Stop(cam.ID)
		if err := s.supervisor.Start(ctx, cam); err != nil {
			s.logger.Error("Restart recording failed", "camera", cam.ID, "error", err)
		}
	}
}

// Get fetches one camera.
func (s *Service) Get(ctx context.Context, id string) (*store.Camera, error) {
	return s.store.GetCamera(ctx, id)
}

// List returns all cameras.
func (s *Service) List(ctx context.Context, activeOnly bool) ([]store.Camera, error) {
	return s.store.ListCameras(ctx, store.CameraFilter{ActiveOnly: activeOnly})
}

// Delete removes a camera. It refuses while recordings exist unless
// cascade is set, and always stops the recorder first.
func (s *Service) Delete(ctx context.Context, id string, cascade bool, principal string) error {
	if s.supervisor != nil {
		s.supervisor.Stop(id)
	}
	if err := s.store.DeleteCamera(ctx, id, cascade); err != nil {
		return err
	}
	s.store.Audit(ctx, principal, "camera.delete", id, "")
	s.logger.Info("Camera deleted", "camera", id, "cascade", cascade)
	return nil
}

// SetMode switches a camera's recording mode and applies it.
func (s *Service) SetMode(ctx context.Context, id string, mode store.RecordingMode, principal string) (*store.Camera, error) {
	if mode != store.ModeContinuous && mode != store.ModeOff {
		return nil, verr.New(verr.KindValidation, "unknown recording mode: %s", mode)
	}
	cam, err := s.store.GetCamera(ctx, id)
	if err != nil {
		return nil, err
	}
	cam.Mode = mode
	if err := s.store.UpsertCamera(ctx, cam); err != nil {
		return nil, err
	}
	s.store.Audit(ctx, principal, "camera.set_mode", id, string(mode))
	s.applyRecordingMode(ctx, cam)
	return s.store.GetCamera(ctx, id)
}

// RecordingStatus reports a camera's persisted state plus whether its
// recorder is actually running right now.
func (s *Service) RecordingStatus(ctx context.Context, id string) (map[string]interface{}, error) {
	cam, err := s.store.GetCamera(ctx, id)
	if err != nil {
		return nil, err
	}
	running := s.supervisor != nil && s.supervisor.Running(id)
	status := map[string]interface{}{
		"camera_id":        cam.ID,
		"recording_mode":   cam.Mode,
		"connection_state": cam.ConnState,
		"recording_state":  cam.RecState,
		"recorder_running": running,
	}
	if cam.LastSeen != nil {
		status["last_seen"] = cam.LastSeen
	}
	if cam.LastError != "" {
		status["last_error"] = cam.LastError
	}
	return status, nil
}

// ProbeResult is what ffprobe reports about the camera stream.
type ProbeResult struct {
	Reachable  bool   `json:"reachable"`
	Codec      string `json:"codec,omitempty"`
	Resolution string `json:"resolution,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Probe checks the camera stream with ffprobe. Failures come back in
// the result rather than as errors; an unreachable camera is a valid
// answer.
func (s *Service) Probe(ctx context.Context, id string) (*ProbeResult, error) {
	cam, err := s.store.GetCamera(ctx, id)
	if err != nil {
		return nil, err
	}
	password, err := s.keyring.Decrypt(cam.EncPassword)
	if err != nil {
		return nil, err
	}
	streamURL := ingest.BuildRTSPURL(cam, password)

	probeCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	cmd := exec.CommandContext(probeCtx, s.ffprobe,
		"-v", "quiet",
		"-rtsp_transport", "tcp",
		"-print_format", "json",
		"-show_streams",
		"-select_streams", "v:0",
		streamURL,
	)
	out, err := cmd.Output()
	if err != nil {
		return &ProbeResult{Reachable: false, Error: "stream unreachable"}, nil
	}

	var probe struct {
		Streams []struct {
			CodecName string `json:"codec_name"`
			Width     int    `json:"width"`
			Height    int    `json:"height"`
		} `json:"streams"`
	}
	result := &ProbeResult{Reachable: true}
	if jerr := json.Unmarshal(out, &probe); jerr == nil && len(probe.Streams) > 0 {
		result.Codec = probe.Streams[0].CodecName
		if probe.Streams[0].Width > 0 {
			result.Resolution = fmt.Sprintf("%dx%d", probe.Streams[0].Width, probe.Streams[0].Height)
		}
	}
	return result, nil
}
