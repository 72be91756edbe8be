package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/fleetcam/vms/internal/camera"
	"github.com/fleetcam/vms/internal/store"
	"github.com/fleetcam/vms/internal/verr"
)

func (s *Server) handleListCameras(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"
	cams, err := s.cameras.List(r.Context(), activeOnly)
	if err != nil {
		WriteErr(w, err)
		return
	}
	OK(w, cams)
}

func (s *Server) handleGetCamera(w http.ResponseWriter, r *http.Request) {
	cam, err := s.cameras.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		WriteErr(w, err)
		return
	}
	OK(w, cam)
}

func (s *Server) handleUpsertCamera(w http.ResponseWriter, r *http.Request) {
	var req camera.UpsertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Errf(w, verr.KindValidation, "invalid request body")
		return
	}
	// The path id wins over the body on PUT.
	if id := chi.URLParam(r, "id"); id != "" {
		req.ID = id
	}

	_, existedErr := s.cameras.Get(r.Context(), req.ID)
	created := verr.Is(existedErr, verr.KindNotFound)

	cam, err := s.cameras.Upsert(r.Context(), &req, Principal(r.Context()))
	if err != nil {
		WriteErr(w, err)
		return
	}
	if created {
		Created(w, cam)
		return
	}
	OK(w, cam)
}

func (s *Server) handleDeleteCamera(w http.ResponseWriter, r *http.Request) {
	cascade := r.URL.Query().Get("cascade") == "true"
	if err := s.cameras.Delete(r.Context(), chi.URLParam(r, "id"), cascade, Principal(r.Context())); err != nil {
		WriteErr(w, err)
		return
	}
	NoContent(w)
}

func (s *Server) handleSetMode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mode string `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Errf(w, verr.KindValidation, "invalid request body")
		return
	}
	cam, err := s.cameras.SetMode(r.Context(), chi.URLParam(r, "id"),
		store.RecordingMode(req.Mode), Principal(r.Context()))
	if err != nil {
		WriteErr(w, err)
		return
	}
	OK(w, cam)
}

// handleStartRecording switches the camera to continuous recording.
func (s *Server) handleStartRecording(w http.ResponseWriter, r *http.Request) {
	cam, err := s.cameras.SetMode(r.Context(), chi.URLParam(r, "id"),
		store.ModeContinuous, Principal(r.Context()))
	if err != nil {
		WriteErr(w, err)
		return
	}
	OK(w, cam)
}

// handleStopRecording switches the camera's recording off.
func (s *Server) handleStopRecording(w http.ResponseWriter, r *http.Request) {
	cam, err := s.cameras.SetMode(r.Context(), chi.URLParam(r, "id"),
		store.ModeOff, Principal(r.Context()))
	if err != nil {
		WriteErr(w, err)
		return
	}
	OK(w, cam)
}

func (s *Server) handleRecordingStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.cameras.RecordingStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		WriteErr(w, err)
		return
	}
	OK(w, status)
}

func (s *Server) handleProbeCamera(w http.ResponseWriter, r *http.Request) {
	result, err := s.cameras.Probe(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		WriteErr(w, err)
		return
	}
	OK(w, result)
}
