package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/fleetcam/vms/internal/verr"
)

// handleLivePlaylist serves a camera's live playlist. With _HLS_msn
// (and optionally _HLS_part) set the request blocks until the playlist
// reaches that point, per low-latency HLS delivery semantics.
func (s *Server) handleLivePlaylist(w http.ResponseWriter, r *http.Request) {
	cameraID := chi.URLParam(r, "id")
	q := r.URL.Query()

	msn, err := hlsParam(q.Get("_HLS_msn"))
	if err != nil {
		WriteErr(w, err)
		return
	}
	part, err := hlsParam(q.Get("_HLS_part"))
	if err != nil {
		WriteErr(w, err)
		return
	}
	if msn < 0 && part >= 0 {
		Errf(w, verr.KindValidation, "_HLS_part requires _HLS_msn")
		return
	}

	playlist, err := s.live.Playlist(r.Context(), cameraID, msn, part)
	if err != nil {
		WriteErr(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = w.Write(playlist)
}

// handleLiveMedia serves one segment or part file from the camera's
// live directory.
func (s *Server) handleLiveMedia(w http.ResponseWriter, r *http.Request) {
	cameraID := chi.URLParam(r, "id")
	name := chi.URLParam(r, "media")

	path, err := s.live.MediaPath(cameraID, name)
	if err != nil {
		WriteErr(w, err)
		return
	}

	switch {
	case strings.HasSuffix(name, ".m4s"):
		w.Header().Set("Content-Type", "video/iso.segment")
	case strings.HasSuffix(name, ".mp4"):
		w.Header().Set("Content-Type", "video/mp4")
	case strings.HasSuffix(name, ".ts"):
		w.Header().Set("Content-Type", "video/mp2t")
	}
	w.Header().Set("Cache-Control", "max-age=60")
	http.ServeFile(w, r, path)
}

// handleLiveStatus lists running live sessions.
func (s *Server) handleLiveStatus(w http.ResponseWriter, r *http.Request) {
	OK(w, s.live.Status())
}

// handleLiveStop tears down a camera's live session.
func (s *Server) handleLiveStop(w http.ResponseWriter, r *http.Request) {
	s.live.Stop(chi.URLParam(r, "id"))
	NoContent(w)
}

// hlsParam parses an _HLS_* query value; absent means -1.
func hlsParam(v string) (int, error) {
	if v == "" {
		return -1, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, verr.New(verr.KindValidation, "bad HLS directive value: %s", v)
	}
	return n, nil
}
