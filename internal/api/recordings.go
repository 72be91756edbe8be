package api

import (
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fleetcam/vms/internal/store"
	"github.com/fleetcam/vms/internal/verr"
)

func (s *Server) handleListRecordings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.RecordingFilter{
		CameraID: q.Get("camera_id"),
		Status:   store.RecordingStatus(q.Get("status")),
	}

	if v := q.Get("from"); v != "" {
		t, err := parseInstant(v)
		if err != nil {
			WriteErr(w, err)
			return
		}
		filter.From = &t
	}
	if v := q.Get("to"); v != "" {
		t, err := parseInstant(v)
		if err != nil {
			WriteErr(w, err)
			return
		}
		filter.To = &t
	}
	if v := q.Get("protected"); v != "" {
		p := v == "true"
		filter.Protected = &p
	}

	page := intParam(q.Get("page"), 1)
	perPage := intParam(q.Get("per_page"), 50)
	if perPage > 500 {
		perPage = 500
	}
	filter.Limit = perPage
	filter.Offset = (page - 1) * perPage

	recs, total, err := s.store.ListRecordings(r.Context(), filter)
	if err != nil {
		WriteErr(w, err)
		return
	}
	List(w, recs, total, page, perPage)
}

func (s *Server) handleGetRecording(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.GetRecording(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		WriteErr(w, err)
		return
	}
	OK(w, rec)
}

func (s *Server) handleStreamRecording(w http.ResponseWriter, r *http.Request) {
	rec, err := s.playback.Resolve(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		WriteErr(w, err)
		return
	}
	if err := s.playback.Serve(w, r, rec); err != nil {
		WriteErr(w, err)
	}
}

// handleStreamAt streams whichever segment covers ?camera_id=&t=.
func (s *Server) handleStreamAt(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	cameraID := q.Get("camera_id")
	if cameraID == "" {
		Errf(w, verr.KindValidation, "camera_id is required")
		return
	}
	t, err := parseInstant(q.Get("t"))
	if err != nil {
		WriteErr(w, err)
		return
	}

	rec, err := s.playback.ResolveByTime(r.Context(), cameraID, t)
	if err != nil {
		WriteErr(w, err)
		return
	}
	if err := s.playback.Serve(w, r, rec); err != nil {
		WriteErr(w, err)
	}
}

func (s *Server) handleProtect(w http.ResponseWriter, r *http.Request) {
	s.setProtected(w, r, true)
}

func (s *Server) handleUnprotect(w http.ResponseWriter, r *http.Request) {
	s.setProtected(w, r, false)
}

func (s *Server) setProtected(w http.ResponseWriter, r *http.Request, protected bool) {
	id := chi.URLParam(r, "id")
	if err := s.store.SetProtected(r.Context(), id, protected); err != nil {
		WriteErr(w, err)
		return
	}
	action := "recording.unprotect"
	if protected {
		action = "recording.protect"
	}
	s.store.Audit(r.Context(), Principal(r.Context()), action, id, "")

	rec, err := s.store.GetRecording(r.Context(), id)
	if err != nil {
		WriteErr(w, err)
		return
	}
	OK(w, rec)
}

// handleDeleteRecording removes one recording: file first, then the
// tombstone. Protected recordings refuse.
func (s *Server) handleDeleteRecording(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := s.store.GetRecording(r.Context(), id)
	if err != nil {
		WriteErr(w, err)
		return
	}
	if rec.Protected {
		Errf(w, verr.KindProtectedRecording, "recording %s is protected", id)
		return
	}
	if rec.Status == store.StatusDeleted {
		NoContent(w)
		return
	}

	if err := os.Remove(rec.FilePath); err != nil && !os.IsNotExist(err) {
		WriteErr(w, verr.Wrap(verr.KindInternal, err, "delete recording file"))
		return
	}
	if err := s.store.MarkDeleted(r.Context(), id); err != nil {
		WriteErr(w, err)
		return
	}
	s.store.Audit(r.Context(), Principal(r.Context()), "recording.delete", id, rec.FilePath)
	NoContent(w)
}

// handleExport cuts ?camera_id=&from=&to= into a single MP4 and
// streams it. The output is removed once the response is written.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	cameraID := q.Get("camera_id")
	if cameraID == "" {
		Errf(w, verr.KindValidation, "camera_id is required")
		return
	}
	from, err := parseInstant(q.Get("from"))
	if err != nil {
		WriteErr(w, err)
		return
	}
	to, err := parseInstant(q.Get("to"))
	if err != nil {
		WriteErr(w, err)
		return
	}

	output, cleanup, err := s.exporter.Export(r.Context(), cameraID, from, to)
	if err != nil {
		WriteErr(w, err)
		return
	}
	defer cleanup()

	s.store.Audit(r.Context(), Principal(r.Context()), "recording.export", cameraID,
		from.UTC().Format(time.RFC3339)+".."+to.UTC().Format(time.RFC3339))

	w.Header().Set("Content-Type", "video/mp4")
	w.Header().Set("Content-Disposition",
		`attachment; filename="`+cameraID+"_"+from.UTC().Format("20060102T150405Z")+`.mp4"`)
	http.ServeFile(w, r, output)
}

// parseInstant accepts RFC 3339 or Unix seconds.
func parseInstant(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, verr.New(verr.KindValidation, "timestamp is required")
	}
	if sec, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Unix(sec, 0).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, verr.New(verr.KindValidation, "bad timestamp: %s", v)
	}
	return t, nil
}

func intParam(v string, fallback int) int {
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
