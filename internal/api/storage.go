package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fleetcam/vms/internal/verr"
)

// handleStorageStats reports what the archive holds and how full the
// disk is.
func (s *Server) handleStorageStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	total, err := s.store.TotalActiveSize(ctx)
	if err != nil {
		WriteErr(w, err)
		return
	}
	byCamera, err := s.store.SizeByCamera(ctx)
	if err != nil {
		WriteErr(w, err)
		return
	}
	preview, err := s.retention.Preview(ctx)
	if err != nil {
		WriteErr(w, err)
		return
	}

	OK(w, map[string]interface{}{
		"total_bytes":    total,
		"by_camera":      byCamera,
		"retention":      preview,
		"live_sessions":  s.live.Status(),
		"recorders":      s.monitor.Snapshot(ctx)["recorders"],
	})
}

// handleRetentionRun kicks off a retention pass and waits for it. A
// pass already in flight answers Conflict.
func (s *Server) handleRetentionRun(w http.ResponseWriter, r *http.Request) {
	result, err := s.retention.RunOnce(r.Context())
	if err != nil {
		WriteErr(w, err)
		return
	}
	s.store.Audit(r.Context(), Principal(r.Context()), "retention.run", "", "")
	OK(w, result)
}

func (s *Server) handleRetentionPreview(w http.ResponseWriter, r *http.Request) {
	preview, err := s.retention.Preview(r.Context())
	if err != nil {
		WriteErr(w, err)
		return
	}
	OK(w, preview)
}

// handleReconcile runs a full index/disk reconciliation. min_age_sec
// guards the reverse sweep against segments still being written;
// default one day.
func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	minAge, err := minAgeQuery(r)
	if err != nil {
		WriteErr(w, err)
		return
	}

	report, err := s.reconciler.Run(r.Context(), minAge)
	if err != nil {
		WriteErr(w, err)
		return
	}
	s.store.Audit(r.Context(), Principal(r.Context()), "reconcile.run", "", "")
	OK(w, report)
}

// handleRemoveOrphans deletes over-threshold files the index does not
// reference instead of importing them.
func (s *Server) handleRemoveOrphans(w http.ResponseWriter, r *http.Request) {
	minAge, err := minAgeQuery(r)
	if err != nil {
		WriteErr(w, err)
		return
	}

	report, err := s.reconciler.RemoveOrphans(r.Context(), minAge)
	if err != nil {
		WriteErr(w, err)
		return
	}
	s.store.Audit(r.Context(), Principal(r.Context()), "orphans.remove", "", "")
	OK(w, report)
}

// minAgeQuery parses the orphan-age guard; default one day.
func minAgeQuery(r *http.Request) (time.Duration, error) {
	v := r.URL.Query().Get("min_age_sec")
	if v == "" {
		return 24 * time.Hour, nil
	}
	n := intParam(v, 0)
	if n <= 0 {
		return 0, verr.New(verr.KindValidation, "bad min_age_sec: %s", v)
	}
	return time.Duration(n) * time.Second, nil
}

// handleIntegrity compares indexed sizes against the files; ?fix=false
// reports drift without repairing it.
func (s *Server) handleIntegrity(w http.ResponseWriter, r *http.Request) {
	fix := r.URL.Query().Get("fix") != "false"
	report, err := s.reconciler.CheckIntegrity(r.Context(), fix)
	if err != nil {
		WriteErr(w, err)
		return
	}
	OK(w, report)
}

// handleFlushAll deletes every unprotected recording. The ?confirm=true
// guard keeps a stray client from wiping the archive.
func (s *Server) handleFlushAll(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("confirm") != "true" {
		Errf(w, verr.KindValidation, "flush requires confirm=true")
		return
	}
	result, err := s.retention.FlushAll(r.Context())
	if err != nil {
		WriteErr(w, err)
		return
	}
	s.store.Audit(r.Context(), Principal(r.Context()), "storage.flush_all", "", "")
	OK(w, result)
}

func (s *Server) handleListConfig(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.ListConfig(r.Context())
	if err != nil {
		WriteErr(w, err)
		return
	}
	OK(w, entries)
}

func (s *Server) handleSetConfig(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	var req struct {
		Value string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Errf(w, verr.KindValidation, "invalid request body")
		return
	}

	principal := Principal(r.Context())
	if err := s.store.SetConfig(r.Context(), key, req.Value, principal); err != nil {
		WriteErr(w, err)
		return
	}
	s.store.Audit(r.Context(), principal, "config.set", key, req.Value)

	entry, err := s.store.GetConfig(r.Context(), key)
	if err != nil {
		WriteErr(w, err)
		return
	}
	OK(w, entry)
}

func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	limit := intParam(r.URL.Query().Get("limit"), 100)
	if limit > 1000 {
		limit = 1000
	}
	entries, err := s.store.ListAudit(r.Context(), limit)
	if err != nil {
		WriteErr(w, err)
		return
	}
	OK(w, entries)
}
