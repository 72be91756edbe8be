package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fleetcam/vms/internal/camera"
	"github.com/fleetcam/vms/internal/config"
	"github.com/fleetcam/vms/internal/database"
	"github.com/fleetcam/vms/internal/health"
	"github.com/fleetcam/vms/internal/live"
	"github.com/fleetcam/vms/internal/playback"
	"github.com/fleetcam/vms/internal/reconcile"
	"github.com/fleetcam/vms/internal/retention"
	"github.com/fleetcam/vms/internal/storage"
	"github.com/fleetcam/vms/internal/store"
	"github.com/fleetcam/vms/internal/verr"
)

func newTestServer(t *testing.T, auth config.AuthConfig) (*Server, http.Handler, *store.Store, *storage.Layout) {
	t.Helper()

	db, err := database.Open(database.DefaultConfig(filepath.Join(t.TempDir(), "vms.db")))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := database.NewMigrator(db).Run(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	st := store.New(db, store.WithRetry(2, time.Millisecond, 10*time.Millisecond))
	keyring, err := config.NewKeyring("0123456789abcdef0123456789abcdef")
	if err != nil {
		t.Fatalf("keyring: %v", err)
	}

	root := t.TempDir()
	layout := storage.NewLayout(root, time.UTC)
	reconciler := reconcile.New(st, layout, nil, true, 7, 60)
	engine := retention.New(st, nil, reconciler, retention.Config{
		StoragePath:   root,
		RetentionDays: 7,
	})
	liveMgr := live.NewManager(context.Background(), st, layout, keyring, config.LiveConfig{
		IdleGraceSec: 60, WaitTimeoutSec: 1,
	})
	monitor := health.New(st, nil, nil, time.Minute)

	srv, err := NewServer(Deps{
		Store:      st,
		Cameras:    camera.NewService(st, keyring, nil, ""),
		Playback:   playback.NewService(st, layout),
		Exporter:   playback.NewExporter(st, layout, "ffmpeg"),
		Live:       liveMgr,
		Retention:  engine,
		Reconciler: reconciler,
		Monitor:    monitor,
		Bus:        nil,
		Auth:       auth,
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return srv, srv.Routes(), st, layout
}

func doJSON(t *testing.T, h http.Handler, method, path string, body interface{}, token string) (*httptest.ResponseRecorder, Response) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	r := httptest.NewRequest(method, path, &buf)
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	var resp Response
	if w.Body.Len() > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode response %q: %v", w.Body.String(), err)
		}
	}
	return w, resp
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		kind verr.Kind
		want int
	}{
		{verr.KindNotFound, http.StatusNotFound},
		{verr.KindConflict, http.StatusConflict},
		{verr.KindProtectedRecording, http.StatusConflict},
		{verr.KindValidation, http.StatusBadRequest},
		{verr.KindBadPath, http.StatusBadRequest},
		{verr.KindUnauthenticated, http.StatusUnauthorized},
		{verr.KindUnauthorized, http.StatusForbidden},
		{verr.KindStoreUnavailable, http.StatusServiceUnavailable},
		{verr.KindPlaylistTimeout, http.StatusGatewayTimeout},
		{verr.KindFileMissing, http.StatusGone},
		{verr.KindRangeNotSatisfiable, http.StatusRequestedRangeNotSatisfiable},
		{verr.KindInternal, http.StatusInternalServerError},
	}
	for _, c := range cases {
		if got := statusFor(c.kind); got != c.want {
			t.Errorf("statusFor(%s) = %d, want %d", c.kind, got, c.want)
		}
	}
}

func TestCameraCRUD(t *testing.T) {
	_, h, _, _ := newTestServer(t, config.AuthConfig{})

	// Create.
	w, resp := doJSON(t, h, http.MethodPost, "/api/cameras", map[string]interface{}{
		"id":       "ACCC8E000001",
		"host":     "10.0.0.20",
		"username": "viewer",
		"password": "hunter2",
	}, "")
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", w.Code, w.Body.String())
	}
	if !resp.Success {
		t.Fatalf("create not successful: %+v", resp.Error)
	}

	// The password never leaks.
	if bytes.Contains(w.Body.Bytes(), []byte("hunter2")) {
		t.Fatalf("password leaked in response: %s", w.Body.String())
	}

	// Get.
	w, _ = doJSON(t, h, http.MethodGet, "/api/cameras/ACCC8E000001", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}

	// Update keeps 200.
	w, _ = doJSON(t, h, http.MethodPut, "/api/cameras/ACCC8E000001", map[string]interface{}{
		"host": "10.0.0.21",
	}, "")
	if w.Code != http.StatusOK {
		t.Fatalf("update status = %d: %s", w.Code, w.Body.String())
	}

	// Validation error surfaces as 400.
	w, resp = doJSON(t, h, http.MethodPost, "/api/cameras", map[string]interface{}{
		"id": "CAM2",
	}, "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("invalid create status = %d", w.Code)
	}
	if resp.Error == nil || resp.Error.Code != string(verr.KindValidation) {
		t.Errorf("error envelope = %+v", resp.Error)
	}

	// Mode switch.
	w, _ = doJSON(t, h, http.MethodPost, "/api/cameras/ACCC8E000001/mode", map[string]string{
		"mode": "off",
	}, "")
	if w.Code != http.StatusOK {
		t.Fatalf("set mode status = %d: %s", w.Code, w.Body.String())
	}

	// Delete.
	w, _ = doJSON(t, h, http.MethodDelete, "/api/cameras/ACCC8E000001", nil, "")
	if w.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", w.Code)
	}
	w, _ = doJSON(t, h, http.MethodGet, "/api/cameras/ACCC8E000001", nil, "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("get after delete status = %d", w.Code)
	}
}

func TestRecordingEndpoints(t *testing.T) {
	_, h, st, layout := newTestServer(t, config.AuthConfig{})
	ctx := context.Background()

	start := time.Date(2026, 3, 10, 14, 22, 0, 0, time.UTC)
	path := layout.SegmentPath("CAM1", start, "mp4")
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte("0123456789abcdef"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	rec := &store.Recording{
		CameraID:    "CAM1",
		FilePath:    path,
		StartTime:   start,
		EndTime:     start.Add(time.Minute),
		DurationSec: 60,
		SizeBytes:   16,
		RetentionAt: start.AddDate(0, 0, 7),
	}
	if err := st.InsertRecording(ctx, rec); err != nil {
		t.Fatalf("insert: %v", err)
	}

	// List with camera filter.
	w, resp := doJSON(t, h, http.MethodGet, "/api/recordings?camera_id=CAM1", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d: %s", w.Code, w.Body.String())
	}
	if resp.Meta == nil || resp.Meta.Total != 1 {
		t.Fatalf("meta = %+v, want total 1", resp.Meta)
	}

	// Stream honors ranges.
	r := httptest.NewRequest(http.MethodGet, "/api/recordings/"+rec.ID+"/stream", nil)
	r.Header.Set("Range", "bytes=4-7")
	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, r)
	if rw.Code != http.StatusPartialContent {
		t.Fatalf("range status = %d", rw.Code)
	}
	if rw.Body.String() != "4567" {
		t.Errorf("range body = %q", rw.Body.String())
	}

	// Stream by instant.
	r = httptest.NewRequest(http.MethodGet,
		"/api/recordings/at?camera_id=CAM1&t="+start.Add(30*time.Second).Format(time.RFC3339), nil)
	rw = httptest.NewRecorder()
	h.ServeHTTP(rw, r)
	if rw.Code != http.StatusOK {
		t.Fatalf("stream-at status = %d: %s", rw.Code, rw.Body.String())
	}

	// Protect, then deletion refuses.
	w, _ = doJSON(t, h, http.MethodPost, "/api/recordings/"+rec.ID+"/protect", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("protect status = %d: %s", w.Code, w.Body.String())
	}
	w, resp = doJSON(t, h, http.MethodDelete, "/api/recordings/"+rec.ID, nil, "")
	if w.Code != http.StatusConflict {
		t.Fatalf("delete protected status = %d", w.Code)
	}
	if resp.Error == nil || resp.Error.Code != string(verr.KindProtectedRecording) {
		t.Errorf("error envelope = %+v", resp.Error)
	}

	// Unprotect and delete.
	w, _ = doJSON(t, h, http.MethodDelete, "/api/recordings/"+rec.ID+"/protect", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("unprotect status = %d", w.Code)
	}
	w, _ = doJSON(t, h, http.MethodDelete, "/api/recordings/"+rec.ID, nil, "")
	if w.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d: %s", w.Code, w.Body.String())
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("file survived deletion")
	}

	// Deleting again is idempotent.
	w, _ = doJSON(t, h, http.MethodDelete, "/api/recordings/"+rec.ID, nil, "")
	if w.Code != http.StatusNoContent {
		t.Fatalf("second delete status = %d", w.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	authCfg := config.AuthConfig{
		TokenSecret: "test-secret-test-secret-test-secret",
		TokenTTLMin: 5,
		Users:       map[string]string{"admin": "sekrit"},
	}
	srv, h, _, _ := newTestServer(t, authCfg)

	// No token.
	w, resp := doJSON(t, h, http.MethodGet, "/api/cameras", nil, "")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("no token status = %d", w.Code)
	}
	if resp.Error == nil || resp.Error.Code != string(verr.KindUnauthenticated) {
		t.Errorf("error envelope = %+v", resp.Error)
	}

	// Garbage token.
	w, _ = doJSON(t, h, http.MethodGet, "/api/cameras", nil, "garbage")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("garbage token status = %d", w.Code)
	}

	// Bad credentials at the token endpoint.
	w, _ = doJSON(t, h, http.MethodPost, "/api/auth/token", map[string]string{
		"username": "admin", "password": "wrong",
	}, "")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("bad creds status = %d", w.Code)
	}

	// Good credentials mint a working token.
	w, resp = doJSON(t, h, http.MethodPost, "/api/auth/token", map[string]string{
		"username": "admin", "password": "sekrit",
	}, "")
	if w.Code != http.StatusOK {
		t.Fatalf("token status = %d: %s", w.Code, w.Body.String())
	}
	data, _ := resp.Data.(map[string]interface{})
	token, _ := data["token"].(string)
	if token == "" {
		t.Fatalf("no token in response: %+v", resp.Data)
	}

	w, _ = doJSON(t, h, http.MethodGet, "/api/cameras", nil, token)
	if w.Code != http.StatusOK {
		t.Fatalf("with token status = %d: %s", w.Code, w.Body.String())
	}

	// Verify resolves the principal.
	principal, err := srv.auth.VerifyToken(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if principal != "admin" {
		t.Errorf("principal = %s, want admin", principal)
	}

	// Health stays open without a token.
	w, _ = doJSON(t, h, http.MethodGet, "/api/health", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("health status = %d", w.Code)
	}
}

func TestConfigEndpoints(t *testing.T) {
	_, h, _, _ := newTestServer(t, config.AuthConfig{})

	w, resp := doJSON(t, h, http.MethodPut, "/api/config/retention_days", map[string]string{
		"value": "14",
	}, "")
	if w.Code != http.StatusOK {
		t.Fatalf("set status = %d: %s", w.Code, w.Body.String())
	}
	data, _ := resp.Data.(map[string]interface{})
	if data["value"] != "14" {
		t.Errorf("value = %v, want 14", data["value"])
	}

	// Unknown key refuses.
	w, _ = doJSON(t, h, http.MethodPut, "/api/config/favorite_color", map[string]string{
		"value": "green",
	}, "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("unknown key status = %d", w.Code)
	}

	// Out-of-range value refuses.
	w, _ = doJSON(t, h, http.MethodPut, "/api/config/retention_days", map[string]string{
		"value": "99999",
	}, "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad value status = %d", w.Code)
	}

	w, resp = doJSON(t, h, http.MethodGet, "/api/config", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d", w.Code)
	}
	entries, _ := resp.Data.([]interface{})
	if len(entries) != 1 {
		t.Errorf("entries = %d, want 1", len(entries))
	}
}

func TestExportValidation(t *testing.T) {
	_, h, _, _ := newTestServer(t, config.AuthConfig{})

	w, _ := doJSON(t, h, http.MethodGet, "/api/recordings/export?from=1&to=2", nil, "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("missing camera status = %d", w.Code)
	}

	w, _ = doJSON(t, h, http.MethodGet,
		"/api/recordings/export?camera_id=CAM1&from=bogus&to=2", nil, "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad timestamp status = %d", w.Code)
	}

	// A valid window with no recordings is NotFound.
	w, _ = doJSON(t, h, http.MethodGet,
		"/api/recordings/export?camera_id=CAM1&from=1000000000&to=1000000060", nil, "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("empty window status = %d: %s", w.Code, w.Body.String())
	}
}

func TestRecordingControl(t *testing.T) {
	_, h, _, _ := newTestServer(t, config.AuthConfig{})

	w, _ := doJSON(t, h, http.MethodPost, "/api/cameras", map[string]interface{}{
		"id": "CAM1", "host": "10.0.0.20", "recording_mode": "off",
	}, "")
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", w.Code, w.Body.String())
	}

	w, resp := doJSON(t, h, http.MethodPost, "/api/cameras/CAM1/recording/start", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("start status = %d: %s", w.Code, w.Body.String())
	}
	data, _ := resp.Data.(map[string]interface{})
	if data["recording_mode"] != "continuous" {
		t.Errorf("mode after start = %v", data["recording_mode"])
	}

	w, resp = doJSON(t, h, http.MethodGet, "/api/cameras/CAM1/recording/status", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status status = %d: %s", w.Code, w.Body.String())
	}
	data, _ = resp.Data.(map[string]interface{})
	if running, _ := data["recorder_running"].(bool); running {
		t.Errorf("recorder reported running without a supervisor")
	}

	w, resp = doJSON(t, h, http.MethodPost, "/api/cameras/CAM1/recording/stop", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("stop status = %d", w.Code)
	}
	data, _ = resp.Data.(map[string]interface{})
	if data["recording_mode"] != "off" {
		t.Errorf("mode after stop = %v", data["recording_mode"])
	}
}

func TestFlushAllEndpoint(t *testing.T) {
	_, h, st, layout := newTestServer(t, config.AuthConfig{})
	ctx := context.Background()

	start := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	path := layout.SegmentPath("CAM1", start, "mp4")
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte("data"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	rec := &store.Recording{
		CameraID: "CAM1", FilePath: path,
		StartTime: start, EndTime: start.Add(time.Minute),
		DurationSec: 60, SizeBytes: 4,
		RetentionAt: start.AddDate(0, 0, 7),
	}
	if err := st.InsertRecording(ctx, rec); err != nil {
		t.Fatalf("insert: %v", err)
	}

	// Refuses without the confirmation flag.
	w, _ := doJSON(t, h, http.MethodPost, "/api/storage/flush", nil, "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("unconfirmed flush status = %d", w.Code)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("unconfirmed flush deleted the file")
	}

	w, _ = doJSON(t, h, http.MethodPost, "/api/storage/flush?confirm=true", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("flush status = %d: %s", w.Code, w.Body.String())
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("flush left the file behind")
	}
}

func TestRemoveOrphansEndpoint(t *testing.T) {
	_, h, _, layout := newTestServer(t, config.AuthConfig{})

	old := time.Now().Add(-48 * time.Hour).Truncate(time.Second)
	path := layout.SegmentPath("CAM1", old, "mp4")
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte("data"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	w, _ := doJSON(t, h, http.MethodPost, "/api/storage/orphans/remove?min_age_sec=bogus", nil, "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad min_age_sec status = %d", w.Code)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("rejected request deleted the file")
	}

	w, _ = doJSON(t, h, http.MethodPost, "/api/storage/orphans/remove", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("remove status = %d: %s", w.Code, w.Body.String())
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("orphan still on disk")
	}
}

func TestHLSParam(t *testing.T) {
	if n, err := hlsParam(""); err != nil || n != -1 {
		t.Errorf("empty = (%d, %v), want (-1, nil)", n, err)
	}
	if n, err := hlsParam("42"); err != nil || n != 42 {
		t.Errorf("42 = (%d, %v)", n, err)
	}
	if _, err := hlsParam("-3"); !verr.Is(err, verr.KindValidation) {
		t.Errorf("negative: want Validation, got %v", err)
	}
	if _, err := hlsParam("abc"); !verr.Is(err, verr.KindValidation) {
		t.Errorf("garbage: want Validation, got %v", err)
	}
}

func TestLivePlaylistValidation(t *testing.T) {
	_, h, _, _ := newTestServer(t, config.AuthConfig{})

	// _HLS_part without _HLS_msn refuses.
	w, _ := doJSON(t, h, http.MethodGet, "/api/live/CAM1/playlist.m3u8?_HLS_part=2", nil, "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("part without msn status = %d", w.Code)
	}

	// Unknown camera is NotFound before any child spawns.
	w, _ = doJSON(t, h, http.MethodGet, "/api/live/NOPE/playlist.m3u8", nil, "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown camera status = %d: %s", w.Code, w.Body.String())
	}
}

func TestLiveMediaBadPath(t *testing.T) {
	_, h, _, _ := newTestServer(t, config.AuthConfig{})

	r := httptest.NewRequest(http.MethodGet, "/api/live/CAM1/..%2F..%2Fvms.db", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if w.Code != http.StatusBadRequest && w.Code != http.StatusNotFound {
		t.Fatalf("traversal status = %d", w.Code)
	}
}

func TestParseInstant(t *testing.T) {
	if ts, err := parseInstant("1767225600"); err != nil || ts.Unix() != 1767225600 {
		t.Errorf("unix = (%v, %v)", ts, err)
	}
	if ts, err := parseInstant("2026-03-10T14:22:00Z"); err != nil || ts.UTC().Hour() != 14 {
		t.Errorf("rfc3339 = (%v, %v)", ts, err)
	}
	if _, err := parseInstant(""); !verr.Is(err, verr.KindValidation) {
		t.Errorf("empty: want Validation, got %v", err)
	}
	if _, err := parseInstant("yesterday"); !verr.Is(err, verr.KindValidation) {
		t.Errorf("garbage: want Validation, got %v", err)
	}
}
