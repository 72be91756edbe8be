package playback

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fleetcam/vms/internal/database"
	"github.com/fleetcam/vms/internal/storage"
	"github.com/fleetcam/vms/internal/store"
	"github.com/fleetcam/vms/internal/verr"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()

	db, err := database.Open(database.DefaultConfig(filepath.Join(t.TempDir(), "vms.db")))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := database.NewMigrator(db).Run(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store.New(db, store.WithRetry(2, time.Millisecond, 10*time.Millisecond))
}

func addSegment(t *testing.T, st *store.Store, layout *storage.Layout, cameraID string, start time.Time, payload []byte) *store.Recording {
	t.Helper()
	path := layout.SegmentPath(cameraID, start, "mp4")
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, payload, 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	rec := &store.Recording{
		CameraID:    cameraID,
		FilePath:    path,
		StartTime:   start,
		EndTime:     start.Add(60 * time.Second),
		DurationSec: 60,
		SizeBytes:   int64(len(payload)),
		RetentionAt: start.AddDate(0, 0, 7),
	}
	if err := st.InsertRecording(context.Background(), rec); err != nil {
		t.Fatalf("insert: %v", err)
	}
	return rec
}

func TestResolveAndServe(t *testing.T) {
	st := newTestStore(t)
	layout := storage.NewLayout(t.TempDir(), time.UTC)
	svc := NewService(st, layout)
	ctx := context.Background()

	payload := []byte("0123456789abcdef")
	start := time.Date(2026, 3, 10, 14, 22, 0, 0, time.UTC)
	rec := addSegment(t, st, layout, "CAM1", start, payload)

	resolved, err := svc.Resolve(ctx, rec.ID)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	// Full body.
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	if err := svc.Serve(w, r, resolved); err != nil {
		t.Fatalf("serve: %v", err)
	}
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if w.Body.String() != string(payload) {
		t.Errorf("body mismatch")
	}
	if ct := w.Header().Get("Content-Type"); ct != "video/mp4" {
		t.Errorf("content-type = %s", ct)
	}

	// Byte range.
	w = httptest.NewRecorder()
	r = httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Range", "bytes=4-7")
	if err := svc.Serve(w, r, resolved); err != nil {
		t.Fatalf("serve range: %v", err)
	}
	if w.Code != http.StatusPartialContent {
		t.Errorf("range status = %d, want 206", w.Code)
	}
	if w.Body.String() != "4567" {
		t.Errorf("range body = %q, want 4567", w.Body.String())
	}
}

func TestResolveMissingFileTombstones(t *testing.T) {
	st := newTestStore(t)
	layout := storage.NewLayout(t.TempDir(), time.UTC)
	svc := NewService(st, layout)
	ctx := context.Background()

	start := time.Date(2026, 3, 10, 14, 22, 0, 0, time.UTC)
	rec := addSegment(t, st, layout, "CAM1", start, []byte("data"))
	if err := os.Remove(rec.FilePath); err != nil {
		t.Fatalf("remove: %v", err)
	}

	_, err := svc.Resolve(ctx, rec.ID)
	if !verr.Is(err, verr.KindFileMissing) {
		t.Fatalf("want FileMissing, got %v", err)
	}

	got, err := st.GetRecording(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != store.StatusDeleted {
		t.Errorf("vanished recording not tombstoned: %s", got.Status)
	}

	// Subsequent resolves see the tombstone as NotFound.
	_, err = svc.Resolve(ctx, rec.ID)
	if !verr.Is(err, verr.KindNotFound) {
		t.Errorf("second resolve: want NotFound, got %v", err)
	}
}

func TestResolveByTime(t *testing.T) {
	st := newTestStore(t)
	layout := storage.NewLayout(t.TempDir(), time.UTC)
	svc := NewService(st, layout)
	ctx := context.Background()

	start := time.Date(2026, 3, 10, 14, 22, 0, 0, time.UTC)
	rec := addSegment(t, st, layout, "CAM1", start, []byte("data"))

	got, err := svc.ResolveByTime(ctx, "CAM1", start.Add(30*time.Second))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.ID != rec.ID {
		t.Errorf("id = %s, want %s", got.ID, rec.ID)
	}

	_, err = svc.ResolveByTime(ctx, "CAM1", start.Add(5*time.Minute))
	if !verr.Is(err, verr.KindNotFound) {
		t.Errorf("uncovered instant: want NotFound, got %v", err)
	}
}

func TestExportValidatesDuration(t *testing.T) {
	st := newTestStore(t)
	layout := storage.NewLayout(t.TempDir(), time.UTC)
	e := NewExporter(st, layout, "ffmpeg")
	ctx := context.Background()

	from := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)

	_, _, err := e.Export(ctx, "CAM1", from, from.Add(500*time.Millisecond))
	if !verr.Is(err, verr.KindValidation) {
		t.Errorf("sub-second export: want Validation, got %v", err)
	}
	_, _, err = e.Export(ctx, "CAM1", from, from.Add(2*time.Hour))
	if !verr.Is(err, verr.KindValidation) {
		t.Errorf("two-hour export: want Validation, got %v", err)
	}
	_, _, err = e.Export(ctx, "CAM1", from, from.Add(-time.Minute))
	if !verr.Is(err, verr.KindValidation) {
		t.Errorf("negative window: want Validation, got %v", err)
	}
}

func TestExportNoRecordings(t *testing.T) {
	st := newTestStore(t)
	layout := storage.NewLayout(t.TempDir(), time.UTC)
	e := NewExporter(st, layout, "ffmpeg")

	from := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	_, _, err := e.Export(context.Background(), "CAM1", from, from.Add(time.Minute))
	if !verr.Is(err, verr.KindNotFound) {
		t.Fatalf("want NotFound, got %v", err)
	}
}

func TestExportMissingSegmentFile(t *testing.T) {
	st := newTestStore(t)
	layout := storage.NewLayout(t.TempDir(), time.UTC)
	e := NewExporter(st, layout, "ffmpeg")
	ctx := context.Background()

	start := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	rec := addSegment(t, st, layout, "CAM1", start, []byte("data"))
	if err := os.Remove(rec.FilePath); err != nil {
		t.Fatalf("remove: %v", err)
	}

	_, _, err := e.Export(ctx, "CAM1", start, start.Add(time.Minute))
	if !verr.Is(err, verr.KindFileMissing) {
		t.Fatalf("want FileMissing, got %v", err)
	}
}

func TestBuildTrimArgs(t *testing.T) {
	args := buildTrimArgs("/r/seg.mp4", 12500*time.Millisecond, 30*time.Second, "/e/out.mp4")
	joined := strings.Join(args, " ")
	for _, want := range []string{
		"-ss 12.500",
		"-i /r/seg.mp4",
		"-t 30.000",
		"-c copy",
		"-y /e/out.mp4",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("args missing %q: %s", want, joined)
		}
	}
}

func TestBuildConcatArgs(t *testing.T) {
	args := buildConcatArgs("/e/list.txt", 0, 90*time.Second, "/e/out.mp4")
	joined := strings.Join(args, " ")
	for _, want := range []string{
		"-f concat",
		"-safe 0",
		"-i /e/list.txt",
		"-ss 0.000",
		"-t 90.000",
		"-c copy",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("args missing %q: %s", want, joined)
		}
	}
}

func TestWriteConcatList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "list.txt")
	recs := []store.Recording{
		{FilePath: "/r/a.mp4"},
		{FilePath: "/r/o'brien.mp4"},
	}
	if err := writeConcatList(path, recs); err != nil {
		t.Fatalf("write: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	content := string(data)
	if !strings.Contains(content, "file '/r/a.mp4'\n") {
		t.Errorf("missing plain entry: %s", content)
	}
	if !strings.Contains(content, `o'\''brien`) {
		t.Errorf("quote not escaped: %s", content)
	}
}
