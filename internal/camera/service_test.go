package camera

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fleetcam/vms/internal/config"
	"github.com/fleetcam/vms/internal/database"
	"github.com/fleetcam/vms/internal/store"
	"github.com/fleetcam/vms/internal/verr"
)

func newTestService(t *testing.T) (*Service, *store.Store) {
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
	return NewService(st, keyring, nil, ""), st
}

func TestUpsertEncryptsPassword(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	cam, err := svc.Upsert(ctx, &UpsertRequest{
		ID:       "ACCC8E000001",
		Host:     "10.0.0.20",
		Username: "viewer",
		Password: "hunter2",
	}, "admin")
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if cam.EncPassword == "hunter2" || cam.EncPassword == "" {
		t.Fatalf("password stored in the clear or lost")
	}
	if !strings.HasPrefix(cam.EncPassword, "encrypted:") {
		t.Errorf("encrypted password missing prefix: %q", cam.EncPassword[:10])
	}

	// Update without a password keeps the stored credential.
	updated, err := svc.Upsert(ctx, &UpsertRequest{
		ID:          "ACCC8E000001",
		Host:        "10.0.0.21",
		DisplayName: "Dock",
	}, "admin")
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.EncPassword != cam.EncPassword {
		t.Errorf("password lost on update without password field")
	}
	if updated.Host != "10.0.0.21" {
		t.Errorf("host not updated: %s", updated.Host)
	}

	// The audit log recorded both actions.
	entries, err := st.ListAudit(ctx, 10)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("audit entries = %d, want 2", len(entries))
	}
	if entries[1].Action != "camera.create" || entries[0].Action != "camera.update" {
		t.Errorf("audit actions = %s, %s", entries[1].Action, entries[0].Action)
	}
}

func TestUpsertValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	cases := []*UpsertRequest{
		{Host: "10.0.0.20"},                                        // no id
		{ID: "CAM1"},                                               // no host
		{ID: "CAM1", Host: "h", Port: 70000},                       // bad port
		{ID: "CAM1", Host: "h", Mode: "sometimes"},                 // bad mode
		{ID: "CAM1", Host: "h", RetentionDays: 9999},               // bad retention
	}
	for i, req := range cases {
		if _, err := svc.Upsert(ctx, req, "admin"); !verr.Is(err, verr.KindValidation) {
			t.Errorf("case %d: want Validation, got %v", i, err)
		}
	}
}

func TestSetMode(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Upsert(ctx, &UpsertRequest{ID: "CAM1", Host: "10.0.0.20"}, "admin"); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	cam, err := svc.SetMode(ctx, "CAM1", store.ModeOff, "admin")
	if err != nil {
		t.Fatalf("set mode: %v", err)
	}
	if cam.Mode != store.ModeOff {
		t.Errorf("mode = %s, want off", cam.Mode)
	}

	if _, err := svc.SetMode(ctx, "CAM1", "paused", "admin"); !verr.Is(err, verr.KindValidation) {
		t.Errorf("bad mode: want Validation, got %v", err)
	}
	if _, err := svc.SetMode(ctx, "NOPE", store.ModeOff, "admin"); !verr.Is(err, verr.KindNotFound) {
		t.Errorf("missing camera: want NotFound, got %v", err)
	}
}

func TestDeleteGuard(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Upsert(ctx, &UpsertRequest{ID: "CAM1", Host: "10.0.0.20"}, "admin"); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	rec := &store.Recording{
		CameraID:    "CAM1",
		FilePath:    "/r/CAM1_segment_20260310_140000.mp4",
		StartTime:   time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC),
		EndTime:     time.Date(2026, 3, 10, 14, 1, 0, 0, time.UTC),
		DurationSec: 60,
		RetentionAt: time.Date(2026, 3, 17, 14, 0, 0, 0, time.UTC),
	}
	if err := st.InsertRecording(ctx, rec); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if err := svc.Delete(ctx, "CAM1", false, "admin"); !verr.Is(err, verr.KindConflict) {
		t.Fatalf("want Conflict without cascade, got %v", err)
	}
	if err := svc.Delete(ctx, "CAM1", true, "admin"); err != nil {
		t.Fatalf("cascade delete: %v", err)
	}
}
