package health

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/fleetcam/vms/internal/database"
	"github.com/fleetcam/vms/internal/store"
)

func newTestMonitor(t *testing.T) (*Monitor, *database.DB) {
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
	return New(st, nil, nil, time.Minute), db
}

func TestSnapshotHealthy(t *testing.T) {
	m, _ := newTestMonitor(t)
	ctx := context.Background()

	m.tick(ctx)

	snap := m.Snapshot(ctx)
	if snap["status"] != "healthy" {
		t.Errorf("status = %v, want healthy", snap["status"])
	}
	if ok, _ := snap["store_ok"].(bool); !ok {
		t.Errorf("store_ok = %v, want true", snap["store_ok"])
	}
}

func TestSnapshotUnhealthyStore(t *testing.T) {
	m, db := newTestMonitor(t)
	ctx := context.Background()

	// A closed database fails the ping.
	_ = db.Close()
	m.tick(ctx)

	snap := m.Snapshot(ctx)
	if snap["status"] != "unhealthy" {
		t.Errorf("status = %v, want unhealthy", snap["status"])
	}
	if snap["error"] == nil {
		t.Errorf("snapshot carries no error")
	}
}

func TestSnapshotDraining(t *testing.T) {
	m, _ := newTestMonitor(t)
	ctx := context.Background()

	m.tick(ctx)
	m.SetDraining(true)

	snap := m.Snapshot(ctx)
	if snap["status"] != "draining" {
		t.Errorf("status = %v, want draining", snap["status"])
	}
	if !m.Draining() {
		t.Errorf("Draining() = false after SetDraining(true)")
	}
}
