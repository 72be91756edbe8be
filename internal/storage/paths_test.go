package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/fleetcam/vms/internal/verr"
)

func testLayout(t *testing.T) *Layout {
	t.Helper()
	loc, err := time.LoadLocation("UTC")
	if err != nil {
		t.Fatalf("LoadLocation: %v", err)
	}
	return NewLayout("/data", loc)
}

func TestSegmentPath(t *testing.T) {
	l := testLayout(t)
	ts := time.Date(2026, 8, 24, 15, 30, 0, 0, time.UTC)

	got := l.SegmentPath("ABCD1234", ts, "mp4")
	want := filepath.Join("/data", "recordings", "ABCD1234", "2026", "08", "24", "15",
		"ABCD1234_segment_20260824_153000.mp4")
	if got != want {
		t.Errorf("SegmentPath() = %s, want %s", got, want)
	}
}

func TestParseSegmentNameRoundTrip(t *testing.T) {
	l := testLayout(t)
	ts := time.Date(2026, 8, 24, 15, 30, 0, 0, time.UTC)

	name := SegmentName("ABCD1234", ts, l.Location(), "mp4")
	parsed, err := l.ParseSegmentName(name)
	if err != nil {
		t.Fatalf("ParseSegmentName(%s) error = %v", name, err)
	}
	if parsed.CameraID != "ABCD1234" {
		t.Errorf("CameraID = %s, want ABCD1234", parsed.CameraID)
	}
	if !parsed.StartTime.Equal(ts) {
		t.Errorf("StartTime = %v, want %v", parsed.StartTime, ts)
	}
	if parsed.Ext != "mp4" {
		t.Errorf("Ext = %s, want mp4", parsed.Ext)
	}
}

func TestParseSegmentNameLegacy(t *testing.T) {
	l := testLayout(t)

	parsed, err := l.ParseSegmentName("segment_20240115_103000.mkv")
	if err != nil {
		t.Fatalf("ParseSegmentName() error = %v", err)
	}
	if parsed.CameraID != "" {
		t.Errorf("CameraID = %s, want empty for legacy form", parsed.CameraID)
	}
	want := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
	if !parsed.StartTime.Equal(want) {
		t.Errorf("StartTime = %v, want %v", parsed.StartTime, want)
	}
}

func TestParseSegmentNameBad(t *testing.T) {
	l := testLayout(t)

	bad := []string{
		"notasegment.mp4",
		"ABCD1234_segment_2026.mp4",
		"ABCD1234_segment_20260824_153000",
		"segment_20261341_250000.mp4", // unparseable timestamp
		"playlist.m3u8",
	}
	for _, name := range bad {
		if _, err := l.ParseSegmentName(name); err == nil {
			t.Errorf("ParseSegmentName(%s) expected error", name)
		} else if !verr.Is(err, verr.KindBadPath) {
			t.Errorf("ParseSegmentName(%s) kind = %s, want bad_path", name, verr.KindOf(err))
		}
	}
}

func TestParseSegmentNameFullPath(t *testing.T) {
	l := testLayout(t)

	parsed, err := l.ParseSegmentName("/data/recordings/CAM1/2026/08/24/15/CAM1_segment_20260824_153000.mp4")
	if err != nil {
		t.Fatalf("ParseSegmentName() error = %v", err)
	}
	if parsed.CameraID != "CAM1" {
		t.Errorf("CameraID = %s, want CAM1", parsed.CameraID)
	}
}

func TestCameraIDFromPath(t *testing.T) {
	l := testLayout(t)

	id := l.CameraIDFromPath("/data/recordings/ABCD1234/2026/08/24/15/segment_20260824_153000.mp4")
	if id != "ABCD1234" {
		t.Errorf("CameraIDFromPath() = %s, want ABCD1234", id)
	}

	if id := l.CameraIDFromPath("/elsewhere/file.mp4"); id != "" {
		t.Errorf("CameraIDFromPath() = %s, want empty outside root", id)
	}
}

func TestSegmentPattern(t *testing.T) {
	l := testLayout(t)

	got := l.SegmentPattern("CAM1", "mp4")
	want := filepath.Join("/data", "recordings", "CAM1", "%Y", "%m", "%d", "%H",
		"CAM1_segment_%Y%m%d_%H%M%S.mp4")
	if got != want {
		t.Errorf("SegmentPattern() = %s, want %s", got, want)
	}
}
