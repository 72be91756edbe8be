// Package storage derives and parses the on-disk layout used for
// recorded segments, live playlists and exports. All wall-clock
// timestamps embedded in paths use the configured local zone; the
// database stores UTC.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/fleetcam/vms/internal/verr"
)

const (
	recordingsDir = "recordings"
	liveDir       = "live"
	exportDir     = "export"

	segmentTimeFormat = "20060102_150405"
)

// segmentNamePattern matches "<CameraId>_segment_YYYYMMDD_HHMMSS.<ext>"
// and the legacy "segment_YYYYMMDD_HHMMSS.<ext>" form.
var segmentNamePattern = regexp.MustCompile(`^(?:([A-Z0-9]+)_)?segment_(\d{8}_\d{6})\.([A-Za-z0-9]+)$`)

// Layout resolves paths under a single storage root.
type Layout struct {
	root string
	loc  *time.Location
}

// NewLayout creates a layout rooted at root. loc is the wall-clock zone
// used for directory and filename timestamps; nil means time.Local.
func NewLayout(root string, loc *time.Location) *Layout {
	if loc == nil {
		loc = time.Local
	}
	return &Layout{root: root, loc: loc}
}

// Root returns the storage root directory.
func (l *Layout) Root() string { return l.root }

// Location returns the wall-clock zone used for path timestamps.
func (l *Layout) Location() *time.Location { return l.loc }

// RecordingsRoot returns <root>/recordings.
func (l *Layout) RecordingsRoot() string {
	return filepath.Join(l.root, recordingsDir)
}

// CameraDir returns <root>/recordings/<cameraID>.
func (l *Layout) CameraDir(cameraID string) string {
	return filepath.Join(l.root, recordingsDir, cameraID)
}

// SegmentDir returns the hour directory for a camera at instant t:
// <root>/recordings/<cameraID>/<YYYY>/<MM>/<DD>/<HH>.
func (l *Layout) SegmentDir(cameraID string, t time.Time) string {
	t = t.In(l.loc)
	return filepath.Join(l.CameraDir(cameraID),
		fmt.Sprintf("%04d", t.Year()),
		fmt.Sprintf("%02d", t.Month()),
		fmt.Sprintf("%02d", t.Day()),
		fmt.Sprintf("%02d", t.Hour()),
	)
}

// SegmentName returns "<cameraID>_segment_YYYYMMDD_HHMMSS.<ext>".
func SegmentName(cameraID string, t time.Time, loc *time.Location, ext string) string {
	if loc == nil {
		loc = time.Local
	}
	return fmt.Sprintf("%s_segment_%s.%s", cameraID, t.In(loc).Format(segmentTimeFormat), ext)
}

// SegmentPath returns the full path for a segment of cameraID starting at t.
func (l *Layout) SegmentPath(cameraID string, t time.Time, ext string) string {
	return filepath.Join(l.SegmentDir(cameraID, t), SegmentName(cameraID, t, l.loc, ext))
}

// SegmentPattern returns the strftime pattern handed to the muxer so it
// names segments by wall-clock start inside hour directories.
func (l *Layout) SegmentPattern(cameraID, ext string) string {
	return filepath.Join(l.CameraDir(cameraID),
		"%Y", "%m", "%d", "%H",
		fmt.Sprintf("%s_segment_%%Y%%m%%d_%%H%%M%%S.%s", cameraID, ext))
}

// LiveDir returns <root>/live/<cameraID>.
func (l *Layout) LiveDir(cameraID string) string {
	return filepath.Join(l.root, liveDir, cameraID)
}

// ExportDir returns <root>/export.
func (l *Layout) ExportDir() string {
	return filepath.Join(l.root, exportDir)
}

// ParsedSegment is the result of parsing a segment filename.
type ParsedSegment struct {
	CameraID  string // empty for the legacy form
	StartTime time.Time
	Ext       string
}

// ParseSegmentName parses a segment base name. Both the current
// "<CameraId>_segment_..." and legacy "segment_..." forms round-trip;
// any other shape fails with a BadPath error.
func (l *Layout) ParseSegmentName(name string) (*ParsedSegment, error) {
	m := segmentNamePattern.FindStringSubmatch(filepath.Base(name))
	if m == nil {
		return nil, verr.New(verr.KindBadPath, "not a segment filename: %s", filepath.Base(name))
	}
	ts, err := time.ParseInLocation(segmentTimeFormat, m[2], l.loc)
	if err != nil {
		return nil, verr.Wrap(verr.KindBadPath, err, "bad segment timestamp: %s", m[2])
	}
	return &ParsedSegment{CameraID: m[1], StartTime: ts, Ext: m[3]}, nil
}

// EnsureDir creates dir and parents. Safe to race; MkdirAll is
// idempotent and tolerates concurrent creators.
func EnsureDir(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}
	return nil
}

// CameraIDFromPath recovers the camera id from a path below the
// recordings root, used when a legacy filename carries no id.
func (l *Layout) CameraIDFromPath(path string) string {
	rel, err := filepath.Rel(l.RecordingsRoot(), path)
	if err != nil {
		return ""
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) < 2 || parts[0] == ".." {
		return ""
	}
	return parts[0]
}
