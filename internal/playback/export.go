package playback

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fleetcam/vms/internal/storage"
	"github.com/fleetcam/vms/internal/store"
	"github.com/fleetcam/vms/internal/verr"
)

const (
	minExportSeconds = 1
	maxExportSeconds = 3600
)

// Exporter cuts a single MP4 from the segment archive. Stream copy
// only; the cut lands on the nearest keyframe.
type Exporter struct {
	store      *store.Store
	layout     *storage.Layout
	ffmpegPath string
	logger     *slog.Logger
}

// NewExporter creates an exporter.
func NewExporter(st *store.Store, layout *storage.Layout, ffmpegPath string) *Exporter {
	return &Exporter{
		store:      st,
		layout:     layout,
		ffmpegPath: ffmpegPath,
		logger:     slog.Default().With("component", "export"),
	}
}

// Export produces an MP4 covering [from, to) for a camera and returns
// its path plus a cleanup func that removes all temporaries including
// the output. The caller streams the file then calls cleanup.
func (e *Exporter) Export(ctx context.Context, cameraID string, from, to time.Time) (string, func(), error) {
	dur := to.Sub(from)
	if dur < minExportSeconds*time.Second || dur > maxExportSeconds*time.Second {
		return "", nil, verr.New(verr.KindValidation,
			"export duration must be between %ds and %ds, got %s",
			minExportSeconds, maxExportSeconds, dur)
	}

	recs, err := e.store.FindOverlapping(ctx, cameraID, from, to)
	if err != nil {
		return "", nil, err
	}
	if len(recs) == 0 {
		return "", nil, verr.New(verr.KindNotFound,
			"no recordings for camera %s in requested window", cameraID)
	}
	for _, rec := range recs {
		if _, serr := os.Stat(rec.FilePath); serr != nil {
			return "", nil, verr.New(verr.KindFileMissing,
				"segment file missing: %s", rec.FilePath)
		}
	}

	if err := storage.EnsureDir(e.layout.ExportDir()); err != nil {
		return "", nil, err
	}

	id := uuid.New().String()
	output := filepath.Join(e.layout.ExportDir(), id+".mp4")
	var temps []string
	cleanup := func() {
		for _, p := range temps {
			_ = os.Remove(p)
		}
		_ = os.Remove(output)
	}

	var args []string
	if len(recs) == 1 {
		offset := from.Sub(recs[0].StartTime)
		if offset < 0 {
			offset = 0
		}
		args = buildTrimArgs(recs[0].FilePath, offset, dur, output)
	} else {
		listPath := filepath.Join(e.layout.ExportDir(), id+".txt")
		if werr := writeConcatList(listPath, recs); werr != nil {
			return "", nil, werr
		}
		temps = append(temps, listPath)

		offset := from.Sub(recs[0].StartTime)
		if offset < 0 {
			offset = 0
		}
		args = buildConcatArgs(listPath, offset, dur, output)
	}

	// Bound the child. A copy-only cut finishes far faster than real
	// time; twice the window plus slack is generous.
	runCtx, cancel := context.WithTimeout(ctx, dur*2+10*time.Second)
	defer cancel()

	cmd := exec.CommandContext(runCtx, e.ffmpegPath, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		cleanup()
		e.logger.Error("Export transcode failed",
			"camera", cameraID, "error", err, "output", truncate(string(out), 512))
		return "", nil, verr.Wrap(verr.KindTranscodeFailed, err,
			"export failed for camera %s", cameraID)
	}

	e.logger.Info("Export complete", "camera", cameraID, "output", output,
		"segments", len(recs), "duration", dur)
	return output, cleanup, nil
}

// buildTrimArgs cuts a window out of a single segment.
func buildTrimArgs(input string, offset, dur time.Duration, output string) []string {
	return []string{
		"-hide_banner",
		"-loglevel", "error",
		"-ss", formatSeconds(offset),
		"-i", input,
		"-t", formatSeconds(dur),
		"-c", "copy",
		"-movflags", "+faststart",
		"-y", output,
	}
}

// buildConcatArgs stitches consecutive segments then trims the window.
func buildConcatArgs(listPath string, offset, dur time.Duration, output string) []string {
	return []string{
		"-hide_banner",
		"-loglevel", "error",
		"-f", "concat",
		"-safe", "0",
		"-i", listPath,
		"-ss", formatSeconds(offset),
		"-t", formatSeconds(dur),
		"-c", "copy",
		"-movflags", "+faststart",
		"-y", output,
	}
}

// writeConcatList writes the ffmpeg concat demuxer input file. Single
// quotes in paths are escaped per the demuxer's quoting rules.
func writeConcatList(path string, recs []store.Recording) error {
	var b strings.Builder
	for _, rec := range recs {
		escaped := strings.ReplaceAll(rec.FilePath, "'", `'\''`)
		fmt.Fprintf(&b, "file '%s'\n", escaped)
	}
	return os.WriteFile(path, []byte(b.String()), 0644)
}

func formatSeconds(d time.Duration) string {
	return fmt.Sprintf("%.3f", d.Seconds())
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
