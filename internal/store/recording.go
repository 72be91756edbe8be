package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fleetcam/vms/internal/verr"
)

// RecordingStatus is the lifecycle state of an indexed segment. The
// only transition is completed -> deleted; deleted is terminal.
type RecordingStatus string

const (
	StatusRecording RecordingStatus = "recording"
	StatusCompleted RecordingStatus = "completed"
	StatusDeleted   RecordingStatus = "deleted"
)

// Recording is the index record for one on-disk segment file.
type Recording struct {
	ID          string          `json:"id"`
	CameraID    string          `json:"camera_id"`
	FilePath    string          `json:"file_path"`
	StartTime   time.Time       `json:"start_time"`
	EndTime     time.Time       `json:"end_time"`
	DurationSec int             `json:"duration_sec"`
	SizeBytes   int64           `json:"size_bytes"`
	Status      RecordingStatus `json:"status"`
	Protected   bool            `json:"protected"`
	RetentionAt time.Time       `json:"retention_at"`
	Codec       string          `json:"codec,omitempty"`
	Resolution  string          `json:"resolution,omitempty"`
	Bitrate     int             `json:"bitrate,omitempty"`
	FPS         int             `json:"fps,omitempty"`
	Recovered   bool            `json:"recovered_from_disk,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// RecordingFilter narrows ListRecordings.
type RecordingFilter struct {
	CameraID  string
	From      *time.Time
	To        *time.Time
	Status    RecordingStatus
	Protected *bool
	Limit     int
	Offset    int
}

const recordingColumns = `id, camera_id, file_path, start_time, end_time,
	duration_sec, size_bytes, status, protected, retention_at,
	codec, resolution, bitrate, fps, recovered, created_at, updated_at`

// InsertRecording indexes a segment. A duplicate file_path or an
// overlap with an existing completed recording of the same camera
// fails with a Conflict error; callers treat the duplicate-path case
// as success (idempotent insert).
func (s *Store) InsertRecording(ctx context.Context, rec *Recording) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	now := time.Now()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	if rec.Status == "" {
		rec.Status = StatusCompleted
	}

	return s.withRetry(ctx, "recording.insert", func() error {
		var overlap int
		if err := s.db.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM recordings
			WHERE camera_id = ? AND status = ? AND start_time < ? AND end_time > ?
		`, rec.CameraID, string(StatusCompleted),
			rec.EndTime.Unix(), rec.StartTime.Unix()).Scan(&overlap); err != nil {
			return err
		}
		if overlap > 0 {
			return verr.New(verr.KindConflict, "recording overlaps an existing one: camera %s at %s",
				rec.CameraID, rec.StartTime.UTC().Format(time.RFC3339))
		}

		_, err := s.db.ExecContext(ctx, `
			INSERT INTO recordings (`+recordingColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			rec.ID, rec.CameraID, rec.FilePath,
			rec.StartTime.Unix(), rec.EndTime.Unix(),
			rec.DurationSec, rec.SizeBytes, string(rec.Status),
			boolToInt(rec.Protected), rec.RetentionAt.Unix(),
			rec.Codec, rec.Resolution, rec.Bitrate, rec.FPS,
			boolToInt(rec.Recovered), rec.CreatedAt.Unix(), rec.UpdatedAt.Unix(),
		)
		if isUniqueViolation(err) {
			return verr.Wrap(verr.KindConflict, err, "duplicate file path: %s", rec.FilePath)
		}
		return err
	})
}

// GetRecording fetches one recording by id.
func (s *Store) GetRecording(ctx context.Context, id string) (*Recording, error) {
	var rec *Recording
	err := s.withRetry(ctx, "recording.get", func() error {
		row := s.db.QueryRowContext(ctx,
			"SELECT "+recordingColumns+" FROM recordings WHERE id = ?", id)
		r, err := scanRecording(row)
		if err != nil {
			return err
		}
		rec = r
		return nil
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, verr.New(verr.KindNotFound, "recording not found: %s", id)
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// PathKnown reports whether a file path is already indexed, in any status.
func (s *Store) PathKnown(ctx context.Context, path string) (bool, error) {
	var n int
	err := s.withRetry(ctx, "recording.pathKnown", func() error {
		return s.db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM recordings WHERE file_path = ?", path).Scan(&n)
	})
	return n > 0, err
}

// FindOverlapping returns completed recordings of a camera overlapping
// [from, to), sorted by start_time ascending.
func (s *Store) FindOverlapping(ctx context.Context, cameraID string, from, to time.Time) ([]Recording, error) {
	return s.queryRecordings(ctx, "recording.findOverlapping", `
		SELECT `+recordingColumns+` FROM recordings
		WHERE camera_id = ? AND status = ? AND start_time < ? AND end_time > ?
		ORDER BY start_time ASC
	`, cameraID, string(StatusCompleted), to.Unix(), from.Unix())
}

// FindByInstant returns the completed recording covering instant t for
// a camera, or NotFound.
func (s *Store) FindByInstant(ctx context.Context, cameraID string, t time.Time) (*Recording, error) {
	recs, err := s.queryRecordings(ctx, "recording.findByInstant", `
		SELECT `+recordingColumns+` FROM recordings
		WHERE camera_id = ? AND status = ? AND start_time <= ? AND end_time >= ?
		ORDER BY start_time ASC LIMIT 1
	`, cameraID, string(StatusCompleted), t.Unix(), t.Unix())
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, verr.New(verr.KindNotFound, "no recording covers %s for camera %s",
			t.UTC().Format(time.RFC3339), cameraID)
	}
	return &recs[0], nil
}

// FindExpired returns non-deleted, non-protected recordings whose
// retention instant has passed, oldest first.
func (s *Store) FindExpired(ctx context.Context, now time.Time, limit int) ([]Recording, error) {
	return s.queryRecordings(ctx, "recording.findExpired", `
		SELECT `+recordingColumns+` FROM recordings
		WHERE status != ? AND protected = 0 AND retention_at <= ?
		ORDER BY start_time ASC LIMIT ?
	`, string(StatusDeleted), now.Unix(), limit)
}

// FindOldestEligible returns non-deleted, non-protected recordings
// ordered by start_time ascending.
func (s *Store) FindOldestEligible(ctx context.Context, limit int) ([]Recording, error) {
	return s.queryRecordings(ctx, "recording.findOldestEligible", `
		SELECT `+recordingColumns+` FROM recordings
		WHERE status != ? AND protected = 0
		ORDER BY start_time ASC LIMIT ?
	`, string(StatusDeleted), limit)
}

// FindActive returns all non-deleted recordings, used by the forward
// reconciliation sweep.
func (s *Store) FindActive(ctx context.Context) ([]Recording, error) {
	return s.queryRecordings(ctx, "recording.findActive", `
		SELECT `+recordingColumns+` FROM recordings
		WHERE status != ?
		ORDER BY start_time ASC
	`, string(StatusDeleted))
}

// MarkDeleted flips a recording to deleted. Already-deleted records
// are left alone (the transition is one-way and idempotent).
func (s *Store) MarkDeleted(ctx context.Context, id string) error {
	return s.withRetry(ctx, "recording.markDeleted", func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE recordings SET status = ?, updated_at = ? WHERE id = ? AND status != ?
		`, string(StatusDeleted), time.Now().Unix(), id, string(StatusDeleted))
		return err
	})
}

// UpdateRecordingSize corrects the indexed size after an integrity
// check found it out of date.
func (s *Store) UpdateRecordingSize(ctx context.Context, id string, size int64) error {
	return s.withRetry(ctx, "recording.updateSize", func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE recordings SET size_bytes = ?, updated_at = ? WHERE id = ?
		`, size, time.Now().Unix(), id)
		return err
	})
}

// SetProtected toggles the protection flag.
func (s *Store) SetProtected(ctx context.Context, id string, protected bool) error {
	return s.withRetry(ctx, "recording.setProtected", func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE recordings SET protected = ?, updated_at = ? WHERE id = ?
		`, boolToInt(protected), time.Now().Unix(), id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return verr.New(verr.KindNotFound, "recording not found: %s", id)
		}
		return nil
	})
}

// TotalActiveSize sums size_bytes over all non-deleted recordings.
func (s *Store) TotalActiveSize(ctx context.Context) (int64, error) {
	var total sql.NullInt64
	err := s.withRetry(ctx, "recording.totalActiveSize", func() error {
		return s.db.QueryRowContext(ctx, `
			SELECT SUM(size_bytes) FROM recordings WHERE status != ?
		`, string(StatusDeleted)).Scan(&total)
	})
	return total.Int64, err
}

// SizeByCamera returns active bytes per camera.
func (s *Store) SizeByCamera(ctx context.Context) (map[string]int64, error) {
	result := make(map[string]int64)
	err := s.withRetry(ctx, "recording.sizeByCamera", func() error {
		rows, err := s.db.QueryContext(ctx, `
			SELECT camera_id, SUM(size_bytes) FROM recordings
			WHERE status != ? GROUP BY camera_id
		`, string(StatusDeleted))
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var id string
			var size int64
			if err := rows.Scan(&id, &size); err != nil {
				return err
			}
			result[id] = size
		}
		return rows.Err()
	})
	return result, err
}

// ListRecordings returns recordings matching the filter plus the total
// match count for pagination.
func (s *Store) ListRecordings(ctx context.Context, filter RecordingFilter) ([]Recording, int, error) {
	var conditions []string
	var args []interface{}

	if filter.CameraID != "" {
		conditions = append(conditions, "camera_id = ?")
		args = append(args, filter.CameraID)
	}
	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, string(filter.Status))
	} else {
		conditions = append(conditions, "status != ?")
		args = append(args, string(StatusDeleted))
	}
	if filter.From != nil {
		conditions = append(conditions, "end_time > ?")
		args = append(args, filter.From.Unix())
	}
	if filter.To != nil {
		conditions = append(conditions, "start_time < ?")
		args = append(args, filter.To.Unix())
	}
	if filter.Protected != nil {
		conditions = append(conditions, "protected = ?")
		args = append(args, boolToInt(*filter.Protected))
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	var recs []Recording
	var total int
	err := s.withRetry(ctx, "recording.list", func() error {
		if err := s.db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM recordings "+where, args...).Scan(&total); err != nil {
			return err
		}

		query := "SELECT " + recordingColumns + " FROM recordings " + where +
			" ORDER BY start_time ASC LIMIT ? OFFSET ?"
		rows, err := s.db.QueryContext(ctx, query, append(args, limit, filter.Offset)...)
		if err != nil {
			return err
		}
		defer rows.Close()

		recs = recs[:0]
		for rows.Next() {
			rec, err := scanRecording(rows)
			if err != nil {
				return err
			}
			recs = append(recs, *rec)
		}
		return rows.Err()
	})
	return recs, total, err
}

func (s *Store) queryRecordings(ctx context.Context, op, query string, args ...interface{}) ([]Recording, error) {
	var recs []Recording
	err := s.withRetry(ctx, op, func() error {
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		recs = recs[:0]
		for rows.Next() {
			rec, err := scanRecording(rows)
			if err != nil {
				return err
			}
			recs = append(recs, *rec)
		}
		return rows.Err()
	})
	return recs, err
}

func scanRecording(row rowScanner) (*Recording, error) {
	var rec Recording
	var startTime, endTime, retentionAt, createdAt, updatedAt int64
	var status string
	var protected, recovered int

	if err := row.Scan(
		&rec.ID, &rec.CameraID, &rec.FilePath, &startTime, &endTime,
		&rec.DurationSec, &rec.SizeBytes, &status, &protected, &retentionAt,
		&rec.Codec, &rec.Resolution, &rec.Bitrate, &rec.FPS,
		&recovered, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	rec.StartTime = time.Unix(startTime, 0).UTC()
	rec.EndTime = time.Unix(endTime, 0).UTC()
	rec.RetentionAt = time.Unix(retentionAt, 0).UTC()
	rec.CreatedAt = time.Unix(createdAt, 0).UTC()
	rec.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	rec.Status = RecordingStatus(status)
	rec.Protected = protected == 1
	rec.Recovered = recovered == 1
	return &rec, nil
}
