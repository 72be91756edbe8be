package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/fleetcam/vms/internal/verr"
)

// RecordingMode is the per-camera recording policy.
type RecordingMode string

const (
	ModeContinuous RecordingMode = "continuous"
	ModeOff        RecordingMode = "off"
)

// ConnState is the camera connection state.
type ConnState string

const (
	ConnOnline  ConnState = "online"
	ConnOffline ConnState = "offline"
	ConnError   ConnState = "error"
)

// RecState is the camera recording state.
type RecState string

const (
	RecRecording RecState = "recording"
	RecStopped   RecState = "stopped"
	RecError     RecState = "error"
)

// Camera is one managed IP camera, keyed by its hardware serial.
type Camera struct {
	ID              string        `json:"id"`
	DisplayName     string        `json:"display_name"`
	Host            string        `json:"host"`
	Port            int           `json:"port"`
	Username        string        `json:"username"`
	EncPassword     string        `json:"-"`
	Codec           string        `json:"codec"`
	Resolution      string        `json:"resolution"`
	FPS             int           `json:"fps"`
	Bitrate         int           `json:"bitrate"`
	ProfileName     string        `json:"profile_name"`
	CompressionHint bool          `json:"compression_hint"`
	Mode            RecordingMode `json:"recording_mode"`
	RetentionDays   int           `json:"retention_days"`
	Active          bool          `json:"active"`
	ConnState       ConnState     `json:"connection_state"`
	RecState        RecState      `json:"recording_state"`
	LastSeen        *time.Time    `json:"last_seen,omitempty"`
	LastError       string        `json:"last_error,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// StateDelta is a partial camera state update. Nil fields are left
// untouched.
type StateDelta struct {
	Conn      *ConnState
	Rec       *RecState
	LastSeen  *time.Time
	LastError *string
}

// CameraFilter narrows ListCameras.
type CameraFilter struct {
	ActiveOnly bool
}

const cameraColumns = `id, display_name, host, port, username, enc_password,
	codec, resolution, fps, bitrate, profile_name, compression_hint,
	recording_mode, retention_days, active, conn_state, rec_state,
	last_seen, last_error, created_at, updated_at`

// GetCamera fetches one camera by serial.
func (s *Store) GetCamera(ctx context.Context, id string) (*Camera, error) {
	var cam *Camera
	err := s.withRetry(ctx, "camera.get", func() error {
		row := s.db.QueryRowContext(ctx,
			"SELECT "+cameraColumns+" FROM cameras WHERE id = ?", id)
		c, err := scanCamera(row)
		if err != nil {
			return err
		}
		cam = c
		return nil
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, verr.New(verr.KindNotFound, "camera not found: %s", id)
	}
	if err != nil {
		return nil, err
	}
	return cam, nil
}

// ListCameras returns cameras, optionally only active ones, ordered by id.
func (s *Store) ListCameras(ctx context.Context, filter CameraFilter) ([]Camera, error) {
	query := "SELECT " + cameraColumns + " FROM cameras"
	if filter.ActiveOnly {
		query += " WHERE active = 1"
	}
	query += " ORDER BY id ASC"

	var cameras []Camera
	err := s.withRetry(ctx, "camera.list", func() error {
		rows, err := s.db.QueryContext(ctx, query)
		if err != nil {
			return err
		}
		defer rows.Close()

		cameras = cameras[:0]
		for rows.Next() {
			cam, err := scanCamera(rows)
			if err != nil {
				return err
			}
			cameras = append(cameras, *cam)
		}
		return rows.Err()
	})
	return cameras, err
}

// UpsertCamera inserts or replaces a camera record.
func (s *Store) UpsertCamera(ctx context.Context, cam *Camera) error {
	now := time.Now()
	if cam.CreatedAt.IsZero() {
		cam.CreatedAt = now
	}
	cam.UpdatedAt = now
	if cam.Port == 0 {
		cam.Port = 554
	}
	if cam.Mode == "" {
		cam.Mode = ModeContinuous
	}
	if cam.ConnState == "" {
		cam.ConnState = ConnOffline
	}
	if cam.RecState == "" {
		cam.RecState = RecStopped
	}

	return s.withRetry(ctx, "camera.upsert", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO cameras (`+cameraColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				display_name = excluded.display_name,
				host = excluded.host,
				port = excluded.port,
				username = excluded.username,
				enc_password = excluded.enc_password,
				codec = excluded.codec,
				resolution = excluded.resolution,
				fps = excluded.fps,
				bitrate = excluded.bitrate,
				profile_name = excluded.profile_name,
				compression_hint = excluded.compression_hint,
				recording_mode = excluded.recording_mode,
				retention_days = excluded.retention_days,
				active = excluded.active,
				updated_at = excluded.updated_at
		`,
			cam.ID, cam.DisplayName, cam.Host, cam.Port, cam.Username, cam.EncPassword,
			cam.Codec, cam.Resolution, cam.FPS, cam.Bitrate, cam.ProfileName,
			boolToInt(cam.CompressionHint), string(cam.Mode), cam.RetentionDays,
			boolToInt(cam.Active), string(cam.ConnState), string(cam.RecState),
			nullUnix(cam.LastSeen), cam.LastError,
			cam.CreatedAt.Unix(), cam.UpdatedAt.Unix(),
		)
		return err
	})
}

// PatchCameraState applies a partial state update.
func (s *Store) PatchCameraState(ctx context.Context, id string, delta StateDelta) error {
	err := s.withRetry(ctx, "camera.patchState", func() error {
		query := "UPDATE cameras SET updated_at = ?"
		args := []interface{}{time.Now().Unix()}

		if delta.Conn != nil {
			query += ", conn_state = ?"
			args = append(args, string(*delta.Conn))
		}
		if delta.Rec != nil {
			query += ", rec_state = ?"
			args = append(args, string(*delta.Rec))
		}
		if delta.LastSeen != nil {
			query += ", last_seen = ?"
			args = append(args, delta.LastSeen.Unix())
		}
		if delta.LastError != nil {
			query += ", last_error = ?"
			args = append(args, *delta.LastError)
		}

		query += " WHERE id = ?"
		args = append(args, id)

		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return sql.ErrNoRows
		}
		return nil
	})
	if errors.Is(err, sql.ErrNoRows) {
		return verr.New(verr.KindNotFound, "camera not found: %s", id)
	}
	return err
}

// DeleteCamera removes a camera. Without cascade it refuses while
// non-deleted recordings exist.
func (s *Store) DeleteCamera(ctx context.Context, id string, cascade bool) error {
	if !cascade {
		var n int
		err := s.withRetry(ctx, "camera.delete.check", func() error {
			return s.db.QueryRowContext(ctx,
				"SELECT COUNT(*) FROM recordings WHERE camera_id = ? AND status != ?",
				id, string(StatusDeleted)).Scan(&n)
		})
		if err != nil {
			return err
		}
		if n > 0 {
			return verr.New(verr.KindConflict,
				"camera %s has %d recordings; delete with cascade to remove", id, n)
		}
	}

	return s.withRetry(ctx, "camera.delete", func() error {
		res, err := s.db.ExecContext(ctx, "DELETE FROM cameras WHERE id = ?", id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return verr.New(verr.KindNotFound, "camera not found: %s", id)
		}
		return nil
	})
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCamera(row rowScanner) (*Camera, error) {
	var cam Camera
	var compressionHint, active int
	var mode, connState, recState string
	var lastSeen sql.NullInt64
	var lastError sql.NullString
	var createdAt, updatedAt int64

	if err := row.Scan(
		&cam.ID, &cam.DisplayName, &cam.Host, &cam.Port, &cam.Username, &cam.EncPassword,
		&cam.Codec, &cam.Resolution, &cam.FPS, &cam.Bitrate, &cam.ProfileName,
		&compressionHint, &mode, &cam.RetentionDays, &active,
		&connState, &recState, &lastSeen, &lastError, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	cam.CompressionHint = compressionHint == 1
	cam.Active = active == 1
	cam.Mode = RecordingMode(mode)
	cam.ConnState = ConnState(connState)
	cam.RecState = RecState(recState)
	if lastSeen.Valid {
		t := time.Unix(lastSeen.Int64, 0).UTC()
		cam.LastSeen = &t
	}
	cam.LastError = lastError.String
	cam.CreatedAt = time.Unix(createdAt, 0).UTC()
	cam.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &cam, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullUnix(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.Unix()
}
