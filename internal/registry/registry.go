// Package registry persists camera calibration and recorded-session
// metadata that survives process restarts. Everything on the hot capture
// path lives in memory (RuntimeConfig, the matcher, the pipelines); this is
// only the cold-path bookkeeping: what cameras exist, their last-known
// calibration, and which recordings have been made.
package registry

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/orbo-rgbd/xrcap/internal/proto"
)

// Registry wraps a SQLite database for camera and recording metadata.
type Registry struct {
	db *sql.DB
}

// New opens (creating if necessary) the database at path and runs
// migrations.
func New(path string) (*Registry, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("registry: open database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("registry: enable WAL mode: %w", err)
	}
	r := &Registry{db: db}
	if err := r.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

// Close closes the underlying database.
func (r *Registry) Close() error {
	return r.db.Close()
}

func (r *Registry) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS cameras (
			server_guid INTEGER NOT NULL,
			camera_index INTEGER NOT NULL,
			calibration TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (server_guid, camera_index)
		)`,
		`CREATE TABLE IF NOT EXISTS recordings (
			id TEXT PRIMARY KEY,
			path TEXT NOT NULL,
			started_at DATETIME NOT NULL,
			ended_at DATETIME,
			server_guids TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_recordings_started ON recordings(started_at DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := r.db.Exec(stmt); err != nil {
			return fmt.Errorf("registry: migration failed: %w", err)
		}
	}
	return nil
}

// SaveCalibration upserts one camera's calibration record.
func (r *Registry) SaveCalibration(identity proto.CameraIdentity, cal proto.Calibration) error {
	data, err := json.Marshal(calibrationJSON{
		ColorIntrinsics:      cal.ColorIntrinsics,
		DepthIntrinsics:      cal.DepthIntrinsics,
		RotationFromDepth:    cal.RotationFromDepth,
		TranslationFromDepth: cal.TranslationFromDepth,
	})
	if err != nil {
		return fmt.Errorf("registry: marshal calibration: %w", err)
	}

	query := `INSERT INTO cameras (server_guid, camera_index, calibration, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(server_guid, camera_index) DO UPDATE SET
			calibration = excluded.calibration,
			updated_at = excluded.updated_at`
	if _, err := r.db.Exec(query, identity.ServerGUID, identity.CameraIndex, string(data)); err != nil {
		return fmt.Errorf("registry: save calibration: %w", err)
	}
	return nil
}

// GetCalibration returns the last-saved calibration for a camera, or
// (zero, false, nil) if none is recorded.
func (r *Registry) GetCalibration(identity proto.CameraIdentity) (proto.Calibration, bool, error) {
	var raw string
	err := r.db.QueryRow(
		"SELECT calibration FROM cameras WHERE server_guid = ? AND camera_index = ?",
		identity.ServerGUID, identity.CameraIndex,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return proto.Calibration{}, false, nil
	}
	if err != nil {
		return proto.Calibration{}, false, fmt.Errorf("registry: get calibration: %w", err)
	}

	var cj calibrationJSON
	if err := json.Unmarshal([]byte(raw), &cj); err != nil {
		return proto.Calibration{}, false, fmt.Errorf("registry: unmarshal calibration: %w", err)
	}
	return proto.Calibration{
		Identity:             identity,
		ColorIntrinsics:      cj.ColorIntrinsics,
		DepthIntrinsics:      cj.DepthIntrinsics,
		RotationFromDepth:    cj.RotationFromDepth,
		TranslationFromDepth: cj.TranslationFromDepth,
	}, true, nil
}

// calibrationJSON is the JSON-serializable projection of proto.Calibration
// (identity is carried by the SQL row's primary key, not duplicated here).
type calibrationJSON struct {
	ColorIntrinsics      proto.Intrinsics
	DepthIntrinsics      proto.Intrinsics
	RotationFromDepth    [9]float32
	TranslationFromDepth [3]float32
}

// RecordingSession is a catalog entry for one completed or in-progress
// recording.
type RecordingSession struct {
	ID          string
	Path        string
	StartedAt   time.Time
	EndedAt     *time.Time
	ServerGUIDs []uint64
}

// BeginRecording inserts a new in-progress recording row.
func (r *Registry) BeginRecording(session RecordingSession) error {
	guids, err := json.Marshal(session.ServerGUIDs)
	if err != nil {
		return fmt.Errorf("registry: marshal server guids: %w", err)
	}
	_, err = r.db.Exec(
		"INSERT INTO recordings (id, path, started_at, server_guids) VALUES (?, ?, ?, ?)",
		session.ID, session.Path, session.StartedAt, string(guids),
	)
	if err != nil {
		return fmt.Errorf("registry: begin recording: %w", err)
	}
	return nil
}

// EndRecording stamps a recording's end time.
func (r *Registry) EndRecording(id string, endedAt time.Time) error {
	_, err := r.db.Exec("UPDATE recordings SET ended_at = ? WHERE id = ?", endedAt, id)
	if err != nil {
		return fmt.Errorf("registry: end recording: %w", err)
	}
	return nil
}

// ListRecordings returns the most recent recordings, newest first.
func (r *Registry) ListRecordings(limit int) ([]RecordingSession, error) {
	rows, err := r.db.Query(
		"SELECT id, path, started_at, ended_at, server_guids FROM recordings ORDER BY started_at DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("registry: list recordings: %w", err)
	}
	defer rows.Close()

	var out []RecordingSession
	for rows.Next() {
		var s RecordingSession
		var endedAt sql.NullTime
		var guidsJSON string
		if err := rows.Scan(&s.ID, &s.Path, &s.StartedAt, &endedAt, &guidsJSON); err != nil {
			return nil, fmt.Errorf("registry: scan recording: %w", err)
		}
		if endedAt.Valid {
			t := endedAt.Time
			s.EndedAt = &t
		}
		if err := json.Unmarshal([]byte(guidsJSON), &s.ServerGUIDs); err != nil {
			return nil, fmt.Errorf("registry: unmarshal server guids: %w", err)
		}
		out = append(out, s)
	}
	return out, nil
}
