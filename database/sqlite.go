package database

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteDB implements the Database interface using SQLite
type SQLiteDB struct {
	db *sql.DB
}

// NewSQLiteDB creates a new SQLite database instance
func NewSQLiteDB(dbPath string) (*SQLiteDB, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	if err := initTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize tables: %w", err)
	}

	return &SQLiteDB{db: db}, nil
}

// initTables creates the necessary tables if they don't exist
func initTables(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS cameras (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			rtsp_url TEXT NOT NULL DEFAULT '',
			enabled INTEGER NOT NULL DEFAULT 1,
			recording_mode TEXT NOT NULL DEFAULT 'hls',
			retention_hours INTEGER NOT NULL DEFAULT 24,
			segment_seconds INTEGER NOT NULL DEFAULT 2,
			bitrate_kbps INTEGER NOT NULL DEFAULT 1500,
			max_fps REAL NOT NULL DEFAULT 5,
			jpeg_quality INTEGER NOT NULL DEFAULT 75,
			connect_timeout_seconds INTEGER NOT NULL DEFAULT 10,
			updated_at INTEGER NOT NULL
		)
	`)
	if err != nil {
		return err
	}

	// Times are unix milliseconds so range ordering is numeric.
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS clips (
			id TEXT PRIMARY KEY,
			camera_id TEXT NOT NULL,
			name TEXT NOT NULL,
			creator TEXT NOT NULL DEFAULT '',
			start_ms INTEGER NOT NULL,
			end_ms INTEGER NOT NULL,
			file_path TEXT NOT NULL,
			size INTEGER NOT NULL DEFAULT 0,
			remote_path TEXT NOT NULL DEFAULT '',
			remote_url TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		)
	`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_clips_camera_start ON clips(camera_id, start_ms)`)
	return err
}

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

// UpsertCamera inserts a camera or replaces its settings
func (s *SQLiteDB) UpsertCamera(c CameraRecord) error {
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO cameras (
			id, name, rtsp_url, enabled, recording_mode, retention_hours,
			segment_seconds, bitrate_kbps, max_fps, jpeg_quality,
			connect_timeout_seconds, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			rtsp_url = excluded.rtsp_url,
			enabled = excluded.enabled,
			recording_mode = excluded.recording_mode,
			retention_hours = excluded.retention_hours,
			segment_seconds = excluded.segment_seconds,
			bitrate_kbps = excluded.bitrate_kbps,
			max_fps = excluded.max_fps,
			jpeg_quality = excluded.jpeg_quality,
			connect_timeout_seconds = excluded.connect_timeout_seconds,
			updated_at = excluded.updated_at
	`,
		c.ID, c.Name, c.RTSPURL, c.Enabled, c.RecordingMode, c.RetentionHours,
		c.SegmentSeconds, c.BitrateKbps, c.MaxFPS, c.JPEGQuality,
		c.ConnectTimeoutSeconds, toMillis(c.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert camera %s: %w", c.ID, err)
	}
	return nil
}

const cameraColumns = `id, name, rtsp_url, enabled, recording_mode, retention_hours,
	segment_seconds, bitrate_kbps, max_fps, jpeg_quality, connect_timeout_seconds, updated_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanCamera(row scanner) (CameraRecord, error) {
	var c CameraRecord
	var updated int64
	err := row.Scan(
		&c.ID, &c.Name, &c.RTSPURL, &c.Enabled, &c.RecordingMode, &c.RetentionHours,
		&c.SegmentSeconds, &c.BitrateKbps, &c.MaxFPS, &c.JPEGQuality,
		&c.ConnectTimeoutSeconds, &updated,
	)
	c.UpdatedAt = fromMillis(updated)
	return c, err
}

// GetCamera retrieves a camera by id
func (s *SQLiteDB) GetCamera(id string) (*CameraRecord, error) {
	c, err := scanCamera(s.db.QueryRow(`SELECT `+cameraColumns+` FROM cameras WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get camera %s: %w", id, err)
	}
	return &c, nil
}

// GetCameras lists all cameras ordered by id
func (s *SQLiteDB) GetCameras() ([]CameraRecord, error) {
	rows, err := s.db.Query(`SELECT ` + cameraColumns + ` FROM cameras ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query cameras: %w", err)
	}
	defer rows.Close()

	var cameras []CameraRecord
	for rows.Next() {
		c, err := scanCamera(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan camera row: %w", err)
		}
		cameras = append(cameras, c)
	}
	return cameras, rows.Err()
}

// DeleteCamera removes a camera row. Recordings on disk are left to retention.
func (s *SQLiteDB) DeleteCamera(id string) error {
	_, err := s.db.Exec(`DELETE FROM cameras WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete camera %s: %w", id, err)
	}
	return nil
}

// CreateClip stores a new clip record
func (s *SQLiteDB) CreateClip(c Clip) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO clips (
			id, camera_id, name, creator, start_ms, end_ms,
			file_path, size, remote_path, remote_url, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		c.ID, c.CameraID, c.Name, c.Creator, toMillis(c.Start), toMillis(c.End),
		c.FilePath, c.Size, c.RemotePath, c.RemoteURL, toMillis(c.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create clip %s: %w", c.ID, err)
	}
	return nil
}

const clipColumns = `id, camera_id, name, creator, start_ms, end_ms,
	file_path, size, remote_path, remote_url, created_at`

func scanClip(row scanner) (Clip, error) {
	var c Clip
	var start, end, created int64
	err := row.Scan(
		&c.ID, &c.CameraID, &c.Name, &c.Creator, &start, &end,
		&c.FilePath, &c.Size, &c.RemotePath, &c.RemoteURL, &created,
	)
	c.Start, c.End, c.CreatedAt = fromMillis(start), fromMillis(end), fromMillis(created)
	return c, err
}

// GetClip retrieves a clip by id
func (s *SQLiteDB) GetClip(id string) (*Clip, error) {
	c, err := scanClip(s.db.QueryRow(`SELECT `+clipColumns+` FROM clips WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get clip %s: %w", id, err)
	}
	return &c, nil
}

// ListClips returns clips ordered by start time. An empty cameraID lists
// clips of all cameras.
func (s *SQLiteDB) ListClips(cameraID string) ([]Clip, error) {
	query := `SELECT ` + clipColumns + ` FROM clips`
	var args []interface{}
	if cameraID != "" {
		query += ` WHERE camera_id = ?`
		args = append(args, cameraID)
	}
	query += ` ORDER BY start_ms, id`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query clips: %w", err)
	}
	defer rows.Close()

	var clips []Clip
	for rows.Next() {
		c, err := scanClip(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan clip row: %w", err)
		}
		clips = append(clips, c)
	}
	return clips, rows.Err()
}

// RenameClip changes the display name of a clip
func (s *SQLiteDB) RenameClip(id, name string) error {
	return s.updateClip(`UPDATE clips SET name = ? WHERE id = ?`, name, id)
}

// UpdateClipRemote records where an archived copy of the clip lives
func (s *SQLiteDB) UpdateClipRemote(id, remotePath, remoteURL string) error {
	return s.updateClip(`UPDATE clips SET remote_path = ?, remote_url = ? WHERE id = ?`, remotePath, remoteURL, id)
}

func (s *SQLiteDB) updateClip(query string, args ...interface{}) error {
	res, err := s.db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("failed to update clip: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update clip: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteClip removes a clip record. Removing a missing clip is not an error.
func (s *SQLiteDB) DeleteClip(id string) error {
	_, err := s.db.Exec(`DELETE FROM clips WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete clip %s: %w", id, err)
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteDB) Close() error {
	return s.db.Close()
}
