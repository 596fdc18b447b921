package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"

	"github.com/andresmejia3/featurepipe/internal/types"
	_ "modernc.org/sqlite"
)

// SQLite archives into a single database file.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (or creates) the database at path, ensures its directory
// exists, and runs schema migrations.
func NewSQLite(ctx context.Context, path string) (*SQLite, error) {
	if path == "" {
		return nil, wrap("open", errors.New("empty database path"))
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, wrap("open", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, wrap("open", err)
	}
	// WAL lets list/export read while the persister writes.
	if _, err := db.ExecContext(ctx, `
		PRAGMA journal_mode=WAL;
		PRAGMA busy_timeout=5000;
		PRAGMA synchronous=NORMAL;
	`); err != nil {
		db.Close()
		return nil, wrap("open", err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, wrap("schema", err)
	}
	return s, nil
}

func (s *SQLite) ensureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS image_logs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp TEXT,
    filename TEXT,
    image_width INT,
    image_height INT,
    keypoint_count INT,
    image_data BLOB,
    keypoints_blob BLOB
);
`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Insert implements Archive.
func (s *SQLite) Insert(ctx context.Context, rec types.LogRecord) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO image_logs (timestamp, filename, image_width, image_height, keypoint_count, image_data, keypoints_blob)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, rec.Timestamp, rec.Filename, rec.Width, rec.Height, rec.KeypointCount, nullBlob(rec.ImageData), nullBlob(rec.KeypointsBlob))
	if err != nil {
		return 0, wrap("insert", err)
	}
	id, err := res.LastInsertId()
	return id, wrap("insert", err)
}

// List implements Archive.
func (s *SQLite) List(ctx context.Context, limit int) ([]types.LogRecord, error) {
	query := `SELECT id, timestamp, filename, image_width, image_height, keypoint_count FROM image_logs ORDER BY id DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrap("list", err)
	}
	defer rows.Close()

	var out []types.LogRecord
	for rows.Next() {
		var rec types.LogRecord
		if err := rows.Scan(&rec.ID, &rec.Timestamp, &rec.Filename, &rec.Width, &rec.Height, &rec.KeypointCount); err != nil {
			return nil, wrap("list", err)
		}
		out = append(out, rec)
	}
	return out, wrap("list", rows.Err())
}

// Get returns one record with its blobs.
func (s *SQLite) Get(ctx context.Context, id int64) (types.LogRecord, error) {
	var rec types.LogRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT id, timestamp, filename, image_width, image_height, keypoint_count, image_data, keypoints_blob
		FROM image_logs WHERE id = ?
	`, id).Scan(&rec.ID, &rec.Timestamp, &rec.Filename, &rec.Width, &rec.Height, &rec.KeypointCount, &rec.ImageData, &rec.KeypointsBlob)
	return rec, wrap("get", err)
}

// Count implements Archive.
func (s *SQLite) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM image_logs`).Scan(&n)
	return n, wrap("count", err)
}

// Reset implements Archive.
func (s *SQLite) Reset(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DROP TABLE IF EXISTS image_logs`)
	return wrap("reset", err)
}
