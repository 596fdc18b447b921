package store

import (
	"context"
	"sync"

	"github.com/andresmejia3/featurepipe/internal/types"
	"github.com/jackc/pgx/v5"
)

// Postgres archives into a PostgreSQL database over a single pgx connection.
type Postgres struct {
	mu   sync.Mutex // pgx.Conn is not safe for concurrent use
	conn *pgx.Conn
}

// NewPostgres establishes a connection to the database and ensures the schema is initialized.
func NewPostgres(ctx context.Context, connString string) (*Postgres, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, wrap("connect", err)
	}

	if err := initSchema(ctx, conn); err != nil {
		conn.Close(ctx)
		return nil, wrap("schema", err)
	}

	return &Postgres{conn: conn}, nil
}

// initSchema creates the archive table if it doesn't exist (Auto-Migration).
func initSchema(ctx context.Context, conn *pgx.Conn) error {
	_, err := conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS image_logs (
			id BIGSERIAL PRIMARY KEY,
			timestamp TEXT,
			filename TEXT,
			image_width INT,
			image_height INT,
			keypoint_count INT,
			image_data BYTEA,
			keypoints_blob BYTEA
		);
	`)
	return err
}

// Close terminates the database connection.
func (p *Postgres) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn.Close(context.Background())
}

// Insert implements Archive.
func (p *Postgres) Insert(ctx context.Context, rec types.LogRecord) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var id int64
	err := p.conn.QueryRow(ctx, `
		INSERT INTO image_logs (timestamp, filename, image_width, image_height, keypoint_count, image_data, keypoints_blob)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, rec.Timestamp, rec.Filename, rec.Width, rec.Height, rec.KeypointCount, nullBlob(rec.ImageData), nullBlob(rec.KeypointsBlob)).Scan(&id)
	return id, wrap("insert", err)
}

// List implements Archive.
func (p *Postgres) List(ctx context.Context, limit int) ([]types.LogRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	query := `SELECT id, timestamp, filename, image_width, image_height, keypoint_count FROM image_logs ORDER BY id DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := p.conn.Query(ctx, query, args...)
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

// Count implements Archive.
func (p *Postgres) Count(ctx context.Context) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var n int64
	err := p.conn.QueryRow(ctx, `SELECT COUNT(*) FROM image_logs`).Scan(&n)
	return n, wrap("count", err)
}

// Reset drops the archive table to clear the database state.
func (p *Postgres) Reset(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, err := p.conn.Exec(ctx, `DROP TABLE IF EXISTS image_logs CASCADE`)
	return wrap("reset", err)
}
