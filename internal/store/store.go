package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/andresmejia3/featurepipe/internal/types"
)

// Table is the archive table name, shared by both backends.
const Table = "image_logs"

// Archive is the persister's storage. Each Insert is committed on its own.
type Archive interface {
	// Insert stores one record and returns its assigned id.
	Insert(ctx context.Context, rec types.LogRecord) (int64, error)
	// List returns up to limit records, newest first, without blob columns.
	// A limit <= 0 returns every record.
	List(ctx context.Context, limit int) ([]types.LogRecord, error)
	// Count returns the number of archived records.
	Count(ctx context.Context) (int64, error)
	// Reset drops the archive table. The next Open recreates it.
	Reset(ctx context.Context) error
	Close() error
}

// StorageError reports a failed archive operation.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("storage %s: %v", e.Op, e.Err) }

func (e *StorageError) Unwrap() error { return e.Err }

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}

// IsPostgres reports whether dsn selects the PostgreSQL backend.
func IsPostgres(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

// Open picks the backend from dsn: a postgres:// URL connects with pgx,
// anything else is a SQLite file path (an optional sqlite:// prefix is stripped).
// The schema is created if it does not exist.
func Open(ctx context.Context, dsn string) (Archive, error) {
	if IsPostgres(dsn) {
		return NewPostgres(ctx, dsn)
	}
	return NewSQLite(ctx, strings.TrimPrefix(dsn, "sqlite://"))
}

// nullBlob maps an empty blob to SQL NULL.
func nullBlob(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
