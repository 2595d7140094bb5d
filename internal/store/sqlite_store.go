package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"

	"tilecache/internal/tilekey"
)

//go:embed migrations/*.sql
var migrations embed.FS

// goose keeps its dialect and filesystem in package globals.
var migrateMu sync.Mutex

const trimBatch = 100

// SQLiteStore is a single-file tile database using the osmdroid
// cache schema: tiles(key, provider, tile, expires).
type SQLiteStore struct {
	db        *sql.DB
	maxBytes  int64
	trimBytes int64
	logger    *zap.Logger
}

// SQLiteIndex is the osmdroid database key, (((z<<z)+x)<<z)+y.
func SQLiteIndex(key tilekey.Key) int64 {
	z, x, y := tilekey.Unpack(key)
	return (((int64(z) << z) + int64(x)) << z) + int64(y)
}

func NewSQLiteStore(path string, maxBytes, trimBytes int64, logger *zap.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite store: %w", err)
	}

	if trimBytes <= 0 || trimBytes > maxBytes {
		trimBytes = maxBytes
	}
	s := &SQLiteStore{
		db:        db,
		maxBytes:  maxBytes,
		trimBytes: trimBytes,
		logger:    logger,
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite store: %w", err)
	}

	logger.Info("SQLite store initialized", zap.String("path", path))
	return s, nil
}

func (s *SQLiteStore) runMigrations() error {
	migrateMu.Lock()
	defer migrateMu.Unlock()

	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())

	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}
	return goose.Up(s.db, "migrations")
}

func (s *SQLiteStore) Get(ctx context.Context, source string, key tilekey.Key) (*Entry, error) {
	query := `SELECT tile, expires FROM tiles WHERE key = ? AND provider = ?`

	var data []byte
	var expires sql.NullInt64
	err := s.db.QueryRowContext(ctx, query, SQLiteIndex(key), source).Scan(&data, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite get: %w", err)
	}

	entry := &Entry{Data: data}
	if expires.Valid {
		entry.Expires = time.UnixMilli(expires.Int64)
	}
	return entry, nil
}

func (s *SQLiteStore) Set(ctx context.Context, source string, key tilekey.Key, data []byte, expires time.Time) error {
	query := `INSERT INTO tiles (key, provider, tile, expires)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(key, provider) DO UPDATE SET tile = excluded.tile, expires = excluded.expires`

	var exp sql.NullInt64
	if !expires.IsZero() {
		exp = sql.NullInt64{Int64: expires.UnixMilli(), Valid: true}
	}

	if _, err := s.db.ExecContext(ctx, query, SQLiteIndex(key), source, data, exp); err != nil {
		return fmt.Errorf("sqlite set: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, source string, key tilekey.Key) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tiles WHERE key = ? AND provider = ?`, SQLiteIndex(key), source)
	if err != nil {
		return fmt.Errorf("sqlite delete: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM tiles`); err != nil {
		return fmt.Errorf("sqlite clear: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) size(ctx context.Context) (int64, error) {
	var total sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT SUM(LENGTH(tile)) FROM tiles`).Scan(&total)
	return total.Int64, err
}

// Trim deletes the rows with the earliest expiration, tiles without one
// first, while the stored blobs exceed the limit.
func (s *SQLiteStore) Trim(ctx context.Context) (int, error) {
	if s.maxBytes <= 0 {
		return 0, nil
	}

	total, err := s.size(ctx)
	if err != nil {
		return 0, fmt.Errorf("sqlite size: %w", err)
	}
	if total <= s.maxBytes {
		return 0, nil
	}

	removed := 0
	for total > s.trimBytes {
		res, err := s.db.ExecContext(ctx, `DELETE FROM tiles WHERE rowid IN (
			SELECT rowid FROM tiles ORDER BY expires ASC LIMIT ?)`, trimBatch)
		if err != nil {
			return removed, fmt.Errorf("sqlite trim: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			break
		}
		removed += int(n)

		if total, err = s.size(ctx); err != nil {
			return removed, fmt.Errorf("sqlite size: %w", err)
		}
	}

	s.logger.Info("Trimmed sqlite store",
		zap.Int("removed", removed),
		zap.Int64("bytes", total),
		zap.Int64("max_bytes", s.maxBytes),
	)
	return removed, nil
}
