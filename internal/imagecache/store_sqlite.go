package imagecache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a disk ByteStore backed by a single sqlite table.
type SQLiteStore struct {
	db         *sql.DB
	maxBytes   int64
	writeMutex sync.Mutex
	now        func() time.Time
}

// OpenSQLiteStore opens (creating if needed) the database at path.
func OpenSQLiteStore(path string, maxBytes int64) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("imagecache: sqlite path required")
	}
	if maxBytes <= 0 {
		return nil, fmt.Errorf("imagecache: disk store capacity must be positive, got %d", maxBytes)
	}
	cleanPath := filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(cleanPath), 0o700); err != nil {
		return nil, fmt.Errorf("imagecache: create disk cache dir: %w", err)
	}
	dsn := cleanPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("imagecache: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("imagecache: ping sqlite: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS images (
		key TEXT PRIMARY KEY,
		bytes BLOB NOT NULL,
		size INTEGER NOT NULL,
		stored INTEGER NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("imagecache: create table: %w", err)
	}
	if _, err := db.Exec("CREATE INDEX IF NOT EXISTS images_stored_idx ON images (stored)"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("imagecache: create index: %w", err)
	}
	return &SQLiteStore{db: db, maxBytes: maxBytes, now: time.Now}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, "SELECT bytes FROM images WHERE key = ?", key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("imagecache: sqlite get: %w", err)
	}
	return data, true, nil
}

func (s *SQLiteStore) Put(ctx context.Context, key string, data []byte) error {
	size := int64(len(data))
	if size > s.maxBytes {
		return nil
	}
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	if _, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO images (key, bytes, size, stored) VALUES (?, ?, ?, ?)",
		key, data, size, s.now().UnixNano(),
	); err != nil {
		return fmt.Errorf("imagecache: sqlite put: %w", err)
	}
	return s.evict(ctx)
}

// evict removes the oldest rows until the table fits the budget. Callers hold
// writeMutex.
func (s *SQLiteStore) evict(ctx context.Context) error {
	var total int64
	if err := s.db.QueryRowContext(ctx, "SELECT COALESCE(SUM(size), 0) FROM images").Scan(&total); err != nil {
		return fmt.Errorf("imagecache: sqlite usage: %w", err)
	}
	if total <= s.maxBytes {
		return nil
	}
	rows, err := s.db.QueryContext(ctx, "SELECT key, size FROM images ORDER BY stored ASC, key ASC")
	if err != nil {
		return fmt.Errorf("imagecache: sqlite scan: %w", err)
	}
	var victims []string
	for rows.Next() && total > s.maxBytes {
		var key string
		var size int64
		if err := rows.Scan(&key, &size); err != nil {
			_ = rows.Close()
			return fmt.Errorf("imagecache: sqlite scan: %w", err)
		}
		victims = append(victims, key)
		total -= size
	}
	if err := rows.Close(); err != nil {
		return fmt.Errorf("imagecache: sqlite scan: %w", err)
	}
	for _, key := range victims {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM images WHERE key = ?", key); err != nil {
			return fmt.Errorf("imagecache: sqlite evict: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	if _, err := s.db.ExecContext(ctx, "DELETE FROM images WHERE key = ?", key); err != nil {
		return fmt.Errorf("imagecache: sqlite delete: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Clear(ctx context.Context) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	if _, err := s.db.ExecContext(ctx, "DELETE FROM images"); err != nil {
		return fmt.Errorf("imagecache: sqlite clear: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Usage(ctx context.Context) (Usage, error) {
	usage := Usage{MaxBytes: s.maxBytes}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*), COALESCE(SUM(size), 0) FROM images").Scan(&usage.Entries, &usage.Bytes); err != nil {
		return Usage{}, fmt.Errorf("imagecache: sqlite usage: %w", err)
	}
	return usage, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
