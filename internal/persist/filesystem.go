package persist

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

const (
	tempPrefix = ".tmp-"

	// maxFileName keeps escaped record names well under the common 255-byte
	// filename limit.
	maxFileName  = 200
	maxExtLength = 16
	hashedPrefix = "~"
)

// FileStore keeps each record as one file inside a dedicated directory.
type FileStore struct {
	dir string
}

// NewFileStore creates dir if needed and returns a store rooted there.
func NewFileStore(dir string) (*FileStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("persist: cache directory required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("persist: create cache dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Dir reports the backing directory.
func (s *FileStore) Dir() string { return s.dir }

func (s *FileStore) path(name string) string {
	return filepath.Join(s.dir, fileName(name))
}

// fileName escapes name. A name that escapes past maxFileName is replaced by a
// digest of everything before its extension, so the payload and metadata
// records of one key still share a stem and List reports them as a pair.
func fileName(name string) string {
	escaped := url.PathEscape(name)
	if len(escaped) <= maxFileName {
		return escaped
	}
	ext := filepath.Ext(name)
	if len(ext) > maxExtLength {
		ext = ""
	}
	sum := sha256.Sum256([]byte(strings.TrimSuffix(name, ext)))
	return hashedPrefix + hex.EncodeToString(sum[:]) + url.PathEscape(ext)
}

func (s *FileStore) Read(_ context.Context, name string) ([]byte, error) {
	data, err := os.ReadFile(s.path(name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("persist: read %s: %w", name, err)
	}
	return data, nil
}

// Write replaces the record atomically via a temp file and rename.
func (s *FileStore) Write(_ context.Context, name string, data []byte) error {
	tmp, err := os.CreateTemp(s.dir, tempPrefix+"*")
	if err != nil {
		return fmt.Errorf("persist: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("persist: write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("persist: close %s: %w", name, err)
	}
	if err := os.Rename(tmpPath, s.path(name)); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("persist: rename %s: %w", name, err)
	}
	return nil
}

func (s *FileStore) Remove(_ context.Context, name string) error {
	if err := os.Remove(s.path(name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("persist: remove %s: %w", name, err)
	}
	return nil
}

func (s *FileStore) List(ctx context.Context) ([]RecordInfo, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("persist: list cache dir: %w", err)
	}
	out := make([]RecordInfo, 0, len(entries))
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if entry.IsDir() || strings.HasPrefix(entry.Name(), tempPrefix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("persist: stat %s: %w", entry.Name(), err)
		}
		name, err := url.PathUnescape(entry.Name())
		if err != nil {
			name = entry.Name()
		}
		out = append(out, RecordInfo{Name: name, Size: info.Size(), ModTime: info.ModTime()})
	}
	return out, nil
}

func (s *FileStore) Close() error { return nil }
