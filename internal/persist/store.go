package persist

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Store.Read when the named record does not exist.
var ErrNotFound = errors.New("persist: record not found")

// RecordInfo describes a stored record for maintenance scans.
type RecordInfo struct {
	Name    string
	Size    int64
	ModTime time.Time
}

// Store persists named byte records. Implementations must be safe for
// concurrent use; pairing of payload and metadata records is the Cache's job.
type Store interface {
	Read(ctx context.Context, name string) ([]byte, error)
	Write(ctx context.Context, name string, data []byte) error
	// Remove deletes the record. Removing a missing record is not an error.
	Remove(ctx context.Context, name string) error
	List(ctx context.Context) ([]RecordInfo, error)
	Close() error
}
