package imagecache

import "context"

// Usage describes a byte store's footprint.
type Usage struct {
	Entries  int   `json:"entries"`
	Bytes    int64 `json:"bytes"`
	MaxBytes int64 `json:"maxBytes"`
}

// ByteStore is one byte-bounded tier of the transport cache. Implementations
// evict least recently stored entries once MaxBytes is exceeded and silently
// refuse entries larger than the whole budget.
type ByteStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
	Usage(ctx context.Context) (Usage, error)
	Close() error
}
