package imagecache

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// MemoryStore is an in-process ByteStore bounded by total payload bytes.
type MemoryStore struct {
	mu       sync.Mutex
	entries  *simplelru.LRU[string, []byte]
	bytes    int64
	maxBytes int64
}

// NewMemoryStore returns a store holding at most maxBytes of payload.
func NewMemoryStore(maxBytes int64) (*MemoryStore, error) {
	if maxBytes <= 0 {
		return nil, fmt.Errorf("imagecache: memory store capacity must be positive, got %d", maxBytes)
	}
	s := &MemoryStore{maxBytes: maxBytes}
	// The count bound is effectively unlimited; bytes drive eviction.
	entries, err := simplelru.NewLRU[string, []byte](math.MaxInt32, func(_ string, data []byte) {
		s.bytes -= int64(len(data))
	})
	if err != nil {
		return nil, fmt.Errorf("imagecache: memory store: %w", err)
	}
	s.entries = entries
	return s, nil
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.entries.Get(key)
	return data, ok, nil
}

func (s *MemoryStore) Put(_ context.Context, key string, data []byte) error {
	size := int64(len(data))
	if size > s.maxBytes {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries.Remove(key)
	s.entries.Add(key, data)
	s.bytes += size
	for s.bytes > s.maxBytes {
		if _, _, ok := s.entries.RemoveOldest(); !ok {
			break
		}
	}
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries.Remove(key)
	return nil
}

func (s *MemoryStore) Clear(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries.Purge()
	s.bytes = 0
	return nil
}

func (s *MemoryStore) Usage(context.Context) (Usage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Usage{Entries: s.entries.Len(), Bytes: s.bytes, MaxBytes: s.maxBytes}, nil
}

func (s *MemoryStore) Close() error { return nil }
