package places

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/tacoaboutit/placeclient/internal/clienterr"
	"github.com/tacoaboutit/placeclient/internal/logging"
	"github.com/tacoaboutit/placeclient/internal/metrics"
)

const (
	DefaultPhotoCapacity      = 512
	DefaultPhotoConcurrency   = 4
	DefaultPhotoBatchSize     = 5
	DefaultPhotoBatchDelay    = 100 * time.Millisecond
	maxPhotoDimension         = 4800
	metricsPhotoURLCacheLabel = "photo_url"
)

// PhotoFetcher resolves one photo reference to a URL over the network.
type PhotoFetcher func(ctx context.Context, photoID string, maxWidth, maxHeight int) (string, error)

// PhotoOptions tunes a PhotoURLCache. Zero values take the defaults.
type PhotoOptions struct {
	Capacity      int
	MaxConcurrent int
	BatchSize     int
	BatchDelay    time.Duration
	Logger        *slog.Logger
	Metrics       *metrics.Recorder
}

// PhotoURLCache maps (photo, dimensions) to resolved URLs in memory. Resolved
// URLs carry their own server-side expiry, so entries live until capacity
// eviction. Network resolutions are deduplicated per key and limited to
// MaxConcurrent in flight across all callers.
type PhotoURLCache struct {
	entries    *lru.Cache[string, string]
	inflight   singleflight.Group
	gate       *semaphore.Weighted
	fetch      PhotoFetcher
	batchSize  int
	batchDelay time.Duration
	logger     *slog.Logger
	metrics    *metrics.Recorder
}

// NewPhotoURLCache builds a cache that resolves misses with fetch.
func NewPhotoURLCache(fetch PhotoFetcher, opts PhotoOptions) (*PhotoURLCache, error) {
	if fetch == nil {
		return nil, errors.New("places: photo fetcher required")
	}
	capacity := opts.Capacity
	if capacity <= 0 {
		capacity = DefaultPhotoCapacity
	}
	concurrent := opts.MaxConcurrent
	if concurrent <= 0 {
		concurrent = DefaultPhotoConcurrency
	}
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultPhotoBatchSize
	}
	delay := opts.BatchDelay
	if delay < 0 {
		delay = 0
	}
	entries, err := lru.New[string, string](capacity)
	if err != nil {
		return nil, fmt.Errorf("places: photo cache: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &PhotoURLCache{
		entries:    entries,
		gate:       semaphore.NewWeighted(int64(concurrent)),
		fetch:      fetch,
		batchSize:  batchSize,
		batchDelay: delay,
		logger:     logger.With(slog.String("agent", "photo_url_cache")),
		metrics:    opts.Metrics,
	}, nil
}

// PhotoKey renders the cache key for a photo at the requested size. A zero
// height means the height is unconstrained.
func PhotoKey(photoID string, maxWidth, maxHeight int) string {
	if maxHeight > 0 {
		return photoID + "_" + strconv.Itoa(maxWidth) + "x" + strconv.Itoa(maxHeight)
	}
	return photoID + "_" + strconv.Itoa(maxWidth)
}

// Lookup returns a cached URL without touching the network.
func (c *PhotoURLCache) Lookup(photoID string, maxWidth, maxHeight int) (string, bool) {
	return c.entries.Get(PhotoKey(photoID, maxWidth, maxHeight))
}

// Len reports the number of cached URLs.
func (c *PhotoURLCache) Len() int { return c.entries.Len() }

// Purge drops every cached URL.
func (c *PhotoURLCache) Purge() { c.entries.Purge() }

func validatePhotoRequest(photoID string, maxWidth, maxHeight int) error {
	switch {
	case strings.TrimSpace(photoID) == "":
		return errors.New("photo id required")
	case maxWidth < 1 || maxWidth > maxPhotoDimension:
		return fmt.Errorf("max width %d outside 1-%d", maxWidth, maxPhotoDimension)
	case maxHeight < 0 || maxHeight > maxPhotoDimension:
		return fmt.Errorf("max height %d outside 0-%d", maxHeight, maxPhotoDimension)
	}
	return nil
}

// Resolve returns the URL for photoID at the requested size, fetching it on a
// miss. Concurrent misses for the same key share one request.
func (c *PhotoURLCache) Resolve(ctx context.Context, photoID string, maxWidth, maxHeight int) (string, error) {
	if err := validatePhotoRequest(photoID, maxWidth, maxHeight); err != nil {
		return "", clienterr.New(clienterr.KindInvalidRequest, "photos", err)
	}
	key := PhotoKey(photoID, maxWidth, maxHeight)
	start := time.Now()
	if cached, ok := c.entries.Get(key); ok {
		c.metrics.ObserveCache(metricsPhotoURLCacheLabel, metrics.CacheOperationGet, metrics.CacheResultHit, time.Since(start))
		return cached, nil
	}
	c.metrics.ObserveCache(metricsPhotoURLCacheLabel, metrics.CacheOperationGet, metrics.CacheResultMiss, time.Since(start))

	ch := c.inflight.DoChan(key, func() (any, error) {
		// A request for this key may have finished between the lookup and here.
		if cached, ok := c.entries.Get(key); ok {
			return cached, nil
		}
		fetchCtx := context.WithoutCancel(ctx)
		if err := c.gate.Acquire(fetchCtx, 1); err != nil {
			return "", err
		}
		defer c.gate.Release(1)

		resolved, err := c.fetch(fetchCtx, photoID, maxWidth, maxHeight)
		if err != nil {
			return "", err
		}
		parsed, err := url.Parse(resolved)
		if err != nil || !parsed.IsAbs() || parsed.Host == "" {
			return "", clienterr.Decoding("photos", []byte(resolved), errors.New("resolved photo url is not absolute"))
		}
		c.entries.Add(key, resolved)
		return resolved, nil
	})

	select {
	case <-ctx.Done():
		return "", clienterr.FromTransport("photos", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// ResolveBatch resolves many photos at one size. Cached entries are returned
// directly; the rest are fetched concurrently in fixed-size batches with a
// pause between batches. Photos that fail to resolve are absent from the
// result. Cancelling ctx stops scheduling further batches.
func (c *PhotoURLCache) ResolveBatch(ctx context.Context, photoIDs []string, maxWidth, maxHeight int) map[string]string {
	result := make(map[string]string, len(photoIDs))
	var pending []string
	seen := make(map[string]struct{}, len(photoIDs))
	for _, id := range photoIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if cached, ok := c.Lookup(id, maxWidth, maxHeight); ok {
			result[id] = cached
			continue
		}
		pending = append(pending, id)
	}
	if len(pending) == 0 {
		return result
	}

	var mu sync.Mutex
	for start := 0; start < len(pending); start += c.batchSize {
		end := min(start+c.batchSize, len(pending))

		var wg sync.WaitGroup
		for _, id := range pending[start:end] {
			wg.Go(func() {
				resolved, err := c.Resolve(ctx, id, maxWidth, maxHeight)
				if err != nil {
					c.logger.Warn("photo url resolution failed",
						slog.String("photo", id),
						slog.String("error", err.Error()),
					)
					return
				}
				mu.Lock()
				result[id] = resolved
				mu.Unlock()
			})
		}
		wg.Wait()

		if end < len(pending) && c.batchDelay > 0 {
			timer := time.NewTimer(c.batchDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return result
			case <-timer.C:
			}
		}
	}
	return result
}
