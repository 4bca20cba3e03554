// Package imagecache loads remote images through a two-tier cache: decoded
// images by URL in memory, backed by a caching HTTP transport that keeps raw
// responses in memory and on disk.
package imagecache

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	_ "golang.org/x/image/webp"
	"golang.org/x/sync/singleflight"

	"github.com/tacoaboutit/placeclient/internal/clienterr"
	"github.com/tacoaboutit/placeclient/internal/logging"
	"github.com/tacoaboutit/placeclient/internal/metrics"
)

const (
	DefaultMemoryEntries = 100
	DefaultPrefetchLimit = 8
	defaultFetchTimeout  = 30 * time.Second
	maxImageBytes        = maxCachedResponseBytes

	tierImages          = "image"
	tierTransportMemory = "image_transport_memory"
	tierTransportDisk   = "image_transport_disk"
)

// Image is a fetched and validated image.
type Image struct {
	URL         string `json:"url"`
	Format      string `json:"format"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	ContentType string `json:"contentType,omitempty"`
	Data        []byte `json:"-"`
}

// Options configures a Cache. Zero byte budgets disable the matching transport
// tier; an empty DiskPath disables the disk tier.
type Options struct {
	MemoryEntries        int
	TransportMemoryBytes int64
	TransportDiskBytes   int64
	DiskPath             string
	PrefetchLimit        int
	Base                 http.RoundTripper
	Timeout              time.Duration
	Logger               *slog.Logger
	Metrics              *metrics.Recorder
}

// Stats reports per-tier usage.
type Stats struct {
	MemoryEntries  int              `json:"memoryEntries"`
	MemoryCapacity int              `json:"memoryCapacity"`
	Transport      map[string]Usage `json:"transport"`
}

// Cache is safe for concurrent use.
type Cache struct {
	images    *lru.Cache[string, Image]
	capacity  int
	client    *http.Client
	transport *Transport
	inflight  singleflight.Group
	prefetch  int
	logger    *slog.Logger
	metrics   *metrics.Recorder

	background sync.WaitGroup
}

// New assembles the cache and opens its disk tier when configured.
func New(opts Options) (*Cache, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	capacity := opts.MemoryEntries
	if capacity <= 0 {
		capacity = DefaultMemoryEntries
	}
	images, err := lru.New[string, Image](capacity)
	if err != nil {
		return nil, fmt.Errorf("imagecache: %w", err)
	}

	transport := NewTransport(opts.Base, logger, opts.Metrics)
	if opts.TransportMemoryBytes > 0 {
		mem, err := NewMemoryStore(opts.TransportMemoryBytes)
		if err != nil {
			return nil, err
		}
		transport.AddTier(tierTransportMemory, mem)
	}
	if opts.TransportDiskBytes > 0 && opts.DiskPath != "" {
		disk, err := OpenSQLiteStore(opts.DiskPath, opts.TransportDiskBytes)
		if err != nil {
			return nil, err
		}
		transport.AddTier(tierTransportDisk, disk)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	prefetch := opts.PrefetchLimit
	if prefetch <= 0 {
		prefetch = DefaultPrefetchLimit
	}
	return &Cache{
		images:    images,
		capacity:  capacity,
		client:    &http.Client{Transport: transport, Timeout: timeout},
		transport: transport,
		prefetch:  prefetch,
		logger:    logger.With(slog.String("agent", "image_cache")),
		metrics:   opts.Metrics,
	}, nil
}

func validateImageURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return fmt.Errorf("image url must be absolute http(s): %q", raw)
	}
	return nil
}

// Cached returns the decoded tier entry for rawURL without fetching.
func (c *Cache) Cached(rawURL string) (Image, bool) {
	return c.images.Get(rawURL)
}

// Load returns the image at rawURL, fetching it through the transport tiers on
// a memory miss. Concurrent loads of one URL share a request.
func (c *Cache) Load(ctx context.Context, rawURL string) (Image, error) {
	if err := validateImageURL(rawURL); err != nil {
		return Image{}, clienterr.New(clienterr.KindInvalidRequest, "images", err)
	}
	start := time.Now()
	if img, ok := c.images.Get(rawURL); ok {
		c.metrics.ObserveCache(tierImages, metrics.CacheOperationGet, metrics.CacheResultHit, time.Since(start))
		return img, nil
	}
	c.metrics.ObserveCache(tierImages, metrics.CacheOperationGet, metrics.CacheResultMiss, time.Since(start))

	ch := c.inflight.DoChan(rawURL, func() (any, error) {
		if img, ok := c.images.Get(rawURL); ok {
			return img, nil
		}
		img, err := c.fetch(context.WithoutCancel(ctx), rawURL)
		if err != nil {
			return Image{}, err
		}
		c.images.Add(rawURL, img)
		return img, nil
	})

	select {
	case <-ctx.Done():
		return Image{}, clienterr.FromTransport("images", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return Image{}, res.Err
		}
		return res.Val.(Image), nil
	}
}

func (c *Cache) fetch(ctx context.Context, rawURL string) (Image, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Image{}, clienterr.New(clienterr.KindInvalidRequest, "images", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return Image{}, clienterr.FromTransport("images", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	if err != nil {
		return Image{}, clienterr.FromTransport("images", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Image{}, clienterr.FromStatus("images", resp.StatusCode, nil)
	}
	if len(body) > maxImageBytes {
		return Image{}, clienterr.Decoding("images", nil, fmt.Errorf("image exceeds %d bytes", maxImageBytes))
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(body))
	if err != nil {
		if purgeErr := c.transport.Purge(ctx, rawURL); purgeErr != nil {
			c.logger.Warn("purging undecodable image failed", slog.String("url", rawURL), slog.String("error", purgeErr.Error()))
		}
		return Image{}, clienterr.Decoding("images", nil, fmt.Errorf("decode image: %w", err))
	}
	return Image{
		URL:         rawURL,
		Format:      format,
		Width:       cfg.Width,
		Height:      cfg.Height,
		ContentType: resp.Header.Get("Content-Type"),
		Data:        body,
	}, nil
}

// Prefetch loads up to the prefetch limit of urls in the background. Failures
// are logged and never reported; cancelling ctx does not stop the loads.
func (c *Cache) Prefetch(ctx context.Context, urls []string) {
	detached := context.WithoutCancel(ctx)
	for _, rawURL := range urls[:min(len(urls), c.prefetch)] {
		c.background.Go(func() {
			if _, err := c.Load(detached, rawURL); err != nil {
				c.logger.Debug("image prefetch failed", slog.String("url", rawURL), slog.String("error", err.Error()))
			}
		})
	}
}

// Wait blocks until in-flight prefetches finish.
func (c *Cache) Wait() { c.background.Wait() }

// Clear evicts the decoded tier and every transport tier.
func (c *Cache) Clear(ctx context.Context) error {
	c.images.Purge()
	if err := c.transport.Clear(ctx); err != nil {
		return fmt.Errorf("imagecache: clear: %w", err)
	}
	c.logger.Info("image cache cleared")
	return nil
}

// Stats reports entry counts and byte usage per tier.
func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	usage, err := c.transport.Usage(ctx)
	stats := Stats{
		MemoryEntries:  c.images.Len(),
		MemoryCapacity: c.capacity,
		Transport:      usage,
	}
	if err != nil {
		return stats, fmt.Errorf("imagecache: stats: %w", err)
	}
	return stats, nil
}

// Close waits for prefetches and releases the disk tier.
func (c *Cache) Close() error {
	c.Wait()
	return c.transport.Close()
}
