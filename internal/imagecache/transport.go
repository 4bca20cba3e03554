package imagecache

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"time"

	"github.com/tacoaboutit/placeclient/internal/logging"
	"github.com/tacoaboutit/placeclient/internal/metrics"
)

// maxCachedResponseBytes caps what the transport will buffer for storage.
// Larger responses pass through uncached.
const maxCachedResponseBytes = 20 << 20

// Transport is an http.RoundTripper that answers GET requests from its byte
// tiers before falling back to the network. Tiers are consulted in order; a
// hit in a later tier is copied into the earlier ones. Only 200 responses are
// stored.
type Transport struct {
	base    http.RoundTripper
	tiers   []namedTier
	logger  *slog.Logger
	metrics *metrics.Recorder
}

type namedTier struct {
	name  string
	store ByteStore
}

// NewTransport wraps base (http.DefaultTransport when nil).
func NewTransport(base http.RoundTripper, logger *slog.Logger, rec *metrics.Recorder) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Transport{
		base:    base,
		logger:  logger.With(slog.String("agent", "image_transport")),
		metrics: rec,
	}
}

// AddTier appends a byte tier. Tiers must be added before the transport is
// used.
func (t *Transport) AddTier(name string, store ByteStore) {
	t.tiers = append(t.tiers, namedTier{name: name, store: store})
}

func transportKey(method, rawURL string) string {
	return method + " " + rawURL
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Method != http.MethodGet || len(t.tiers) == 0 {
		return t.base.RoundTrip(req)
	}
	ctx := req.Context()
	key := transportKey(req.Method, req.URL.String())

	for i, tier := range t.tiers {
		start := time.Now()
		raw, ok, err := tier.store.Get(ctx, key)
		if err != nil {
			t.metrics.ObserveCache(tier.name, metrics.CacheOperationGet, metrics.CacheResultError, time.Since(start))
			t.logger.Warn("transport tier read failed", slog.String("tier", tier.name), slog.String("error", err.Error()))
			continue
		}
		if !ok {
			t.metrics.ObserveCache(tier.name, metrics.CacheOperationGet, metrics.CacheResultMiss, time.Since(start))
			continue
		}
		resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(raw)), req)
		if err != nil {
			t.metrics.ObserveCache(tier.name, metrics.CacheOperationGet, metrics.CacheResultError, time.Since(start))
			t.logger.Warn("dropping unreadable transport entry", slog.String("tier", tier.name), slog.String("error", err.Error()))
			_ = tier.store.Delete(ctx, key)
			continue
		}
		t.metrics.ObserveCache(tier.name, metrics.CacheOperationGet, metrics.CacheResultHit, time.Since(start))
		t.store(ctx, key, raw, t.tiers[:i])
		return resp, nil
	}

	resp, err := t.base.RoundTrip(req)
	if err != nil || resp.StatusCode != http.StatusOK {
		return resp, err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxCachedResponseBytes+1))
	if err != nil {
		_ = resp.Body.Close()
		return nil, err
	}
	if len(body) > maxCachedResponseBytes {
		// Stitch the buffered prefix back onto the unread remainder.
		resp.Body = struct {
			io.Reader
			io.Closer
		}{io.MultiReader(bytes.NewReader(body), resp.Body), resp.Body}
		return resp, nil
	}
	_ = resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))

	raw, err := dumpResponse(resp, body)
	if err != nil {
		t.logger.Warn("transport response not cacheable", slog.String("error", err.Error()))
		return resp, nil
	}
	t.store(ctx, key, raw, t.tiers)
	return resp, nil
}

func dumpResponse(resp *http.Response, body []byte) ([]byte, error) {
	clone := *resp
	clone.Body = io.NopCloser(bytes.NewReader(body))
	clone.TransferEncoding = nil
	raw, err := httputil.DumpResponse(&clone, true)
	if err != nil {
		return nil, fmt.Errorf("imagecache: dump response: %w", err)
	}
	return raw, nil
}

func (t *Transport) store(ctx context.Context, key string, raw []byte, tiers []namedTier) {
	for _, tier := range tiers {
		start := time.Now()
		if err := tier.store.Put(ctx, key, raw); err != nil {
			t.metrics.ObserveCache(tier.name, metrics.CacheOperationPut, metrics.CacheResultError, time.Since(start))
			t.logger.Warn("transport tier write failed", slog.String("tier", tier.name), slog.String("error", err.Error()))
			continue
		}
		t.metrics.ObserveCache(tier.name, metrics.CacheOperationPut, metrics.CacheResultStored, time.Since(start))
	}
}

// Purge removes the stored GET response for rawURL from every tier.
func (t *Transport) Purge(ctx context.Context, rawURL string) error {
	key := transportKey(http.MethodGet, rawURL)
	var errs []error
	for _, tier := range t.tiers {
		if err := tier.store.Delete(ctx, key); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Clear empties every tier.
func (t *Transport) Clear(ctx context.Context) error {
	var errs []error
	for _, tier := range t.tiers {
		if err := tier.store.Clear(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Usage reports each tier's footprint keyed by tier name.
func (t *Transport) Usage(ctx context.Context) (map[string]Usage, error) {
	out := make(map[string]Usage, len(t.tiers))
	var errs []error
	for _, tier := range t.tiers {
		usage, err := tier.store.Usage(ctx)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out[tier.name] = usage
	}
	return out, errors.Join(errs...)
}

// Close releases every tier.
func (t *Transport) Close() error {
	var errs []error
	for _, tier := range t.tiers {
		if err := tier.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
