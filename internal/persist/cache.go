// Package persist implements the expiration-aware persistent key/value cache.
//
// Each entry is two records: "<key>.cache" holds the JSON payload and
// "<key>.metadata" holds its creation time and optional lifetime. Keeping them
// apart lets Invalidate force a refresh by dropping metadata alone, and lets
// maintenance detect half-written pairs as orphans.
package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tacoaboutit/placeclient/internal/clienterr"
	"github.com/tacoaboutit/placeclient/internal/logging"
	"github.com/tacoaboutit/placeclient/internal/metrics"
)

const (
	payloadSuffix  = ".cache"
	metadataSuffix = ".metadata"

	// DefaultMaxBytes is the total size ceiling enforced by maintenance.
	DefaultMaxBytes int64 = 100 * 1024 * 1024

	metricsCacheName = "persistent"
)

type entryMetadata struct {
	Timestamp time.Time `json:"timestamp"`
	// ExpirationDuration is in seconds; nil means the entry never expires.
	ExpirationDuration *float64 `json:"expirationDuration,omitempty"`
}

func (m entryMetadata) expired(now time.Time) bool {
	if m.ExpirationDuration == nil {
		return false
	}
	lifetime := time.Duration(*m.ExpirationDuration * float64(time.Second))
	return now.Sub(m.Timestamp) > lifetime
}

// Options tunes a Cache.
type Options struct {
	MaxBytes int64
	Policy   Policy
	Logger   *slog.Logger
	Metrics  *metrics.Recorder
	Clock    func() time.Time
}

// Cache is safe for concurrent use.
type Cache struct {
	store    Store
	maxBytes int64
	logger   *slog.Logger
	metrics  *metrics.Recorder
	now      func() time.Time

	// mu serializes record-pair mutations so readers never observe a torn pair.
	mu sync.Mutex

	policyMu sync.RWMutex
	policy   Policy
}

// Report summarizes one maintenance pass.
type Report struct {
	Expired     int   `json:"expired"`
	Corrupt     int   `json:"corrupt"`
	Orphans     int   `json:"orphans"`
	Evicted     int   `json:"evicted"`
	BytesBefore int64 `json:"bytesBefore"`
	BytesAfter  int64 `json:"bytesAfter"`
}

// Removed is the total number of entries and records deleted.
func (r Report) Removed() int {
	return r.Expired + r.Corrupt + r.Orphans + r.Evicted
}

// Stats describes the current store footprint.
type Stats struct {
	Entries  int   `json:"entries"`
	Records  int   `json:"records"`
	Bytes    int64 `json:"bytes"`
	MaxBytes int64 `json:"maxBytes"`
}

// Open wraps store in a Cache and runs an initial maintenance pass. A failed
// pass is logged; the cache is still usable.
func Open(ctx context.Context, store Store, opts Options) (*Cache, error) {
	if store == nil {
		return nil, errors.New("persist: store required")
	}
	c := New(store, opts)
	if _, err := c.RunMaintenance(ctx); err != nil {
		c.logger.Warn("initial cache maintenance failed", slog.String("error", err.Error()))
	}
	return c, nil
}

// New wraps store without running maintenance.
func New(store Store, opts Options) *Cache {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	maxBytes := opts.MaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	policy := opts.Policy
	if policy == nil {
		policy = DefaultPolicy()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Cache{
		store:    store,
		maxBytes: maxBytes,
		logger:   logger.With(slog.String("agent", "persistent_cache")),
		metrics:  opts.Metrics,
		now:      clock,
		policy:   policy.clone(),
	}
}

// SetPolicy swaps the per-kind expiration table.
func (c *Cache) SetPolicy(p Policy) {
	c.policyMu.Lock()
	c.policy = p.clone()
	c.policyMu.Unlock()
}

// Policy returns a copy of the active expiration table.
func (c *Cache) Policy() Policy {
	c.policyMu.RLock()
	defer c.policyMu.RUnlock()
	return c.policy.clone()
}

// PutKind stores value with the default lifetime for kind.
func (c *Cache) PutKind(ctx context.Context, kind Kind, key string, value any) {
	c.policyMu.RLock()
	ttl := c.policy[kind]
	c.policyMu.RUnlock()
	c.Put(ctx, key, value, ttl)
}

// Put serializes value and writes payload then metadata, replacing any prior
// entry. A ttl of zero or less stores the entry without expiry. Failures are
// logged and never returned: a lost write only costs a future network call.
func (c *Cache) Put(ctx context.Context, key string, value any, ttl time.Duration) {
	start := time.Now()
	if err := c.put(ctx, key, value, ttl); err != nil {
		c.logger.Warn("cache write failed",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		c.metrics.ObserveCache(metricsCacheName, metrics.CacheOperationPut, metrics.CacheResultError, time.Since(start))
		return
	}
	c.metrics.ObserveCache(metricsCacheName, metrics.CacheOperationPut, metrics.CacheResultStored, time.Since(start))
}

func (c *Cache) put(ctx context.Context, key string, value any, ttl time.Duration) error {
	if strings.TrimSpace(key) == "" {
		return clienterr.New(clienterr.KindInvalidRequest, "persist.put", errors.New("empty key"))
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return clienterr.New(clienterr.KindStorage, "persist.put", fmt.Errorf("encode value: %w", err))
	}
	meta := entryMetadata{Timestamp: c.now().UTC()}
	if ttl > 0 {
		seconds := ttl.Seconds()
		meta.ExpirationDuration = &seconds
	}
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return clienterr.New(clienterr.KindStorage, "persist.put", fmt.Errorf("encode metadata: %w", err))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.store.Write(ctx, key+payloadSuffix, payload); err != nil {
		return clienterr.New(clienterr.KindStorage, "persist.put", err)
	}
	if err := c.store.Write(ctx, key+metadataSuffix, metaBytes); err != nil {
		return clienterr.New(clienterr.KindStorage, "persist.put", err)
	}
	return nil
}

// Get decodes the entry for key into dst and reports whether a fresh entry was
// found. Missing records, undecodable metadata or payload, and expired entries
// are misses; an expired entry is deleted before returning.
func (c *Cache) Get(ctx context.Context, key string, dst any) bool {
	start := time.Now()
	result := c.get(ctx, key, dst)
	c.metrics.ObserveCache(metricsCacheName, metrics.CacheOperationGet, result, time.Since(start))
	return result == metrics.CacheResultHit
}

func (c *Cache) get(ctx context.Context, key string, dst any) metrics.CacheResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	metaBytes, err := c.store.Read(ctx, key+metadataSuffix)
	if err != nil {
		return c.readMiss(key, err)
	}
	payload, err := c.store.Read(ctx, key+payloadSuffix)
	if err != nil {
		return c.readMiss(key, err)
	}

	var meta entryMetadata
	if err := json.Unmarshal(metaBytes, &meta); err != nil {
		c.logger.Debug("cache metadata undecodable", slog.String("key", key), slog.String("error", err.Error()))
		return metrics.CacheResultMiss
	}
	if meta.expired(c.now()) {
		c.removeEntry(ctx, key)
		return metrics.CacheResultExpired
	}
	if err := json.Unmarshal(payload, dst); err != nil {
		c.logger.Debug("cache payload undecodable", slog.String("key", key), slog.String("error", err.Error()))
		return metrics.CacheResultMiss
	}
	return metrics.CacheResultHit
}

func (c *Cache) readMiss(key string, err error) metrics.CacheResult {
	if errors.Is(err, ErrNotFound) {
		return metrics.CacheResultMiss
	}
	c.logger.Warn("cache read failed", slog.String("key", key), slog.String("error", err.Error()))
	return metrics.CacheResultError
}

// GetValue is the typed form of Get.
func GetValue[T any](ctx context.Context, c *Cache, key string) (T, bool) {
	var value T
	if !c.Get(ctx, key, &value) {
		var zero T
		return zero, false
	}
	return value, true
}

// Invalidate drops the metadata record for key so the next Get misses. The
// payload is left for maintenance to collect as an orphan.
func (c *Cache) Invalidate(ctx context.Context, key string) {
	start := time.Now()
	c.mu.Lock()
	err := c.store.Remove(ctx, key+metadataSuffix)
	c.mu.Unlock()
	result := metrics.CacheResultStored
	if err != nil {
		c.logger.Warn("cache invalidate failed", slog.String("key", key), slog.String("error", err.Error()))
		result = metrics.CacheResultError
	}
	c.metrics.ObserveCache(metricsCacheName, metrics.CacheOperationInvalidate, result, time.Since(start))
}

// removeEntry deletes both records; callers hold c.mu.
func (c *Cache) removeEntry(ctx context.Context, key string) {
	for _, name := range []string{key + payloadSuffix, key + metadataSuffix} {
		if err := c.store.Remove(ctx, name); err != nil {
			c.logger.Warn("cache remove failed", slog.String("record", name), slog.String("error", err.Error()))
		}
	}
}

type scannedEntry struct {
	key      string
	payload  *RecordInfo
	metadata *RecordInfo
}

func (e scannedEntry) size() int64 {
	var total int64
	if e.payload != nil {
		total += e.payload.Size
	}
	if e.metadata != nil {
		total += e.metadata.Size
	}
	return total
}

// modTime is the later of the two record times: an entry is as young as its
// most recent write.
func (e scannedEntry) modTime() time.Time {
	switch {
	case e.payload == nil:
		return e.metadata.ModTime
	case e.metadata == nil:
		return e.payload.ModTime
	case e.metadata.ModTime.After(e.payload.ModTime):
		return e.metadata.ModTime
	default:
		return e.payload.ModTime
	}
}

// RunMaintenance deletes expired and corrupt entries, removes orphaned records,
// and then, if the store still exceeds its ceiling, evicts whole entries
// oldest-modified first until the total is at or below the ceiling minus the
// overage. Size eviction ignores expiry.
func (c *Cache) RunMaintenance(ctx context.Context) (Report, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var report Report
	records, err := c.store.List(ctx)
	if err != nil {
		return report, clienterr.New(clienterr.KindStorage, "persist.maintenance", err)
	}

	entries := make(map[string]*scannedEntry)
	for i := range records {
		rec := &records[i]
		var key string
		var isPayload bool
		switch {
		case strings.HasSuffix(rec.Name, payloadSuffix):
			key, isPayload = strings.TrimSuffix(rec.Name, payloadSuffix), true
		case strings.HasSuffix(rec.Name, metadataSuffix):
			key = strings.TrimSuffix(rec.Name, metadataSuffix)
		default:
			continue
		}
		report.BytesBefore += rec.Size
		entry, ok := entries[key]
		if !ok {
			entry = &scannedEntry{key: key}
			entries[key] = entry
		}
		if isPayload {
			entry.payload = rec
		} else {
			entry.metadata = rec
		}
	}

	now := c.now()
	live := make([]*scannedEntry, 0, len(entries))
	var total int64
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if entry.payload == nil || entry.metadata == nil {
			c.removeEntry(ctx, entry.key)
			report.Orphans++
			continue
		}
		metaBytes, err := c.store.Read(ctx, entry.key+metadataSuffix)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				c.removeEntry(ctx, entry.key)
				report.Orphans++
				continue
			}
			return report, clienterr.New(clienterr.KindStorage, "persist.maintenance", err)
		}
		var meta entryMetadata
		if err := json.Unmarshal(metaBytes, &meta); err != nil {
			c.removeEntry(ctx, entry.key)
			report.Corrupt++
			continue
		}
		if meta.expired(now) {
			c.removeEntry(ctx, entry.key)
			report.Expired++
			continue
		}
		live = append(live, entry)
		total += entry.size()
	}

	if total > c.maxBytes {
		overage := total - c.maxBytes
		target := c.maxBytes - overage
		if target < 0 {
			target = 0
		}
		sort.Slice(live, func(i, j int) bool {
			ti, tj := live[i].modTime(), live[j].modTime()
			if ti.Equal(tj) {
				return live[i].key < live[j].key
			}
			return ti.Before(tj)
		})
		for _, entry := range live {
			if total <= target {
				break
			}
			c.removeEntry(ctx, entry.key)
			total -= entry.size()
			report.Evicted++
		}
	}
	report.BytesAfter = total

	c.metrics.ObserveRemovals(metrics.RemovalExpired, report.Expired)
	c.metrics.ObserveRemovals(metrics.RemovalCorrupt, report.Corrupt)
	c.metrics.ObserveRemovals(metrics.RemovalOrphan, report.Orphans)
	c.metrics.ObserveRemovals(metrics.RemovalSize, report.Evicted)
	if report.Removed() > 0 {
		c.logger.Info("cache maintenance complete",
			slog.Int("expired", report.Expired),
			slog.Int("corrupt", report.Corrupt),
			slog.Int("orphans", report.Orphans),
			slog.Int("evicted", report.Evicted),
			slog.Int64("bytes_before", report.BytesBefore),
			slog.Int64("bytes_after", report.BytesAfter),
		)
	}
	return report, nil
}

// Stats reports the current footprint of the store.
func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	c.mu.Lock()
	records, err := c.store.List(ctx)
	c.mu.Unlock()
	if err != nil {
		return Stats{}, clienterr.New(clienterr.KindStorage, "persist.stats", err)
	}
	stats := Stats{Records: len(records), MaxBytes: c.maxBytes}
	for _, rec := range records {
		stats.Bytes += rec.Size
		if strings.HasSuffix(rec.Name, metadataSuffix) {
			stats.Entries++
		}
	}
	return stats, nil
}

// Close releases the underlying store.
func (c *Cache) Close() error {
	return c.store.Close()
}
