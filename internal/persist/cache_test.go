package persist

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tacoaboutit/placeclient/internal/metrics"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newFileCache(t *testing.T, opts Options) (*Cache, *FileStore) {
	t.Helper()
	store, err := NewFileStore(filepath.Join(t.TempDir(), "AppDataCache"))
	require.NoError(t, err)
	return New(store, opts), store
}

func TestCacheExpiresEntries(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	cache, store := newFileCache(t, Options{Clock: clock.Now})

	cache.Put(ctx, "k1", map[string]int{"a": 1}, time.Second)

	got, ok := GetValue[map[string]int](ctx, cache, "k1")
	require.True(t, ok)
	require.Equal(t, map[string]int{"a": 1}, got)

	clock.Advance(2 * time.Second)

	_, ok = GetValue[map[string]int](ctx, cache, "k1")
	require.False(t, ok)

	for _, name := range []string{"k1.cache", "k1.metadata"} {
		_, err := os.Stat(filepath.Join(store.Dir(), name))
		require.True(t, os.IsNotExist(err), "%s should be deleted", name)
	}
}

func TestCacheWithoutExpiryPersists(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	cache, _ := newFileCache(t, Options{Clock: clock.Now})

	type place struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	cache.Put(ctx, "forever", place{ID: "p1", Name: "Taqueria"}, 0)
	clock.Advance(10 * 365 * 24 * time.Hour)

	got, ok := GetValue[place](ctx, cache, "forever")
	require.True(t, ok)
	require.Equal(t, place{ID: "p1", Name: "Taqueria"}, got)
}

func TestCacheBoundaryIsExclusive(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	cache, _ := newFileCache(t, Options{Clock: clock.Now})

	cache.Put(ctx, "edge", "v", time.Minute)
	clock.Advance(time.Minute)
	_, ok := GetValue[string](ctx, cache, "edge")
	require.True(t, ok, "entry is only expired once elapsed time exceeds its lifetime")

	clock.Advance(time.Millisecond)
	_, ok = GetValue[string](ctx, cache, "edge")
	require.False(t, ok)
}

func TestCacheSearchKeyHitsAcrossJitter(t *testing.T) {
	ctx := context.Background()
	cache, _ := newFileCache(t, Options{})

	cache.PutKind(ctx, KindSearch, SearchKey(19.432608, -99.133209, 1000, "tacos", 2), []string{"p1", "p2"})

	got, ok := GetValue[[]string](ctx, cache, SearchKey(19.434999, -99.131, 1000, "tacos", 2))
	require.True(t, ok)
	require.Equal(t, []string{"p1", "p2"}, got)
}

func TestCacheLongSearchQuery(t *testing.T) {
	ctx := context.Background()
	cache, _ := newFileCache(t, Options{})

	key := SearchKey(40.7128, -74.006, 1000, strings.Repeat("q", 240), DefaultKeyPrecision)
	cache.Put(ctx, key, []string{"p1"}, time.Hour)

	got, ok := GetValue[[]string](ctx, cache, key)
	require.True(t, ok)
	require.Equal(t, []string{"p1"}, got)

	report, err := cache.RunMaintenance(ctx)
	require.NoError(t, err)
	require.Zero(t, report.Removed())
	_, ok = GetValue[[]string](ctx, cache, key)
	require.True(t, ok)
}

func TestCacheOverwrite(t *testing.T) {
	ctx := context.Background()
	cache, _ := newFileCache(t, Options{})

	cache.Put(ctx, "k", "first", time.Hour)
	cache.Put(ctx, "k", "second", 0)

	got, ok := GetValue[string](ctx, cache, "k")
	require.True(t, ok)
	require.Equal(t, "second", got)
}

func TestCacheMissOnUndecodableRecords(t *testing.T) {
	ctx := context.Background()
	cache, store := newFileCache(t, Options{})

	require.NoError(t, store.Write(ctx, "bad-meta.cache", []byte(`"v"`)))
	require.NoError(t, store.Write(ctx, "bad-meta.metadata", []byte("not json")))
	_, ok := GetValue[string](ctx, cache, "bad-meta")
	require.False(t, ok)

	cache.Put(ctx, "bad-type", "text", 0)
	_, ok = GetValue[int](ctx, cache, "bad-type")
	require.False(t, ok)

	_, ok = GetValue[string](ctx, cache, "absent")
	require.False(t, ok)
}

func TestCacheInvalidateDropsMetadataOnly(t *testing.T) {
	ctx := context.Background()
	cache, store := newFileCache(t, Options{})

	cache.Put(ctx, ReviewsKey("p1"), []string{"great"}, time.Hour)
	cache.Invalidate(ctx, ReviewsKey("p1"))

	_, ok := GetValue[[]string](ctx, cache, ReviewsKey("p1"))
	require.False(t, ok)

	_, err := os.Stat(filepath.Join(store.Dir(), "reviews_p1.cache"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(store.Dir(), "reviews_p1.metadata"))
	require.True(t, os.IsNotExist(err))

	cache.Invalidate(ctx, "never-stored")
}

func TestCachePutKindFollowsPolicy(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	cache, _ := newFileCache(t, Options{Clock: clock.Now})

	cache.PutKind(ctx, KindSearch, "search", 1)
	cache.PutKind(ctx, KindPlace, "place", 2)

	clock.Advance(time.Hour + time.Second)
	_, ok := GetValue[int](ctx, cache, "search")
	require.False(t, ok)
	_, ok = GetValue[int](ctx, cache, "place")
	require.True(t, ok)

	cache.SetPolicy(Policy{KindSearch: time.Second})
	require.Equal(t, time.Second, cache.Policy()[KindSearch])
	require.Zero(t, cache.Policy()[KindPlace])

	cache.PutKind(ctx, KindSearch, "search", 3)
	cache.PutKind(ctx, KindReviews, "reviews", 4)
	clock.Advance(48 * time.Hour)
	_, ok = GetValue[int](ctx, cache, "search")
	require.False(t, ok)
	_, ok = GetValue[int](ctx, cache, "reviews")
	require.True(t, ok, "kinds missing from the policy are stored without expiry")
}

func TestRunMaintenanceRemovesExpiredOrphansAndCorrupt(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	rec := metrics.NewRecorder(nil)
	cache, store := newFileCache(t, Options{Clock: clock.Now, Metrics: rec})

	cache.Put(ctx, "stale", "v", time.Minute)
	cache.Put(ctx, "fresh", "v", time.Hour)
	cache.Put(ctx, "pinned", "v", 0)
	cache.Put(ctx, "invalidated", "v", time.Hour)
	cache.Invalidate(ctx, "invalidated")
	require.NoError(t, store.Write(ctx, "meta-only.metadata", []byte(`{"timestamp":"2026-03-01T12:00:00Z"}`)))
	require.NoError(t, store.Write(ctx, "corrupt.cache", []byte(`"v"`)))
	require.NoError(t, store.Write(ctx, "corrupt.metadata", []byte("{")))

	clock.Advance(2 * time.Minute)
	report, err := cache.RunMaintenance(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Expired)
	require.Equal(t, 2, report.Orphans)
	require.Equal(t, 1, report.Corrupt)
	require.Zero(t, report.Evicted)
	require.Less(t, report.BytesAfter, report.BytesBefore)

	records, err := store.List(ctx)
	require.NoError(t, err)
	var names []string
	for _, r := range records {
		names = append(names, r.Name)
	}
	require.ElementsMatch(t, []string{"fresh.cache", "fresh.metadata", "pinned.cache", "pinned.metadata"}, names)

	stats, err := cache.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, stats.Entries)
	require.Equal(t, 4, stats.Records)
	require.Equal(t, report.BytesAfter, stats.Bytes)
}

func TestRunMaintenanceEvictsOldestFirst(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		ceiling   func(entrySize int64) int64
		remaining []string
	}{
		{
			name:      "one byte over removes the oldest entry",
			ceiling:   func(s int64) int64 { return 3*s - 1 },
			remaining: []string{"middle", "newest"},
		},
		{
			name:      "one entry over keeps only the newest",
			ceiling:   func(s int64) int64 { return 2 * s },
			remaining: []string{"newest"},
		},
		{
			name:      "overage beyond half the ceiling empties the store",
			ceiling:   func(s int64) int64 { return s },
			remaining: nil,
		},
		{
			name:      "under the ceiling keeps everything",
			ceiling:   func(s int64) int64 { return 3 * s },
			remaining: []string{"oldest", "middle", "newest"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			clock := newFakeClock()
			seed, store := newFileCache(t, Options{Clock: clock.Now})
			for i, key := range []string{"oldest", "middle", "newest"} {
				// Long lifetimes: size eviction must ignore freshness.
				seed.Put(ctx, key, strings.Repeat("x", 200), 365*24*time.Hour)
				mtime := base.Add(time.Duration(i) * time.Hour)
				for _, suffix := range []string{payloadSuffix, metadataSuffix} {
					require.NoError(t, os.Chtimes(filepath.Join(store.Dir(), key+suffix), mtime, mtime))
				}
			}
			stats, err := seed.Stats(ctx)
			require.NoError(t, err)
			require.Zero(t, stats.Bytes%3)
			entrySize := stats.Bytes / 3

			cache := New(store, Options{Clock: clock.Now, MaxBytes: tc.ceiling(entrySize)})
			report, err := cache.RunMaintenance(ctx)
			require.NoError(t, err)
			require.Equal(t, 3-len(tc.remaining), report.Evicted)
			require.LessOrEqual(t, report.BytesAfter, tc.ceiling(entrySize))

			for _, key := range []string{"oldest", "middle", "newest"} {
				_, ok := GetValue[string](ctx, cache, key)
				require.Equal(t, contains(tc.remaining, key), ok, key)
			}
		})
	}
}

func TestOpenRunsMaintenance(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	seed, store := newFileCache(t, Options{Clock: clock.Now})
	seed.Put(ctx, "stale", "v", time.Second)
	require.NoError(t, store.Write(ctx, "orphan.cache", []byte(`"v"`)))

	clock.Advance(time.Minute)
	_, err := Open(ctx, store, Options{Clock: clock.Now})
	require.NoError(t, err)

	records, err := store.List(ctx)
	require.NoError(t, err)
	require.Empty(t, records)

	_, err = Open(ctx, nil, Options{})
	require.Error(t, err)
}

type failingStore struct{}

func (failingStore) Read(context.Context, string) ([]byte, error) { return nil, errors.New("disk gone") }
func (failingStore) Write(context.Context, string, []byte) error  { return errors.New("disk full") }
func (failingStore) Remove(context.Context, string) error         { return errors.New("read-only") }
func (failingStore) List(context.Context) ([]RecordInfo, error)   { return nil, errors.New("io error") }
func (failingStore) Close() error                                 { return nil }

func TestCacheSwallowsStorageFailures(t *testing.T) {
	ctx := context.Background()
	cache, err := Open(ctx, failingStore{}, Options{})
	require.NoError(t, err)

	require.NotPanics(t, func() {
		cache.Put(ctx, "k", "v", time.Hour)
		cache.Invalidate(ctx, "k")
	})
	_, ok := GetValue[string](ctx, cache, "k")
	require.False(t, ok)

	_, err = cache.RunMaintenance(ctx)
	require.Error(t, err)
}

func TestCacheConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	cache, _ := newFileCache(t, Options{})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			value := "even"
			if i%2 == 1 {
				value = "odd"
			}
			cache.Put(ctx, "shared", value, time.Hour)
			if got, ok := GetValue[string](ctx, cache, "shared"); ok && got != "even" && got != "odd" {
				t.Errorf("torn read: %q", got)
			}
		}(i)
	}
	wg.Wait()
}

func contains(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}
