package places

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tacoaboutit/placeclient/internal/backend"
	"github.com/tacoaboutit/placeclient/internal/persist"
	"github.com/tacoaboutit/placeclient/internal/session"
)

type fakeBackend struct {
	server *httptest.Server

	creates atomic.Int32
	places  atomic.Int32
	reviews atomic.Int32
	photos  atomic.Int32

	// rejected tokens answer 401 on data endpoints.
	rejected sync.Map

	photoDelay  time.Duration
	inFlight    atomic.Int32
	maxInFlight atomic.Int32

	mu          sync.Mutex
	lastPlaces  placesRequestBody
	lastQuery   map[string]string
	photoStatus int
	results     []Place
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	f := &fakeBackend{photoStatus: http.StatusOK, results: samplePlaces(3)}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /create-session", func(w http.ResponseWriter, r *http.Request) {
		n := f.creates.Add(1)
		writeJSON(w, map[string]string{
			"token":     fmt.Sprintf("token-%d", n),
			"expiresAt": time.Now().Add(7 * 24 * time.Hour).UTC().Format(time.RFC3339Nano),
		})
	})
	mux.HandleFunc("POST /places", func(w http.ResponseWriter, r *http.Request) {
		f.places.Add(1)
		if !f.authorized(w, r) {
			return
		}
		var body placesRequestBody
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.lastPlaces = body
		results := f.results
		f.mu.Unlock()
		writeJSON(w, placesResponse{Places: results})
	})
	mux.HandleFunc("GET /reviews", func(w http.ResponseWriter, r *http.Request) {
		f.reviews.Add(1)
		if !f.authorized(w, r) {
			return
		}
		q := r.URL.Query()
		f.mu.Lock()
		f.lastQuery = map[string]string{
			"place_id":         q.Get("place_id"),
			"displayName":      q.Get("displayName"),
			"formattedAddress": q.Get("formattedAddress"),
		}
		f.mu.Unlock()
		writeJSON(w, ReviewAnalysis{
			AverageSentiment: 7.5,
			Reviews:          []Review{{ReviewText: "great al pastor"}},
			Source:           "google",
		})
	})
	mux.HandleFunc("POST /photos", func(w http.ResponseWriter, r *http.Request) {
		f.photos.Add(1)
		if !f.authorized(w, r) {
			return
		}
		current := f.inFlight.Add(1)
		defer f.inFlight.Add(-1)
		for {
			seen := f.maxInFlight.Load()
			if current <= seen || f.maxInFlight.CompareAndSwap(seen, current) {
				break
			}
		}
		if f.photoDelay > 0 {
			time.Sleep(f.photoDelay)
		}
		var body photoRequestBody
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		status := f.photoStatus
		f.mu.Unlock()
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		writeJSON(w, photoResponse{URL: fmt.Sprintf("https://images.example.com/%s?w=%d", body.PhotoName, body.MaxWidth)})
	})
	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeBackend) authorized(w http.ResponseWriter, r *http.Request) bool {
	token := r.Header.Get(session.HeaderSessionToken)
	if token == "" {
		http.Error(w, `{"detail":"missing token"}`, http.StatusUnauthorized)
		return false
	}
	if _, bad := f.rejected.Load(token); bad {
		http.Error(w, `{"detail":"expired"}`, http.StatusUnauthorized)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func samplePlaces(n int) []Place {
	out := make([]Place, 0, n)
	for i := range n {
		out = append(out, Place{
			ID:               fmt.Sprintf("place-%d", i),
			DisplayName:      DisplayName{Text: fmt.Sprintf("Taqueria %d", i)},
			FormattedAddress: fmt.Sprintf("%d Main St", i),
			Photos:           []Photo{{Name: fmt.Sprintf("places/place-%d/photos/p0", i), WidthPx: 800, HeightPx: 600}},
		})
	}
	return out
}

type recordingPrefetcher struct {
	mu   sync.Mutex
	urls []string
}

func (r *recordingPrefetcher) Prefetch(_ context.Context, urls []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.urls = append(r.urls, urls...)
}

func (r *recordingPrefetcher) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.urls...)
}

func newTestClient(t *testing.T, f *fakeBackend, store session.SecretStore, mutate ...func(*Options)) *Client {
	t.Helper()
	api, err := backend.New(f.server.URL, f.server.Client(), nil, nil)
	require.NoError(t, err)
	if store == nil {
		store = session.NewMemoryStore()
	}
	sessions, err := session.NewManager(session.Options{
		Backend:       api,
		AppCredential: "app-secret",
		Store:         store,
		SafetyMargin:  time.Hour,
	})
	require.NoError(t, err)
	files, err := persist.NewFileStore(t.TempDir())
	require.NoError(t, err)
	opts := Options{
		Backend:  api,
		Sessions: sessions,
		Cache:    persist.New(files, persist.Options{}),
		Photos:   PhotoOptions{BatchDelay: time.Millisecond},
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	client, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(client.WaitForPrefetch)
	return client
}
