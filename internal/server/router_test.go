package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gavv/httpexpect/v2"

	"github.com/tacoaboutit/placeclient/internal/clienterr"
	"github.com/tacoaboutit/placeclient/internal/imagecache"
	"github.com/tacoaboutit/placeclient/internal/metrics"
	"github.com/tacoaboutit/placeclient/internal/persist"
	"github.com/tacoaboutit/placeclient/internal/places"
	"github.com/tacoaboutit/placeclient/internal/session"
)

type stubPlaces struct {
	searchErr   error
	lastSearch  places.SearchRequest
	lastReviews places.ReviewsRequest
	lastPhoto   [3]any
	photoErr    error
}

func (s *stubPlaces) SearchPlaces(_ context.Context, req places.SearchRequest) ([]places.Place, error) {
	s.lastSearch = req
	if s.searchErr != nil {
		return nil, s.searchErr
	}
	return []places.Place{{ID: "p1", DisplayName: places.DisplayName{Text: "Taqueria"}}}, nil
}

func (s *stubPlaces) Place(_ context.Context, id string) (places.Place, bool) {
	if id != "p1" {
		return places.Place{}, false
	}
	return places.Place{ID: "p1", FormattedAddress: "1 Main St"}, true
}

func (s *stubPlaces) Reviews(_ context.Context, req places.ReviewsRequest) (places.ReviewAnalysis, error) {
	s.lastReviews = req
	return places.ReviewAnalysis{AverageSentiment: 8, Source: "google"}, nil
}

func (s *stubPlaces) PhotoURL(_ context.Context, name string, w, h int) (string, error) {
	s.lastPhoto = [3]any{name, w, h}
	if s.photoErr != nil {
		return "", s.photoErr
	}
	return "https://cdn.example.com/" + name, nil
}

type stubImages struct {
	cleared bool
}

func (s *stubImages) Load(_ context.Context, rawURL string) (imagecache.Image, error) {
	if rawURL == "" {
		return imagecache.Image{}, clienterr.New(clienterr.KindInvalidRequest, "images", errors.New("url required"))
	}
	return imagecache.Image{URL: rawURL, Format: "png", Data: []byte("\x89PNG")}, nil
}

func (s *stubImages) Clear(context.Context) error {
	s.cleared = true
	return nil
}

func (s *stubImages) Stats(context.Context) (imagecache.Stats, error) {
	return imagecache.Stats{MemoryEntries: 3, MemoryCapacity: 100}, nil
}

type stubCache struct {
	maintenanceRuns int
}

func (s *stubCache) RunMaintenance(context.Context) (persist.Report, error) {
	s.maintenanceRuns++
	return persist.Report{Expired: 2, Evicted: 1}, nil
}

func (s *stubCache) Stats(context.Context) (persist.Stats, error) {
	return persist.Stats{Entries: 4, Records: 8, Bytes: 512, MaxBytes: 1024}, nil
}

type stubSessions struct {
	current *session.Session
	cleared bool
}

func (s *stubSessions) Current() (session.Session, bool) {
	if s.current == nil {
		return session.Session{}, false
	}
	return *s.current, true
}

func (s *stubSessions) HasValidSession() bool { return s.current != nil }

func (s *stubSessions) ClearSession() {
	s.cleared = true
	s.current = nil
}

type fixture struct {
	places   *stubPlaces
	images   *stubImages
	cache    *stubCache
	sessions *stubSessions
	expect   *httpexpect.Expect
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		places:   &stubPlaces{},
		images:   &stubImages{},
		cache:    &stubCache{},
		sessions: &stubSessions{},
	}
	handler := NewHandler(Services{
		Places:   f.places,
		Images:   f.images,
		Cache:    f.cache,
		Sessions: f.sessions,
		Metrics:  metrics.NewRecorder(nil),
	})
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	f.expect = httpexpect.WithConfig(httpexpect.Config{
		BaseURL:  server.URL,
		Reporter: httpexpect.NewRequireReporter(t),
		Client:   server.Client(),
	})
	return f
}

func TestSearchPlacesRoute(t *testing.T) {
	f := newFixture(t)

	obj := f.expect.GET("/places").
		WithQuery("lat", "40.71").
		WithQuery("lng", "-74.0").
		WithQuery("radius", "500").
		WithQuery("maxResults", "5").
		WithQuery("query", "birria").
		WithQuery("refresh", "true").
		Expect().
		Status(http.StatusOK).
		JSON().Object()
	obj.Value("places").Array().Length().IsEqual(1)
	obj.Value("places").Array().Value(0).Object().Value("id").String().IsEqual("p1")

	req := f.places.lastSearch
	if req.Radius != 500 || req.MaxResults != 5 || req.TextQuery != "birria" || !req.ForceRefresh {
		t.Fatalf("unexpected search request: %+v", req)
	}

	f.expect.GET("/places").WithQuery("lat", "north").
		Expect().
		Status(http.StatusBadRequest).
		JSON().Object().Value("error").String().IsEqual(string(clienterr.KindInvalidRequest))
}

func TestSearchPlacesFilter(t *testing.T) {
	f := newFixture(t)

	f.expect.GET("/places").
		WithQuery("lat", "1").WithQuery("lng", "2").
		WithQuery("filter", `place.displayName.text.startsWith("Taq")`).
		Expect().
		Status(http.StatusOK).
		JSON().Object().Value("places").Array().Length().IsEqual(1)

	f.expect.GET("/places").
		WithQuery("lat", "1").WithQuery("lng", "2").
		WithQuery("filter", `place.id == "other"`).
		Expect().
		Status(http.StatusOK).
		JSON().Object().Value("places").Array().IsEmpty()

	f.expect.GET("/places").
		WithQuery("lat", "1").WithQuery("lng", "2").
		WithQuery("filter", `place.id ==`).
		Expect().
		Status(http.StatusBadRequest).
		JSON().Object().Value("error").String().IsEqual(string(clienterr.KindInvalidRequest))
}

func TestErrorKindsMapToStatus(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{name: "expired session", err: clienterr.FromStatus("places", 401, nil), status: http.StatusUnauthorized},
		{name: "timeout", err: clienterr.FromTransport("places", context.DeadlineExceeded), status: http.StatusGatewayTimeout},
		{name: "server", err: clienterr.FromStatus("places", 503, nil), status: http.StatusBadGateway},
		{name: "decoding", err: clienterr.Decoding("places", nil, errors.New("bad json")), status: http.StatusBadGateway},
		{name: "transport", err: clienterr.FromTransport("places", errors.New("refused")), status: http.StatusBadGateway},
		{name: "unknown", err: errors.New("boom"), status: http.StatusInternalServerError},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.places.searchErr = tc.err
			f.expect.GET("/places").WithQuery("lat", "1").WithQuery("lng", "2").
				Expect().
				Status(tc.status).
				JSON().Object().ContainsKey("message")
		})
	}
}

func TestPlaceDetailsAndReviewsRoutes(t *testing.T) {
	f := newFixture(t)

	f.expect.GET("/places/p1").Expect().
		Status(http.StatusOK).
		JSON().Object().Value("formattedAddress").String().IsEqual("1 Main St")
	f.expect.GET("/places/unknown").Expect().Status(http.StatusNotFound)

	f.expect.GET("/places/p1/reviews").
		WithQuery("displayName", "Taqueria").
		WithQuery("formattedAddress", "1 Main St").
		Expect().
		Status(http.StatusOK).
		JSON().Object().Value("average_sentiment").Number().IsEqual(8)
	if f.places.lastReviews.PlaceID != "p1" || f.places.lastReviews.DisplayName != "Taqueria" {
		t.Fatalf("unexpected reviews request: %+v", f.places.lastReviews)
	}
}

func TestPhotoURLRoute(t *testing.T) {
	f := newFixture(t)

	f.expect.GET("/photos/url").WithQuery("name", "photos/abc").
		Expect().
		Status(http.StatusOK).
		JSON().Object().Value("url").String().IsEqual("https://cdn.example.com/photos/abc")
	if f.places.lastPhoto != [3]any{"photos/abc", DefaultPhotoWidth, 0} {
		t.Fatalf("unexpected photo request: %v", f.places.lastPhoto)
	}

	f.expect.GET("/photos/url").WithQuery("name", "photos/abc").WithQuery("maxWidth", "wide").
		Expect().
		Status(http.StatusBadRequest)
}

func TestImageRoute(t *testing.T) {
	f := newFixture(t)

	resp := f.expect.GET("/images").WithQuery("url", "https://cdn.example.com/a.png").
		Expect().
		Status(http.StatusOK)
	resp.Header("Content-Type").IsEqual("image/png")
	resp.Body().IsEqual("\x89PNG")

	f.expect.GET("/images").Expect().Status(http.StatusBadRequest)
}

func TestCacheRoutes(t *testing.T) {
	f := newFixture(t)

	f.expect.POST("/cache/maintenance").Expect().
		Status(http.StatusOK).
		JSON().Object().Value("expired").Number().IsEqual(2)
	if f.cache.maintenanceRuns != 1 {
		t.Fatalf("expected one maintenance run, got %d", f.cache.maintenanceRuns)
	}

	f.expect.DELETE("/cache/images").Expect().Status(http.StatusNoContent)
	if !f.images.cleared {
		t.Fatal("image cache not cleared")
	}

	stats := f.expect.GET("/cache/stats").Expect().Status(http.StatusOK).JSON().Object()
	stats.Value("persistent").Object().Value("bytes").Number().IsEqual(512)
	stats.Value("images").Object().Value("memoryEntries").Number().IsEqual(3)
}

func TestSessionRoutes(t *testing.T) {
	f := newFixture(t)

	f.expect.GET("/session").Expect().
		Status(http.StatusOK).
		JSON().Object().
		HasValue("valid", false).
		NotContainsKey("expiresAt")

	f.sessions.current = &session.Session{Token: "secret", ExpiresAt: time.Date(2026, 5, 8, 0, 0, 0, 0, time.UTC)}
	obj := f.expect.GET("/session").Expect().Status(http.StatusOK).JSON().Object()
	obj.HasValue("valid", true)
	obj.HasValue("expiresAt", "2026-05-08T00:00:00Z")
	obj.NotContainsKey("token")

	f.expect.DELETE("/session").Expect().Status(http.StatusNoContent)
	if !f.sessions.cleared {
		t.Fatal("session not cleared")
	}
}

func TestHealthAndMetricsRoutes(t *testing.T) {
	f := newFixture(t)

	f.expect.GET("/healthz").Expect().
		Status(http.StatusOK).
		JSON().Object().HasValue("status", "ok")
	f.expect.GET("/metrics").Expect().Status(http.StatusOK)
	f.expect.GET("/nope").Expect().Status(http.StatusNotFound)
}
