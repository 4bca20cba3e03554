package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tacoaboutit/placeclient/internal/clienterr"
	"github.com/tacoaboutit/placeclient/internal/filter"
	"github.com/tacoaboutit/placeclient/internal/imagecache"
	"github.com/tacoaboutit/placeclient/internal/logging"
	"github.com/tacoaboutit/placeclient/internal/metrics"
	"github.com/tacoaboutit/placeclient/internal/persist"
	"github.com/tacoaboutit/placeclient/internal/places"
	"github.com/tacoaboutit/placeclient/internal/session"
)

// DefaultPhotoWidth is used when Services leaves the photo width unset.
const DefaultPhotoWidth = 400

// PlacesService is the slice of the places client the facade exposes.
type PlacesService interface {
	SearchPlaces(ctx context.Context, req places.SearchRequest) ([]places.Place, error)
	Place(ctx context.Context, placeID string) (places.Place, bool)
	Reviews(ctx context.Context, req places.ReviewsRequest) (places.ReviewAnalysis, error)
	PhotoURL(ctx context.Context, photoName string, maxWidth, maxHeight int) (string, error)
}

// ImageService loads and manages cached images.
type ImageService interface {
	Load(ctx context.Context, rawURL string) (imagecache.Image, error)
	Clear(ctx context.Context) error
	Stats(ctx context.Context) (imagecache.Stats, error)
}

// CacheService is the persistent response cache.
type CacheService interface {
	RunMaintenance(ctx context.Context) (persist.Report, error)
	Stats(ctx context.Context) (persist.Stats, error)
}

// SessionService reports and clears the backend session.
type SessionService interface {
	Current() (session.Session, bool)
	HasValidSession() bool
	ClearSession()
}

// Services bundles the facade's collaborators.
type Services struct {
	Places   PlacesService
	Images   ImageService
	Cache    CacheService
	Sessions SessionService
	Metrics  *metrics.Recorder
	Logger   *slog.Logger

	// DefaultPhotoWidth applies when /photos/url omits maxWidth.
	DefaultPhotoWidth int
}

type handlers struct {
	Services
	logger *slog.Logger
}

// NewHandler routes the local HTTP facade onto svc.
func NewHandler(svc Services) http.Handler {
	logger := svc.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	h := &handlers{Services: svc, logger: logger.With(slog.String("agent", "http"))}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.logRequests)

	r.Get("/healthz", h.health)
	r.Handle("/metrics", svc.Metrics.Handler())

	r.Route("/places", func(r chi.Router) {
		r.Get("/", h.searchPlaces)
		r.Get("/{placeID}", h.placeDetails)
		r.Get("/{placeID}/reviews", h.reviews)
	})
	r.Get("/photos/url", h.photoURL)
	r.Get("/images", h.image)

	r.Route("/cache", func(r chi.Router) {
		r.Post("/maintenance", h.maintenance)
		r.Delete("/images", h.clearImages)
		r.Get("/stats", h.cacheStats)
	})
	r.Get("/session", h.sessionStatus)
	r.Delete("/session", h.clearSession)
	return r
}

func (h *handlers) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		h.logger.Debug("request served",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("latency", time.Since(start)),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (h *handlers) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handlers) searchPlaces(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, latErr := strconv.ParseFloat(q.Get("lat"), 64)
	lng, lngErr := strconv.ParseFloat(q.Get("lng"), 64)
	if latErr != nil || lngErr != nil {
		h.writeError(w, clienterr.New(clienterr.KindInvalidRequest, "places", errors.New("lat and lng are required numbers")))
		return
	}
	req := places.SearchRequest{
		Location:     places.GeoLocation{Latitude: lat, Longitude: lng},
		TextQuery:    q.Get("query"),
		ForceRefresh: queryBool(q.Get("refresh")),
	}
	if raw := q.Get("radius"); raw != "" {
		radius, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			h.writeError(w, clienterr.New(clienterr.KindInvalidRequest, "places", err))
			return
		}
		req.Radius = radius
	}
	if raw := q.Get("maxResults"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			h.writeError(w, clienterr.New(clienterr.KindInvalidRequest, "places", err))
			return
		}
		req.MaxResults = n
	}
	var match *filter.Filter
	if raw := q.Get("filter"); raw != "" {
		compiled, err := filter.Compile(raw)
		if err != nil {
			h.writeError(w, clienterr.New(clienterr.KindInvalidRequest, "places", err))
			return
		}
		match = compiled
	}

	results, err := h.Places.SearchPlaces(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if match != nil {
		results = match.Apply(results)
	}
	writeJSON(w, http.StatusOK, map[string]any{"places": results})
}

func (h *handlers) placeDetails(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "placeID")
	place, ok := h.Places.Place(r.Context(), id)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not_found", Message: "place " + id + " is not cached"})
		return
	}
	writeJSON(w, http.StatusOK, place)
}

func (h *handlers) reviews(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	analysis, err := h.Places.Reviews(r.Context(), places.ReviewsRequest{
		PlaceID:          chi.URLParam(r, "placeID"),
		DisplayName:      q.Get("displayName"),
		FormattedAddress: q.Get("formattedAddress"),
		ForceRefresh:     queryBool(q.Get("refresh")),
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, analysis)
}

func (h *handlers) photoURL(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	width, height := h.DefaultPhotoWidth, 0
	if width <= 0 {
		width = DefaultPhotoWidth
	}
	var err error
	if raw := q.Get("maxWidth"); raw != "" {
		if width, err = strconv.Atoi(raw); err != nil {
			h.writeError(w, clienterr.New(clienterr.KindInvalidRequest, "photos", err))
			return
		}
	}
	if raw := q.Get("maxHeight"); raw != "" {
		if height, err = strconv.Atoi(raw); err != nil {
			h.writeError(w, clienterr.New(clienterr.KindInvalidRequest, "photos", err))
			return
		}
	}
	resolved, err := h.Places.PhotoURL(r.Context(), q.Get("name"), width, height)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": resolved})
}

func (h *handlers) image(w http.ResponseWriter, r *http.Request) {
	img, err := h.Images.Load(r.Context(), r.URL.Query().Get("url"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	contentType := img.ContentType
	if contentType == "" {
		contentType = "image/" + img.Format
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(img.Data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(img.Data)
}

func (h *handlers) maintenance(w http.ResponseWriter, r *http.Request) {
	report, err := h.Cache.RunMaintenance(r.Context())
	if err != nil {
		h.writeError(w, clienterr.New(clienterr.KindStorage, "maintenance", err))
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *handlers) clearImages(w http.ResponseWriter, r *http.Request) {
	if err := h.Images.Clear(r.Context()); err != nil {
		h.writeError(w, clienterr.New(clienterr.KindStorage, "images", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type cacheStatsResponse struct {
	Persistent persist.Stats    `json:"persistent"`
	Images     imagecache.Stats `json:"images"`
}

func (h *handlers) cacheStats(w http.ResponseWriter, r *http.Request) {
	var resp cacheStatsResponse
	var err error
	if resp.Persistent, err = h.Cache.Stats(r.Context()); err != nil {
		h.writeError(w, clienterr.New(clienterr.KindStorage, "stats", err))
		return
	}
	if resp.Images, err = h.Images.Stats(r.Context()); err != nil {
		h.writeError(w, clienterr.New(clienterr.KindStorage, "stats", err))
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type sessionStatusResponse struct {
	Valid     bool       `json:"valid"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

func (h *handlers) sessionStatus(w http.ResponseWriter, _ *http.Request) {
	resp := sessionStatusResponse{Valid: h.Sessions.HasValidSession()}
	if current, ok := h.Sessions.Current(); ok {
		expires := current.ExpiresAt.UTC()
		resp.ExpiresAt = &expires
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) clearSession(w http.ResponseWriter, _ *http.Request) {
	h.Sessions.ClearSession()
	w.WriteHeader(http.StatusNoContent)
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// statusFor maps a failure kind onto the facade's HTTP status.
func statusFor(kind clienterr.Kind) int {
	switch kind {
	case clienterr.KindInvalidRequest:
		return http.StatusBadRequest
	case clienterr.KindAuthorizationExpired:
		return http.StatusUnauthorized
	case clienterr.KindTimeout:
		return http.StatusGatewayTimeout
	case clienterr.KindTransport, clienterr.KindServer, clienterr.KindDecoding:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *handlers) writeError(w http.ResponseWriter, err error) {
	kind := clienterr.KindOf(err)
	status := statusFor(kind)
	if status >= http.StatusInternalServerError {
		h.logger.Warn("request failed", slog.String("kind", string(kind)), slog.String("error", err.Error()))
	}
	writeJSON(w, status, errorBody{Error: string(kind), Message: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func queryBool(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes":
		return true
	}
	return false
}
