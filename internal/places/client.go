// Package places fetches nearby places, reviews and photo URLs from the
// backend, caching responses and renewing the session on authorization
// failures.
package places

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/tacoaboutit/placeclient/internal/backend"
	"github.com/tacoaboutit/placeclient/internal/clienterr"
	"github.com/tacoaboutit/placeclient/internal/logging"
	"github.com/tacoaboutit/placeclient/internal/metrics"
	"github.com/tacoaboutit/placeclient/internal/persist"
	"github.com/tacoaboutit/placeclient/internal/session"
)

// ImagePrefetcher warms the image cache for resolved photo URLs.
type ImagePrefetcher interface {
	Prefetch(ctx context.Context, urls []string)
}

// PrefetchOptions controls what a search warms in the background.
type PrefetchOptions struct {
	Count  int
	Width  int
	Height int
}

// Options wires a Client.
type Options struct {
	Backend      *backend.Client
	Sessions     *session.Manager
	Cache        *persist.Cache
	Images       ImagePrefetcher
	Photos       PhotoOptions
	Prefetch     PrefetchOptions
	KeyPrecision int
	Logger       *slog.Logger
	Metrics      *metrics.Recorder
}

// Client is safe for concurrent use.
type Client struct {
	backend   *backend.Client
	sessions  *session.Manager
	cache     *persist.Cache
	images    ImagePrefetcher
	photos    *PhotoURLCache
	prefetch  PrefetchOptions
	precision int
	logger    *slog.Logger

	background sync.WaitGroup
}

// New builds a Client.
func New(opts Options) (*Client, error) {
	if opts.Backend == nil {
		return nil, errors.New("places: backend client required")
	}
	if opts.Sessions == nil {
		return nil, errors.New("places: session manager required")
	}
	if opts.Cache == nil {
		return nil, errors.New("places: persistent cache required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	prefetch := opts.Prefetch
	if prefetch.Count < 0 {
		prefetch.Count = 0
	}
	if prefetch.Width <= 0 {
		prefetch.Width = 160
	}
	precision := opts.KeyPrecision
	if precision <= 0 {
		precision = persist.DefaultKeyPrecision
	}
	c := &Client{
		backend:   opts.Backend,
		sessions:  opts.Sessions,
		cache:     opts.Cache,
		images:    opts.Images,
		prefetch:  prefetch,
		precision: precision,
		logger:    logger.With(slog.String("agent", "places")),
	}
	photoOpts := opts.Photos
	if photoOpts.Logger == nil {
		photoOpts.Logger = logger
	}
	if photoOpts.Metrics == nil {
		photoOpts.Metrics = opts.Metrics
	}
	photos, err := NewPhotoURLCache(c.fetchPhotoURL, photoOpts)
	if err != nil {
		return nil, err
	}
	c.photos = photos
	return c, nil
}

// Photos exposes the photo URL cache.
func (c *Client) Photos() *PhotoURLCache { return c.photos }

func authHeader(token string) http.Header {
	return http.Header{session.HeaderSessionToken: []string{token}}
}

// SearchPlaces returns places near the requested location, from cache when a
// fresh entry exists for the derived key. Network results are cached, each
// place is cached under its details key, and photo URLs and thumbnails for the
// leading results are warmed in the background.
func (c *Client) SearchPlaces(ctx context.Context, req SearchRequest) ([]Place, error) {
	req = req.withDefaults()
	loc := req.Location
	if loc.Latitude < -90 || loc.Latitude > 90 || loc.Longitude < -180 || loc.Longitude > 180 {
		return nil, clienterr.New(clienterr.KindInvalidRequest, "places", fmt.Errorf("coordinates out of range: %v,%v", loc.Latitude, loc.Longitude))
	}
	key := persist.SearchKey(loc.Latitude, loc.Longitude, req.Radius, req.TextQuery, c.precision)

	if !req.ForceRefresh {
		if cached, ok := persist.GetValue[[]Place](ctx, c.cache, key); ok {
			c.logger.Debug("places served from cache", slog.String("key", key))
			return cached, nil
		}
	}

	body := placesRequestBody{
		Location:   loc,
		Radius:     req.Radius,
		MaxResults: req.MaxResults,
		TextQuery:  req.TextQuery,
	}
	resp, err := session.WithSession(ctx, c.sessions, func(ctx context.Context, token string) (placesResponse, error) {
		var out placesResponse
		err := c.backend.Do(ctx, backend.Request{
			Op:     "places",
			Method: http.MethodPost,
			Path:   "/places",
			Header: authHeader(token),
			Body:   body,
		}, &out)
		return out, err
	})
	if err != nil {
		return nil, err
	}
	results := resp.Places
	if results == nil {
		results = []Place{}
	}

	c.cache.PutKind(ctx, persist.KindSearch, key, results)
	for _, place := range results {
		if place.ID != "" {
			c.cache.PutKind(ctx, persist.KindPlace, persist.DetailsKey(place.ID), place)
		}
	}
	c.prefetchPhotos(ctx, results)
	return results, nil
}

// Place returns cached details for placeID as populated by earlier searches.
func (c *Client) Place(ctx context.Context, placeID string) (Place, bool) {
	return persist.GetValue[Place](ctx, c.cache, persist.DetailsKey(placeID))
}

// Reviews returns the sentiment analysis for a place.
func (c *Client) Reviews(ctx context.Context, req ReviewsRequest) (ReviewAnalysis, error) {
	if strings.TrimSpace(req.PlaceID) == "" {
		return ReviewAnalysis{}, clienterr.New(clienterr.KindInvalidRequest, "reviews", errors.New("place id required"))
	}
	key := persist.ReviewsKey(req.PlaceID)
	if !req.ForceRefresh {
		if cached, ok := persist.GetValue[ReviewAnalysis](ctx, c.cache, key); ok {
			return cached, nil
		}
	}

	query := url.Values{}
	query.Set("place_id", req.PlaceID)
	query.Set("displayName", req.DisplayName)
	query.Set("formattedAddress", req.FormattedAddress)

	analysis, err := session.WithSession(ctx, c.sessions, func(ctx context.Context, token string) (ReviewAnalysis, error) {
		var out ReviewAnalysis
		err := c.backend.Do(ctx, backend.Request{
			Op:     "reviews",
			Method: http.MethodGet,
			Path:   "/reviews",
			Query:  query,
			Header: authHeader(token),
		}, &out)
		return out, err
	})
	if err != nil {
		return ReviewAnalysis{}, err
	}
	c.cache.PutKind(ctx, persist.KindReviews, key, analysis)
	return analysis, nil
}

// PhotoURL resolves one photo reference.
func (c *Client) PhotoURL(ctx context.Context, photoName string, maxWidth, maxHeight int) (string, error) {
	return c.photos.Resolve(ctx, photoName, maxWidth, maxHeight)
}

// PhotoURLs resolves many photo references; failures are omitted.
func (c *Client) PhotoURLs(ctx context.Context, photoNames []string, maxWidth, maxHeight int) map[string]string {
	return c.photos.ResolveBatch(ctx, photoNames, maxWidth, maxHeight)
}

func (c *Client) fetchPhotoURL(ctx context.Context, photoName string, maxWidth, maxHeight int) (string, error) {
	body := photoRequestBody{PhotoName: photoName, MaxWidth: maxWidth}
	if maxHeight > 0 {
		body.MaxHeight = &maxHeight
	}
	resp, err := session.WithSession(ctx, c.sessions, func(ctx context.Context, token string) (photoResponse, error) {
		var out photoResponse
		err := c.backend.Do(ctx, backend.Request{
			Op:     "photos",
			Method: http.MethodPost,
			Path:   "/photos",
			Header: authHeader(token),
			Body:   body,
		}, &out)
		return out, err
	})
	if err != nil {
		return "", err
	}
	return resp.URL, nil
}

// prefetchPhotos resolves primary photo URLs for the leading places and hands
// them to the image cache. It runs detached from ctx's cancellation so an
// abandoned request still warms the caches.
func (c *Client) prefetchPhotos(ctx context.Context, results []Place) {
	if c.prefetch.Count == 0 || len(results) == 0 {
		return
	}
	var names []string
	for _, place := range results[:min(c.prefetch.Count, len(results))] {
		if photo, ok := place.PrimaryPhoto(); ok {
			names = append(names, photo.Name)
		}
	}
	if len(names) == 0 {
		return
	}
	detached := context.WithoutCancel(ctx)
	c.background.Go(func() {
		resolved := c.photos.ResolveBatch(detached, names, c.prefetch.Width, c.prefetch.Height)
		c.logger.Debug("photo urls prefetched", slog.Int("requested", len(names)), slog.Int("resolved", len(resolved)))
		if c.images == nil || len(resolved) == 0 {
			return
		}
		urls := make([]string, 0, len(resolved))
		for _, name := range names {
			if u, ok := resolved[name]; ok {
				urls = append(urls, u)
			}
		}
		c.images.Prefetch(detached, urls)
	})
}

// WaitForPrefetch blocks until background prefetches started by searches
// finish.
func (c *Client) WaitForPrefetch() {
	c.background.Wait()
}
