// Package backend executes JSON requests against the places backend and maps
// failures onto the clienterr taxonomy. It knows nothing about sessions or
// caching; callers add headers and decide what to retry.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tacoaboutit/placeclient/internal/clienterr"
	"github.com/tacoaboutit/placeclient/internal/logging"
	"github.com/tacoaboutit/placeclient/internal/metrics"
)

const maxResponseBytes = 1 << 20

// HTTPDoer is satisfied by *http.Client.
type HTTPDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// Request describes one backend call.
type Request struct {
	// Op names the call in errors, logs and metrics (for example "places").
	Op     string
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	// Body is JSON-encoded when non-nil.
	Body any
}

// Client is safe for concurrent use.
type Client struct {
	base    *url.URL
	http    HTTPDoer
	logger  *slog.Logger
	metrics *metrics.Recorder
}

// New validates baseURL and builds a client. A nil doer uses a plain
// *http.Client with a 30 second timeout.
func New(baseURL string, doer HTTPDoer, logger *slog.Logger, rec *metrics.Recorder) (*Client, error) {
	parsed, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, clienterr.New(clienterr.KindInvalidRequest, "backend", fmt.Errorf("invalid base url %q", baseURL))
	}
	if doer == nil {
		doer = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Client{
		base:    parsed,
		http:    doer,
		logger:  logger.With(slog.String("agent", "backend")),
		metrics: rec,
	}, nil
}

// BaseURL returns the configured backend root.
func (c *Client) BaseURL() string { return c.base.String() }

func (c *Client) resolve(path string, query url.Values) string {
	u := *c.base
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + strings.TrimPrefix(path, "/")
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// Do executes req and decodes a 2xx JSON body into out (skipped when out is nil).
func (c *Client) Do(ctx context.Context, req Request, out any) error {
	op := req.Op
	if op == "" {
		op = strings.Trim(req.Path, "/")
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	var payload []byte
	if req.Body != nil {
		encoded, err := json.Marshal(req.Body)
		if err != nil {
			return clienterr.New(clienterr.KindInvalidRequest, op, fmt.Errorf("encode body: %w", err))
		}
		payload = encoded
		body = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.resolve(req.Path, req.Query), body)
	if err != nil {
		return clienterr.New(clienterr.KindInvalidRequest, op, err)
	}
	if payload != nil {
		httpReq.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(payload)), nil
		}
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")
	for name, values := range req.Header {
		for _, value := range values {
			if strings.TrimSpace(value) != "" {
				httpReq.Header.Add(name, value)
			}
		}
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		c.metrics.ObserveBackend(op, 0, time.Since(start))
		c.logger.Debug("backend request failed", slog.String("op", op), slog.String("error", err.Error()))
		return clienterr.FromTransport(op, err)
	}
	bodyBytes, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	closeErr := resp.Body.Close()
	c.metrics.ObserveBackend(op, resp.StatusCode, time.Since(start))
	if readErr != nil {
		return clienterr.FromTransport(op, fmt.Errorf("read body: %w", readErr))
	}
	if closeErr != nil {
		c.logger.Debug("backend body close failed", slog.String("op", op), slog.String("error", closeErr.Error()))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Info("backend returned non-success status",
			slog.String("op", op),
			slog.Int("status", resp.StatusCode),
		)
		return clienterr.FromStatus(op, resp.StatusCode, bodyBytes)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(bodyBytes, out); err != nil {
		c.logger.Warn("backend response undecodable",
			slog.String("op", op),
			slog.String("body", string(bodyBytes)),
			slog.String("error", err.Error()),
		)
		return clienterr.Decoding(op, bodyBytes, err)
	}
	return nil
}
