// Package session owns the bearer credential used to authorize backend calls.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tacoaboutit/placeclient/internal/backend"
	"github.com/tacoaboutit/placeclient/internal/clienterr"
	"github.com/tacoaboutit/placeclient/internal/logging"
	"github.com/tacoaboutit/placeclient/internal/metrics"
)

const (
	// TokenKey and ExpiryKey name the secure-store entries. The expiry is stored
	// as decimal epoch seconds.
	TokenKey  = "sessionToken"
	ExpiryKey = "sessionExpiry"

	// HeaderSessionToken carries the session token on authenticated calls.
	HeaderSessionToken = "X-Session-Token"
	// HeaderAPIKey carries the embedded app credential on session creation.
	HeaderAPIKey = "X-API-Key"

	DefaultSafetyMargin  = time.Hour
	DefaultCreateTimeout = 15 * time.Second
)

// Session is a bearer token and the instant it stops being accepted.
type Session struct {
	Token     string    `json:"-"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Options configures a Manager.
type Options struct {
	Backend       *backend.Client
	AppCredential string
	Store         SecretStore
	SafetyMargin  time.Duration
	CreateTimeout time.Duration
	Logger        *slog.Logger
	Metrics       *metrics.Recorder
	Clock         func() time.Time
}

// Manager is safe for concurrent use.
type Manager struct {
	backend       *backend.Client
	credential    string
	store         SecretStore
	margin        time.Duration
	createTimeout time.Duration
	logger        *slog.Logger
	metrics       *metrics.Recorder
	now           func() time.Time

	mu      sync.RWMutex
	current *Session

	// storeMu orders secure-store writes with the in-memory update they
	// mirror, so a clear cannot be overtaken by an earlier persist.
	storeMu sync.Mutex

	creating singleflight.Group
}

// NewManager builds a manager and loads any persisted session from the store.
// Incomplete or unparsable persisted data is treated as no session.
func NewManager(opts Options) (*Manager, error) {
	if opts.Backend == nil {
		return nil, errors.New("session: backend client required")
	}
	if opts.Store == nil {
		return nil, errors.New("session: secret store required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	margin := opts.SafetyMargin
	if margin < 0 {
		margin = 0
	}
	timeout := opts.CreateTimeout
	if timeout <= 0 {
		timeout = DefaultCreateTimeout
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	m := &Manager{
		backend:       opts.Backend,
		credential:    opts.AppCredential,
		store:         opts.Store,
		margin:        margin,
		createTimeout: timeout,
		logger:        logger.With(slog.String("agent", "session")),
		metrics:       opts.Metrics,
		now:           clock,
	}
	m.load()
	return m, nil
}

func (m *Manager) load() {
	token, ok, err := m.store.Get(TokenKey)
	if err != nil {
		m.logger.Warn("session load failed", slog.String("error", err.Error()))
		return
	}
	if !ok || token == "" {
		return
	}
	raw, ok, err := m.store.Get(ExpiryKey)
	if err != nil || !ok {
		return
	}
	seconds, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		m.logger.Debug("persisted session expiry unparsable", slog.String("value", raw))
		return
	}
	sec := int64(seconds)
	nsec := int64((seconds - float64(sec)) * float64(time.Second))
	m.current = &Session{Token: token, ExpiresAt: time.Unix(sec, nsec).UTC()}
}

// Current returns the in-memory session, valid or not.
func (m *Manager) Current() (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return Session{}, false
	}
	return *m.current, true
}

// HasValidSession reports whether the current token outlives now plus the
// safety margin.
func (m *Manager) HasValidSession() bool {
	_, ok := m.validToken()
	return ok
}

func (m *Manager) validToken() (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil || m.current.Token == "" {
		return "", false
	}
	if !m.current.ExpiresAt.After(m.now().Add(m.margin)) {
		return "", false
	}
	return m.current.Token, true
}

// EnsureValidSession returns a usable token, creating a session when the
// current one is missing or inside the safety margin. Concurrent callers share
// a single creation request.
func (m *Manager) EnsureValidSession(ctx context.Context) (string, error) {
	if token, ok := m.validToken(); ok {
		m.metrics.ObserveSession(metrics.SessionEventReused)
		return token, nil
	}
	ch := m.creating.DoChan("create", func() (any, error) {
		if token, ok := m.validToken(); ok {
			return token, nil
		}
		m.ClearSession()
		// Shared by every waiter, so one caller's cancellation must not fail the rest.
		session, err := m.CreateSession(context.WithoutCancel(ctx))
		if err != nil {
			return "", err
		}
		return session.Token, nil
	})
	select {
	case <-ctx.Done():
		return "", clienterr.FromTransport("create_session", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

type createResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expiresAt"`
}

// CreateSession requests a new session with the app credential, bounded by the
// configured create timeout. On success the session replaces the current one
// in memory and in the secure store; a store failure is logged only.
func (m *Manager) CreateSession(ctx context.Context) (Session, error) {
	ctx, cancel := context.WithTimeout(ctx, m.createTimeout)
	defer cancel()

	var resp createResponse
	err := m.backend.Do(ctx, backend.Request{
		Op:     "create_session",
		Method: http.MethodPost,
		Path:   "/create-session",
		Header: http.Header{HeaderAPIKey: []string{m.credential}},
	}, &resp)
	if err != nil {
		m.metrics.ObserveSession(metrics.SessionEventFailed)
		m.logger.Warn("session creation failed", slog.String("error", err.Error()))
		return Session{}, err
	}
	if resp.Token == "" {
		m.metrics.ObserveSession(metrics.SessionEventFailed)
		return Session{}, clienterr.Decoding("create_session", nil, errors.New("missing token"))
	}
	expiresAt, err := ParseTimestamp(resp.ExpiresAt)
	if err != nil {
		m.metrics.ObserveSession(metrics.SessionEventFailed)
		return Session{}, clienterr.Decoding("create_session", []byte(resp.ExpiresAt), err)
	}

	session := Session{Token: resp.Token, ExpiresAt: expiresAt}
	m.storeMu.Lock()
	m.mu.Lock()
	m.current = &session
	m.mu.Unlock()
	m.persist(session)
	m.storeMu.Unlock()
	m.metrics.ObserveSession(metrics.SessionEventCreated)
	m.logger.Info("session created", slog.Time("expires_at", expiresAt))
	return session, nil
}

func (m *Manager) persist(s Session) {
	expiry := strconv.FormatInt(s.ExpiresAt.Unix(), 10)
	if err := m.store.Set(TokenKey, s.Token); err != nil {
		m.logger.Warn("session persist failed", slog.String("error", clienterr.New(clienterr.KindStorage, "session.persist", err).Error()))
		return
	}
	if err := m.store.Set(ExpiryKey, expiry); err != nil {
		m.logger.Warn("session persist failed", slog.String("error", clienterr.New(clienterr.KindStorage, "session.persist", err).Error()))
	}
}

// ClearSession forgets the session in memory and in the secure store. Safe to
// call repeatedly.
func (m *Manager) ClearSession() {
	m.storeMu.Lock()
	m.mu.Lock()
	hadSession := m.current != nil
	m.current = nil
	m.mu.Unlock()
	for _, key := range []string{TokenKey, ExpiryKey} {
		if err := m.store.Remove(key); err != nil {
			m.logger.Warn("session clear failed", slog.String("key", key), slog.String("error", err.Error()))
		}
	}
	m.storeMu.Unlock()
	if hadSession {
		m.metrics.ObserveSession(metrics.SessionEventCleared)
	}
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
}

// ParseTimestamp accepts ISO-8601 instants with optional fractional seconds.
// Values without a zone are taken as UTC.
func ParseTimestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("session: unparsable timestamp %q", value)
}
