package session

import (
	"context"
	"log/slog"

	"github.com/tacoaboutit/placeclient/internal/clienterr"
	"github.com/tacoaboutit/placeclient/internal/metrics"
)

// maxAuthRetries bounds clear-and-retry cycles after a 401. A second 401 is
// returned to the caller.
const maxAuthRetries = 1

// WithSession runs fn with a valid session token. When fn reports an expired
// authorization the session is cleared and fn runs once more with a freshly
// created token.
func WithSession[T any](ctx context.Context, m *Manager, fn func(ctx context.Context, token string) (T, error)) (T, error) {
	var zero T
	for attempt := 0; ; attempt++ {
		token, err := m.EnsureValidSession(ctx)
		if err != nil {
			return zero, err
		}
		out, err := fn(ctx, token)
		if err == nil {
			return out, nil
		}
		if !clienterr.Is(err, clienterr.KindAuthorizationExpired) || attempt >= maxAuthRetries {
			return zero, err
		}
		m.logger.Info("authorization expired, renewing session", slog.Int("attempt", attempt+1))
		m.metrics.ObserveSession(metrics.SessionEventRetried)
		m.invalidate(token)
	}
}

// invalidate clears the session only if it still holds token, so a caller
// holding a stale token cannot discard a session another caller just renewed.
func (m *Manager) invalidate(token string) {
	m.mu.RLock()
	stale := m.current == nil || m.current.Token == token
	m.mu.RUnlock()
	if stale {
		m.ClearSession()
	}
}
