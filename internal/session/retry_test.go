package session

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tacoaboutit/placeclient/internal/clienterr"
)

func TestWithSessionRetriesOnceAfterUnauthorized(t *testing.T) {
	b := newSessionBackend(t)
	m := newManager(t, b, storeWith("stale-but-unexpired", fixedNow.Add(72*time.Hour)))

	var calls atomic.Int32
	var seen []string
	out, err := WithSession(context.Background(), m, func(_ context.Context, token string) (string, error) {
		calls.Add(1)
		seen = append(seen, token)
		if token == "stale-but-unexpired" {
			return "", clienterr.FromStatus("places", http.StatusUnauthorized, nil)
		}
		return "ok", nil
	})
	require.NoError(t, err)
	require.Equal(t, "ok", out)
	require.EqualValues(t, 2, calls.Load())
	require.EqualValues(t, 1, b.creates.Load())
	require.Equal(t, []string{"stale-but-unexpired", "token-1"}, seen)
}

func TestWithSessionSecondUnauthorizedIsFinal(t *testing.T) {
	b := newSessionBackend(t)
	m := newManager(t, b, NewMemoryStore())

	var calls atomic.Int32
	_, err := WithSession(context.Background(), m, func(context.Context, string) (int, error) {
		calls.Add(1)
		return 0, clienterr.FromStatus("places", http.StatusUnauthorized, nil)
	})
	require.True(t, clienterr.Is(err, clienterr.KindAuthorizationExpired))
	require.EqualValues(t, 2, calls.Load())
	require.EqualValues(t, 2, b.creates.Load())
}

func TestWithSessionDoesNotRetryOtherErrors(t *testing.T) {
	b := newSessionBackend(t)
	m := newManager(t, b, NewMemoryStore())

	var calls atomic.Int32
	boom := clienterr.FromStatus("places", http.StatusBadGateway, nil)
	_, err := WithSession(context.Background(), m, func(context.Context, string) (int, error) {
		calls.Add(1)
		return 0, boom
	})
	require.True(t, errors.Is(err, boom))
	require.EqualValues(t, 1, calls.Load())
	require.True(t, m.HasValidSession())
}

func TestWithSessionSurfacesCreationFailure(t *testing.T) {
	b := newSessionBackend(t)
	b.status = http.StatusServiceUnavailable
	m := newManager(t, b, NewMemoryStore())

	_, err := WithSession(context.Background(), m, func(context.Context, string) (int, error) {
		t.Fatal("fn must not run without a session")
		return 0, nil
	})
	require.Equal(t, clienterr.KindServer, clienterr.KindOf(err))
}
