package truelayer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"paydash/internal/payments"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// tokenServer is a fake /connect/token endpoint that counts exchanges.
func tokenServer(t *testing.T, expiresIn int, exchanges *atomic.Int64) *httptest.Server {
	t.Helper()

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/connect/token", r.URL.Path)
		require.NoError(t, r.ParseForm())
		require.Equal(t, "client_credentials", r.PostForm.Get("grant_type"))
		require.Equal(t, "client-1", r.PostForm.Get("client_id"))
		require.Equal(t, "secret-1", r.PostForm.Get("client_secret"))
		require.Equal(t, "payments", r.PostForm.Get("scope"))

		n := exchanges.Add(1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"access_token":"token-%d","token_type":"Bearer","expires_in":%d}`, n, expiresIn)
	}))
}

func newTestTokenSource(authURL string) *tokenSource {
	cfg := Config{
		AuthURL:           authURL,
		ClientID:          "client-1",
		ClientSecret:      "secret-1",
		Scope:             "payments",
		TokenSafetyMargin: 60 * time.Second,
	}
	return newTokenSource(cfg, &http.Client{Timeout: 5 * time.Second}, discardLogger())
}

func TestTokenReuse(t *testing.T) {
	var exchanges atomic.Int64
	srv := tokenServer(t, 4*60*60, &exchanges)
	defer srv.Close()

	ts := newTestTokenSource(srv.URL)

	first, err := ts.Token(context.Background())
	require.NoError(t, err)

	time.Sleep(1 * time.Second)

	second, err := ts.Token(context.Background())
	require.NoError(t, err)

	require.Equal(t, first, second)
	require.Equal(t, int64(1), exchanges.Load())
}

func TestTokenRenewedBeforeExpiry(t *testing.T) {
	var exchanges atomic.Int64
	srv := tokenServer(t, 90, &exchanges)
	defer srv.Close()

	ts := newTestTokenSource(srv.URL)

	now := time.Now()
	ts.now = func() time.Time { return now }

	_, err := ts.Token(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), exchanges.Load())

	// 90s lifetime with a 60s safety margin leaves a 30s usable window.
	// 31 seconds in, the lease must be treated as expired and renewed.
	now = now.Add(31 * time.Second)

	_, err = ts.Token(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(2), exchanges.Load())
}

func TestTokenSingleFlight(t *testing.T) {
	var exchanges atomic.Int64

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		exchanges.Add(1)
		time.Sleep(50 * time.Millisecond) // hold the flight open so callers pile up
		fmt.Fprint(w, `{"access_token":"shared-token","token_type":"Bearer","expires_in":3600}`)
	}))
	defer srv.Close()

	ts := newTestTokenSource(srv.URL)

	const callers = 20
	tokens := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			token, err := ts.Token(context.Background())
			require.NoError(t, err)
			tokens[i] = token
		}(i)
	}
	wg.Wait()

	require.Equal(t, int64(1), exchanges.Load())
	for _, token := range tokens {
		require.Equal(t, "shared-token", token)
	}
}

func TestTokenExchangeFailure(t *testing.T) {
	t.Run("credential rejection", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, `{"error":"invalid_client"}`, http.StatusUnauthorized)
		}))
		defer srv.Close()

		ts := newTestTokenSource(srv.URL)
		_, err := ts.Token(context.Background())
		require.ErrorIs(t, err, payments.ErrAuthExchangeFailed)
	})

	t.Run("network failure", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		srv.Close() // connection refused

		ts := newTestTokenSource(srv.URL)
		_, err := ts.Token(context.Background())
		require.ErrorIs(t, err, payments.ErrAuthExchangeFailed)
	})

	t.Run("empty token body", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"token_type":"Bearer","expires_in":3600}`)
		}))
		defer srv.Close()

		ts := newTestTokenSource(srv.URL)
		_, err := ts.Token(context.Background())
		require.ErrorIs(t, err, payments.ErrAuthExchangeFailed)
	})
}
