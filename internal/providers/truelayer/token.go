package truelayer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"paydash/internal/payments"
)

// tokenLease is a cached bearer credential. Callers never observe an
// expired lease: Token renews synchronously before returning.
type tokenLease struct {
	token     string
	expiresAt time.Time
}

func (l tokenLease) valid(now time.Time) bool {
	return l.token != "" && now.Before(l.expiresAt)
}

// tokenSource obtains and caches a bearer token via the gateway's
// client-credentials exchange. Concurrent acquirers while no lease is
// cached share a single in-flight exchange.
type tokenSource struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger

	mu    sync.Mutex
	lease tokenLease
	group singleflight.Group

	now func() time.Time
}

func newTokenSource(cfg Config, httpClient *http.Client, logger *slog.Logger) *tokenSource {
	return &tokenSource{
		cfg:        cfg,
		httpClient: httpClient,
		logger:     logger,
		now:        time.Now,
	}
}

// Token returns a valid bearer token, performing the client-credentials
// exchange when no valid lease is cached. Exchange failures surface as
// payments.ErrAuthExchangeFailed and are never retried here.
func (ts *tokenSource) Token(ctx context.Context) (string, error) {
	ts.mu.Lock()
	if ts.lease.valid(ts.now()) {
		token := ts.lease.token
		ts.mu.Unlock()
		return token, nil
	}
	ts.mu.Unlock()

	v, err, _ := ts.group.Do("token", func() (interface{}, error) {
		// A waiter may arrive after the previous flight refreshed the
		// lease; re-check before exchanging again.
		ts.mu.Lock()
		if ts.lease.valid(ts.now()) {
			token := ts.lease.token
			ts.mu.Unlock()
			return token, nil
		}
		ts.mu.Unlock()

		lease, err := ts.exchange(ctx)
		if err != nil {
			return "", err
		}

		ts.mu.Lock()
		ts.lease = lease
		ts.mu.Unlock()

		return lease.token, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
	Scope       string `json:"scope,omitempty"`
}

func (ts *tokenSource) exchange(ctx context.Context) (tokenLease, error) {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", ts.cfg.ClientID)
	form.Set("client_secret", ts.cfg.ClientSecret)
	form.Set("scope", ts.cfg.Scope)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ts.cfg.AuthURL+"/connect/token", strings.NewReader(form.Encode()))
	if err != nil {
		return tokenLease{}, fmt.Errorf("%w: building token request: %v", payments.ErrAuthExchangeFailed, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := ts.httpClient.Do(req)
	if err != nil {
		return tokenLease{}, fmt.Errorf("%w: %v", payments.ErrAuthExchangeFailed, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return tokenLease{}, fmt.Errorf("%w: token endpoint returned %d: %s", payments.ErrAuthExchangeFailed, resp.StatusCode, string(body))
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return tokenLease{}, fmt.Errorf("%w: decoding token response: %v", payments.ErrAuthExchangeFailed, err)
	}
	if tr.AccessToken == "" {
		return tokenLease{}, fmt.Errorf("%w: empty access token", payments.ErrAuthExchangeFailed)
	}

	lifetime := time.Duration(tr.ExpiresIn) * time.Second
	lease := tokenLease{
		token:     tr.AccessToken,
		expiresAt: ts.now().Add(lifetime - ts.cfg.TokenSafetyMargin),
	}

	ts.logger.Debug("token lease renewed",
		"expires_in", tr.ExpiresIn,
		"safety_margin", ts.cfg.TokenSafetyMargin,
	)

	return lease, nil
}
