// Package truelayer implements the payments.Gateway against a
// TrueLayer-style open-banking payment gateway: OAuth2 client-credentials
// auth, detached request signing, idempotent payment creation and status
// fetch.
package truelayer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"paydash/internal/payments"
)

// Config holds gateway client configuration.
type Config struct {
	AuthURL           string        `envconfig:"TL_AUTH_URL" default:"https://auth.truelayer-sandbox.com"`
	PaymentsURL       string        `envconfig:"TL_PAYMENTS_URL" default:"https://api.truelayer-sandbox.com"`
	HPPURL            string        `envconfig:"TL_HPP_URL" default:"https://payment.truelayer-sandbox.com"`
	ReturnURI         string        `envconfig:"TL_RETURN_URI" required:"true"`
	ClientID          string        `envconfig:"TL_CLIENT_ID" required:"true"`
	ClientSecret      string        `envconfig:"TL_CLIENT_SECRET" required:"true"`
	Scope             string        `envconfig:"TL_SCOPE" default:"payments"`
	MerchantAccountID string        `envconfig:"TL_MERCHANT_ACCOUNT_ID" required:"true"`
	SigningKeyID      string        `envconfig:"TL_SIGNING_KEY_ID" required:"true"`
	SigningKeyFile    string        `envconfig:"TL_SIGNING_KEY_FILE" required:"true"`
	TokenSafetyMargin time.Duration `envconfig:"TL_TOKEN_SAFETY_MARGIN" default:"60s"`
	Timeout           time.Duration `envconfig:"TL_TIMEOUT" default:"30s"`
}

// Client talks to the remote payment gateway. It implements
// payments.Gateway.
type Client struct {
	cfg        Config
	httpClient *http.Client
	signer     *Signer
	tokens     *tokenSource
	logger     *slog.Logger
}

// New creates a gateway client. The signing key is loaded and validated
// here; a missing or unparsable key fails construction so the service
// never becomes ready with a signer that cannot sign.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	signer, err := NewSignerFromFile(cfg.SigningKeyID, cfg.SigningKeyFile)
	if err != nil {
		return nil, fmt.Errorf("loading signing key: %w", err)
	}
	return newClient(cfg, signer, logger), nil
}

func newClient(cfg Config, signer *Signer, logger *slog.Logger) *Client {
	httpClient := &http.Client{Timeout: cfg.Timeout}
	return &Client{
		cfg:        cfg,
		httpClient: httpClient,
		signer:     signer,
		tokens:     newTokenSource(cfg, httpClient, logger),
		logger:     logger,
	}
}

// Wire types, mirroring the gateway's payments API.

type paymentRequest struct {
	AmountInMinor int64             `json:"amount_in_minor"`
	Currency      string            `json:"currency"`
	PaymentMethod paymentMethod     `json:"payment_method"`
	User          paymentUser       `json:"user"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

type paymentMethod struct {
	Type              string             `json:"type"`
	ProviderSelection *providerSelection `json:"provider_selection,omitempty"`
	Beneficiary       *beneficiary       `json:"beneficiary,omitempty"`
}

type providerSelection struct {
	Type string `json:"type"`
}

type beneficiary struct {
	Type              string `json:"type"`
	MerchantAccountID string `json:"merchant_account_id,omitempty"`
	Reference         string `json:"reference,omitempty"`
}

type paymentUser struct {
	ID string `json:"id,omitempty"`
}

type paymentResponse struct {
	ID            string    `json:"id"`
	Status        string    `json:"status"`
	ResourceToken string    `json:"resource_token,omitempty"`
	FailureReason string    `json:"failure_reason,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

type errorResponse struct {
	Type    string `json:"type"`
	Title   string `json:"title,omitempty"`
	Detail  string `json:"detail,omitempty"`
	TraceID string `json:"trace_id,omitempty"`
}

// CreatePayment creates a payment resource at the gateway. One idempotency
// key is generated per logical creation and travels with the request so
// transport-level redelivery cannot create duplicate resources. The body is
// marshaled once; the same bytes are signed and sent.
func (c *Client) CreatePayment(ctx context.Context, req *payments.CreateRequest) (*payments.PaymentIntent, error) {
	idempotencyKey := uuid.NewString()

	wireReq := paymentRequest{
		AmountInMinor: req.AmountMinor,
		Currency:      string(req.Currency),
		PaymentMethod: paymentMethod{
			Type:              "bank_transfer",
			ProviderSelection: &providerSelection{Type: "user_selected"},
			Beneficiary: &beneficiary{
				Type:              "merchant_account",
				MerchantAccountID: c.cfg.MerchantAccountID,
				Reference:         req.Reference,
			},
		},
		User: paymentUser{ID: req.UserID},
	}

	body, err := json.Marshal(wireReq)
	if err != nil {
		return nil, fmt.Errorf("marshaling payment request: %w", err)
	}

	signature, err := c.signer.Sign(http.MethodPost, "/payments", []Header{
		{Name: "Idempotency-Key", Value: idempotencyKey},
	}, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", payments.ErrSignatureFailure, err)
	}

	headers := map[string]string{
		"Idempotency-Key": idempotencyKey,
		"Tl-Signature":    signature,
	}

	respBody, err := c.do(ctx, http.MethodPost, "/payments", body, headers)
	if err != nil {
		return nil, err
	}

	var resp paymentResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("decoding create payment response: %w", err)
	}

	intent, err := c.mapResponse(&resp)
	if err != nil {
		return nil, err
	}
	intent.AmountMinor = req.AmountMinor
	intent.Currency = req.Currency

	c.logger.Info("payment created at gateway",
		"payment_id", intent.PaymentID,
		"status", intent.Status,
	)

	return intent, nil
}

// GetPayment fetches the current authoritative state of a payment. Reads
// are bearer-authenticated only; the gateway requires signatures on
// mutating calls alone.
func (c *Client) GetPayment(ctx context.Context, paymentID string) (*payments.PaymentIntent, error) {
	respBody, err := c.do(ctx, http.MethodGet, "/payments/"+paymentID, nil, nil)
	if err != nil {
		return nil, err
	}

	var resp paymentResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("decoding payment status response: %w", err)
	}

	return c.mapResponse(&resp)
}

// do issues one authenticated call. It never retries: retry policy belongs
// to callers, and replays of a creation must reuse the original envelope.
func (c *Client) do(ctx context.Context, method, path string, body []byte, headers map[string]string) ([]byte, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.PaymentsURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("building gateway request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for name, value := range headers {
		req.Header.Set(name, value)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", payments.ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", payments.ErrGatewayUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", payments.ErrNotFound, path)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d: %s", payments.ErrGatewayUnavailable, resp.StatusCode, gatewayError(respBody))
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("%w: status %d: %s", payments.ErrGatewayRejected, resp.StatusCode, gatewayError(respBody))
	}

	return respBody, nil
}

func gatewayError(body []byte) string {
	var er errorResponse
	if err := json.Unmarshal(body, &er); err == nil && er.Title != "" {
		if er.Detail != "" {
			return er.Title + ": " + er.Detail
		}
		return er.Title
	}
	return string(body)
}

// mapResponse maps a gateway payment resource into the local model. Status
// mapping is a closed verbatim table; in particular "failed" maps to
// StatusFailed regardless of failure_reason, which is carried through as
// diagnostic text only.
func (c *Client) mapResponse(resp *paymentResponse) (*payments.PaymentIntent, error) {
	status, err := mapStatus(resp.Status)
	if err != nil {
		return nil, err
	}

	intent := &payments.PaymentIntent{
		PaymentID: resp.ID,
		Status:    status,
		CreatedAt: resp.CreatedAt,
		UpdatedAt: resp.CreatedAt,
	}
	if status == payments.StatusFailed {
		intent.FailureReason = resp.FailureReason
	}
	if status.PreAuthorization() && resp.ResourceToken != "" {
		intent.AuthLink = c.authLink(resp.ID, resp.ResourceToken)
	}
	return intent, nil
}

// Gateway wire statuses.
const (
	statusAuthorizationRequired = "authorization_required"
	statusAuthorizing           = "authorizing"
	statusAuthorized            = "authorized"
	statusExecuted              = "executed"
	statusSettled               = "settled"
	statusFailed                = "failed"
)

func mapStatus(s string) (payments.Status, error) {
	switch s {
	case statusAuthorizationRequired:
		return payments.StatusAwaitingAuthorization, nil
	case statusAuthorizing:
		return payments.StatusAuthorizing, nil
	case statusAuthorized:
		return payments.StatusAuthorized, nil
	case statusExecuted:
		return payments.StatusExecuted, nil
	case statusSettled:
		return payments.StatusSettled, nil
	case statusFailed:
		return payments.StatusFailed, nil
	}
	return "", fmt.Errorf("unknown gateway status %q", s)
}

// authLink builds the hosted authorization page URL from the resource
// token returned at creation.
func (c *Client) authLink(paymentID, resourceToken string) string {
	return fmt.Sprintf("%s/payments#payment_id=%s&resource_token=%s&return_uri=%s",
		c.cfg.HPPURL, paymentID, resourceToken, url.QueryEscape(c.cfg.ReturnURI))
}

var _ payments.Gateway = (*Client)(nil)
