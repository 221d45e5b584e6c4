package truelayer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"paydash/internal/common/money"
	"paydash/internal/payments"
)

func newTestClient(t *testing.T, authURL, paymentsURL string) (*Client, *Signer) {
	t.Helper()

	signer := newTestSigner(t)

	cfg := Config{
		AuthURL:           authURL,
		PaymentsURL:       paymentsURL,
		HPPURL:            "https://payment.example.com",
		ReturnURI:         "https://dashboard.example.com/payments/return",
		ClientID:          "client-1",
		ClientSecret:      "secret-1",
		Scope:             "payments",
		MerchantAccountID: "merchant-1",
		TokenSafetyMargin: 60 * time.Second,
		Timeout:           5 * time.Second,
	}
	return newClient(cfg, signer, discardLogger()), signer
}

func staticTokenServer() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"access_token":"test-token","token_type":"Bearer","expires_in":3600}`)
	}))
}

func TestCreatePayment(t *testing.T) {
	auth := staticTokenServer()
	defer auth.Close()

	var gotIdempotencyKey, gotSignature string
	var gotBody []byte

	gw := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/payments", r.URL.Path)
		require.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))

		gotIdempotencyKey = r.Header.Get("Idempotency-Key")
		gotSignature = r.Header.Get("Tl-Signature")

		var err error
		gotBody, err = io.ReadAll(r.Body)
		require.NoError(t, err)

		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{
			"id": "pay-123",
			"status": "authorization_required",
			"resource_token": "abc",
			"created_at": "2026-08-29T10:00:00Z"
		}`)
	}))
	defer gw.Close()

	client, signer := newTestClient(t, auth.URL, gw.URL)

	intent, err := client.CreatePayment(context.Background(), &payments.CreateRequest{
		AmountMinor: 5000,
		Currency:    money.GBP,
		Reference:   "order-42",
	})
	require.NoError(t, err)

	require.Equal(t, "pay-123", intent.PaymentID)
	require.Equal(t, payments.StatusAwaitingAuthorization, intent.Status)
	require.EqualValues(t, 5000, intent.AmountMinor)
	require.Equal(t, money.GBP, intent.Currency)

	// The hosted authorization link is built from the resource token.
	require.Contains(t, intent.AuthLink, "payment_id=pay-123")
	require.Contains(t, intent.AuthLink, "resource_token=abc")
	require.Contains(t, intent.AuthLink, "return_uri=")

	// The idempotency key is a UUID and part of the signed content.
	_, err = uuid.Parse(gotIdempotencyKey)
	require.NoError(t, err)
	require.NoError(t, signer.Verify(gotSignature, "POST", "/payments",
		[]Header{{Name: "Idempotency-Key", Value: gotIdempotencyKey}}, gotBody))

	// The sent body is the marshaled request, not a re-serialization.
	var wire paymentRequest
	require.NoError(t, json.Unmarshal(gotBody, &wire))
	require.EqualValues(t, 5000, wire.AmountInMinor)
	require.Equal(t, "GBP", wire.Currency)
	require.Equal(t, "merchant_account", wire.PaymentMethod.Beneficiary.Type)
}

func TestCreatePaymentIdempotencyAcrossTransportRetry(t *testing.T) {
	auth := staticTokenServer()
	defer auth.Close()

	// The fake gateway deduplicates on the idempotency key like the real
	// one: the same key always yields the same resource.
	var created atomic.Int64
	resources := make(map[string]string)

	gw := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("Idempotency-Key")
		id, ok := resources[key]
		if !ok {
			created.Add(1)
			id = fmt.Sprintf("pay-%d", created.Load())
			resources[key] = id
		}
		w.WriteHeader(http.StatusCreated)
		fmt.Fprintf(w, `{"id":%q,"status":"authorization_required","resource_token":"tok"}`, id)
	}))
	defer gw.Close()

	client, signer := newTestClient(t, auth.URL, gw.URL)

	// One logical creation: key and signature generated once.
	idempotencyKey := uuid.NewString()
	body := []byte(`{"amount_in_minor":100,"currency":"GBP"}`)
	signature, err := signer.Sign(http.MethodPost, "/payments", []Header{
		{Name: "Idempotency-Key", Value: idempotencyKey},
	}, body)
	require.NoError(t, err)

	headers := map[string]string{
		"Idempotency-Key": idempotencyKey,
		"Tl-Signature":    signature,
	}

	// Simulated transport retry: the identical envelope is delivered twice.
	first, err := client.do(context.Background(), http.MethodPost, "/payments", body, headers)
	require.NoError(t, err)
	second, err := client.do(context.Background(), http.MethodPost, "/payments", body, headers)
	require.NoError(t, err)

	require.Equal(t, int64(1), created.Load())
	require.JSONEq(t, string(first), string(second))
}

func TestGetPaymentStatusMapping(t *testing.T) {
	auth := staticTokenServer()
	defer auth.Close()

	cases := []struct {
		wire          string
		failureReason string
		want          payments.Status
	}{
		{"authorization_required", "", payments.StatusAwaitingAuthorization},
		{"authorizing", "", payments.StatusAuthorizing},
		{"authorized", "", payments.StatusAuthorized},
		{"executed", "", payments.StatusExecuted},
		{"settled", "", payments.StatusSettled},
		{"failed", "authorization_failed", payments.StatusFailed},
		// User abandonment is not reinterpreted: it is failed, verbatim.
		{"failed", "canceled", payments.StatusFailed},
		{"failed", "", payments.StatusFailed},
	}

	for _, tc := range cases {
		t.Run(tc.wire+"/"+tc.failureReason, func(t *testing.T) {
			gw := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				require.Equal(t, http.MethodGet, r.Method)
				require.Equal(t, "/payments/pay-1", r.URL.Path)
				require.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
				// Reads are not signed.
				require.Empty(t, r.Header.Get("Tl-Signature"))

				resp := map[string]string{"id": "pay-1", "status": tc.wire}
				if tc.failureReason != "" {
					resp["failure_reason"] = tc.failureReason
				}
				json.NewEncoder(w).Encode(resp)
			}))
			defer gw.Close()

			client, _ := newTestClient(t, auth.URL, gw.URL)

			intent, err := client.GetPayment(context.Background(), "pay-1")
			require.NoError(t, err)
			require.Equal(t, tc.want, intent.Status)

			if tc.want == payments.StatusFailed {
				require.Equal(t, tc.failureReason, intent.FailureReason)
			} else {
				require.Empty(t, intent.FailureReason)
			}
		})
	}
}

func TestGatewayErrorTaxonomy(t *testing.T) {
	auth := staticTokenServer()
	defer auth.Close()

	t.Run("4xx is GatewayRejected", func(t *testing.T) {
		gw := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"type":"invalid_parameters","title":"Invalid Parameters","detail":"currency not supported"}`)
		}))
		defer gw.Close()

		client, _ := newTestClient(t, auth.URL, gw.URL)
		_, err := client.CreatePayment(context.Background(), &payments.CreateRequest{AmountMinor: 100, Currency: money.GBP})
		require.ErrorIs(t, err, payments.ErrGatewayRejected)
		require.Contains(t, err.Error(), "Invalid Parameters")
	})

	t.Run("5xx is GatewayUnavailable", func(t *testing.T) {
		gw := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "upstream exploded", http.StatusBadGateway)
		}))
		defer gw.Close()

		client, _ := newTestClient(t, auth.URL, gw.URL)
		_, err := client.GetPayment(context.Background(), "pay-1")
		require.ErrorIs(t, err, payments.ErrGatewayUnavailable)
	})

	t.Run("network failure is GatewayUnavailable", func(t *testing.T) {
		gw := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		gw.Close()

		client, _ := newTestClient(t, auth.URL, gw.URL)
		_, err := client.GetPayment(context.Background(), "pay-1")
		require.ErrorIs(t, err, payments.ErrGatewayUnavailable)
	})

	t.Run("404 is NotFound", func(t *testing.T) {
		gw := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, `{"type":"not_found"}`, http.StatusNotFound)
		}))
		defer gw.Close()

		client, _ := newTestClient(t, auth.URL, gw.URL)
		_, err := client.GetPayment(context.Background(), "pay-missing")
		require.ErrorIs(t, err, payments.ErrNotFound)
	})

	t.Run("unknown status is an error", func(t *testing.T) {
		gw := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"id":"pay-1","status":"reversed"}`)
		}))
		defer gw.Close()

		client, _ := newTestClient(t, auth.URL, gw.URL)
		_, err := client.GetPayment(context.Background(), "pay-1")
		require.Error(t, err)
		require.Contains(t, err.Error(), "unknown gateway status")
	})
}
