package payments

import "errors"

// Gateway error taxonomy. The gateway client wraps every failure in exactly
// one of these kinds so callers can decide retry policy with errors.Is.
var (
	// ErrAuthExchangeFailed means the client-credentials exchange was
	// rejected or unreachable. Never retried by the token lease manager.
	ErrAuthExchangeFailed = errors.New("auth exchange failed")

	// ErrSignatureFailure means the request signature could not be
	// produced. The signing key is validated at startup, so this should
	// not occur on a ready service.
	ErrSignatureFailure = errors.New("request signature failure")

	// ErrGatewayRejected is a gateway 4xx: the request is malformed and
	// must not be retried unmodified.
	ErrGatewayRejected = errors.New("gateway rejected request")

	// ErrGatewayUnavailable is a gateway 5xx or transport failure. Safe to
	// retry with backoff at the caller's discretion; the client itself
	// never retries so idempotency-key semantics stay simple.
	ErrGatewayUnavailable = errors.New("gateway unavailable")
)

// ErrNotFound is returned by the store when no record matches.
var ErrNotFound = errors.New("payment not found")

// ErrNotDeletable is returned when deletion is requested for a payment
// whose status gates it out.
var ErrNotDeletable = errors.New("payment not deletable in current status")
