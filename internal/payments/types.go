// Package payments provides the open-banking payment integration core:
// payment creation against the remote gateway and status reconciliation
// after the user returns from the hosted authorization flow.
package payments

import (
	"errors"
	"time"

	"paydash/internal/common/money"
)

// Status represents the gateway-authoritative payment status.
//
// The enumeration is closed: the gateway does not reliably distinguish
// user abandonment from hard failure, so both surface as StatusFailed and
// no local-only states are introduced.
type Status string

const (
	StatusAwaitingAuthorization Status = "AWAITING_AUTHORIZATION"
	StatusAuthorizing           Status = "AUTHORIZING"
	StatusAuthorized            Status = "AUTHORIZED"
	StatusExecuted              Status = "EXECUTED"
	StatusSettled               Status = "SETTLED"
	StatusFailed                Status = "FAILED"
)

// Valid reports whether s is a member of the status enumeration.
func (s Status) Valid() bool {
	switch s {
	case StatusAwaitingAuthorization, StatusAuthorizing, StatusAuthorized,
		StatusExecuted, StatusSettled, StatusFailed:
		return true
	}
	return false
}

// IsTerminal returns true when no further gateway transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusSettled || s == StatusFailed
}

// PreAuthorization reports whether the hosted authorization link is still
// usable. Once the payment moves past authorization the link is stale.
func (s Status) PreAuthorization() bool {
	return s == StatusAwaitingAuthorization || s == StatusAuthorizing
}

// Deletable statuses. Deletion is gated on states where no money can move:
// nothing authorized yet, or the payment already failed.
func (s Status) Deletable() bool {
	return s == StatusAwaitingAuthorization || s == StatusAuthorizing || s == StatusFailed
}

// PaymentIntent mirrors a payment resource owned by the remote gateway.
//
// It is created once via the gateway client and mutated only by the
// reconciliation engine as the gateway's authoritative state is learned.
type PaymentIntent struct {
	OwnerID       string         `json:"owner_id"`
	PaymentID     string         `json:"payment_id"`
	AmountMinor   int64          `json:"amount_minor"`
	Currency      money.Currency `json:"currency"`
	Status        Status         `json:"status"`
	AuthLink      string         `json:"auth_link,omitempty"`
	FailureReason string         `json:"failure_reason,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// HostedAuthorizationLink returns the link the end user must visit, or ""
// once the payment has moved past the authorization phase.
func (p *PaymentIntent) HostedAuthorizationLink() string {
	if !p.Status.PreAuthorization() {
		return ""
	}
	return p.AuthLink
}

// CreateRequest is a request to create a payment at the gateway.
type CreateRequest struct {
	AmountMinor int64          `json:"amount_minor" validate:"required,gt=0"`
	Currency    money.Currency `json:"currency" validate:"required"`
	Reference   string         `json:"reference,omitempty" validate:"max=35"`
	UserID      string         `json:"user_id,omitempty"`
}

// Validate checks gateway-level constraints before any network call.
func (r *CreateRequest) Validate() error {
	if r.AmountMinor <= 0 {
		return errors.New("amount_minor must be positive")
	}
	if !money.Supported(r.Currency) {
		return errors.New("unsupported currency: " + string(r.Currency))
	}
	return nil
}
