// Package money provides monetary amounts in minor units.
package money

import (
	"fmt"
)

// Currency represents an ISO 4217 currency code.
type Currency string

const (
	GBP Currency = "GBP"
	EUR Currency = "EUR"
)

// supported is the set of currencies the open-banking network accepts.
var supported = map[Currency]struct{}{
	GBP: {},
	EUR: {},
}

// Supported reports whether the gateway accepts the currency.
func Supported(c Currency) bool {
	_, ok := supported[c]
	return ok
}

// Money represents a monetary amount in minor units (pence, cents).
type Money struct {
	AmountMinor int64    `json:"amount_minor"`
	Currency    Currency `json:"currency"`
}

// New creates a new Money value from minor units.
func New(amountMinor int64, currency Currency) Money {
	return Money{AmountMinor: amountMinor, Currency: currency}
}

// IsPositive returns true if the amount is greater than zero.
func (m Money) IsPositive() bool {
	return m.AmountMinor > 0
}

// String formats the amount for logs, e.g. "5000 GBP".
func (m Money) String() string {
	return fmt.Sprintf("%d %s", m.AmountMinor, m.Currency)
}
