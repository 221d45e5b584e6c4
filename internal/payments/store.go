package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"paydash/internal/common/database"
)

// PostgresStore persists payment intents in the payment_intents table,
// keyed by (owner_id, payment_id) with secondary indexes on status and
// created_at.
type PostgresStore struct {
	db *database.DB
}

// NewPostgresStore creates a new payment intent store.
func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

// Create inserts a new payment intent.
func (s *PostgresStore) Create(ctx context.Context, intent *PaymentIntent) error {
	query := `
		INSERT INTO payment_intents (
			owner_id, payment_id, amount_minor, currency, status,
			auth_link, failure_reason, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err := s.db.Exec(ctx, query,
		intent.OwnerID, intent.PaymentID, intent.AmountMinor, intent.Currency,
		intent.Status, nullableString(intent.AuthLink),
		nullableString(intent.FailureReason),
		intent.CreatedAt, intent.UpdatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("payment %s: %w", intent.PaymentID, database.ErrAlreadyExists)
		}
		return err
	}
	return nil
}

// Get retrieves a payment intent by its composite key.
func (s *PostgresStore) Get(ctx context.Context, ownerID, paymentID string) (*PaymentIntent, error) {
	query := `
		SELECT owner_id, payment_id, amount_minor, currency, status,
		       auth_link, failure_reason, created_at, updated_at
		FROM payment_intents
		WHERE owner_id = $1 AND payment_id = $2
	`

	intent, err := scanIntent(s.db.QueryRow(ctx, query, ownerID, paymentID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, paymentID)
		}
		return nil, err
	}
	return intent, nil
}

// List returns the owner's payment intents, newest first.
func (s *PostgresStore) List(ctx context.Context, ownerID string, limit, offset int) ([]*PaymentIntent, int64, error) {
	query := `
		SELECT owner_id, payment_id, amount_minor, currency, status,
		       auth_link, failure_reason, created_at, updated_at
		FROM payment_intents
		WHERE owner_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := s.db.Query(ctx, query, ownerID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var intents []*PaymentIntent
	for rows.Next() {
		intent, err := scanIntent(rows)
		if err != nil {
			return nil, 0, err
		}
		intents = append(intents, intent)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	var total int64
	countQuery := `SELECT COUNT(*) FROM payment_intents WHERE owner_id = $1`
	if err := s.db.QueryRow(ctx, countQuery, ownerID).Scan(&total); err != nil {
		return nil, 0, err
	}

	return intents, total, nil
}

// UpdateStatus records the gateway's authoritative status. updated_at only
// moves when this is called, so an unchanged status leaves the row alone.
func (s *PostgresStore) UpdateStatus(ctx context.Context, ownerID, paymentID string, status Status, failureReason string, updatedAt time.Time) error {
	query := `
		UPDATE payment_intents
		SET status = $3, failure_reason = $4, updated_at = $5
		WHERE owner_id = $1 AND payment_id = $2
	`

	tag, err := s.db.Exec(ctx, query, ownerID, paymentID, status, nullableString(failureReason), updatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, paymentID)
	}
	return nil
}

// Delete removes a payment intent. The status guard is repeated here so a
// concurrent reconciliation moving the payment past authorization cannot
// race the service-level check.
func (s *PostgresStore) Delete(ctx context.Context, ownerID, paymentID string) error {
	query := `
		DELETE FROM payment_intents
		WHERE owner_id = $1 AND payment_id = $2
		  AND status = ANY($3)
	`

	deletable := []string{
		string(StatusAwaitingAuthorization),
		string(StatusAuthorizing),
		string(StatusFailed),
	}

	tag, err := s.db.Exec(ctx, query, ownerID, paymentID, deletable)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotDeletable, paymentID)
	}
	return nil
}

func scanIntent(row pgx.Row) (*PaymentIntent, error) {
	var p PaymentIntent
	var authLink, failureReason *string

	err := row.Scan(
		&p.OwnerID, &p.PaymentID, &p.AmountMinor, &p.Currency, &p.Status,
		&authLink, &failureReason, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if authLink != nil {
		p.AuthLink = *authLink
	}
	if failureReason != nil {
		p.FailureReason = *failureReason
	}
	return &p, nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
