package payments

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"paydash/internal/common/events"
)

// Gateway is the remote payment gateway. Neither operation mutates
// persisted state; the service owns persistence.
type Gateway interface {
	CreatePayment(ctx context.Context, req *CreateRequest) (*PaymentIntent, error)
	GetPayment(ctx context.Context, paymentID string) (*PaymentIntent, error)
}

// Store persists payment intents keyed by (owner_id, payment_id).
type Store interface {
	Create(ctx context.Context, intent *PaymentIntent) error
	Get(ctx context.Context, ownerID, paymentID string) (*PaymentIntent, error)
	List(ctx context.Context, ownerID string, limit, offset int) ([]*PaymentIntent, int64, error)
	UpdateStatus(ctx context.Context, ownerID, paymentID string, status Status, failureReason string, updatedAt time.Time) error
	Delete(ctx context.Context, ownerID, paymentID string) error
}

// Publisher publishes domain events.
type Publisher interface {
	Publish(ctx context.Context, event *events.Event) error
}

// Service is the route-facing entry point: it composes the gateway client,
// the record store and the reconciliation engine.
type Service struct {
	gateway    Gateway
	store      Store
	publisher  Publisher
	reconciler *Reconciler
	logger     *slog.Logger
}

// NewService creates a payments service.
func NewService(gateway Gateway, store Store, publisher Publisher, cfg ReconcileConfig, logger *slog.Logger) *Service {
	return &Service{
		gateway:    gateway,
		store:      store,
		publisher:  publisher,
		reconciler: NewReconciler(gateway, cfg, logger),
		logger:     logger,
	}
}

// CreatePayment creates a payment at the gateway and persists the local
// mirror. The returned intent carries the hosted authorization link the
// end user must visit.
func (s *Service) CreatePayment(ctx context.Context, ownerID string, req *CreateRequest) (*PaymentIntent, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	s.logger.Info("creating payment",
		"owner_id", ownerID,
		"amount_minor", req.AmountMinor,
		"currency", req.Currency,
	)

	intent, err := s.gateway.CreatePayment(ctx, req)
	if err != nil {
		return nil, err
	}
	intent.OwnerID = ownerID

	if err := s.store.Create(ctx, intent); err != nil {
		return nil, fmt.Errorf("storing payment intent: %w", err)
	}

	s.publish(ctx, events.EventPaymentCreated, intent, events.PaymentCreated{
		PaymentID:   intent.PaymentID,
		AmountMinor: intent.AmountMinor,
		Currency:    string(intent.Currency),
		Status:      string(intent.Status),
	})

	return intent, nil
}

// ReconcileOutcome is what ReconcileStatus returns to the route layer.
type ReconcileOutcome struct {
	Intent *PaymentIntent
	// StillPending advises the caller that the status did not change
	// within the retry budget; it is not an error.
	StillPending bool
	Attempts     int
}

// ReconcileStatus re-queries the gateway until the authoritative status
// diverges from the locally cached one, then persists the new state. This
// path blocks for up to MaxAttempts*Interval and is the only writer of
// payment status.
func (s *Service) ReconcileStatus(ctx context.Context, ownerID, paymentID string) (*ReconcileOutcome, error) {
	record, err := s.store.Get(ctx, ownerID, paymentID)
	if err != nil {
		return nil, err
	}

	// Terminal states cannot diverge; skip the gateway round trips.
	if record.Status.IsTerminal() {
		record.AuthLink = record.HostedAuthorizationLink()
		return &ReconcileOutcome{Intent: record}, nil
	}

	result, err := s.reconciler.Reconcile(ctx, paymentID, record.Status)
	if err != nil {
		return nil, err
	}

	if result.Changed {
		now := time.Now().UTC()
		previous := record.Status
		record.Status = result.Intent.Status
		record.FailureReason = result.Intent.FailureReason
		record.UpdatedAt = now

		if err := s.store.UpdateStatus(ctx, ownerID, paymentID, record.Status, record.FailureReason, now); err != nil {
			return nil, fmt.Errorf("updating payment status: %w", err)
		}

		s.publish(ctx, events.EventPaymentStatusChanged, record, events.PaymentStatusChanged{
			PaymentID:     record.PaymentID,
			PreviousState: string(previous),
			Status:        string(record.Status),
			FailureReason: record.FailureReason,
		})
	}

	record.AuthLink = record.HostedAuthorizationLink()

	return &ReconcileOutcome{
		Intent:       record,
		StillPending: result.StillPending,
		Attempts:     result.Attempts,
	}, nil
}

// GetPayment returns the locally cached payment intent.
func (s *Service) GetPayment(ctx context.Context, ownerID, paymentID string) (*PaymentIntent, error) {
	record, err := s.store.Get(ctx, ownerID, paymentID)
	if err != nil {
		return nil, err
	}
	record.AuthLink = record.HostedAuthorizationLink()
	return record, nil
}

// ListPayments returns the owner's payment intents, newest first.
func (s *Service) ListPayments(ctx context.Context, ownerID string, limit, offset int) ([]*PaymentIntent, int64, error) {
	intents, total, err := s.store.List(ctx, ownerID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	for _, intent := range intents {
		intent.AuthLink = intent.HostedAuthorizationLink()
	}
	return intents, total, nil
}

// DeletePayment removes a locally cached intent. Deletion is gated on
// statuses where no money can have moved.
func (s *Service) DeletePayment(ctx context.Context, ownerID, paymentID string) error {
	record, err := s.store.Get(ctx, ownerID, paymentID)
	if err != nil {
		return err
	}
	if !record.Status.Deletable() {
		return fmt.Errorf("%w: status %s", ErrNotDeletable, record.Status)
	}

	if err := s.store.Delete(ctx, ownerID, paymentID); err != nil {
		return err
	}

	s.publish(ctx, events.EventPaymentDeleted, record, events.PaymentDeleted{
		PaymentID: record.PaymentID,
		Status:    string(record.Status),
	})

	return nil
}

// publish emits a domain event. Publish failures are logged, never fatal:
// the gateway remains the source of truth for payment state.
func (s *Service) publish(ctx context.Context, eventType string, intent *PaymentIntent, payload interface{}) {
	if s.publisher == nil {
		return
	}

	event, err := events.NewEvent(eventType, intent.OwnerID, "payment", intent.PaymentID, payload)
	if err != nil {
		s.logger.Error("failed to build event", "type", eventType, "error", err)
		return
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Error("failed to publish event",
			"type", eventType,
			"payment_id", intent.PaymentID,
			"error", err,
		)
	}
}
