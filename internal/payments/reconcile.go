package payments

import (
	"context"
	"log/slog"
	"time"
)

// ReconcileConfig holds the bounded-retry parameters. The defaults are
// empirically chosen against observed gateway convergence latency
// (typically 0-2.5s after the hosted-authorization redirect) and are
// deliberately tunable per environment.
type ReconcileConfig struct {
	MaxAttempts int           `envconfig:"RECONCILE_MAX_ATTEMPTS" default:"4"`
	Interval    time.Duration `envconfig:"RECONCILE_INTERVAL" default:"800ms"`
}

// ReconcileResult is the outcome of one reconciliation run.
type ReconcileResult struct {
	// Intent is the last state fetched from the gateway.
	Intent *PaymentIntent

	// Changed is true when the gateway status diverged from the last
	// known local status.
	Changed bool

	// Attempts is how many gateway queries were performed.
	Attempts int

	// StillPending is a non-error advisory: the retry budget was
	// exhausted (or the caller cancelled) with no observed change, and
	// the caller may retry later or prompt the user to refresh.
	StillPending bool
}

// Reconciler drives the bounded polling loop against the gateway. There is
// no server-push signal for status convergence, so a small fixed number of
// short-interval polls captures the common case without holding the caller
// for an open-ended duration.
type Reconciler struct {
	gateway Gateway
	cfg     ReconcileConfig
	logger  *slog.Logger

	// sleep waits for d or until ctx is done. Replaceable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewReconciler creates a reconciler over the given gateway.
func NewReconciler(gateway Gateway, cfg ReconcileConfig, logger *slog.Logger) *Reconciler {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 4
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 800 * time.Millisecond
	}
	return &Reconciler{
		gateway: gateway,
		cfg:     cfg,
		logger:  logger,
		sleep:   sleepCtx,
	}
}

// Reconcile polls the gateway until the authoritative status diverges from
// lastKnown or the attempt budget runs out.
//
// A hard gateway error terminates the loop immediately and propagates.
// Cancellation via ctx aborts remaining attempts and returns the last
// fetched state as a pending advisory, not an error.
func (r *Reconciler) Reconcile(ctx context.Context, paymentID string, lastKnown Status) (*ReconcileResult, error) {
	var last *PaymentIntent

	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		intent, err := r.gateway.GetPayment(ctx, paymentID)
		if err != nil {
			return nil, err
		}
		last = intent

		if intent.Status != lastKnown {
			r.logger.Info("payment status converged",
				"payment_id", paymentID,
				"from", lastKnown,
				"to", intent.Status,
				"attempts", attempt,
			)
			return &ReconcileResult{Intent: intent, Changed: true, Attempts: attempt}, nil
		}

		if attempt == r.cfg.MaxAttempts {
			break
		}
		if err := r.sleep(ctx, r.cfg.Interval); err != nil {
			r.logger.Info("reconciliation cancelled",
				"payment_id", paymentID,
				"attempts", attempt,
			)
			return &ReconcileResult{Intent: last, Attempts: attempt, StillPending: true}, nil
		}
	}

	r.logger.Info("payment status unchanged after retry budget",
		"payment_id", paymentID,
		"status", lastKnown,
		"attempts", r.cfg.MaxAttempts,
	)

	return &ReconcileResult{Intent: last, Attempts: r.cfg.MaxAttempts, StillPending: true}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
