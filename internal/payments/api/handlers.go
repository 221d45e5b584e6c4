package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"paydash/internal/common/api"
	"paydash/internal/common/middleware"
	"paydash/internal/common/money"
	"paydash/internal/payments"
)

// Handler handles payment HTTP requests
type Handler struct {
	service *payments.Service
}

// NewHandler creates a new payments handler
func NewHandler(service *payments.Service) *Handler {
	return &Handler{service: service}
}

// Routes returns the payment routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/", h.CreatePayment)
	r.Get("/", h.ListPayments)
	r.Get("/{paymentID}", h.GetPayment)
	r.Post("/{paymentID}/reconcile", h.ReconcileStatus)
	r.Delete("/{paymentID}", h.DeletePayment)

	return r
}

// CreatePaymentRequest is the API request for creating a payment
type CreatePaymentRequest struct {
	AmountMinor int64  `json:"amount_minor" validate:"required,gt=0"`
	Currency    string `json:"currency" validate:"required,len=3"`
	Reference   string `json:"reference" validate:"max=35"`
}

// CreatePayment handles POST /payments
func (h *Handler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	ownerID := middleware.GetOwnerID(r.Context())
	if ownerID == "" {
		api.Unauthorized(w, "owner ID required")
		return
	}

	var req CreatePaymentRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	svcReq := payments.CreateRequest{
		AmountMinor: req.AmountMinor,
		Currency:    money.Currency(req.Currency),
		Reference:   req.Reference,
		UserID:      ownerID,
	}

	intent, err := h.service.CreatePayment(r.Context(), ownerID, &svcReq)
	if err != nil {
		writeGatewayError(w, err)
		return
	}

	api.WriteData(w, http.StatusCreated, intent)
}

// ReconcileResponse is the API response for a reconciliation run
type ReconcileResponse struct {
	Payment *payments.PaymentIntent `json:"payment"`
	// StillPending signals the UI to offer a manual refresh: the gateway
	// had not converged within the polling budget.
	StillPending bool `json:"still_pending"`
	Attempts     int  `json:"attempts"`
}

// ReconcileStatus handles POST /payments/{paymentID}/reconcile. This is
// the return-from-bank entry point and may block for a few seconds while
// the gateway converges.
func (h *Handler) ReconcileStatus(w http.ResponseWriter, r *http.Request) {
	ownerID := middleware.GetOwnerID(r.Context())
	if ownerID == "" {
		api.Unauthorized(w, "owner ID required")
		return
	}
	paymentID := chi.URLParam(r, "paymentID")

	outcome, err := h.service.ReconcileStatus(r.Context(), ownerID, paymentID)
	if err != nil {
		writeGatewayError(w, err)
		return
	}

	api.WriteData(w, http.StatusOK, ReconcileResponse{
		Payment:      outcome.Intent,
		StillPending: outcome.StillPending,
		Attempts:     outcome.Attempts,
	})
}

// GetPayment handles GET /payments/{paymentID}
func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	ownerID := middleware.GetOwnerID(r.Context())
	if ownerID == "" {
		api.Unauthorized(w, "owner ID required")
		return
	}
	paymentID := chi.URLParam(r, "paymentID")

	intent, err := h.service.GetPayment(r.Context(), ownerID, paymentID)
	if err != nil {
		if errors.Is(err, payments.ErrNotFound) {
			api.NotFound(w, "payment not found")
			return
		}
		api.InternalError(w, "failed to load payment")
		return
	}

	api.WriteData(w, http.StatusOK, intent)
}

// ListPayments handles GET /payments
func (h *Handler) ListPayments(w http.ResponseWriter, r *http.Request) {
	ownerID := middleware.GetOwnerID(r.Context())
	if ownerID == "" {
		api.Unauthorized(w, "owner ID required")
		return
	}

	params := api.GetPaginationParams(r, 50, 200)

	intents, total, err := h.service.ListPayments(r.Context(), ownerID, params.Limit, params.Offset)
	if err != nil {
		api.InternalError(w, "failed to list payments")
		return
	}

	api.WritePaginated(w, intents, &api.Pagination{
		Limit:   params.Limit,
		Offset:  params.Offset,
		Total:   total,
		HasMore: int64(params.Offset+len(intents)) < total,
	})
}

// DeletePayment handles DELETE /payments/{paymentID}
func (h *Handler) DeletePayment(w http.ResponseWriter, r *http.Request) {
	ownerID := middleware.GetOwnerID(r.Context())
	if ownerID == "" {
		api.Unauthorized(w, "owner ID required")
		return
	}
	paymentID := chi.URLParam(r, "paymentID")

	err := h.service.DeletePayment(r.Context(), ownerID, paymentID)
	if err != nil {
		switch {
		case errors.Is(err, payments.ErrNotFound):
			api.NotFound(w, "payment not found")
		case errors.Is(err, payments.ErrNotDeletable):
			api.Conflict(w, "payment cannot be deleted in its current status")
		default:
			api.InternalError(w, "failed to delete payment")
		}
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// writeGatewayError maps the gateway error taxonomy onto HTTP statuses:
// auth/config problems are a bad gateway, transient gateway outages are
// 503 (the client may retry), and gateway 4xx means our request was
// malformed.
func writeGatewayError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, payments.ErrNotFound):
		api.NotFound(w, "payment not found")
	case errors.Is(err, payments.ErrAuthExchangeFailed), errors.Is(err, payments.ErrSignatureFailure):
		api.BadGateway(w, "payment gateway authentication failed")
	case errors.Is(err, payments.ErrGatewayUnavailable):
		api.ServiceUnavailable(w, "payment gateway temporarily unavailable")
	case errors.Is(err, payments.ErrGatewayRejected):
		api.BadRequest(w, "payment gateway rejected the request")
	default:
		api.InternalError(w, "payment operation failed")
	}
}
