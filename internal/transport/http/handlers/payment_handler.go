package handlers

import (
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	authsvc "github.com/NelsonGaucho/tfg-plagiarism-sensor/internal/services/auth"
	"github.com/NelsonGaucho/tfg-plagiarism-sensor/internal/services/catalog"
	paymentsvc "github.com/NelsonGaucho/tfg-plagiarism-sensor/internal/services/payments"
	ratesvc "github.com/NelsonGaucho/tfg-plagiarism-sensor/internal/services/rate"
	"github.com/NelsonGaucho/tfg-plagiarism-sensor/internal/transport/http/dto"
	httperrors "github.com/NelsonGaucho/tfg-plagiarism-sensor/internal/transport/http/errors"
)

// maxWebhookBody caps the raw webhook payload before signature checking.
const maxWebhookBody = 64 << 10

type PaymentHandler struct {
	service *paymentsvc.Service
	limiter *ratesvc.Limiter
	log     *zap.Logger
}

func NewPaymentHandler(service *paymentsvc.Service, limiter *ratesvc.Limiter, log *zap.Logger) *PaymentHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &PaymentHandler{
		service: service,
		limiter: limiter,
		log:     log,
	}
}

func (h *PaymentHandler) CreateIntent(w http.ResponseWriter, r *http.Request) {
	identity, ok := authsvc.IdentityFromContext(r.Context())
	if !ok {
		writeUnauthorized(w, "UNAUTHORIZED", "authentication required")
		return
	}
	if h.service == nil {
		writeInternal(w, "PAYMENTS_SERVICE_UNAVAILABLE", "payments service is unavailable")
		return
	}

	if h.limiter != nil {
		retryAfter, allowed, err := h.limiter.Allow(r.Context(), identity.AccountID)
		if err != nil {
			writeInternal(w, "INTERNAL_ERROR", "failed to check rate limit")
			return
		}
		if !allowed {
			httperrors.WriteRateLimited(w, retryAfter)
			return
		}
	}

	var req dto.PaymentIntentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, "INVALID_REQUEST", "invalid request body")
		return
	}

	result, err := h.service.IssueIntent(r.Context(), identity.AccountID, req.PlanID, req.CouponCode)
	if err != nil {
		switch {
		case errors.Is(err, catalog.ErrUnknownPlan):
			writeBadRequest(w, "UNKNOWN_PLAN", "unknown plan id")
		case errors.Is(err, paymentsvc.ErrInvalidCoupon):
			writeBadRequest(w, "INVALID_COUPON", "coupon code is not valid")
		case errors.Is(err, paymentsvc.ErrValidation):
			writeBadRequest(w, "VALIDATION_ERROR", "invalid payment intent payload")
		case errors.Is(err, paymentsvc.ErrProvider):
			httperrors.Write(w, http.StatusBadGateway, httperrors.APIError{
				Code:    "PROVIDER_ERROR",
				Message: "payment provider rejected the request",
			})
		case errors.Is(err, paymentsvc.ErrLedgerWrite):
			h.log.Error("payment intent issued but not recorded", zap.Error(err))
			writeInternal(w, "LEDGER_WRITE_FAILED", "failed to record payment intent")
		default:
			writeInternal(w, "INTERNAL_ERROR", "failed to create payment intent")
		}
		return
	}

	httperrors.Write(w, http.StatusOK, dto.PaymentIntentResponse{
		ProviderIntentID: result.ProviderIntentID,
		ClientSecret:     result.ClientSecret,
		PlanID:           result.PlanID,
		Amount:           result.Amount,
		Currency:         result.Currency,
	})
}

// Webhook reads the raw body before any decoding because the provider
// signature covers the exact bytes on the wire. Transient failures answer
// 503 so the provider redelivers; permanent ones answer 400 so it stops.
func (h *PaymentHandler) Webhook(w http.ResponseWriter, r *http.Request) {
	if h.service == nil {
		writeInternal(w, "PAYMENTS_SERVICE_UNAVAILABLE", "payments service is unavailable")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBody)
	rawBody, err := io.ReadAll(r.Body)
	if err != nil {
		writeBadRequest(w, "INVALID_REQUEST", "unreadable webhook body")
		return
	}

	result, err := h.service.Reconcile(r.Context(), rawBody, r.Header.Get("Stripe-Signature"))
	if err != nil {
		switch {
		case errors.Is(err, paymentsvc.ErrInvalidSignature):
			writeBadRequest(w, "INVALID_SIGNATURE", "webhook signature verification failed")
		case errors.Is(err, paymentsvc.ErrMalformedEvent):
			h.log.Warn("webhook event rejected",
				zap.String("event_id", result.EventID),
				zap.String("provider_intent_id", result.ProviderIntentID),
				zap.Error(err),
			)
			writeBadRequest(w, "MALFORMED_EVENT", "webhook event cannot be processed")
		default:
			h.log.Error("webhook processing failed, expecting redelivery",
				zap.String("event_id", result.EventID),
				zap.Error(err),
			)
			httperrors.Write(w, http.StatusServiceUnavailable, httperrors.APIError{
				Code:    "TEMPORARILY_UNAVAILABLE",
				Message: "event could not be processed, retry later",
			})
		}
		return
	}

	httperrors.Write(w, http.StatusOK, dto.WebhookAckResponse{
		Received:  true,
		Applied:   result.Applied,
		Duplicate: result.Duplicate,
		EventID:   result.EventID,
	})
}
