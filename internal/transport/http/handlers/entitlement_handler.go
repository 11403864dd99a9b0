package handlers

import (
	"errors"
	"net/http"

	authsvc "github.com/NelsonGaucho/tfg-plagiarism-sensor/internal/services/auth"
	entsvc "github.com/NelsonGaucho/tfg-plagiarism-sensor/internal/services/entitlements"
	ratesvc "github.com/NelsonGaucho/tfg-plagiarism-sensor/internal/services/rate"
	"github.com/NelsonGaucho/tfg-plagiarism-sensor/internal/transport/http/dto"
	httperrors "github.com/NelsonGaucho/tfg-plagiarism-sensor/internal/transport/http/errors"
)

type EntitlementHandler struct {
	service *entsvc.Service
	limiter *ratesvc.Limiter
}

func NewEntitlementHandler(service *entsvc.Service, limiter *ratesvc.Limiter) *EntitlementHandler {
	return &EntitlementHandler{
		service: service,
		limiter: limiter,
	}
}

func (h *EntitlementHandler) Status(w http.ResponseWriter, r *http.Request) {
	identity, ok := authsvc.IdentityFromContext(r.Context())
	if !ok {
		writeUnauthorized(w, "UNAUTHORIZED", "authentication required")
		return
	}
	if h.service == nil {
		writeInternal(w, "ENTITLEMENTS_SERVICE_UNAVAILABLE", "entitlements service is unavailable")
		return
	}

	status, err := h.service.Status(r.Context(), identity.AccountID)
	if err != nil {
		switch {
		case errors.Is(err, entsvc.ErrValidation):
			writeBadRequest(w, "VALIDATION_ERROR", "invalid credits request")
		default:
			writeInternal(w, "INTERNAL_ERROR", "failed to load credits")
		}
		return
	}

	resp := dto.CreditsStatusResponse{
		HasCredits:     status.HasCredits,
		CreditsCount:   status.CreditsCount,
		HasUnlimited:   status.HasUnlimited,
		UnlimitedUntil: status.UnlimitedUntil,
	}
	if h.limiter != nil {
		// The cooldown is advisory; a limiter read failure leaves it empty
		// instead of failing the status read.
		if retryAfter, err := h.limiter.RetryAfter(r.Context(), identity.AccountID); err == nil {
			resp.ConsumeRetryAfterSec = retryAfter
		}
	}

	httperrors.Write(w, http.StatusOK, resp)
}

// Consume answers 200 with allowed=false on an empty balance. The denial
// is an ordinary business outcome, not a transport error.
func (h *EntitlementHandler) Consume(w http.ResponseWriter, r *http.Request) {
	identity, ok := authsvc.IdentityFromContext(r.Context())
	if !ok {
		writeUnauthorized(w, "UNAUTHORIZED", "authentication required")
		return
	}
	if h.service == nil {
		writeInternal(w, "ENTITLEMENTS_SERVICE_UNAVAILABLE", "entitlements service is unavailable")
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

	result, err := h.service.Consume(r.Context(), identity.AccountID)
	if err != nil {
		switch {
		case errors.Is(err, entsvc.ErrNoBalance):
			httperrors.Write(w, http.StatusOK, dto.ConsumeResponse{Allowed: false})
		case errors.Is(err, entsvc.ErrValidation):
			writeBadRequest(w, "VALIDATION_ERROR", "invalid consume request")
		default:
			writeInternal(w, "INTERNAL_ERROR", "failed to consume credit")
		}
		return
	}

	httperrors.Write(w, http.StatusOK, dto.ConsumeResponse{
		Allowed:          true,
		Unlimited:        result.Unlimited,
		RemainingCredits: result.Remaining,
	})
}
