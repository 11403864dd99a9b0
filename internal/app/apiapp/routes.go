package apiapp

import (
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/NelsonGaucho/tfg-plagiarism-sensor/internal/config"
	authsvc "github.com/NelsonGaucho/tfg-plagiarism-sensor/internal/services/auth"
	entsvc "github.com/NelsonGaucho/tfg-plagiarism-sensor/internal/services/entitlements"
	paymentsvc "github.com/NelsonGaucho/tfg-plagiarism-sensor/internal/services/payments"
	ratesvc "github.com/NelsonGaucho/tfg-plagiarism-sensor/internal/services/rate"
	"github.com/NelsonGaucho/tfg-plagiarism-sensor/internal/transport/http/handlers"
)

type Dependencies struct {
	PaymentService     *paymentsvc.Service
	EntitlementService *entsvc.Service
	Verifier           *authsvc.Verifier
	CheckoutLimiter    *ratesvc.Limiter
	ConsumeLimiter     *ratesvc.Limiter
	Logger             *zap.Logger
	Config             config.Config
}

func RegisterRoutes(r chi.Router, deps Dependencies) {
	healthHandler := handlers.NewHealthHandler()
	paymentHandler := handlers.NewPaymentHandler(deps.PaymentService, deps.CheckoutLimiter, deps.Logger)
	entitlementHandler := handlers.NewEntitlementHandler(deps.EntitlementService, deps.ConsumeLimiter)
	authMW := AuthMiddleware(deps.Verifier, deps.Logger)

	r.Get("/healthz", healthHandler.Handle)

	r.Route("/v1", func(r chi.Router) {
		// Webhook authenticates by provider signature, not by bearer token.
		r.Post("/payments/webhook", paymentHandler.Webhook)

		r.Group(func(r chi.Router) {
			r.Use(authMW)
			r.Post("/payments/intent", paymentHandler.CreateIntent)
			r.Get("/credits", entitlementHandler.Status)
			r.Post("/credits/consume", entitlementHandler.Consume)
		})
	})
}
