package apiapp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/NelsonGaucho/tfg-plagiarism-sensor/internal/config"
	"github.com/NelsonGaucho/tfg-plagiarism-sensor/internal/infra/stripeclient"
	"github.com/NelsonGaucho/tfg-plagiarism-sensor/internal/jobs/cleanup"
	pgrepo "github.com/NelsonGaucho/tfg-plagiarism-sensor/internal/repo/postgres"
	redrepo "github.com/NelsonGaucho/tfg-plagiarism-sensor/internal/repo/redis"
	authsvc "github.com/NelsonGaucho/tfg-plagiarism-sensor/internal/services/auth"
	"github.com/NelsonGaucho/tfg-plagiarism-sensor/internal/services/catalog"
	entsvc "github.com/NelsonGaucho/tfg-plagiarism-sensor/internal/services/entitlements"
	paymentsvc "github.com/NelsonGaucho/tfg-plagiarism-sensor/internal/services/payments"
	ratesvc "github.com/NelsonGaucho/tfg-plagiarism-sensor/internal/services/rate"
)

type App struct {
	cfg        config.Config
	logger     *zap.Logger
	server     *http.Server
	postgres   *pgxpool.Pool
	redis      *goredis.Client
	httpRouter http.Handler
	cleanupJob *cleanup.Job
	stopJobs   chan struct{}
}

func New(ctx context.Context, cfg config.Config, log *zap.Logger) (*App, error) {
	if log == nil {
		return nil, fmt.Errorf("logger is nil")
	}

	r := chi.NewRouter()
	ApplyMiddlewares(r, log)

	var pool *pgxpool.Pool
	if p, err := pgrepo.NewPool(ctx, cfg.Postgres.DSN); err != nil {
		log.Warn("postgres init failed, continuing in degraded mode", zap.Error(err))
	} else {
		pool = p
	}

	redisClient := redrepo.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	rateRepo := redrepo.NewRateRepo(redisClient)
	entitlementRepo := pgrepo.NewEntitlementRepo(pool)
	paymentIntentRepo := pgrepo.NewPaymentIntentRepo(pool)

	paymentDeps := paymentsvc.Dependencies{
		Plans:   catalog.New(),
		Intents: paymentIntentRepo,
		Ledger:  paymentIntentRepo,
	}
	if provider, err := stripeclient.New(stripeclient.Config{APIKey: cfg.Stripe.APIKey}); err != nil {
		log.Warn("stripe init failed, checkout disabled", zap.Error(err))
	} else {
		paymentDeps.Provider = provider
	}

	coupons := make(map[string]int, len(cfg.Billing.Coupons))
	for _, coupon := range cfg.Billing.Coupons {
		coupons[coupon.Code] = coupon.PercentOff
	}
	paymentService := paymentsvc.NewService(paymentDeps, paymentsvc.Config{
		Currency:      cfg.Billing.Currency,
		WebhookSecret: cfg.Stripe.WebhookSecret,
		Coupons:       coupons,
	})

	entitlementService := entsvc.NewService(entitlementRepo)
	verifier := authsvc.NewVerifier(cfg.Auth.JWTSecret)

	checkoutLimiter := ratesvc.NewLimiter(
		rateRepo,
		ratesvc.ScopeCheckout,
		cfg.Billing.Limits.CheckoutPerMinute,
		cfg.Billing.Limits.CheckoutPer10Sec,
	)
	consumeLimiter := ratesvc.NewLimiter(
		rateRepo,
		ratesvc.ScopeConsume,
		cfg.Billing.Limits.ConsumePerMinute,
		cfg.Billing.Limits.ConsumePer10Sec,
	)

	RegisterRoutes(r, Dependencies{
		PaymentService:     paymentService,
		EntitlementService: entitlementService,
		Verifier:           verifier,
		CheckoutLimiter:    checkoutLimiter,
		ConsumeLimiter:     consumeLimiter,
		Logger:             log,
		Config:             cfg,
	})

	server := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      r,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	return &App{
		cfg:        cfg,
		logger:     log,
		server:     server,
		postgres:   pool,
		redis:      redisClient,
		httpRouter: r,
		cleanupJob: cleanup.New(paymentIntentRepo, 90*24*time.Hour, log),
		stopJobs:   make(chan struct{}),
	}, nil
}

func (a *App) Run() error {
	go a.runCleanupLoop()

	a.logger.Info("api server started", zap.String("addr", a.cfg.HTTP.Addr))
	err := a.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (a *App) runCleanupLoop() {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopJobs:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			if err := a.cleanupJob.Run(ctx); err != nil {
				a.logger.Warn("webhook event cleanup failed", zap.Error(err))
			}
			cancel()
		}
	}
}

func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error

	close(a.stopJobs)
	if err := a.server.Shutdown(ctx); err != nil {
		shutdownErr = err
	}
	if a.postgres != nil {
		a.postgres.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil && shutdownErr == nil {
			shutdownErr = err
		}
	}

	return shutdownErr
}

func (a *App) Handler() http.Handler {
	return a.httpRouter
}
