package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/xelorn/progressive-discounts/internal/codefilter"
	"github.com/xelorn/progressive-discounts/internal/domain/progression"
	"github.com/xelorn/progressive-discounts/internal/handler"
	"github.com/xelorn/progressive-discounts/internal/shopify"
	"github.com/xelorn/progressive-discounts/internal/storage/postgres"
	"github.com/xelorn/progressive-discounts/pkg/health"
	"github.com/xelorn/progressive-discounts/pkg/httpmiddleware"
)

// Run creates all dependencies, starts the HTTP server, and handles graceful
// shutdown. It is the single wiring point for the application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing", zap.String("addr", cfg.Addr))

	// PostgreSQL pool + migrations.
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	// Health check service.
	healthSvc := health.New()
	healthSvc.AddReadinessCheck("postgres", 5*time.Second, health.PingCheck(pool))
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))
	healthSvc.Start(ctx, 10*time.Second)

	// Storage, gateway, and the progression coordinator.
	ledger := postgres.NewLedgerRepository(pool)
	gateway := shopify.NewClient(shopify.Config{
		Endpoint:    cfg.Shopify.Endpoint,
		AccessToken: cfg.Shopify.AccessToken,
		Timeout:     cfg.Shopify.Timeout,
	})
	coordinator := progression.NewCoordinator(ledger, gateway, progression.Config{
		Reconcile:   cfg.Progression.Reconcile,
		CallTimeout: cfg.Progression.CallTimeout,
	})

	// Tracked-code filter, refreshed from the ledger in the background so
	// webhook deliveries for untracked codes never touch the database.
	codes := codefilter.New(cfg.CodeFilter.Capacity, cfg.CodeFilter.FalsePositive)
	go codes.Run(ctx, cfg.CodeFilter.RefreshInterval, func(ctx context.Context) ([]string, error) {
		return ledger.ActiveCodes(ctx, time.Now())
	})

	// HTTP handlers.
	h := handler.NewHandler(
		handler.Config{WebhookSecret: []byte(cfg.Shopify.WebhookSecret)},
		coordinator,
		ledger,
		gateway,
		codes,
	)

	api := http.NewServeMux()
	h.Register(api)

	mux := http.NewServeMux()
	mux.HandleFunc("/livez", healthSvc.LiveEndpoint)
	mux.HandleFunc("/readyz", healthSvc.ReadyEndpoint)
	mux.Handle("/", otelhttp.NewHandler(api, "disco",
		otelhttp.WithTracerProvider(m.TracerProvider()),
		otelhttp.WithMeterProvider(m.MeterProvider()),
	))

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler: httpmiddleware.Wrap(mux,
			httpmiddleware.Recovery(),
			httpmiddleware.RateLimit(ctx, httpmiddleware.RateLimitConfig{
				Max:    cfg.RateLimit.Max,
				Window: cfg.RateLimit.Window,
			}),
			httpmiddleware.RequestID(),
			httpmiddleware.InjectLogger(zctx.From(ctx)),
			httpmiddleware.LogRequests(),
		),
	}

	healthSvc.SetReady(true)

	// Graceful shutdown: wait for context cancellation, drain, then stop.
	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		healthSvc.Stop()
		close(shutdownDone)
	}()

	lg.Info("Server listening", zap.String("addr", cfg.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "server")
	}
	<-shutdownDone
	return nil
}
