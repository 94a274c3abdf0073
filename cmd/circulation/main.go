// cmd/circulation/main.go
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"

	"libranexus/internal/auth"
	"libranexus/internal/cart"
	"libranexus/internal/circulation"
	"libranexus/internal/circulation/memstore"
	"libranexus/internal/circulation/postgres"
	"libranexus/internal/clients"
	"libranexus/internal/config"
	"libranexus/internal/notify"
	"libranexus/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		slog.Error("circulation service stopped", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.OTLPEndpoint, "circulation")
	if err != nil {
		return err
	}
	defer shutdownTracing(context.Background())

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	opts := []circulation.Option{
		circulation.WithPolicy(cfg.Policy()),
		circulation.WithLogger(logger),
		circulation.WithMeter(otel.Meter("libranexus/circulation")),
	}
	if cfg.CatalogServiceURL != "" {
		opts = append(opts, circulation.WithDeposits(clients.NewCatalogClient(cfg.CatalogServiceURL)))
	}
	if cfg.NATSURL != "" {
		conn, err := notify.Connect(cfg.NATSURL, logger)
		if err != nil {
			return err
		}
		defer conn.Drain()
		opts = append(opts, circulation.WithNotifier(notify.NewNATSNotifier(conn, logger)))
	}
	svc := circulation.NewService(store, opts...)

	carts, closeCarts, err := openCarts(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeCarts()

	router := chi.NewRouter()
	router.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	router.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	router.Group(func(r chi.Router) {
		r.Use(auth.Middleware([]byte(cfg.JWTSecret)))
		circulation.NewHandler(svc,
			circulation.WithHandlerLogger(logger),
			circulation.WithCheckoutRateLimit(cfg.CheckoutRateLimit, 5),
		).Routes(r)
		cart.NewHandler(carts, svc, logger).Routes(r)
	})

	if cfg.SweeperEnabled {
		sweeper := circulation.NewSweeper(svc, cfg.SweepInterval, logger)
		if err := sweeper.Start(ctx); err != nil {
			return err
		}
		defer func() { <-sweeper.Stop().Done() }()
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting circulation service", "port", cfg.Port, "store", cfg.Store)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (circulation.Store, func(), error) {
	if cfg.Store == "memory" {
		logger.Warn("using in-memory store, state is lost on restart")
		return memstore.New(), func() {}, nil
	}
	db, err := postgres.Open(ctx, cfg.DBDriver, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	store := postgres.New(db)
	if err := store.Migrate(ctx); err != nil {
		db.Close()
		return nil, nil, err
	}
	return store, func() { db.Close() }, nil
}

func openCarts(ctx context.Context, cfg *config.Config) (cart.Store, func(), error) {
	if cfg.RedisURL == "" {
		return cart.NewMemoryStore(), func() {}, nil
	}
	client, err := cart.Connect(ctx, cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	return cart.NewRedisStore(client, cart.DefaultTTL), func() { client.Close() }, nil
}
