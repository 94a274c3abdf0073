// cmd/chaos/main.go
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"libranexus/internal/chaos"
	"libranexus/internal/circulation"
	"libranexus/internal/circulation/memstore"
	"libranexus/internal/circulation/postgres"
	"libranexus/internal/config"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	if err := run(logger); err != nil {
		logger.Error("chaos game day failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var (
		store    circulation.Store
		injector chaos.ConflictInjector
	)
	if cfg.Store == "memory" {
		mem := memstore.New()
		store, injector = mem, mem
	} else {
		db, err := postgres.Open(ctx, cfg.DBDriver, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
		pg := postgres.New(db)
		if err := pg.Migrate(ctx); err != nil {
			return err
		}
		store = pg
	}
	svc := circulation.NewService(store, circulation.WithPolicy(cfg.Policy()), circulation.WithLogger(logger))

	engine := chaos.NewEngine(chaos.WithLogger(logger), chaos.WithPause(5*time.Second))
	if err := chaos.RegisterCirculationExperiments(ctx, engine, svc, injector, 30*time.Second); err != nil {
		return err
	}

	held, err := engine.ExecuteGameDay(ctx, chaos.GameDay{
		Name:      "Weekly Chaos Game Day",
		Date:      time.Now(),
		Scenarios: engine.Experiments(),
	})
	if err != nil {
		return err
	}
	if !held {
		return errors.New("at least one hypothesis was violated")
	}
	return nil
}
