package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"payrolld/internal/api"
	"payrolld/internal/config"
	"payrolld/internal/gateway"
	"payrolld/internal/payout"
	"payrolld/internal/reconcile"
	"payrolld/internal/scheduler"
	"payrolld/internal/store"
	"payrolld/internal/worker"
)

func main() {
	dotenv := config.LoadDotEnv()

	cfg, err := config.Parse(os.Args[0], os.Args[1:])
	if err != nil {
		log.Fatal().Err(err).Msg("config")
	}

	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(cfg.LogLevel)
	if cfg.LogFormat == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	}
	if !dotenv {
		log.Debug().Msg("no .env file loaded, using process environment")
	}

	db, err := store.Open(store.FileDSN(cfg.DBPath))
	if err != nil {
		log.Fatal().Err(err).Str("db", cfg.DBPath).Msg("open store")
	}
	defer db.Close()
	repo := store.NewSQLiteRepo(db)

	pool := worker.NewPool(cfg.Workers)
	gw := gateway.NewClient(cfg.GatewayURL, cfg.GatewayKey, 30*time.Second)
	svc := scheduler.NewService(repo, payout.NewProcessor(repo, gw, cfg.Currency), pool, cfg.Sweep)
	registry := scheduler.NewRegistry(svc.RunScheduled, pool)
	rc := reconcile.New(repo, reconcile.Config{
		Retries:  cfg.VerifyRetries,
		Interval: cfg.VerifyInterval,
		Mode:     cfg.CreditMode,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Rebuild cron entries before any request can touch the registry.
	automatic, err := repo.ListAutomaticPayrolls(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("load automatic payrolls")
	}
	registry.ResyncAll(automatic)
	registry.Start()

	srv := &http.Server{
		Addr: cfg.Addr,
		Handler: api.NewServer(api.Deps{
			Store:         repo,
			Scheduler:     registry,
			Runner:        svc,
			Reconciler:    rc,
			Provider:      cfg.Provider,
			WebhookSecret: cfg.WebhookSecret,
			Currency:      cfg.Currency,
			Debug:         cfg.Debug,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.Addr).Str("provider", cfg.Provider).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		svc.Start(ctx)
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("shutting down")

		svc.Stop()
		cronDone := registry.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)

		select {
		case <-cronDone.Done():
			pool.Wait()
		case <-shutdownCtx.Done():
			log.Warn().Int("in_flight", pool.InFlight()).Msg("payroll runs still in flight at shutdown")
		}
		return err
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("payrolld exited with an error")
		os.Exit(1)
	}
}
