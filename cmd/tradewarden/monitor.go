package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"tradewarden/internal/api"
	"tradewarden/internal/audit"
	"tradewarden/internal/config"
	"tradewarden/internal/domain"
	"tradewarden/internal/metrics"
	"tradewarden/internal/observer"
	"tradewarden/internal/orchestrator"
	"tradewarden/internal/persistence"
	"tradewarden/internal/reinforce"
	"tradewarden/internal/status"
)

func newMonitorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "monitor",
		Short: "Run the monitoring and adaptation daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMonitor()
		},
	}
}

func runMonitor() error {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}
	if flagLogLevel == "" {
		applyLogLevel(cfg.LogLevel)
	}
	if flagAddr != "" {
		cfg.API.Addr = flagAddr
	}

	log.Info().
		Str("source_dir", cfg.Observer.SourceDir).
		Str("api_addr", cfg.API.Addr).
		Msg("TradeWarden starting")

	reg := metrics.NewRegistry()

	var rdb *redis.Client
	if cfg.Status.Redis.Enabled {
		rdb = redis.NewClient(&redis.Options{
			Addr: cfg.Status.Redis.Addr,
			DB:   cfg.Status.Redis.DB,
		})
		defer rdb.Close()
	}
	store := status.NewStore(cfg.Status, rdb)

	anomalyLog, err := audit.NewLog(cfg.Auditor.LogDir, cfg.Auditor.LogMaxBytes)
	if err != nil {
		return err
	}
	defer anomalyLog.Close()
	auditor := audit.New(cfg.Auditor, anomalyLog)

	engine := reinforce.NewEngine(cfg.Engine, nil)

	queue := observer.NewRecordQueue(cfg.Observer.QueueCapacity)
	events := make(chan domain.AnomalyEvent, 64)
	source := observer.NewCSVDirSource(cfg.Observer.SourceDir)
	obs := observer.New(cfg.Observer, source, queue, events, reg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var archive *persistence.Store
	if cfg.Database.Enabled {
		archive, err = persistence.Open(ctx, cfg.Database)
		if err != nil {
			return err
		}
		defer archive.Close()
	}

	var trainer orchestrator.Trainer = &orchestrator.NoopTrainer{}
	if cfg.Orchestrator.RetrainScript != "" {
		trainer = &orchestrator.ScriptTrainer{Script: cfg.Orchestrator.RetrainScript}
	}

	orch := orchestrator.New(cfg.Orchestrator, queue, events, auditor, engine, store, trainer, archive, reg)
	srv := api.NewServer(cfg.API, store, orch, reg)

	go func() {
		if err := obs.Run(ctx); err != nil && err != context.Canceled {
			log.Error().Err(err).Msg("Observer exited")
		}
	}()
	go func() {
		if err := orch.Run(ctx); err != nil && err != context.Canceled {
			log.Error().Err(err).Msg("Orchestrator exited")
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("Shutting down")
	case err := <-errCh:
		log.Error().Err(err).Msg("API server failed")
		cancel()
		return err
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("API server shutdown incomplete")
	}

	log.Info().Msg("TradeWarden stopped")
	return nil
}
