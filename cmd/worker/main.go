package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/nexus-os/nexus/internal/ai"
	"github.com/nexus-os/nexus/internal/bling"
	"github.com/nexus-os/nexus/internal/config"
	"github.com/nexus-os/nexus/internal/logger"
	"github.com/nexus-os/nexus/internal/mailer"
	"github.com/nexus-os/nexus/internal/server"
	"github.com/nexus-os/nexus/internal/tasks"
	"github.com/nexus-os/nexus/internal/workers"
)

var version = "dev" // Will be set during build with -ldflags

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger.Init(cfg.Logging.Level, cfg.Logging.Format)
	log := logger.GetLogger()

	log.Info().Str("version", version).Msg("Starting Nexus OS worker")

	// Initialize database (reuse server's database initialization)
	srv, err := server.New(cfg, log, version)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize server (needed for DB)")
	}
	db := srv.GetDB()

	// External clients used by tasks
	erp := bling.NewClient(cfg.Bling.APIURL, cfg.Bling.ClientID, cfg.Bling.ClientSecret)
	mail := mailer.New(cfg.Mailer.APIURL, cfg.Mailer.APIKey, cfg.Mailer.FromAddress)
	generator := ai.NewClient(cfg.AI.APIURL, cfg.AI.APIKey, cfg.AI.Model) // nil without an API key

	// Initialize Asynq client (for enqueueing next tasks in chain)
	asynqClient := asynq.NewClient(asynq.RedisClientOpt{
		Addr: cfg.Redis.Address,
	})
	defer asynqClient.Close()

	// Initialize Asynq server
	asynqServer := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr: cfg.Redis.Address,
		},
		asynq.Config{
			Concurrency: 10,
			Queues: map[string]int{
				"critical": 6, // manual syncs and OAuth-triggered first syncs
				"default":  3, // alert computation, email delivery
				"low":      1, // scheduled background syncs
			},
			Logger: &asynqLogger{log: log},
		},
	)

	// Register task handlers
	mux := asynq.NewServeMux()

	mux.HandleFunc(tasks.TypeBlingSync, func(ctx context.Context, t *asynq.Task) error {
		return workers.HandleBlingSync(ctx, t, asynqClient, db, erp, log)
	})
	mux.HandleFunc(tasks.TypeAlertsCompute, func(ctx context.Context, t *asynq.Task) error {
		return workers.HandleAlertsCompute(ctx, t, db, generator, log)
	})
	mux.HandleFunc(tasks.TypeEmailSend, func(ctx context.Context, t *asynq.Task) error {
		return workers.HandleEmailSend(ctx, t, mail, log)
	})

	// Start the periodic sync scheduler
	go workers.StartSyncScheduler(asynqClient, db, log)

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Info().Msg("Starting Asynq worker server...")
		if err := asynqServer.Run(mux); err != nil {
			log.Fatal().Err(err).Msg("Asynq worker server failed")
		}
	}()

	<-sigChan
	log.Info().Msg("Received shutdown signal, shutting down gracefully...")

	asynqServer.Shutdown()

	log.Info().Msg("Worker shutdown complete")
}

// asynqLogger is a wrapper to make zerolog compatible with Asynq's logger interface
type asynqLogger struct {
	log zerolog.Logger
}

func (l *asynqLogger) Debug(args ...interface{}) {
	l.log.Debug().Msg(fmt.Sprint(args...))
}

func (l *asynqLogger) Info(args ...interface{}) {
	l.log.Info().Msg(fmt.Sprint(args...))
}

func (l *asynqLogger) Warn(args ...interface{}) {
	l.log.Warn().Msg(fmt.Sprint(args...))
}

func (l *asynqLogger) Error(args ...interface{}) {
	l.log.Error().Msg(fmt.Sprint(args...))
}

func (l *asynqLogger) Fatal(args ...interface{}) {
	l.log.Fatal().Msg(fmt.Sprint(args...))
}
