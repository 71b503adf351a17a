package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/tnqbao/gau-workflow-monitor/config"
	"github.com/tnqbao/gau-workflow-monitor/consumer/worker"
	infraPkg "github.com/tnqbao/gau-workflow-monitor/infra"
	"github.com/tnqbao/gau-workflow-monitor/monitor"
	"github.com/tnqbao/gau-workflow-monitor/repository"
)

func main() {
	err := godotenv.Load("../staging.env")
	if err != nil {
		log.Println("No .env file found, continuing with environment variables")
	}

	cfg := config.NewConfig()
	infra := infraPkg.InitInfra(cfg)
	repo := repository.InitRepository(infra)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps := monitor.SubscriberDeps{
		Blob:   infra.Blob,
		Logs:   infraPkg.NewBlobLogReader(infra.Blob),
		Logger: infra.Logger,
	}
	if infra.Produce != nil {
		deps.Notifier = infra.Produce.EmailService
	}
	dispatcher := monitor.NewDispatcher(infra.Logger, infra.Telemetry, monitor.NewSubscribers(cfg.Monitor, deps)...)

	env := cfg.EnvConfig
	reconcilerOpts := monitor.ReconcilerOptions{
		Owner:          env.Monitor.User,
		Interval:       env.Monitor.Interval,
		Lookback:       time.Duration(env.Monitor.LookbackDays) * 24 * time.Hour,
		RunStates:      cfg.Monitor.RunStates,
		TerminalStates: cfg.Monitor.TerminalStates,
		Notify:         true,
		CacheFor:       time.Duration(env.Monitor.MetadataCacheSeconds) * time.Second,
	}
	if infra.Redis != nil {
		hostname, _ := os.Hostname()
		reconcilerOpts.Lease = monitor.NewRedisTickLease(infra.Redis, hostname)
	}
	reconciler := monitor.NewReconciler(infra.Cromwell, repo.JobRepo, dispatcher, reconcilerOpts, infra.Logger, infra.Telemetry)

	// Start Watch Consumer
	var watchConsumer *worker.WatchConsumer
	if infra.RabbitMQ != nil {
		watchConsumer = worker.NewWatchConsumer(infra.RabbitMQ.Channel, infra.Cromwell, repo.JobRepo, dispatcher, monitor.WatcherOptions{
			Interval:  env.Monitor.Interval,
			RunStates: cfg.Monitor.RunStates,
		}, infra.Logger, infra.Telemetry)
		if err := watchConsumer.Start(ctx); err != nil {
			infra.Logger.ErrorWithContextf(ctx, err, "Failed to start Watch consumer: %v", err)
			log.Fatalf("Failed to start Watch consumer: %v", err)
		}
	} else {
		infra.Logger.WarningWithContextf(ctx, "RabbitMQ unavailable, watch requests will not be consumed")
	}

	// Blocks until SIGINT/SIGTERM
	if err := reconciler.Run(ctx); err != nil {
		infra.Logger.ErrorWithContextf(ctx, err, "Reconciler stopped: %v", err)
	}

	infra.Logger.InfoWithContextf(context.Background(), "Shutting down consumer...")
	if watchConsumer != nil {
		watchConsumer.Wait()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	infra.Logger.InfoWithContextf(shutdownCtx, "Consumer exited properly")
	infra.Close(shutdownCtx)
}
