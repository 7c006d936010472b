package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/sempo/ethworker/config"
	"github.com/sempo/ethworker/internal/app"
	"github.com/sempo/ethworker/internal/logging"
	"github.com/sempo/ethworker/internal/tasks"
	"github.com/sempo/ethworker/service"
)

func main() {
	cfg, err := config.ReadConfig("config")
	if err != nil {
		log.Fatalf("fail to load config: %v", err)
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		log.Fatalf("fail to create logger: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("fail to start: %v", err)
	}
	defer application.Close()

	srv := asynq.NewServer(
		app.RedisOpt(cfg.Redis),
		asynq.Config{
			Concurrency: cfg.Worker.Concurrency,
			Queues:      tasks.Queues,
			Logger:      logger.WithField("service", "asynq"),
			LogLevel:    asynq.InfoLevel,
		},
	)

	logger.WithFields(logrus.Fields{
		"redis":       cfg.Redis.Addr(),
		"concurrency": cfg.Worker.Concurrency,
	}).Info("Starting worker")

	// mux maps a type to a handler
	mux := asynq.NewServeMux()
	service.NewWorker(application.Manager, application.Stats, logger).Register(mux)

	if err := srv.Start(mux); err != nil {
		logger.Fatalf("could not run server: %v", err)
	}
	<-ctx.Done()
	logger.Info("shutting down worker")
	srv.Shutdown()
}
