package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/contentguard/scanner/config"
	"github.com/contentguard/scanner/internal/bootstrap"
	"github.com/contentguard/scanner/pkg/logger"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger.Init(logger.Config{Level: logger.LevelInfo, Service: "scanner"})

	if err := godotenv.Load(); err != nil {
		logger.Debug("no .env file found, using environment variables")
	}

	mode := flag.String("mode", "all", "Run mode: api, fuzzy, all")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config: %v", err)
	}

	switch *mode {
	case "api":
		runAPI(cfg)
	case "fuzzy":
		runFuzzy(cfg)
	case "all":
		go runFuzzy(cfg)
		runAPI(cfg)
	default:
		logger.Fatal("unknown mode: %s", *mode)
	}
}

func runAPI(cfg *config.Config) {
	app, cleanup, err := bootstrap.NewAPI(cfg)
	if err != nil {
		logger.Fatal("failed to initialize api: %v", err)
	}
	defer cleanup()

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down api server (timeout: %v)...", shutdownTimeout)
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		done := make(chan error, 1)
		go func() { done <- app.Shutdown() }()

		select {
		case err := <-done:
			if err != nil {
				logger.Error("error shutting down: %v", err)
			} else {
				logger.Info("api server shut down gracefully")
			}
		case <-ctx.Done():
			logger.Warn("api shutdown timed out, forcing exit")
		}
	}()

	logger.Info("starting api server on %s", cfg.ListenAddr)
	if err := app.Listen(cfg.ListenAddr); err != nil {
		logger.Fatal("failed to start api server: %v", err)
	}
}

func runFuzzy(cfg *config.Config) {
	worker, err := bootstrap.NewFuzzyWorker(cfg)
	if err != nil {
		logger.Fatal("failed to initialize fuzzy worker: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("shutting down fuzzy worker (timeout: %v)...", shutdownTimeout)

		done := make(chan struct{})
		go func() {
			worker.Stop()
			close(done)
		}()

		select {
		case <-done:
			logger.Info("fuzzy worker shut down gracefully")
		case <-time.After(shutdownTimeout):
			logger.Warn("fuzzy worker shutdown timed out, forcing exit")
			os.Exit(1)
		}
	}()

	logger.Info("starting fuzzy worker on %s", cfg.FuzzyListenAddr)
	worker.Start()
}
