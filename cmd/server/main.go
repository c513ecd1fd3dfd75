package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Tyrowin/cipherrelay/internal/config"
	"github.com/Tyrowin/cipherrelay/internal/logging"
	"github.com/Tyrowin/cipherrelay/internal/server"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "relay.toml", "path to the TOML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := cfg.Validate(); err != nil {
		if errors.Is(err, config.ErrMissingCredentials) {
			logger.Error("SUPABASE_URL and SUPABASE_SERVICE_ROLE_KEY must be set")
		}
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	if err := run(cfg, logger); err != nil {
		logger.Fatal("relay stopped", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	wired, err := buildDeps(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := wired.store.Close(); err != nil {
			logger.Warn("close store", zap.Error(err))
		}
	}()

	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	}

	hub := server.NewHub(cfg, wired.verifier, wired.store, logger)
	go hub.Run()

	httpServer := server.CreateServer(cfg.Port, server.SetupRoutes(hub))

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.StartServer(httpServer, logger)
	}()

	logger.Info("relay started",
		zap.String("addr", cfg.Port),
		zap.String("identity_provider", cfg.Identity.Provider),
		zap.String("store_driver", cfg.Store.Driver))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case err := <-errCh:
		_ = hub.Shutdown(shutdownTimeout)
		return err
	case sig := <-sigCh:
		logger.Info("received signal", zap.String("signal", sig.String()))
	}

	if err := server.ShutdownServer(httpServer, shutdownTimeout, logger); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	if err := hub.Shutdown(shutdownTimeout); err != nil {
		logger.Warn("hub shutdown", zap.Error(err))
	}
	return nil
}
