package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/sannchesda/hotel-reservation-backend/config"
	"github.com/sannchesda/hotel-reservation-backend/logger"
	"github.com/sannchesda/hotel-reservation-backend/obs"
)

func main() {
	// Try to load from config.yaml first, fallback to environment variables
	cfg, err := config.Initialise("config.yaml", false)
	if err != nil {
		logger.Warn("config file not found or invalid, using environment variables", zap.Error(err))
		cfg, err = config.Initialise("", true)
		if err != nil {
			logger.Fatal("failed to load configuration", zap.Error(err))
		}
	}

	logger.Set(logger.NewLogger(cfg.Log.Env).With(zap.String("service", "hotel-reservation")))
	defer func() { _ = logger.Sync() }()

	if cfg.Log.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	shutdownTracer, err := obs.InitTracer(context.Background(), cfg.Tracing, cfg.Log.Env)
	if err != nil {
		logger.Fatal("failed to initialize tracing", zap.Error(err))
	}

	// Setup router with all dependencies
	router, cleanup := SetupRouter(cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("starting hotel reservation API", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}
	cleanup()
	if err := shutdownTracer(ctx); err != nil {
		logger.Warn("failed to flush traces", zap.Error(err))
	}

	logger.Info("server exited")
}
