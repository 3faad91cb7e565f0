package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/sannchesda/hotel-reservation-backend/admission"
	"github.com/sannchesda/hotel-reservation-backend/config"
	"github.com/sannchesda/hotel-reservation-backend/logger"
	"github.com/sannchesda/hotel-reservation-backend/metrics"
	"github.com/sannchesda/hotel-reservation-backend/obs"
	"github.com/sannchesda/hotel-reservation-backend/payment"
	"github.com/sannchesda/hotel-reservation-backend/repository/postgres"
	"github.com/sannchesda/hotel-reservation-backend/worker"
)

func main() {
	// Load configuration (fallback to env variables if config file not found)
	cfg, err := config.Initialise("config.yaml", false)
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	logger.Set(logger.NewLogger(cfg.Log.Env).With(zap.String("service", "payment-worker")))
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracer, err := obs.InitTracer(ctx, cfg.Tracing, cfg.Log.Env)
	if err != nil {
		logger.Fatal("failed to initialize tracing", zap.Error(err))
	}
	defer func() { _ = shutdownTracer(context.Background()) }()

	repo, err := postgres.NewReservationRepository(&cfg.Database)
	if err != nil {
		logger.Fatal("failed to initialize repository", zap.Error(err))
	}

	m := metrics.Init()
	service := admission.NewService(repo, admission.WithMetrics(m))

	consumer := kafka.NewReader(kafka.ReaderConfig{
		Brokers: cfg.Kafka.Brokers,
		Topic:   cfg.Kafka.BookingTopic,
		GroupID: cfg.Kafka.ConsumerGroup,
	})
	defer consumer.Close()

	simulator := payment.NewSimulator(cfg.Payment.FailureRate, cfg.Payment.Latency())
	processor := worker.NewPaymentProcessor(consumer, service, simulator, cfg.Worker.MaxWorkers, m,
		worker.WithRetry(cfg.Worker.MaxAttempts, cfg.Worker.Backoff()))

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("received shutdown signal, stopping worker")
		cancel()
	}()

	logger.Info("payment worker started",
		zap.Strings("brokers", cfg.Kafka.Brokers),
		zap.String("topic", cfg.Kafka.BookingTopic))
	if err := processor.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("worker error", zap.Error(err))
	}

	logger.Info("worker stopped gracefully")
}
