package main

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/sannchesda/hotel-reservation-backend/admission"
	"github.com/sannchesda/hotel-reservation-backend/availability"
	"github.com/sannchesda/hotel-reservation-backend/cache/redis"
	"github.com/sannchesda/hotel-reservation-backend/config"
	"github.com/sannchesda/hotel-reservation-backend/logger"
	"github.com/sannchesda/hotel-reservation-backend/metrics"
	"github.com/sannchesda/hotel-reservation-backend/publisher"
	"github.com/sannchesda/hotel-reservation-backend/publisher/kafka"
	"github.com/sannchesda/hotel-reservation-backend/publisher/rabbitmq"
	"github.com/sannchesda/hotel-reservation-backend/repository/postgres"
)

// SetupRouter wires every dependency and returns the engine plus a cleanup for the connections it opened
func SetupRouter(cfg *config.Config) (*gin.Engine, func()) {
	var closers []func()

	// Initialize repository
	repo, err := postgres.NewReservationRepository(&cfg.Database)
	if err != nil {
		logger.Fatal("failed to initialize repository", zap.Error(err))
	}

	m := metrics.Init()
	admissionOpts := []admission.Option{admission.WithMetrics(m)}
	availabilityOpts := []availability.Option{availability.WithMetrics(m)}

	// Initialize cache and distributed lock
	if cfg.Redis.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		client, err := redis.NewClient(ctx, cfg.Redis.GetRedisURL(), cfg.Redis.Password, cfg.Redis.DB)
		cancel()
		if err != nil {
			logger.Fatal("failed to initialize cache", zap.Error(err))
		}
		closers = append(closers, func() { closeRedis(client) })

		availabilityCache := redis.NewRedisCacheRepository(client)
		ttl := time.Duration(cfg.Redis.AvailabilityTTL) * time.Second
		availabilityOpts = append(availabilityOpts, availability.WithCache(availabilityCache, ttl))
		admissionOpts = append(admissionOpts, admission.WithCache(availabilityCache))

		if cfg.Admission.DistributedLock {
			locks := redis.NewLockManager(client, cfg.Admission.LockTTL(), cfg.Admission.LockWait(), cfg.Admission.RetryDelay())
			admissionOpts = append(admissionOpts, admission.WithLocker(locks))
		}
	} else if cfg.Admission.DistributedLock {
		logger.Warn("admission.distributed_lock needs redis.enabled; using database row locks only")
	}

	// Initialize event publisher
	pub := newPublisher(cfg)
	closers = append(closers, func() {
		if err := pub.Close(); err != nil {
			logger.Warn("failed to close publisher", zap.Error(err))
		}
	})
	admissionOpts = append(admissionOpts, admission.WithPublisher(pub))

	// Initialize services and handlers
	bookingService := admission.NewService(repo, admissionOpts...)
	availabilityEngine := availability.NewEngine(repo, availabilityOpts...)
	bookingHandler := NewBookingHandler(bookingService, availabilityEngine, repo)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(CORSMiddleware())
	r.Use(RequestIDMiddleware())
	r.Use(LoggingMiddleware())
	r.Use(MetricsMiddleware(m))

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	registerRoutes(r, bookingHandler)

	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	return r, cleanup
}

func registerRoutes(r *gin.Engine, h *BookingHandler) {
	// Health check endpoint
	r.GET("/health", h.HealthCheck)

	api := r.Group("/api")

	// Booking endpoints
	api.POST("/bookings", h.SubmitBooking)
	api.GET("/bookings/:id", h.GetBooking)
	api.PATCH("/bookings/:id", h.UpdateBooking)
	api.POST("/bookings/:id/cancel", h.CancelBooking)
	api.POST("/bookings/:id/confirm_payment", h.ConfirmPayment)

	// Availability
	api.GET("/rooms/available", h.AvailableRooms)
}

func newPublisher(cfg *config.Config) publisher.Publisher {
	switch cfg.Events.Driver {
	case "kafka":
		return kafka.NewKafkaPublisher(kafka.NewWriter(cfg.Kafka.Brokers, cfg.Kafka.BookingTopic))
	case "rabbitmq":
		p, err := rabbitmq.NewRabbitPublisher(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange)
		if err != nil {
			logger.Fatal("failed to initialize RabbitMQ publisher", zap.Error(err))
		}
		return p
	case "", "none":
		return publisher.Noop{}
	default:
		logger.Fatal("unknown events driver", zap.String("driver", cfg.Events.Driver))
		return nil
	}
}

func closeRedis(client *goredis.Client) {
	if err := client.Close(); err != nil {
		logger.Warn("failed to close redis client", zap.Error(err))
	}
}
