package availability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/sannchesda/hotel-reservation-backend/cache"
	"github.com/sannchesda/hotel-reservation-backend/logger"
	"github.com/sannchesda/hotel-reservation-backend/metrics"
	"github.com/sannchesda/hotel-reservation-backend/model"
	"github.com/sannchesda/hotel-reservation-backend/obs"
)

const defaultCacheTTL = 30 * time.Second

// RoomFinder runs the availability predicate against committed state
type RoomFinder interface {
	FindAvailableRooms(ctx context.Context, filter model.RoomFilter) ([]model.Room, error)
}

// Engine answers "which rooms are free for this range". It takes no locks and never writes bookings.
type Engine struct {
	store   RoomFinder
	cache   cache.AvailabilityCache
	ttl     time.Duration
	metrics *metrics.Metrics
	log     *zap.Logger
	tracer  trace.Tracer
}

type Option func(*Engine)

// WithCache serves repeated queries from c for ttl
func WithCache(c cache.AvailabilityCache, ttl time.Duration) Option {
	return func(e *Engine) {
		e.cache = c
		if ttl > 0 {
			e.ttl = ttl
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.log = l }
}

func NewEngine(store RoomFinder, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		ttl:    defaultCacheTTL,
		log:    logger.Get(),
		tracer: obs.Tracer(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// FindAvailable returns every room with no confirmed booking overlapping filter.Range, ordered by room number
func (e *Engine) FindAvailable(ctx context.Context, filter model.RoomFilter) ([]model.Room, error) {
	ctx, span := e.tracer.Start(ctx, "availability.FindAvailable", trace.WithAttributes(
		attribute.String("range", filter.Range.String()),
	))
	defer span.End()

	filter.Range = model.NewTimeRange(filter.Range.Start, filter.Range.End)
	if err := filter.Validate(); err != nil {
		return nil, err
	}

	// the answer is only cached under the generation seen before the read
	cacheable := false
	var gen int64
	if e.cache != nil {
		rooms, g, err := e.cache.GetAvailableRooms(ctx, filter)
		switch {
		case err != nil:
			// a broken cache degrades to a direct read
			e.count("error")
			e.log.Warn("availability cache read failed", zap.Error(err))
		case rooms != nil:
			e.count("hit")
			span.SetAttributes(attribute.Bool("cache_hit", true))
			return rooms, nil
		default:
			e.count("miss")
			gen, cacheable = g, true
		}
	}

	rooms, err := e.store.FindAvailableRooms(ctx, filter)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if rooms == nil {
		rooms = []model.Room{}
	}

	if cacheable {
		if err := e.cache.SetAvailableRooms(ctx, filter, gen, rooms, e.ttl); err != nil {
			e.log.Warn("availability cache write failed", zap.Error(err))
		}
	}
	span.SetAttributes(attribute.Int("rooms", len(rooms)))
	return rooms, nil
}

func (e *Engine) count(result string) {
	if e.metrics != nil {
		e.metrics.AvailabilityCacheTotal.WithLabelValues(result).Inc()
	}
}
