package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sannchesda/hotel-reservation-backend/cache"
	"github.com/sannchesda/hotel-reservation-backend/model"
)

const generationKey = "availability:generation"

type RedisCacheRepository struct {
	client *redis.Client
}

var _ cache.AvailabilityCache = (*RedisCacheRepository)(nil)

// NewClient connects to Redis and checks the connection
func NewClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return client, nil
}

func NewRedisCacheRepository(client *redis.Client) *RedisCacheRepository {
	return &RedisCacheRepository{client: client}
}

// generation is bumped on every committed booking mutation; keys of older generations are never read again
func (r *RedisCacheRepository) generation(ctx context.Context) (int64, error) {
	gen, err := r.client.Get(ctx, generationKey).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, err
	}
	return gen, nil
}

// Cache key generator
func (r *RedisCacheRepository) availabilityKey(gen int64, filter model.RoomFilter) string {
	return fmt.Sprintf("availability:%d:%s", gen, filter.CacheKey())
}

// GetAvailableRooms retrieves a cached availability answer and the generation it was looked up at
func (r *RedisCacheRepository) GetAvailableRooms(ctx context.Context, filter model.RoomFilter) ([]model.Room, int64, error) {
	gen, err := r.generation(ctx)
	if err != nil {
		return nil, 0, err
	}

	data, err := r.client.Get(ctx, r.availabilityKey(gen, filter)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, gen, nil // Cache miss
		}
		return nil, gen, err
	}

	rooms := []model.Room{}
	if err := json.Unmarshal([]byte(data), &rooms); err != nil {
		return nil, gen, err
	}

	return rooms, gen, nil
}

// SetAvailableRooms stores an availability answer under gen, the generation read before the query ran
func (r *RedisCacheRepository) SetAvailableRooms(ctx context.Context, filter model.RoomFilter, gen int64, rooms []model.Room, ttl time.Duration) error {
	if rooms == nil {
		rooms = []model.Room{}
	}
	data, err := json.Marshal(rooms)
	if err != nil {
		return err
	}

	return r.client.Set(ctx, r.availabilityKey(gen, filter), data, ttl).Err()
}

// InvalidateAvailability bumps the generation counter
func (r *RedisCacheRepository) InvalidateAvailability(ctx context.Context) error {
	return r.client.Incr(ctx, generationKey).Err()
}

// Ping checks if Redis is healthy
func (r *RedisCacheRepository) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
