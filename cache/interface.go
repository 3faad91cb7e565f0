package cache

import (
	"context"
	"time"

	"github.com/sannchesda/hotel-reservation-backend/model"
)

// AvailabilityCache caches availability answers. It is advisory only: admission never reads it.
type AvailabilityCache interface {
	// GetAvailableRooms returns nil rooms on a miss, plus the generation the lookup was made at
	GetAvailableRooms(ctx context.Context, filter model.RoomFilter) ([]model.Room, int64, error)
	// SetAvailableRooms stores rooms under gen. A write for a superseded generation lands on a key nobody reads.
	SetAvailableRooms(ctx context.Context, filter model.RoomFilter, gen int64, rooms []model.Room, ttl time.Duration) error
	// InvalidateAvailability makes every cached answer unreachable
	InvalidateAvailability(ctx context.Context) error

	// Health check
	Ping(ctx context.Context) error
}
