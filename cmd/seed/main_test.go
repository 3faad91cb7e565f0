package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sannchesda/hotel-reservation-backend/model"
	"github.com/sannchesda/hotel-reservation-backend/repository/memory"
)

func TestSeedRooms_IsRepeatable(t *testing.T) {
	store := memory.NewStore(time.Second)
	ctx := context.Background()

	created, err := seedRooms(ctx, store, sampleRooms)
	require.NoError(t, err)
	assert.Equal(t, len(sampleRooms), created)

	created, err = seedRooms(ctx, store, sampleRooms)
	require.NoError(t, err)
	assert.Zero(t, created, "existing numbers are skipped")

	rooms, err := store.FindAvailableRooms(ctx, model.RoomFilter{Range: model.MustParseTimeRange("2025-08-10", "2025-08-12")})
	require.NoError(t, err)
	assert.Len(t, rooms, len(sampleRooms))
}

type failingCreator struct{}

func (failingCreator) CreateRoom(context.Context, model.CreateRoomRequest) (*model.Room, error) {
	return nil, errors.New("connection refused")
}

func TestSeedRooms_StopsOnStoreError(t *testing.T) {
	created, err := seedRooms(context.Background(), failingCreator{}, sampleRooms)
	assert.Error(t, err)
	assert.Zero(t, created)
}
