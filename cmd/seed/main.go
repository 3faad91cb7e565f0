package main

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/sannchesda/hotel-reservation-backend/config"
	"github.com/sannchesda/hotel-reservation-backend/logger"
	"github.com/sannchesda/hotel-reservation-backend/model"
	"github.com/sannchesda/hotel-reservation-backend/repository/postgres"
)

// RoomCreator is the part of the reservation store the seeder needs
type RoomCreator interface {
	CreateRoom(ctx context.Context, req model.CreateRoomRequest) (*model.Room, error)
}

// sampleRooms is the starter catalog for a fresh deployment
var sampleRooms = []model.CreateRoomRequest{
	{Number: "101", RoomType: "Standard Room", PriceCents: 8000, Capacity: 2,
		Description: "Comfortable standard room with city view", Amenities: []string{"wifi", "tv"}},
	{Number: "102", RoomType: "Standard Room", PriceCents: 8500, Capacity: 2,
		Description: "Standard room with balcony", Amenities: []string{"wifi", "tv", "balcony"}},
	{Number: "201", RoomType: "Deluxe Room", PriceCents: 12000, Capacity: 3,
		Description: "Spacious deluxe room with ocean view", Amenities: []string{"wifi", "tv", "ocean_view"}},
	{Number: "202", RoomType: "Deluxe Room", PriceCents: 13000, Capacity: 3,
		Description: "Deluxe room with city view and mini bar", Amenities: []string{"wifi", "tv", "minibar"}},
	{Number: "301", RoomType: "Family Suite", PriceCents: 18000, Capacity: 4,
		Description: "Large family suite with kitchenette", Amenities: []string{"wifi", "tv", "kitchenette"}},
	{Number: "302", RoomType: "Family Suite", PriceCents: 20000, Capacity: 4,
		Description: "Premium family suite with ocean view", Amenities: []string{"wifi", "tv", "kitchenette", "ocean_view"}},
	{Number: "401", RoomType: "Presidential Suite", PriceCents: 35000, Capacity: 6,
		Description: "Luxury presidential suite with all amenities", Amenities: []string{"wifi", "tv", "minibar", "jacuzzi", "ocean_view"}},
	{Number: "501", RoomType: "Penthouse", PriceCents: 50000, Capacity: 8,
		Description: "Top floor penthouse with panoramic views", Amenities: []string{"wifi", "tv", "minibar", "jacuzzi", "balcony"}},
}

func main() {
	// Load configuration (fallback to env variables if config file not found)
	cfg, err := config.Initialise("config.yaml", false)
	if err != nil {
		cfg, err = config.Initialise("", true)
		if err != nil {
			logger.Fatal("failed to load configuration", zap.Error(err))
		}
	}

	logger.Set(logger.NewLogger(cfg.Log.Env).With(zap.String("service", "seed")))
	defer func() { _ = logger.Sync() }()

	repo, err := postgres.NewReservationRepository(&cfg.Database)
	if err != nil {
		logger.Fatal("failed to initialize repository", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	created, err := seedRooms(ctx, repo, sampleRooms)
	if err != nil {
		logger.Fatal("failed to seed rooms", zap.Error(err))
	}
	logger.Info("database populated",
		zap.Int("created", created),
		zap.Int("existing", len(sampleRooms)-created))
}

// seedRooms creates every room whose number is not taken yet and reports how many it created
func seedRooms(ctx context.Context, store RoomCreator, rooms []model.CreateRoomRequest) (int, error) {
	created := 0
	for _, req := range rooms {
		room, err := store.CreateRoom(ctx, req)
		if err != nil {
			var verr *model.ValidationError
			if errors.As(err, &verr) && verr.Field == "number" {
				logger.Info("room already exists", zap.String("number", req.Number))
				continue
			}
			return created, err
		}
		created++
		logger.Info("created room",
			zap.String("number", room.Number),
			zap.String("room_type", room.RoomType))
	}
	return created, nil
}
