package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/sannchesda/hotel-reservation-backend/config"
	"github.com/sannchesda/hotel-reservation-backend/lock"
	"github.com/sannchesda/hotel-reservation-backend/model"
	"github.com/sannchesda/hotel-reservation-backend/repository"
)

// overlapPredicate is the half-open overlap test used by both the pre-write check and availability.
// Arguments are (range end, range start).
func overlapPredicate(alias string) string {
	if alias != "" {
		alias += "."
	}
	return alias + "check_in < ? AND " + alias + "check_out > ?"
}

type PostgresReservationRepository struct {
	db          *gorm.DB
	lockTimeout time.Duration
}

var _ repository.ReservationStore = (*PostgresReservationRepository)(nil)

// NewReservationRepository connects, sizes the pool and applies migrations when enabled
func NewReservationRepository(cfg *config.Database) (*PostgresReservationRepository, error) {
	db, err := gorm.Open(postgres.Open(cfg.GetDatabaseURL()), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetime) * time.Minute)

	if cfg.AutoMigrate {
		if err := RunMigrations(sqlDB); err != nil {
			return nil, err
		}
	}

	return &PostgresReservationRepository{db: db, lockTimeout: cfg.LockTimeout()}, nil
}

// NewWithDB wraps an existing connection
func NewWithDB(db *gorm.DB, lockTimeout time.Duration) *PostgresReservationRepository {
	return &PostgresReservationRepository{db: db, lockTimeout: lockTimeout}
}

// WithinTx runs fn in one database transaction with a bounded lock wait
func (r *PostgresReservationRepository) WithinTx(ctx context.Context, fn func(tx repository.ReservationTx) error) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if r.lockTimeout > 0 {
			stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", r.lockTimeout.Milliseconds())
			if err := tx.Exec(stmt).Error; err != nil {
				return fmt.Errorf("failed to set lock timeout: %w", err)
			}
		}
		return fn(&gormTx{db: tx})
	})
	return classify(err)
}

// GetBookingByID retrieves a booking by its ID
func (r *PostgresReservationRepository) GetBookingByID(ctx context.Context, bookingID string) (*model.Booking, error) {
	var booking model.Booking
	err := r.db.WithContext(ctx).Where("id = ?", bookingID).First(&booking).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, model.ErrBookingNotFound
		}
		return nil, fmt.Errorf("failed to get booking: %w", classify(err))
	}

	return &booking, nil
}

// GetBookingByToken retrieves the booking a submission token produced
func (r *PostgresReservationRepository) GetBookingByToken(ctx context.Context, token string) (*model.Booking, error) {
	return bookingByToken(r.db.WithContext(ctx), token)
}

func bookingByToken(db *gorm.DB, token string) (*model.Booking, error) {
	var booking model.Booking
	err := db.Where("submission_token = ?", token).First(&booking).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, model.ErrBookingNotFound
		}
		return nil, fmt.Errorf("failed to get booking by token: %w", classify(err))
	}

	return &booking, nil
}

func (r *PostgresReservationRepository) GetPaymentByBookingID(ctx context.Context, bookingID string) (*model.Payment, error) {
	var payment model.Payment
	err := r.db.WithContext(ctx).Where("booking_id = ?", bookingID).First(&payment).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, model.ErrPaymentNotFound
		}
		return nil, fmt.Errorf("failed to get payment: %w", classify(err))
	}

	return &payment, nil
}

// FindAvailableRooms lists rooms with no confirmed booking overlapping the range.
// It is a single statement, so it reads one snapshot and takes no row locks.
func (r *PostgresReservationRepository) FindAvailableRooms(ctx context.Context, filter model.RoomFilter) ([]model.Room, error) {
	var rooms []model.Room

	query := r.db.WithContext(ctx).Model(&model.Room{}).
		Where("NOT EXISTS (SELECT 1 FROM bookings b WHERE b.room_id = rooms.id AND b.status = ? AND "+overlapPredicate("b")+")",
			model.BookingConfirmed, filter.Range.End, filter.Range.Start)

	if filter.MaxPrice != nil {
		query = query.Where("price_cents <= ?", *filter.MaxPrice)
	}
	if filter.MinCapacity > 0 {
		query = query.Where("capacity >= ?", filter.MinCapacity)
	}
	if len(filter.Amenities) > 0 {
		query = query.Where("amenities && ?", pq.Array(filter.Amenities))
	}

	if err := query.Order("number ASC").Find(&rooms).Error; err != nil {
		return nil, fmt.Errorf("failed to find available rooms: %w", classify(err))
	}

	return rooms, nil
}

func (r *PostgresReservationRepository) GetRoom(ctx context.Context, roomID string) (*model.Room, error) {
	var room model.Room
	err := r.db.WithContext(ctx).Where("id = ?", roomID).First(&room).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, model.ErrRoomNotFound
		}
		return nil, fmt.Errorf("failed to get room: %w", classify(err))
	}

	return &room, nil
}

func (r *PostgresReservationRepository) CreateRoom(ctx context.Context, req model.CreateRoomRequest) (*model.Room, error) {
	capacity := req.Capacity
	if capacity <= 0 {
		capacity = 1
	}
	amenities := req.Amenities
	if amenities == nil {
		amenities = []string{}
	}

	room := &model.Room{
		ID:          uuid.NewString(),
		Number:      req.Number,
		RoomType:    req.RoomType,
		PriceCents:  req.PriceCents,
		Capacity:    capacity,
		Description: req.Description,
		Amenities:   amenities,
	}

	if err := r.db.WithContext(ctx).Create(room).Error; err != nil {
		return nil, fmt.Errorf("failed to create room: %w", classify(err))
	}

	return room, nil
}

// CreateGuest returns the existing guest for the email, or registers a new one
func (r *PostgresReservationRepository) CreateGuest(ctx context.Context, req model.CreateGuestRequest) (*model.Guest, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	guest := &model.Guest{}

	err := r.db.WithContext(ctx).
		Where(model.Guest{Email: email}).
		Attrs(model.Guest{ID: uuid.NewString(), FullName: req.FullName, Phone: req.Phone}).
		FirstOrCreate(guest).Error
	if err != nil {
		return nil, fmt.Errorf("failed to create guest: %w", classify(err))
	}

	return guest, nil
}

// Ping checks database connectivity for health checks
func (r *PostgresReservationRepository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// gormTx is a ReservationTx bound to one open transaction
type gormTx struct {
	db *gorm.DB
}

var _ repository.ReservationTx = (*gormTx)(nil)

// LockRooms takes FOR UPDATE row locks one room at a time in ascending id order
func (t *gormTx) LockRooms(ctx context.Context, roomIDs ...string) ([]model.Room, error) {
	ids := lock.SortedUnique(roomIDs)
	rooms := make([]model.Room, 0, len(ids))

	for _, id := range ids {
		var room model.Room
		err := t.db.WithContext(ctx).
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", id).
			Take(&room).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, model.ErrRoomNotFound
			}
			return nil, fmt.Errorf("failed to lock room %s: %w", id, classify(err))
		}
		rooms = append(rooms, room)
	}

	return rooms, nil
}

func (t *gormTx) LockBooking(ctx context.Context, bookingID string) (*model.Booking, error) {
	var booking model.Booking
	err := t.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", bookingID).
		Take(&booking).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, model.ErrBookingNotFound
		}
		return nil, fmt.Errorf("failed to lock booking: %w", classify(err))
	}

	return &booking, nil
}

func (t *gormTx) GetBookingByToken(ctx context.Context, token string) (*model.Booking, error) {
	return bookingByToken(t.db.WithContext(ctx), token)
}

func (t *gormTx) FindOverlapping(ctx context.Context, roomID string, r model.TimeRange, excludeBookingID string) ([]model.Booking, error) {
	var bookings []model.Booking

	query := t.db.WithContext(ctx).
		Where("room_id = ? AND status = ?", roomID, model.BookingConfirmed).
		Where(overlapPredicate(""), r.End, r.Start)
	if excludeBookingID != "" {
		query = query.Where("id <> ?", excludeBookingID)
	}

	if err := query.Order("check_in ASC").Find(&bookings).Error; err != nil {
		return nil, fmt.Errorf("failed to query overlapping bookings: %w", classify(err))
	}

	return bookings, nil
}

func (t *gormTx) InsertBooking(ctx context.Context, booking *model.Booking, payment *model.Payment) error {
	if booking.ID == "" {
		booking.ID = uuid.NewString()
	}
	if err := t.db.WithContext(ctx).Create(booking).Error; err != nil {
		return fmt.Errorf("failed to create booking: %w", classify(err))
	}

	if payment == nil {
		return nil
	}
	if payment.ID == "" {
		payment.ID = uuid.NewString()
	}
	payment.BookingID = booking.ID
	if err := t.db.WithContext(ctx).Create(payment).Error; err != nil {
		return fmt.Errorf("failed to create payment: %w", classify(err))
	}

	return nil
}

func (t *gormTx) UpdateBooking(ctx context.Context, booking *model.Booking) error {
	updates := map[string]interface{}{
		"room_id":     booking.RoomID,
		"check_in":    booking.CheckIn,
		"check_out":   booking.CheckOut,
		"total_cents": booking.TotalCents,
		"status":      booking.Status,
		"updated_at":  time.Now().UTC(),
	}

	result := t.db.WithContext(ctx).Model(&model.Booking{}).Where("id = ?", booking.ID).Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to update booking: %w", classify(result.Error))
	}
	if result.RowsAffected == 0 {
		return model.ErrBookingNotFound
	}

	return nil
}

func (t *gormTx) SetBookingStatus(ctx context.Context, bookingID string, status model.BookingStatus) error {
	result := t.db.WithContext(ctx).Model(&model.Booking{}).
		Where("id = ?", bookingID).
		Updates(map[string]interface{}{"status": status, "updated_at": time.Now().UTC()})
	if result.Error != nil {
		return fmt.Errorf("failed to update booking status: %w", classify(result.Error))
	}
	if result.RowsAffected == 0 {
		return model.ErrBookingNotFound
	}

	return nil
}

func (t *gormTx) LockPayment(ctx context.Context, bookingID string) (*model.Payment, error) {
	var payment model.Payment
	err := t.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("booking_id = ?", bookingID).
		Take(&payment).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, model.ErrPaymentNotFound
		}
		return nil, fmt.Errorf("failed to lock payment: %w", classify(err))
	}

	return &payment, nil
}

func (t *gormTx) UpdatePayment(ctx context.Context, payment *model.Payment) error {
	updates := map[string]interface{}{
		"amount_cents": payment.AmountCents,
		"status":       payment.Status,
		"provider_ref": payment.ProviderRef,
		"updated_at":   time.Now().UTC(),
	}
	if len(payment.ProviderResponse) > 0 {
		updates["provider_response"] = datatypes.JSON(payment.ProviderResponse)
	}

	result := t.db.WithContext(ctx).Model(&model.Payment{}).Where("id = ?", payment.ID).Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to update payment: %w", classify(result.Error))
	}
	if result.RowsAffected == 0 {
		return model.ErrPaymentNotFound
	}

	return nil
}
