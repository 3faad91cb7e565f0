package repository

import (
	"context"

	"github.com/sannchesda/hotel-reservation-backend/model"
)

// ReservationStore is the durable source of truth for rooms, bookings and payments.
// Implementations must enforce the no-overlap rule for confirmed bookings and the
// uniqueness of submission tokens themselves, independently of callers.
type ReservationStore interface {
	// WithinTx runs fn as one all-or-nothing unit. Any error from fn rolls the unit back.
	WithinTx(ctx context.Context, fn func(tx ReservationTx) error) error

	// Booking reads (committed snapshot, no locks)
	GetBookingByID(ctx context.Context, bookingID string) (*model.Booking, error)
	GetBookingByToken(ctx context.Context, token string) (*model.Booking, error)
	GetPaymentByBookingID(ctx context.Context, bookingID string) (*model.Payment, error)

	// Availability
	FindAvailableRooms(ctx context.Context, filter model.RoomFilter) ([]model.Room, error)

	// Catalog collaborators
	GetRoom(ctx context.Context, roomID string) (*model.Room, error)
	CreateRoom(ctx context.Context, req model.CreateRoomRequest) (*model.Room, error)
	CreateGuest(ctx context.Context, req model.CreateGuestRequest) (*model.Guest, error)

	// Health check
	Ping(ctx context.Context) error
}

// ReservationTx is the view of the store inside one unit. Locks taken here are held until the unit ends.
// Callers take locks in the order rooms, then booking, then payment.
type ReservationTx interface {
	// LockRooms locks the given rooms exclusively in ascending id order and returns them in that order.
	LockRooms(ctx context.Context, roomIDs ...string) ([]model.Room, error)
	// LockBooking locks one booking row exclusively.
	LockBooking(ctx context.Context, bookingID string) (*model.Booking, error)
	// GetBookingByToken sees bookings committed by units that finished before this one took its locks.
	GetBookingByToken(ctx context.Context, token string) (*model.Booking, error)
	// FindOverlapping returns confirmed bookings on roomID overlapping r, ignoring excludeBookingID.
	FindOverlapping(ctx context.Context, roomID string, r model.TimeRange, excludeBookingID string) ([]model.Booking, error)

	InsertBooking(ctx context.Context, booking *model.Booking, payment *model.Payment) error
	UpdateBooking(ctx context.Context, booking *model.Booking) error
	SetBookingStatus(ctx context.Context, bookingID string, status model.BookingStatus) error

	LockPayment(ctx context.Context, bookingID string) (*model.Payment, error)
	UpdatePayment(ctx context.Context, payment *model.Payment) error
}
