package model

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/lib/pq"
	"gorm.io/datatypes"
)

// ============================================================================
// DATABASE ENTITIES (Internal - GORM only, no JSON tags)
// ============================================================================

// BookingStatus is the lifecycle state of a booking. Only Confirmed bookings block a room.
type BookingStatus string

const (
	BookingConfirmed BookingStatus = "CONFIRMED"
	BookingCancelled BookingStatus = "CANCELLED"
)

// PaymentStatus is the lifecycle state of the payment attached to a booking
type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "PENDING"
	PaymentPaid     PaymentStatus = "PAID"
	PaymentFailed   PaymentStatus = "FAILED"
	PaymentRefunded PaymentStatus = "REFUNDED"
)

// Room represents a bookable room. The admission core treats it as read-only.
type Room struct {
	ID          string         `gorm:"primary_key;type:uuid;default:gen_random_uuid()"`
	Number      string         `gorm:"type:varchar(10);not null;uniqueIndex"`
	RoomType    string         `gorm:"type:varchar(20);not null"`
	PriceCents  int64          `gorm:"not null"`
	Capacity    int            `gorm:"not null;default:1"`
	Description string         `gorm:"type:text"`
	Amenities   pq.StringArray `gorm:"type:text[];not null;default:'{}'"`
	CreatedAt   time.Time      `gorm:"default:CURRENT_TIMESTAMP"`
}

func (Room) TableName() string {
	return "rooms"
}

// Guest represents the person a booking is made for
type Guest struct {
	ID        string    `gorm:"primary_key;type:uuid;default:gen_random_uuid()"`
	FullName  string    `gorm:"type:varchar(150);not null"`
	Email     string    `gorm:"type:varchar(255);not null;uniqueIndex"`
	Phone     string    `gorm:"type:varchar(30)"`
	CreatedAt time.Time `gorm:"default:CURRENT_TIMESTAMP"`
}

func (Guest) TableName() string {
	return "guests"
}

// Booking represents the database model for bookings
type Booking struct {
	ID              string        `gorm:"primary_key;type:uuid"`
	RoomID          string        `gorm:"type:uuid;not null;index:idx_bookings_room_status"`
	GuestID         string        `gorm:"type:uuid;not null;index"`
	CheckIn         time.Time     `gorm:"type:date;not null"`
	CheckOut        time.Time     `gorm:"type:date;not null"`
	TotalCents      int64         `gorm:"not null"`
	Status          BookingStatus `gorm:"type:varchar(20);not null;index:idx_bookings_room_status"`
	SubmissionToken *string       `gorm:"type:varchar(64);uniqueIndex"`
	CreatedAt       time.Time     `gorm:"default:CURRENT_TIMESTAMP"`
	UpdatedAt       time.Time
}

// TableName sets the table name for GORM
func (Booking) TableName() string {
	return "bookings"
}

// Range returns the stay as a half-open date range
func (b *Booking) Range() TimeRange {
	return NewTimeRange(b.CheckIn, b.CheckOut)
}

func (b *Booking) IsConfirmed() bool {
	return b.Status == BookingConfirmed
}

// Payment is linked 1:1 to a booking and carries the submission token as its provider reference
type Payment struct {
	ID               string         `gorm:"primary_key;type:uuid"`
	BookingID        string         `gorm:"type:uuid;not null;uniqueIndex"`
	AmountCents      int64          `gorm:"not null"`
	Status           PaymentStatus  `gorm:"type:varchar(20);not null;default:'PENDING'"`
	ProviderRef      *string        `gorm:"type:varchar(100)"`
	ProviderResponse datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt        time.Time      `gorm:"default:CURRENT_TIMESTAMP"`
	UpdatedAt        time.Time
}

func (Payment) TableName() string {
	return "payments"
}

// ============================================================================
// REPOSITORY DATA TRANSFER OBJECTS (Internal - no JSON tags)
// ============================================================================

// CreateBookingRequest represents the data needed to admit a booking.
// A nil TotalCents means "nights x room price".
type CreateBookingRequest struct {
	RoomID     string
	GuestID    string
	Range      TimeRange
	TotalCents *int64
	Token      string
}

// Validate performs the pure checks that run before any transaction is opened
func (r CreateBookingRequest) Validate() error {
	if strings.TrimSpace(r.RoomID) == "" {
		return &ValidationError{Field: "room_id", Reason: "is required"}
	}
	if strings.TrimSpace(r.GuestID) == "" {
		return &ValidationError{Field: "guest_id", Reason: "is required"}
	}
	if err := r.Range.Validate(); err != nil {
		return err
	}
	if r.TotalCents != nil && *r.TotalCents < 0 {
		return &ValidationError{Field: "total", Reason: "must not be negative"}
	}
	if len(r.Token) > 64 {
		return &ValidationError{Field: "client_token", Reason: "must be at most 64 characters"}
	}
	return nil
}

// ModifyBookingRequest moves a booking to another room and/or range. Nil fields keep the current value.
type ModifyBookingRequest struct {
	BookingID string
	RoomID    *string
	Range     *TimeRange
}

func (r ModifyBookingRequest) Validate() error {
	if strings.TrimSpace(r.BookingID) == "" {
		return &ValidationError{Field: "booking_id", Reason: "is required"}
	}
	if r.RoomID == nil && r.Range == nil {
		return &ValidationError{Reason: "nothing to modify: room_id or dates required"}
	}
	if r.RoomID != nil && strings.TrimSpace(*r.RoomID) == "" {
		return &ValidationError{Field: "room_id", Reason: "must not be empty"}
	}
	if r.Range != nil {
		return r.Range.Validate()
	}
	return nil
}

// ConfirmPaymentRequest records the provider outcome for a booking's payment
type ConfirmPaymentRequest struct {
	BookingID   string
	Success     bool
	ProviderRef string
	Response    map[string]any
}

// RoomFilter narrows an availability query
type RoomFilter struct {
	Range       TimeRange
	MaxPrice    *int64
	MinCapacity int
	Amenities   []string
}

func (f RoomFilter) Validate() error {
	if err := f.Range.Validate(); err != nil {
		return err
	}
	if f.MaxPrice != nil && *f.MaxPrice < 0 {
		return &ValidationError{Field: "max_price", Reason: "must not be negative"}
	}
	if f.MinCapacity < 0 {
		return &ValidationError{Field: "min_capacity", Reason: "must not be negative"}
	}
	return nil
}

// CacheKey is a stable key for caching the result of this filter
func (f RoomFilter) CacheKey() string {
	maxPrice := "-"
	if f.MaxPrice != nil {
		maxPrice = fmt.Sprintf("%d", *f.MaxPrice)
	}
	amenities := append([]string(nil), f.Amenities...)
	sort.Strings(amenities)
	return fmt.Sprintf("%s:%s:%s:%d:%s",
		f.Range.Start.Format(DateLayout), f.Range.End.Format(DateLayout),
		maxPrice, f.MinCapacity, strings.Join(amenities, ","))
}

// CreateRoomRequest represents the data needed to add a room to the catalog
type CreateRoomRequest struct {
	Number      string
	RoomType    string
	PriceCents  int64
	Capacity    int
	Description string
	Amenities   []string
}

// CreateGuestRequest represents the data needed to register a guest
type CreateGuestRequest struct {
	FullName string
	Email    string
	Phone    string
}

func (r CreateGuestRequest) Validate() error {
	if strings.TrimSpace(r.Email) == "" {
		return &ValidationError{Field: "email", Reason: "is required"}
	}
	if strings.TrimSpace(r.FullName) == "" {
		return &ValidationError{Field: "full_name", Reason: "is required"}
	}
	return nil
}

// ============================================================================
// API DATA TRANSFER OBJECTS (External - JSON tags for HTTP)
// ============================================================================

// SubmitBookingRequest represents the API request to create a booking.
// Either guest_id or a guest object is required; guest_id wins when both are sent.
type SubmitBookingRequest struct {
	RoomID      string      `json:"room_id" binding:"required,uuid"`
	GuestID     string      `json:"guest_id,omitempty" binding:"omitempty,uuid"`
	Guest       *GuestInput `json:"guest,omitempty" binding:"required_without=GuestID"`
	CheckIn     string      `json:"check_in" binding:"required,datetime=2006-01-02"`
	CheckOut    string      `json:"check_out" binding:"required,datetime=2006-01-02"`
	Total       *int64      `json:"total,omitempty" binding:"omitempty,gte=0"`
	ClientToken string      `json:"client_token,omitempty" binding:"omitempty,max=64"`
}

// GuestInput identifies a guest by email; an unknown email registers a new guest
type GuestInput struct {
	FullName string `json:"full_name" binding:"required,max=150"`
	Email    string `json:"email" binding:"required,email,max=255"`
	Phone    string `json:"phone,omitempty" binding:"omitempty,max=30"`
}

// UpdateBookingRequest represents the API request to modify a booking
type UpdateBookingRequest struct {
	RoomID   *string `json:"room_id,omitempty" binding:"omitempty,uuid"`
	CheckIn  *string `json:"check_in,omitempty" binding:"omitempty,datetime=2006-01-02"`
	CheckOut *string `json:"check_out,omitempty" binding:"omitempty,datetime=2006-01-02"`
}

// ConfirmPaymentAPIRequest represents a provider callback
type ConfirmPaymentAPIRequest struct {
	Success     *bool  `json:"success" binding:"required"`
	ProviderRef string `json:"provider_ref,omitempty"`
}

// AvailabilityQuery represents the query string of the availability endpoint
type AvailabilityQuery struct {
	CheckIn     string   `form:"check_in" binding:"required,datetime=2006-01-02"`
	CheckOut    string   `form:"check_out" binding:"required,datetime=2006-01-02"`
	MaxPrice    *int64   `form:"max_price" binding:"omitempty,gte=0"`
	MinCapacity int      `form:"min_capacity" binding:"omitempty,gte=0"`
	Amenities   []string `form:"amenities"`
}

// BookingResponse represents a booking returned by the API
type BookingResponse struct {
	BookingID   string           `json:"booking_id"`
	RoomID      string           `json:"room_id"`
	GuestID     string           `json:"guest_id"`
	CheckIn     string           `json:"check_in"`
	CheckOut    string           `json:"check_out"`
	Nights      int              `json:"nights"`
	Total       int64            `json:"total"`
	Status      string           `json:"status"`
	ClientToken *string          `json:"client_token,omitempty"`
	Payment     *PaymentResponse `json:"payment,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
}

// PaymentResponse represents payment details in API responses
type PaymentResponse struct {
	PaymentID   string  `json:"payment_id"`
	Amount      int64   `json:"amount"`
	Status      string  `json:"status"`
	ProviderRef *string `json:"provider_ref,omitempty"`
}

// RoomResponse represents a room in availability results
type RoomResponse struct {
	RoomID      string   `json:"room_id"`
	Number      string   `json:"number"`
	RoomType    string   `json:"room_type"`
	Price       int64    `json:"price"`
	Capacity    int      `json:"capacity"`
	Description string   `json:"description,omitempty"`
	Amenities   []string `json:"amenities"`
}

// AvailabilityResponse represents the list of free rooms for a range
type AvailabilityResponse struct {
	CheckIn  string         `json:"check_in"`
	CheckOut string         `json:"check_out"`
	Rooms    []RoomResponse `json:"rooms"`
	Total    int            `json:"total"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string    `json:"status"`
	Service   string    `json:"service"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorResponse represents error response structure
type ErrorResponse struct {
	Error   string            `json:"error"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// ============================================================================
// EVENT MESSAGE STRUCTURES
// ============================================================================

const (
	EventBookingCreated   = "booking.created"
	EventBookingModified  = "booking.modified"
	EventBookingCancelled = "booking.cancelled"
)

// BookingEvent is published after an admission unit commits
type BookingEvent struct {
	Type        string    `json:"type"`
	BookingID   string    `json:"booking_id"`
	RoomID      string    `json:"room_id"`
	GuestID     string    `json:"guest_id"`
	CheckIn     string    `json:"check_in"`
	CheckOut    string    `json:"check_out"`
	TotalCents  int64     `json:"total_cents"`
	Status      string    `json:"status"`
	ClientToken *string   `json:"client_token,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// ============================================================================
// CONVERSION METHODS
// ============================================================================

// ToBookingResponse converts a Booking entity to an API response. payment may be nil.
func (b *Booking) ToBookingResponse(payment *Payment) *BookingResponse {
	resp := &BookingResponse{
		BookingID:   b.ID,
		RoomID:      b.RoomID,
		GuestID:     b.GuestID,
		CheckIn:     b.CheckIn.Format(DateLayout),
		CheckOut:    b.CheckOut.Format(DateLayout),
		Nights:      b.Range().Nights(),
		Total:       b.TotalCents,
		Status:      string(b.Status),
		ClientToken: b.SubmissionToken,
		CreatedAt:   b.CreatedAt,
	}
	if payment != nil {
		resp.Payment = payment.ToPaymentResponse()
	}
	return resp
}

// ToBookingEvent converts a Booking entity to an event message
func (b *Booking) ToBookingEvent(eventType string) BookingEvent {
	return BookingEvent{
		Type:        eventType,
		BookingID:   b.ID,
		RoomID:      b.RoomID,
		GuestID:     b.GuestID,
		CheckIn:     b.CheckIn.Format(DateLayout),
		CheckOut:    b.CheckOut.Format(DateLayout),
		TotalCents:  b.TotalCents,
		Status:      string(b.Status),
		ClientToken: b.SubmissionToken,
		Timestamp:   time.Now().UTC(),
	}
}

func (p *Payment) ToPaymentResponse() *PaymentResponse {
	return &PaymentResponse{
		PaymentID:   p.ID,
		Amount:      p.AmountCents,
		Status:      string(p.Status),
		ProviderRef: p.ProviderRef,
	}
}

// ToRoomResponse converts a Room entity to an API response
func (r *Room) ToRoomResponse() RoomResponse {
	amenities := []string(r.Amenities)
	if amenities == nil {
		amenities = []string{}
	}
	return RoomResponse{
		RoomID:      r.ID,
		Number:      r.Number,
		RoomType:    r.RoomType,
		Price:       r.PriceCents,
		Capacity:    r.Capacity,
		Description: r.Description,
		Amenities:   amenities,
	}
}

// HasAnyAmenity reports whether the room carries at least one of the given amenities.
// An empty list matches every room.
func (r *Room) HasAnyAmenity(wanted []string) bool {
	if len(wanted) == 0 {
		return true
	}
	for _, w := range wanted {
		for _, a := range r.Amenities {
			if a == w {
				return true
			}
		}
	}
	return false
}

// Matches applies the non-temporal parts of a filter
func (r *Room) Matches(f RoomFilter) bool {
	if f.MaxPrice != nil && r.PriceCents > *f.MaxPrice {
		return false
	}
	if f.MinCapacity > 0 && r.Capacity < f.MinCapacity {
		return false
	}
	return r.HasAnyAmenity(f.Amenities)
}
