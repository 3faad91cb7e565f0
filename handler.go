package main

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/sannchesda/hotel-reservation-backend/admission"
	"github.com/sannchesda/hotel-reservation-backend/logger"
	"github.com/sannchesda/hotel-reservation-backend/model"
)

const retryAfterSeconds = "1"

// BookingService is the admission controller as seen by the HTTP layer
type BookingService interface {
	CreateBooking(ctx context.Context, req model.CreateBookingRequest) (*admission.CreateResult, error)
	CancelBooking(ctx context.Context, bookingID string) (*model.Booking, error)
	ModifyBooking(ctx context.Context, req model.ModifyBookingRequest) (*model.Booking, error)
	ConfirmPayment(ctx context.Context, req model.ConfirmPaymentRequest) (*model.Payment, error)
	GetBooking(ctx context.Context, bookingID string) (*model.Booking, *model.Payment, error)
	RegisterGuest(ctx context.Context, req model.CreateGuestRequest) (*model.Guest, error)
}

type AvailabilityService interface {
	FindAvailable(ctx context.Context, filter model.RoomFilter) ([]model.Room, error)
}

type HealthChecker interface {
	Ping(ctx context.Context) error
}

type BookingHandler struct {
	bookings     BookingService
	availability AvailabilityService
	health       HealthChecker
}

func NewBookingHandler(bookings BookingService, availability AvailabilityService, health HealthChecker) *BookingHandler {
	return &BookingHandler{
		bookings:     bookings,
		availability: availability,
		health:       health,
	}
}

// SubmitBooking admits a booking. A repeated client token returns the original booking with 200.
func (h *BookingHandler) SubmitBooking(c *gin.Context) {
	var req model.SubmitBookingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindingError(c, err)
		return
	}

	r, err := model.ParseTimeRange(req.CheckIn, req.CheckOut)
	if err != nil {
		writeError(c, err)
		return
	}

	token := req.ClientToken
	if token == "" {
		token = c.GetHeader(headerIdempotencyKey)
	}

	guestID := req.GuestID
	if guestID == "" && req.Guest != nil {
		guest, err := h.bookings.RegisterGuest(c.Request.Context(), model.CreateGuestRequest{
			FullName: req.Guest.FullName,
			Email:    req.Guest.Email,
			Phone:    req.Guest.Phone,
		})
		if err != nil {
			writeError(c, err)
			return
		}
		guestID = guest.ID
	}

	res, err := h.bookings.CreateBooking(c.Request.Context(), model.CreateBookingRequest{
		RoomID:     req.RoomID,
		GuestID:    guestID,
		Range:      r,
		TotalCents: req.Total,
		Token:      token,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	c.JSON(status, res.Booking.ToBookingResponse(res.Payment))
}

// GetBooking returns a booking with its payment
func (h *BookingHandler) GetBooking(c *gin.Context) {
	booking, payment, err := h.bookings.GetBooking(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, booking.ToBookingResponse(payment))
}

// CancelBooking cancels a booking; cancelling twice succeeds
func (h *BookingHandler) CancelBooking(c *gin.Context) {
	booking, err := h.bookings.CancelBooking(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, booking.ToBookingResponse(nil))
}

// UpdateBooking moves a booking to another room and/or dates
func (h *BookingHandler) UpdateBooking(c *gin.Context) {
	var req model.UpdateBookingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindingError(c, err)
		return
	}

	bookingID := c.Param("id")
	modify := model.ModifyBookingRequest{BookingID: bookingID, RoomID: req.RoomID}

	if req.CheckIn != nil || req.CheckOut != nil {
		// a single changed date keeps the other one from the stored booking
		checkIn, checkOut := req.CheckIn, req.CheckOut
		if checkIn == nil || checkOut == nil {
			current, _, err := h.bookings.GetBooking(c.Request.Context(), bookingID)
			if err != nil {
				writeError(c, err)
				return
			}
			in, out := current.CheckIn.Format(model.DateLayout), current.CheckOut.Format(model.DateLayout)
			if checkIn == nil {
				checkIn = &in
			}
			if checkOut == nil {
				checkOut = &out
			}
		}
		r, err := model.ParseTimeRange(*checkIn, *checkOut)
		if err != nil {
			writeError(c, err)
			return
		}
		modify.Range = &r
	}

	booking, err := h.bookings.ModifyBooking(c.Request.Context(), modify)
	if err != nil {
		writeError(c, err)
		return
	}

	// the payment is informational here; the modify already committed
	_, payment, err := h.bookings.GetBooking(c.Request.Context(), booking.ID)
	if err != nil {
		logger.Warn("failed to read back payment after modify",
			zap.String("request_id", c.GetString(ctxRequestID)),
			zap.String("booking_id", booking.ID),
			zap.Error(err))
	}
	c.JSON(http.StatusOK, booking.ToBookingResponse(payment))
}

// ConfirmPayment records a payment provider callback
func (h *BookingHandler) ConfirmPayment(c *gin.Context) {
	var req model.ConfirmPaymentAPIRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindingError(c, err)
		return
	}

	payment, err := h.bookings.ConfirmPayment(c.Request.Context(), model.ConfirmPaymentRequest{
		BookingID:   c.Param("id"),
		Success:     *req.Success,
		ProviderRef: req.ProviderRef,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, payment.ToPaymentResponse())
}

// AvailableRooms lists the rooms free for the whole requested range
func (h *BookingHandler) AvailableRooms(c *gin.Context) {
	var q model.AvailabilityQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		bindingError(c, err)
		return
	}

	r, err := model.ParseTimeRange(q.CheckIn, q.CheckOut)
	if err != nil {
		writeError(c, err)
		return
	}

	rooms, err := h.availability.FindAvailable(c.Request.Context(), model.RoomFilter{
		Range:       r,
		MaxPrice:    q.MaxPrice,
		MinCapacity: q.MinCapacity,
		Amenities:   splitAmenities(q.Amenities),
	})
	if err != nil {
		writeError(c, err)
		return
	}

	resp := model.AvailabilityResponse{
		CheckIn:  r.Start.Format(model.DateLayout),
		CheckOut: r.End.Format(model.DateLayout),
		Rooms:    make([]model.RoomResponse, 0, len(rooms)),
		Total:    len(rooms),
	}
	for i := range rooms {
		resp.Rooms = append(resp.Rooms, rooms[i].ToRoomResponse())
	}
	c.JSON(http.StatusOK, resp)
}

// HealthCheck handles health check endpoint
func (h *BookingHandler) HealthCheck(c *gin.Context) {
	if err := h.health.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, model.ErrorResponse{
			Error:   "service_unavailable",
			Message: "Database ping failed",
		})
		return
	}

	c.JSON(http.StatusOK, model.HealthResponse{
		Status:    "healthy",
		Service:   "hotel-reservation",
		Timestamp: time.Now(),
	})
}

// splitAmenities accepts both repeated and comma separated amenities params
func splitAmenities(values []string) []string {
	var out []string
	for _, v := range values {
		for _, a := range strings.Split(v, ",") {
			if a = strings.TrimSpace(a); a != "" {
				out = append(out, a)
			}
		}
	}
	return out
}

func bindingError(c *gin.Context, err error) {
	resp := model.ErrorResponse{
		Error:   "validation_failed",
		Message: err.Error(),
	}

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		resp.Message = "request has invalid fields"
		resp.Fields = make(map[string]string, len(verrs))
		for _, fe := range verrs {
			resp.Fields[fe.Field()] = fe.Tag()
		}
	}
	c.JSON(http.StatusBadRequest, resp)
}

// writeError maps the error taxonomy onto HTTP statuses
func writeError(c *gin.Context, err error) {
	var (
		validation *model.ValidationError
		conflict   *model.ConflictError
	)

	switch {
	case errors.As(err, &validation):
		resp := model.ErrorResponse{Error: "validation_failed", Message: validation.Error()}
		if validation.Field != "" {
			resp.Fields = map[string]string{validation.Field: validation.Reason}
		}
		c.JSON(http.StatusUnprocessableEntity, resp)
	case errors.Is(err, model.ErrValidation):
		c.JSON(http.StatusUnprocessableEntity, model.ErrorResponse{Error: "validation_failed", Message: err.Error()})
	case errors.As(err, &conflict):
		c.JSON(http.StatusConflict, model.ErrorResponse{Error: "conflict", Message: conflict.Error()})
	case errors.Is(err, model.ErrNotFound):
		c.JSON(http.StatusNotFound, model.ErrorResponse{Error: "not_found", Message: err.Error()})
	case errors.Is(err, model.ErrConcurrency):
		c.Header("Retry-After", retryAfterSeconds)
		c.JSON(http.StatusServiceUnavailable, model.ErrorResponse{Error: "busy", Message: "please retry the request"})
	default:
		_ = c.Error(err)
		logger.Error("unhandled error",
			zap.String("request_id", c.GetString(ctxRequestID)),
			zap.String("path", c.Request.URL.Path),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, model.ErrorResponse{Error: "internal_error", Message: "internal server error"})
	}
}
