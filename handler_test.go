package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sannchesda/hotel-reservation-backend/admission"
	"github.com/sannchesda/hotel-reservation-backend/metrics"
	"github.com/sannchesda/hotel-reservation-backend/model"
)

const (
	roomID  = "8f1c1d2e-8a51-4a4b-9a63-0f3a0d4d7a11"
	guestID = "0b9f3c47-5e6d-4d1a-8b2f-6c7d8e9fa0b1"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type mockBookingService struct {
	mock.Mock
}

func (m *mockBookingService) CreateBooking(ctx context.Context, req model.CreateBookingRequest) (*admission.CreateResult, error) {
	args := m.Called(ctx, req)
	res, _ := args.Get(0).(*admission.CreateResult)
	return res, args.Error(1)
}

func (m *mockBookingService) CancelBooking(ctx context.Context, bookingID string) (*model.Booking, error) {
	args := m.Called(ctx, bookingID)
	b, _ := args.Get(0).(*model.Booking)
	return b, args.Error(1)
}

func (m *mockBookingService) ModifyBooking(ctx context.Context, req model.ModifyBookingRequest) (*model.Booking, error) {
	args := m.Called(ctx, req)
	b, _ := args.Get(0).(*model.Booking)
	return b, args.Error(1)
}

func (m *mockBookingService) ConfirmPayment(ctx context.Context, req model.ConfirmPaymentRequest) (*model.Payment, error) {
	args := m.Called(ctx, req)
	p, _ := args.Get(0).(*model.Payment)
	return p, args.Error(1)
}

func (m *mockBookingService) GetBooking(ctx context.Context, bookingID string) (*model.Booking, *model.Payment, error) {
	args := m.Called(ctx, bookingID)
	b, _ := args.Get(0).(*model.Booking)
	p, _ := args.Get(1).(*model.Payment)
	return b, p, args.Error(2)
}

func (m *mockBookingService) RegisterGuest(ctx context.Context, req model.CreateGuestRequest) (*model.Guest, error) {
	args := m.Called(ctx, req)
	g, _ := args.Get(0).(*model.Guest)
	return g, args.Error(1)
}

type mockAvailability struct {
	mock.Mock
}

func (m *mockAvailability) FindAvailable(ctx context.Context, filter model.RoomFilter) ([]model.Room, error) {
	args := m.Called(ctx, filter)
	rooms, _ := args.Get(0).([]model.Room)
	return rooms, args.Error(1)
}

type stubHealth struct{ err error }

func (s stubHealth) Ping(context.Context) error { return s.err }

func newTestRouter(bookings *mockBookingService, avail *mockAvailability, health HealthChecker) *gin.Engine {
	r := gin.New()
	r.Use(RequestIDMiddleware())
	registerRoutes(r, NewBookingHandler(bookings, avail, health))
	return r
}

func doJSON(r http.Handler, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func sampleBooking() *model.Booking {
	r := model.MustParseTimeRange("2025-08-10", "2025-08-12")
	return &model.Booking{
		ID: "b-1", RoomID: roomID, GuestID: guestID,
		CheckIn: r.Start, CheckOut: r.End, TotalCents: 20000, Status: model.BookingConfirmed,
	}
}

func TestSubmitBooking(t *testing.T) {
	validBody := map[string]any{
		"room_id": roomID, "guest_id": guestID, "check_in": "2025-08-10", "check_out": "2025-08-12",
	}

	t.Run("created", func(t *testing.T) {
		svc := new(mockBookingService)
		svc.On("CreateBooking", mock.Anything, mock.MatchedBy(func(req model.CreateBookingRequest) bool {
			return req.RoomID == roomID && req.Token == "key-1" && req.Range.Nights() == 2 && req.TotalCents == nil
		})).Return(&admission.CreateResult{
			Booking: sampleBooking(),
			Payment: &model.Payment{ID: "p-1", AmountCents: 20000, Status: model.PaymentPending},
		}, nil)

		rec := doJSON(newTestRouter(svc, nil, nil), http.MethodPost, "/api/bookings", validBody,
			map[string]string{headerIdempotencyKey: "key-1"})

		require.Equal(t, http.StatusCreated, rec.Code)
		var resp model.BookingResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "b-1", resp.BookingID)
		assert.Equal(t, 2, resp.Nights)
		assert.Equal(t, "CONFIRMED", resp.Status)
		require.NotNil(t, resp.Payment)
		assert.Equal(t, "PENDING", resp.Payment.Status)
		svc.AssertExpectations(t)
	})

	t.Run("body token wins over header and replay is 200", func(t *testing.T) {
		svc := new(mockBookingService)
		svc.On("CreateBooking", mock.Anything, mock.MatchedBy(func(req model.CreateBookingRequest) bool {
			return req.Token == "body-token"
		})).Return(&admission.CreateResult{Booking: sampleBooking(), Replayed: true}, nil)

		body := map[string]any{}
		for k, v := range validBody {
			body[k] = v
		}
		body["client_token"] = "body-token"

		rec := doJSON(newTestRouter(svc, nil, nil), http.MethodPost, "/api/bookings", body,
			map[string]string{headerIdempotencyKey: "header-token"})
		assert.Equal(t, http.StatusOK, rec.Code)
		svc.AssertExpectations(t)
	})

	t.Run("malformed body", func(t *testing.T) {
		svc := new(mockBookingService)
		rec := doJSON(newTestRouter(svc, nil, nil), http.MethodPost, "/api/bookings",
			map[string]any{"room_id": "not-a-uuid", "check_in": "10/08/2025"}, nil)

		require.Equal(t, http.StatusBadRequest, rec.Code)
		var resp model.ErrorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "validation_failed", resp.Error)
		assert.Equal(t, "uuid", resp.Fields["RoomID"])
		svc.AssertNotCalled(t, "CreateBooking", mock.Anything, mock.Anything)
	})

	t.Run("nested guest is resolved by email", func(t *testing.T) {
		svc := new(mockBookingService)
		svc.On("RegisterGuest", mock.Anything, model.CreateGuestRequest{
			FullName: "Dara Sok", Email: "dara@example.com", Phone: "+85512345678",
		}).Return(&model.Guest{ID: guestID, Email: "dara@example.com"}, nil).Once()
		svc.On("CreateBooking", mock.Anything, mock.MatchedBy(func(req model.CreateBookingRequest) bool {
			return req.GuestID == guestID
		})).Return(&admission.CreateResult{Booking: sampleBooking()}, nil).Once()

		body := map[string]any{
			"room_id": roomID, "check_in": "2025-08-10", "check_out": "2025-08-12",
			"guest": map[string]any{"full_name": "Dara Sok", "email": "dara@example.com", "phone": "+85512345678"},
		}
		rec := doJSON(newTestRouter(svc, nil, nil), http.MethodPost, "/api/bookings", body, nil)

		assert.Equal(t, http.StatusCreated, rec.Code)
		svc.AssertExpectations(t)
	})

	t.Run("guest_id takes precedence over guest", func(t *testing.T) {
		svc := new(mockBookingService)
		svc.On("CreateBooking", mock.Anything, mock.MatchedBy(func(req model.CreateBookingRequest) bool {
			return req.GuestID == guestID
		})).Return(&admission.CreateResult{Booking: sampleBooking()}, nil).Once()

		body := map[string]any{}
		for k, v := range validBody {
			body[k] = v
		}
		body["guest"] = map[string]any{"full_name": "Someone Else", "email": "else@example.com"}
		rec := doJSON(newTestRouter(svc, nil, nil), http.MethodPost, "/api/bookings", body, nil)

		assert.Equal(t, http.StatusCreated, rec.Code)
		svc.AssertNotCalled(t, "RegisterGuest", mock.Anything, mock.Anything)
	})

	t.Run("guest is required without guest_id", func(t *testing.T) {
		svc := new(mockBookingService)
		body := map[string]any{"room_id": roomID, "check_in": "2025-08-10", "check_out": "2025-08-12"}
		rec := doJSON(newTestRouter(svc, nil, nil), http.MethodPost, "/api/bookings", body, nil)

		require.Equal(t, http.StatusBadRequest, rec.Code)
		var resp model.ErrorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "required_without", resp.Fields["Guest"])
		svc.AssertNotCalled(t, "CreateBooking", mock.Anything, mock.Anything)
	})

	t.Run("nested guest with bad email", func(t *testing.T) {
		svc := new(mockBookingService)
		body := map[string]any{
			"room_id": roomID, "check_in": "2025-08-10", "check_out": "2025-08-12",
			"guest": map[string]any{"full_name": "Dara Sok", "email": "not-an-email"},
		}
		rec := doJSON(newTestRouter(svc, nil, nil), http.MethodPost, "/api/bookings", body, nil)

		require.Equal(t, http.StatusBadRequest, rec.Code)
		var resp model.ErrorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "email", resp.Fields["Email"])
		svc.AssertNotCalled(t, "RegisterGuest", mock.Anything, mock.Anything)
	})

	t.Run("check_out not after check_in", func(t *testing.T) {
		svc := new(mockBookingService)
		body := map[string]any{"room_id": roomID, "guest_id": guestID, "check_in": "2025-08-12", "check_out": "2025-08-12"}
		rec := doJSON(newTestRouter(svc, nil, nil), http.MethodPost, "/api/bookings", body, nil)

		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		svc.AssertNotCalled(t, "CreateBooking", mock.Anything, mock.Anything)
	})
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantError  string
	}{
		{"conflict", &model.ConflictError{RoomID: roomID, ConflictingIDs: []string{"b-0"}}, http.StatusConflict, "conflict"},
		{"constraint conflict", &model.ConflictError{Constraint: true}, http.StatusConflict, "conflict"},
		{"room not found", model.ErrRoomNotFound, http.StatusNotFound, "not_found"},
		{"lock timeout", model.ErrLockTimeout, http.StatusServiceUnavailable, "busy"},
		{"validation", &model.ValidationError{Field: "total", Reason: "must not be negative"}, http.StatusUnprocessableEntity, "validation_failed"},
		{"wrapped validation", fmt.Errorf("failed to insert booking: %w", model.ErrValidation), http.StatusUnprocessableEntity, "validation_failed"},
		{"unexpected", errors.New("disk on fire"), http.StatusInternalServerError, "internal_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := new(mockBookingService)
			svc.On("CreateBooking", mock.Anything, mock.Anything).Return(nil, tt.err)

			body := map[string]any{"room_id": roomID, "guest_id": guestID, "check_in": "2025-08-10", "check_out": "2025-08-12"}
			rec := doJSON(newTestRouter(svc, nil, nil), http.MethodPost, "/api/bookings", body, nil)

			assert.Equal(t, tt.wantStatus, rec.Code)
			var resp model.ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantError, resp.Error)
			if tt.wantStatus == http.StatusServiceUnavailable {
				assert.Equal(t, retryAfterSeconds, rec.Header().Get("Retry-After"))
			}
		})
	}
}

func TestGetAndCancelBooking(t *testing.T) {
	svc := new(mockBookingService)
	cancelled := sampleBooking()
	cancelled.Status = model.BookingCancelled

	svc.On("GetBooking", mock.Anything, "b-1").Return(sampleBooking(), &model.Payment{ID: "p-1", Status: model.PaymentPaid}, nil)
	svc.On("GetBooking", mock.Anything, "missing").Return(nil, nil, model.ErrBookingNotFound)
	svc.On("CancelBooking", mock.Anything, "b-1").Return(cancelled, nil)
	r := newTestRouter(svc, nil, nil)

	rec := doJSON(r, http.MethodGet, "/api/bookings/b-1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp model.BookingResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "PAID", resp.Payment.Status)

	rec = doJSON(r, http.MethodGet, "/api/bookings/missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(r, http.MethodPost, "/api/bookings/b-1/cancel", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "CANCELLED", resp.Status)
}

func TestUpdateBooking_FillsMissingDate(t *testing.T) {
	svc := new(mockBookingService)
	moved := sampleBooking()
	moved.CheckOut = moved.CheckOut.AddDate(0, 0, 2)

	svc.On("GetBooking", mock.Anything, "b-1").Return(sampleBooking(), nil, nil)
	svc.On("ModifyBooking", mock.Anything, mock.MatchedBy(func(req model.ModifyBookingRequest) bool {
		return req.BookingID == "b-1" && req.RoomID == nil && req.Range != nil &&
			req.Range.Start.Format(model.DateLayout) == "2025-08-10" &&
			req.Range.End.Format(model.DateLayout) == "2025-08-14"
	})).Return(moved, nil)

	rec := doJSON(newTestRouter(svc, nil, nil), http.MethodPatch, "/api/bookings/b-1",
		map[string]any{"check_out": "2025-08-14"}, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp model.BookingResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "2025-08-14", resp.CheckOut)
	svc.AssertExpectations(t)
}

func TestUpdateBooking_PaymentReadBackFailure(t *testing.T) {
	svc := new(mockBookingService)
	svc.On("ModifyBooking", mock.Anything, mock.Anything).Return(sampleBooking(), nil)
	svc.On("GetBooking", mock.Anything, "b-1").Return(nil, nil, errors.New("connection reset"))

	rec := doJSON(newTestRouter(svc, nil, nil), http.MethodPatch, "/api/bookings/b-1",
		map[string]any{"room_id": roomID}, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp model.BookingResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "b-1", resp.BookingID)
	assert.Nil(t, resp.Payment)
	svc.AssertExpectations(t)
}

func TestUpdateBooking_RoomChangeConflict(t *testing.T) {
	svc := new(mockBookingService)
	svc.On("ModifyBooking", mock.Anything, mock.MatchedBy(func(req model.ModifyBookingRequest) bool {
		return req.RoomID != nil && *req.RoomID == roomID && req.Range == nil
	})).Return(nil, &model.ConflictError{RoomID: roomID})

	rec := doJSON(newTestRouter(svc, nil, nil), http.MethodPatch, "/api/bookings/b-1",
		map[string]any{"room_id": roomID}, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestConfirmPaymentHandler(t *testing.T) {
	svc := new(mockBookingService)
	ref := "prov-1"
	svc.On("ConfirmPayment", mock.Anything, model.ConfirmPaymentRequest{BookingID: "b-1", Success: true, ProviderRef: ref}).
		Return(&model.Payment{ID: "p-1", Status: model.PaymentPaid, ProviderRef: &ref}, nil)
	r := newTestRouter(svc, nil, nil)

	rec := doJSON(r, http.MethodPost, "/api/bookings/b-1/confirm_payment", map[string]any{"success": true, "provider_ref": ref}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp model.PaymentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "PAID", resp.Status)

	// success is required, false is a valid value
	rec = doJSON(r, http.MethodPost, "/api/bookings/b-1/confirm_payment", map[string]any{}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAvailableRooms(t *testing.T) {
	avail := new(mockAvailability)
	avail.On("FindAvailable", mock.Anything, mock.MatchedBy(func(f model.RoomFilter) bool {
		return f.Range.Nights() == 2 && f.MaxPrice != nil && *f.MaxPrice == 15000 &&
			f.MinCapacity == 2 && assert.ObjectsAreEqual([]string{"wifi", "balcony", "jacuzzi"}, f.Amenities)
	})).Return([]model.Room{{ID: roomID, Number: "101", PriceCents: 12000, Capacity: 2}}, nil)

	r := newTestRouter(nil, avail, nil)
	rec := doJSON(r, http.MethodGet,
		"/api/rooms/available?check_in=2025-10-03&check_out=2025-10-05&max_price=15000&min_capacity=2&amenities=wifi,balcony&amenities=jacuzzi",
		nil, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp model.AvailabilityResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Total)
	assert.Equal(t, "101", resp.Rooms[0].Number)
	assert.Equal(t, []string{}, resp.Rooms[0].Amenities)
	avail.AssertExpectations(t)

	rec = doJSON(r, http.MethodGet, "/api/rooms/available?check_in=2025-10-03", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthCheck(t *testing.T) {
	rec := doJSON(newTestRouter(nil, nil, stubHealth{}), http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(newTestRouter(nil, nil, stubHealth{err: errors.New("down")}), http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRequestIDMiddleware(t *testing.T) {
	r := newTestRouter(nil, nil, stubHealth{})

	rec := doJSON(r, http.MethodGet, "/health", nil, nil)
	assert.NotEmpty(t, rec.Header().Get(headerRequestID))

	rec = doJSON(r, http.MethodGet, "/health", nil, map[string]string{headerRequestID: "existing-request-id"})
	assert.Equal(t, "existing-request-id", rec.Header().Get(headerRequestID))
}

func TestMetricsMiddleware(t *testing.T) {
	m := metrics.NewWithRegistry(prometheus.NewRegistry())
	r := gin.New()
	r.Use(MetricsMiddleware(m))
	registerRoutes(r, NewBookingHandler(nil, nil, stubHealth{}))

	doJSON(r, http.MethodGet, "/health", nil, nil)
	doJSON(r, http.MethodGet, "/nowhere", nil, nil)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/health", "200")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "unmatched", "404")))
}
