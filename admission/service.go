package admission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/sannchesda/hotel-reservation-backend/cache"
	"github.com/sannchesda/hotel-reservation-backend/lock"
	"github.com/sannchesda/hotel-reservation-backend/logger"
	"github.com/sannchesda/hotel-reservation-backend/metrics"
	"github.com/sannchesda/hotel-reservation-backend/model"
	"github.com/sannchesda/hotel-reservation-backend/obs"
	"github.com/sannchesda/hotel-reservation-backend/publisher"
	"github.com/sannchesda/hotel-reservation-backend/repository"
)

const (
	opCreate         = "create"
	opCancel         = "cancel"
	opModify         = "modify"
	opConfirmPayment = "confirm_payment"

	// a booking moving rooms between the unlocked read and the row lock is retried this many times
	maxModifyAttempts = 3

	afterCommitTimeout = 5 * time.Second
)

var errBookingMoved = fmt.Errorf("booking changed room during modify: %w", model.ErrConcurrency)

// CreateResult is the outcome of CreateBooking. Replayed is set when the token had already produced Booking.
type CreateResult struct {
	Booking  *model.Booking
	Payment  *model.Payment
	Replayed bool
}

// Service is the only writer of bookings. Every mutation runs as one unit: lock, idempotency check,
// overlap check, write.
type Service struct {
	store     repository.ReservationStore
	ledger    Ledger
	locker    lock.Locker
	publisher publisher.Publisher
	cache     cache.AvailabilityCache
	metrics   *metrics.Metrics
	log       *zap.Logger
	tracer    trace.Tracer
	now       func() time.Time
	newID     func() string
}

type Option func(*Service)

// WithLocker adds a cross-process room lock taken before the unit opens
func WithLocker(l lock.Locker) Option {
	return func(s *Service) { s.locker = l }
}

func WithPublisher(p publisher.Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithCache invalidates availability answers after every committed mutation
func WithCache(c cache.AvailabilityCache) Option {
	return func(s *Service) { s.cache = c }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.log = l }
}

func NewService(store repository.ReservationStore, opts ...Option) *Service {
	s := &Service{
		store:     store,
		publisher: publisher.Noop{},
		log:       logger.Get(),
		tracer:    obs.Tracer(),
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateBooking admits a new confirmed booking, or returns the booking an earlier request with
// the same token produced.
func (s *Service) CreateBooking(ctx context.Context, req model.CreateBookingRequest) (res *CreateResult, err error) {
	ctx, span := s.tracer.Start(ctx, "admission.CreateBooking", trace.WithAttributes(
		attribute.String("room_id", req.RoomID),
		attribute.String("range", req.Range.String()),
	))
	defer func() { s.finish(span, opCreate, res != nil && res.Replayed, err) }()

	req.Range = model.NewTimeRange(req.Range.Start, req.Range.End)
	req.Token = strings.TrimSpace(req.Token)
	if err := req.Validate(); err != nil {
		return nil, err
	}

	if existing, err := s.ledger.Lookup(ctx, s.store, req.Token); err != nil {
		return nil, err
	} else if existing != nil {
		return s.replay(ctx, existing)
	}

	unlock, err := s.acquireDistributed(ctx, req.RoomID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var (
		booking  *model.Booking
		payment  *model.Payment
		replayed *model.Booking
	)
	err = s.store.WithinTx(ctx, func(tx repository.ReservationTx) error {
		rooms, err := s.lockRooms(ctx, tx, req.RoomID)
		if err != nil {
			return err
		}

		// A request with the same token may have committed while this one waited for the room
		if existing, err := s.ledger.Lookup(ctx, tx, req.Token); err != nil {
			return err
		} else if existing != nil {
			replayed = existing
			return nil
		}

		clashing, err := tx.FindOverlapping(ctx, req.RoomID, req.Range, "")
		if err != nil {
			return err
		}
		if len(clashing) > 0 {
			return model.NewConflictError(req.RoomID, req.Range, clashing)
		}

		total, err := totalFor(req.TotalCents, &rooms[0], req.Range)
		if err != nil {
			return err
		}
		now := s.now()
		token := tokenPtr(req.Token)

		booking = &model.Booking{
			ID:              s.newID(),
			RoomID:          req.RoomID,
			GuestID:         req.GuestID,
			CheckIn:         req.Range.Start,
			CheckOut:        req.Range.End,
			TotalCents:      total,
			Status:          model.BookingConfirmed,
			SubmissionToken: token,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		payment = &model.Payment{
			ID:          s.newID(),
			BookingID:   booking.ID,
			AmountCents: total,
			Status:      model.PaymentPending,
			ProviderRef: token,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		return tx.InsertBooking(ctx, booking, payment)
	})

	if errors.Is(err, model.ErrTokenExists) {
		// Lost the race on the token's unique constraint: the winner's booking is the answer
		existing, lerr := s.ledger.Lookup(ctx, s.store, req.Token)
		if lerr != nil {
			return nil, lerr
		}
		if existing == nil {
			return nil, fmt.Errorf("token %q reported taken but not found: %w", req.Token, model.ErrConcurrency)
		}
		return s.replay(ctx, existing)
	}
	if err != nil {
		return nil, withConflictDetail(err, req.RoomID, req.Range)
	}
	if replayed != nil {
		return s.replay(ctx, replayed)
	}

	s.log.Info("booking created",
		zap.String("booking_id", booking.ID),
		zap.String("room_id", booking.RoomID),
		zap.String("range", req.Range.String()),
		zap.Int64("total_cents", booking.TotalCents))
	s.afterCommit(ctx, booking, model.EventBookingCreated)

	return &CreateResult{Booking: booking, Payment: payment}, nil
}

func (s *Service) replay(ctx context.Context, b *model.Booking) (*CreateResult, error) {
	p, err := s.store.GetPaymentByBookingID(ctx, b.ID)
	if err != nil && !errors.Is(err, model.ErrPaymentNotFound) {
		return nil, err
	}
	s.log.Debug("idempotent replay", zap.String("booking_id", b.ID))
	return &CreateResult{Booking: b, Payment: p, Replayed: true}, nil
}

// CancelBooking moves a booking to Cancelled. Cancelling a cancelled booking is a successful no-op.
func (s *Service) CancelBooking(ctx context.Context, bookingID string) (booking *model.Booking, err error) {
	ctx, span := s.tracer.Start(ctx, "admission.CancelBooking", trace.WithAttributes(attribute.String("booking_id", bookingID)))
	defer func() { s.finish(span, opCancel, false, err) }()

	if strings.TrimSpace(bookingID) == "" {
		return nil, &model.ValidationError{Field: "booking_id", Reason: "is required"}
	}

	changed := false
	err = s.store.WithinTx(ctx, func(tx repository.ReservationTx) error {
		b, err := tx.LockBooking(ctx, bookingID)
		if err != nil {
			return err
		}
		booking = b
		if b.Status == model.BookingCancelled {
			return nil
		}

		if err := tx.SetBookingStatus(ctx, bookingID, model.BookingCancelled); err != nil {
			return err
		}
		b.Status = model.BookingCancelled
		b.UpdatedAt = s.now()
		changed = true

		p, err := tx.LockPayment(ctx, bookingID)
		if errors.Is(err, model.ErrPaymentNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if p.Status == model.PaymentPaid {
			p.Status = model.PaymentRefunded
			return tx.UpdatePayment(ctx, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if changed {
		s.log.Info("booking cancelled", zap.String("booking_id", booking.ID), zap.String("room_id", booking.RoomID))
		s.afterCommit(ctx, booking, model.EventBookingCancelled)
	}
	return booking, nil
}

// ModifyBooking moves a confirmed booking to another room and/or range. On any failure the booking
// and every other booking keep their previous state.
func (s *Service) ModifyBooking(ctx context.Context, req model.ModifyBookingRequest) (booking *model.Booking, err error) {
	ctx, span := s.tracer.Start(ctx, "admission.ModifyBooking", trace.WithAttributes(attribute.String("booking_id", req.BookingID)))
	defer func() { s.finish(span, opModify, false, err) }()

	if req.Range != nil {
		r := model.NewTimeRange(req.Range.Start, req.Range.End)
		req.Range = &r
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	for attempt := 1; ; attempt++ {
		booking, err = s.modifyOnce(ctx, req)
		if errors.Is(err, errBookingMoved) && attempt < maxModifyAttempts {
			continue
		}
		break
	}
	if err != nil {
		return nil, err
	}

	s.log.Info("booking modified",
		zap.String("booking_id", booking.ID),
		zap.String("room_id", booking.RoomID),
		zap.String("range", booking.Range().String()))
	s.afterCommit(ctx, booking, model.EventBookingModified)
	return booking, nil
}

func (s *Service) modifyOnce(ctx context.Context, req model.ModifyBookingRequest) (*model.Booking, error) {
	// Unlocked read to learn the source room; re-verified under the row lock below
	current, err := s.store.GetBookingByID(ctx, req.BookingID)
	if err != nil {
		return nil, err
	}
	if current.Status == model.BookingCancelled {
		return nil, &model.ValidationError{Field: "booking_id", Reason: "cancelled bookings cannot be modified"}
	}

	sourceRoom := current.RoomID
	targetRoom := sourceRoom
	if req.RoomID != nil {
		targetRoom = *req.RoomID
	}

	unlock, err := s.acquireDistributed(ctx, sourceRoom, targetRoom)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var updated *model.Booking
	err = s.store.WithinTx(ctx, func(tx repository.ReservationTx) error {
		rooms, err := s.lockRooms(ctx, tx, sourceRoom, targetRoom)
		if err != nil {
			return err
		}

		b, err := tx.LockBooking(ctx, req.BookingID)
		if err != nil {
			return err
		}
		if b.Status == model.BookingCancelled {
			return &model.ValidationError{Field: "booking_id", Reason: "cancelled bookings cannot be modified"}
		}
		if b.RoomID != sourceRoom {
			return errBookingMoved
		}

		targetRange := b.Range()
		if req.Range != nil {
			targetRange = *req.Range
		}

		clashing, err := tx.FindOverlapping(ctx, targetRoom, targetRange, b.ID)
		if err != nil {
			return err
		}
		if len(clashing) > 0 {
			return model.NewConflictError(targetRoom, targetRange, clashing)
		}

		var room *model.Room
		for i := range rooms {
			if rooms[i].ID == targetRoom {
				room = &rooms[i]
			}
		}

		b.RoomID = targetRoom
		b.CheckIn = targetRange.Start
		b.CheckOut = targetRange.End
		total, err := totalFor(nil, room, targetRange)
		if err != nil {
			return err
		}
		b.TotalCents = total
		b.UpdatedAt = s.now()
		if err := tx.UpdateBooking(ctx, b); err != nil {
			return err
		}
		updated = b

		p, err := tx.LockPayment(ctx, b.ID)
		if errors.Is(err, model.ErrPaymentNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if p.Status == model.PaymentPending && p.AmountCents != b.TotalCents {
			p.AmountCents = b.TotalCents
			return tx.UpdatePayment(ctx, p)
		}
		return nil
	})
	if err != nil {
		target := current.Range()
		if req.Range != nil {
			target = *req.Range
		}
		return nil, withConflictDetail(err, targetRoom, target)
	}
	return updated, nil
}

// ConfirmPayment records the provider outcome. Only a Pending payment changes; repeats return the
// current payment unchanged.
func (s *Service) ConfirmPayment(ctx context.Context, req model.ConfirmPaymentRequest) (payment *model.Payment, err error) {
	ctx, span := s.tracer.Start(ctx, "admission.ConfirmPayment", trace.WithAttributes(
		attribute.String("booking_id", req.BookingID),
		attribute.Bool("success", req.Success),
	))
	defer func() { s.finish(span, opConfirmPayment, false, err) }()

	if strings.TrimSpace(req.BookingID) == "" {
		return nil, &model.ValidationError{Field: "booking_id", Reason: "is required"}
	}

	var response datatypes.JSON
	if req.Response != nil {
		raw, err := json.Marshal(req.Response)
		if err != nil {
			return nil, &model.ValidationError{Field: "response", Reason: "must be JSON serialisable"}
		}
		response = raw
	}

	err = s.store.WithinTx(ctx, func(tx repository.ReservationTx) error {
		b, err := tx.LockBooking(ctx, req.BookingID)
		if err != nil {
			return err
		}
		p, err := tx.LockPayment(ctx, req.BookingID)
		if err != nil {
			return err
		}
		payment = p
		if p.Status != model.PaymentPending {
			return nil
		}

		switch {
		case !req.Success:
			p.Status = model.PaymentFailed
		case b.Status == model.BookingCancelled:
			// the guest already cancelled: money taken goes straight back
			p.Status = model.PaymentRefunded
		default:
			p.Status = model.PaymentPaid
		}
		if p.ProviderRef == nil && req.ProviderRef != "" {
			ref := req.ProviderRef
			p.ProviderRef = &ref
		}
		if response != nil {
			p.ProviderResponse = response
		}
		p.UpdatedAt = s.now()
		return tx.UpdatePayment(ctx, p)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("payment settled",
		zap.String("booking_id", req.BookingID),
		zap.String("status", string(payment.Status)))
	return payment, nil
}

// RegisterGuest returns the guest registered under req.Email, creating it on first use
func (s *Service) RegisterGuest(ctx context.Context, req model.CreateGuestRequest) (*model.Guest, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	guest, err := s.store.CreateGuest(ctx, req)
	if err != nil {
		return nil, err
	}
	s.log.Debug("guest resolved", zap.String("guest_id", guest.ID))
	return guest, nil
}

// GetBooking reads a booking and its payment from the committed state
func (s *Service) GetBooking(ctx context.Context, bookingID string) (*model.Booking, *model.Payment, error) {
	b, err := s.store.GetBookingByID(ctx, bookingID)
	if err != nil {
		return nil, nil, err
	}
	p, err := s.store.GetPaymentByBookingID(ctx, bookingID)
	if err != nil && !errors.Is(err, model.ErrPaymentNotFound) {
		return nil, nil, err
	}
	return b, p, nil
}

func (s *Service) lockRooms(ctx context.Context, tx repository.ReservationTx, roomIDs ...string) ([]model.Room, error) {
	start := time.Now()
	rooms, err := tx.LockRooms(ctx, roomIDs...)
	if s.metrics != nil {
		s.metrics.LockWaitDuration.WithLabelValues("row").Observe(time.Since(start).Seconds())
	}
	return rooms, err
}

func (s *Service) acquireDistributed(ctx context.Context, roomIDs ...string) (lock.Unlock, error) {
	if s.locker == nil {
		return func() {}, nil
	}
	keys := make([]string, len(roomIDs))
	for i, id := range roomIDs {
		keys[i] = lock.RoomKey(id)
	}

	start := time.Now()
	unlock, err := s.locker.Acquire(ctx, keys...)
	if s.metrics != nil {
		s.metrics.LockWaitDuration.WithLabelValues("distributed").Observe(time.Since(start).Seconds())
	}
	if err != nil {
		if errors.Is(err, model.ErrConcurrency) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to acquire room lock: %w", err)
	}
	return unlock, nil
}

// afterCommit publishes the event and invalidates cached availability. Failures are logged only:
// the unit has already committed.
func (s *Service) afterCommit(ctx context.Context, b *model.Booking, eventType string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), afterCommitTimeout)
	defer cancel()

	if s.cache != nil {
		if err := s.cache.InvalidateAvailability(ctx); err != nil {
			s.log.Warn("failed to invalidate availability cache", zap.String("booking_id", b.ID), zap.Error(err))
		}
	}
	if err := s.publisher.Publish(ctx, b.ToBookingEvent(eventType)); err != nil {
		s.log.Error("failed to publish booking event",
			zap.String("booking_id", b.ID),
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}

func (s *Service) finish(span trace.Span, op string, replayed bool, err error) {
	o := Outcome(err)
	if replayed {
		o = "replay"
	}
	if s.metrics != nil {
		s.metrics.AdmissionTotal.WithLabelValues(op, o).Inc()
	}
	span.SetAttributes(attribute.String("outcome", o))
	if err != nil && o == "error" {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Outcome names the error class for metrics and logs
func Outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, model.ErrValidation):
		return "validation"
	case errors.Is(err, model.ErrConflict):
		return "conflict"
	case errors.Is(err, model.ErrNotFound):
		return "not_found"
	case errors.Is(err, model.ErrConcurrency):
		return "concurrency"
	default:
		return "error"
	}
}

// totalFor returns the requested total or, when none was given, nights x nightly price
func totalFor(requested *int64, room *model.Room, r model.TimeRange) (int64, error) {
	if requested != nil {
		return *requested, nil
	}
	if room == nil {
		return 0, nil
	}
	nights := int64(r.Nights())
	if room.PriceCents > 0 && nights > math.MaxInt64/room.PriceCents {
		return 0, &model.ValidationError{Field: "total", Reason: "nights x price exceeds the maximum amount"}
	}
	return nights * room.PriceCents, nil
}

func tokenPtr(token string) *string {
	if token == "" {
		return nil
	}
	return &token
}

// withConflictDetail fills in room and range on conflicts raised by the storage constraint
func withConflictDetail(err error, roomID string, r model.TimeRange) error {
	var conflict *model.ConflictError
	if errors.As(err, &conflict) && conflict.RoomID == "" {
		conflict.RoomID = roomID
		conflict.Range = r
	}
	return err
}
