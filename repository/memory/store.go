package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sannchesda/hotel-reservation-backend/lock"
	"github.com/sannchesda/hotel-reservation-backend/model"
	"github.com/sannchesda/hotel-reservation-backend/repository"
)

// Store is an in-process ReservationStore. Units lock rows through a KeyedMutex and stage
// their writes; commit re-checks the exclusion and token rules before publishing.
type Store struct {
	mu            sync.RWMutex
	rooms         map[string]model.Room
	guests        map[string]model.Guest
	guestsByEmail map[string]string
	bookings      map[string]model.Booking
	tokens        map[string]string
	payments      map[string]model.Payment // by booking id

	locks *lock.KeyedMutex
	now   func() time.Time
}

var _ repository.ReservationStore = (*Store)(nil)

// NewStore creates an empty store. lockWait bounds every row-lock wait.
func NewStore(lockWait time.Duration) *Store {
	return &Store{
		rooms:         make(map[string]model.Room),
		guests:        make(map[string]model.Guest),
		guestsByEmail: make(map[string]string),
		bookings:      make(map[string]model.Booking),
		tokens:        make(map[string]string),
		payments:      make(map[string]model.Payment),
		locks:         lock.NewKeyedMutex(lockWait),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// WithinTx runs fn as one unit. Locks are released when the unit ends.
func (s *Store) WithinTx(ctx context.Context, fn func(tx repository.ReservationTx) error) error {
	tx := &memTx{
		store:    s,
		held:     make(map[string]lock.Unlock),
		bookings: make(map[string]model.Booking),
		payments: make(map[string]model.Payment),
	}
	defer tx.release()

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		return err
	}
	return s.commit(tx)
}

func (s *Store) commit(tx *memTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, b := range tx.order {
		staged := tx.bookings[b]
		if err := s.checkRow(staged); err != nil {
			return err
		}
		if err := s.checkExclusion(tx, staged); err != nil {
			return err
		}
		if staged.SubmissionToken != nil {
			if owner, ok := s.tokens[*staged.SubmissionToken]; ok && owner != staged.ID {
				return model.ErrTokenExists
			}
		}
	}

	now := s.now()
	for _, id := range tx.order {
		b := tx.bookings[id]
		if b.CreatedAt.IsZero() {
			b.CreatedAt = now
		}
		if b.UpdatedAt.IsZero() {
			b.UpdatedAt = now
		}
		s.bookings[id] = b
		if b.SubmissionToken != nil {
			s.tokens[*b.SubmissionToken] = id
		}
	}
	for bookingID, p := range tx.payments {
		if p.CreatedAt.IsZero() {
			p.CreatedAt = now
		}
		if p.UpdatedAt.IsZero() {
			p.UpdatedAt = now
		}
		s.payments[bookingID] = p
	}
	return nil
}

// checkRow mirrors the CHECK and foreign key constraints of the bookings table
func (s *Store) checkRow(b model.Booking) error {
	if !b.CheckOut.After(b.CheckIn) {
		return &model.ValidationError{Field: "check_out", Reason: "check_out must be after check_in"}
	}
	if b.TotalCents < 0 {
		return &model.ValidationError{Field: "total", Reason: "must not be negative"}
	}
	if b.Status != model.BookingConfirmed && b.Status != model.BookingCancelled {
		return &model.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", b.Status)}
	}
	if _, ok := s.rooms[b.RoomID]; !ok {
		return model.ErrRoomNotFound
	}
	if _, ok := s.guests[b.GuestID]; !ok {
		return model.ErrGuestNotFound
	}
	return nil
}

// checkExclusion mirrors the exclusion constraint: no two confirmed bookings on one room overlap.
func (s *Store) checkExclusion(tx *memTx, b model.Booking) error {
	if !b.IsConfirmed() {
		return nil
	}
	r := b.Range()
	var clashing []model.Booking
	for _, other := range s.mergedBookings(tx) {
		if other.ID == b.ID || other.RoomID != b.RoomID || !other.IsConfirmed() {
			continue
		}
		if other.Range().Overlaps(r) {
			clashing = append(clashing, other)
		}
	}
	if len(clashing) > 0 {
		err := model.NewConflictError(b.RoomID, r, clashing)
		err.Constraint = true
		return err
	}
	return nil
}

// mergedBookings is the committed state with the unit's staged rows laid over it. Caller holds s.mu.
func (s *Store) mergedBookings(tx *memTx) []model.Booking {
	out := make([]model.Booking, 0, len(s.bookings)+len(tx.bookings))
	for id, b := range s.bookings {
		if staged, ok := tx.bookings[id]; ok {
			out = append(out, staged)
			continue
		}
		out = append(out, b)
	}
	for id, b := range tx.bookings {
		if _, ok := s.bookings[id]; !ok {
			out = append(out, b)
		}
	}
	return out
}

func (s *Store) GetBookingByID(ctx context.Context, bookingID string) (*model.Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.bookings[bookingID]
	if !ok {
		return nil, model.ErrBookingNotFound
	}
	return &b, nil
}

func (s *Store) GetBookingByToken(ctx context.Context, token string) (*model.Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.tokens[token]
	if !ok {
		return nil, model.ErrBookingNotFound
	}
	b := s.bookings[id]
	return &b, nil
}

func (s *Store) GetPaymentByBookingID(ctx context.Context, bookingID string) (*model.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.payments[bookingID]
	if !ok {
		return nil, model.ErrPaymentNotFound
	}
	return &p, nil
}

// FindAvailableRooms reads one committed snapshot and never touches row locks
func (s *Store) FindAvailableRooms(ctx context.Context, filter model.RoomFilter) ([]model.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	taken := make(map[string]bool)
	for _, b := range s.bookings {
		if b.IsConfirmed() && b.Range().Overlaps(filter.Range) {
			taken[b.RoomID] = true
		}
	}

	rooms := make([]model.Room, 0, len(s.rooms))
	for id, room := range s.rooms {
		if taken[id] || !room.Matches(filter) {
			continue
		}
		rooms = append(rooms, room)
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].Number < rooms[j].Number })
	return rooms, nil
}

func (s *Store) GetRoom(ctx context.Context, roomID string) (*model.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	room, ok := s.rooms[roomID]
	if !ok {
		return nil, model.ErrRoomNotFound
	}
	return &room, nil
}

func (s *Store) CreateRoom(ctx context.Context, req model.CreateRoomRequest) (*model.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.rooms {
		if r.Number == req.Number {
			return nil, &model.ValidationError{Field: "number", Reason: "room number already exists"}
		}
	}
	if req.PriceCents < 0 {
		return nil, &model.ValidationError{Field: "price", Reason: "must not be negative"}
	}
	capacity := req.Capacity
	if capacity <= 0 {
		capacity = 1
	}

	room := model.Room{
		ID:          uuid.NewString(),
		Number:      req.Number,
		RoomType:    req.RoomType,
		PriceCents:  req.PriceCents,
		Capacity:    capacity,
		Description: req.Description,
		Amenities:   append([]string{}, req.Amenities...),
		CreatedAt:   s.now(),
	}
	s.rooms[room.ID] = room
	return &room, nil
}

// CreateGuest returns the existing guest for the email, or registers a new one
func (s *Store) CreateGuest(ctx context.Context, req model.CreateGuestRequest) (*model.Guest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	email := strings.ToLower(strings.TrimSpace(req.Email))
	if id, ok := s.guestsByEmail[email]; ok {
		g := s.guests[id]
		return &g, nil
	}

	g := model.Guest{
		ID:        uuid.NewString(),
		FullName:  req.FullName,
		Email:     email,
		Phone:     req.Phone,
		CreatedAt: s.now(),
	}
	s.guests[g.ID] = g
	s.guestsByEmail[email] = g.ID
	return &g, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return nil
}

// memTx stages writes for one unit. It is used by a single goroutine.
type memTx struct {
	store    *Store
	held     map[string]lock.Unlock
	bookings map[string]model.Booking
	order    []string
	payments map[string]model.Payment
}

var _ repository.ReservationTx = (*memTx)(nil)

func (t *memTx) release() {
	for _, unlock := range t.held {
		unlock()
	}
	t.held = nil
}

// acquire takes the keys this unit does not hold yet
func (t *memTx) acquire(ctx context.Context, keys ...string) error {
	var missing []string
	for _, k := range keys {
		if _, ok := t.held[k]; !ok {
			missing = append(missing, k)
		}
	}
	for _, k := range lock.SortedUnique(missing) {
		unlock, err := t.store.locks.Lock(ctx, k)
		if err != nil {
			return err
		}
		t.held[k] = unlock
	}
	return nil
}

func (t *memTx) LockRooms(ctx context.Context, roomIDs ...string) ([]model.Room, error) {
	ids := lock.SortedUnique(roomIDs)
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = lock.RoomKey(id)
	}
	if err := t.acquire(ctx, keys...); err != nil {
		return nil, err
	}

	t.store.mu.RLock()
	defer t.store.mu.RUnlock()

	rooms := make([]model.Room, 0, len(ids))
	for _, id := range ids {
		room, ok := t.store.rooms[id]
		if !ok {
			return nil, model.ErrRoomNotFound
		}
		rooms = append(rooms, room)
	}
	return rooms, nil
}

func (t *memTx) LockBooking(ctx context.Context, bookingID string) (*model.Booking, error) {
	if err := t.acquire(ctx, lock.BookingKey(bookingID)); err != nil {
		return nil, err
	}
	if b, ok := t.bookings[bookingID]; ok {
		return &b, nil
	}

	t.store.mu.RLock()
	defer t.store.mu.RUnlock()

	b, ok := t.store.bookings[bookingID]
	if !ok {
		return nil, model.ErrBookingNotFound
	}
	return &b, nil
}

func (t *memTx) GetBookingByToken(ctx context.Context, token string) (*model.Booking, error) {
	for _, b := range t.bookings {
		if b.SubmissionToken != nil && *b.SubmissionToken == token {
			return &b, nil
		}
	}
	return t.store.GetBookingByToken(ctx, token)
}

func (t *memTx) FindOverlapping(ctx context.Context, roomID string, r model.TimeRange, excludeBookingID string) ([]model.Booking, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()

	var out []model.Booking
	for _, b := range t.store.mergedBookings(t) {
		if b.ID == excludeBookingID || b.RoomID != roomID || !b.IsConfirmed() {
			continue
		}
		if b.Range().Overlaps(r) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CheckIn.Before(out[j].CheckIn) })
	return out, nil
}

func (t *memTx) stage(b model.Booking) {
	if _, ok := t.bookings[b.ID]; !ok {
		t.order = append(t.order, b.ID)
	}
	t.bookings[b.ID] = b
}

func (t *memTx) InsertBooking(ctx context.Context, booking *model.Booking, payment *model.Payment) error {
	if booking.ID == "" {
		booking.ID = uuid.NewString()
	}
	t.store.mu.RLock()
	_, exists := t.store.bookings[booking.ID]
	t.store.mu.RUnlock()
	if exists {
		return fmt.Errorf("booking %s already exists", booking.ID)
	}

	t.stage(*booking)
	if payment != nil {
		if payment.ID == "" {
			payment.ID = uuid.NewString()
		}
		payment.BookingID = booking.ID
		t.payments[booking.ID] = *payment
	}
	return nil
}

func (t *memTx) UpdateBooking(ctx context.Context, booking *model.Booking) error {
	if _, ok := t.held[lock.BookingKey(booking.ID)]; !ok {
		return fmt.Errorf("booking %s updated without holding its lock", booking.ID)
	}
	t.stage(*booking)
	return nil
}

func (t *memTx) SetBookingStatus(ctx context.Context, bookingID string, status model.BookingStatus) error {
	b, err := t.LockBooking(ctx, bookingID)
	if err != nil {
		return err
	}
	b.Status = status
	t.stage(*b)
	return nil
}

func (t *memTx) LockPayment(ctx context.Context, bookingID string) (*model.Payment, error) {
	if err := t.acquire(ctx, "payment:"+bookingID); err != nil {
		return nil, err
	}
	if p, ok := t.payments[bookingID]; ok {
		return &p, nil
	}

	t.store.mu.RLock()
	defer t.store.mu.RUnlock()

	p, ok := t.store.payments[bookingID]
	if !ok {
		return nil, model.ErrPaymentNotFound
	}
	return &p, nil
}

func (t *memTx) UpdatePayment(ctx context.Context, payment *model.Payment) error {
	if _, ok := t.held["payment:"+payment.BookingID]; !ok {
		return fmt.Errorf("payment for booking %s updated without holding its lock", payment.BookingID)
	}
	t.payments[payment.BookingID] = *payment
	return nil
}
