package model

import (
	"errors"
	"fmt"
	"strings"
)

// Error classes returned by the admission core. Callers match with errors.Is.
var (
	ErrValidation  = errors.New("validation failed")
	ErrConflict    = errors.New("room is not available for the selected dates")
	ErrNotFound    = errors.New("not found")
	ErrConcurrency = errors.New("concurrent operation in progress, retry")
)

var (
	ErrBookingNotFound = fmt.Errorf("booking %w", ErrNotFound)
	ErrRoomNotFound    = fmt.Errorf("room %w", ErrNotFound)
	ErrPaymentNotFound = fmt.Errorf("payment %w", ErrNotFound)
	ErrGuestNotFound   = fmt.Errorf("guest %w", ErrNotFound)
	ErrLockTimeout     = fmt.Errorf("lock wait timed out: %w", ErrConcurrency)

	// ErrTokenExists is returned by a store when the submission token is already taken.
	// The admission layer turns it into an idempotent replay.
	ErrTokenExists = errors.New("submission token already used")
)

// ValidationError describes malformed input. It never reaches the store.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// ConflictError reports an overlap with existing confirmed bookings.
// Constraint is set when the storage-level exclusion rule caught it rather than the pre-write check.
type ConflictError struct {
	RoomID         string
	Range          TimeRange
	ConflictingIDs []string
	Constraint     bool
}

func NewConflictError(roomID string, r TimeRange, conflicting []Booking) *ConflictError {
	ids := make([]string, 0, len(conflicting))
	for _, b := range conflicting {
		ids = append(ids, b.ID)
	}
	return &ConflictError{RoomID: roomID, Range: r, ConflictingIDs: ids}
}

func (e *ConflictError) Error() string {
	var sb strings.Builder
	sb.WriteString(ErrConflict.Error())
	if e.RoomID != "" {
		fmt.Fprintf(&sb, ": room %s", e.RoomID)
	}
	if !e.Range.Start.IsZero() {
		fmt.Fprintf(&sb, " %s", e.Range)
	}
	if len(e.ConflictingIDs) > 0 {
		fmt.Fprintf(&sb, " overlaps %s", strings.Join(e.ConflictingIDs, ","))
	}
	if e.Constraint {
		sb.WriteString(" (exclusion constraint)")
	}
	return sb.String()
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// IsRetryable reports whether the caller may resend the same request unchanged.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrency)
}
