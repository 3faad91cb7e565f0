package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/sannchesda/hotel-reservation-backend/model"
)

// SQLSTATE codes the store maps onto the domain error taxonomy
const (
	codeExclusionViolation   = "23P01"
	codeUniqueViolation      = "23505"
	codeCheckViolation       = "23514"
	codeForeignKeyViolation  = "23503"
	codeLockNotAvailable     = "55P03"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeQueryCanceled        = "57014"
	codeInvalidText          = "22P02"
)

// Constraint names from the migrations
const (
	constraintNoOverlap      = "bookings_no_overlap"
	constraintTokenKey       = "bookings_submission_token_key"
	constraintRoomNumberKey  = "rooms_number_key"
	constraintBookingRoomFK  = "bookings_room_id_fkey"
	constraintBookingGuestFK = "bookings_guest_id_fkey"
)

// classify turns driver errors into domain errors. Errors it does not recognise are returned as is.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", model.ErrLockTimeout, err)
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}

	switch pgErr.Code {
	case codeExclusionViolation:
		return &model.ConflictError{Constraint: true}
	case codeUniqueViolation:
		switch pgErr.ConstraintName {
		case constraintTokenKey:
			return model.ErrTokenExists
		case constraintRoomNumberKey:
			return &model.ValidationError{Field: "number", Reason: "room number already exists"}
		}
		return fmt.Errorf("%w: %s", model.ErrValidation, pgErr.Message)
	case codeCheckViolation:
		return &model.ValidationError{Field: pgErr.ConstraintName, Reason: pgErr.Message}
	case codeForeignKeyViolation:
		switch pgErr.ConstraintName {
		case constraintBookingRoomFK:
			return model.ErrRoomNotFound
		case constraintBookingGuestFK:
			return model.ErrGuestNotFound
		}
		return fmt.Errorf("%w: %s", model.ErrNotFound, pgErr.Message)
	case codeLockNotAvailable, codeQueryCanceled:
		return fmt.Errorf("%w: %s", model.ErrLockTimeout, pgErr.Message)
	case codeSerializationFailure, codeDeadlockDetected:
		return fmt.Errorf("%w: %s", model.ErrConcurrency, pgErr.Message)
	case codeInvalidText:
		return &model.ValidationError{Field: "id", Reason: "malformed identifier"}
	}
	return err
}
