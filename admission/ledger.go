package admission

import (
	"context"
	"errors"

	"github.com/sannchesda/hotel-reservation-backend/model"
)

// tokenReader is satisfied by both the store and an open unit
type tokenReader interface {
	GetBookingByToken(ctx context.Context, token string) (*model.Booking, error)
}

// Ledger resolves submission tokens to the booking they already produced.
// Entries live on the booking row itself, behind a unique constraint, and are never expired.
type Ledger struct{}

// Lookup returns the booking for token, or nil when the token is unused or empty
func (Ledger) Lookup(ctx context.Context, r tokenReader, token string) (*model.Booking, error) {
	if token == "" {
		return nil, nil
	}
	b, err := r.GetBookingByToken(ctx, token)
	if err != nil {
		if errors.Is(err, model.ErrBookingNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return b, nil
}
