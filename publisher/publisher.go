package publisher

import (
	"context"

	"github.com/sannchesda/hotel-reservation-backend/model"
)

// Publisher delivers booking events after the unit that produced them has committed.
// Delivery is at-least-once; consumers must tolerate duplicates.
type Publisher interface {
	Publish(ctx context.Context, event model.BookingEvent) error
	Close() error
}

// Noop drops every event
type Noop struct{}

var _ Publisher = Noop{}

func (Noop) Publish(ctx context.Context, event model.BookingEvent) error { return nil }

func (Noop) Close() error { return nil }
