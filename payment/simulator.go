package payment

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
)

// Simulator stands in for a payment gateway
type Simulator struct {
	FailureRate float64
	Latency     time.Duration

	roll func() float64
}

func NewSimulator(failureRate float64, latency time.Duration) *Simulator {
	return &Simulator{
		FailureRate: failureRate,
		Latency:     latency,
		roll:        rand.Float64,
	}
}

// Charge simulates a charge of amountCents. A declined charge is success=false with a nil error;
// err is only set when ctx ends first.
func (s *Simulator) Charge(ctx context.Context, amountCents int64, reference string) (bool, map[string]any, error) {
	if s.Latency > 0 {
		timer := time.NewTimer(s.Latency)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return false, nil, ctx.Err()
		}
	}

	response := map[string]any{
		"charge_id": "ch_" + uuid.NewString(),
		"reference": reference,
		"amount":    amountCents,
	}

	if amountCents <= 0 {
		response["decline_reason"] = fmt.Sprintf("invalid payment amount: %d", amountCents)
		return false, response, nil
	}

	roll := rand.Float64
	if s.roll != nil {
		roll = s.roll
	}
	if roll() < s.FailureRate {
		response["decline_reason"] = "payment gateway declined transaction"
		return false, response, nil
	}

	response["captured"] = true
	return true, response, nil
}
