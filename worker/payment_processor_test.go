package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sannchesda/hotel-reservation-backend/metrics"
	"github.com/sannchesda/hotel-reservation-backend/model"
)

type fakeReader struct {
	msgs chan kafka.Message

	mu        sync.Mutex
	committed []int64
}

func newFakeReader(msgs ...kafka.Message) *fakeReader {
	r := &fakeReader{msgs: make(chan kafka.Message, len(msgs))}
	for _, m := range msgs {
		r.msgs <- m
	}
	return r
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-r.msgs:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) committedOffsets() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

type mockConfirmer struct {
	mock.Mock
}

func (m *mockConfirmer) ConfirmPayment(ctx context.Context, req model.ConfirmPaymentRequest) (*model.Payment, error) {
	args := m.Called(ctx, req)
	p, _ := args.Get(0).(*model.Payment)
	return p, args.Error(1)
}

type stubCharger struct {
	success bool
	err     error
}

func (s stubCharger) Charge(_ context.Context, amount int64, ref string) (bool, map[string]any, error) {
	if s.err != nil {
		return false, nil, s.err
	}
	return s.success, map[string]any{"charge_id": "ch_test", "reference": ref, "amount": amount}, nil
}

func eventMessage(t *testing.T, offset int64, e model.BookingEvent) kafka.Message {
	t.Helper()
	data, err := json.Marshal(e)
	require.NoError(t, err)
	return kafka.Message{Offset: offset, Key: []byte(e.BookingID), Value: data}
}

func runUntil(t *testing.T, p *PaymentProcessor, done func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- p.Start(ctx) }()

	require.Eventually(t, done, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("processor did not stop")
	}
}

func TestPaymentProcessor_SettlesCreatedBookings(t *testing.T) {
	reader := newFakeReader(
		eventMessage(t, 1, model.BookingEvent{Type: model.EventBookingCreated, BookingID: "b-1", TotalCents: 20000}),
		eventMessage(t, 2, model.BookingEvent{Type: model.EventBookingCancelled, BookingID: "b-2"}),
		kafka.Message{Offset: 3, Value: []byte("not json")},
	)
	confirmer := new(mockConfirmer)
	confirmer.On("ConfirmPayment", mock.Anything, mock.MatchedBy(func(r model.ConfirmPaymentRequest) bool {
		return r.BookingID == "b-1" && r.Success && r.ProviderRef == "ch_test"
	})).Return(&model.Payment{BookingID: "b-1", Status: model.PaymentPaid}, nil).Once()

	m := metrics.NewWithRegistry(prometheus.NewRegistry())
	p := NewPaymentProcessor(reader, confirmer, stubCharger{success: true}, 2, m)

	runUntil(t, p, func() bool { return len(reader.committedOffsets()) == 3 })

	confirmer.AssertExpectations(t)
	assert.ElementsMatch(t, []int64{1, 2, 3}, reader.committedOffsets())
	assert.Equal(t, float64(1), testutil.ToFloat64(m.PaymentsProcessedTotal.WithLabelValues("PAID")))
	assert.Equal(t, int64(3), p.Processed())
}

func TestPaymentProcessor_DeclinedCharge(t *testing.T) {
	reader := newFakeReader(eventMessage(t, 7, model.BookingEvent{Type: model.EventBookingCreated, BookingID: "b-7", TotalCents: 100}))
	confirmer := new(mockConfirmer)
	confirmer.On("ConfirmPayment", mock.Anything, mock.MatchedBy(func(r model.ConfirmPaymentRequest) bool {
		return r.BookingID == "b-7" && !r.Success
	})).Return(&model.Payment{BookingID: "b-7", Status: model.PaymentFailed}, nil).Once()

	m := metrics.NewWithRegistry(prometheus.NewRegistry())
	p := NewPaymentProcessor(reader, confirmer, stubCharger{success: false}, 1, m)

	runUntil(t, p, func() bool { return len(reader.committedOffsets()) == 1 })

	confirmer.AssertExpectations(t)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.PaymentsProcessedTotal.WithLabelValues("FAILED")))
}

// flakyCharger fails its first failures calls, then approves
type flakyCharger struct {
	failures int32
	calls    atomic.Int32
}

func (c *flakyCharger) Charge(_ context.Context, amount int64, ref string) (bool, map[string]any, error) {
	if c.calls.Add(1) <= c.failures {
		return false, nil, errors.New("gateway timeout")
	}
	return true, map[string]any{"charge_id": "ch_test", "reference": ref, "amount": amount}, nil
}

func TestPaymentProcessor_LockTimeoutIsRetriedUntilPaid(t *testing.T) {
	reader := newFakeReader(eventMessage(t, 1, model.BookingEvent{Type: model.EventBookingCreated, BookingID: "b-1", TotalCents: 100}))
	isB1 := mock.MatchedBy(func(r model.ConfirmPaymentRequest) bool { return r.BookingID == "b-1" })
	confirmer := new(mockConfirmer)
	confirmer.On("ConfirmPayment", mock.Anything, isB1).Return(nil, model.ErrLockTimeout).Once()
	confirmer.On("ConfirmPayment", mock.Anything, isB1).Return(&model.Payment{BookingID: "b-1", Status: model.PaymentPaid}, nil).Once()

	m := metrics.NewWithRegistry(prometheus.NewRegistry())
	p := NewPaymentProcessor(reader, confirmer, stubCharger{success: true}, 1, m, WithRetry(3, time.Millisecond))

	runUntil(t, p, func() bool { return p.Processed() == 1 })

	confirmer.AssertExpectations(t)
	assert.Equal(t, []int64{1}, reader.committedOffsets())
	assert.Equal(t, float64(1), testutil.ToFloat64(m.PaymentsProcessedTotal.WithLabelValues("PAID")))
}

func TestPaymentProcessor_PermanentFailureIsNotRetried(t *testing.T) {
	reader := newFakeReader(eventMessage(t, 2, model.BookingEvent{Type: model.EventBookingCreated, BookingID: "gone", TotalCents: 100}))
	confirmer := new(mockConfirmer)
	confirmer.On("ConfirmPayment", mock.Anything, mock.Anything).Return(nil, model.ErrBookingNotFound).Once()

	m := metrics.NewWithRegistry(prometheus.NewRegistry())
	p := NewPaymentProcessor(reader, confirmer, stubCharger{success: true}, 1, m, WithRetry(3, time.Millisecond))

	runUntil(t, p, func() bool { return p.Processed() == 1 })

	confirmer.AssertNumberOfCalls(t, "ConfirmPayment", 1)
	assert.Equal(t, []int64{2}, reader.committedOffsets())
	assert.Equal(t, float64(0), testutil.ToFloat64(m.PaymentsProcessedTotal.WithLabelValues(statusUnsettled)))
}

func TestPaymentProcessor_ChargeErrorIsRetried(t *testing.T) {
	reader := newFakeReader(eventMessage(t, 1, model.BookingEvent{Type: model.EventBookingCreated, BookingID: "b-1", TotalCents: 100}))
	confirmer := new(mockConfirmer)
	confirmer.On("ConfirmPayment", mock.Anything, mock.MatchedBy(func(r model.ConfirmPaymentRequest) bool {
		return r.BookingID == "b-1" && r.Success
	})).Return(&model.Payment{BookingID: "b-1", Status: model.PaymentPaid}, nil).Once()
	charger := &flakyCharger{failures: 2}

	p := NewPaymentProcessor(reader, confirmer, charger, 1, nil, WithRetry(3, time.Millisecond))

	runUntil(t, p, func() bool { return p.Processed() == 1 })

	confirmer.AssertExpectations(t)
	assert.Equal(t, int32(3), charger.calls.Load())
	assert.Equal(t, []int64{1}, reader.committedOffsets())
}

func TestPaymentProcessor_ExhaustedRetriesAreLoggedAndCommitted(t *testing.T) {
	reader := newFakeReader(
		eventMessage(t, 1, model.BookingEvent{Type: model.EventBookingCreated, BookingID: "b-1", TotalCents: 100}),
		eventMessage(t, 2, model.BookingEvent{Type: model.EventBookingCreated, BookingID: "b-2", TotalCents: 100}),
	)
	confirmer := new(mockConfirmer)
	confirmer.On("ConfirmPayment", mock.Anything, mock.MatchedBy(func(r model.ConfirmPaymentRequest) bool {
		return r.BookingID == "b-2"
	})).Return(nil, model.ErrLockTimeout)
	charger := &flakyCharger{failures: 3}

	m := metrics.NewWithRegistry(prometheus.NewRegistry())
	p := NewPaymentProcessor(reader, confirmer, charger, 1, m, WithRetry(3, time.Millisecond))

	runUntil(t, p, func() bool { return p.Processed() == 2 })

	assert.Equal(t, int32(4), charger.calls.Load(), "b-1 uses three attempts, b-2 charges first time")
	confirmer.AssertNumberOfCalls(t, "ConfirmPayment", 3)
	assert.ElementsMatch(t, []int64{1, 2}, reader.committedOffsets())
	assert.Equal(t, float64(2), testutil.ToFloat64(m.PaymentsProcessedTotal.WithLabelValues(statusUnsettled)))
}
