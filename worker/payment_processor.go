package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/sannchesda/hotel-reservation-backend/logger"
	"github.com/sannchesda/hotel-reservation-backend/metrics"
	"github.com/sannchesda/hotel-reservation-backend/model"
)

const (
	defaultMaxWorkers  = 20
	defaultMaxAttempts = 5
	defaultBackoff     = 100 * time.Millisecond
	shutdownTimeout    = 30 * time.Second

	// status label for events given up on after retries; the payment stays PENDING
	statusUnsettled = "UNSETTLED"
)

// Pool for decoded booking events
var bookingEventPool = sync.Pool{
	New: func() interface{} {
		return &model.BookingEvent{}
	},
}

func resetBookingEvent(e *model.BookingEvent) {
	*e = model.BookingEvent{}
}

// MessageReader is the part of *kafka.Reader the processor uses
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// PaymentConfirmer records a provider outcome against a booking
type PaymentConfirmer interface {
	ConfirmPayment(ctx context.Context, req model.ConfirmPaymentRequest) (*model.Payment, error)
}

// Charger talks to the payment provider
type Charger interface {
	Charge(ctx context.Context, amountCents int64, reference string) (bool, map[string]any, error)
}

type PaymentProcessor struct {
	consumer  MessageReader
	confirmer PaymentConfirmer
	charger   Charger
	metrics   *metrics.Metrics
	log       *zap.Logger

	maxAttempts int
	backoff     time.Duration

	// Worker pool for managing goroutines
	workerPool chan chan kafka.Message
	workers    []*PaymentWorker

	processedCount int64
	activeWorkers  int64
}

type PaymentWorker struct {
	id         int
	processor  *PaymentProcessor
	jobChannel chan kafka.Message
	workerPool chan chan kafka.Message
	quit       chan struct{}
}

type ProcessorOption func(*PaymentProcessor)

// WithRetry bounds how often a transient failure is retried and the first backoff, which doubles per attempt
func WithRetry(maxAttempts int, backoff time.Duration) ProcessorOption {
	return func(p *PaymentProcessor) {
		if maxAttempts > 0 {
			p.maxAttempts = maxAttempts
		}
		if backoff > 0 {
			p.backoff = backoff
		}
	}
}

func NewPaymentProcessor(consumer MessageReader, confirmer PaymentConfirmer, charger Charger, maxWorkers int, m *metrics.Metrics, opts ...ProcessorOption) *PaymentProcessor {
	if maxWorkers <= 0 {
		maxWorkers = defaultMaxWorkers
	}

	processor := &PaymentProcessor{
		consumer:    consumer,
		confirmer:   confirmer,
		charger:     charger,
		metrics:     m,
		log:         logger.Get().With(zap.String("component", "payment-processor")),
		maxAttempts: defaultMaxAttempts,
		backoff:     defaultBackoff,
		workerPool:  make(chan chan kafka.Message, maxWorkers),
		workers:     make([]*PaymentWorker, maxWorkers),
	}
	for _, opt := range opts {
		opt(processor)
	}

	for i := 0; i < maxWorkers; i++ {
		processor.workers[i] = &PaymentWorker{
			id:         i,
			processor:  processor,
			jobChannel: make(chan kafka.Message),
			workerPool: processor.workerPool,
			quit:       make(chan struct{}),
		}
	}

	return processor
}

// Start consumes booking events until ctx is cancelled
func (p *PaymentProcessor) Start(ctx context.Context) error {
	p.log.Info("starting payment processor", zap.Int("workers", len(p.workers)))

	for _, worker := range p.workers {
		worker.start(ctx)
	}
	defer p.shutdown()

	go p.reportMetrics(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msg, err := p.consumer.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.log.Error("error reading message", zap.Error(err))
			continue
		}

		// Dispatch to worker pool (blocks if all workers busy)
		select {
		case jobChannel := <-p.workerPool:
			select {
			case jobChannel <- msg:
			case <-ctx.Done():
				return ctx.Err()
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Processed returns how many messages the workers have handled
func (p *PaymentProcessor) Processed() int64 {
	return atomic.LoadInt64(&p.processedCount)
}

func (w *PaymentWorker) start(ctx context.Context) {
	go func() {
		for {
			// Register this worker in the pool
			select {
			case w.workerPool <- w.jobChannel:
			case <-w.quit:
				return
			}

			select {
			case job := <-w.jobChannel:
				atomic.AddInt64(&w.processor.activeWorkers, 1)

				// a job in flight finishes even when shutdown has begun
				jobCtx := context.WithoutCancel(ctx)
				if err := w.processor.handle(jobCtx, job); err != nil {
					w.processor.log.Error("error processing payment",
						zap.Int("worker", w.id),
						zap.Int64("offset", job.Offset),
						zap.Error(err))
				}

				atomic.AddInt64(&w.processor.processedCount, 1)
				atomic.AddInt64(&w.processor.activeWorkers, -1)

			case <-w.quit:
				return
			}
		}
	}()
}

func (w *PaymentWorker) stop() {
	close(w.quit)
}

// shutdown stops all workers and waits for jobs in flight
func (p *PaymentProcessor) shutdown() {
	p.log.Info("shutting down payment processor workers")

	for _, worker := range p.workers {
		worker.stop()
	}

	timeout := time.After(shutdownTimeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if atomic.LoadInt64(&p.activeWorkers) == 0 {
			p.log.Info("all workers finished gracefully")
			return
		}
		select {
		case <-timeout:
			p.log.Warn("shutdown timeout reached, forcing exit")
			return
		case <-ticker.C:
		}
	}
}

func (p *PaymentProcessor) reportMetrics(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.log.Info("payment processor metrics",
				zap.Int64("processed", atomic.LoadInt64(&p.processedCount)),
				zap.Int64("active_workers", atomic.LoadInt64(&p.activeWorkers)))
		}
	}
}

// handle settles the payment of one booking.created event and commits the offset.
// The group reader never redelivers a fetched message, so every outcome is committed:
// transient failures are retried here first, and an event still failing is logged as unsettled.
func (p *PaymentProcessor) handle(ctx context.Context, msg kafka.Message) error {
	defer p.commit(ctx, msg)

	event := bookingEventPool.Get().(*model.BookingEvent)
	defer func() {
		resetBookingEvent(event)
		bookingEventPool.Put(event)
	}()

	if err := json.Unmarshal(msg.Value, event); err != nil {
		return fmt.Errorf("failed to unmarshal booking event: %w", err)
	}
	if event.Type != model.EventBookingCreated {
		return nil
	}

	reference := event.BookingID
	if event.ClientToken != nil {
		reference = *event.ClientToken
	}

	var (
		success  bool
		response map[string]any
	)
	err := p.retry(ctx, "charge", event.BookingID, isTransientCharge, func() error {
		var err error
		success, response, err = p.charger.Charge(ctx, event.TotalCents, reference)
		return err
	})
	if err != nil {
		p.unsettled(event.BookingID)
		return fmt.Errorf("charge for booking %s: %w", event.BookingID, err)
	}

	providerRef, _ := response["charge_id"].(string)
	var payment *model.Payment
	err = p.retry(ctx, "confirm", event.BookingID, model.IsRetryable, func() error {
		var err error
		payment, err = p.confirmer.ConfirmPayment(ctx, model.ConfirmPaymentRequest{
			BookingID:   event.BookingID,
			Success:     success,
			ProviderRef: providerRef,
			Response:    response,
		})
		return err
	})
	if err != nil {
		if !errors.Is(err, model.ErrNotFound) && !errors.Is(err, model.ErrValidation) {
			p.unsettled(event.BookingID)
		}
		return fmt.Errorf("confirm payment for booking %s: %w", event.BookingID, err)
	}

	if p.metrics != nil {
		p.metrics.PaymentsProcessedTotal.WithLabelValues(string(payment.Status)).Inc()
	}
	p.log.Info("payment processed",
		zap.String("booking_id", event.BookingID),
		zap.String("status", string(payment.Status)))
	return nil
}

// retry runs fn until it succeeds, fails with an error transient rejects, or runs out of attempts
func (p *PaymentProcessor) retry(ctx context.Context, op, bookingID string, transient func(error) bool, fn func() error) error {
	delay := p.backoff
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil || !transient(err) || attempt >= p.maxAttempts {
			return err
		}

		p.log.Warn("transient payment failure, retrying",
			zap.String("op", op),
			zap.String("booking_id", bookingID),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err))

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return err
		}
		delay *= 2
	}
}

// isTransientCharge treats every provider error as transient; the reference keeps repeated charges idempotent
func isTransientCharge(err error) bool {
	return !errors.Is(err, context.Canceled)
}

func (p *PaymentProcessor) unsettled(bookingID string) {
	if p.metrics != nil {
		p.metrics.PaymentsProcessedTotal.WithLabelValues(statusUnsettled).Inc()
	}
	p.log.Error("payment left unsettled after retries", zap.String("booking_id", bookingID))
}

func (p *PaymentProcessor) commit(ctx context.Context, msg kafka.Message) {
	if err := p.consumer.CommitMessages(ctx, msg); err != nil {
		p.log.Error("failed to commit message", zap.Int64("offset", msg.Offset), zap.Error(err))
	}
}
