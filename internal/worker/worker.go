package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"github.com/ahmdragab/JJ-sub002/internal/alert"
	"github.com/ahmdragab/JJ-sub002/internal/config"
	"github.com/ahmdragab/JJ-sub002/internal/metrics"
	"github.com/ahmdragab/JJ-sub002/internal/refund"
)

// errInterrupted means shutdown stopped a refund between attempts. The
// message is left unmarked so it is redelivered.
var errInterrupted = errors.New("refund interrupted by shutdown")

// Applier applies one refund request idempotently.
type Applier interface {
	Apply(ctx context.Context, req refund.Request) (bool, error)
}

// Worker drains the refund topic and re-applies refunds that could not be
// applied in-line.
type Worker struct {
	cfg       config.KafkaConfig
	refunds   Applier
	alerter   alert.Alerter
	consumer  sarama.ConsumerGroup
	ready     chan struct{}
	readyOnce sync.Once
	logger    *slog.Logger
}

func NewWorker(cfg config.KafkaConfig, refunds Applier, alerter alert.Alerter, consumer sarama.ConsumerGroup, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if alerter == nil {
		alerter = alert.NewLogAlerter(logger)
	}
	logger.Info("Initializing refund worker", "topic", cfg.Topic, "group", cfg.Group)
	return &Worker{
		cfg:      cfg,
		refunds:  refunds,
		alerter:  alerter,
		consumer: consumer,
		ready:    make(chan struct{}),
		logger:   logger.With("component", "refund_worker"),
	}
}

// Start consumes until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) error {
	topics := []string{w.cfg.Topic}
	w.logger.Info("Starting worker", "topics", topics)

	consumerErrors := w.consumer.Errors()
	go func() {
		for err := range consumerErrors {
			w.logger.Error("Kafka consumer error received", "error", err)
		}
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if err := w.consumer.Consume(ctx, topics, w); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				w.logger.Error("Error from consumer.Consume", "error", err)
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()

	select {
	case <-w.ready:
		w.logger.Info("✅ Refund worker ready")
	case <-ctx.Done():
	}

	<-ctx.Done()
	<-done
	w.logger.Info("Worker shutting down gracefully")
	return nil
}

// Setup is run at the beginning of a new session, before ConsumeClaim.
func (w *Worker) Setup(sarama.ConsumerGroupSession) error {
	w.readyOnce.Do(func() { close(w.ready) })
	return nil
}

// Cleanup is run at the end of a session, once all ConsumeClaim goroutines have exited.
func (w *Worker) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim must start a consumer loop of ConsumerGroupClaim's Messages().
func (w *Worker) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			err := w.processRefund(session.Context(), message)
			if errors.Is(err, errInterrupted) {
				return nil
			}
			session.MarkMessage(message, "")
		case <-session.Context().Done():
			return nil
		}
	}
}

func (w *Worker) processRefund(ctx context.Context, msg *sarama.ConsumerMessage) error {
	var req refund.Request
	if err := json.Unmarshal(msg.Value, &req); err != nil {
		w.logger.Error("Discarding malformed refund message", "offset", msg.Offset, "partition", msg.Partition, "error", err)
		return fmt.Errorf("failed to parse refund: %w", err)
	}

	attempts := max(1, w.cfg.RetryMax)
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		// A started attempt runs to completion even during shutdown.
		var applied bool
		applied, err = w.refunds.Apply(context.WithoutCancel(ctx), req)
		if err == nil {
			w.logger.Info("Queued refund processed", "userID", req.UserID, "reference", req.Reference, "applied", applied, "attempt", attempt)
			return nil
		}
		w.logger.Warn("Queued refund attempt failed", "userID", req.UserID, "reference", req.Reference, "attempt", attempt, "error", err)

		if attempt < attempts {
			if waitErr := pause(ctx, w.cfg.RetryBackoff); waitErr != nil {
				return errInterrupted
			}
		}
	}

	w.logger.Error("CompensationFailed: queued refund could not be applied",
		"userID", req.UserID, "amount", req.Amount, "reference", req.Reference, "error", err)
	metrics.Refunds.WithLabelValues(metrics.OutcomeFailed).Inc()
	refund.NotifyFailure(ctx, w.alerter, w.logger, req, err)
	return err
}

func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
