package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/verbfy/lesson-rtc/internal/livekit"
	"github.com/verbfy/lesson-rtc/internal/model"
	"github.com/verbfy/lesson-rtc/internal/repository"
)

// StatusUpdater applies guarded reservation status transitions.
type StatusUpdater interface {
	TransitionStatus(ctx context.Context, id uint64, from []model.ReservationStatus, to model.ReservationStatus) error
}

// errMalformed marks messages that can never be processed.
var errMalformed = errors.New("malformed lesson event")

// Consumer advances reservations as lesson rooms start and finish.
type Consumer struct {
	url      string
	updater  StatusUpdater
	logger   *zap.Logger
	prefetch int
}

// NewConsumer returns a Consumer reading from the broker at url.
func NewConsumer(url string, updater StatusUpdater, logger *zap.Logger) *Consumer {
	return &Consumer{url: url, updater: updater, logger: logger, prefetch: 50}
}

// Run connects, consumes, and reconnects with exponential backoff until
// ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		conn, err := amqp.Dial(c.url)
		if err != nil {
			c.logger.Warn("lesson consumer: dial failed", zap.Error(err), zap.Duration("retry_in", backoff))
			if !sleep(ctx, backoff) {
				return ctx.Err()
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		err = c.consumeLoop(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn("lesson consumer: consume loop ended, reconnecting", zap.Error(err))
		if !sleep(ctx, 2*time.Second) {
			return ctx.Err()
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Consumer) consumeLoop(ctx context.Context, conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		c.logger.Warn("lesson consumer: set QoS failed", zap.Error(err))
	}
	if _, err := declareLessonQueue(ch); err != nil {
		return err
	}
	msgs, err := ch.Consume(LessonQueueName, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue consume: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return errors.New("deliveries channel closed")
			}
			c.deliver(ctx, d)
		}
	}
}

func (c *Consumer) deliver(ctx context.Context, d amqp.Delivery) {
	err := c.handleMessage(ctx, d.Body)
	switch {
	case err == nil:
		_ = d.Ack(false)
	case errors.Is(err, errMalformed):
		c.logger.Error("lesson consumer: rejecting message", zap.Error(err))
		_ = d.Nack(false, false)
	default:
		// Retry once; a second failure drops the message to avoid a hot loop.
		c.logger.Error("lesson consumer: handle message failed",
			zap.Error(err), zap.Bool("redelivered", d.Redelivered))
		_ = d.Nack(false, !d.Redelivered)
	}
}

// transitionFor maps a webhook event to the reservation transition it
// implies.  ok is false for events that do not change status.
func transitionFor(event string) (from []model.ReservationStatus, to model.ReservationStatus, ok bool) {
	switch event {
	case livekit.EventRoomStarted, livekit.EventParticipantJoined:
		return []model.ReservationStatus{model.StatusBooked}, model.StatusInProgress, true
	case livekit.EventRoomFinished:
		return []model.ReservationStatus{model.StatusInProgress}, model.StatusCompleted, true
	}
	return nil, "", false
}

func (c *Consumer) handleMessage(ctx context.Context, body []byte) error {
	var ev LessonEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return fmt.Errorf("%w: %v", errMalformed, err)
	}
	if ev.ReservationID == 0 {
		return fmt.Errorf("%w: no reservation id", errMalformed)
	}
	from, to, ok := transitionFor(ev.Event)
	if !ok {
		return nil
	}

	err := c.updater.TransitionStatus(ctx, ev.ReservationID, from, to)
	switch {
	case err == nil:
		c.logger.Info("reservation status advanced",
			zap.Uint64("reservation_id", ev.ReservationID),
			zap.String("event", ev.Event),
			zap.String("status", string(to)))
		return nil
	case errors.Is(err, repository.ErrConflict), errors.Is(err, repository.ErrReservationNotFound):
		c.logger.Debug("reservation transition skipped",
			zap.Uint64("reservation_id", ev.ReservationID),
			zap.String("event", ev.Event),
			zap.Error(err))
		return nil
	default:
		return err
	}
}
