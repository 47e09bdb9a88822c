package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/verbfy/lesson-rtc/internal/access"
	"github.com/verbfy/lesson-rtc/internal/livekit"
	"github.com/verbfy/lesson-rtc/internal/queue"
	"github.com/verbfy/lesson-rtc/internal/repository"
)

const maxWebhookBody = 1 << 20

// WebhookVerifier authenticates LiveKit deliveries.  *livekit.Verifier
// satisfies it.
type WebhookVerifier interface {
	Verify(authHeader string, body []byte) (livekit.WebhookEvent, error)
}

// EventPublisher forwards lesson events.  *queue.Publisher satisfies it.
type EventPublisher interface {
	PublishLessonEvent(ctx context.Context, ev queue.LessonEvent) error
}

// WebhookHandler turns LiveKit webhooks for lesson rooms into queued
// lesson events.
type WebhookHandler struct {
	verifier  WebhookVerifier
	publisher EventPublisher
	logger    *zap.Logger
	now       func() time.Time
}

func NewWebhookHandler(v WebhookVerifier, p EventPublisher, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{verifier: v, publisher: p, logger: logger, now: time.Now}
}

// Receive handles POST /api/livekit/webhook.
func (h *WebhookHandler) Receive(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody))
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "unreadable body"})
	}

	ev, err := h.verifier.Verify(c.Request().Header.Get(echo.HeaderAuthorization), body)
	switch {
	case errors.Is(err, livekit.ErrMissingSignature), errors.Is(err, livekit.ErrBadSignature):
		h.logger.Warn("webhook rejected", zap.Error(err))
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid signature"})
	case err != nil:
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid payload"})
	}

	rawID, isLesson := access.ParseRoomName(ev.RoomName())
	id, numeric := repository.ParseReservationID(rawID)
	if !isLesson || !numeric {
		return c.JSON(http.StatusOK, echo.Map{"status": "ignored"})
	}

	lesson := queue.LessonEvent{
		Event:         ev.Event,
		EventID:       ev.ID,
		Room:          ev.RoomName(),
		ReservationID: id,
		OccurredAt:    ev.CreatedAt.Time(),
	}
	if ev.Participant != nil {
		lesson.ParticipantID = ev.Participant.Identity
	}
	if lesson.OccurredAt.IsZero() {
		lesson.OccurredAt = h.now().UTC()
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()
	if err := h.publisher.PublishLessonEvent(ctx, lesson); err != nil {
		h.logger.Error("publish lesson event",
			zap.String("event", ev.Event), zap.Uint64("reservation_id", id), zap.Error(err))
		// LiveKit redelivers on non-2xx.
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "event not queued"})
	}
	return c.JSON(http.StatusOK, echo.Map{"status": "queued"})
}
