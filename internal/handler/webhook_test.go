package handler

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/verbfy/lesson-rtc/internal/livekit"
	"github.com/verbfy/lesson-rtc/internal/queue"
)

type capturePublisher struct {
	events []queue.LessonEvent
	err    error
}

func (p *capturePublisher) PublishLessonEvent(_ context.Context, ev queue.LessonEvent) error {
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, ev)
	return nil
}

func postWebhook(t *testing.T, pub *capturePublisher, body []byte, sign bool) *httptest.ResponseRecorder {
	t.Helper()
	h := NewWebhookHandler(livekit.NewVerifier(lkConfig), pub, zap.NewNop())
	e := newEcho()
	e.POST("/api/livekit/webhook", h.Receive)

	req := httptest.NewRequest(http.MethodPost, "/api/livekit/webhook", bytes.NewReader(body))
	req.Header.Set(echo.HeaderContentType, "application/webhook+json")
	if sign {
		auth, err := livekit.SignWebhook(lkConfig.Cloud, body, time.Now())
		require.NoError(t, err)
		req.Header.Set(echo.HeaderAuthorization, auth)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestWebhookQueuesLessonEvent(t *testing.T) {
	pub := &capturePublisher{}
	body := []byte(`{"id":"EV_1","event":"participant_joined","room":{"sid":"RM_1","name":"lesson-42"},` +
		`"participant":{"sid":"PA_1","identity":"7","name":"Ana"},"createdAt":"1760000000"}`)

	rec := postWebhook(t, pub, body, true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Len(t, pub.events, 1)
	ev := pub.events[0]
	assert.Equal(t, livekit.EventParticipantJoined, ev.Event)
	assert.Equal(t, uint64(42), ev.ReservationID)
	assert.Equal(t, "7", ev.ParticipantID)
	assert.Equal(t, "EV_1", ev.EventID)
	assert.Equal(t, time.Unix(1760000000, 0).UTC(), ev.OccurredAt)
}

func TestWebhookIgnoresTalkRooms(t *testing.T) {
	pub := &capturePublisher{}
	for _, room := range []string{"talk", "lesson-abc"} {
		body := []byte(`{"event":"room_started","room":{"name":"` + room + `"}}`)
		rec := postWebhook(t, pub, body, true)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"status":"ignored"}`, rec.Body.String())
	}
	assert.Empty(t, pub.events)
}

func TestWebhookRejectsUnsigned(t *testing.T) {
	pub := &capturePublisher{}
	rec := postWebhook(t, pub, []byte(`{"event":"room_started","room":{"name":"lesson-1"}}`), false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, pub.events)
}

func TestWebhookPublishFailure(t *testing.T) {
	pub := &capturePublisher{err: errors.New("broker down")}
	rec := postWebhook(t, pub, []byte(`{"event":"room_finished","room":{"name":"lesson-1"}}`), true)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
