package handler

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/verbfy/lesson-rtc/internal/access"
	"github.com/verbfy/lesson-rtc/internal/middleware"
	"github.com/verbfy/lesson-rtc/internal/model"
	"github.com/verbfy/lesson-rtc/internal/signaling"
)

func TestSignalingUpgrade(t *testing.T) {
	hub := signaling.NewHub(&stubDecider{d: access.Decision{IsValid: true}}, zap.NewNop(), signaling.Options{})
	h := NewSignalingHandler(hub, nil, zap.NewNop())
	e := newEcho()
	e.GET("/ws/signaling", h.Connect, middleware.JWTAuth(testSecret))
	srv := httptest.NewServer(e)
	t.Cleanup(func() {
		hub.Shutdown()
		srv.Close()
	})
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/signaling"

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	_, err := signaling.Dial(ctx, url, "")
	require.Error(t, err, "unauthenticated upgrade must fail")

	token := strings.TrimPrefix(bearer(t, 7, model.RoleStudent, "Ana"), "Bearer ")
	conn, err := signaling.Dial(ctx, url, token)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.Send(signaling.Message{Event: signaling.EventJoinRoom, RoomID: "talk"}))
	select {
	case msg := <-conn.Incoming():
		assert.Equal(t, signaling.EventRoomInfo, msg.Event)
	case <-time.After(3 * time.Second):
		t.Fatal("no room-info")
	}
	assert.Equal(t, []string{"7"}, hub.Participants("talk"))
}

func TestSignalingOriginCheck(t *testing.T) {
	h := NewSignalingHandler(nil, []string{"https://app.verbfy.com"}, zap.NewNop())
	req := httptest.NewRequest("GET", "/ws/signaling", nil)
	req.Header.Set("Origin", "https://evil.example")
	assert.False(t, h.upgrader.CheckOrigin(req))
	req.Header.Set("Origin", "https://app.verbfy.com")
	assert.True(t, h.upgrader.CheckOrigin(req))
}
