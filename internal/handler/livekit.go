package handler

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/verbfy/lesson-rtc/internal/access"
	"github.com/verbfy/lesson-rtc/internal/livekit"
	"github.com/verbfy/lesson-rtc/internal/middleware"
	"github.com/verbfy/lesson-rtc/internal/model"
)

// RoomDecider evaluates room access.  *access.Policy satisfies it.
type RoomDecider interface {
	Decide(ctx context.Context, userID uint64, roomName string) (access.Decision, error)
}

// TokenIssuer mints LiveKit join tokens.  *livekit.Issuer satisfies it.
type TokenIssuer interface {
	Issue(req livekit.JoinRequest) (livekit.Token, error)
}

// NameLookup resolves display names for tokens minted without a name
// claim.
type NameLookup interface {
	GetByID(ctx context.Context, id uint64) (model.User, error)
}

// LiveKitHandler serves the token and validation endpoints.
type LiveKitHandler struct {
	policy RoomDecider
	issuer TokenIssuer
	users  NameLookup
	logger *zap.Logger
}

func NewLiveKitHandler(policy RoomDecider, issuer TokenIssuer, users NameLookup, logger *zap.Logger) *LiveKitHandler {
	return &LiveKitHandler{policy: policy, issuer: issuer, users: users, logger: logger}
}

type tokenReq struct {
	Metadata string `json:"metadata" validate:"omitempty,max=4096"`
}

type tokenResp struct {
	Token   string `json:"token"`
	URL     string `json:"url"`
	IsCloud bool   `json:"isCloud"`
	Room    string `json:"room"`
}

// decide runs the policy for the authenticated caller.  On failure the
// response has been written and ok is false.
func (h *LiveKitHandler) decide(c echo.Context) (userID uint64, room string, d access.Decision, ok bool) {
	userID, authed := middleware.UserID(c)
	if !authed {
		_ = c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
		return 0, "", d, false
	}
	room = strings.TrimSpace(c.Param("roomName"))
	if room == "" {
		_ = c.JSON(http.StatusBadRequest, echo.Map{"error": "room name required"})
		return 0, "", d, false
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()
	d, err := h.policy.Decide(ctx, userID, room)
	if err != nil {
		h.logger.Error("room access check failed",
			zap.Uint64("user_id", userID), zap.String("room", room), zap.Error(err))
		_ = c.JSON(http.StatusInternalServerError, echo.Map{"error": "could not verify room access"})
		return 0, "", d, false
	}
	return userID, room, d, true
}

// Token handles POST /api/livekit/token/:roomName.
func (h *LiveKitHandler) Token(c echo.Context) error {
	var req tokenReq
	if hasBody(c.Request()) {
		if err := bindValid(c, &req); err != nil {
			return nil
		}
	}

	userID, room, d, ok := h.decide(c)
	if !ok {
		return nil
	}
	if !d.IsValid {
		return c.JSON(http.StatusForbidden, echo.Map{"error": "access denied", "reason": d.Reason})
	}

	tok, err := h.issuer.Issue(livekit.JoinRequest{
		Identity: strconv.FormatUint(userID, 10),
		Name:     h.displayName(c, userID),
		Room:     room,
		IsCloud:  d.IsCloud,
		Metadata: req.Metadata,
	})
	if err != nil {
		if livekit.IsConfigurationError(err) {
			h.logger.Error("livekit not configured", zap.Error(err))
		} else {
			h.logger.Error("issue livekit token", zap.Uint64("user_id", userID), zap.Error(err))
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to generate token"})
	}

	h.logger.Info("livekit token issued",
		zap.Uint64("user_id", userID),
		zap.String("room", room),
		zap.String("deployment", livekit.Deployment(tok.IsCloud)))
	return c.JSON(http.StatusOK, tokenResp{Token: tok.JWT, URL: tok.URL, IsCloud: tok.IsCloud, Room: tok.Room})
}

// Validate handles GET /api/livekit/validate/:roomName.  Denials are
// reported in the body with status 200.
func (h *LiveKitHandler) Validate(c echo.Context) error {
	_, _, d, ok := h.decide(c)
	if !ok {
		return nil
	}
	return c.JSON(http.StatusOK, d)
}

// hasBody reports whether r may carry a body.  Chunked uploads have
// ContentLength -1 and are bound like any other.
func hasBody(r *http.Request) bool {
	return r.Body != nil && r.Body != http.NoBody && r.ContentLength != 0
}

func (h *LiveKitHandler) displayName(c echo.Context, userID uint64) string {
	if name := middleware.UserName(c); name != "" {
		return name
	}
	if h.users != nil {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()
		u, err := h.users.GetByID(ctx, userID)
		if err == nil && u.Name != "" {
			return u.Name
		}
		if err != nil {
			h.logger.Warn("resolve participant name", zap.Uint64("user_id", userID), zap.Error(err))
		}
	}
	return "user-" + strconv.FormatUint(userID, 10)
}
