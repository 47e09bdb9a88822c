package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/verbfy/lesson-rtc/internal/config"
	"github.com/verbfy/lesson-rtc/internal/middleware"
	"github.com/verbfy/lesson-rtc/internal/model"
	"github.com/verbfy/lesson-rtc/internal/repository"
	"github.com/verbfy/lesson-rtc/internal/utils"
)

// UserStore reads accounts.  *repository.UserRepo satisfies it.
type UserStore interface {
	GetByEmail(ctx context.Context, email string) (model.User, error)
	GetByID(ctx context.Context, id uint64) (model.User, error)
}

// TokenStore persists single-use refresh token hashes.
// *repository.TokenRepo satisfies it.
type TokenStore interface {
	Store(ctx context.Context, userID uint64, tokenHash string, exp time.Time) error
	Consume(ctx context.Context, tokenHash string) (uint64, error)
}

// AuthHandler bundles dependencies for auth endpoints.
type AuthHandler struct {
	cfg    config.Config
	users  UserStore
	tokens TokenStore
	logger *zap.Logger
}

func NewAuthHandler(cfg config.Config, u UserStore, t TokenStore, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{cfg: cfg, users: u, tokens: t, logger: logger}
}

// ----- DTOs -----

type loginReq struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}
type refreshReq struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

type tokenPart struct {
	Token   string    `json:"token"`
	Expires time.Time `json:"expires"`
}
type userPart struct {
	ID    uint64 `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  string `json:"role"`
}
type authResp struct {
	User    userPart  `json:"user"`
	Access  tokenPart `json:"access"`
	Refresh tokenPart `json:"refresh"`
}

// issue mints an access/refresh pair for u and stores the refresh hash.
func (h *AuthHandler) issue(ctx context.Context, u model.User) (authResp, error) {
	access, err := utils.NewAccessToken(h.cfg.JWTSecret, u.ID, u.Role, u.Name, time.Duration(h.cfg.AccessTTLMin)*time.Minute)
	if err != nil {
		return authResp{}, err
	}
	refresh, err := utils.NewRefreshToken(time.Duration(h.cfg.RefreshTTLDays) * 24 * time.Hour)
	if err != nil {
		return authResp{}, err
	}
	if err := h.tokens.Store(ctx, u.ID, utils.HashRefreshRaw(refresh.Raw), refresh.Exp); err != nil {
		return authResp{}, err
	}
	return authResp{
		User:    userPart{ID: u.ID, Name: u.Name, Email: u.Email, Role: u.Role},
		Access:  tokenPart{Token: access.Token, Expires: access.Exp},
		Refresh: tokenPart{Token: refresh.Raw, Expires: refresh.Exp}, // raw back to client
	}, nil
}

// Login: verify and return new pair.
func (h *AuthHandler) Login(c echo.Context) error {
	var req loginReq
	if err := bindValid(c, &req); err != nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	u, err := h.users.GetByEmail(ctx, req.Email)
	if errors.Is(err, repository.ErrUserNotFound) {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid credentials"})
	}
	if err != nil {
		h.logger.Error("login: load user", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal error"})
	}
	if err := utils.CheckPassword(u.PasswordHash, req.Password); err != nil {
		if !errors.Is(err, utils.ErrPasswordMismatch) {
			h.logger.Error("login: corrupt password hash", zap.Uint64("user_id", u.ID), zap.Error(err))
		}
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid credentials"})
	}
	if !u.IsActive {
		return c.JSON(http.StatusForbidden, echo.Map{"error": "account deactivated"})
	}

	resp, err := h.issue(ctx, u)
	if err != nil {
		h.logger.Error("login: issue tokens", zap.Uint64("user_id", u.ID), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal error"})
	}
	return c.JSON(http.StatusOK, resp)
}

// Refresh consumes the presented refresh token and issues a new pair.
func (h *AuthHandler) Refresh(c echo.Context) error {
	userID, ok := h.consume(c, "refresh")
	if !ok {
		return nil
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	u, err := h.users.GetByID(ctx, userID)
	if errors.Is(err, repository.ErrUserNotFound) || (err == nil && !u.IsActive) {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid refresh token"})
	}
	if err != nil {
		h.logger.Error("refresh: load user", zap.Uint64("user_id", userID), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal error"})
	}

	resp, err := h.issue(ctx, u)
	if err != nil {
		h.logger.Error("refresh: issue tokens", zap.Uint64("user_id", userID), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal error"})
	}
	return c.JSON(http.StatusOK, resp)
}

// Logout revokes the refresh token in the body.
func (h *AuthHandler) Logout(c echo.Context) error {
	if _, ok := h.consume(c, "logout"); !ok {
		return nil
	}
	return c.NoContent(http.StatusNoContent)
}

// consume binds a refreshReq and spends its token.  On failure the
// response has already been written.
func (h *AuthHandler) consume(c echo.Context, op string) (uint64, bool) {
	var req refreshReq
	if err := bindValid(c, &req); err != nil {
		return 0, false
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	userID, err := h.tokens.Consume(ctx, utils.HashRefreshRaw(strings.TrimSpace(req.RefreshToken)))
	if errors.Is(err, repository.ErrTokenInvalid) {
		_ = c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid refresh token"})
		return 0, false
	}
	if err != nil {
		h.logger.Error(op+": consume refresh token", zap.Error(err))
		_ = c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal error"})
		return 0, false
	}
	return userID, true
}

// Me: simple protected endpoint.
func (h *AuthHandler) Me(c echo.Context) error {
	id, _ := middleware.UserID(c)
	return c.JSON(http.StatusOK, echo.Map{
		"user_id": id,
		"role":    middleware.Role(c),
		"name":    middleware.UserName(c),
	})
}
