package middleware

// identity.go defines the context keys JWTAuth fills in and the accessors
// handlers and other middleware use to read them back.

import (
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	ctxUserID   = "user_id"
	ctxRole     = "role"
	ctxUserName = "user_name"
)

// UserID returns the authenticated user's id.
func UserID(c echo.Context) (uint64, bool) {
	id, ok := c.Get(ctxUserID).(uint64)
	return id, ok && id != 0
}

// Role returns the authenticated user's role claim.
func Role(c echo.Context) string {
	r, _ := c.Get(ctxRole).(string)
	return r
}

// UserName returns the display name claim, which may be empty.
func UserName(c echo.Context) string {
	n, _ := c.Get(ctxUserName).(string)
	return n
}

// userKey identifies the caller in access logs: the user id when
// authenticated, "anon" otherwise.
func userKey(c echo.Context) string {
	if id, ok := UserID(c); ok {
		return strconv.FormatUint(id, 10)
	}
	return "anon"
}
