package handler

import (
	"bytes"
	"context"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"

	"github.com/verbfy/lesson-rtc/internal/model"
	"github.com/verbfy/lesson-rtc/internal/repository"
	"github.com/verbfy/lesson-rtc/internal/utils"
)

const testSecret = "handler-test-secret"

func newEcho() *echo.Echo {
	e := echo.New()
	e.Validator = NewValidator()
	return e
}

func bearer(t *testing.T, userID uint64, role, name string) string {
	t.Helper()
	tok, err := utils.NewAccessToken(testSecret, userID, role, name, time.Minute)
	require.NoError(t, err)
	return "Bearer " + tok.Token
}

func do(e *echo.Echo, method, path, auth string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if len(body) > 0 {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	if auth != "" {
		req.Header.Set(echo.HeaderAuthorization, auth)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

type fakeUsers struct {
	byID map[uint64]model.User
	err  error
}

func (f *fakeUsers) GetByEmail(_ context.Context, email string) (model.User, error) {
	if f.err != nil {
		return model.User{}, f.err
	}
	for _, u := range f.byID {
		if u.Email == email {
			return u, nil
		}
	}
	return model.User{}, repository.ErrUserNotFound
}

func (f *fakeUsers) GetByID(_ context.Context, id uint64) (model.User, error) {
	if f.err != nil {
		return model.User{}, f.err
	}
	u, ok := f.byID[id]
	if !ok {
		return model.User{}, repository.ErrUserNotFound
	}
	return u, nil
}

type fakeTokens struct {
	mu      sync.Mutex
	owner   map[string]uint64
	revoked map[string]bool
}

func newFakeTokens() *fakeTokens {
	return &fakeTokens{owner: map[string]uint64{}, revoked: map[string]bool{}}
}

func (f *fakeTokens) Store(_ context.Context, userID uint64, hash string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.owner[hash] = userID
	return nil
}

func (f *fakeTokens) Consume(_ context.Context, hash string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.owner[hash]
	if !ok || f.revoked[hash] {
		return 0, repository.ErrTokenInvalid
	}
	f.revoked[hash] = true
	return id, nil
}
