package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/npezzotti/go-messenger/internal/auth"
	"github.com/npezzotti/go-messenger/internal/database"
	"github.com/npezzotti/go-messenger/internal/testutil"
	"github.com/npezzotti/go-messenger/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

func TestErrorHandler(t *testing.T) {
	app := &GoChatApp{log: testutil.TestLogger(t)}

	tcases := []struct {
		name  string
		panic any
	}{
		{name: "panic with error", panic: errors.New("boom")},
		{name: "panic with string", panic: "boom"},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			h := app.errorHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				panic(tc.panic)
			}))

			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

			assert.Equal(t, http.StatusInternalServerError, rr.Code)
			assert.Equal(t, "close", rr.Header().Get("Connection"))
			assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
			assert.JSONEq(t, `{"status_code":500,"message":"internal server error"}`, rr.Body.String())
		})
	}

	t.Run("no panic", func(t *testing.T) {
		h := app.errorHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTeapot)
		}))

		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusTeapot, rr.Code)
	})
}

func TestAuthMiddleware(t *testing.T) {
	key := []byte("test-signing-key")

	var seen types.User
	next := func(w http.ResponseWriter, r *http.Request) {
		seen, _ = User(r.Context())
		w.WriteHeader(http.StatusOK)
	}

	t.Run("valid token", func(t *testing.T) {
		db := &database.MockMessengerRepository{}
		defer db.AssertExpectations(t)
		db.On("GetUser", mock.Anything, "alice").Return(database.User{Id: "alice", Username: "alice"}, nil)

		v := auth.NewVerifier(key, db)
		app := &GoChatApp{log: testutil.TestLogger(t), verifier: v}
		token, _ := v.CreateToken("alice", time.Minute)

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.AddCookie(&http.Cookie{Name: auth.TokenCookieKey, Value: token})
		rr := httptest.NewRecorder()
		app.authMiddleware(next)(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "alice", seen.Id)
		assert.Contains(t, rr.Header().Get("Cache-Control"), "no-store")
	})

	t.Run("missing token", func(t *testing.T) {
		app := &GoChatApp{log: testutil.TestLogger(t), verifier: auth.NewVerifier(key, &database.MockMessengerRepository{})}

		rr := httptest.NewRecorder()
		app.authMiddleware(next)(rr, httptest.NewRequest(http.MethodGet, "/", nil))

		assert.Equal(t, http.StatusUnauthorized, rr.Code)
		assert.JSONEq(t, `{"status_code":401,"message":"unauthorized"}`, rr.Body.String())
	})

	t.Run("user lookup fails", func(t *testing.T) {
		db := &database.MockMessengerRepository{}
		defer db.AssertExpectations(t)
		db.On("GetUser", mock.Anything, "alice").Return(database.User{}, errors.New("connection refused"))

		v := auth.NewVerifier(key, db)
		app := &GoChatApp{log: testutil.TestLogger(t), verifier: v}
		token, _ := v.CreateToken("alice", time.Minute)

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rr := httptest.NewRecorder()
		app.authMiddleware(next)(rr, req)

		assert.Equal(t, http.StatusInternalServerError, rr.Code)
	})
}

func TestUserContext(t *testing.T) {
	_, ok := User(context.Background())
	assert.False(t, ok)

	u, ok := User(WithUser(context.Background(), types.User{Id: "alice"}))
	assert.True(t, ok)
	assert.Equal(t, "alice", u.Id)
}
