package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-messenger/internal/auth"
	"github.com/npezzotti/go-messenger/internal/config"
	"github.com/npezzotti/go-messenger/internal/database"
	"github.com/npezzotti/go-messenger/internal/server"
	"github.com/npezzotti/go-messenger/internal/stats"
	"github.com/npezzotti/go-messenger/internal/testutil"
	"github.com/npezzotti/go-messenger/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testOrigin = "http://localhost:3000"

type testApp struct {
	*GoChatApp
	db       *database.MemoryMessengerRepository
	cs       *server.ChatServer
	verifier *auth.Verifier
}

func newTestApp(t *testing.T, userIds ...string) *testApp {
	t.Helper()

	db := database.NewMemoryMessengerRepository()
	for _, id := range userIds {
		db.AddUser(database.User{Id: id, Username: id})
	}

	return newTestAppWithRepo(t, db, db)
}

// newTestAppWithRepo builds an app whose chat server uses db and whose
// health check uses health.
func newTestAppWithRepo(t *testing.T, db *database.MemoryMessengerRepository, health database.MessengerRepository) *testApp {
	t.Helper()

	logger := testutil.TestLogger(t)
	cs, err := server.NewChatServer(logger, db, stats.NewLenientMockStatsUpdater(), server.Options{NotificationWorkers: 1})
	require.NoError(t, err)

	go cs.Run()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		cs.Shutdown(ctx)
	})

	verifier := auth.NewVerifier([]byte("test-signing-key"), db)
	cfg := &config.Config{
		ServerAddr:     "localhost:0",
		AllowedOrigins: []string{testOrigin},
	}

	app := NewGoChatApp(http.NewServeMux(), logger, cs, health, verifier, cfg)
	return &testApp{GoChatApp: app, db: db, cs: cs, verifier: verifier}
}

func (a *testApp) token(t *testing.T, userId string) string {
	t.Helper()
	token, err := a.verifier.CreateToken(userId, time.Hour)
	require.NoError(t, err)
	return token
}

// do serves a request as userId. An empty userId sends no credential.
func (a *testApp) do(t *testing.T, method, target, userId string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}

	req := httptest.NewRequest(method, target, &buf)
	if userId != "" {
		req.Header.Set("Authorization", "Bearer "+a.token(t, userId))
	}

	rr := httptest.NewRecorder()
	a.Handler().ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&v), "body: %s", rr.Body.String())
	return v
}

func TestGoChatApp_checkOrigin(t *testing.T) {
	app := &GoChatApp{allowedOrigins: []string{testOrigin}}

	tcases := []struct {
		name   string
		origin string
		want   bool
	}{
		{name: "no origin", origin: "", want: true},
		{name: "allowed origin", origin: testOrigin, want: true},
		{name: "other origin", origin: "http://evil.example", want: false},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/ws", nil)
			if tc.origin != "" {
				r.Header.Set("Origin", tc.origin)
			}
			assert.Equal(t, tc.want, app.checkOrigin(r))
		})
	}

	t.Run("wildcard", func(t *testing.T) {
		app := &GoChatApp{allowedOrigins: []string{"*"}}
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		r.Header.Set("Origin", "http://anything.example")
		assert.True(t, app.checkOrigin(r))
	})
}

func TestGoChatApp_Shutdown(t *testing.T) {
	app := newTestApp(t)

	errCh := make(chan error, 1)
	go func() { errCh <- app.Start() }()

	// Give ListenAndServe a moment to bind before shutting down.
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, app.Shutdown(ctx))

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, http.ErrServerClosed)
	case <-time.After(time.Second):
		t.Fatal("server did not stop")
	}
}

func TestServeWs(t *testing.T) {
	app := newTestApp(t, "alice", "bob")
	app.db.AddFriendship("alice", "bob")

	srv := httptest.NewServer(app.Handler())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	t.Run("unauthenticated", func(t *testing.T) {
		_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
		require.ErrorIs(t, err, websocket.ErrBadHandshake)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("origin not allowed", func(t *testing.T) {
		h := http.Header{}
		h.Set("Origin", "http://evil.example")
		_, resp, err := websocket.DefaultDialer.Dial(wsURL+"?token="+app.token(t, "alice"), h)
		require.ErrorIs(t, err, websocket.ErrBadHandshake)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("connects and serves events", func(t *testing.T) {
		h := http.Header{}
		h.Set("Origin", testOrigin)
		ws, _, err := websocket.DefaultDialer.Dial(wsURL+"?token="+app.token(t, "alice"), h)
		require.NoError(t, err)
		defer ws.Close()

		assert.Eventually(t, func() bool {
			return app.cs.Registry().IsOnline("alice")
		}, time.Second, 10*time.Millisecond)

		require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"id":7,"status-get":{"user_ids":["bob"]}}`)))

		var reply server.ServerMessage
		ws.SetReadDeadline(time.Now().Add(time.Second))
		require.NoError(t, ws.ReadJSON(&reply))
		assert.Equal(t, 7, reply.Id)
		require.NotNil(t, reply.StatusList)
		assert.Equal(t, types.StatusOffline, (*reply.StatusList)["bob"].Status)

		ws.Close()
		assert.Eventually(t, func() bool {
			return !app.cs.Registry().IsOnline("alice")
		}, time.Second, 10*time.Millisecond)
	})
}

func Test_fromError(t *testing.T) {
	tcases := []struct {
		name    string
		err     error
		code    int
		message string
	}{
		{
			name:    "validation",
			err:     server.ErrValidation("content is required"),
			code:    http.StatusBadRequest,
			message: "content is required",
		},
		{
			name:    "wrapped forbidden",
			err:     errors.Join(errors.New("ctx"), server.ErrForbidden("not a member of this room")),
			code:    http.StatusForbidden,
			message: "not a member of this room",
		},
		{
			name:    "rate limited",
			err:     server.ErrRateLimited(),
			code:    http.StatusTooManyRequests,
			message: "rate limit exceeded",
		},
		{
			name:    "plain error",
			err:     errors.New("boom"),
			code:    http.StatusInternalServerError,
			message: "internal server error",
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			apiErr := fromError(tc.err)
			assert.Equal(t, tc.code, apiErr.StatusCode)
			assert.Equal(t, tc.message, apiErr.Message)
		})
	}
}
