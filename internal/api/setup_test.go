package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"bhr/internal/config"
	"bhr/internal/service"
	"bhr/internal/storage/memory"
)

type testEnv struct {
	router *gin.Engine
	store  *memory.Store
	blocks *service.BlockService
	auth   *service.AuthService
	token  string
}

func setupTestRouter(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()

	sessionStore := cookie.NewStore([]byte("secret"))
	router.Use(sessions.Sessions("bhr_session", sessionStore))

	cfg := &config.Config{
		MetricsAllowedIPs: "127.0.0.1",
	}

	store := memory.New()
	whitelistSvc := service.NewWhitelistService(store)
	blockSvc := service.NewBlockService(store, whitelistSvc, nil, nil)
	authSvc := service.NewAuthService(store)

	hub := NewHub()
	go hub.Run()
	t.Cleanup(hub.Stop)

	h := NewAPIHandler(cfg, nil, blockSvc, whitelistSvc, authSvc, hub)
	passthrough := func(c *gin.Context) { c.Next() }
	h.SetLimiters(passthrough, passthrough, passthrough)
	h.RegisterRoutes(router)

	ctx := context.Background()
	_, err := authSvc.CreateOperator(ctx, "admin", "password")
	require.NoError(t, err)
	raw, _, err := authSvc.CreateAPIToken(ctx, "admin", "test", "", 0)
	require.NoError(t, err)

	return &testEnv{
		router: router,
		store:  store,
		blocks: blockSvc,
		auth:   authSvc,
		token:  raw,
	}
}

func (e *testEnv) request(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.token)

	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) requestAnon(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decodeJSON(t *testing.T, w *httptest.ResponseRecorder, target interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), target), "body: %s", w.Body.String())
}
