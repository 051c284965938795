package ginguard

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inercia/edgeguard/internal/background"
	"github.com/inercia/edgeguard/internal/config"
	"github.com/inercia/edgeguard/internal/defense"
	"github.com/inercia/edgeguard/internal/store"
	"github.com/inercia/edgeguard/internal/web"
)

func newRouter(t *testing.T, cfg *config.Config) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine, err := defense.New(cfg, store.NewMemory("", logger), defense.WithLogger(logger))
	require.NoError(t, err)
	guard := web.NewGuard(engine, background.Inline(context.Background()), logger)

	router := gin.New()
	router.Use(Middleware(guard))
	router.GET("/api/test", func(c *gin.Context) {
		d, ok := Decision(c)
		c.JSON(http.StatusOK, gin.H{"seen": ok, "wouldBlock": d.WouldBlock()})
	})
	router.POST("/api/auth/login", func(c *gin.Context) {
		c.JSON(http.StatusUnauthorized, gin.H{"status": "error"})
	})
	return router
}

func testConfig(mode config.Mode) *config.Config {
	cfg := &config.Config{
		Mode:      mode,
		RateLimit: config.RateLimitConfig{Default: config.Window{WindowMs: 60000, Max: 3}},
		AuthFailure: config.AuthFailureConfig{Paths: map[string]config.AuthFailureRule{
			"/api/auth": {MaxAttempts: 2, LockoutDuration: 30000},
		}},
	}
	cfg.ApplyDefaults()
	return cfg
}

func do(router *gin.Engine, method, path string) *httptest.ResponseRecorder {
	req, _ := http.NewRequest(method, path, nil)
	req.RemoteAddr = "203.0.113.9:5555"
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) Chrome/126.0")
	req.Header.Set("Accept", "text/html")
	req.Header.Set("Accept-Language", "en")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestMiddleware_RateLimit(t *testing.T) {
	tests := []struct {
		name           string
		mode           config.Mode
		expectedStatus []int
	}{
		{
			name:           "live denies the fourth request",
			mode:           config.ModeLive,
			expectedStatus: []int{200, 200, 200, 429},
		},
		{
			name:           "dry run allows everything",
			mode:           config.ModeDryRun,
			expectedStatus: []int{200, 200, 200, 200},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newRouter(t, testConfig(tt.mode))
			var last *httptest.ResponseRecorder
			for i, want := range tt.expectedStatus {
				last = do(router, http.MethodGet, "/api/test")
				assert.Equal(t, want, last.Code, "request %d", i+1)
			}

			var body map[string]interface{}
			require.NoError(t, json.Unmarshal(last.Body.Bytes(), &body))
			if tt.mode == config.ModeLive {
				assert.Equal(t, "Too many requests", body["error"])
				assert.Equal(t, "60", last.Header().Get("Retry-After"))
			} else {
				assert.Equal(t, true, body["seen"])
				assert.Equal(t, true, body["wouldBlock"])
			}
		})
	}
}

func TestMiddleware_AuthLockout(t *testing.T) {
	router := newRouter(t, testConfig(config.ModeLive))

	assert.Equal(t, http.StatusUnauthorized, do(router, http.MethodPost, "/api/auth/login").Code)
	assert.Equal(t, http.StatusUnauthorized, do(router, http.MethodPost, "/api/auth/login").Code)

	w := do(router, http.MethodPost, "/api/auth/login")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.JSONEq(t, `{"error":"Authentication failed"}`, w.Body.String())
	assert.Equal(t, "30", w.Header().Get("Retry-After"))
}
