package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liveroom-backend/pkg/jwt"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubRevocation struct {
	revoked bool
	err     error
}

func (s stubRevocation) IsTokenRevoked(ctx context.Context, tokenID string) (bool, error) {
	return s.revoked, s.err
}

func authRouter(manager *jwt.JWTManager, checker RevocationChecker) *gin.Engine {
	r := gin.New()
	r.GET("/me", AuthMiddleware(manager, checker), func(c *gin.Context) {
		id, ok := UserID(c)
		if !ok {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.String(http.StatusOK, id.String()+" "+Username(c))
	})
	return r
}

func TestAuthMiddleware(t *testing.T) {
	manager := jwt.NewJWTManager("test-secret", time.Minute)
	userID := uuid.New()
	token, err := manager.GenerateAccessToken(userID, "host", "user")
	require.NoError(t, err)

	tests := []struct {
		name    string
		header  string
		checker RevocationChecker
		status  int
	}{
		{name: "valid", header: "Bearer " + token, status: http.StatusOK},
		{name: "missing header", status: http.StatusUnauthorized},
		{name: "wrong scheme", header: "Basic " + token, status: http.StatusUnauthorized},
		{name: "garbage token", header: "Bearer nope", status: http.StatusUnauthorized},
		{name: "revoked", header: "Bearer " + token, checker: stubRevocation{revoked: true}, status: http.StatusUnauthorized},
		{name: "revocation store down", header: "Bearer " + token, checker: stubRevocation{err: errors.New("down")}, status: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			authRouter(manager, tt.checker).ServeHTTP(w, req)

			assert.Equal(t, tt.status, w.Code)
			if tt.status == http.StatusOK {
				assert.Equal(t, userID.String()+" host", w.Body.String())
			}
		})
	}
}

func TestAuthMiddleware_QueryTokenOnlyForWebSocket(t *testing.T) {
	manager := jwt.NewJWTManager("test-secret", time.Minute)
	token, err := manager.GenerateAccessToken(uuid.New(), "guest", "user")
	require.NoError(t, err)
	router := authRouter(manager, nil)

	plain := httptest.NewRequest(http.MethodGet, "/me?access_token="+token, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, plain)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	upgrade := httptest.NewRequest(http.MethodGet, "/me?access_token="+token, nil)
	upgrade.Header.Set("Connection", "Upgrade")
	upgrade.Header.Set("Upgrade", "websocket")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, upgrade)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestInMemoryRateLimiter_Window(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 10, 0, time.UTC)
	l := NewInMemoryRateLimiter(2, time.Minute)
	l.now = func() time.Time { return now }

	allowed, remaining, _ := l.Check("user:a")
	assert.True(t, allowed)
	assert.Equal(t, 1, remaining)

	allowed, remaining, _ = l.Check("user:a")
	assert.True(t, allowed)
	assert.Equal(t, 0, remaining)

	allowed, _, resetAt := l.Check("user:a")
	assert.False(t, allowed)
	assert.Equal(t, time.Date(2026, 1, 1, 12, 1, 0, 0, time.UTC).Unix(), resetAt)

	// Other identifiers are counted separately
	allowed, _, _ = l.Check("user:b")
	assert.True(t, allowed)

	now = now.Add(time.Minute)
	allowed, _, _ = l.Check("user:a")
	assert.True(t, allowed)
	assert.NotContains(t, l.windows, "user:b")
}

func TestRateLimiter_FallsBackWithoutRedis(t *testing.T) {
	rl := NewRateLimiter(nil, RateLimitConfig{Name: "test", Requests: 1, Window: time.Minute}, nil)
	r := gin.New()
	r.GET("/x", rl.Middleware(), func(c *gin.Context) { c.Status(http.StatusOK) })

	codes := make([]int, 0, 2)
	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
		codes = append(codes, w.Code)
	}

	assert.Equal(t, []int{http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestCORSMiddleware(t *testing.T) {
	r := gin.New()
	r.Use(CORSMiddleware([]string{"https://app.example.com"}))
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Origin", "https://app.example.com")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "https://app.example.com", w.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestRecovery(t *testing.T) {
	r := gin.New()
	r.Use(Recovery())
	r.GET("/boom", func(c *gin.Context) { panic("boom") })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "INTERNAL_ERROR")
}

func TestSecurityHeaders(t *testing.T) {
	for _, production := range []bool{false, true} {
		r := gin.New()
		r.Use(SecurityHeaders(production))
		r.GET("/x", func(c *gin.Context) { c.Status(http.StatusNoContent) })

		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))

		assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
		assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
		assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
		assert.Equal(t, production, w.Header().Get("Strict-Transport-Security") != "")
	}
}
