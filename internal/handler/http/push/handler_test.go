package push

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"liveroom-backend/pkg/push"
)

// MockTokenRepository is a mock implementation of push.TokenRepository
type MockTokenRepository struct {
	mock.Mock
}

func (m *MockTokenRepository) Store(ctx context.Context, token *push.Token) error {
	return m.Called(ctx, token).Error(0)
}

func (m *MockTokenRepository) GetByUserID(ctx context.Context, userID uuid.UUID) ([]*push.Token, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*push.Token), args.Error(1)
}

func (m *MockTokenRepository) GetByToken(ctx context.Context, token string) (*push.Token, error) {
	args := m.Called(ctx, token)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*push.Token), args.Error(1)
}

func (m *MockTokenRepository) Update(ctx context.Context, token *push.Token) error {
	return m.Called(ctx, token).Error(0)
}

func (m *MockTokenRepository) Delete(ctx context.Context, tokenID uuid.UUID) error {
	return m.Called(ctx, tokenID).Error(0)
}

func (m *MockTokenRepository) MarkInactive(ctx context.Context, tokenID uuid.UUID) error {
	return m.Called(ctx, tokenID).Error(0)
}

func setupRouter(repo push.TokenRepository, userID uuid.UUID) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		if userID != uuid.Nil {
			c.Set("user_id", userID)
		}
		c.Next()
	})
	h := NewHandler(push.NewService(&push.MockProvider{}, repo, nil))
	r.POST("/v1/push/tokens", h.RegisterToken)
	r.DELETE("/v1/push/tokens", h.UnregisterToken)
	return r
}

func do(r *gin.Engine, method string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	_ = json.NewEncoder(&buf).Encode(body)
	req := httptest.NewRequest(method, "/v1/push/tokens", &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRegisterToken(t *testing.T) {
	userID := uuid.New()
	repo := new(MockTokenRepository)
	repo.On("GetByToken", mock.Anything, "device-token").Return(nil, push.ErrTokenNotFound)
	repo.On("Store", mock.Anything, mock.MatchedBy(func(tok *push.Token) bool {
		return tok.UserID == userID && tok.Type == push.TokenTypeFCM && tok.Active
	})).Return(nil)

	w := do(setupRouter(repo, userID), http.MethodPost, map[string]string{
		"token":    "device-token",
		"type":     "fcm",
		"platform": "android",
	})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "token_id")
	repo.AssertExpectations(t)
}

func TestRegisterToken_Validation(t *testing.T) {
	tests := []struct {
		name string
		body map[string]string
	}{
		{"missing token", map[string]string{"type": "fcm"}},
		{"unknown type", map[string]string{"token": "t", "type": "sms"}},
		{"unknown platform", map[string]string{"token": "t", "type": "apns", "platform": "web"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := new(MockTokenRepository)
			w := do(setupRouter(repo, uuid.New()), http.MethodPost, tt.body)

			assert.Equal(t, http.StatusBadRequest, w.Code)
			repo.AssertNotCalled(t, "Store", mock.Anything, mock.Anything)
		})
	}
}

func TestRegisterToken_Unauthenticated(t *testing.T) {
	w := do(setupRouter(new(MockTokenRepository), uuid.Nil), http.MethodPost, map[string]string{
		"token": "t",
		"type":  "fcm",
	})

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestUnregisterToken(t *testing.T) {
	owner := uuid.New()
	tok := &push.Token{ID: uuid.New(), UserID: owner, Token: "device-token"}

	t.Run("owner removes token", func(t *testing.T) {
		repo := new(MockTokenRepository)
		repo.On("GetByToken", mock.Anything, "device-token").Return(tok, nil)
		repo.On("Delete", mock.Anything, tok.ID).Return(nil)

		w := do(setupRouter(repo, owner), http.MethodDelete, map[string]string{"token": "device-token"})

		require.Equal(t, http.StatusOK, w.Code)
		repo.AssertExpectations(t)
	})

	t.Run("other user gets not found", func(t *testing.T) {
		repo := new(MockTokenRepository)
		repo.On("GetByToken", mock.Anything, "device-token").Return(tok, nil)

		w := do(setupRouter(repo, uuid.New()), http.MethodDelete, map[string]string{"token": "device-token"})

		assert.Equal(t, http.StatusNotFound, w.Code)
		repo.AssertNotCalled(t, "Delete", mock.Anything, mock.Anything)
	})

	t.Run("unknown token", func(t *testing.T) {
		repo := new(MockTokenRepository)
		repo.On("GetByToken", mock.Anything, "missing").Return(nil, push.ErrTokenNotFound)

		w := do(setupRouter(repo, owner), http.MethodDelete, map[string]string{"token": "missing"})

		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}
