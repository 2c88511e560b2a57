package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sewago/payment-webhooks/internal/models"
	"github.com/sewago/payment-webhooks/pkg/jwt"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestJWTService() *jwt.Service {
	return jwt.NewService("test-access-secret-key-123456789", time.Hour)
}

func setupTestRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	return gin.New()
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestAuthMiddleware_Success(t *testing.T) {
	jwtService := setupTestJWTService()
	router := setupTestRouter()

	token, err := jwtService.GenerateAccessToken("ops-1", []string{"admin"})
	require.NoError(t, err)

	router.GET("/protected", AuthMiddleware(jwtService, quietLogger()), func(c *gin.Context) {
		operator, exists := GetOperatorContext(c)
		require.True(t, exists)
		c.JSON(http.StatusOK, gin.H{"message": "success", "operator_id": operator.OperatorID})
	})

	req := httptest.NewRequest("GET", "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ops-1")
}

func TestAuthMiddleware_Rejections(t *testing.T) {
	jwtService := setupTestJWTService()
	router := setupTestRouter()
	router.GET("/protected", AuthMiddleware(jwtService, quietLogger()), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "should not reach here"})
	})

	wrongService := jwt.NewService("wrong-secret-key", time.Hour)
	foreign, err := wrongService.GenerateAccessToken("ops-1", []string{"admin"})
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		code   string
	}{
		{"Missing header", "", "MISSING_AUTH_HEADER"},
		{"Missing Bearer", "some-token", "INVALID_AUTH_FORMAT"},
		{"Wrong prefix", "Basic some-token", "INVALID_AUTH_FORMAT"},
		{"Empty Bearer", "Bearer ", "INVALID_AUTH_FORMAT"},
		{"Wrong secret", "Bearer " + foreign, "INVALID_TOKEN"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/protected", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()

			router.ServeHTTP(w, req)

			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.Contains(t, w.Body.String(), tt.code)
			assert.NotContains(t, w.Body.String(), "should not reach here")
		})
	}
}

func TestAuthMiddleware_ExpiredToken(t *testing.T) {
	jwtService := jwt.NewService("test-access-secret-key-123456789", time.Millisecond)
	router := setupTestRouter()

	token, err := jwtService.GenerateAccessToken("ops-1", []string{"admin"})
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)

	router.GET("/protected", AuthMiddleware(jwtService, quietLogger()), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "should not reach here"})
	})

	req := httptest.NewRequest("GET", "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "TOKEN_EXPIRED")
}

func TestRequireRole(t *testing.T) {
	jwtService := setupTestJWTService()
	router := setupTestRouter()
	router.GET("/admin", AuthMiddleware(jwtService, quietLogger()), RequireRole("admin"), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})
	router.GET("/bare", RequireRole("admin"), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	tests := []struct {
		name     string
		path     string
		roles    []string
		expected int
	}{
		{"Has role", "/admin", []string{"auditor", "admin"}, http.StatusNoContent},
		{"Lacks role", "/admin", []string{"auditor"}, http.StatusForbidden},
		{"No auth middleware", "/bare", nil, http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", tt.path, nil)
			if tt.roles != nil {
				token, err := jwtService.GenerateAccessToken("ops-1", tt.roles)
				require.NoError(t, err)
				req.Header.Set("Authorization", "Bearer "+token)
			}
			w := httptest.NewRecorder()

			router.ServeHTTP(w, req)
			assert.Equal(t, tt.expected, w.Code)
		})
	}
}

func TestGetOperatorContext(t *testing.T) {
	gin.SetMode(gin.TestMode)

	t.Run("Context exists", func(t *testing.T) {
		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		expected := OperatorContext{OperatorID: "ops-1", Roles: []string{"admin"}}
		c.Set(OperatorContextKey, expected)

		operator, exists := GetOperatorContext(c)
		assert.True(t, exists)
		assert.Equal(t, expected, operator)
	})

	t.Run("Context wrong type", func(t *testing.T) {
		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		c.Set(OperatorContextKey, "wrong type")

		operator, exists := GetOperatorContext(c)
		assert.False(t, exists)
		assert.Equal(t, OperatorContext{}, operator)
	})
}

func TestRequestID(t *testing.T) {
	router := setupTestRouter()
	router.Use(RequestID())
	router.GET("/ping", func(c *gin.Context) {
		c.String(http.StatusOK, GetRequestID(c))
	})

	t.Run("Propagates caller id", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/ping", nil)
		req.Header.Set(models.HeaderRequestID, "req-abc")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, "req-abc", w.Body.String())
		assert.Equal(t, "req-abc", w.Header().Get(models.HeaderRequestID))
	})

	t.Run("Generates id", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/ping", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Len(t, w.Body.String(), 36)
		assert.Equal(t, w.Body.String(), w.Header().Get(models.HeaderRequestID))
	})

	t.Run("Oversized id replaced", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/ping", nil)
		req.Header.Set(models.HeaderRequestID, strings.Repeat("x", 200))
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Len(t, w.Body.String(), 36)
	})
}
