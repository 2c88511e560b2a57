package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sewago/payment-webhooks/pkg/jwt"
	"github.com/sirupsen/logrus"
)

// OperatorContextKey is the key used to store the operator in Gin context
const OperatorContextKey = "operator"

// OperatorContext represents the authenticated operator's information
type OperatorContext struct {
	OperatorID string   `json:"operator_id"`
	Roles      []string `json:"roles"`
}

// AuthMiddleware creates a middleware that validates JWT tokens
func AuthMiddleware(jwtService *jwt.Service, logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		entry := logger.WithFields(logrus.Fields{
			"path": c.Request.URL.Path,
			"ip":   c.ClientIP(),
		})

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			entry.Warn("AUTH FAILED: Missing authorization header")
			abortUnauthorized(c, "unauthorized", "Authorization header is required", "MISSING_AUTH_HEADER")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" || strings.TrimSpace(parts[1]) == "" {
			entry.Warn("AUTH FAILED: Invalid auth format")
			abortUnauthorized(c, "unauthorized", "Invalid authorization header format. Expected: Bearer <token>", "INVALID_AUTH_FORMAT")
			return
		}
		tokenString := strings.TrimSpace(parts[1])

		claims, err := jwtService.ValidateAccessToken(tokenString)
		if err != nil {
			if jwtService.IsTokenExpired(tokenString) {
				entry.WithError(err).Warn("AUTH FAILED: Token expired")
				abortUnauthorized(c, "token_expired", "Access token has expired", "TOKEN_EXPIRED")
			} else {
				entry.WithError(err).Warn("AUTH FAILED: Invalid token")
				abortUnauthorized(c, "invalid_token", "Invalid access token", "INVALID_TOKEN")
			}
			return
		}

		c.Set(OperatorContextKey, OperatorContext{
			OperatorID: claims.OperatorID,
			Roles:      claims.Roles,
		})

		c.Next()
	}
}

func abortUnauthorized(c *gin.Context, errKind, message, code string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error":   errKind,
		"message": message,
		"code":    code,
	})
}

// RequireRole creates a middleware that checks if the operator has any of roles
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		operator, exists := GetOperatorContext(c)
		if !exists {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Operator context not found. Auth middleware may not be applied.",
				"code":    "MISSING_USER_CONTEXT",
			})
			return
		}

		for _, required := range roles {
			for _, role := range operator.Roles {
				if role == required {
					c.Next()
					return
				}
			}
		}

		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "You don't have permission to access this resource",
			"code":    "INSUFFICIENT_PERMISSIONS",
		})
	}
}

// GetOperatorContext retrieves the operator from Gin context
func GetOperatorContext(c *gin.Context) (OperatorContext, bool) {
	value, exists := c.Get(OperatorContextKey)
	if !exists {
		return OperatorContext{}, false
	}

	operator, ok := value.(OperatorContext)
	if !ok {
		return OperatorContext{}, false
	}

	return operator, true
}
