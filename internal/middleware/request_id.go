package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sewago/payment-webhooks/internal/models"
)

// RequestIDKey is the Gin context key holding the correlation id
const RequestIDKey = "request_id"

// RequestID propagates X-Request-ID, generating one when the caller sent none
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(models.HeaderRequestID)
		if requestID == "" || len(requestID) > 128 {
			requestID = uuid.NewString()
		}
		c.Set(RequestIDKey, requestID)
		c.Header(models.HeaderRequestID, requestID)
		c.Next()
	}
}

// GetRequestID returns the correlation id set by RequestID
func GetRequestID(c *gin.Context) string {
	return c.GetString(RequestIDKey)
}
