package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sewago/payment-webhooks/internal/middleware"
	"github.com/sewago/payment-webhooks/internal/models"
	"github.com/sewago/payment-webhooks/internal/utils"
	"github.com/sirupsen/logrus"
)

// WebhookProcessor runs one delivery through the admission pipeline
type WebhookProcessor interface {
	Supports(gateway models.Gateway) bool
	Process(ctx context.Context, req *models.InboundWebhook) *models.PipelineResult
}

// PaymentWebhookHandler receives gateway payment notifications
type PaymentWebhookHandler struct {
	pipeline     WebhookProcessor
	maxBodyBytes int64
	logger       *logrus.Logger
}

// NewPaymentWebhookHandler creates a new webhook handler
func NewPaymentWebhookHandler(pipeline WebhookProcessor, maxBodyBytes int64, logger *logrus.Logger) *PaymentWebhookHandler {
	return &PaymentWebhookHandler{
		pipeline:     pipeline,
		maxBodyBytes: maxBodyBytes,
		logger:       logger,
	}
}

// HandleWebhook handles POST /api/v1/payments/webhooks/:gateway
// The raw body is passed through untouched; the signature covers its exact bytes.
func (h *PaymentWebhookHandler) HandleWebhook(c *gin.Context) {
	gateway, ok := models.ParseGateway(c.Param("gateway"))
	if !ok || !h.pipeline.Supports(gateway) {
		h.logger.WithFields(logrus.Fields{
			"gateway": c.Param("gateway"),
			"ip":      c.ClientIP(),
		}).Warn("Webhook for unknown gateway")
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "UNKNOWN_GATEWAY",
			"message": "Unknown payment gateway",
		})
		return
	}

	if h.maxBodyBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBodyBytes)
	}
	body, err := c.GetRawData()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{
				"code":    "PAYLOAD_TOO_LARGE",
				"message": "Webhook body exceeds the allowed size",
			})
			return
		}
		h.logger.WithError(err).Warn("Failed to read webhook body")
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_PAYLOAD",
			"message": "Webhook body could not be read",
		})
		return
	}

	result := h.pipeline.Process(c.Request.Context(), &models.InboundWebhook{
		Gateway:       gateway,
		RawBody:       body,
		Header:        c.Request.Header,
		SourceIP:      c.ClientIP(),
		UserAgent:     utils.GetUserAgent(c),
		CorrelationID: middleware.GetRequestID(c),
		ReceivedAt:    time.Now(),
	})

	if result.RetryAfter > 0 {
		seconds := int(result.RetryAfter.Round(time.Second) / time.Second)
		if seconds < 1 {
			seconds = 1
		}
		c.Header("Retry-After", strconv.Itoa(seconds))
	}
	c.Data(result.StatusCode, "application/json; charset=utf-8", result.Body)
}
