package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sewago/payment-webhooks/internal/middleware"
	"github.com/sewago/payment-webhooks/internal/models"
	"github.com/sirupsen/logrus"
)

const (
	defaultMismatchLimit = 50
	maxMismatchLimit     = 500
)

// AuditQuerier reads the webhook audit trail
type AuditQuerier interface {
	GetByTransactionID(ctx context.Context, transactionID string) ([]*models.AuditEvent, error)
	GetAmountMismatches(ctx context.Context, limit int) ([]*models.AuditEvent, error)
}

// PaymentAuditHandler serves the operator audit API
type PaymentAuditHandler struct {
	audits AuditQuerier
	logger *logrus.Logger
}

// NewPaymentAuditHandler creates a new audit handler
func NewPaymentAuditHandler(audits AuditQuerier, logger *logrus.Logger) *PaymentAuditHandler {
	return &PaymentAuditHandler{audits: audits, logger: logger}
}

// ListByTransaction handles GET /api/v1/admin/payment-audits?transaction_id=
func (h *PaymentAuditHandler) ListByTransaction(c *gin.Context) {
	transactionID := c.Query("transaction_id")
	if transactionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "transaction_id is required",
		})
		return
	}

	events, err := h.audits.GetByTransactionID(c.Request.Context(), transactionID)
	if err != nil {
		h.logger.WithError(err).WithField("transaction_id", transactionID).Error("Failed to query payment audits")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to query payment audits",
		})
		return
	}

	h.logAccess(c, "transaction", len(events))
	c.JSON(http.StatusOK, gin.H{
		"transaction_id": transactionID,
		"events":         nonNil(events),
		"count":          len(events),
	})
}

// ListAmountMismatches handles GET /api/v1/admin/payment-audits/amount-mismatches?limit=
func (h *PaymentAuditHandler) ListAmountMismatches(c *gin.Context) {
	limit := defaultMismatchLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": "limit must be a positive integer",
			})
			return
		}
		limit = parsed
	}
	if limit > maxMismatchLimit {
		limit = maxMismatchLimit
	}

	events, err := h.audits.GetAmountMismatches(c.Request.Context(), limit)
	if err != nil {
		h.logger.WithError(err).Error("Failed to query amount mismatches")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to query amount mismatches",
		})
		return
	}

	h.logAccess(c, "amount_mismatches", len(events))
	c.JSON(http.StatusOK, gin.H{
		"events": nonNil(events),
		"count":  len(events),
		"limit":  limit,
	})
}

func (h *PaymentAuditHandler) logAccess(c *gin.Context, query string, count int) {
	operator, _ := middleware.GetOperatorContext(c)
	h.logger.WithFields(logrus.Fields{
		"operator_id": operator.OperatorID,
		"query":       query,
		"count":       count,
	}).Info("Payment audit queried")
}

func nonNil(events []*models.AuditEvent) []*models.AuditEvent {
	if events == nil {
		return []*models.AuditEvent{}
	}
	return events
}
