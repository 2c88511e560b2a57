package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sewago/payment-webhooks/internal/models"
	"github.com/sirupsen/logrus"
)

// LedgerQuerier reads ledger entries written by accepted webhooks
type LedgerQuerier interface {
	GetByReference(ctx context.Context, transactionID string) (*models.LedgerEntry, error)
}

// PaymentLedgerHandler lets operators confirm whether a transaction was applied
type PaymentLedgerHandler struct {
	ledger LedgerQuerier
	logger *logrus.Logger
}

// NewPaymentLedgerHandler creates a new ledger handler
func NewPaymentLedgerHandler(ledger LedgerQuerier, logger *logrus.Logger) *PaymentLedgerHandler {
	return &PaymentLedgerHandler{ledger: ledger, logger: logger}
}

// GetByTransaction handles GET /api/v1/admin/payment-ledger/:transaction_id
func (h *PaymentLedgerHandler) GetByTransaction(c *gin.Context) {
	transactionID := c.Param("transaction_id")

	entry, err := h.ledger.GetByReference(c.Request.Context(), transactionID)
	if err != nil {
		h.logger.WithError(err).WithField("transaction_id", transactionID).Error("Failed to query ledger entry")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to query ledger entry",
		})
		return
	}
	if entry == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "No ledger entry for this transaction",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"entry": entry})
}
