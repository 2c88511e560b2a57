package models

import (
	"time"

	"github.com/google/uuid"
)

// LedgerEntry is one double-entry row of a settled payment
type LedgerEntry struct {
	ID            uuid.UUID `json:"id" db:"id"`
	ReferenceID   string    `json:"reference_id" db:"reference_id"`
	OrderID       string    `json:"order_id" db:"order_id"`
	Amount        float64   `json:"amount" db:"amount"`
	DebitAccount  string    `json:"debit_account" db:"debit_account"`
	CreditAccount string    `json:"credit_account" db:"credit_account"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}
