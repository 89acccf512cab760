package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionStatusCompleted is the only status a payment transaction is written with.
const TransactionStatusCompleted = "completed"

// PaymentTransaction is the immutable audit record of one settlement.
type PaymentTransaction struct {
	ID                       string          `json:"id"`
	FarmerID                 string          `json:"farmerId"`
	PeriodLabel              string          `json:"periodLabel"`
	Description              string          `json:"description"`
	Status                   string          `json:"status"`
	UnitPrice                decimal.Decimal `json:"unitPrice"`
	GrossAmount              decimal.Decimal `json:"grossAmount"`
	DeductionAmount          decimal.Decimal `json:"deductionAmount"`
	NetAmount                decimal.Decimal `json:"netAmount"`
	ContributingDeliveryIDs  []string        `json:"contributingDeliveryIds"`
	ContributingDeductionIDs []string        `json:"contributingDeductionIds"`
	CreatedAt                time.Time       `json:"createdAt"`
}

// TransactionFilter narrows ReadTransactions. Zero values mean no restriction.
type TransactionFilter struct {
	FarmerID string
	Since    *time.Time
	Until    *time.Time
	Limit    int
}
