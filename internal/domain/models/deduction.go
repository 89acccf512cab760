package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// DeductionStatus is the lifecycle state of a feed-cost deduction.
type DeductionStatus string

const (
	DeductionOutstanding DeductionStatus = "outstanding"
	DeductionConsumed    DeductionStatus = "consumed"
)

// DeductionRecord is a feed cost to be recovered from a farmer's earnings.
type DeductionRecord struct {
	ID          string          `json:"id"`
	FarmerID    string          `json:"farmerId"`
	Cost        decimal.Decimal `json:"cost"`
	Description string          `json:"description,omitempty"`
	OccurredAt  time.Time       `json:"occurredAt"`
	Status      DeductionStatus `json:"status"`

	ConsumedAt              *time.Time `json:"consumedAt,omitempty"`
	ConsumedByTransactionID string     `json:"consumedByTransactionId,omitempty"`
}

// Validate checks a deduction before it enters the store.
func (d DeductionRecord) Validate() error {
	switch {
	case d.FarmerID == "":
		return fmt.Errorf("%w: deduction farmer id is required", ErrInvalidRecord)
	case d.Cost.IsNegative():
		return fmt.Errorf("%w: deduction cost must not be negative", ErrInvalidRecord)
	case d.OccurredAt.IsZero():
		return fmt.Errorf("%w: deduction date is required", ErrInvalidRecord)
	}
	return nil
}
