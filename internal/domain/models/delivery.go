package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// DeliveryStatus is the lifecycle state of a milk delivery.
type DeliveryStatus string

const (
	DeliveryPending DeliveryStatus = "pending"
	DeliverySettled DeliveryStatus = "settled"
)

// DeliveryRecord captures one milk delivery by a farmer.
type DeliveryRecord struct {
	ID         string           `json:"id"`
	FarmerID   string           `json:"farmerId"`
	Quantity   decimal.Decimal  `json:"quantity"`
	UnitPrice  *decimal.Decimal `json:"unitPrice,omitempty"`
	OccurredAt time.Time        `json:"occurredAt"`
	Status     DeliveryStatus   `json:"status"`

	SettledAt     *time.Time       `json:"settledAt,omitempty"`
	SettledAmount *decimal.Decimal `json:"settledAmount,omitempty"`
	TransactionID string           `json:"transactionId,omitempty"`
}

// EffectivePrice returns the per-record override when present, otherwise the
// supplied global price.
func (d DeliveryRecord) EffectivePrice(global decimal.Decimal) decimal.Decimal {
	if d.UnitPrice != nil {
		return *d.UnitPrice
	}
	return global
}

// Amount is quantity times the effective price.
func (d DeliveryRecord) Amount(global decimal.Decimal) decimal.Decimal {
	return d.Quantity.Mul(d.EffectivePrice(global))
}

// Validate checks a delivery before it enters the store.
func (d DeliveryRecord) Validate() error {
	switch {
	case d.FarmerID == "":
		return fmt.Errorf("%w: delivery farmer id is required", ErrInvalidRecord)
	case d.Quantity.IsNegative():
		return fmt.Errorf("%w: delivery quantity must not be negative", ErrInvalidRecord)
	case d.UnitPrice != nil && !d.UnitPrice.IsPositive():
		return fmt.Errorf("%w: delivery unit price override must be positive", ErrInvalidRecord)
	case d.OccurredAt.IsZero():
		return fmt.Errorf("%w: delivery date is required", ErrInvalidRecord)
	}
	return nil
}

// SettledDelivery is the terminal state written onto a delivery by a settlement.
type SettledDelivery struct {
	SettledAt     time.Time
	SettledAmount decimal.Decimal
	UnitPrice     decimal.Decimal
	TransactionID string
}
