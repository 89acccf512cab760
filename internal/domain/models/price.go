package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// DefaultUnitPrice is used until the price configuration is first written.
var DefaultUnitPrice = decimal.NewFromInt(45)

// PriceConfig is the singleton price-per-liter configuration.
type PriceConfig struct {
	UnitPrice decimal.Decimal `json:"unitPrice"`
	UpdatedAt time.Time       `json:"updatedAt"`
	UpdatedBy string          `json:"updatedBy"`
}
