package repository

import (
	"context"
	"time"

	"github.com/mamadbah2/milkpay/internal/domain/models"
)

// Reader is the read surface shared by the store and by an atomic unit of work.
type Reader interface {
	// ReadPending returns pending deliveries inside the filter, ascending by
	// occurrence. An empty farmerID reads every farmer.
	ReadPending(ctx context.Context, farmerID string, filter models.PeriodFilter) ([]models.DeliveryRecord, error)
	// ReadOutstanding returns outstanding deductions dated on or before the
	// filter's end boundary, ascending by occurrence.
	ReadOutstanding(ctx context.Context, farmerID string, filter models.PeriodFilter) ([]models.DeductionRecord, error)
}

// Tx is one atomic unit of work. Writes become visible only when the function
// passed to RunAtomic returns nil and the commit succeeds.
type Tx interface {
	Reader
	SettleDelivery(ctx context.Context, deliveryID string, settled models.SettledDelivery) error
	ConsumeDeduction(ctx context.Context, deductionID string, consumedAt time.Time, transactionID string) error
	InsertTransaction(ctx context.Context, txn models.PaymentTransaction) error
}

// Store is the durable record store backing settlement.
type Store interface {
	Reader

	ReadPrice(ctx context.Context) (*models.PriceConfig, error)
	WritePrice(ctx context.Context, cfg models.PriceConfig) error

	ListFarmers(ctx context.Context) ([]models.Farmer, error)
	GetFarmer(ctx context.Context, farmerID string) (*models.Farmer, error)
	FindFarmerByPhone(ctx context.Context, phone string) (*models.Farmer, error)
	SaveFarmer(ctx context.Context, farmer models.Farmer) error

	RecordDelivery(ctx context.Context, delivery models.DeliveryRecord) error
	RecordDeduction(ctx context.Context, deduction models.DeductionRecord) error

	ReadTransactions(ctx context.Context, filter models.TransactionFilter) ([]models.PaymentTransaction, error)

	// RunAtomic executes fn inside one transaction. A settle or consume write
	// whose target already left its initial status fails the whole unit with
	// models.ErrConcurrentModification.
	RunAtomic(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	Close(ctx context.Context) error
}
