package settlement

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/mamadbah2/milkpay/internal/domain/models"
	"github.com/mamadbah2/milkpay/internal/repository"
)

// ComputeBalance returns what the farmer is owed right now. It reads the store
// without locking, so the result may be stale as soon as it is returned.
func (s *Service) ComputeBalance(ctx context.Context, farmerID string, filter models.PeriodFilter) (*models.FarmerBalance, error) {
	if _, err := s.store.GetFarmer(ctx, farmerID); err != nil {
		return nil, err
	}

	price, err := s.prices.GetCurrentPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("load current price: %w", err)
	}

	return loadBalance(ctx, s.store, farmerID, filter, price)
}

func loadBalance(ctx context.Context, r repository.Reader, farmerID string, filter models.PeriodFilter, price decimal.Decimal) (*models.FarmerBalance, error) {
	deliveries, err := r.ReadPending(ctx, farmerID, filter)
	if err != nil {
		return nil, fmt.Errorf("read pending deliveries: %w", err)
	}

	deductions, err := r.ReadOutstanding(ctx, farmerID, filter)
	if err != nil {
		return nil, fmt.Errorf("read outstanding deductions: %w", err)
	}

	balance := computeBalance(farmerID, deliveries, deductions, price, filter)
	return &balance, nil
}

// computeBalance is the side-effect free core of the calculator. Records
// outside the filter are ignored even if a store returned them.
func computeBalance(farmerID string, deliveries []models.DeliveryRecord, deductions []models.DeductionRecord, price decimal.Decimal, filter models.PeriodFilter) models.FarmerBalance {
	balance := models.FarmerBalance{
		FarmerID:              farmerID,
		GrossPending:          decimal.Zero,
		DeductionsOutstanding: decimal.Zero,
		UnitPrice:             price,
		Period:                filter.Label(),
	}

	for _, d := range deliveries {
		if d.FarmerID != farmerID || d.Status != models.DeliveryPending || !filter.ContainsDelivery(d.OccurredAt) {
			continue
		}
		balance.GrossPending = balance.GrossPending.Add(d.Amount(price))
		balance.Deliveries = append(balance.Deliveries, d)
	}

	for _, d := range deductions {
		if d.FarmerID != farmerID || d.Status != models.DeductionOutstanding || !filter.CoversDeduction(d.OccurredAt) {
			continue
		}
		balance.DeductionsOutstanding = balance.DeductionsOutstanding.Add(d.Cost)
		balance.Deductions = append(balance.Deductions, d)
	}

	balance.NetPayable = balance.GrossPending.Sub(balance.DeductionsOutstanding)
	return balance
}
