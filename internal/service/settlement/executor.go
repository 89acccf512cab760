package settlement

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mamadbah2/milkpay/internal/domain/models"
	"github.com/mamadbah2/milkpay/internal/repository"
)

// SettleFarmer pays out everything pending for one farmer inside the filter.
// Conflicts and store outages are retried with exponential backoff up to the
// configured attempt count; every other failure is returned as is.
func (s *Service) SettleFarmer(ctx context.Context, farmerID string, filter models.PeriodFilter) (*models.SettlementResult, error) {
	farmer, err := s.store.GetFarmer(ctx, farmerID)
	if err != nil {
		return nil, err
	}

	price, err := s.prices.GetCurrentPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("load current price: %w", err)
	}

	attempt := 0
	operation := func() (*models.SettlementResult, error) {
		attempt++
		res, err := s.settleOnce(ctx, *farmer, filter, price)
		if err == nil {
			return res, nil
		}
		if !models.IsRetryable(err) {
			return nil, backoff.Permanent(err)
		}
		s.logger.Warn("settlement attempt failed",
			zap.String("farmer_id", farmerID),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", s.cfg.MaxAttempts),
			zap.Error(err))
		return nil, err
	}

	return backoff.RetryWithData(operation, s.newBackOff(ctx))
}

// settleOnce performs exactly one atomic settlement attempt.
func (s *Service) settleOnce(ctx context.Context, farmer models.Farmer, filter models.PeriodFilter, price decimal.Decimal) (*models.SettlementResult, error) {
	started := time.Now()
	now := s.now().UTC()
	txnID := s.newID()

	var txn models.PaymentTransaction
	err := s.store.RunAtomic(ctx, func(ctx context.Context, tx repository.Tx) error {
		balance, err := loadBalance(ctx, tx, farmer.ID, filter, price)
		if err != nil {
			return err
		}

		if !balance.GrossPending.IsPositive() {
			return fmt.Errorf("farmer %s: %w", farmer.ID, models.ErrNoPendingBalance)
		}
		if balance.NetPayable.IsNegative() {
			return fmt.Errorf("farmer %s owes %s against %s pending: %w",
				farmer.ID, balance.DeductionsOutstanding.StringFixed(2), balance.GrossPending.StringFixed(2), models.ErrNegativeBalance)
		}

		txn = s.buildTransaction(txnID, farmer.ID, *balance, filter, now)

		for _, d := range balance.Deliveries {
			err := tx.SettleDelivery(ctx, d.ID, models.SettledDelivery{
				SettledAt:     now,
				SettledAmount: d.Amount(price),
				UnitPrice:     d.EffectivePrice(price),
				TransactionID: txnID,
			})
			if err != nil {
				return err
			}
		}

		for _, d := range balance.Deductions {
			if err := tx.ConsumeDeduction(ctx, d.ID, now, txnID); err != nil {
				return err
			}
		}

		return tx.InsertTransaction(ctx, txn)
	})

	outcome := models.OutcomeFor(err)
	observeSettlement(outcome, time.Since(started))

	if err != nil {
		switch outcome {
		case models.OutcomeNothingOwed:
			s.logger.Debug("nothing to settle", zap.String("farmer_id", farmer.ID), zap.String("period", filter.Label()))
		case models.OutcomeNegativeBalance:
			s.logger.Warn("settlement blocked by negative balance", zap.String("farmer_id", farmer.ID), zap.Error(err))
		default:
			s.logger.Error("settlement failed", zap.String("farmer_id", farmer.ID), zap.String("outcome", string(outcome)), zap.Error(err))
		}
		return nil, err
	}

	settledNetAmount.Add(txn.NetAmount.InexactFloat64())
	s.logger.Info("farmer settled",
		zap.String("farmer_id", farmer.ID),
		zap.String("transaction_id", txn.ID),
		zap.String("period", txn.PeriodLabel),
		zap.String("gross", txn.GrossAmount.StringFixed(2)),
		zap.String("deductions", txn.DeductionAmount.StringFixed(2)),
		zap.String("net", txn.NetAmount.StringFixed(2)),
		zap.Int("deliveries", len(txn.ContributingDeliveryIDs)),
		zap.Int("deduction_records", len(txn.ContributingDeductionIDs)))

	s.runHooks(context.WithoutCancel(ctx), farmer, txn)

	return &models.SettlementResult{
		FarmerID:       farmer.ID,
		TransactionID:  txn.ID,
		GrossAmount:    txn.GrossAmount,
		DeductionTotal: txn.DeductionAmount,
		NetAmount:      txn.NetAmount,
		DeliveryCount:  len(txn.ContributingDeliveryIDs),
		DeductionCount: len(txn.ContributingDeductionIDs),
	}, nil
}

func (s *Service) buildTransaction(id, farmerID string, balance models.FarmerBalance, filter models.PeriodFilter, now time.Time) models.PaymentTransaction {
	label := filter.Label()
	if !filter.IsBounded() {
		label = now.In(s.cfg.Location).Format("January 2006")
	}

	deliveryIDs := make([]string, 0, len(balance.Deliveries))
	for _, d := range balance.Deliveries {
		deliveryIDs = append(deliveryIDs, d.ID)
	}
	deductionIDs := make([]string, 0, len(balance.Deductions))
	for _, d := range balance.Deductions {
		deductionIDs = append(deductionIDs, d.ID)
	}

	return models.PaymentTransaction{
		ID:                       id,
		FarmerID:                 farmerID,
		PeriodLabel:              label,
		Description:              fmt.Sprintf("Milk payment for %d deliveries (%s)", len(deliveryIDs), filter.Label()),
		Status:                   models.TransactionStatusCompleted,
		UnitPrice:                balance.UnitPrice,
		GrossAmount:              balance.GrossPending,
		DeductionAmount:          balance.DeductionsOutstanding,
		NetAmount:                balance.NetPayable,
		ContributingDeliveryIDs:  deliveryIDs,
		ContributingDeductionIDs: deductionIDs,
		CreatedAt:                now,
	}
}
