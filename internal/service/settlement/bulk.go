package settlement

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mamadbah2/milkpay/internal/domain/models"
)

// SettleAll attempts every farmer exactly once. Each farmer is its own atomic
// unit, so one failure never touches the others. Cancelling ctx stops the run
// at the next farmer boundary; the farmer in flight always finishes.
func (s *Service) SettleAll(ctx context.Context, filter models.PeriodFilter) (*models.BulkSettlementReport, error) {
	started := time.Now()

	farmers, err := s.store.ListFarmers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list farmers: %w", err)
	}

	price, err := s.prices.GetCurrentPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("load current price: %w", err)
	}

	report := &models.BulkSettlementReport{
		Period:         filter.Label(),
		UnitPrice:      price,
		StartedAt:      s.now().UTC(),
		FarmersTotal:   len(farmers),
		TotalDisbursed: decimal.Zero,
		Outcomes:       make([]models.FarmerOutcome, 0, len(farmers)),
	}

	s.logger.Info("bulk settlement started",
		zap.String("period", report.Period),
		zap.String("unit_price", price.String()),
		zap.Int("farmers", len(farmers)))

	for _, farmer := range farmers {
		if ctx.Err() != nil {
			report.Cancelled = true
			report.Add(models.FarmerOutcome{FarmerID: farmer.ID, Outcome: models.OutcomeCancelled, NetAmount: decimal.Zero})
			continue
		}

		res, err := s.settleOnce(context.WithoutCancel(ctx), farmer, filter, price)
		outcome := models.FarmerOutcome{
			FarmerID:  farmer.ID,
			Outcome:   models.OutcomeFor(err),
			NetAmount: decimal.Zero,
		}
		if err != nil {
			outcome.Error = err.Error()
		} else {
			outcome.NetAmount = res.NetAmount
			outcome.TransactionID = res.TransactionID
		}
		report.Add(outcome)
	}

	report.FinishedAt = s.now().UTC()
	bulkRunDuration.Observe(time.Since(started).Seconds())

	s.logger.Info("bulk settlement finished",
		zap.String("period", report.Period),
		zap.Int("processed", report.Processed),
		zap.Int("settled", report.Settled),
		zap.Int("nothing_owed", report.NothingOwed),
		zap.Int("blocked", report.Blocked),
		zap.Int("failed", report.Failed),
		zap.Bool("cancelled", report.Cancelled),
		zap.String("total_disbursed", report.TotalDisbursed.StringFixed(2)))

	return report, nil
}
