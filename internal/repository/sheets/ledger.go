package sheets

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mamadbah2/milkpay/internal/domain/models"
)

const (
	// PaymentsRange receives one row per committed payment transaction.
	PaymentsRange = "Payments!A:K"
	// SummariesRange receives the monthly summary rows.
	SummariesRange = "Summaries!A:G"
)

// LedgerMirror copies committed payment transactions into the spreadsheet so
// the cooperative office can follow payouts without database access.
type LedgerMirror struct {
	repo   Repository
	logger *zap.Logger
}

// NewLedgerMirror wires a mirror on top of a sheet repository.
func NewLedgerMirror(repo Repository, logger *zap.Logger) *LedgerMirror {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LedgerMirror{repo: repo, logger: logger}
}

// AfterSettlement appends the transaction as one row.
func (m *LedgerMirror) AfterSettlement(ctx context.Context, farmer models.Farmer, txn models.PaymentTransaction) error {
	if err := m.repo.AppendRows(ctx, PaymentsRange, [][]interface{}{TransactionRow(farmer, txn)}); err != nil {
		return fmt.Errorf("mirror transaction %s: %w", txn.ID, err)
	}
	m.logger.Debug("transaction mirrored", zap.String("transaction_id", txn.ID))
	return nil
}

// TransactionRow renders a payment transaction in column order:
// date, transaction id, farmer id, farmer name, period, unit price, gross,
// deductions, net, deliveries, deduction records.
func TransactionRow(farmer models.Farmer, txn models.PaymentTransaction) []interface{} {
	return []interface{}{
		txn.CreatedAt.UTC().Format(time.RFC3339),
		txn.ID,
		farmer.ID,
		farmer.Name,
		txn.PeriodLabel,
		txn.UnitPrice.StringFixed(2),
		txn.GrossAmount.StringFixed(2),
		txn.DeductionAmount.StringFixed(2),
		txn.NetAmount.StringFixed(2),
		strings.Join(txn.ContributingDeliveryIDs, ","),
		strings.Join(txn.ContributingDeductionIDs, ","),
	}
}

// SummaryRow renders one monthly summary in column order, stamped with the
// time the report was generated.
func SummaryRow(s models.MonthSummary, generatedAt time.Time) []interface{} {
	return []interface{}{
		s.PeriodLabel,
		s.GrossSettled.StringFixed(2),
		s.GrossPending.StringFixed(2),
		s.DeductionsApplied.StringFixed(2),
		s.NetSettled.StringFixed(2),
		s.TransactionCount,
		generatedAt.UTC().Format(time.RFC3339),
	}
}
