package whatsapp

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/mamadbah2/milkpay/internal/domain/models"
)

// Notifier sends a text message to one recipient.
type Notifier interface {
	Notify(ctx context.Context, to, body string) error
}

// PayoutNotifier tells a farmer their payment went through. It runs after
// the settlement has committed.
type PayoutNotifier struct {
	notifier Notifier
	logger   *zap.Logger
}

// NewPayoutNotifier wires a settlement hook on top of a Notifier.
func NewPayoutNotifier(notifier Notifier, logger *zap.Logger) *PayoutNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PayoutNotifier{notifier: notifier, logger: logger}
}

// AfterSettlement sends the payout message. Farmers without a phone are skipped.
func (p *PayoutNotifier) AfterSettlement(ctx context.Context, farmer models.Farmer, txn models.PaymentTransaction) error {
	if farmer.Phone == "" {
		p.logger.Debug("payout notification skipped, farmer has no phone", zap.String("farmer_id", farmer.ID))
		return nil
	}
	return p.notifier.Notify(ctx, farmer.Phone, PayoutMessage(txn))
}

// PayoutMessage renders the farmer-facing payout text.
func PayoutMessage(txn models.PaymentTransaction) string {
	return fmt.Sprintf("Payment of KES %s processed for %s: gross %s, feed deductions %s.",
		txn.NetAmount.StringFixed(2),
		txn.PeriodLabel,
		txn.GrossAmount.StringFixed(2),
		txn.DeductionAmount.StringFixed(2))
}
