package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mamadbah2/milkpay/internal/domain/models"
)

// unit is the repository.Tx bound to one open *sql.Tx.
type unit struct {
	tx *sql.Tx
}

func (u *unit) ReadPending(ctx context.Context, farmerID string, filter models.PeriodFilter) ([]models.DeliveryRecord, error) {
	return readPending(ctx, u.tx, farmerID, filter)
}

func (u *unit) ReadOutstanding(ctx context.Context, farmerID string, filter models.PeriodFilter) ([]models.DeductionRecord, error) {
	return readOutstanding(ctx, u.tx, farmerID, filter)
}

func (u *unit) SettleDelivery(ctx context.Context, id string, settled models.SettledDelivery) error {
	res, err := u.tx.ExecContext(ctx, `
		UPDATE milk_deliveries
		SET status = ?, settled_at = ?, settled_amount = ?, unit_price = ?, transaction_id = ?
		WHERE id = ? AND status = ?`,
		string(models.DeliverySettled), formatTime(settled.SettledAt), settled.SettledAmount.String(),
		settled.UnitPrice.String(), settled.TransactionID, id, string(models.DeliveryPending))
	if err != nil {
		return classify("settle delivery "+id, err)
	}
	return u.checkMatched(ctx, res, "milk_deliveries", "delivery", id)
}

func (u *unit) ConsumeDeduction(ctx context.Context, id string, at time.Time, transactionID string) error {
	res, err := u.tx.ExecContext(ctx, `
		UPDATE feed_deductions
		SET status = ?, consumed_at = ?, consumed_by_transaction_id = ?
		WHERE id = ? AND status = ?`,
		string(models.DeductionConsumed), formatTime(at), transactionID, id, string(models.DeductionOutstanding))
	if err != nil {
		return classify("consume deduction "+id, err)
	}
	return u.checkMatched(ctx, res, "feed_deductions", "deduction", id)
}

func (u *unit) InsertTransaction(ctx context.Context, txn models.PaymentTransaction) error {
	if txn.ID == "" {
		return fmt.Errorf("%w: transaction id is required", models.ErrInvalidRecord)
	}
	deliveryIDs, err := json.Marshal(nonNil(txn.ContributingDeliveryIDs))
	if err != nil {
		return fmt.Errorf("encode delivery ids: %w", err)
	}
	deductionIDs, err := json.Marshal(nonNil(txn.ContributingDeductionIDs))
	if err != nil {
		return fmt.Errorf("encode deduction ids: %w", err)
	}

	_, err = u.tx.ExecContext(ctx, `
		INSERT INTO payment_transactions
		(id, farmer_id, period_label, description, status, unit_price, gross_amount,
		 deduction_amount, net_amount, delivery_ids_json, deduction_ids_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		txn.ID, txn.FarmerID, txn.PeriodLabel, txn.Description, txn.Status,
		txn.UnitPrice.String(), txn.GrossAmount.String(), txn.DeductionAmount.String(), txn.NetAmount.String(),
		string(deliveryIDs), string(deductionIDs), formatTime(txn.CreatedAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("transaction %s already exists: %w", txn.ID, models.ErrConcurrentModification)
		}
		return classify("insert transaction", err)
	}
	return nil
}

func (u *unit) checkMatched(ctx context.Context, res sql.Result, table, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return classify("rows affected", err)
	}
	if n > 0 {
		return nil
	}

	var status string
	err = u.tx.QueryRowContext(ctx, `SELECT status FROM `+table+` WHERE id = ?`, id).Scan(&status)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("%s %s: %w", kind, id, models.ErrNotFound)
	case err != nil:
		return classify("lookup "+kind+" "+id, err)
	default:
		return fmt.Errorf("%s %s already %s: %w", kind, id, status, models.ErrConcurrentModification)
	}
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
