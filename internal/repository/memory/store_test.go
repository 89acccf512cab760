package memory

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mamadbah2/milkpay/internal/domain/models"
	"github.com/mamadbah2/milkpay/internal/repository"
)

func day(d int) time.Time {
	return time.Date(2025, time.January, d, 8, 0, 0, 0, time.UTC)
}

func seed(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.RecordDelivery(ctx, models.DeliveryRecord{ID: "d2", FarmerID: "f1", Quantity: decimal.NewFromInt(15), OccurredAt: day(5)}))
	require.NoError(t, s.RecordDelivery(ctx, models.DeliveryRecord{ID: "d1", FarmerID: "f1", Quantity: decimal.NewFromInt(10), OccurredAt: day(2)}))
	require.NoError(t, s.RecordDelivery(ctx, models.DeliveryRecord{ID: "d3", FarmerID: "f2", Quantity: decimal.NewFromInt(7), OccurredAt: day(3)}))
	require.NoError(t, s.RecordDeduction(ctx, models.DeductionRecord{ID: "x1", FarmerID: "f1", Cost: decimal.NewFromInt(200), OccurredAt: day(4)}))
}

func TestReadPendingOrdersByOccurrence(t *testing.T) {
	s := New()
	seed(t, s)

	recs, err := s.ReadPending(context.Background(), "f1", models.AllTime())
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "d1", recs[0].ID)
	assert.Equal(t, "d2", recs[1].ID)

	all, err := s.ReadPending(context.Background(), "", models.AllTime())
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestRecordDeliveryRejectsInvalid(t *testing.T) {
	s := New()
	ctx := context.Background()

	err := s.RecordDelivery(ctx, models.DeliveryRecord{ID: "d", FarmerID: "f", Quantity: decimal.NewFromInt(-1), OccurredAt: day(1)})
	assert.ErrorIs(t, err, models.ErrInvalidRecord)

	zero := decimal.Zero
	err = s.RecordDelivery(ctx, models.DeliveryRecord{ID: "d", FarmerID: "f", Quantity: decimal.NewFromInt(1), UnitPrice: &zero, OccurredAt: day(1)})
	assert.ErrorIs(t, err, models.ErrInvalidRecord)

	require.NoError(t, s.RecordDelivery(ctx, models.DeliveryRecord{ID: "d", FarmerID: "f", Quantity: decimal.NewFromInt(1), OccurredAt: day(1)}))
	err = s.RecordDelivery(ctx, models.DeliveryRecord{ID: "d", FarmerID: "f", Quantity: decimal.NewFromInt(1), OccurredAt: day(1)})
	assert.ErrorIs(t, err, models.ErrInvalidRecord)
}

func TestRunAtomicAppliesNothingOnError(t *testing.T) {
	s := New()
	seed(t, s)
	ctx := context.Background()

	err := s.RunAtomic(ctx, func(ctx context.Context, tx repository.Tx) error {
		require.NoError(t, tx.SettleDelivery(ctx, "d1", models.SettledDelivery{SettledAt: day(10), SettledAmount: decimal.NewFromInt(450), UnitPrice: decimal.NewFromInt(45)}))
		return tx.ConsumeDeduction(ctx, "missing", day(10), "t1")
	})
	assert.ErrorIs(t, err, models.ErrNotFound)

	d1, _ := s.Delivery("d1")
	assert.Equal(t, models.DeliveryPending, d1.Status)
	assert.Nil(t, d1.SettledAmount)
}

func TestRunAtomicDetectsConcurrentSettlement(t *testing.T) {
	s := New()
	seed(t, s)
	ctx := context.Background()

	settle := func(ctx context.Context, tx repository.Tx, txnID string) error {
		return tx.SettleDelivery(ctx, "d1", models.SettledDelivery{SettledAt: day(10), SettledAmount: decimal.NewFromInt(450), UnitPrice: decimal.NewFromInt(45), TransactionID: txnID})
	}

	err := s.RunAtomic(ctx, func(ctx context.Context, tx repository.Tx) error {
		recs, err := tx.ReadPending(ctx, "f1", models.AllTime())
		require.NoError(t, err)
		require.Len(t, recs, 2)

		// A second run commits first.
		require.NoError(t, s.RunAtomic(ctx, func(ctx context.Context, inner repository.Tx) error {
			return settle(ctx, inner, "inner")
		}))

		return settle(ctx, tx, "outer")
	})
	assert.ErrorIs(t, err, models.ErrConcurrentModification)

	d1, _ := s.Delivery("d1")
	assert.Equal(t, models.DeliverySettled, d1.Status)
	assert.Equal(t, "inner", d1.TransactionID)
}

func TestRunAtomicDetectsConflictAtCommit(t *testing.T) {
	s := New()
	seed(t, s)
	ctx := context.Background()

	err := s.RunAtomic(ctx, func(ctx context.Context, tx repository.Tx) error {
		require.NoError(t, tx.ConsumeDeduction(ctx, "x1", day(10), "outer"))
		return s.RunAtomic(ctx, func(ctx context.Context, inner repository.Tx) error {
			return inner.ConsumeDeduction(ctx, "x1", day(10), "inner")
		})
	})
	assert.ErrorIs(t, err, models.ErrConcurrentModification)

	x1, _ := s.Deduction("x1")
	assert.Equal(t, "inner", x1.ConsumedByTransactionID)

	err = s.RunAtomic(ctx, func(ctx context.Context, tx repository.Tx) error {
		return tx.ConsumeDeduction(ctx, "x1", day(11), "again")
	})
	assert.ErrorIs(t, err, models.ErrConcurrentModification)
}

func TestReadTransactionsNewestFirstWithLimit(t *testing.T) {
	s := New()
	ctx := context.Background()
	for i, id := range []string{"t1", "t2", "t3"} {
		created := day(i + 1)
		require.NoError(t, s.RunAtomic(ctx, func(ctx context.Context, tx repository.Tx) error {
			return tx.InsertTransaction(ctx, models.PaymentTransaction{ID: id, FarmerID: "f1", CreatedAt: created})
		}))
	}

	txns, err := s.ReadTransactions(ctx, models.TransactionFilter{FarmerID: "f1", Limit: 2})
	require.NoError(t, err)
	require.Len(t, txns, 2)
	assert.Equal(t, "t3", txns[0].ID)
	assert.Equal(t, "t2", txns[1].ID)
}

func TestReadPriceNotFoundUntilWritten(t *testing.T) {
	s := New()
	_, err := s.ReadPrice(context.Background())
	assert.ErrorIs(t, err, models.ErrNotFound)

	require.NoError(t, s.WritePrice(context.Background(), models.PriceConfig{UnitPrice: decimal.NewFromInt(50), UpdatedBy: "admin"}))
	cfg, err := s.ReadPrice(context.Background())
	require.NoError(t, err)
	assert.True(t, cfg.UnitPrice.Equal(decimal.NewFromInt(50)))
}
