package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mamadbah2/milkpay/internal/domain/models"
	"github.com/mamadbah2/milkpay/internal/repository"
	"github.com/mamadbah2/milkpay/internal/repository/memory"
	"github.com/mamadbah2/milkpay/internal/service/pricing"
)

var settledAt = time.Date(2025, time.February, 3, 9, 0, 0, 0, time.UTC)

type fixture struct {
	store   *memory.Store
	prices  *pricing.Service
	svc     *Service
	nextID  int
	nextRec int
}

func newFixture(t *testing.T, store repository.Store, mem *memory.Store, hooks ...Hook) *fixture {
	t.Helper()
	f := &fixture{store: mem}
	f.prices = pricing.NewService(mem, decimal.NewFromInt(45), nil)
	f.svc = NewService(store, f.prices, Config{MaxAttempts: 3, RetryBaseDelay: time.Millisecond}, nil, hooks...)
	f.svc.now = func() time.Time { return settledAt }
	f.svc.newID = func() string {
		f.nextID++
		return fmt.Sprintf("txn-%d", f.nextID)
	}
	return f
}

func newMemoryFixture(t *testing.T, hooks ...Hook) *fixture {
	mem := memory.New()
	return newFixture(t, mem, mem, hooks...)
}

func (f *fixture) farmer(t *testing.T, id string) {
	t.Helper()
	require.NoError(t, f.store.SaveFarmer(context.Background(), models.Farmer{ID: id, Name: "Farmer " + id}))
}

func (f *fixture) delivery(t *testing.T, farmerID string, liters int64, at time.Time, price *decimal.Decimal) string {
	t.Helper()
	f.nextRec++
	id := fmt.Sprintf("d-%02d", f.nextRec)
	require.NoError(t, f.store.RecordDelivery(context.Background(), models.DeliveryRecord{
		ID:         id,
		FarmerID:   farmerID,
		Quantity:   decimal.NewFromInt(liters),
		UnitPrice:  price,
		OccurredAt: at,
	}))
	return id
}

func (f *fixture) deduction(t *testing.T, farmerID string, cost int64, at time.Time) string {
	t.Helper()
	f.nextRec++
	id := fmt.Sprintf("x-%02d", f.nextRec)
	require.NoError(t, f.store.RecordDeduction(context.Background(), models.DeductionRecord{
		ID:         id,
		FarmerID:   farmerID,
		Cost:       decimal.NewFromInt(cost),
		OccurredAt: at,
	}))
	return id
}

func jan(d int) time.Time {
	return time.Date(2025, time.January, d, 7, 0, 0, 0, time.UTC)
}

func dec(v int64) decimal.Decimal {
	return decimal.NewFromInt(v)
}

func assertAmount(t *testing.T, want int64, got decimal.Decimal, msg ...any) {
	t.Helper()
	assert.Truef(t, got.Equal(dec(want)), "want %d got %s %v", want, got.String(), msg)
}

func TestSettleFarmerTwoDeliveriesNoDeductions(t *testing.T) {
	f := newMemoryFixture(t)
	f.farmer(t, "F")
	d1 := f.delivery(t, "F", 10, jan(2), nil)
	d2 := f.delivery(t, "F", 15, jan(9), nil)

	res, err := f.svc.SettleFarmer(context.Background(), "F", models.AllTime())
	require.NoError(t, err)

	assertAmount(t, 1125, res.NetAmount)
	assert.Equal(t, 2, res.DeliveryCount)
	assert.Equal(t, 0, res.DeductionCount)

	rec1, _ := f.store.Delivery(d1)
	rec2, _ := f.store.Delivery(d2)
	assert.Equal(t, models.DeliverySettled, rec1.Status)
	assert.Equal(t, models.DeliverySettled, rec2.Status)
	assertAmount(t, 450, *rec1.SettledAmount)
	assertAmount(t, 675, *rec2.SettledAmount)
	assert.Equal(t, settledAt, *rec1.SettledAt)
	assertAmount(t, 45, *rec1.UnitPrice)

	txns, err := f.store.ReadTransactions(context.Background(), models.TransactionFilter{FarmerID: "F"})
	require.NoError(t, err)
	require.Len(t, txns, 1)
	assertAmount(t, 1125, txns[0].GrossAmount)
	assertAmount(t, 0, txns[0].DeductionAmount)
	assert.Equal(t, []string{d1, d2}, txns[0].ContributingDeliveryIDs)
	assert.Equal(t, "February 2025", txns[0].PeriodLabel)
	assert.Equal(t, "Milk payment for 2 deliveries (All pending)", txns[0].Description)
}

func TestSettleFarmerConsumesDeduction(t *testing.T) {
	f := newMemoryFixture(t)
	f.farmer(t, "F")
	f.delivery(t, "F", 10, jan(2), nil)
	f.delivery(t, "F", 15, jan(9), nil)
	x := f.deduction(t, "F", 200, jan(5))

	res, err := f.svc.SettleFarmer(context.Background(), "F", models.AllTime())
	require.NoError(t, err)
	assertAmount(t, 925, res.NetAmount)
	assert.Equal(t, 1, res.DeductionCount)

	ded, _ := f.store.Deduction(x)
	assert.Equal(t, models.DeductionConsumed, ded.Status)
	assert.Equal(t, res.TransactionID, ded.ConsumedByTransactionID)
	require.NotNil(t, ded.ConsumedAt)

	txns, _ := f.store.ReadTransactions(context.Background(), models.TransactionFilter{FarmerID: "F"})
	require.Len(t, txns, 1)
	assertAmount(t, 200, txns[0].DeductionAmount)
	assert.Equal(t, []string{x}, txns[0].ContributingDeductionIDs)
}

func TestSettleFarmerNegativeBalanceLeavesRecordsUntouched(t *testing.T) {
	f := newMemoryFixture(t)
	f.farmer(t, "G")
	d := f.delivery(t, "G", 5, jan(2), nil)
	x := f.deduction(t, "G", 500, jan(3))

	_, err := f.svc.SettleFarmer(context.Background(), "G", models.AllTime())
	require.ErrorIs(t, err, models.ErrNegativeBalance)

	rec, _ := f.store.Delivery(d)
	ded, _ := f.store.Deduction(x)
	assert.Equal(t, models.DeliveryPending, rec.Status)
	assert.Nil(t, rec.SettledAmount)
	assert.Equal(t, models.DeductionOutstanding, ded.Status)

	txns, _ := f.store.ReadTransactions(context.Background(), models.TransactionFilter{})
	assert.Empty(t, txns)
}

func TestSettleFarmerNothingPending(t *testing.T) {
	f := newMemoryFixture(t)
	f.farmer(t, "H")
	f.deduction(t, "H", 100, jan(3))

	_, err := f.svc.SettleFarmer(context.Background(), "H", models.AllTime())
	require.ErrorIs(t, err, models.ErrNoPendingBalance)

	txns, _ := f.store.ReadTransactions(context.Background(), models.TransactionFilter{})
	assert.Empty(t, txns)
}

func TestSettleFarmerUsesPriceAtSettlementTime(t *testing.T) {
	f := newMemoryFixture(t)
	f.farmer(t, "F")
	d := f.delivery(t, "F", 10, jan(2), nil)

	_, err := f.prices.SetPrice(context.Background(), dec(50), "admin")
	require.NoError(t, err)

	res, err := f.svc.SettleFarmer(context.Background(), "F", models.AllTime())
	require.NoError(t, err)
	assertAmount(t, 500, res.NetAmount)

	rec, _ := f.store.Delivery(d)
	assertAmount(t, 500, *rec.SettledAmount)
	assertAmount(t, 50, *rec.UnitPrice)
}

func TestSettleFarmerHonoursPerRecordPrice(t *testing.T) {
	f := newMemoryFixture(t)
	f.farmer(t, "F")
	override := dec(60)
	d1 := f.delivery(t, "F", 10, jan(2), &override)
	d2 := f.delivery(t, "F", 10, jan(3), nil)

	res, err := f.svc.SettleFarmer(context.Background(), "F", models.AllTime())
	require.NoError(t, err)
	assertAmount(t, 1050, res.NetAmount)

	rec1, _ := f.store.Delivery(d1)
	rec2, _ := f.store.Delivery(d2)
	assertAmount(t, 600, *rec1.SettledAmount)
	assertAmount(t, 450, *rec2.SettledAmount)
}

func TestSettleFarmerIsIdempotent(t *testing.T) {
	f := newMemoryFixture(t)
	f.farmer(t, "F")
	f.delivery(t, "F", 10, jan(2), nil)
	f.delivery(t, "F", 15, jan(9), nil)

	first, err := f.svc.SettleFarmer(context.Background(), "F", models.AllTime())
	require.NoError(t, err)

	_, err = f.svc.SettleFarmer(context.Background(), "F", models.AllTime())
	require.ErrorIs(t, err, models.ErrNoPendingBalance)

	txns, _ := f.store.ReadTransactions(context.Background(), models.TransactionFilter{FarmerID: "F"})
	require.Len(t, txns, 1)
	assert.True(t, txns[0].NetAmount.Equal(first.NetAmount))
}

func TestSettleFarmerUnknownFarmer(t *testing.T) {
	f := newMemoryFixture(t)

	_, err := f.svc.SettleFarmer(context.Background(), "ghost", models.AllTime())
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, err = f.svc.ComputeBalance(context.Background(), "ghost", models.AllTime())
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestSettleFarmerPeriodFilter(t *testing.T) {
	f := newMemoryFixture(t)
	f.farmer(t, "F")
	inJan := f.delivery(t, "F", 10, jan(20), nil)
	inFeb := f.delivery(t, "F", 10, time.Date(2025, time.February, 2, 8, 0, 0, 0, time.UTC), nil)
	oldDeduction := f.deduction(t, "F", 100, time.Date(2024, time.November, 1, 0, 0, 0, 0, time.UTC))
	lateDeduction := f.deduction(t, "F", 100, time.Date(2025, time.February, 1, 0, 0, 0, 0, time.UTC))

	res, err := f.svc.SettleFarmer(context.Background(), "F", models.Month(2025, time.January, time.UTC))
	require.NoError(t, err)
	assertAmount(t, 350, res.NetAmount)

	rec, _ := f.store.Delivery(inJan)
	assert.Equal(t, models.DeliverySettled, rec.Status)
	rec, _ = f.store.Delivery(inFeb)
	assert.Equal(t, models.DeliveryPending, rec.Status)

	ded, _ := f.store.Deduction(oldDeduction)
	assert.Equal(t, models.DeductionConsumed, ded.Status)
	ded, _ = f.store.Deduction(lateDeduction)
	assert.Equal(t, models.DeductionOutstanding, ded.Status)

	txns, _ := f.store.ReadTransactions(context.Background(), models.TransactionFilter{FarmerID: "F"})
	require.Len(t, txns, 1)
	assert.Equal(t, "January 2025", txns[0].PeriodLabel)
}

func TestSettleFarmerZeroNetIsSettled(t *testing.T) {
	f := newMemoryFixture(t)
	f.farmer(t, "F")
	f.delivery(t, "F", 10, jan(2), nil)
	f.deduction(t, "F", 450, jan(3))

	res, err := f.svc.SettleFarmer(context.Background(), "F", models.AllTime())
	require.NoError(t, err)
	assertAmount(t, 0, res.NetAmount)
}

func TestComputeBalanceHasNoSideEffects(t *testing.T) {
	f := newMemoryFixture(t)
	f.farmer(t, "F")
	d := f.delivery(t, "F", 10, jan(2), nil)
	f.deduction(t, "F", 100, jan(3))

	for i := 0; i < 2; i++ {
		bal, err := f.svc.ComputeBalance(context.Background(), "F", models.AllTime())
		require.NoError(t, err)
		assertAmount(t, 450, bal.GrossPending)
		assertAmount(t, 100, bal.DeductionsOutstanding)
		assertAmount(t, 350, bal.NetPayable)
	}

	rec, _ := f.store.Delivery(d)
	assert.Equal(t, models.DeliveryPending, rec.Status)
}

func TestComputeBalanceIgnoresOtherFarmersAndStatuses(t *testing.T) {
	price := dec(45)
	deliveries := []models.DeliveryRecord{
		{ID: "a", FarmerID: "F", Quantity: dec(2), OccurredAt: jan(1), Status: models.DeliveryPending},
		{ID: "b", FarmerID: "G", Quantity: dec(2), OccurredAt: jan(1), Status: models.DeliveryPending},
		{ID: "c", FarmerID: "F", Quantity: dec(2), OccurredAt: jan(1), Status: models.DeliverySettled},
	}
	deductions := []models.DeductionRecord{
		{ID: "x", FarmerID: "F", Cost: dec(10), OccurredAt: jan(1), Status: models.DeductionOutstanding},
		{ID: "y", FarmerID: "F", Cost: dec(10), OccurredAt: jan(1), Status: models.DeductionConsumed},
	}

	bal := computeBalance("F", deliveries, deductions, price, models.AllTime())
	assertAmount(t, 90, bal.GrossPending)
	assertAmount(t, 10, bal.DeductionsOutstanding)
	assertAmount(t, 80, bal.NetPayable)
	assert.Len(t, bal.Deliveries, 1)
	assert.Len(t, bal.Deductions, 1)
}

// flakyStore fails InsertTransaction for selected farmers, which aborts the
// whole unit of work the way a store-side conflict would.
type flakyStore struct {
	*memory.Store
	failFor   map[string]error
	failTimes int32
	failures  atomic.Int32
}

func (s *flakyStore) RunAtomic(ctx context.Context, fn func(ctx context.Context, tx repository.Tx) error) error {
	return s.Store.RunAtomic(ctx, func(ctx context.Context, tx repository.Tx) error {
		return fn(ctx, &flakyTx{Tx: tx, store: s})
	})
}

type flakyTx struct {
	repository.Tx
	store *flakyStore
}

func (t *flakyTx) InsertTransaction(ctx context.Context, txn models.PaymentTransaction) error {
	if err, ok := t.store.failFor[txn.FarmerID]; ok {
		if t.store.failTimes == 0 || t.store.failures.Load() < t.store.failTimes {
			t.store.failures.Add(1)
			return err
		}
	}
	return t.Tx.InsertTransaction(ctx, txn)
}

func TestSettleFarmerRetriesConflicts(t *testing.T) {
	mem := memory.New()
	flaky := &flakyStore{Store: mem, failFor: map[string]error{"F": models.ErrConcurrentModification}, failTimes: 2}
	f := newFixture(t, flaky, mem)
	f.farmer(t, "F")
	d := f.delivery(t, "F", 10, jan(2), nil)

	res, err := f.svc.SettleFarmer(context.Background(), "F", models.AllTime())
	require.NoError(t, err)
	assertAmount(t, 450, res.NetAmount)
	assert.Equal(t, int32(2), flaky.failures.Load())

	rec, _ := mem.Delivery(d)
	assert.Equal(t, models.DeliverySettled, rec.Status)
}

func TestSettleFarmerGivesUpAfterMaxAttempts(t *testing.T) {
	mem := memory.New()
	flaky := &flakyStore{Store: mem, failFor: map[string]error{"F": models.ErrPersistence}}
	f := newFixture(t, flaky, mem)
	f.farmer(t, "F")
	d := f.delivery(t, "F", 10, jan(2), nil)

	_, err := f.svc.SettleFarmer(context.Background(), "F", models.AllTime())
	require.ErrorIs(t, err, models.ErrPersistence)
	assert.Equal(t, int32(3), flaky.failures.Load())

	rec, _ := mem.Delivery(d)
	assert.Equal(t, models.DeliveryPending, rec.Status)
}

func TestSettleAllIsolatesFailures(t *testing.T) {
	mem := memory.New()
	flaky := &flakyStore{Store: mem, failFor: map[string]error{"B": models.ErrConcurrentModification}}
	f := newFixture(t, flaky, mem)
	for _, id := range []string{"A", "B", "C", "D", "E"} {
		f.farmer(t, id)
	}
	f.delivery(t, "A", 10, jan(2), nil)
	bDelivery := f.delivery(t, "B", 10, jan(2), nil)
	f.delivery(t, "C", 20, jan(2), nil)
	f.delivery(t, "D", 1, jan(2), nil)
	f.deduction(t, "D", 1000, jan(2))

	report, err := f.svc.SettleAll(context.Background(), models.AllTime())
	require.NoError(t, err)

	assert.Equal(t, 5, report.FarmersTotal)
	assert.Equal(t, 5, report.Processed)
	assert.Equal(t, 2, report.Settled)
	assert.Equal(t, 1, report.NothingOwed)
	assert.Equal(t, 1, report.Blocked)
	assert.Equal(t, 1, report.Failed)
	assert.False(t, report.Cancelled)
	assertAmount(t, 1350, report.TotalDisbursed)

	byFarmer := map[string]models.FarmerOutcome{}
	for _, o := range report.Outcomes {
		byFarmer[o.FarmerID] = o
	}
	assert.Equal(t, models.OutcomeSettled, byFarmer["A"].Outcome)
	assert.Equal(t, models.OutcomeConflict, byFarmer["B"].Outcome)
	assert.NotEmpty(t, byFarmer["B"].Error)
	assert.Equal(t, models.OutcomeSettled, byFarmer["C"].Outcome)
	assert.Equal(t, models.OutcomeNegativeBalance, byFarmer["D"].Outcome)
	assert.Equal(t, models.OutcomeNothingOwed, byFarmer["E"].Outcome)

	// One attempt per farmer per run.
	assert.Equal(t, int32(1), flaky.failures.Load())

	rec, _ := mem.Delivery(bDelivery)
	assert.Equal(t, models.DeliveryPending, rec.Status)

	txns, _ := mem.ReadTransactions(context.Background(), models.TransactionFilter{})
	assert.Len(t, txns, 2)
}

func TestSettleAllRerunIsSafe(t *testing.T) {
	f := newMemoryFixture(t)
	f.farmer(t, "A")
	f.farmer(t, "B")
	f.delivery(t, "A", 10, jan(2), nil)
	f.delivery(t, "B", 10, jan(2), nil)

	first, err := f.svc.SettleAll(context.Background(), models.AllTime())
	require.NoError(t, err)
	assert.Equal(t, 2, first.Settled)

	second, err := f.svc.SettleAll(context.Background(), models.AllTime())
	require.NoError(t, err)
	assert.Equal(t, 0, second.Settled)
	assert.Equal(t, 2, second.NothingOwed)
	assertAmount(t, 0, second.TotalDisbursed)
}

func TestSettleAllStopsAtFarmerBoundaryOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hook := hookFunc(func(_ context.Context, farmer models.Farmer, _ models.PaymentTransaction) error {
		if farmer.ID == "A" {
			cancel()
		}
		return nil
	})

	f := newMemoryFixture(t, hook)
	f.farmer(t, "A")
	f.farmer(t, "B")
	f.farmer(t, "C")
	f.delivery(t, "A", 10, jan(2), nil)
	bDelivery := f.delivery(t, "B", 10, jan(2), nil)

	report, err := f.svc.SettleAll(ctx, models.AllTime())
	require.NoError(t, err)

	assert.True(t, report.Cancelled)
	assert.Equal(t, 1, report.Processed)
	assert.Equal(t, 1, report.Settled)
	require.Len(t, report.Outcomes, 3)
	assert.Equal(t, models.OutcomeCancelled, report.Outcomes[1].Outcome)
	assert.Equal(t, models.OutcomeCancelled, report.Outcomes[2].Outcome)

	rec, _ := f.store.Delivery(bDelivery)
	assert.Equal(t, models.DeliveryPending, rec.Status)
}

type hookFunc func(ctx context.Context, farmer models.Farmer, txn models.PaymentTransaction) error

func (h hookFunc) AfterSettlement(ctx context.Context, farmer models.Farmer, txn models.PaymentTransaction) error {
	return h(ctx, farmer, txn)
}

func TestHookFailureDoesNotFailSettlement(t *testing.T) {
	var seen []string
	hook := hookFunc(func(_ context.Context, _ models.Farmer, txn models.PaymentTransaction) error {
		seen = append(seen, txn.ID)
		return errors.New("whatsapp down")
	})

	f := newMemoryFixture(t, hook)
	f.farmer(t, "F")
	f.delivery(t, "F", 10, jan(2), nil)

	res, err := f.svc.SettleFarmer(context.Background(), "F", models.AllTime())
	require.NoError(t, err)
	assert.Equal(t, []string{res.TransactionID}, seen)
}

func TestTransactionsConserveAmounts(t *testing.T) {
	f := newMemoryFixture(t)
	for _, id := range []string{"A", "B", "C"} {
		f.farmer(t, id)
	}
	override := dec(52)
	f.delivery(t, "A", 12, jan(2), nil)
	f.delivery(t, "A", 7, jan(4), &override)
	f.deduction(t, "A", 130, jan(3))
	f.delivery(t, "B", 30, jan(5), nil)
	f.deduction(t, "B", 90, jan(1))
	f.deduction(t, "B", 45, jan(6))
	f.delivery(t, "C", 3, jan(7), nil)

	_, err := f.svc.SettleAll(context.Background(), models.AllTime())
	require.NoError(t, err)

	txns, err := f.store.ReadTransactions(context.Background(), models.TransactionFilter{})
	require.NoError(t, err)
	require.Len(t, txns, 3)

	for _, txn := range txns {
		assert.True(t, txn.GrossAmount.Sub(txn.DeductionAmount).Equal(txn.NetAmount), txn.ID)
		assert.False(t, txn.NetAmount.IsNegative(), txn.ID)

		settledSum := decimal.Zero
		for _, id := range txn.ContributingDeliveryIDs {
			rec, ok := f.store.Delivery(id)
			require.True(t, ok)
			assert.Equal(t, txn.ID, rec.TransactionID)
			settledSum = settledSum.Add(*rec.SettledAmount)
		}
		assert.True(t, settledSum.Equal(txn.GrossAmount), txn.ID)

		costSum := decimal.Zero
		for _, id := range txn.ContributingDeductionIDs {
			rec, ok := f.store.Deduction(id)
			require.True(t, ok)
			costSum = costSum.Add(rec.Cost)
		}
		assert.True(t, costSum.Equal(txn.DeductionAmount), txn.ID)
	}
}
