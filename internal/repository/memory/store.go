// Package memory is an in-process record store with optimistic conflict
// detection. It backs tests and single-process demos.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mamadbah2/milkpay/internal/domain/models"
	"github.com/mamadbah2/milkpay/internal/repository"
)

var _ repository.Store = (*Store)(nil)

type deliveryEntry struct {
	rec     models.DeliveryRecord
	version uint64
}

type deductionEntry struct {
	rec     models.DeductionRecord
	version uint64
}

// Store keeps every collection in maps guarded by one RWMutex. Units of work
// stage their writes and validate record versions at commit.
type Store struct {
	mu sync.RWMutex

	farmers      map[string]models.Farmer
	deliveries   map[string]*deliveryEntry
	deductions   map[string]*deductionEntry
	transactions []models.PaymentTransaction
	txnIDs       map[string]struct{}
	price        *models.PriceConfig
}

// New returns an empty store.
func New() *Store {
	return &Store{
		farmers:    make(map[string]models.Farmer),
		deliveries: make(map[string]*deliveryEntry),
		deductions: make(map[string]*deductionEntry),
		txnIDs:     make(map[string]struct{}),
	}
}

func (s *Store) ReadPending(_ context.Context, farmerID string, filter models.PeriodFilter) ([]models.DeliveryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	recs, _ := s.pendingLocked(farmerID, filter)
	return recs, nil
}

func (s *Store) ReadOutstanding(_ context.Context, farmerID string, filter models.PeriodFilter) ([]models.DeductionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	recs, _ := s.outstandingLocked(farmerID, filter)
	return recs, nil
}

func (s *Store) pendingLocked(farmerID string, filter models.PeriodFilter) ([]models.DeliveryRecord, map[string]uint64) {
	recs := make([]models.DeliveryRecord, 0)
	versions := make(map[string]uint64)
	for id, e := range s.deliveries {
		if e.rec.Status != models.DeliveryPending {
			continue
		}
		if farmerID != "" && e.rec.FarmerID != farmerID {
			continue
		}
		if !filter.ContainsDelivery(e.rec.OccurredAt) {
			continue
		}
		recs = append(recs, e.rec)
		versions[id] = e.version
	}
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].OccurredAt.Equal(recs[j].OccurredAt) {
			return recs[i].ID < recs[j].ID
		}
		return recs[i].OccurredAt.Before(recs[j].OccurredAt)
	})
	return recs, versions
}

func (s *Store) outstandingLocked(farmerID string, filter models.PeriodFilter) ([]models.DeductionRecord, map[string]uint64) {
	recs := make([]models.DeductionRecord, 0)
	versions := make(map[string]uint64)
	for id, e := range s.deductions {
		if e.rec.Status != models.DeductionOutstanding {
			continue
		}
		if farmerID != "" && e.rec.FarmerID != farmerID {
			continue
		}
		if !filter.CoversDeduction(e.rec.OccurredAt) {
			continue
		}
		recs = append(recs, e.rec)
		versions[id] = e.version
	}
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].OccurredAt.Equal(recs[j].OccurredAt) {
			return recs[i].ID < recs[j].ID
		}
		return recs[i].OccurredAt.Before(recs[j].OccurredAt)
	})
	return recs, versions
}

func (s *Store) ReadPrice(_ context.Context) (*models.PriceConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.price == nil {
		return nil, models.ErrNotFound
	}
	cfg := *s.price
	return &cfg, nil
}

func (s *Store) WritePrice(_ context.Context, cfg models.PriceConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.price = &cfg
	return nil
}

func (s *Store) ListFarmers(_ context.Context) ([]models.Farmer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Farmer, 0, len(s.farmers))
	for _, f := range s.farmers {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) GetFarmer(_ context.Context, farmerID string) (*models.Farmer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.farmers[farmerID]
	if !ok {
		return nil, fmt.Errorf("farmer %s: %w", farmerID, models.ErrNotFound)
	}
	return &f, nil
}

func (s *Store) FindFarmerByPhone(_ context.Context, phone string) (*models.Farmer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	phone = strings.TrimPrefix(strings.TrimSpace(phone), "+")
	for _, f := range s.farmers {
		if f.Phone != "" && strings.TrimPrefix(f.Phone, "+") == phone {
			found := f
			return &found, nil
		}
	}
	return nil, fmt.Errorf("farmer with phone %s: %w", phone, models.ErrNotFound)
}

func (s *Store) SaveFarmer(_ context.Context, farmer models.Farmer) error {
	if farmer.ID == "" {
		return fmt.Errorf("%w: farmer id is required", models.ErrInvalidRecord)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.farmers[farmer.ID] = farmer
	return nil
}

func (s *Store) RecordDelivery(_ context.Context, d models.DeliveryRecord) error {
	if err := d.Validate(); err != nil {
		return err
	}
	if d.ID == "" {
		return fmt.Errorf("%w: delivery id is required", models.ErrInvalidRecord)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.deliveries[d.ID]; exists {
		return fmt.Errorf("%w: delivery %s already exists", models.ErrInvalidRecord, d.ID)
	}
	d.Status = models.DeliveryPending
	d.SettledAt = nil
	d.SettledAmount = nil
	d.TransactionID = ""
	s.deliveries[d.ID] = &deliveryEntry{rec: d, version: 1}
	return nil
}

func (s *Store) RecordDeduction(_ context.Context, d models.DeductionRecord) error {
	if err := d.Validate(); err != nil {
		return err
	}
	if d.ID == "" {
		return fmt.Errorf("%w: deduction id is required", models.ErrInvalidRecord)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.deductions[d.ID]; exists {
		return fmt.Errorf("%w: deduction %s already exists", models.ErrInvalidRecord, d.ID)
	}
	d.Status = models.DeductionOutstanding
	d.ConsumedAt = nil
	d.ConsumedByTransactionID = ""
	s.deductions[d.ID] = &deductionEntry{rec: d, version: 1}
	return nil
}

func (s *Store) ReadTransactions(_ context.Context, filter models.TransactionFilter) ([]models.PaymentTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.PaymentTransaction, 0)
	for i := len(s.transactions) - 1; i >= 0; i-- {
		t := s.transactions[i]
		if filter.FarmerID != "" && t.FarmerID != filter.FarmerID {
			continue
		}
		if filter.Since != nil && t.CreatedAt.Before(*filter.Since) {
			continue
		}
		if filter.Until != nil && t.CreatedAt.After(*filter.Until) {
			continue
		}
		out = append(out, cloneTransaction(t))
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

// Delivery returns a copy of one delivery in any status.
func (s *Store) Delivery(id string) (models.DeliveryRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.deliveries[id]
	if !ok {
		return models.DeliveryRecord{}, false
	}
	return e.rec, true
}

// Deduction returns a copy of one deduction in any status.
func (s *Store) Deduction(id string) (models.DeductionRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.deductions[id]
	if !ok {
		return models.DeductionRecord{}, false
	}
	return e.rec, true
}

func (s *Store) RunAtomic(ctx context.Context, fn func(ctx context.Context, tx repository.Tx) error) error {
	tx := &unit{
		store:             s,
		deliveryVersions:  make(map[string]uint64),
		deductionVersions: make(map[string]uint64),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return tx.commit()
}

func (s *Store) Close(_ context.Context) error { return nil }

type settleWrite struct {
	id      string
	settled models.SettledDelivery
}

type consumeWrite struct {
	id            string
	at            time.Time
	transactionID string
}

// unit stages writes and remembers the version of every record it observed.
type unit struct {
	store *Store

	deliveryVersions  map[string]uint64
	deductionVersions map[string]uint64

	settles  []settleWrite
	consumes []consumeWrite
	inserts  []models.PaymentTransaction
}

func (u *unit) ReadPending(_ context.Context, farmerID string, filter models.PeriodFilter) ([]models.DeliveryRecord, error) {
	u.store.mu.RLock()
	defer u.store.mu.RUnlock()
	recs, versions := u.store.pendingLocked(farmerID, filter)
	for id, v := range versions {
		u.deliveryVersions[id] = v
	}
	return recs, nil
}

func (u *unit) ReadOutstanding(_ context.Context, farmerID string, filter models.PeriodFilter) ([]models.DeductionRecord, error) {
	u.store.mu.RLock()
	defer u.store.mu.RUnlock()
	recs, versions := u.store.outstandingLocked(farmerID, filter)
	for id, v := range versions {
		u.deductionVersions[id] = v
	}
	return recs, nil
}

func (u *unit) SettleDelivery(_ context.Context, id string, settled models.SettledDelivery) error {
	u.store.mu.RLock()
	e, ok := u.store.deliveries[id]
	var current uint64
	var status models.DeliveryStatus
	if ok {
		current, status = e.version, e.rec.Status
	}
	u.store.mu.RUnlock()

	if !ok {
		return fmt.Errorf("delivery %s: %w", id, models.ErrNotFound)
	}
	if status != models.DeliveryPending {
		return fmt.Errorf("delivery %s already %s: %w", id, status, models.ErrConcurrentModification)
	}
	if _, seen := u.deliveryVersions[id]; !seen {
		u.deliveryVersions[id] = current
	}
	u.settles = append(u.settles, settleWrite{id: id, settled: settled})
	return nil
}

func (u *unit) ConsumeDeduction(_ context.Context, id string, at time.Time, transactionID string) error {
	u.store.mu.RLock()
	e, ok := u.store.deductions[id]
	var current uint64
	var status models.DeductionStatus
	if ok {
		current, status = e.version, e.rec.Status
	}
	u.store.mu.RUnlock()

	if !ok {
		return fmt.Errorf("deduction %s: %w", id, models.ErrNotFound)
	}
	if status != models.DeductionOutstanding {
		return fmt.Errorf("deduction %s already %s: %w", id, status, models.ErrConcurrentModification)
	}
	if _, seen := u.deductionVersions[id]; !seen {
		u.deductionVersions[id] = current
	}
	u.consumes = append(u.consumes, consumeWrite{id: id, at: at, transactionID: transactionID})
	return nil
}

func (u *unit) InsertTransaction(_ context.Context, txn models.PaymentTransaction) error {
	if txn.ID == "" {
		return fmt.Errorf("%w: transaction id is required", models.ErrInvalidRecord)
	}
	u.inserts = append(u.inserts, cloneTransaction(txn))
	return nil
}

func (u *unit) commit() error {
	s := u.store
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, w := range u.settles {
		e := s.deliveries[w.id]
		if e.version != u.deliveryVersions[w.id] || e.rec.Status != models.DeliveryPending {
			return fmt.Errorf("delivery %s changed during settlement: %w", w.id, models.ErrConcurrentModification)
		}
	}
	for _, w := range u.consumes {
		e := s.deductions[w.id]
		if e.version != u.deductionVersions[w.id] || e.rec.Status != models.DeductionOutstanding {
			return fmt.Errorf("deduction %s changed during settlement: %w", w.id, models.ErrConcurrentModification)
		}
	}
	for _, t := range u.inserts {
		if _, exists := s.txnIDs[t.ID]; exists {
			return fmt.Errorf("transaction %s already exists: %w", t.ID, models.ErrConcurrentModification)
		}
	}

	for _, w := range u.settles {
		e := s.deliveries[w.id]
		at := w.settled.SettledAt
		amount := w.settled.SettledAmount
		price := w.settled.UnitPrice
		e.rec.Status = models.DeliverySettled
		e.rec.SettledAt = &at
		e.rec.SettledAmount = &amount
		e.rec.UnitPrice = &price
		e.rec.TransactionID = w.settled.TransactionID
		e.version++
	}
	for _, w := range u.consumes {
		e := s.deductions[w.id]
		at := w.at
		e.rec.Status = models.DeductionConsumed
		e.rec.ConsumedAt = &at
		e.rec.ConsumedByTransactionID = w.transactionID
		e.version++
	}
	for _, t := range u.inserts {
		s.transactions = append(s.transactions, t)
		s.txnIDs[t.ID] = struct{}{}
	}
	return nil
}

func cloneTransaction(t models.PaymentTransaction) models.PaymentTransaction {
	t.ContributingDeliveryIDs = append([]string(nil), t.ContributingDeliveryIDs...)
	t.ContributingDeductionIDs = append([]string(nil), t.ContributingDeductionIDs...)
	return t
}
