// Package sqlite is a single-file record store for one-node deployments.
//
// The database is opened with one connection and immediate transactions, so a
// unit of work holds the write lock from its first read to its commit.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mamadbah2/milkpay/internal/domain/models"
	"github.com/mamadbah2/milkpay/internal/repository"
)

// timeLayout is fixed-width so text comparison orders like time.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const schema = `
CREATE TABLE IF NOT EXISTS farmers (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	phone TEXT,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_farmers_phone ON farmers(phone) WHERE phone IS NOT NULL;

CREATE TABLE IF NOT EXISTS milk_deliveries (
	id TEXT PRIMARY KEY,
	farmer_id TEXT NOT NULL,
	quantity TEXT NOT NULL,
	unit_price TEXT,
	occurred_at TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	settled_at TEXT,
	settled_amount TEXT,
	transaction_id TEXT
);
CREATE INDEX IF NOT EXISTS idx_deliveries_farmer_status_date
	ON milk_deliveries(farmer_id, status, occurred_at);

CREATE TABLE IF NOT EXISTS feed_deductions (
	id TEXT PRIMARY KEY,
	farmer_id TEXT NOT NULL,
	cost TEXT NOT NULL,
	description TEXT,
	occurred_at TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'outstanding',
	consumed_at TEXT,
	consumed_by_transaction_id TEXT
);
CREATE INDEX IF NOT EXISTS idx_deductions_farmer_status_date
	ON feed_deductions(farmer_id, status, occurred_at);

CREATE TABLE IF NOT EXISTS system_config (
	id TEXT PRIMARY KEY,
	unit_price TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	updated_by TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS payment_transactions (
	id TEXT PRIMARY KEY,
	farmer_id TEXT NOT NULL,
	period_label TEXT NOT NULL,
	description TEXT NOT NULL,
	status TEXT NOT NULL,
	unit_price TEXT NOT NULL,
	gross_amount TEXT NOT NULL,
	deduction_amount TEXT NOT NULL,
	net_amount TEXT NOT NULL,
	delivery_ids_json TEXT NOT NULL,
	deduction_ids_json TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transactions_farmer_created
	ON payment_transactions(farmer_id, created_at DESC);
`

const priceConfigID = "milk_price"

var _ repository.Store = (*Store)(nil)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements repository.Store on SQLite.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// New opens (or creates) the database at path and migrates the schema.
func New(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	logger.Info("sqlite store ready", zap.String("path", path))
	return &Store{db: db, logger: logger}, nil
}

func (s *Store) ReadPending(ctx context.Context, farmerID string, filter models.PeriodFilter) ([]models.DeliveryRecord, error) {
	return readPending(ctx, s.db, farmerID, filter)
}

func (s *Store) ReadOutstanding(ctx context.Context, farmerID string, filter models.PeriodFilter) ([]models.DeductionRecord, error) {
	return readOutstanding(ctx, s.db, farmerID, filter)
}

func (s *Store) ReadPrice(ctx context.Context) (*models.PriceConfig, error) {
	var price, updatedAt, updatedBy string
	err := s.db.QueryRowContext(ctx,
		`SELECT unit_price, updated_at, updated_by FROM system_config WHERE id = ?`, priceConfigID,
	).Scan(&price, &updatedAt, &updatedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("price config: %w", models.ErrNotFound)
	}
	if err != nil {
		return nil, classify("read price", err)
	}

	cfg := models.PriceConfig{UpdatedBy: updatedBy}
	if cfg.UnitPrice, err = decimal.NewFromString(price); err != nil {
		return nil, fmt.Errorf("decode price: %w", err)
	}
	if cfg.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (s *Store) WritePrice(ctx context.Context, cfg models.PriceConfig) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO system_config (id, unit_price, updated_at, updated_by) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET unit_price = excluded.unit_price,
			updated_at = excluded.updated_at, updated_by = excluded.updated_by`,
		priceConfigID, cfg.UnitPrice.String(), formatTime(cfg.UpdatedAt), cfg.UpdatedBy)
	if err != nil {
		return classify("write price", err)
	}
	return nil
}

func (s *Store) ListFarmers(ctx context.Context) ([]models.Farmer, error) {
	return s.queryFarmers(ctx, `SELECT id, name, phone, created_at FROM farmers ORDER BY id`)
}

func (s *Store) GetFarmer(ctx context.Context, farmerID string) (*models.Farmer, error) {
	farmers, err := s.queryFarmers(ctx, `SELECT id, name, phone, created_at FROM farmers WHERE id = ?`, farmerID)
	if err != nil {
		return nil, err
	}
	if len(farmers) == 0 {
		return nil, fmt.Errorf("farmer %s: %w", farmerID, models.ErrNotFound)
	}
	return &farmers[0], nil
}

func (s *Store) FindFarmerByPhone(ctx context.Context, phone string) (*models.Farmer, error) {
	p := strings.TrimPrefix(strings.TrimSpace(phone), "+")
	farmers, err := s.queryFarmers(ctx,
		`SELECT id, name, phone, created_at FROM farmers WHERE phone IN (?, ?) ORDER BY id LIMIT 1`, p, "+"+p)
	if err != nil {
		return nil, err
	}
	if len(farmers) == 0 {
		return nil, fmt.Errorf("farmer with phone %s: %w", phone, models.ErrNotFound)
	}
	return &farmers[0], nil
}

func (s *Store) SaveFarmer(ctx context.Context, farmer models.Farmer) error {
	if farmer.ID == "" {
		return fmt.Errorf("%w: farmer id is required", models.ErrInvalidRecord)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO farmers (id, name, phone, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, phone = excluded.phone`,
		farmer.ID, farmer.Name, nullString(farmer.Phone), formatTime(farmer.CreatedAt))
	if err != nil {
		return classify("save farmer", err)
	}
	return nil
}

func (s *Store) queryFarmers(ctx context.Context, query string, args ...any) ([]models.Farmer, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("query farmers", err)
	}
	defer rows.Close()

	farmers := make([]models.Farmer, 0)
	for rows.Next() {
		var (
			f         models.Farmer
			phone     sql.NullString
			createdAt string
		)
		if err := rows.Scan(&f.ID, &f.Name, &phone, &createdAt); err != nil {
			return nil, classify("scan farmer", err)
		}
		f.Phone = phone.String
		if f.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		farmers = append(farmers, f)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate farmers", err)
	}
	return farmers, nil
}

func (s *Store) RecordDelivery(ctx context.Context, d models.DeliveryRecord) error {
	if err := d.Validate(); err != nil {
		return err
	}
	if d.ID == "" {
		return fmt.Errorf("%w: delivery id is required", models.ErrInvalidRecord)
	}

	var unitPrice sql.NullString
	if d.UnitPrice != nil {
		unitPrice = nullString(d.UnitPrice.String())
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO milk_deliveries (id, farmer_id, quantity, unit_price, occurred_at, status)
		VALUES (?, ?, ?, ?, ?, ?)`,
		d.ID, d.FarmerID, d.Quantity.String(), unitPrice, formatTime(d.OccurredAt), string(models.DeliveryPending))
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: delivery %s already exists", models.ErrInvalidRecord, d.ID)
		}
		return classify("insert delivery", err)
	}
	return nil
}

func (s *Store) RecordDeduction(ctx context.Context, d models.DeductionRecord) error {
	if err := d.Validate(); err != nil {
		return err
	}
	if d.ID == "" {
		return fmt.Errorf("%w: deduction id is required", models.ErrInvalidRecord)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO feed_deductions (id, farmer_id, cost, description, occurred_at, status)
		VALUES (?, ?, ?, ?, ?, ?)`,
		d.ID, d.FarmerID, d.Cost.String(), nullString(d.Description), formatTime(d.OccurredAt), string(models.DeductionOutstanding))
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: deduction %s already exists", models.ErrInvalidRecord, d.ID)
		}
		return classify("insert deduction", err)
	}
	return nil
}

func (s *Store) ReadTransactions(ctx context.Context, filter models.TransactionFilter) ([]models.PaymentTransaction, error) {
	query := `SELECT id, farmer_id, period_label, description, status, unit_price, gross_amount,
		deduction_amount, net_amount, delivery_ids_json, deduction_ids_json, created_at
		FROM payment_transactions WHERE 1 = 1`
	var args []any
	if filter.FarmerID != "" {
		query += ` AND farmer_id = ?`
		args = append(args, filter.FarmerID)
	}
	if filter.Since != nil {
		query += ` AND created_at >= ?`
		args = append(args, formatTime(*filter.Since))
	}
	if filter.Until != nil {
		query += ` AND created_at <= ?`
		args = append(args, formatTime(*filter.Until))
	}
	query += ` ORDER BY created_at DESC, rowid DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("read transactions", err)
	}
	defer rows.Close()

	out := make([]models.PaymentTransaction, 0)
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate transactions", err)
	}
	return out, nil
}

func scanTransaction(rows *sql.Rows) (models.PaymentTransaction, error) {
	var (
		t                                    models.PaymentTransaction
		price, gross, deduction, net         string
		deliveryIDs, deductionIDs, createdAt string
	)
	err := rows.Scan(&t.ID, &t.FarmerID, &t.PeriodLabel, &t.Description, &t.Status,
		&price, &gross, &deduction, &net, &deliveryIDs, &deductionIDs, &createdAt)
	if err != nil {
		return t, classify("scan transaction", err)
	}

	amounts := []*decimal.Decimal{&t.UnitPrice, &t.GrossAmount, &t.DeductionAmount, &t.NetAmount}
	for i, raw := range []string{price, gross, deduction, net} {
		if *amounts[i], err = decimal.NewFromString(raw); err != nil {
			return t, fmt.Errorf("decode transaction %s amount: %w", t.ID, err)
		}
	}
	if err := json.Unmarshal([]byte(deliveryIDs), &t.ContributingDeliveryIDs); err != nil {
		return t, fmt.Errorf("decode transaction %s deliveries: %w", t.ID, err)
	}
	if err := json.Unmarshal([]byte(deductionIDs), &t.ContributingDeductionIDs); err != nil {
		return t, fmt.Errorf("decode transaction %s deductions: %w", t.ID, err)
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return t, err
	}
	return t, nil
}

// RunAtomic runs fn inside one immediate transaction.
func (s *Store) RunAtomic(ctx context.Context, fn func(ctx context.Context, tx repository.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("begin transaction", err)
	}
	defer sqlTx.Rollback()

	if err := fn(ctx, &unit{tx: sqlTx}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return classify("commit settlement", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close(_ context.Context) error {
	return s.db.Close()
}

func readPending(ctx context.Context, q querier, farmerID string, filter models.PeriodFilter) ([]models.DeliveryRecord, error) {
	query := `SELECT id, farmer_id, quantity, unit_price, occurred_at, status
		FROM milk_deliveries WHERE status = ?`
	args := []any{string(models.DeliveryPending)}
	if farmerID != "" {
		query += ` AND farmer_id = ?`
		args = append(args, farmerID)
	}
	if filter.IsBounded() {
		query += ` AND occurred_at >= ? AND occurred_at <= ?`
		args = append(args, formatTime(filter.Start), formatTime(filter.End))
	}
	query += ` ORDER BY occurred_at, id`

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("read pending deliveries", err)
	}
	defer rows.Close()

	out := make([]models.DeliveryRecord, 0)
	for rows.Next() {
		var (
			d                    models.DeliveryRecord
			qty, occurred, state string
			price                sql.NullString
		)
		if err := rows.Scan(&d.ID, &d.FarmerID, &qty, &price, &occurred, &state); err != nil {
			return nil, classify("scan delivery", err)
		}
		if d.Quantity, err = decimal.NewFromString(qty); err != nil {
			return nil, fmt.Errorf("decode delivery %s quantity: %w", d.ID, err)
		}
		if price.Valid {
			p, err := decimal.NewFromString(price.String)
			if err != nil {
				return nil, fmt.Errorf("decode delivery %s price: %w", d.ID, err)
			}
			d.UnitPrice = &p
		}
		if d.OccurredAt, err = parseTime(occurred); err != nil {
			return nil, err
		}
		d.Status = models.DeliveryStatus(state)
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate deliveries", err)
	}
	return out, nil
}

func readOutstanding(ctx context.Context, q querier, farmerID string, filter models.PeriodFilter) ([]models.DeductionRecord, error) {
	query := `SELECT id, farmer_id, cost, description, occurred_at, status
		FROM feed_deductions WHERE status = ?`
	args := []any{string(models.DeductionOutstanding)}
	if farmerID != "" {
		query += ` AND farmer_id = ?`
		args = append(args, farmerID)
	}
	if filter.IsBounded() {
		query += ` AND occurred_at <= ?`
		args = append(args, formatTime(filter.End))
	}
	query += ` ORDER BY occurred_at, id`

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("read outstanding deductions", err)
	}
	defer rows.Close()

	out := make([]models.DeductionRecord, 0)
	for rows.Next() {
		var (
			d                     models.DeductionRecord
			cost, occurred, state string
			description           sql.NullString
		)
		if err := rows.Scan(&d.ID, &d.FarmerID, &cost, &description, &occurred, &state); err != nil {
			return nil, classify("scan deduction", err)
		}
		if d.Cost, err = decimal.NewFromString(cost); err != nil {
			return nil, fmt.Errorf("decode deduction %s cost: %w", d.ID, err)
		}
		d.Description = description.String
		if d.OccurredAt, err = parseTime(occurred); err != nil {
			return nil, err
		}
		d.Status = models.DeductionStatus(state)
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate deductions", err)
	}
	return out, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("decode time %q: %w", s, err)
	}
	return t, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.Code == sqlite3.ErrConstraint
}

// classify wraps a driver error. Lock contention becomes
// ErrConcurrentModification, everything else ErrPersistence.
func classify(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	var se sqlite3.Error
	if errors.As(err, &se) && (se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked) {
		return fmt.Errorf("%s: %w: %w", op, models.ErrConcurrentModification, err)
	}
	return fmt.Errorf("%s: %w: %w", op, models.ErrPersistence, err)
}
