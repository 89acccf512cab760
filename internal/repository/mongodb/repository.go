// Package mongodb persists farmers, deliveries, deductions, the price and
// payment transactions in MongoDB. Settlements run in multi-document
// transactions, so the deployment must be a replica set.
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"
	"go.uber.org/zap"

	"github.com/mamadbah2/milkpay/internal/domain/models"
	"github.com/mamadbah2/milkpay/internal/repository"
)

const (
	farmersCollection      = "farmers"
	deliveriesCollection   = "milk_deliveries"
	deductionsCollection   = "feed_deductions"
	configCollection       = "system_config"
	transactionsCollection = "payment_transactions"

	writeConflictCode = 112
)

var _ repository.Store = (*Store)(nil)

// Store implements repository.Store for MongoDB.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
	logger *zap.Logger
}

// NewStore connects, verifies the connection and ensures indexes exist.
func NewStore(ctx context.Context, uri, dbName string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	clientOptions := options.Client().ApplyURI(uri)
	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}

	s := &Store{
		client: client,
		db:     client.Database(dbName),
		logger: logger,
	}

	if err := s.Migrate(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}

	logger.Info("connected to mongodb", zap.String("database", dbName))
	return s, nil
}

// Migrate creates the indexes the read paths rely on. It is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	indexes := map[string][]mongo.IndexModel{
		deliveriesCollection: {
			{Keys: bson.D{{Key: "farmer_id", Value: 1}, {Key: "status", Value: 1}, {Key: "occurred_at", Value: 1}}},
			{Keys: bson.D{{Key: "transaction_id", Value: 1}}, Options: options.Index().SetSparse(true)},
		},
		deductionsCollection: {
			{Keys: bson.D{{Key: "farmer_id", Value: 1}, {Key: "status", Value: 1}, {Key: "occurred_at", Value: 1}}},
		},
		transactionsCollection: {
			{Keys: bson.D{{Key: "farmer_id", Value: 1}, {Key: "created_at", Value: -1}}},
		},
		farmersCollection: {
			{Keys: bson.D{{Key: "phone", Value: 1}}, Options: options.Index().SetUnique(true).SetSparse(true)},
		},
	}

	for coll, idx := range indexes {
		if _, err := s.db.Collection(coll).Indexes().CreateMany(ctx, idx); err != nil {
			return fmt.Errorf("create indexes on %s: %w", coll, err)
		}
	}
	return nil
}

func (s *Store) ReadPending(ctx context.Context, farmerID string, filter models.PeriodFilter) ([]models.DeliveryRecord, error) {
	return readPending(ctx, s.db, farmerID, filter)
}

func (s *Store) ReadOutstanding(ctx context.Context, farmerID string, filter models.PeriodFilter) ([]models.DeductionRecord, error) {
	return readOutstanding(ctx, s.db, farmerID, filter)
}

func (s *Store) ReadPrice(ctx context.Context) (*models.PriceConfig, error) {
	var doc priceDoc
	err := s.db.Collection(configCollection).FindOne(ctx, bson.M{"_id": priceConfigID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("price config: %w", models.ErrNotFound)
	}
	if err != nil {
		return nil, classify("read price", err)
	}
	price, err := fromDecimal128(doc.UnitPrice)
	if err != nil {
		return nil, err
	}
	return &models.PriceConfig{UnitPrice: price, UpdatedAt: doc.UpdatedAt, UpdatedBy: doc.UpdatedBy}, nil
}

func (s *Store) WritePrice(ctx context.Context, cfg models.PriceConfig) error {
	price, err := toDecimal128(cfg.UnitPrice)
	if err != nil {
		return err
	}
	doc := priceDoc{ID: priceConfigID, UnitPrice: price, UpdatedAt: cfg.UpdatedAt.UTC(), UpdatedBy: cfg.UpdatedBy}
	_, err = s.db.Collection(configCollection).ReplaceOne(ctx, bson.M{"_id": priceConfigID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return classify("write price", err)
	}
	return nil
}

func (s *Store) ListFarmers(ctx context.Context) ([]models.Farmer, error) {
	cur, err := s.db.Collection(farmersCollection).Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, classify("list farmers", err)
	}
	farmers := make([]models.Farmer, 0)
	if err := cur.All(ctx, &farmers); err != nil {
		return nil, classify("decode farmers", err)
	}
	return farmers, nil
}

func (s *Store) GetFarmer(ctx context.Context, farmerID string) (*models.Farmer, error) {
	var f models.Farmer
	err := s.db.Collection(farmersCollection).FindOne(ctx, bson.M{"_id": farmerID}).Decode(&f)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("farmer %s: %w", farmerID, models.ErrNotFound)
	}
	if err != nil {
		return nil, classify("get farmer", err)
	}
	return &f, nil
}

func (s *Store) FindFarmerByPhone(ctx context.Context, phone string) (*models.Farmer, error) {
	var f models.Farmer
	err := s.db.Collection(farmersCollection).FindOne(ctx, phoneFilter(phone)).Decode(&f)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("farmer with phone %s: %w", phone, models.ErrNotFound)
	}
	if err != nil {
		return nil, classify("find farmer by phone", err)
	}
	return &f, nil
}

func (s *Store) SaveFarmer(ctx context.Context, farmer models.Farmer) error {
	if farmer.ID == "" {
		return fmt.Errorf("%w: farmer id is required", models.ErrInvalidRecord)
	}
	_, err := s.db.Collection(farmersCollection).ReplaceOne(ctx, bson.M{"_id": farmer.ID}, farmer, options.Replace().SetUpsert(true))
	if err != nil {
		return classify("save farmer", err)
	}
	return nil
}

func (s *Store) RecordDelivery(ctx context.Context, d models.DeliveryRecord) error {
	if err := d.Validate(); err != nil {
		return err
	}
	if d.ID == "" {
		return fmt.Errorf("%w: delivery id is required", models.ErrInvalidRecord)
	}
	d.Status = models.DeliveryPending
	d.SettledAt, d.SettledAmount, d.TransactionID = nil, nil, ""

	doc, err := toDeliveryDoc(d)
	if err != nil {
		return err
	}
	if _, err := s.db.Collection(deliveriesCollection).InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
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
	d.Status = models.DeductionOutstanding
	d.ConsumedAt, d.ConsumedByTransactionID = nil, ""

	doc, err := toDeductionDoc(d)
	if err != nil {
		return err
	}
	if _, err := s.db.Collection(deductionsCollection).InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: deduction %s already exists", models.ErrInvalidRecord, d.ID)
		}
		return classify("insert deduction", err)
	}
	return nil
}

func (s *Store) ReadTransactions(ctx context.Context, filter models.TransactionFilter) ([]models.PaymentTransaction, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}})
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}

	cur, err := s.db.Collection(transactionsCollection).Find(ctx, transactionFilter(filter), opts)
	if err != nil {
		return nil, classify("read transactions", err)
	}
	var docs []transactionDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, classify("decode transactions", err)
	}

	out := make([]models.PaymentTransaction, 0, len(docs))
	for _, doc := range docs {
		t, err := doc.record()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// RunAtomic runs fn inside a majority-committed transaction. The driver
// retries the whole callback on transient transaction errors.
func (s *Store) RunAtomic(ctx context.Context, fn func(ctx context.Context, tx repository.Tx) error) error {
	sess, err := s.client.StartSession()
	if err != nil {
		return classify("start session", err)
	}
	defer sess.EndSession(context.WithoutCancel(ctx))

	txnOpts := options.Transaction().
		SetReadConcern(readconcern.Snapshot()).
		SetWriteConcern(writeconcern.Majority())

	_, err = sess.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return nil, fn(sc, &unit{db: s.db})
	}, txnOpts)
	if err == nil || isClassified(err) {
		return err
	}
	return classify("commit settlement", err)
}

// Close closes the MongoDB connection.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func readPending(ctx context.Context, db *mongo.Database, farmerID string, filter models.PeriodFilter) ([]models.DeliveryRecord, error) {
	cur, err := db.Collection(deliveriesCollection).Find(ctx, pendingFilter(farmerID, filter), options.Find().SetSort(occurrenceSort()))
	if err != nil {
		return nil, classify("read pending deliveries", err)
	}
	var docs []deliveryDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, classify("decode deliveries", err)
	}

	out := make([]models.DeliveryRecord, 0, len(docs))
	for _, doc := range docs {
		rec, err := doc.record()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func readOutstanding(ctx context.Context, db *mongo.Database, farmerID string, filter models.PeriodFilter) ([]models.DeductionRecord, error) {
	cur, err := db.Collection(deductionsCollection).Find(ctx, outstandingFilter(farmerID, filter), options.Find().SetSort(occurrenceSort()))
	if err != nil {
		return nil, classify("read outstanding deductions", err)
	}
	var docs []deductionDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, classify("decode deductions", err)
	}

	out := make([]models.DeductionRecord, 0, len(docs))
	for _, doc := range docs {
		rec, err := doc.record()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func occurrenceSort() bson.D {
	return bson.D{{Key: "occurred_at", Value: 1}, {Key: "_id", Value: 1}}
}

func pendingFilter(farmerID string, filter models.PeriodFilter) bson.D {
	q := bson.D{{Key: "status", Value: string(models.DeliveryPending)}}
	if farmerID != "" {
		q = append(q, bson.E{Key: "farmer_id", Value: farmerID})
	}
	if filter.IsBounded() {
		q = append(q, bson.E{Key: "occurred_at", Value: bson.D{
			{Key: "$gte", Value: filter.Start.UTC()},
			{Key: "$lte", Value: filter.End.UTC()},
		}})
	}
	return q
}

func outstandingFilter(farmerID string, filter models.PeriodFilter) bson.D {
	q := bson.D{{Key: "status", Value: string(models.DeductionOutstanding)}}
	if farmerID != "" {
		q = append(q, bson.E{Key: "farmer_id", Value: farmerID})
	}
	if filter.IsBounded() {
		q = append(q, bson.E{Key: "occurred_at", Value: bson.D{{Key: "$lte", Value: filter.End.UTC()}}})
	}
	return q
}

func transactionFilter(filter models.TransactionFilter) bson.D {
	q := bson.D{}
	if filter.FarmerID != "" {
		q = append(q, bson.E{Key: "farmer_id", Value: filter.FarmerID})
	}
	created := bson.D{}
	if filter.Since != nil {
		created = append(created, bson.E{Key: "$gte", Value: filter.Since.UTC()})
	}
	if filter.Until != nil {
		created = append(created, bson.E{Key: "$lte", Value: filter.Until.UTC()})
	}
	if len(created) > 0 {
		q = append(q, bson.E{Key: "created_at", Value: created})
	}
	return q
}

func phoneFilter(phone string) bson.M {
	p := strings.TrimPrefix(strings.TrimSpace(phone), "+")
	return bson.M{"phone": bson.M{"$in": []string{p, "+" + p}}}
}

// classify wraps a driver error. Write conflicts and transient transaction
// failures become ErrConcurrentModification, everything else ErrPersistence.
func classify(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	var se mongo.ServerError
	if errors.As(err, &se) && (se.HasErrorLabel("TransientTransactionError") || se.HasErrorCode(writeConflictCode)) {
		return fmt.Errorf("%s: %w: %w", op, models.ErrConcurrentModification, err)
	}
	return fmt.Errorf("%s: %w: %w", op, models.ErrPersistence, err)
}

func isClassified(err error) bool {
	for _, target := range []error{
		models.ErrNoPendingBalance,
		models.ErrNegativeBalance,
		models.ErrConcurrentModification,
		models.ErrPersistence,
		models.ErrNotFound,
		models.ErrInvalidRecord,
		context.Canceled,
		context.DeadlineExceeded,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
