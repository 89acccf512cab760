package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/mamadbah2/milkpay/internal/domain/models"
)

// unit is the repository.Tx handed to RunAtomic callbacks. Its ctx is the
// session context, so every call joins the open transaction.
type unit struct {
	db *mongo.Database
}

func (u *unit) ReadPending(ctx context.Context, farmerID string, filter models.PeriodFilter) ([]models.DeliveryRecord, error) {
	return readPending(ctx, u.db, farmerID, filter)
}

func (u *unit) ReadOutstanding(ctx context.Context, farmerID string, filter models.PeriodFilter) ([]models.DeductionRecord, error) {
	return readOutstanding(ctx, u.db, farmerID, filter)
}

func (u *unit) SettleDelivery(ctx context.Context, id string, settled models.SettledDelivery) error {
	amount, err := toDecimal128(settled.SettledAmount)
	if err != nil {
		return err
	}
	price, err := toDecimal128(settled.UnitPrice)
	if err != nil {
		return err
	}

	coll := u.db.Collection(deliveriesCollection)
	res, err := coll.UpdateOne(ctx,
		bson.M{"_id": id, "status": string(models.DeliveryPending)},
		bson.M{"$set": bson.M{
			"status":         string(models.DeliverySettled),
			"settled_at":     settled.SettledAt.UTC(),
			"settled_amount": amount,
			"unit_price":     price,
			"transaction_id": settled.TransactionID,
		}})
	if err != nil {
		return classify("settle delivery "+id, err)
	}
	if res.MatchedCount == 0 {
		return u.missOrConflict(ctx, coll, "delivery", id)
	}
	return nil
}

func (u *unit) ConsumeDeduction(ctx context.Context, id string, at time.Time, transactionID string) error {
	coll := u.db.Collection(deductionsCollection)
	res, err := coll.UpdateOne(ctx,
		bson.M{"_id": id, "status": string(models.DeductionOutstanding)},
		bson.M{"$set": bson.M{
			"status":                     string(models.DeductionConsumed),
			"consumed_at":                at.UTC(),
			"consumed_by_transaction_id": transactionID,
		}})
	if err != nil {
		return classify("consume deduction "+id, err)
	}
	if res.MatchedCount == 0 {
		return u.missOrConflict(ctx, coll, "deduction", id)
	}
	return nil
}

func (u *unit) InsertTransaction(ctx context.Context, txn models.PaymentTransaction) error {
	if txn.ID == "" {
		return fmt.Errorf("%w: transaction id is required", models.ErrInvalidRecord)
	}
	doc, err := toTransactionDoc(txn)
	if err != nil {
		return err
	}
	if _, err := u.db.Collection(transactionsCollection).InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("transaction %s already exists: %w", txn.ID, models.ErrConcurrentModification)
		}
		return classify("insert transaction", err)
	}
	return nil
}

func (u *unit) missOrConflict(ctx context.Context, coll *mongo.Collection, kind, id string) error {
	err := coll.FindOne(ctx, bson.M{"_id": id}).Err()
	switch {
	case errors.Is(err, mongo.ErrNoDocuments):
		return fmt.Errorf("%s %s: %w", kind, id, models.ErrNotFound)
	case err != nil:
		return classify("lookup "+kind+" "+id, err)
	default:
		return fmt.Errorf("%s %s already settled: %w", kind, id, models.ErrConcurrentModification)
	}
}
