package mongodb

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/mamadbah2/milkpay/internal/domain/models"
)

const priceConfigID = "milk_price"

type deliveryDoc struct {
	ID            string                `bson:"_id"`
	FarmerID      string                `bson:"farmer_id"`
	Quantity      primitive.Decimal128  `bson:"quantity"`
	UnitPrice     *primitive.Decimal128 `bson:"unit_price,omitempty"`
	OccurredAt    time.Time             `bson:"occurred_at"`
	Status        string                `bson:"status"`
	SettledAt     *time.Time            `bson:"settled_at,omitempty"`
	SettledAmount *primitive.Decimal128 `bson:"settled_amount,omitempty"`
	TransactionID string                `bson:"transaction_id,omitempty"`
}

type deductionDoc struct {
	ID                      string               `bson:"_id"`
	FarmerID                string               `bson:"farmer_id"`
	Cost                    primitive.Decimal128 `bson:"cost"`
	Description             string               `bson:"description,omitempty"`
	OccurredAt              time.Time            `bson:"occurred_at"`
	Status                  string               `bson:"status"`
	ConsumedAt              *time.Time           `bson:"consumed_at,omitempty"`
	ConsumedByTransactionID string               `bson:"consumed_by_transaction_id,omitempty"`
}

type priceDoc struct {
	ID        string               `bson:"_id"`
	UnitPrice primitive.Decimal128 `bson:"unit_price"`
	UpdatedAt time.Time            `bson:"updated_at"`
	UpdatedBy string               `bson:"updated_by"`
}

type transactionDoc struct {
	ID                       string               `bson:"_id"`
	FarmerID                 string               `bson:"farmer_id"`
	PeriodLabel              string               `bson:"period_label"`
	Description              string               `bson:"description"`
	Status                   string               `bson:"status"`
	UnitPrice                primitive.Decimal128 `bson:"unit_price"`
	GrossAmount              primitive.Decimal128 `bson:"gross_amount"`
	DeductionAmount          primitive.Decimal128 `bson:"deduction_amount"`
	NetAmount                primitive.Decimal128 `bson:"net_amount"`
	ContributingDeliveryIDs  []string             `bson:"contributing_delivery_ids"`
	ContributingDeductionIDs []string             `bson:"contributing_deduction_ids"`
	CreatedAt                time.Time            `bson:"created_at"`
}

func toDecimal128(d decimal.Decimal) (primitive.Decimal128, error) {
	v, err := primitive.ParseDecimal128(d.String())
	if err != nil {
		return primitive.Decimal128{}, fmt.Errorf("%w: amount %s: %v", models.ErrInvalidRecord, d.String(), err)
	}
	return v, nil
}

func fromDecimal128(v primitive.Decimal128) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(v.String())
	if err != nil {
		return decimal.Zero, fmt.Errorf("decode decimal %s: %w", v.String(), err)
	}
	return d, nil
}

func toDeliveryDoc(d models.DeliveryRecord) (deliveryDoc, error) {
	qty, err := toDecimal128(d.Quantity)
	if err != nil {
		return deliveryDoc{}, err
	}
	doc := deliveryDoc{
		ID:            d.ID,
		FarmerID:      d.FarmerID,
		Quantity:      qty,
		OccurredAt:    d.OccurredAt.UTC(),
		Status:        string(d.Status),
		SettledAt:     d.SettledAt,
		TransactionID: d.TransactionID,
	}
	if d.UnitPrice != nil {
		p, err := toDecimal128(*d.UnitPrice)
		if err != nil {
			return deliveryDoc{}, err
		}
		doc.UnitPrice = &p
	}
	if d.SettledAmount != nil {
		a, err := toDecimal128(*d.SettledAmount)
		if err != nil {
			return deliveryDoc{}, err
		}
		doc.SettledAmount = &a
	}
	return doc, nil
}

func (doc deliveryDoc) record() (models.DeliveryRecord, error) {
	qty, err := fromDecimal128(doc.Quantity)
	if err != nil {
		return models.DeliveryRecord{}, err
	}
	rec := models.DeliveryRecord{
		ID:            doc.ID,
		FarmerID:      doc.FarmerID,
		Quantity:      qty,
		OccurredAt:    doc.OccurredAt,
		Status:        models.DeliveryStatus(doc.Status),
		SettledAt:     doc.SettledAt,
		TransactionID: doc.TransactionID,
	}
	if doc.UnitPrice != nil {
		p, err := fromDecimal128(*doc.UnitPrice)
		if err != nil {
			return models.DeliveryRecord{}, err
		}
		rec.UnitPrice = &p
	}
	if doc.SettledAmount != nil {
		a, err := fromDecimal128(*doc.SettledAmount)
		if err != nil {
			return models.DeliveryRecord{}, err
		}
		rec.SettledAmount = &a
	}
	return rec, nil
}

func toDeductionDoc(d models.DeductionRecord) (deductionDoc, error) {
	cost, err := toDecimal128(d.Cost)
	if err != nil {
		return deductionDoc{}, err
	}
	return deductionDoc{
		ID:                      d.ID,
		FarmerID:                d.FarmerID,
		Cost:                    cost,
		Description:             d.Description,
		OccurredAt:              d.OccurredAt.UTC(),
		Status:                  string(d.Status),
		ConsumedAt:              d.ConsumedAt,
		ConsumedByTransactionID: d.ConsumedByTransactionID,
	}, nil
}

func (doc deductionDoc) record() (models.DeductionRecord, error) {
	cost, err := fromDecimal128(doc.Cost)
	if err != nil {
		return models.DeductionRecord{}, err
	}
	return models.DeductionRecord{
		ID:                      doc.ID,
		FarmerID:                doc.FarmerID,
		Cost:                    cost,
		Description:             doc.Description,
		OccurredAt:              doc.OccurredAt,
		Status:                  models.DeductionStatus(doc.Status),
		ConsumedAt:              doc.ConsumedAt,
		ConsumedByTransactionID: doc.ConsumedByTransactionID,
	}, nil
}

func toTransactionDoc(t models.PaymentTransaction) (transactionDoc, error) {
	amounts := make([]primitive.Decimal128, 4)
	for i, d := range []decimal.Decimal{t.UnitPrice, t.GrossAmount, t.DeductionAmount, t.NetAmount} {
		v, err := toDecimal128(d)
		if err != nil {
			return transactionDoc{}, err
		}
		amounts[i] = v
	}
	return transactionDoc{
		ID:                       t.ID,
		FarmerID:                 t.FarmerID,
		PeriodLabel:              t.PeriodLabel,
		Description:              t.Description,
		Status:                   t.Status,
		UnitPrice:                amounts[0],
		GrossAmount:              amounts[1],
		DeductionAmount:          amounts[2],
		NetAmount:                amounts[3],
		ContributingDeliveryIDs:  t.ContributingDeliveryIDs,
		ContributingDeductionIDs: t.ContributingDeductionIDs,
		CreatedAt:                t.CreatedAt.UTC(),
	}, nil
}

func (doc transactionDoc) record() (models.PaymentTransaction, error) {
	amounts := make([]decimal.Decimal, 4)
	for i, v := range []primitive.Decimal128{doc.UnitPrice, doc.GrossAmount, doc.DeductionAmount, doc.NetAmount} {
		d, err := fromDecimal128(v)
		if err != nil {
			return models.PaymentTransaction{}, err
		}
		amounts[i] = d
	}
	return models.PaymentTransaction{
		ID:                       doc.ID,
		FarmerID:                 doc.FarmerID,
		PeriodLabel:              doc.PeriodLabel,
		Description:              doc.Description,
		Status:                   doc.Status,
		UnitPrice:                amounts[0],
		GrossAmount:              amounts[1],
		DeductionAmount:          amounts[2],
		NetAmount:                amounts[3],
		ContributingDeliveryIDs:  doc.ContributingDeliveryIDs,
		ContributingDeductionIDs: doc.ContributingDeductionIDs,
		CreatedAt:                doc.CreatedAt,
	}, nil
}
