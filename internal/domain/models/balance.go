package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// FarmerBalance is derived on demand from pending deliveries and outstanding deductions.
type FarmerBalance struct {
	FarmerID              string          `json:"farmerId"`
	GrossPending          decimal.Decimal `json:"grossPending"`
	DeductionsOutstanding decimal.Decimal `json:"deductionsOutstanding"`
	NetPayable            decimal.Decimal `json:"netPayable"`
	UnitPrice             decimal.Decimal `json:"unitPrice"`
	Period                string          `json:"period"`

	Deliveries []DeliveryRecord  `json:"-"`
	Deductions []DeductionRecord `json:"-"`
}

// SettlementResult is returned by a successful single-farmer settlement.
type SettlementResult struct {
	FarmerID       string          `json:"farmerId"`
	TransactionID  string          `json:"transactionId"`
	GrossAmount    decimal.Decimal `json:"grossAmount"`
	DeductionTotal decimal.Decimal `json:"deductionAmount"`
	NetAmount      decimal.Decimal `json:"netAmount"`
	DeliveryCount  int             `json:"deliveryCount"`
	DeductionCount int             `json:"deductionCount"`
}

// FarmerOutcome is one line of a bulk settlement report.
type FarmerOutcome struct {
	FarmerID      string          `json:"farmerId"`
	Outcome       OutcomeKind     `json:"outcome"`
	NetAmount     decimal.Decimal `json:"netAmount"`
	TransactionID string          `json:"transactionId,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// BulkSettlementReport aggregates one run over every farmer.
type BulkSettlementReport struct {
	Period         string          `json:"period"`
	UnitPrice      decimal.Decimal `json:"unitPrice"`
	StartedAt      time.Time       `json:"startedAt"`
	FinishedAt     time.Time       `json:"finishedAt"`
	FarmersTotal   int             `json:"farmersTotal"`
	Processed      int             `json:"processed"`
	Settled        int             `json:"settled"`
	NothingOwed    int             `json:"nothingOwed"`
	Blocked        int             `json:"blocked"`
	Failed         int             `json:"failed"`
	Cancelled      bool            `json:"cancelled"`
	TotalDisbursed decimal.Decimal `json:"totalDisbursed"`
	Outcomes       []FarmerOutcome `json:"outcomes"`
}

// Add folds one farmer outcome into the report counters.
func (r *BulkSettlementReport) Add(o FarmerOutcome) {
	r.Outcomes = append(r.Outcomes, o)
	if o.Outcome == OutcomeCancelled {
		return
	}
	r.Processed++
	switch o.Outcome {
	case OutcomeSettled:
		r.Settled++
		r.TotalDisbursed = r.TotalDisbursed.Add(o.NetAmount)
	case OutcomeNothingOwed:
		r.NothingOwed++
	case OutcomeNegativeBalance:
		r.Blocked++
	default:
		r.Failed++
	}
}

// MonthSummary is one calendar month of settled and pending activity.
type MonthSummary struct {
	PeriodLabel       string          `json:"periodLabel"`
	GrossSettled      decimal.Decimal `json:"grossSettled"`
	GrossPending      decimal.Decimal `json:"grossPending"`
	DeductionsApplied decimal.Decimal `json:"deductionsApplied"`
	NetSettled        decimal.Decimal `json:"netSettled"`
	TransactionCount  int             `json:"transactionCount"`
}
