package reporting

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mamadbah2/milkpay/internal/domain/models"
	repo "github.com/mamadbah2/milkpay/internal/repository/sheets"
)

// RecordReader is the slice of the record store the summarizer needs.
type RecordReader interface {
	ReadPending(ctx context.Context, farmerID string, filter models.PeriodFilter) ([]models.DeliveryRecord, error)
	ReadTransactions(ctx context.Context, filter models.TransactionFilter) ([]models.PaymentTransaction, error)
}

// PriceSource yields the price used to value pending deliveries.
type PriceSource interface {
	GetCurrentPrice(ctx context.Context) (decimal.Decimal, error)
}

// Service aggregates settled and pending activity by calendar month.
type Service struct {
	records RecordReader
	prices  PriceSource
	sheet   repo.Repository
	loc     *time.Location
	logger  *zap.Logger
	now     func() time.Time
}

// NewService wires a new reporting service instance. sheet may be nil when
// the spreadsheet mirror is disabled.
func NewService(records RecordReader, prices PriceSource, sheet repo.Repository, loc *time.Location, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Service{records: records, prices: prices, sheet: sheet, loc: loc, logger: logger, now: time.Now}
}

// SummarizeByMonth groups payment transactions by the month they were created
// and pending deliveries by the month they occurred, ascending by month.
func (s *Service) SummarizeByMonth(ctx context.Context) ([]models.MonthSummary, error) {
	txns, err := s.records.ReadTransactions(ctx, models.TransactionFilter{})
	if err != nil {
		return nil, fmt.Errorf("load transactions: %w", err)
	}

	pending, err := s.records.ReadPending(ctx, "", models.AllTime())
	if err != nil {
		return nil, fmt.Errorf("load pending deliveries: %w", err)
	}

	price, err := s.prices.GetCurrentPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("load current price: %w", err)
	}

	return summarize(txns, pending, price, s.loc), nil
}

func summarize(txns []models.PaymentTransaction, pending []models.DeliveryRecord, price decimal.Decimal, loc *time.Location) []models.MonthSummary {
	byMonth := make(map[string]*models.MonthSummary)
	bucket := func(t time.Time) *models.MonthSummary {
		key := models.MonthKey(t.In(loc))
		m, ok := byMonth[key]
		if !ok {
			m = &models.MonthSummary{
				PeriodLabel:       key,
				GrossSettled:      decimal.Zero,
				GrossPending:      decimal.Zero,
				DeductionsApplied: decimal.Zero,
				NetSettled:        decimal.Zero,
			}
			byMonth[key] = m
		}
		return m
	}

	for _, t := range txns {
		m := bucket(t.CreatedAt)
		m.GrossSettled = m.GrossSettled.Add(t.GrossAmount)
		m.DeductionsApplied = m.DeductionsApplied.Add(t.DeductionAmount)
		m.NetSettled = m.NetSettled.Add(t.NetAmount)
		m.TransactionCount++
	}

	for _, d := range pending {
		if d.Status != models.DeliveryPending {
			continue
		}
		m := bucket(d.OccurredAt)
		m.GrossPending = m.GrossPending.Add(d.Amount(price))
	}

	out := make([]models.MonthSummary, 0, len(byMonth))
	for _, m := range byMonth {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeriodLabel < out[j].PeriodLabel })
	return out
}

// FormatMonthlyReport renders summaries as a WhatsApp-friendly text block.
func FormatMonthlyReport(summaries []models.MonthSummary) string {
	if len(summaries) == 0 {
		return "Monthly report: no deliveries or payments recorded yet."
	}

	var b strings.Builder
	b.WriteString("Monthly report")
	for _, m := range summaries {
		fmt.Fprintf(&b, "\n%s: paid KES %s net over %d payments (gross %s, feed %s), pending %s",
			m.PeriodLabel,
			m.NetSettled.StringFixed(2),
			m.TransactionCount,
			m.GrossSettled.StringFixed(2),
			m.DeductionsApplied.StringFixed(2),
			m.GrossPending.StringFixed(2))
	}
	return b.String()
}

// PublishMonthlySummaries writes the current summaries to the spreadsheet and
// returns them so callers can reuse them.
func (s *Service) PublishMonthlySummaries(ctx context.Context) ([]models.MonthSummary, error) {
	if s.sheet == nil {
		return nil, errors.New("spreadsheet mirror is not configured")
	}

	summaries, err := s.SummarizeByMonth(ctx)
	if err != nil {
		return nil, err
	}

	generatedAt := s.now()
	rows := make([][]interface{}, 0, len(summaries))
	for _, m := range summaries {
		rows = append(rows, repo.SummaryRow(m, generatedAt))
	}

	if err := s.sheet.AppendRows(ctx, repo.SummariesRange, rows); err != nil {
		return nil, fmt.Errorf("publish monthly summaries: %w", err)
	}

	s.logger.Info("monthly summaries published", zap.Int("months", len(summaries)))
	return summaries, nil
}
