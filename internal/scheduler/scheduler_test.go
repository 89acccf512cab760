package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/mamadbah2/milkpay/internal/config"
	"github.com/mamadbah2/milkpay/internal/domain/models"
)

type mockSettler struct{ mock.Mock }

func (m *mockSettler) SettleAll(ctx context.Context, filter models.PeriodFilter) (*models.BulkSettlementReport, error) {
	args := m.Called(ctx, filter)
	report, _ := args.Get(0).(*models.BulkSettlementReport)
	return report, args.Error(1)
}

type mockReporter struct{ mock.Mock }

func (m *mockReporter) SummarizeByMonth(ctx context.Context) ([]models.MonthSummary, error) {
	args := m.Called(ctx)
	out, _ := args.Get(0).([]models.MonthSummary)
	return out, args.Error(1)
}

func (m *mockReporter) PublishMonthlySummaries(ctx context.Context) ([]models.MonthSummary, error) {
	args := m.Called(ctx)
	out, _ := args.Get(0).([]models.MonthSummary)
	return out, args.Error(1)
}

type mockNotifier struct{ mock.Mock }

func (m *mockNotifier) NotifyAdmin(ctx context.Context, body string) error {
	return m.Called(ctx, body).Error(0)
}

func testConfig() config.Config {
	return config.Config{
		Schedule: config.ScheduleConfig{
			SettlementCron: "0 6 1 * *",
			ReportCron:     "0 7 1 * *",
			Timezone:       "UTC",
		},
	}
}

func TestMonthlySettlementTargetsPreviousMonth(t *testing.T) {
	settler := &mockSettler{}
	admin := &mockNotifier{}
	s := NewScheduler(testConfig(), settler, &mockReporter{}, admin, nil)
	s.now = func() time.Time { return time.Date(2025, time.February, 1, 6, 0, 0, 0, time.UTC) }

	want := models.Month(2025, time.January, time.UTC)
	report := &models.BulkSettlementReport{
		Period:         want.Label(),
		Settled:        3,
		Blocked:        1,
		TotalDisbursed: decimal.NewFromInt(1350),
	}
	settler.On("SettleAll", mock.Anything, want).Return(report, nil).Once()
	admin.On("NotifyAdmin", mock.Anything, "Settlement January 2025: 3 settled, 0 nothing owed, 1 blocked, 0 failed. Disbursed KES 1350.00.").Return(nil).Once()

	require.NoError(t, s.runMonthlySettlement(context.Background()))
	settler.AssertExpectations(t)
	admin.AssertExpectations(t)
}

func TestMonthlySettlementFailure(t *testing.T) {
	settler := &mockSettler{}
	admin := &mockNotifier{}
	s := NewScheduler(testConfig(), settler, &mockReporter{}, admin, nil)

	settler.On("SettleAll", mock.Anything, mock.Anything).Return(nil, models.ErrPersistence).Once()

	err := s.runMonthlySettlement(context.Background())
	require.ErrorIs(t, err, models.ErrPersistence)
	admin.AssertNotCalled(t, "NotifyAdmin", mock.Anything, mock.Anything)
}

func TestMonthlyReportPublishesWhenSheetsEnabled(t *testing.T) {
	cfg := testConfig()
	cfg.Sheets = config.SheetsConfig{CredentialsPath: "creds.json", SpreadsheetID: "sheet"}
	reporter := &mockReporter{}
	admin := &mockNotifier{}
	s := NewScheduler(cfg, &mockSettler{}, reporter, admin, nil)

	summaries := []models.MonthSummary{{PeriodLabel: "2025-01", NetSettled: decimal.NewFromInt(250)}}
	reporter.On("PublishMonthlySummaries", mock.Anything).Return(summaries, nil).Once()
	admin.On("NotifyAdmin", mock.Anything, mock.MatchedBy(func(body string) bool {
		return assert.Contains(t, body, "2025-01: paid KES 250.00")
	})).Return(errors.New("whatsapp down")).Once()

	require.NoError(t, s.sendMonthlyReport(context.Background()))
	reporter.AssertNotCalled(t, "SummarizeByMonth", mock.Anything)
	admin.AssertExpectations(t)
}

func TestMonthlyReportWithoutNotifier(t *testing.T) {
	reporter := &mockReporter{}
	s := NewScheduler(testConfig(), &mockSettler{}, reporter, nil, nil)

	reporter.On("SummarizeByMonth", mock.Anything).Return([]models.MonthSummary{}, nil).Once()

	require.NoError(t, s.sendMonthlyReport(context.Background()))
	reporter.AssertExpectations(t)
}

func TestStartRejectsBadSchedule(t *testing.T) {
	cfg := testConfig()
	cfg.Schedule.SettlementCron = "every month"
	s := NewScheduler(cfg, &mockSettler{}, &mockReporter{}, nil, nil)

	require.Error(t, s.Start())
}

func TestSettlementDigestCancelled(t *testing.T) {
	msg := SettlementDigest(&models.BulkSettlementReport{Period: "All pending", Cancelled: true, TotalDisbursed: decimal.Zero})
	assert.Contains(t, msg, "Disbursed KES 0.00.")
	assert.Contains(t, msg, "cancelled")
}
