package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/mamadbah2/milkpay/internal/config"
	"github.com/mamadbah2/milkpay/internal/domain/models"
	"github.com/mamadbah2/milkpay/internal/service/reporting"
)

const jobTimeout = 10 * time.Minute

// BulkSettler runs a settlement over every farmer.
type BulkSettler interface {
	SettleAll(ctx context.Context, filter models.PeriodFilter) (*models.BulkSettlementReport, error)
}

// Reporter builds and optionally publishes the monthly summaries.
type Reporter interface {
	SummarizeByMonth(ctx context.Context) ([]models.MonthSummary, error)
	PublishMonthlySummaries(ctx context.Context) ([]models.MonthSummary, error)
}

// AdminNotifier delivers operator messages.
type AdminNotifier interface {
	NotifyAdmin(ctx context.Context, body string) error
}

// Scheduler manages scheduled tasks.
type Scheduler struct {
	cron     *cron.Cron
	settler  BulkSettler
	reporter Reporter
	admin    AdminNotifier
	cfg      config.ScheduleConfig
	publish  bool
	loc      *time.Location
	logger   *zap.Logger
	now      func() time.Time
}

// NewScheduler creates a new scheduler instance. admin may be nil when no
// messaging channel is configured.
func NewScheduler(cfg config.Config, settler BulkSettler, reporter Reporter, admin AdminNotifier, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}

	loc := cfg.Location()
	return &Scheduler{
		cron:     cron.New(cron.WithLocation(loc)),
		settler:  settler,
		reporter: reporter,
		admin:    admin,
		cfg:      cfg.Schedule,
		publish:  cfg.Sheets.Enabled(),
		loc:      loc,
		logger:   logger,
		now:      time.Now,
	}
}

// Start registers the jobs and starts the scheduler.
func (s *Scheduler) Start() error {
	s.logger.Info("starting scheduler",
		zap.String("settlement_schedule", s.cfg.SettlementCron),
		zap.String("report_schedule", s.cfg.ReportCron),
		zap.String("timezone", s.loc.String()))

	if _, err := s.cron.AddFunc(s.cfg.SettlementCron, s.runJob("monthly settlement", s.runMonthlySettlement)); err != nil {
		return fmt.Errorf("schedule monthly settlement: %w", err)
	}
	if _, err := s.cron.AddFunc(s.cfg.ReportCron, s.runJob("monthly report", s.sendMonthlyReport)); err != nil {
		return fmt.Errorf("schedule monthly report: %w", err)
	}

	s.cron.Start()
	return nil
}

// Stop stops the scheduler and waits for running jobs.
func (s *Scheduler) Stop() {
	s.logger.Info("stopping scheduler")
	<-s.cron.Stop().Done()
}

func (s *Scheduler) runJob(name string, job func(ctx context.Context) error) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
		defer cancel()

		if err := job(ctx); err != nil {
			s.logger.Error("scheduled job failed", zap.String("job", name), zap.Error(err))
		}
	}
}

// runMonthlySettlement settles the calendar month before the current one.
func (s *Scheduler) runMonthlySettlement(ctx context.Context) error {
	period := models.PreviousMonth(s.now(), s.loc)
	s.logger.Info("running monthly settlement", zap.String("period", period.Label()))

	report, err := s.settler.SettleAll(ctx, period)
	if err != nil {
		return fmt.Errorf("settle %s: %w", period.Label(), err)
	}

	s.logger.Info("monthly settlement finished",
		zap.String("period", report.Period),
		zap.Int("settled", report.Settled),
		zap.Int("nothing_owed", report.NothingOwed),
		zap.Int("blocked", report.Blocked),
		zap.Int("failed", report.Failed),
		zap.String("disbursed", report.TotalDisbursed.StringFixed(2)))

	s.notifyAdmin(ctx, SettlementDigest(report))
	return nil
}

func (s *Scheduler) sendMonthlyReport(ctx context.Context) error {
	var (
		summaries []models.MonthSummary
		err       error
	)
	if s.publish {
		summaries, err = s.reporter.PublishMonthlySummaries(ctx)
	} else {
		summaries, err = s.reporter.SummarizeByMonth(ctx)
	}
	if err != nil {
		return fmt.Errorf("build monthly report: %w", err)
	}

	s.notifyAdmin(ctx, reporting.FormatMonthlyReport(summaries))
	return nil
}

func (s *Scheduler) notifyAdmin(ctx context.Context, body string) {
	if s.admin == nil {
		return
	}
	if err := s.admin.NotifyAdmin(ctx, body); err != nil {
		s.logger.Warn("failed to notify admin", zap.Error(err))
	}
}

// SettlementDigest renders a bulk report as a short operator message.
func SettlementDigest(r *models.BulkSettlementReport) string {
	msg := fmt.Sprintf("Settlement %s: %d settled, %d nothing owed, %d blocked, %d failed. Disbursed KES %s.",
		r.Period, r.Settled, r.NothingOwed, r.Blocked, r.Failed, r.TotalDisbursed.StringFixed(2))
	if r.Cancelled {
		msg += " Run was cancelled before every farmer was processed."
	}
	return msg
}
