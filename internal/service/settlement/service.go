package settlement

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mamadbah2/milkpay/internal/domain/models"
	"github.com/mamadbah2/milkpay/internal/repository"
)

// PriceSource yields the global price per liter in effect right now.
type PriceSource interface {
	GetCurrentPrice(ctx context.Context) (decimal.Decimal, error)
}

// Hook runs after a settlement has committed. Hook failures are logged and
// never change the settlement outcome.
type Hook interface {
	AfterSettlement(ctx context.Context, farmer models.Farmer, txn models.PaymentTransaction) error
}

// Config tunes retry and period labelling.
type Config struct {
	MaxAttempts    int
	RetryBaseDelay time.Duration
	Location       *time.Location
}

// Service computes balances and settles farmers against the record store.
type Service struct {
	store  repository.Store
	prices PriceSource
	hooks  []Hook
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
	newID  func() string
}

// NewService wires a settlement service.
func NewService(store repository.Store, prices PriceSource, cfg Config, logger *zap.Logger, hooks ...Hook) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 200 * time.Millisecond
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Service{
		store:  store,
		prices: prices,
		hooks:  hooks,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

func (s *Service) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.RetryBaseDelay
	b.MaxInterval = 10 * s.cfg.RetryBaseDelay
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(s.cfg.MaxAttempts-1)), ctx)
}

func (s *Service) runHooks(ctx context.Context, farmer models.Farmer, txn models.PaymentTransaction) {
	for _, h := range s.hooks {
		if h == nil {
			continue
		}
		if err := h.AfterSettlement(ctx, farmer, txn); err != nil {
			s.logger.Warn("post-settlement hook failed",
				zap.String("farmer_id", farmer.ID),
				zap.String("transaction_id", txn.ID),
				zap.Error(err))
		}
	}
}
