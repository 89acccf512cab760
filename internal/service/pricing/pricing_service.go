package pricing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mamadbah2/milkpay/internal/domain/models"
)

var priceUpdatesTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "milkpay_price_updates_total",
	Help: "Accepted writes to the global price per liter",
})

// Repository is the persistence the price configuration needs.
type Repository interface {
	ReadPrice(ctx context.Context) (*models.PriceConfig, error)
	WritePrice(ctx context.Context, cfg models.PriceConfig) error
}

// Service owns the global price per liter. Writers race last-write-wins.
type Service struct {
	repo         Repository
	defaultPrice decimal.Decimal
	logger       *zap.Logger
	now          func() time.Time
}

// NewService builds the price configuration accessor. A non-positive default
// falls back to models.DefaultUnitPrice.
func NewService(repo Repository, defaultPrice decimal.Decimal, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !defaultPrice.IsPositive() {
		defaultPrice = models.DefaultUnitPrice
	}
	return &Service{
		repo:         repo,
		defaultPrice: defaultPrice,
		logger:       logger,
		now:          time.Now,
	}
}

// Current returns the stored configuration, or the default when it has never
// been written.
func (s *Service) Current(ctx context.Context) (models.PriceConfig, error) {
	cfg, err := s.repo.ReadPrice(ctx)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return models.PriceConfig{UnitPrice: s.defaultPrice, UpdatedBy: "default"}, nil
		}
		return models.PriceConfig{}, fmt.Errorf("read price config: %w", err)
	}
	if !cfg.UnitPrice.IsPositive() {
		s.logger.Warn("stored price is not positive, using default",
			zap.String("stored", cfg.UnitPrice.String()),
			zap.String("default", s.defaultPrice.String()))
		return models.PriceConfig{UnitPrice: s.defaultPrice, UpdatedBy: "default"}, nil
	}
	return *cfg, nil
}

// GetCurrentPrice returns only the unit price.
func (s *Service) GetCurrentPrice(ctx context.Context) (decimal.Decimal, error) {
	cfg, err := s.Current(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return cfg.UnitPrice, nil
}

// SetPrice replaces the global price and stamps who changed it.
func (s *Service) SetPrice(ctx context.Context, newPrice decimal.Decimal, actor string) (models.PriceConfig, error) {
	if !newPrice.IsPositive() {
		return models.PriceConfig{}, fmt.Errorf("set price %s: %w", newPrice.String(), models.ErrInvalidPrice)
	}

	actor = strings.TrimSpace(actor)
	if actor == "" {
		actor = "admin"
	}

	cfg := models.PriceConfig{
		UnitPrice: newPrice,
		UpdatedAt: s.now().UTC(),
		UpdatedBy: actor,
	}
	if err := s.repo.WritePrice(ctx, cfg); err != nil {
		return models.PriceConfig{}, fmt.Errorf("write price config: %w", err)
	}

	priceUpdatesTotal.Inc()
	s.logger.Info("price per liter updated",
		zap.String("unit_price", newPrice.String()),
		zap.String("updated_by", actor))
	return cfg, nil
}
