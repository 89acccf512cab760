package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mamadbah2/milkpay/internal/domain/models"
)

// ErrUnknownSender indicates the sending phone number is not a registered farmer.
var ErrUnknownSender = errors.New("sender is not a registered farmer")

const (
	statementLength = 3
	dateFormat      = "2006-01-02"
	helpText        = "Commands:\n/balance [YYYY-MM] - what you are owed\n/statement - your last payments\n/price - current price per liter"
)

// FarmerDirectory resolves a WhatsApp sender to a farmer.
type FarmerDirectory interface {
	FindFarmerByPhone(ctx context.Context, phone string) (*models.Farmer, error)
}

// BalanceCalculator computes a farmer's live balance.
type BalanceCalculator interface {
	ComputeBalance(ctx context.Context, farmerID string, filter models.PeriodFilter) (*models.FarmerBalance, error)
}

// TransactionReader lists payment transactions.
type TransactionReader interface {
	ReadTransactions(ctx context.Context, filter models.TransactionFilter) ([]models.PaymentTransaction, error)
}

// PriceReader returns the price configuration in effect.
type PriceReader interface {
	Current(ctx context.Context) (models.PriceConfig, error)
}

// Dispatcher turns a parsed command into the reply text for its sender.
type Dispatcher interface {
	HandleCommand(ctx context.Context, cmd models.Command, sender string) (string, error)
}

// Service implements the Dispatcher interface. All commands are read-only.
type Service struct {
	farmers      FarmerDirectory
	balances     BalanceCalculator
	transactions TransactionReader
	prices       PriceReader
	loc          *time.Location
	logger       *zap.Logger
}

// NewService constructs a command dispatcher.
func NewService(farmers FarmerDirectory, balances BalanceCalculator, transactions TransactionReader, prices PriceReader, loc *time.Location, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Service{
		farmers:      farmers,
		balances:     balances,
		transactions: transactions,
		prices:       prices,
		loc:          loc,
		logger:       logger,
	}
}

// HandleCommand answers one farmer command.
func (s *Service) HandleCommand(ctx context.Context, cmd models.Command, sender string) (string, error) {
	s.logger.Debug("dispatching command", zap.String("command", string(cmd.Type)), zap.String("sender", sender), zap.Strings("args", cmd.Args))

	switch cmd.Type {
	case models.CommandPrice:
		return s.priceReply(ctx)
	case models.CommandBalance, models.CommandStatement:
	default:
		return helpText, nil
	}

	farmer, err := s.farmers.FindFarmerByPhone(ctx, sender)
	if errors.Is(err, models.ErrNotFound) {
		return "", ErrUnknownSender
	}
	if err != nil {
		return "", fmt.Errorf("resolve sender: %w", err)
	}

	if cmd.Type == models.CommandStatement {
		return s.statementReply(ctx, *farmer)
	}
	return s.balanceReply(ctx, *farmer, cmd.Args)
}

func (s *Service) priceReply(ctx context.Context) (string, error) {
	cfg, err := s.prices.Current(ctx)
	if err != nil {
		return "", fmt.Errorf("load price: %w", err)
	}
	return fmt.Sprintf("Current milk price: KES %s per liter.", cfg.UnitPrice.StringFixed(2)), nil
}

func (s *Service) balanceReply(ctx context.Context, farmer models.Farmer, args []string) (string, error) {
	filter := models.AllTime()
	if len(args) > 0 {
		month, err := time.ParseInLocation("2006-01", args[0], s.loc)
		if err != nil {
			return "Use /balance or /balance YYYY-MM, e.g. /balance 2025-01.", nil
		}
		filter = models.Month(month.Year(), month.Month(), s.loc)
	}

	bal, err := s.balances.ComputeBalance(ctx, farmer.ID, filter)
	if err != nil {
		return "", fmt.Errorf("compute balance: %w", err)
	}

	msg := fmt.Sprintf("Hello %s, balance for %s:\n%d deliveries worth KES %s at KES %s/L\nFeed deductions KES %s\nNet payable KES %s",
		displayName(farmer),
		bal.Period,
		len(bal.Deliveries),
		bal.GrossPending.StringFixed(2),
		bal.UnitPrice.StringFixed(2),
		bal.DeductionsOutstanding.StringFixed(2),
		bal.NetPayable.StringFixed(2))
	if bal.NetPayable.IsNegative() {
		msg += "\nYour feed deductions exceed your milk value. Please contact the office."
	}
	return msg, nil
}

func (s *Service) statementReply(ctx context.Context, farmer models.Farmer) (string, error) {
	txns, err := s.transactions.ReadTransactions(ctx, models.TransactionFilter{FarmerID: farmer.ID, Limit: statementLength})
	if err != nil {
		return "", fmt.Errorf("load statement: %w", err)
	}
	if len(txns) == 0 {
		return fmt.Sprintf("Hello %s, no payments have been made to you yet.", displayName(farmer)), nil
	}

	lines := make([]string, 0, len(txns)+1)
	lines = append(lines, fmt.Sprintf("Hello %s, your last payments:", displayName(farmer)))
	for _, t := range txns {
		lines = append(lines, fmt.Sprintf("%s %s: KES %s (gross %s, feed %s)",
			t.CreatedAt.In(s.loc).Format(dateFormat),
			t.PeriodLabel,
			t.NetAmount.StringFixed(2),
			t.GrossAmount.StringFixed(2),
			t.DeductionAmount.StringFixed(2)))
	}
	return strings.Join(lines, "\n"), nil
}

func displayName(f models.Farmer) string {
	if f.Name != "" {
		return f.Name
	}
	return f.ID
}
