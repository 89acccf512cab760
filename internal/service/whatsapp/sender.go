package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mamadbah2/milkpay/internal/config"
	client "github.com/mamadbah2/milkpay/pkg/clients/whatsapp"
)

const sendTimeout = 10 * time.Second

// Sender pushes outbound text messages. It has no inbound dependencies, so it
// can be wired into settlement hooks before the command dispatcher exists.
type Sender struct {
	cfg    config.WhatsAppConfig
	client client.Client
	logger *zap.Logger
}

// NewSender wires an outbound sender.
func NewSender(cfg config.WhatsAppConfig, client client.Client, logger *zap.Logger) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sender{cfg: cfg, client: client, logger: logger}
}

// Notify sends a plain text message.
func (s *Sender) Notify(ctx context.Context, to, body string) error {
	if to == "" {
		return errors.New("recipient must not be empty")
	}

	ctxWithTimeout, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	_, err := s.client.SendTextMessage(ctxWithTimeout, client.SendTextMessageRequest{
		To:   strings.TrimPrefix(to, "+"),
		Body: body,
	})
	if err != nil {
		return fmt.Errorf("notify %s: %w", to, err)
	}
	return nil
}

// NotifyAdmin sends body to the configured admin number. It is a no-op when
// no admin is configured.
func (s *Sender) NotifyAdmin(ctx context.Context, body string) error {
	if s.cfg.AdminID == "" {
		s.logger.Debug("admin notification skipped, no admin configured")
		return nil
	}
	return s.Notify(ctx, s.cfg.AdminID, body)
}
