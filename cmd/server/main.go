package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/mamadbah2/milkpay/internal/config"
	"github.com/mamadbah2/milkpay/internal/repository"
	"github.com/mamadbah2/milkpay/internal/repository/mongodb"
	"github.com/mamadbah2/milkpay/internal/repository/sheets"
	"github.com/mamadbah2/milkpay/internal/repository/sqlite"
	"github.com/mamadbah2/milkpay/internal/scheduler"
	"github.com/mamadbah2/milkpay/internal/server/handlers"
	"github.com/mamadbah2/milkpay/internal/server/router"
	commandsvc "github.com/mamadbah2/milkpay/internal/service/commands"
	pricingsvc "github.com/mamadbah2/milkpay/internal/service/pricing"
	reportingsvc "github.com/mamadbah2/milkpay/internal/service/reporting"
	settlementsvc "github.com/mamadbah2/milkpay/internal/service/settlement"
	whatsappsvc "github.com/mamadbah2/milkpay/internal/service/whatsapp"
	whatsappclient "github.com/mamadbah2/milkpay/pkg/clients/whatsapp"
	"github.com/mamadbah2/milkpay/pkg/logger"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		panic(err)
	}

	baseLogger := logger.Must(logger.New(cfg.Server.LogLevel))
	defer func() { _ = baseLogger.Sync() }()

	zap.ReplaceGlobals(baseLogger)
	loc := cfg.Location()

	store, err := openStore(context.Background(), cfg, baseLogger.Named("repo.store"))
	if err != nil {
		baseLogger.Fatal("failed to init record store", zap.String("driver", cfg.Store.Driver), zap.Error(err))
	}
	defer func() {
		if err := store.Close(context.Background()); err != nil {
			baseLogger.Error("failed to close record store", zap.Error(err))
		}
	}()

	pricing := pricingsvc.NewService(store, cfg.Settlement.DefaultUnitPrice, baseLogger.Named("svc.pricing"))

	var (
		hooks     []settlementsvc.Hook
		sheetRepo sheets.Repository
	)
	if cfg.Sheets.Enabled() {
		gsheet, err := sheets.NewGoogleSheetRepository(context.Background(), cfg.Sheets, baseLogger.Named("repo.sheets"))
		if err != nil {
			baseLogger.Fatal("failed to init sheets repository", zap.Error(err))
		}
		sheetRepo = gsheet
		hooks = append(hooks, sheets.NewLedgerMirror(gsheet, baseLogger.Named("repo.sheets.ledger")))
	} else {
		baseLogger.Warn("google sheets not configured, ledger mirror disabled")
	}

	var (
		whatsClient whatsappclient.Client
		admin       scheduler.AdminNotifier
	)
	if cfg.WhatsApp.Enabled() {
		whatsClient = whatsappclient.NewClient(cfg.WhatsApp)
		sender := whatsappsvc.NewSender(cfg.WhatsApp, whatsClient, baseLogger.Named("svc.whatsapp.sender"))
		hooks = append(hooks, whatsappsvc.NewPayoutNotifier(sender, baseLogger.Named("svc.whatsapp.payouts")))
		admin = sender
	} else {
		baseLogger.Warn("whatsapp credentials missing, farmer messaging disabled")
	}

	settlement := settlementsvc.NewService(store, pricing, settlementsvc.Config{
		MaxAttempts:    cfg.Settlement.MaxAttempts,
		RetryBaseDelay: cfg.Settlement.RetryBaseDelay,
		Location:       loc,
	}, baseLogger.Named("svc.settlement"), hooks...)
	reporting := reportingsvc.NewService(store, pricing, sheetRepo, loc, baseLogger.Named("svc.reporting"))

	var webhookHandler *handlers.WebhookHandler
	if whatsClient != nil {
		dispatcher := commandsvc.NewService(store, settlement, store, pricing, loc, baseLogger.Named("svc.commands"))
		messaging := whatsappsvc.NewMetaWhatsAppService(cfg.WhatsApp, whatsClient, dispatcher, baseLogger.Named("svc.whatsapp"))
		webhookHandler = handlers.NewWebhookHandler(messaging, baseLogger.Named("handlers.whatsapp"))
	}

	apiHandler := handlers.NewAPIHandler(settlement, pricing, reporting, store, loc, baseLogger.Named("handlers.api"))
	engine := router.New(apiHandler, webhookHandler, baseLogger.Named("router"))

	sched := scheduler.NewScheduler(*cfg, settlement, reporting, admin, baseLogger.Named("scheduler"))
	if err := sched.Start(); err != nil {
		baseLogger.Fatal("failed to start scheduler", zap.Error(err))
	}
	defer sched.Stop()

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      engine,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		baseLogger.Info("server starting", zap.String("port", cfg.Server.Port), zap.String("store", cfg.Store.Driver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			baseLogger.Fatal("http server crashed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	baseLogger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		baseLogger.Error("graceful shutdown failed", zap.Error(err))
	}
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (repository.Store, error) {
	switch cfg.Store.Driver {
	case config.StoreMongoDB:
		connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		return mongodb.NewStore(connectCtx, cfg.Store.MongoURI, cfg.Store.MongoDB, logger)
	case config.StoreSQLite:
		return sqlite.New(cfg.Store.SQLitePath, logger)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}
