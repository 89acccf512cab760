package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
)

const (
	StoreMongoDB = "mongodb"
	StoreSQLite  = "sqlite"
)

// Config represents the full application configuration surface.
type Config struct {
	Server     ServerConfig
	Store      StoreConfig
	Settlement SettlementConfig
	Schedule   ScheduleConfig
	WhatsApp   WhatsAppConfig
	Sheets     SheetsConfig
}

// ServerConfig holds HTTP server related options.
type ServerConfig struct {
	Port     string
	LogLevel string
}

// StoreConfig selects and configures the record store backend.
type StoreConfig struct {
	Driver     string
	MongoURI   string
	MongoDB    string
	SQLitePath string
}

// SettlementConfig tunes pricing and retry behaviour.
type SettlementConfig struct {
	DefaultUnitPrice decimal.Decimal
	MaxAttempts      int
	RetryBaseDelay   time.Duration
}

// ScheduleConfig holds cron expressions and the time zone used for periods.
type ScheduleConfig struct {
	SettlementCron string
	ReportCron     string
	Timezone       string
}

// WhatsAppConfig contains credentials and options for the Meta WhatsApp Cloud API.
type WhatsAppConfig struct {
	AccessToken   string
	PhoneNumberID string
	VerifyToken   string
	BaseURL       string
	APIVersion    string
	AdminID       string
}

// Enabled reports whether outbound messages can be sent.
func (w WhatsAppConfig) Enabled() bool {
	return w.AccessToken != "" && w.PhoneNumberID != ""
}

// SheetsConfig contains configuration required to interact with Google Sheets.
type SheetsConfig struct {
	CredentialsPath string
	SpreadsheetID   string
}

// Enabled reports whether the spreadsheet mirror is configured.
func (s SheetsConfig) Enabled() bool {
	return s.CredentialsPath != "" && s.SpreadsheetID != ""
}

// Load reads environment variables (optionally from the provided file) and
// materializes a Config instance.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("failed loading env file %s: %w", envFile, err)
			}
		}
	} else {
		_ = godotenv.Load()
	}

	cfg, err := fromEnv()
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func fromEnv() (*Config, error) {
	price, err := decimal.NewFromString(getenvWithDefault("DEFAULT_UNIT_PRICE", "45"))
	if err != nil {
		return nil, fmt.Errorf("DEFAULT_UNIT_PRICE: %w", err)
	}

	attempts, err := strconv.Atoi(getenvWithDefault("SETTLEMENT_MAX_ATTEMPTS", "3"))
	if err != nil {
		return nil, fmt.Errorf("SETTLEMENT_MAX_ATTEMPTS: %w", err)
	}

	delay, err := time.ParseDuration(getenvWithDefault("SETTLEMENT_RETRY_BASE_DELAY", "200ms"))
	if err != nil {
		return nil, fmt.Errorf("SETTLEMENT_RETRY_BASE_DELAY: %w", err)
	}

	return &Config{
		Server: ServerConfig{
			Port:     getenvWithDefault("APP_PORT", "8080"),
			LogLevel: getenvWithDefault("LOG_LEVEL", "info"),
		},
		Store: StoreConfig{
			Driver:     getenvWithDefault("STORE_DRIVER", StoreMongoDB),
			MongoURI:   os.Getenv("MONGODB_URI"),
			MongoDB:    getenvWithDefault("MONGODB_DB_NAME", "milkpay"),
			SQLitePath: getenvWithDefault("SQLITE_PATH", "./data/milkpay.db"),
		},
		Settlement: SettlementConfig{
			DefaultUnitPrice: price,
			MaxAttempts:      attempts,
			RetryBaseDelay:   delay,
		},
		Schedule: ScheduleConfig{
			SettlementCron: getenvWithDefault("SETTLEMENT_CRON_SCHEDULE", "0 6 1 * *"),
			ReportCron:     getenvWithDefault("REPORT_CRON_SCHEDULE", "0 7 1 * *"),
			Timezone:       getenvWithDefault("TIMEZONE", "Africa/Nairobi"),
		},
		WhatsApp: WhatsAppConfig{
			AccessToken:   os.Getenv("WHATSAPP_TOKEN"),
			PhoneNumberID: os.Getenv("WHATSAPP_PHONE_NUMBER_ID"),
			VerifyToken:   os.Getenv("META_VERIFY_TOKEN"),
			BaseURL:       getenvWithDefault("WHATSAPP_BASE_URL", "https://graph.facebook.com"),
			APIVersion:    getenvWithDefault("WHATSAPP_API_VERSION", "v20.0"),
			AdminID:       os.Getenv("WHATSAPP_ADMIN_ID"),
		},
		Sheets: SheetsConfig{
			CredentialsPath: os.Getenv("GOOGLE_SHEETS_CREDENTIALS_PATH"),
			SpreadsheetID:   os.Getenv("GOOGLE_SHEET_DATABASE_ID"),
		},
	}, nil
}

// Validate ensures that required configuration fields are populated.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}

	if c.Server.Port == "" {
		return errors.New("APP_PORT must be provided")
	}

	switch c.Store.Driver {
	case StoreMongoDB:
		if c.Store.MongoURI == "" {
			return errors.New("MONGODB_URI must be provided when STORE_DRIVER=mongodb")
		}
		if c.Store.MongoDB == "" {
			return errors.New("MONGODB_DB_NAME must not be empty")
		}
	case StoreSQLite:
		if c.Store.SQLitePath == "" {
			return errors.New("SQLITE_PATH must not be empty")
		}
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.Store.Driver)
	}

	if !c.Settlement.DefaultUnitPrice.IsPositive() {
		return errors.New("DEFAULT_UNIT_PRICE must be positive")
	}
	if c.Settlement.MaxAttempts < 1 {
		return errors.New("SETTLEMENT_MAX_ATTEMPTS must be at least 1")
	}
	if c.Settlement.RetryBaseDelay <= 0 {
		return errors.New("SETTLEMENT_RETRY_BASE_DELAY must be positive")
	}

	if _, err := cron.ParseStandard(c.Schedule.SettlementCron); err != nil {
		return fmt.Errorf("SETTLEMENT_CRON_SCHEDULE: %w", err)
	}
	if _, err := cron.ParseStandard(c.Schedule.ReportCron); err != nil {
		return fmt.Errorf("REPORT_CRON_SCHEDULE: %w", err)
	}
	if _, err := time.LoadLocation(c.Schedule.Timezone); err != nil {
		return fmt.Errorf("TIMEZONE: %w", err)
	}

	if c.WhatsApp.AccessToken != "" && c.WhatsApp.PhoneNumberID == "" {
		return errors.New("WHATSAPP_PHONE_NUMBER_ID must be provided with WHATSAPP_TOKEN")
	}
	if c.WhatsApp.BaseURL == "" {
		return errors.New("WHATSAPP_BASE_URL must not be empty")
	}
	if c.WhatsApp.APIVersion == "" {
		return errors.New("WHATSAPP_API_VERSION must not be empty")
	}

	return nil
}

// Location returns the configured time zone. Validate has already checked it.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Schedule.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func getenvWithDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
