package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithSQLite(t *testing.T) {
	t.Setenv("STORE_DRIVER", "sqlite")
	t.Setenv("DEFAULT_UNIT_PRICE", "")
	t.Setenv("TIMEZONE", "")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, StoreSQLite, cfg.Store.Driver)
	assert.Equal(t, "45", cfg.Settlement.DefaultUnitPrice.String())
	assert.Equal(t, 3, cfg.Settlement.MaxAttempts)
	assert.Equal(t, "0 6 1 * *", cfg.Schedule.SettlementCron)
	assert.Equal(t, "Africa/Nairobi", cfg.Location().String())
	assert.False(t, cfg.WhatsApp.Enabled())
}

func TestLoadReadsEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	content := "STORE_DRIVER=sqlite\nSETTLEMENT_MAX_ATTEMPTS=5\nDEFAULT_UNIT_PRICE=52.5\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	unsetenv(t, "STORE_DRIVER")
	unsetenv(t, "SETTLEMENT_MAX_ATTEMPTS")
	unsetenv(t, "DEFAULT_UNIT_PRICE")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Settlement.MaxAttempts)
	assert.Equal(t, "52.5", cfg.Settlement.DefaultUnitPrice.String())
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]map[string]string{
		"unknown driver":    {"STORE_DRIVER": "postgres"},
		"mongo without uri": {"STORE_DRIVER": "mongodb", "MONGODB_URI": ""},
		"zero price":        {"STORE_DRIVER": "sqlite", "DEFAULT_UNIT_PRICE": "0"},
		"zero attempts":     {"STORE_DRIVER": "sqlite", "SETTLEMENT_MAX_ATTEMPTS": "0"},
		"bad cron":          {"STORE_DRIVER": "sqlite", "SETTLEMENT_CRON_SCHEDULE": "every month"},
		"bad timezone":      {"STORE_DRIVER": "sqlite", "TIMEZONE": "Mars/Olympus"},
		"bad delay":         {"STORE_DRIVER": "sqlite", "SETTLEMENT_RETRY_BASE_DELAY": "soon"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			for k, v := range env {
				t.Setenv(k, v)
			}
			_, err := Load(filepath.Join(t.TempDir(), "missing.env"))
			assert.Error(t, err)
		})
	}
}

// unsetenv removes key for the duration of the test so godotenv may set it.
func unsetenv(t *testing.T, key string) {
	t.Helper()
	t.Setenv(key, "")
	require.NoError(t, os.Unsetenv(key))
}
