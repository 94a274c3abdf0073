package config_test

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"libranexus/internal/config"
)

func TestDefaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, 72*time.Hour, cfg.PickupWindow)
	assert.Equal(t, 48*time.Hour, cfg.ReservationTTL)
	assert.Equal(t, "5000", cfg.FinePerDay.String())
	assert.True(t, cfg.SweeperEnabled)

	p := cfg.Policy()
	assert.Equal(t, cfg.LoanPeriod, p.LoanPeriod)
	assert.True(t, p.FinePerDay.Equal(cfg.FinePerDay))
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("STORE", "memory")
	t.Setenv("PICKUP_WINDOW", "1h")
	t.Setenv("FINE_PER_DAY", "2500.50")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("SWEEPER_ENABLED", "false")

	cfg, err := config.FromEnv()
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Store)
	assert.Equal(t, time.Hour, cfg.PickupWindow)
	assert.Equal(t, "2500.5", cfg.FinePerDay.String())
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	assert.False(t, cfg.SweeperEnabled)
}

func TestEnvFileDoesNotOverrideEnvironment(t *testing.T) {
	// Register cleanup for keys the file will set, then clear them.
	t.Setenv("NATS_URL", "")
	require.NoError(t, os.Unsetenv("NATS_URL"))
	t.Setenv("PORT", "9000")

	file := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(file, []byte("PORT=7000\nNATS_URL=nats://localhost:4222\n"), 0o600))

	cfg, err := config.Load(file)
	require.NoError(t, err)
	assert.Equal(t, "9000", cfg.Port)
	assert.Equal(t, "nats://localhost:4222", cfg.NATSURL)
}

func TestInvalidValuesNameTheKey(t *testing.T) {
	cases := map[string]string{
		"RESERVATION_TTL":     "two days",
		"PICKUP_WINDOW":       "-1h",
		"FINE_PER_DAY":        "lots",
		"STORE":               "sqlite",
		"DB_DRIVER":           "mysql",
		"CHECKOUT_RATE_LIMIT": "fast",
		"SWEEPER_ENABLED":     "sometimes",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			_, err := config.FromEnv()
			require.Error(t, err)
			assert.Contains(t, err.Error(), key)
		})
	}
}
