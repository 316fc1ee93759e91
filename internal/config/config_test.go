package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/shop")

	cfg, err := Load("order-service")
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, DriverPostgres, cfg.DatabaseDriver)
	assert.Equal(t, 3*time.Second, cfg.DBTimeout)
	assert.Equal(t, 30, cfg.DBConnectRetries)
	assert.Equal(t, 2*time.Second, cfg.DBConnectInterval)
	assert.Equal(t, 2*time.Second, cfg.PublishTimeout)
	assert.Equal(t, 100, cfg.OutboxBatch)
	assert.False(t, cfg.OutboxEnabled)
	assert.Empty(t, cfg.Brokers())
}

func TestLoad_SQLiteNeedsNoURL(t *testing.T) {
	t.Setenv("DATABASE_DRIVER", "SQLite")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("KAFKA_BROKERS", "a:9092, b:9092")
	t.Setenv("OUTBOX_ENABLED", "yes")
	t.Setenv("PUBLISH_TIMEOUT_MS", "250")
	t.Setenv("DB_CONNECT_RETRIES", "5")
	t.Setenv("DB_CONNECT_INTERVAL_MS", "100")

	cfg, err := Load("order-service")
	require.NoError(t, err)
	assert.Equal(t, DriverSQLite, cfg.DatabaseDriver)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.Brokers())
	assert.True(t, cfg.OutboxEnabled)
	assert.Equal(t, 250*time.Millisecond, cfg.PublishTimeout)
	assert.Equal(t, 5, cfg.DBConnectRetries)
	assert.Equal(t, 100*time.Millisecond, cfg.DBConnectInterval)
}

func TestLoad_Errors(t *testing.T) {
	t.Setenv("DATABASE_DRIVER", "postgres")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("DB_TIMEOUT_MS", "soon")
	t.Setenv("DB_CONNECT_RETRIES", "0")

	_, err := Load("order-service")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL is required")
	assert.Contains(t, err.Error(), "DB_TIMEOUT_MS")
	assert.Contains(t, err.Error(), "DB_CONNECT_RETRIES")

	t.Setenv("DATABASE_DRIVER", "mysql")
	_, err = Load("order-service")
	assert.ErrorContains(t, err, "DATABASE_DRIVER")
}
