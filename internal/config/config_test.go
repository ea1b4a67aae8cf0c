package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, 30, cfg.Schedule.CleanupAfterDays)

	policy, err := cfg.Pricing.Policy()
	require.NoError(t, err)
	assert.Equal(t, "0.1", policy.TaxRate.String())
	assert.Equal(t, "10.00", policy.ShippingFee.String())
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database:
  driver: mysql
  dsn: "root:root@tcp(db:3306)/market"
kafka:
  brokers: [kafka-1:9092]
tasks:
  workers: 3
  lease: 15m
  handler_timeout: 1m
inventory_sync:
  fetch_timeout: 2s
`), 0o644))

	t.Setenv("MARKET_TASK_WORKERS", "7")
	t.Setenv("MARKET_KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("MARKET_OPS_EMAIL", "ops@example.com")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "mysql", cfg.Database.Driver)
	assert.Equal(t, 7, cfg.Tasks.Workers)
	assert.Equal(t, 15*time.Minute, cfg.Tasks.Lease)
	assert.Equal(t, 2*time.Second, cfg.InventorySync.FetchTimeout)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "ops@example.com", cfg.Notifications.OpsEmail)
	// untouched sections keep their defaults
	assert.Equal(t, "marketplace.notifications", cfg.Kafka.NotificationTopic)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"unknown driver", map[string]string{"MARKET_DB_DRIVER": "postgres"}},
		{"bad tax rate", map[string]string{"MARKET_TAX_RATE": "ten percent"}},
		{"negative shipping", map[string]string{"MARKET_SHIPPING_FLAT": "-1.00"}},
		{"bad integer", map[string]string{"MARKET_TASK_WORKERS": "many"}},
		{"bad duration", map[string]string{"MARKET_TASK_LEASE": "soon"}},
		{"lease shorter than handler timeout", map[string]string{"MARKET_TASK_LEASE": "1s"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load("")
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
