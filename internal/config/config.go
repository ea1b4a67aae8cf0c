// Package config loads the server configuration from an optional YAML file
// with MARKET_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/rl1809/marketplace-orders/internal/core/money"
	"github.com/rl1809/marketplace-orders/internal/core/service"
)

type Config struct {
	Log           LogConfig           `yaml:"log"`
	HTTP          HTTPConfig          `yaml:"http"`
	GRPC          GRPCConfig          `yaml:"grpc"`
	Database      DatabaseConfig      `yaml:"database"`
	Redis         RedisConfig         `yaml:"redis"`
	Kafka         KafkaConfig         `yaml:"kafka"`
	Telemetry     TelemetryConfig     `yaml:"telemetry"`
	Pricing       PricingConfig       `yaml:"pricing"`
	Tasks         TasksConfig         `yaml:"tasks"`
	InventorySync InventorySyncConfig `yaml:"inventory_sync"`
	Reports       ReportsConfig       `yaml:"reports"`
	Schedule      ScheduleConfig      `yaml:"schedule"`
	Notifications NotificationsConfig `yaml:"notifications"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

type HTTPConfig struct {
	Addr        string `yaml:"addr"`
	GraphQLAddr string `yaml:"graphql_addr"`
}

type GRPCConfig struct {
	Addr string `yaml:"addr"`
}

type DatabaseConfig struct {
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// RedisConfig is optional; without an address idempotency keys and delivery markers are disabled.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// KafkaConfig is optional; without brokers notifications are written to the log.
type KafkaConfig struct {
	Brokers           []string `yaml:"brokers"`
	NotificationTopic string   `yaml:"notification_topic"`
}

type TelemetryConfig struct {
	ServiceName  string `yaml:"service_name"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

type PricingConfig struct {
	TaxRate      string `yaml:"tax_rate"`
	ShippingFlat string `yaml:"shipping_flat"`
}

type TasksConfig struct {
	Workers        int           `yaml:"workers"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	Lease          time.Duration `yaml:"lease"`
	HandlerTimeout time.Duration `yaml:"handler_timeout"`
}

type InventorySyncConfig struct {
	BaseURL      string        `yaml:"base_url"`
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
}

type ReportsConfig struct {
	Dir string `yaml:"dir"`
}

type ScheduleConfig struct {
	DailyReportInterval time.Duration `yaml:"daily_report_interval"`
	CleanupInterval     time.Duration `yaml:"cleanup_interval"`
	CleanupAfterDays    int           `yaml:"cleanup_after_days"`
}

type NotificationsConfig struct {
	OpsEmail string `yaml:"ops_email"`
}

func Default() Config {
	return Config{
		Log:  LogConfig{Level: "info"},
		HTTP: HTTPConfig{Addr: ":8080", GraphQLAddr: ":8081"},
		GRPC: GRPCConfig{Addr: ":50051"},
		Database: DatabaseConfig{
			Driver:          "sqlite",
			DSN:             "marketplace.db",
			MaxOpenConns:    50,
			MaxIdleConns:    25,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Redis:     RedisConfig{PoolSize: 100},
		Kafka:     KafkaConfig{NotificationTopic: "marketplace.notifications"},
		Telemetry: TelemetryConfig{ServiceName: "marketplace-orders"},
		Pricing:   PricingConfig{TaxRate: "0.10", ShippingFlat: "10.00"},
		Tasks: TasksConfig{
			Workers:        10,
			PollInterval:   time.Second,
			Lease:          10 * time.Minute,
			HandlerTimeout: 2 * time.Minute,
		},
		InventorySync: InventorySyncConfig{
			BaseURL:      "http://localhost:9000",
			FetchTimeout: 5 * time.Second,
		},
		Reports: ReportsConfig{Dir: "reports"},
		Schedule: ScheduleConfig{
			DailyReportInterval: time.Hour,
			CleanupInterval:     24 * time.Hour,
			CleanupAfterDays:    30,
		},
	}
}

// Load reads path when it is not empty, then applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	var errs []error
	integer := func(key string, dst *int) {
		if v, ok := lookup(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str("MARKET_LOG_LEVEL", &cfg.Log.Level)
	boolean("MARKET_LOG_DEVELOPMENT", &cfg.Log.Development)
	str("MARKET_HTTP_ADDR", &cfg.HTTP.Addr)
	str("MARKET_GRAPHQL_ADDR", &cfg.HTTP.GraphQLAddr)
	str("MARKET_GRPC_ADDR", &cfg.GRPC.Addr)
	str("MARKET_DB_DRIVER", &cfg.Database.Driver)
	str("MARKET_DB_DSN", &cfg.Database.DSN)
	str("MARKET_REDIS_ADDR", &cfg.Redis.Addr)
	str("MARKET_REDIS_PASSWORD", &cfg.Redis.Password)
	if v, ok := lookup("MARKET_KAFKA_BROKERS"); ok {
		cfg.Kafka.Brokers = splitList(v)
	}
	str("MARKET_KAFKA_TOPIC", &cfg.Kafka.NotificationTopic)
	str("MARKET_OTLP_ENDPOINT", &cfg.Telemetry.OTLPEndpoint)
	str("MARKET_TAX_RATE", &cfg.Pricing.TaxRate)
	str("MARKET_SHIPPING_FLAT", &cfg.Pricing.ShippingFlat)
	integer("MARKET_TASK_WORKERS", &cfg.Tasks.Workers)
	duration("MARKET_TASK_POLL_INTERVAL", &cfg.Tasks.PollInterval)
	duration("MARKET_TASK_LEASE", &cfg.Tasks.Lease)
	str("MARKET_INVENTORY_BASE_URL", &cfg.InventorySync.BaseURL)
	duration("MARKET_INVENTORY_FETCH_TIMEOUT", &cfg.InventorySync.FetchTimeout)
	str("MARKET_REPORTS_DIR", &cfg.Reports.Dir)
	integer("MARKET_CLEANUP_AFTER_DAYS", &cfg.Schedule.CleanupAfterDays)
	str("MARKET_OPS_EMAIL", &cfg.Notifications.OpsEmail)

	return errors.Join(errs...)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c Config) Validate() error {
	var errs []error
	switch c.Database.Driver {
	case "mysql", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("database.driver must be mysql or sqlite, got %q", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}
	if _, err := c.Pricing.Policy(); err != nil {
		errs = append(errs, err)
	}
	if c.Tasks.Workers <= 0 {
		errs = append(errs, errors.New("tasks.workers must be positive"))
	}
	if c.Tasks.Lease <= c.Tasks.HandlerTimeout {
		errs = append(errs, fmt.Errorf("tasks.lease (%s) must exceed tasks.handler_timeout (%s)",
			c.Tasks.Lease, c.Tasks.HandlerTimeout))
	}
	if c.Schedule.CleanupAfterDays <= 0 {
		errs = append(errs, errors.New("schedule.cleanup_after_days must be positive"))
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.NotificationTopic == "" {
		errs = append(errs, errors.New("kafka.notification_topic is required when brokers are set"))
	}
	return errors.Join(errs...)
}

// Policy parses the configured rates into the pricing used by OrderService.
func (p PricingConfig) Policy() (service.FlatRatePricing, error) {
	rate, err := decimal.NewFromString(p.TaxRate)
	if err != nil {
		return service.FlatRatePricing{}, fmt.Errorf("pricing.tax_rate: %w", err)
	}
	if rate.IsNegative() {
		return service.FlatRatePricing{}, fmt.Errorf("pricing.tax_rate must not be negative")
	}
	fee, err := money.Parse(p.ShippingFlat)
	if err != nil {
		return service.FlatRatePricing{}, fmt.Errorf("pricing.shipping_flat: %w", err)
	}
	if fee.IsNegative() {
		return service.FlatRatePricing{}, fmt.Errorf("pricing.shipping_flat must not be negative")
	}
	return service.FlatRatePricing{TaxRate: rate, ShippingFee: fee}, nil
}
