package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type Config struct {
	ServiceName string
	Version     string
	Port        string
	LogLevel    string

	DatabaseDriver string
	DatabaseURL    string
	SQLitePath     string
	DBTimeout      time.Duration
	// DBConnectRetries bounds startup connection attempts, spaced by DBConnectInterval.
	DBConnectRetries  int
	DBConnectInterval time.Duration

	KafkaBrokers   string
	PublishTimeout time.Duration
	NotifyGroupID  string

	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration

	OutboxEnabled  bool
	OutboxInterval time.Duration
	OutboxBatch    int

	OtelEndpoint   string
	OtelAuthHeader string
}

// Load reads the environment once. service names the binary for logs and telemetry.
func Load(service string) (Config, error) {
	cfg := Config{
		ServiceName:    service,
		Version:        getenv("SERVICE_VERSION", "dev"),
		Port:           getenv("PORT", "8080"),
		LogLevel:       getenv("LOG_LEVEL", "info"),
		DatabaseDriver: strings.ToLower(getenv("DATABASE_DRIVER", DriverPostgres)),
		DatabaseURL:    getenv("DATABASE_URL", ""),
		SQLitePath:     getenv("SQLITE_PATH", "shopstream.db"),
		KafkaBrokers:   getenv("KAFKA_BROKERS", ""),
		NotifyGroupID:  getenv("NOTIFY_GROUP_ID", "notification-service"),
		OutboxEnabled:  getbool("OUTBOX_ENABLED", false),
		OtelEndpoint:   getenv("OTEL_ENDPOINT", ""),
		OtelAuthHeader: getenv("OTEL_AUTH_HEADER", ""),
	}

	var errs []error
	cfg.DBTimeout = getms("DB_TIMEOUT_MS", 3000, &errs)
	cfg.DBConnectRetries = getint("DB_CONNECT_RETRIES", 30, &errs)
	cfg.DBConnectInterval = getms("DB_CONNECT_INTERVAL_MS", 2000, &errs)
	cfg.PublishTimeout = getms("PUBLISH_TIMEOUT_MS", 2000, &errs)
	cfg.RequestTimeout = getms("REQUEST_TIMEOUT_MS", 10000, &errs)
	cfg.ShutdownTimeout = getms("SHUTDOWN_TIMEOUT_MS", 10000, &errs)
	cfg.OutboxInterval = getms("OUTBOX_INTERVAL_MS", 5000, &errs)
	cfg.OutboxBatch = getint("OUTBOX_BATCH", 100, &errs)

	switch cfg.DatabaseDriver {
	case DriverPostgres:
		if cfg.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required"))
		}
	case DriverSQLite:
	default:
		errs = append(errs, fmt.Errorf("DATABASE_DRIVER must be %q or %q, got %q", DriverPostgres, DriverSQLite, cfg.DatabaseDriver))
	}
	if err := errors.Join(errs...); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Brokers() []string {
	var out []string
	for _, b := range strings.Split(c.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

func getenv(k, def string) string {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	return v
}

func getbool(k string, def bool) bool {
	switch strings.ToLower(getenv(k, "")) {
	case "1", "true", "yes":
		return true
	case "0", "false", "no":
		return false
	default:
		return def
	}
}

func getint(k string, def int, errs *[]error) int {
	raw := getenv(k, "")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		*errs = append(*errs, fmt.Errorf("%s must be a positive integer, got %q", k, raw))
		return def
	}
	return n
}

func getms(k string, def int, errs *[]error) time.Duration {
	return time.Duration(getint(k, def, errs)) * time.Millisecond
}
