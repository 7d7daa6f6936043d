package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	App      AppConfig
	HTTP     ServerConfig
	GRPC     ServerConfig
	Database DatabaseConfig
	Log      LogConfig
	Redis    RedisConfig
	Kafka    KafkaConfig
	Tracing  TracingConfig
	Session  SessionConfig
	Mpesa    MpesaConfig
	Payments PaymentsConfig
	Jobs     JobsConfig
	Poll     PollConfig
}

type AppConfig struct {
	ServiceName string
	APIKey      string
}

type ServerConfig struct {
	Host string
	Port string
}

type DatabaseConfig struct {
	Driver          string
	DSN             string
	AutoMigrate     bool
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type LogConfig struct {
	Level string
}

type RedisConfig struct {
	Addr           string
	Password       string
	DB             int
	IdempotencyTTL time.Duration
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

type TracingConfig struct {
	OTLPEndpoint string
	Insecure     bool
}

type SessionConfig struct {
	Secret     string
	TTL        time.Duration
	CookieName string
}

type MpesaConfig struct {
	ConsumerKey        string
	ConsumerSecret     string
	BusinessShortCode  string
	PassKey            string
	Environment        string
	BaseURL            string
	CallbackBaseURL    string
	TransactionType    string
	DefaultDescription string
	HTTPTimeout        time.Duration
}

type PaymentsConfig struct {
	CallbackMaxAttempts      int32
	CallbackRetryInterval    time.Duration
	CallbackHTTPTimeout      time.Duration
	ReconcileStaleAfter      time.Duration
	JobBatchSize             int32
	DefaultStatusCallbackURL string
}

type JobsConfig struct {
	ReconcileInterval        time.Duration
	CallbackDispatchInterval time.Duration
}

type PollConfig struct {
	Interval    time.Duration
	MaxAttempts int
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	dsn := os.Getenv("DATABASE_DSN")
	if dsn == "" {
		return nil, errors.New("DATABASE_DSN environment variable is required")
	}

	sessionSecret := os.Getenv("SESSION_SECRET")
	if sessionSecret == "" {
		return nil, errors.New("SESSION_SECRET environment variable is required")
	}

	driver := strings.ToLower(getEnv("DATABASE_DRIVER", "mysql"))
	if driver != "mysql" && driver != "sqlite3" {
		return nil, errors.New("DATABASE_DRIVER must be mysql or sqlite3")
	}

	return &Config{
		App: AppConfig{
			ServiceName: getEnv("APP_SERVICE_NAME", "payments-service"),
			APIKey:      getEnv("APP_API_KEY", ""),
		},
		HTTP: ServerConfig{
			Host: getEnv("HTTP_HOST", "0.0.0.0"),
			Port: getEnv("HTTP_PORT", "8080"),
		},
		GRPC: ServerConfig{
			Host: getEnv("GRPC_HOST", "0.0.0.0"),
			Port: getEnv("GRPC_PORT", "9090"),
		},
		Database: DatabaseConfig{
			Driver:          driver,
			DSN:             dsn,
			AutoMigrate:     getBoolEnv("DATABASE_AUTO_MIGRATE", false),
			MaxOpenConns:    getIntEnv("DATABASE_MAX_OPEN_CONNS", 10),
			MaxIdleConns:    getIntEnv("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getMinutesEnv("DATABASE_CONN_MAX_LIFETIME_MINUTES", 30*time.Minute),
		},
		Log: LogConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Redis: RedisConfig{
			Addr:           getEnv("REDIS_ADDR", ""),
			Password:       getEnv("REDIS_PASSWORD", ""),
			DB:             getIntEnv("REDIS_DB", 0),
			IdempotencyTTL: getMinutesEnv("IDEMPOTENCY_TTL_MINUTES", 24*time.Hour),
		},
		Kafka: KafkaConfig{
			Brokers: splitList(getEnv("KAFKA_BROKERS", "")),
			Topic:   getEnv("KAFKA_PAYMENT_TOPIC", "payment.state.changed"),
		},
		Tracing: TracingConfig{
			OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			Insecure:     getBoolEnv("OTEL_EXPORTER_OTLP_INSECURE", true),
		},
		Session: SessionConfig{
			Secret:     sessionSecret,
			TTL:        getHoursEnv("SESSION_TTL_HOURS", 7*24*time.Hour),
			CookieName: getEnv("SESSION_COOKIE_NAME", "emailSession"),
		},
		Mpesa: MpesaConfig{
			ConsumerKey:        getEnv("MPESA_CONSUMER_KEY", ""),
			ConsumerSecret:     getEnv("MPESA_CONSUMER_SECRET", ""),
			BusinessShortCode:  getEnv("MPESA_BUSINESS_SHORT_CODE", "174379"),
			PassKey:            getEnv("MPESA_PASS_KEY", ""),
			Environment:        strings.ToLower(getEnv("MPESA_ENVIRONMENT", "sandbox")),
			BaseURL:            getEnv("MPESA_BASE_URL", ""),
			CallbackBaseURL:    getEnv("MPESA_CALLBACK_BASE_URL", ""),
			TransactionType:    getEnv("MPESA_TRANSACTION_TYPE", "CustomerPayBillOnline"),
			DefaultDescription: getEnv("MPESA_DEFAULT_DESCRIPTION", "Payment for FeminaFit services"),
			HTTPTimeout:        getSecondsEnv("MPESA_HTTP_TIMEOUT_SECONDS", 15*time.Second),
		},
		Payments: PaymentsConfig{
			CallbackMaxAttempts:      int32(getIntEnv("PAYMENTS_CALLBACK_MAX_ATTEMPTS", 10)),
			CallbackRetryInterval:    getMinutesEnv("PAYMENTS_CALLBACK_RETRY_INTERVAL_MINUTES", 5*time.Minute),
			CallbackHTTPTimeout:      getSecondsEnv("PAYMENTS_CALLBACK_HTTP_TIMEOUT_SECONDS", 10*time.Second),
			ReconcileStaleAfter:      getMinutesEnv("PAYMENTS_RECONCILE_STALE_AFTER_MINUTES", 15*time.Minute),
			JobBatchSize:             int32(getIntEnv("PAYMENTS_JOB_BATCH_SIZE", 100)),
			DefaultStatusCallbackURL: getEnv("PAYMENTS_DEFAULT_STATUS_CALLBACK_URL", ""),
		},
		Jobs: JobsConfig{
			ReconcileInterval:        getMinutesEnv("PAYMENTS_RECONCILE_INTERVAL_MINUTES", 2*time.Minute),
			CallbackDispatchInterval: getMinutesEnv("PAYMENTS_CALLBACK_DISPATCH_INTERVAL_MINUTES", time.Minute),
		},
		Poll: PollConfig{
			Interval:    getSecondsEnv("PAYMENTS_POLL_INTERVAL_SECONDS", 10*time.Second),
			MaxAttempts: getIntEnv("PAYMENTS_POLL_MAX_ATTEMPTS", 30),
		},
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getHoursEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if hours, err := strconv.Atoi(value); err == nil {
			return time.Duration(hours) * time.Hour
		}
	}
	return defaultValue
}

func getMinutesEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if minutes, err := strconv.Atoi(value); err == nil {
			return time.Duration(minutes) * time.Minute
		}
	}
	return defaultValue
}

func getSecondsEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if seconds, err := strconv.Atoi(value); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return defaultValue
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	items := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}
