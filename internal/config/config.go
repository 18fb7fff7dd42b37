package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

var Module = fx.Module("config",
	fx.Provide(Load),
	fx.Provide(NewPolicyHolder),
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string
	ConfigDir   string

	SnowflakeNode int64

	// Observability: LOG_LEVEL, LOG_FORMAT, TRACING_ENABLED, TRACE_SAMPLE_RATIO, OTLP_ENDPOINT,
	// OTLP_PROTOCOL.
	LogLevel         string
	LogFormat        string
	TracingEnabled   bool
	TraceSampleRatio float64
	OTLPEndpoint     string
	OTLPProtocol     string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBPath            string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	Gateway Gateway

	UsageIngestRate  float64
	UsageIngestBurst int

	SchedulerEnabled bool
	SchedulerSpec    string
	// SchedulerJobs limits a replica to the named jobs. Empty runs every job.
	SchedulerJobs []string
	LockTTL       time.Duration
}

// Gateway configures the payment gateway collaborator.
type Gateway struct {
	Name          string
	WebhookSecret string
	APIKey        string
	// APIBase overrides the gateway API host.
	APIBase string
	// SandboxOutcome fixes the sandbox gateway result: "succeed", "fail" or "pending". Empty
	// derives it from the payment method token.
	SandboxOutcome string
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:           getenv("APP_SERVICE", "meterbill"),
		AppVersion:        getenv("APP_VERSION", "0.1.0"),
		Environment:       getenv("ENVIRONMENT", "development"),
		HTTPAddr:          getenv("HTTP_ADDR", ":8080"),
		ConfigDir:         strings.TrimSpace(getenv("CONFIG_DIR", "")),
		SnowflakeNode:     getenvInt64("SNOWFLAKE_NODE", 1),
		LogLevel:          strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogFormat:         strings.ToLower(getenv("LOG_FORMAT", "json")),
		TracingEnabled:    getenvBool("TRACING_ENABLED", true),
		TraceSampleRatio:  getenvFloat("TRACE_SAMPLE_RATIO", 0.1),
		OTLPEndpoint:      getenv("OTLP_ENDPOINT", "localhost:4317"),
		OTLPProtocol:      strings.ToLower(getenv("OTLP_PROTOCOL", "grpc")),
		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "meterbill"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBPath:            getenv("DATABASE_PATH", "meterbill.db"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 50),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),
		RedisAddr:         strings.TrimSpace(getenv("REDIS_ADDR", "")),
		RedisPassword:     getenv("REDIS_PASSWORD", ""),
		RedisDB:           getenvInt("REDIS_DB", 0),
		Gateway: Gateway{
			Name:           strings.ToLower(getenv("PAYMENT_GATEWAY", "sandbox")),
			WebhookSecret:  strings.TrimSpace(getenv("PAYMENT_WEBHOOK_SECRET", "")),
			APIKey:         strings.TrimSpace(getenv("PAYMENT_API_KEY", "")),
			APIBase:        strings.TrimSpace(getenv("PAYMENT_API_BASE", "")),
			SandboxOutcome: strings.ToLower(getenv("PAYMENT_SANDBOX_OUTCOME", "")),
		},
		UsageIngestRate:  getenvFloat("USAGE_INGEST_RATE", 50),
		UsageIngestBurst: getenvInt("USAGE_INGEST_BURST", 100),
		SchedulerEnabled: getenvBool("SCHEDULER_ENABLED", true),
		SchedulerSpec:    getenv("SCHEDULER_SPEC", "@every 1m"),
		SchedulerJobs:    getenvList("SCHEDULER_JOBS"),
		LockTTL:          getenvDuration("LOCK_TTL", 30*time.Second),
	}
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
