package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type Config struct {
	Port          string
	Environment   string
	LogLevel      string
	AllowedOrigin string
	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	AuthSecret            string
	AccessTokenTTLMinutes int

	TaxRate            decimal.Decimal
	PointValue         int64
	PointEarnThreshold int64
	AtomicMaxAttempts  int

	PayOSClientID    string
	PayOSAPIKey      string
	PayOSChecksumKey string
	PayOSBaseURL     string
	PaymentReturnURL string
	PaymentCancelURL string
	PaymentWatchTTL  time.Duration
	CartSessionTTL   time.Duration
}

// Load reads configuration from the environment. A .env file in the working
// directory is applied first when present; real environment variables win.
func Load() Config {
	_ = godotenv.Load()

	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))

	cfg := Config{
		Port:                  getEnv("PORT", "8080"),
		Environment:           getEnv("APP_ENV", "development"),
		LogLevel:              getEnv("LOG_LEVEL", "info"),
		AllowedOrigin:         getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		RedisDB:               redisDB,
		AuthSecret:            strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes: getEnvAsInt("ACCESS_TOKEN_TTL_MINUTES", 480),
		TaxRate:               getEnvAsDecimal("TAX_RATE", decimal.RequireFromString("0.10")),
		PointValue:            int64(getEnvAsInt("POINT_VALUE", 1000)),
		PointEarnThreshold:    int64(getEnvAsInt("POINT_EARN_THRESHOLD", 10000)),
		AtomicMaxAttempts:     getEnvAsInt("ATOMIC_MAX_ATTEMPTS", 5),
		PayOSClientID:         strings.TrimSpace(os.Getenv("PAYOS_CLIENT_ID")),
		PayOSAPIKey:           strings.TrimSpace(os.Getenv("PAYOS_API_KEY")),
		PayOSChecksumKey:      strings.TrimSpace(os.Getenv("PAYOS_CHECKSUM_KEY")),
		PayOSBaseURL:          getEnv("PAYOS_BASE_URL", "https://api-merchant.payos.vn"),
		PaymentReturnURL:      getEnv("PAYMENT_RETURN_URL", "http://127.0.0.1:3000/payment/success"),
		PaymentCancelURL:      getEnv("PAYMENT_CANCEL_URL", "http://127.0.0.1:3000/payment/cancel"),
		PaymentWatchTTL:       time.Duration(getEnvAsInt("PAYMENT_WATCH_TIMEOUT_MINUTES", 30)) * time.Minute,
		CartSessionTTL:        time.Duration(getEnvAsInt("CART_SESSION_TTL_MINUTES", 720)) * time.Minute,
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

// PayOSConfigured reports whether real provider credentials are present.
func (c Config) PayOSConfigured() bool {
	return c.PayOSClientID != "" && c.PayOSAPIKey != "" && c.PayOSChecksumKey != ""
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

// getEnvAsInt falls back for missing, malformed and non-positive values.
func getEnvAsInt(key string, fallback int) int {
	parsed, err := strconv.Atoi(strings.TrimSpace(getEnv(key, "")))
	if err != nil || parsed < 1 {
		return fallback
	}
	return parsed
}

func getEnvAsDecimal(key string, fallback decimal.Decimal) decimal.Decimal {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := decimal.NewFromString(raw)
	if err != nil || parsed.IsNegative() || parsed.GreaterThan(decimal.NewFromInt(1)) {
		return fallback
	}
	return parsed
}
