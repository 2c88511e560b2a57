package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store backends for idempotency, replay and velocity state
const (
	StoreBackendMemory   = "memory"
	StoreBackendRedis    = "redis"
	StoreBackendPostgres = "postgres"
)

// Config holds all configuration for the application
type Config struct {
	// Server configuration
	Server ServerConfig

	// Database configuration
	Database DatabaseConfig

	// Redis configuration
	Redis RedisConfig

	// JWT configuration (admin audit API)
	JWT JWTConfig

	// CORS configuration
	CORS CORSConfig

	// Webhook admission configuration
	Webhook WebhookConfig

	// Fraud screen configuration
	Fraud FraudConfig

	// Audit configuration
	Audit AuditConfig
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	Port        string
	Environment string // development, staging, production
	LogLevel    string // debug, info, warn, error

	// TrustedProxies are the peers (IPs or CIDRs) whose X-Forwarded-For and
	// X-Real-IP headers are believed; empty trusts none
	TrustedProxies []string
}

// DatabaseConfig holds database-related configuration
type DatabaseConfig struct {
	URL                string
	MaxConnections     int
	MaxIdleConnections int
	ConnMaxLifetime    time.Duration
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// JWTConfig holds JWT-related configuration
type JWTConfig struct {
	Secret            string
	AccessTokenExpiry time.Duration
}

// CORSConfig holds CORS-related configuration
type CORSConfig struct {
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
}

// GatewayConfig holds the shared secret and merchant code for one gateway
type GatewayConfig struct {
	SecretKey    string // HMAC secret (SECRET - never log or echo)
	MerchantCode string // optional; checked against the payload when set
}

// WebhookConfig holds the admission pipeline settings
type WebhookConfig struct {
	Esewa  GatewayConfig
	Khalti GatewayConfig

	StoreBackend         string // memory, redis or postgres
	FreshnessWindow      time.Duration
	MaxClockSkew         time.Duration
	ReplayRetention      time.Duration
	IdempotencyRetention time.Duration
	MemoryStoreMaxItems  int
	OrderLookupTimeout   time.Duration
	InProgressWait       time.Duration
	MaxBodyBytes         int64
}

// FraudConfig holds fraud screen settings
type FraudConfig struct {
	RulesFile      string // optional YAML file replacing the default rules
	LargeAmount    float64
	SuspiciousIPs  []string // addresses or CIDR ranges
	VelocityLimit  int
	VelocityWindow time.Duration
}

// AuditConfig holds audit sink and retention settings
type AuditConfig struct {
	Enabled       bool // persist audit events to Postgres
	BufferSize    int
	RetentionDays int
	SweepCron     string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists (for local development)
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	config := &Config{
		Server: ServerConfig{
			Port:           getEnv("PORT", "8080"),
			Environment:    getEnv("ENVIRONMENT", "development"),
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			TrustedProxies: getEnvAsSlice("TRUSTED_PROXIES", nil),
		},
		Database: DatabaseConfig{
			URL:                getEnv("DATABASE_URL", ""),
			MaxConnections:     getEnvAsInt("DATABASE_MAX_CONNECTIONS", 10),
			MaxIdleConnections: getEnvAsInt("DATABASE_MAX_IDLE_CONNECTIONS", 5),
			ConnMaxLifetime:    time.Duration(getEnvAsInt("DATABASE_CONN_MAX_LIFETIME", 300)) * time.Second,
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		JWT: JWTConfig{
			Secret:            getEnv("JWT_SECRET", ""),
			AccessTokenExpiry: time.Duration(getEnvAsInt("JWT_ACCESS_TOKEN_EXPIRY", 3600)) * time.Second,
		},
		CORS: CORSConfig{
			AllowedOrigins: getEnvAsSlice("CORS_ALLOWED_ORIGINS", []string{"*"}),
			AllowedMethods: getEnvAsSlice("CORS_ALLOWED_METHODS", []string{"GET", "POST", "OPTIONS"}),
			AllowedHeaders: getEnvAsSlice("CORS_ALLOWED_HEADERS", []string{"Content-Type", "Authorization"}),
		},
		Webhook: WebhookConfig{
			Esewa: GatewayConfig{
				SecretKey:    getEnv("ESEWA_SECRET_KEY", ""),
				MerchantCode: getEnv("ESEWA_MERCHANT_CODE", ""),
			},
			Khalti: GatewayConfig{
				SecretKey:    getEnv("KHALTI_SECRET_KEY", ""),
				MerchantCode: getEnv("KHALTI_MERCHANT_CODE", ""),
			},
			StoreBackend:         strings.ToLower(getEnv("STORE_BACKEND", StoreBackendMemory)),
			FreshnessWindow:      time.Duration(getEnvAsInt("FRESHNESS_WINDOW_SECONDS", 300)) * time.Second,
			MaxClockSkew:         time.Duration(getEnvAsInt("MAX_CLOCK_SKEW_SECONDS", 60)) * time.Second,
			ReplayRetention:      time.Duration(getEnvAsInt("REPLAY_RETENTION_HOURS", 24)) * time.Hour,
			IdempotencyRetention: time.Duration(getEnvAsInt("IDEMPOTENCY_RETENTION_HOURS", 24)) * time.Hour,
			MemoryStoreMaxItems:  getEnvAsInt("MEMORY_STORE_MAX_ENTRIES", 100000),
			OrderLookupTimeout:   time.Duration(getEnvAsInt("ORDER_LOOKUP_TIMEOUT_MS", 2000)) * time.Millisecond,
			InProgressWait:       time.Duration(getEnvAsInt("IN_PROGRESS_WAIT_MS", 2000)) * time.Millisecond,
			MaxBodyBytes:         int64(getEnvAsInt("MAX_BODY_BYTES", 64*1024)),
		},
		Fraud: FraudConfig{
			RulesFile:      getEnv("FRAUD_RULES_FILE", ""),
			LargeAmount:    getEnvAsFloat("FRAUD_LARGE_AMOUNT", 50000),
			SuspiciousIPs:  getEnvAsSlice("FRAUD_SUSPICIOUS_IPS", []string{"127.0.0.1", "0.0.0.0"}),
			VelocityLimit:  getEnvAsInt("FRAUD_VELOCITY_LIMIT", 10),
			VelocityWindow: time.Duration(getEnvAsInt("FRAUD_VELOCITY_WINDOW_SECONDS", 60)) * time.Second,
		},
		Audit: AuditConfig{
			Enabled:       getEnvAsBool("ENABLE_AUDIT_LOG", true),
			BufferSize:    getEnvAsInt("AUDIT_BUFFER_SIZE", 1024),
			RetentionDays: getEnvAsInt("AUDIT_RETENTION_DAYS", 90),
			SweepCron:     getEnv("SWEEP_CRON", "0 */15 * * * *"),
		},
	}

	// Validate required configuration
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.JWT.Secret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}

	if c.Webhook.Esewa.SecretKey == "" && c.Webhook.Khalti.SecretKey == "" {
		return fmt.Errorf("at least one of ESEWA_SECRET_KEY or KHALTI_SECRET_KEY is required")
	}

	switch c.Webhook.StoreBackend {
	case StoreBackendMemory, StoreBackendRedis, StoreBackendPostgres:
	default:
		return fmt.Errorf("invalid STORE_BACKEND: %s (must be 'memory', 'redis' or 'postgres')", c.Webhook.StoreBackend)
	}

	if c.Webhook.FreshnessWindow <= 0 {
		return fmt.Errorf("FRESHNESS_WINDOW_SECONDS must be positive")
	}

	// A replay record must outlive every timestamp that can still pass the freshness check
	if c.Webhook.ReplayRetention < c.Webhook.FreshnessWindow+c.Webhook.MaxClockSkew {
		return fmt.Errorf("REPLAY_RETENTION_HOURS must cover the freshness window")
	}

	if c.Webhook.IdempotencyRetention <= 0 {
		return fmt.Errorf("IDEMPOTENCY_RETENTION_HOURS must be positive")
	}

	if c.Webhook.MaxBodyBytes <= 0 {
		return fmt.Errorf("MAX_BODY_BYTES must be positive")
	}

	if c.Fraud.VelocityLimit <= 0 || c.Fraud.VelocityWindow <= 0 {
		return fmt.Errorf("FRAUD_VELOCITY_LIMIT and FRAUD_VELOCITY_WINDOW_SECONDS must be positive")
	}

	return nil
}

// IsProduction reports whether the service runs in production mode
func (c *Config) IsProduction() bool {
	return c.Server.Environment == "production"
}

// Helper functions to get environment variables

func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		log.Printf("Invalid integer value for %s, using default: %d", key, defaultValue)
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		log.Printf("Invalid float value for %s, using default: %g", key, defaultValue)
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		log.Printf("Invalid boolean value for %s, using default: %t", key, defaultValue)
		return defaultValue
	}
	return value
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var result []string
	for _, v := range strings.Split(valueStr, ",") {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	if len(result) == 0 {
		return defaultValue
	}
	return result
}
