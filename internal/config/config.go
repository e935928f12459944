package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds all configuration for the server
type Config struct {
	// Server
	Port        string
	Environment string

	// Database
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string

	// Database pool settings
	DBPoolMinSize int32
	DBPoolMaxSize int32

	// Redis
	RedisURL string

	// MinIO (object storage, used to spill oversized queued-envelope ciphertext)
	MinIOEndpoint  string
	MinIOAccessKey string
	MinIOSecretKey string
	MinIOBucket    string
	MinIOUseSSL    bool

	// Security
	SecretKey      []byte
	AllowedOrigins []string // CORS allowed origins (empty = allow all in dev)

	// TURN relay configuration, passed through to clients verbatim
	TURNUsername string
	TURNPassword string
	TURNHost     string
	TURNPort     int
	TURNTLSPort  int

	// Push notifications (wake-only, never carries plaintext)
	APNsKeyPath    string
	APNsKeyID      string
	APNsTeamID     string
	APNsBundleID   string
	APNsProduction bool

	// Observability
	MetricsEnabled bool
}

// DatabaseURL builds a pgx connection string from the discrete DB_* settings.
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName)
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENVIRONMENT", "development"),

		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "privrelay"),
		DBPassword: getEnv("DB_PASSWORD", ""),
		DBName:     getEnv("DB_NAME", "privrelay"),

		DBPoolMinSize: int32(getEnvInt("DB_POOL_MIN_SIZE", 5)),
		DBPoolMaxSize: int32(getEnvInt("DB_POOL_MAX_SIZE", 20)),

		RedisURL: getEnv("REDIS_URL", "redis://localhost:6379"),

		MinIOEndpoint:  getEnv("MINIO_ENDPOINT", ""),
		MinIOAccessKey: getEnv("MINIO_ACCESS_KEY", ""),
		MinIOSecretKey: getEnv("MINIO_SECRET_KEY", ""),
		MinIOBucket:    getEnv("MINIO_BUCKET", "privrelay-envelopes"),
		MinIOUseSSL:    getEnv("MINIO_USE_SSL", "false") == "true",

		TURNUsername: getEnv("TURN_USERNAME", "turnuser"),
		TURNPassword: getEnv("TURN_PASSWORD", "turnpassword"),
		TURNHost:     getEnv("TURN_HOST", "turn.yourdomain.com"),
		TURNPort:     getEnvInt("TURN_PORT", 3478),
		TURNTLSPort:  getEnvInt("TURN_TLS_PORT", 5349),

		APNsKeyPath:    getEnv("APNS_KEY_PATH", ""),
		APNsKeyID:      getEnv("APNS_KEY_ID", ""),
		APNsTeamID:     getEnv("APNS_TEAM_ID", ""),
		APNsBundleID:   getEnv("APNS_BUNDLE_ID", "com.privrelay.app"),
		APNsProduction: getEnv("APNS_PRODUCTION", "false") == "true",

		MetricsEnabled: getEnv("METRICS_ENABLED", "true") == "true",
	}

	// SECRET_KEY is required in every environment - it signs bearer tokens.
	secretKey := os.Getenv("SECRET_KEY")
	if secretKey == "" {
		return nil, fmt.Errorf("SECRET_KEY environment variable is required")
	}
	if len(secretKey) < 32 {
		return nil, fmt.Errorf("SECRET_KEY must be at least 32 characters")
	}
	cfg.SecretKey = []byte(secretKey)

	if cfg.Environment == "production" && cfg.TURNPassword == "turnpassword" {
		return nil, fmt.Errorf("TURN_PASSWORD must be set in production environment")
	}

	corsOrigins := getEnv("CORS_ORIGINS", "")
	if corsOrigins != "" {
		cfg.AllowedOrigins = strings.Split(corsOrigins, ",")
		for i, origin := range cfg.AllowedOrigins {
			cfg.AllowedOrigins[i] = strings.TrimSpace(origin)
		}
	} else if cfg.Environment == "production" {
		return nil, fmt.Errorf("CORS_ORIGINS is required in production (comma-separated list)")
	}
	// Empty AllowedOrigins in development = allow all (handled by middleware)

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}
