package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port            string
	Env             string
	MaxBodyBytes    int64
	ShutdownTimeout time.Duration
}

// Load reads the HTTP surface settings. Engine settings are loaded separately by the
// worker config package.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Port:            getEnv("SERVICE_PORT", "8081"),
		Env:             getEnv("ENV", "development"),
		MaxBodyBytes:    getEnvAsInt64("MAX_BODY_BYTES", 1<<20),
		ShutdownTimeout: getEnvAsDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
	}
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
