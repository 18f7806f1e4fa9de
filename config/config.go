// Package config provides configuration for the object server and the
// client tools.
package config

import (
	"os"
	"strconv"
	"time"
)

// ServerConfig holds object server configuration.
type ServerConfig struct {
	// Listen is the address to listen on (e.g., ":3000").
	Listen string
	// DataDir is the directory holding the object database.
	DataDir string
	// MaxBatchSize is the maximum accepted upload body in bytes.
	MaxBatchSize int64
	// AuthSecret is the HMAC secret for bearer tokens. Empty disables auth.
	AuthSecret string
	// Version is the server version string.
	Version string
	// Debug enables debug logging.
	Debug bool
	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration
}

// FromEnv creates a ServerConfig from environment variables.
func FromEnv() *ServerConfig {
	return &ServerConfig{
		Listen:          getEnv("SPECKLE_LISTEN", ":3000"),
		DataDir:         getEnv("SPECKLE_DATA", "./data"),
		MaxBatchSize:    getEnvInt64("SPECKLE_MAX_BATCH_SIZE", 100*1024*1024), // 100MB default
		AuthSecret:      getEnv("SPECKLE_AUTH_SECRET", ""),
		Version:         getEnv("SPECKLE_VERSION", "0.1.0"),
		Debug:           getEnvBool("SPECKLE_DEBUG", false),
		ShutdownTimeout: getEnvDuration("SPECKLE_SHUTDOWN_TIMEOUT", 10*time.Second),
	}
}

// FromArgs creates a ServerConfig from explicit values, with env fallbacks.
func FromArgs(listen, dataDir string) *ServerConfig {
	cfg := FromEnv()
	if listen != "" {
		cfg.Listen = listen
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	return cfg
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt64(key string, defaultVal int64) int64 {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.ParseInt(val, 10, 64); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
