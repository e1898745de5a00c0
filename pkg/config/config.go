// Package config loads runtime configuration: process settings from the
// environment, and the operational tables (rule packs, freshness policy,
// provider catalog, risk weights) from YAML files. Loaded tables are held
// in versioned immutable snapshots that reload atomically, so in-flight
// investigations always see one consistent view.
package config

import "os"

// Config holds process-level settings read from the environment.
type Config struct {
	Port         string
	LogLevel     string
	DatabaseURL  string
	RedisAddr    string
	DataDir      string
	ConfigDir    string
	OTLPEndpoint string
	Environment  string
}

// Load reads configuration from environment variables, applying defaults
// for anything unset.
func Load() *Config {
	return &Config{
		Port:         getenv("PORT", "8080"),
		LogLevel:     getenv("LOG_LEVEL", "INFO"),
		DatabaseURL:  getenv("DATABASE_URL", "postgres://scrutiny@localhost:5432/scrutiny?sslmode=disable"),
		RedisAddr:    getenv("REDIS_ADDR", "localhost:6379"),
		DataDir:      getenv("DATA_DIR", "data"),
		ConfigDir:    getenv("CONFIG_DIR", "configs"),
		OTLPEndpoint: getenv("OTLP_ENDPOINT", ""),
		Environment:  getenv("ENVIRONMENT", "development"),
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
