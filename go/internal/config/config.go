// Package config reads process settings from the environment, with an optional .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Backend modes.
const (
	BackendRPC      = "rpc"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

var ErrInvalidConfig = errors.New("invalid config")

// DatabaseConfig holds Postgres connection settings.
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// DSN returns the Postgres connection URL.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode,
	)
}

type Config struct {
	ScreenNumber  int
	HTTPPort      string
	NATSURL       string
	BackendMode   string
	BackendURL    string
	BackendPort   string
	SeedScreens   int
	Database      DatabaseConfig
	NotifyChannel string
	HistoryPath   string
	WatchdogFile  string
	JoinBaseURL   string
	LogLevel      string
}

// Load reads .env (if present) and the environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Msg("could not load .env file")
	}
	return FromEnv()
}

// FromEnv reads the environment without touching .env.
func FromEnv() (Config, error) {
	cfg := Config{
		ScreenNumber: getEnvAsInt("SCREEN_NUMBER", 1),
		HTTPPort:     getEnv("HTTP_PORT", "8080"),
		NATSURL:      getEnv("NATS_URL", "nats://localhost:4222"),
		BackendMode:  strings.ToLower(getEnv("BACKEND_MODE", BackendRPC)),
		BackendURL:   getEnv("BACKEND_URL", "http://localhost:8090"),
		BackendPort:  getEnv("BACKEND_PORT", "8090"),
		SeedScreens:  getEnvAsInt("SEED_SCREENS", 4),
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			Database: getEnv("DB_NAME", "spinwheel"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		NotifyChannel: getEnv("DB_NOTIFY_CHANNEL", "realtime_changes"),
		HistoryPath:   getEnv("HISTORY_PATH", "spin_history.db"),
		WatchdogFile:  os.Getenv("WATCHDOG_FILE"),
		JoinBaseURL:   getEnv("JOIN_BASE_URL", "http://localhost:3000/join"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	switch c.BackendMode {
	case BackendRPC, BackendPostgres, BackendMemory:
	default:
		return fmt.Errorf("%w: BACKEND_MODE %q (want rpc, postgres or memory)", ErrInvalidConfig, c.BackendMode)
	}
	if c.ScreenNumber <= 0 {
		return fmt.Errorf("%w: SCREEN_NUMBER must be positive, got %d", ErrInvalidConfig, c.ScreenNumber)
	}
	return nil
}

// JoinURL is the address encoded in a screen's join QR code.
func (c Config) JoinURL(screen int) string {
	return fmt.Sprintf("%s?screen=%d", strings.TrimRight(c.JoinBaseURL, "/"), screen)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
		log.Warn().Str("key", key).Str("value", value).Msg("ignoring non-integer value")
	}
	return defaultValue
}
