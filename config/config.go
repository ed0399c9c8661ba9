// Package config loads runtime settings from the environment and an
// optional .env file, and builds the process logger.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/warp/varpay/payroll"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Config struct {
	Addr               string
	Environment        string
	LogLevel           string
	DBDriver           string
	SQLitePath         string
	DatabaseURL        string
	GenerationWorkers  int
	InactivePolicy     payroll.InactivePolicy
	OfficeRoles        []payroll.RoleID
	SchedulerEnabled   bool
	SchedulerSpec      string
	CORSAllowedOrigins []string
	SeedFile           string
	ShutdownTimeout    time.Duration
}

// Load reads envFile when present (missing files are ignored) and then the
// process environment. Variables already set win over the file.
func Load(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	policy, err := payroll.ParseInactivePolicy(getEnv("INACTIVE_EMPLOYEE_POLICY", string(payroll.InactiveSkip)))
	if err != nil {
		return Config{}, err
	}

	var officeRoles []payroll.RoleID
	for _, r := range getEnvList("OFFICE_ROLES", []string{"OFFICE", "ADMIN"}) {
		officeRoles = append(officeRoles, payroll.RoleID(strings.ToUpper(r)))
	}

	cfg := Config{
		Addr:               getEnv("APP_ADDR", ":8080"),
		Environment:        getEnv("APP_ENV", "development"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		DBDriver:           strings.ToLower(getEnv("DB_DRIVER", DriverSQLite)),
		SQLitePath:         getEnv("SQLITE_PATH", "./data/varpay.db"),
		DatabaseURL:        getEnv("DATABASE_URL", ""),
		GenerationWorkers:  getEnvInt("GENERATION_WORKERS", 4),
		InactivePolicy:     policy,
		OfficeRoles:        officeRoles,
		SchedulerEnabled:   getEnvBool("SCHEDULER_ENABLED", false),
		SchedulerSpec:      getEnv("SCHEDULER_SPEC", "0 2 1 * *"),
		CORSAllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		SeedFile:           getEnv("SEED_FILE", ""),
		ShutdownTimeout:    getEnvDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	switch c.DBDriver {
	case DriverSQLite:
		if strings.TrimSpace(c.SQLitePath) == "" {
			return fmt.Errorf("SQLITE_PATH is required for the sqlite driver")
		}
	case DriverPostgres:
		if strings.TrimSpace(c.DatabaseURL) == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres driver")
		}
	default:
		return fmt.Errorf("DB_DRIVER must be %q or %q, got %q", DriverSQLite, DriverPostgres, c.DBDriver)
	}
	if c.GenerationWorkers < 1 {
		return fmt.Errorf("GENERATION_WORKERS must be at least 1")
	}
	if c.SchedulerEnabled && strings.TrimSpace(c.SchedulerSpec) == "" {
		return fmt.Errorf("SCHEDULER_SPEC is required when the scheduler is enabled")
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return nil
}

func (c Config) IsProduction() bool { return c.Environment == "production" }

// NewLogger builds a JSON production logger in production and a console
// development logger elsewhere.
func NewLogger(level, env string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewDevelopmentConfig()
	if env == "production" {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

// getEnvList splits a comma-separated value, dropping blanks.
func getEnvList(key string, fallback []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
