// Package config loads process configuration from the environment and an
// optional .env file.
package config

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/spf13/viper"

	"github.com/carehome/medround/internal/schedule"
)

// Ledger backends
const (
	LedgerPostgres = "postgres"
	LedgerRedis    = "redis"
	LedgerNone     = "none"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	LogLevel    string `mapstructure:"LOG_LEVEL"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	RedisURL    string `mapstructure:"REDIS_URL"`

	LedgerBackend string        `mapstructure:"LEDGER_BACKEND"`
	LedgerTTL     time.Duration `mapstructure:"LEDGER_TTL"`

	KafkaBrokers []string `mapstructure:"KAFKA_BROKERS"`

	FacilityTimezone string `mapstructure:"FACILITY_TIMEZONE"`
	DayShiftStart    string `mapstructure:"DAY_SHIFT_START"`
	NightShiftStart  string `mapstructure:"NIGHT_SHIFT_START"`

	GenerationCron       string        `mapstructure:"GENERATION_CRON"`
	CronTimezone         string        `mapstructure:"CRON_TIMEZONE"`
	GenerationWorkers    int           `mapstructure:"GENERATION_WORKERS"`
	GenerationMaxRetries int           `mapstructure:"GENERATION_MAX_RETRIES"`
	GenerationRetryDelay time.Duration `mapstructure:"GENERATION_RETRY_DELAY"`

	APIKeys        []string `mapstructure:"API_KEYS"`
	OTLPEndpoint   string   `mapstructure:"OTLP_ENDPOINT"`
	TracingEnabled bool     `mapstructure:"TRACING_ENABLED"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "DATABASE_URL", "DB_MAX_CONNS", "REDIS_URL",
	"LEDGER_BACKEND", "LEDGER_TTL", "KAFKA_BROKERS",
	"FACILITY_TIMEZONE", "DAY_SHIFT_START", "NIGHT_SHIFT_START",
	"GENERATION_CRON", "CRON_TIMEZONE", "GENERATION_WORKERS",
	"GENERATION_MAX_RETRIES", "GENERATION_RETRY_DELAY",
	"API_KEYS", "OTLP_ENDPOINT", "TRACING_ENABLED",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "production")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("LEDGER_BACKEND", LedgerPostgres)
	v.SetDefault("LEDGER_TTL", "72h")
	v.SetDefault("KAFKA_BROKERS", "localhost:9092")
	v.SetDefault("FACILITY_TIMEZONE", "Europe/London")
	v.SetDefault("DAY_SHIFT_START", "08:00")
	v.SetDefault("NIGHT_SHIFT_START", "20:00")
	v.SetDefault("GENERATION_CRON", "0 11 * * *")
	v.SetDefault("CRON_TIMEZONE", "UTC")
	v.SetDefault("GENERATION_WORKERS", 8)
	v.SetDefault("GENERATION_MAX_RETRIES", 3)
	v.SetDefault("GENERATION_RETRY_DELAY", "200ms")
	v.SetDefault("OTLP_ENDPOINT", "localhost:4317")
	v.SetDefault("TRACING_ENABLED", false)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.KafkaBrokers = splitList(v.GetString("KAFKA_BROKERS"))
	cfg.APIKeys = splitList(v.GetString("API_KEYS"))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate reports the first configuration problem found
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	switch c.LedgerBackend {
	case LedgerPostgres, LedgerNone:
	case LedgerRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when LEDGER_BACKEND=redis")
		}
	default:
		return fmt.Errorf("LEDGER_BACKEND must be one of postgres, redis, none: got %q", c.LedgerBackend)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if _, err := time.LoadLocation(c.CronTimezone); err != nil {
		return fmt.Errorf("invalid CRON_TIMEZONE %q: %w", c.CronTimezone, err)
	}
	if _, err := c.Shifts(); err != nil {
		return err
	}
	if c.GenerationWorkers <= 0 {
		return fmt.Errorf("GENERATION_WORKERS must be positive")
	}
	if c.GenerationMaxRetries < 0 {
		return fmt.Errorf("GENERATION_MAX_RETRIES must not be negative")
	}
	return nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Location returns the facility time zone
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.FacilityTimezone)
	if err != nil {
		return nil, fmt.Errorf("invalid FACILITY_TIMEZONE %q: %w", c.FacilityTimezone, err)
	}
	return loc, nil
}

// Shifts returns the configured shift boundaries
func (c *Config) Shifts() (schedule.ShiftConfig, error) {
	day, err := schedule.ParseClockTime(c.DayShiftStart)
	if err != nil {
		return schedule.ShiftConfig{}, fmt.Errorf("DAY_SHIFT_START: %w", err)
	}
	night, err := schedule.ParseClockTime(c.NightShiftStart)
	if err != nil {
		return schedule.ShiftConfig{}, fmt.Errorf("NIGHT_SHIFT_START: %w", err)
	}
	sc := schedule.ShiftConfig{DayStart: day, NightStart: night}
	if err := sc.Validate(); err != nil {
		return schedule.ShiftConfig{}, err
	}
	return sc, nil
}
