package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"medicine-reminder/internal/models"

	"github.com/shopspring/decimal"
)

type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	Security    SecurityConfig
	Reminder    ReminderConfig
	Inventory   InventoryConfig
	Caregivers  CaregiverConfig
	SendGrid    SendGridConfig
	Maintenance MaintenanceConfig
	Log         LogConfig
}

type ServerConfig struct {
	Port        string
	Environment string
}

type DatabaseConfig struct {
	Driver string // "sqlite3" or "pgx"
	Path   string // sqlite file
	URL    string // postgres DSN
}

// DSN returns the data source name for the configured driver
func (d DatabaseConfig) DSN() string {
	if d.Driver == "pgx" {
		return d.URL
	}
	return d.Path
}

type SecurityConfig struct {
	JWTSecret         string
	BotToken          string
	SessionDuration   time.Duration
	RateLimitRequests int
	RateLimitWindow   time.Duration
	LoginRateLimit    int
	LoginRateWindow   time.Duration
	HSTSEnabled       bool
}

type ReminderConfig struct {
	SnoozeDelay          time.Duration
	MaxAttempts          int
	DayCutoff            models.TimeOfDay
	DefaultTimezone      string
	LookAhead            time.Duration
	HorizonInterval      time.Duration
	DispatchWorkers      int
	PersistenceRetryBase time.Duration
	PersistenceRetryMax  time.Duration
}

type InventoryConfig struct {
	DefaultLowStockThreshold decimal.Decimal
}

type CaregiverConfig struct {
	MaxPerUser int
}

type SendGridConfig struct {
	Enabled   bool
	APIKey    string
	FromName  string
	FromEmail string
}

// MaintenanceConfig drives caregiver daily summaries and outbox cleanup
type MaintenanceConfig struct {
	Interval              time.Duration
	SummaryHour           int // local hour after which yesterday's summary goes out
	NotificationRetention time.Duration
}

type LogConfig struct {
	Level  string
	Format string
}

// Load reads configuration from environment variables. Every value is parsed
// and range-checked here; all problems are reported together.
func Load() (*Config, error) {
	p := &parser{}

	cfg := &Config{
		Server: ServerConfig{
			Port:        getEnv("PORT", "8080"),
			Environment: getEnv("ENVIRONMENT", "development"),
		},
		Database: DatabaseConfig{
			Driver: getEnv("DATABASE_DRIVER", "sqlite3"),
			Path:   getEnv("DATABASE_PATH", "./data/reminders.db"),
			URL:    getEnv("DATABASE_URL", ""),
		},
		Security: SecurityConfig{
			JWTSecret:         getEnv("JWT_SECRET", ""),
			BotToken:          getEnv("BOT_API_TOKEN", ""),
			SessionDuration:   p.duration("SESSION_DURATION", "336h"),
			RateLimitRequests: p.int("RATE_LIMIT_REQUESTS", "100"),
			RateLimitWindow:   p.duration("RATE_LIMIT_WINDOW", "1m"),
			LoginRateLimit:    p.int("LOGIN_RATE_LIMIT", "5"),
			LoginRateWindow:   p.duration("LOGIN_RATE_WINDOW", "15m"),
			HSTSEnabled:       p.bool("HSTS_ENABLED", "true"),
		},
		Reminder: ReminderConfig{
			SnoozeDelay:          time.Duration(p.int("REMINDER_SNOOZE_MINUTES", "5")) * time.Minute,
			MaxAttempts:          p.int("MAX_REMINDER_ATTEMPTS", "3"),
			DayCutoff:            p.timeOfDay("DAY_CUTOFF", "23:59"),
			DefaultTimezone:      getEnv("DEFAULT_TIMEZONE", "UTC"),
			LookAhead:            p.duration("LOOKAHEAD", "48h"),
			HorizonInterval:      p.duration("HORIZON_INTERVAL", "1h"),
			DispatchWorkers:      p.int("DISPATCH_WORKERS", "8"),
			PersistenceRetryBase: p.duration("PERSISTENCE_RETRY_BASE", "1s"),
			PersistenceRetryMax:  p.duration("PERSISTENCE_RETRY_MAX", "1m"),
		},
		Inventory: InventoryConfig{
			DefaultLowStockThreshold: p.decimal("DEFAULT_LOW_STOCK_THRESHOLD", "5"),
		},
		Caregivers: CaregiverConfig{
			MaxPerUser: p.int("MAX_CAREGIVERS_PER_USER", "5"),
		},
		SendGrid: SendGridConfig{
			Enabled:   p.bool("SENDGRID_ENABLED", "false"),
			APIKey:    getEnv("SENDGRID_API_KEY", ""),
			FromName:  getEnv("SENDGRID_FROM_NAME", "Medicine Reminder"),
			FromEmail: getEnv("SENDGRID_FROM_EMAIL", ""),
		},
		Maintenance: MaintenanceConfig{
			Interval:              p.duration("MAINTENANCE_INTERVAL", "15m"),
			SummaryHour:           p.int("DAILY_SUMMARY_HOUR", "8"),
			NotificationRetention: p.duration("NOTIFICATION_RETENTION", "720h"),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "text"),
		},
	}

	cfg.validate(p)
	if len(p.problems) > 0 {
		return nil, &ConfigError{Problems: p.problems}
	}

	return cfg, nil
}

func (cfg *Config) validate(p *parser) {
	if cfg.Security.JWTSecret == "" {
		p.add("JWT_SECRET environment variable is required")
	}
	if cfg.Security.BotToken == "" {
		p.add("BOT_API_TOKEN environment variable is required")
	}

	switch cfg.Database.Driver {
	case "sqlite3":
	case "pgx":
		if cfg.Database.URL == "" {
			p.add("DATABASE_URL is required when DATABASE_DRIVER=pgx")
		}
	default:
		p.add(fmt.Sprintf("DATABASE_DRIVER must be sqlite3 or pgx, got %q", cfg.Database.Driver))
	}

	r := cfg.Reminder
	if r.SnoozeDelay <= 0 {
		p.add("REMINDER_SNOOZE_MINUTES must be positive")
	}
	if r.MaxAttempts < 1 {
		p.add("MAX_REMINDER_ATTEMPTS must be positive")
	}
	if _, err := time.LoadLocation(r.DefaultTimezone); err != nil {
		p.add(fmt.Sprintf("DEFAULT_TIMEZONE %q is not a known timezone", r.DefaultTimezone))
	}
	if r.LookAhead < 24*time.Hour {
		p.add("LOOKAHEAD must be at least 24h")
	}
	if r.HorizonInterval <= 0 || r.HorizonInterval > r.LookAhead {
		p.add("HORIZON_INTERVAL must be positive and not longer than LOOKAHEAD")
	}
	if r.DispatchWorkers < 1 {
		p.add("DISPATCH_WORKERS must be positive")
	}
	if r.PersistenceRetryBase <= 0 || r.PersistenceRetryMax < r.PersistenceRetryBase {
		p.add("PERSISTENCE_RETRY_BASE must be positive and not above PERSISTENCE_RETRY_MAX")
	}

	if cfg.Inventory.DefaultLowStockThreshold.IsNegative() {
		p.add("DEFAULT_LOW_STOCK_THRESHOLD must not be negative")
	}
	if cfg.Caregivers.MaxPerUser < 1 {
		p.add("MAX_CAREGIVERS_PER_USER must be positive")
	}

	m := cfg.Maintenance
	if m.Interval <= 0 || m.Interval > time.Hour {
		p.add("MAINTENANCE_INTERVAL must be positive and at most 1h")
	}
	if m.SummaryHour < 0 || m.SummaryHour > 23 {
		p.add("DAILY_SUMMARY_HOUR must be between 0 and 23")
	}
	if m.NotificationRetention < 24*time.Hour {
		p.add("NOTIFICATION_RETENTION must be at least 24h")
	}

	if cfg.SendGrid.Enabled && (cfg.SendGrid.APIKey == "" || cfg.SendGrid.FromEmail == "") {
		p.add("SENDGRID_API_KEY and SENDGRID_FROM_EMAIL are required when SENDGRID_ENABLED=true")
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parser reads typed values and remembers every failure
type parser struct {
	problems []string
}

func (p *parser) add(msg string) {
	p.problems = append(p.problems, msg)
}

func (p *parser) int(key, def string) int {
	v, err := strconv.Atoi(getEnv(key, def))
	if err != nil {
		p.add(fmt.Sprintf("%s must be an integer", key))
	}
	return v
}

func (p *parser) bool(key, def string) bool {
	v, err := strconv.ParseBool(getEnv(key, def))
	if err != nil {
		p.add(fmt.Sprintf("%s must be true or false", key))
	}
	return v
}

func (p *parser) duration(key, def string) time.Duration {
	v, err := time.ParseDuration(getEnv(key, def))
	if err != nil {
		p.add(fmt.Sprintf("%s must be a duration such as 30s or 5m", key))
	}
	return v
}

func (p *parser) timeOfDay(key, def string) models.TimeOfDay {
	v, err := models.ParseTimeOfDay(getEnv(key, def))
	if err != nil {
		p.add(fmt.Sprintf("%s: %v", key, err))
	}
	return v
}

func (p *parser) decimal(key, def string) decimal.Decimal {
	v, err := decimal.NewFromString(getEnv(key, def))
	if err != nil {
		p.add(fmt.Sprintf("%s must be a number", key))
	}
	return v
}

type ConfigError struct {
	Problems []string
}

func (e *ConfigError) Error() string {
	return "invalid configuration:\n- " + strings.Join(e.Problems, "\n- ")
}
