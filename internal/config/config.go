package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application
type Config struct {
	// App holds application-level settings and feature flags
	App AppConfig

	// Database Configuration
	Database DatabaseConfig

	// Redis Configuration (asynq queues + TTL cache)
	Redis RedisConfig

	// Auth holds session/JWT settings
	Auth AuthConfig

	// Billing holds the payment provider credentials
	Billing BillingConfig

	// Bling holds the ERP OAuth credentials
	Bling BlingConfig

	// Mailer holds the transactional email provider credentials
	Mailer MailerConfig

	// AI holds the text-generation provider credentials (optional)
	AI AIConfig

	// Logging Configuration
	Logging LoggingConfig
}

// AppConfig holds application-level settings
type AppConfig struct {
	BaseURL        string // Public base URL, used to build redirect/callback links
	ListenAddr     string // HTTP listen address
	HomeEnabled    bool   // Feature flag: serve the home page (disabled -> redirect to login)
	SignupsEnabled bool   // Feature flag: accept new signups
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	URL string
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Address string // Redis address (host:port)
}

// AuthConfig holds session/JWT settings
type AuthConfig struct {
	JWTSecret      string
	SessionHours   int // Session token lifetime in hours
	PendingMinutes int // Lifetime in minutes for a 2FA-pending session token
}

// BillingConfig holds payment provider credentials
type BillingConfig struct {
	APIURL        string
	SecretKey     string
	WebhookSecret string
	PriceIDPro    string // Price identifier for the PRO plan
}

// BlingConfig holds Bling ERP OAuth credentials
type BlingConfig struct {
	APIURL       string
	ClientID     string
	ClientSecret string
}

// MailerConfig holds email provider credentials
type MailerConfig struct {
	APIURL      string
	APIKey      string
	FromAddress string
}

// AIConfig holds text-generation provider credentials
type AIConfig struct {
	APIURL string
	APIKey string
	Model  string
}

// LoggingConfig holds logging-related configuration
type LoggingConfig struct {
	Level  string
	Format string // json, console
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env files (fails silently if files don't exist)
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	return &Config{
		App: AppConfig{
			BaseURL:        getEnv("APP_BASE_URL", "http://localhost:8080"),
			ListenAddr:     getEnv("LISTEN_ADDR", ":8080"),
			HomeEnabled:    getEnvBool("HOME_PAGE_ENABLED", true),
			SignupsEnabled: getEnvBool("SIGNUPS_ENABLED", true),
		},
		Database: DatabaseConfig{
			URL: getEnv("DATABASE_URL", "nexus.sqlite"),
		},
		Redis: RedisConfig{
			Address: getEnv("REDIS_ADDRESS", "localhost:6379"),
		},
		Auth: AuthConfig{
			JWTSecret:      os.Getenv("JWT_SECRET"),
			SessionHours:   getEnvInt("SESSION_HOURS", 24),
			PendingMinutes: getEnvInt("PENDING_2FA_MINUTES", 10),
		},
		Billing: BillingConfig{
			APIURL:        getEnv("BILLING_API_URL", "https://api.stripe.com/v1"),
			SecretKey:     os.Getenv("BILLING_SECRET_KEY"),
			WebhookSecret: os.Getenv("BILLING_WEBHOOK_SECRET"),
			PriceIDPro:    os.Getenv("BILLING_PRICE_PRO"),
		},
		Bling: BlingConfig{
			APIURL:       getEnv("BLING_API_URL", "https://api.bling.com.br/Api/v3"),
			ClientID:     os.Getenv("BLING_CLIENT_ID"),
			ClientSecret: os.Getenv("BLING_CLIENT_SECRET"),
		},
		Mailer: MailerConfig{
			APIURL:      getEnv("MAILER_API_URL", "https://api.resend.com"),
			APIKey:      os.Getenv("MAILER_API_KEY"),
			FromAddress: getEnv("MAILER_FROM", "Nexus OS <no-reply@nexusos.app>"),
		},
		AI: AIConfig{
			APIURL: getEnv("AI_API_URL", "https://api.openai.com/v1"),
			APIKey: os.Getenv("AI_API_KEY"),
			Model:  getEnv("AI_MODEL", "gpt-4o-mini"),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return parsed
}
