// Package config provides application configuration loading and management.
package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds application configuration values loaded from file or environment variables.
type Config struct {
	Port           string `mapstructure:"PORT"`
	Env            string `mapstructure:"APP_ENV"`
	JWTSecret      string `mapstructure:"JWT_SECRET"`
	AllowedOrigins string `mapstructure:"ALLOWED_ORIGINS"`

	DBDriver   string `mapstructure:"DB_DRIVER"`
	DBHost     string `mapstructure:"DB_HOST"`
	DBPort     string `mapstructure:"DB_PORT"`
	DBUser     string `mapstructure:"DB_USER"`
	DBPassword string `mapstructure:"DB_PASSWORD"`
	DBName     string `mapstructure:"DB_NAME"`
	DBSSLMode  string `mapstructure:"DB_SSLMODE"`
	// DBPath is only used by the sqlite driver.
	DBPath string `mapstructure:"DB_PATH"`

	RedisURL string `mapstructure:"REDIS_URL"`

	PresencePollInterval time.Duration `mapstructure:"PRESENCE_POLL_INTERVAL"`
	PresenceStaleAfter   time.Duration `mapstructure:"PRESENCE_STALE_AFTER"`
	PresencePushRate     time.Duration `mapstructure:"PRESENCE_PUSH_RATE"`

	BackendCallTimeout   time.Duration `mapstructure:"BACKEND_CALL_TIMEOUT"`
	RetryMaxAttempts     uint          `mapstructure:"RETRY_MAX_ATTEMPTS"`
	RetryInitialInterval time.Duration `mapstructure:"RETRY_INITIAL_INTERVAL"`
	RetryMaxInterval     time.Duration `mapstructure:"RETRY_MAX_INTERVAL"`

	HistoryPageSize          int           `mapstructure:"HISTORY_PAGE_SIZE"`
	ReuseDirectConversations bool          `mapstructure:"REUSE_DIRECT_CONVERSATIONS"`
	SessionIdleTimeout       time.Duration `mapstructure:"SESSION_IDLE_TIMEOUT"`

	NotificationQueueSize int           `mapstructure:"NOTIFICATION_QUEUE_SIZE"`
	NotificationTimeout   time.Duration `mapstructure:"NOTIFICATION_TIMEOUT"`

	BlobDir         string `mapstructure:"BLOB_DIR"`
	BlobBaseURL     string `mapstructure:"BLOB_BASE_URL"`
	BlobMaxUploadMB int    `mapstructure:"BLOB_MAX_UPLOAD_MB"`

	TracingEnabled  bool    `mapstructure:"TRACING_ENABLED"`
	TracingExporter string  `mapstructure:"TRACING_EXPORTER"`
	OTLPEndpoint    string  `mapstructure:"OTLP_ENDPOINT"`
	TracingSampler  float64 `mapstructure:"TRACING_SAMPLER_RATIO"`
}

// LoadConfig loads application configuration from .env, config files and environment variables.
func LoadConfig() (*Config, error) {
	// A missing .env is the normal case outside local development.
	_ = godotenv.Load()

	v := viper.New()
	v.AddConfigPath(".")
	v.AddConfigPath("..")
	v.AddConfigPath("../..")
	v.SetConfigName("config")
	v.SetConfigType("yml")
	v.AutomaticEnv()

	// The base config file is optional.
	_ = v.ReadInConfig()

	env := v.GetString("APP_ENV")
	if env == "" {
		env = "development"
	}

	if env != "development" {
		v.SetConfigName("config." + env)
		if err := v.MergeInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) || env == "production" {
				return nil, fmt.Errorf("required profile-specific config 'config.%s.yml' not found: %w", env, err)
			}
		} else {
			log.Printf("Loaded profile-specific configuration: config.%s.yml", env)
		}
	}

	setDefaults(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", "8375")
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("JWT_SECRET", "your-secret-key-change-in-production")
	v.SetDefault("ALLOWED_ORIGINS", "http://localhost:5173,http://localhost:3000")

	v.SetDefault("DB_DRIVER", "postgres")
	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", "5432")
	v.SetDefault("DB_USER", "user")
	v.SetDefault("DB_PASSWORD", "password")
	v.SetDefault("DB_NAME", "agrolink")
	v.SetDefault("DB_SSLMODE", "disable")
	v.SetDefault("DB_PATH", "agrolink.db")

	v.SetDefault("REDIS_URL", "localhost:6379")

	v.SetDefault("PRESENCE_POLL_INTERVAL", "10s")
	v.SetDefault("PRESENCE_STALE_AFTER", "10s")
	v.SetDefault("PRESENCE_PUSH_RATE", "2s")

	v.SetDefault("BACKEND_CALL_TIMEOUT", "5s")
	v.SetDefault("RETRY_MAX_ATTEMPTS", 3)
	v.SetDefault("RETRY_INITIAL_INTERVAL", "200ms")
	v.SetDefault("RETRY_MAX_INTERVAL", "2s")

	v.SetDefault("HISTORY_PAGE_SIZE", 50)
	v.SetDefault("REUSE_DIRECT_CONVERSATIONS", true)
	v.SetDefault("SESSION_IDLE_TIMEOUT", "2m")

	v.SetDefault("NOTIFICATION_QUEUE_SIZE", 256)
	v.SetDefault("NOTIFICATION_TIMEOUT", "3s")

	v.SetDefault("BLOB_DIR", "/tmp/agrolink/uploads")
	v.SetDefault("BLOB_BASE_URL", "http://localhost:8375/files")
	v.SetDefault("BLOB_MAX_UPLOAD_MB", 10)

	v.SetDefault("TRACING_ENABLED", false)
	v.SetDefault("TRACING_EXPORTER", "stdout")
	v.SetDefault("OTLP_ENDPOINT", "localhost:4318")
	v.SetDefault("TRACING_SAMPLER_RATIO", 1.0)
}

// IsProduction reports whether the config targets a production environment.
func (c *Config) IsProduction() bool {
	return c.Env == "production" || c.Env == "prod"
}

// Origins returns ALLOWED_ORIGINS as a trimmed list.
func (c *Config) Origins() []string {
	var out []string
	for _, o := range strings.Split(c.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// PresenceHeartbeatInterval is how often a visible user re-announces itself:
// half of the shorter of the poll interval and the stale window, so at least
// one heartbeat always lands inside every stale window.
func (c *Config) PresenceHeartbeatInterval() time.Duration {
	return min(c.PresencePollInterval, c.PresenceStaleAfter) / 2
}

// Validate ensures that required configuration values are present and meet security standards.
func (c *Config) Validate() error {
	if c.Port == "" {
		return errors.New("PORT is required")
	}
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	switch c.DBDriver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("DB_DRIVER must be postgres or sqlite, got %q", c.DBDriver)
	}
	if c.PresencePollInterval <= 0 {
		return errors.New("PRESENCE_POLL_INTERVAL must be positive")
	}
	if c.PresenceStaleAfter < c.PresencePollInterval {
		return errors.New("PRESENCE_STALE_AFTER must not be shorter than PRESENCE_POLL_INTERVAL")
	}
	if c.BackendCallTimeout <= 0 {
		return errors.New("BACKEND_CALL_TIMEOUT must be positive")
	}
	if c.RetryMaxAttempts == 0 {
		return errors.New("RETRY_MAX_ATTEMPTS must be at least 1")
	}
	if c.HistoryPageSize <= 0 {
		return errors.New("HISTORY_PAGE_SIZE must be positive")
	}
	if c.NotificationQueueSize <= 0 {
		return errors.New("NOTIFICATION_QUEUE_SIZE must be positive")
	}

	if c.IsProduction() {
		if c.JWTSecret == "your-secret-key-change-in-production" {
			return errors.New("JWT_SECRET must be changed from the default value in production")
		}
		if len(c.JWTSecret) < 32 {
			return errors.New("JWT_SECRET must be at least 32 characters in production")
		}
		if c.DBDriver == "postgres" && (c.DBPassword == "password" || c.DBPassword == "") {
			return errors.New("a strong DB_PASSWORD is required in production")
		}
		if c.DBSSLMode == "disable" || c.DBSSLMode == "" {
			log.Println("WARNING: DB_SSLMODE is 'disable' in production. It is highly recommended to use SSL for database connections.")
		}
	} else if len(c.JWTSecret) < 32 {
		log.Println("WARNING: JWT_SECRET is shorter than 32 characters. Consider using a stronger secret for production.")
	}

	return nil
}
