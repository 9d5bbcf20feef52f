package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	BackendFile     = "file"
	BackendPostgres = "postgres"
)

type Config struct {
	ServerPort string `mapstructure:"SERVER_PORT" validate:"required,numeric"`
	DBHost     string `mapstructure:"DB_HOST" validate:"required_if=StoreBackend postgres"`
	DBPort     string `mapstructure:"DB_PORT" validate:"required_if=StoreBackend postgres"`
	DBUser     string `mapstructure:"DB_USER"`
	DBPassword string `mapstructure:"DB_PASSWORD"`
	DBName     string `mapstructure:"DB_NAME" validate:"required_if=StoreBackend postgres"`
	RedisURL   string `mapstructure:"REDIS_URL" validate:"required_if=RedisEnabled true"`
	JWTSecret  string `mapstructure:"JWT_SECRET" validate:"required,min=8"`

	StoreBackend         string        `mapstructure:"STORE_BACKEND" validate:"oneof=file postgres"`
	StoreFilePath        string        `mapstructure:"STORE_FILE_PATH" validate:"required_if=StoreBackend file"`
	StoreReadRetryDelay  time.Duration `mapstructure:"STORE_READ_RETRY_DELAY" validate:"min=0"`
	StoreConflictRetries int           `mapstructure:"STORE_CONFLICT_RETRIES" validate:"min=0,max=20"`
	StoreWatchFile       bool          `mapstructure:"STORE_WATCH_FILE"`
	StoreSweepInterval   time.Duration `mapstructure:"STORE_SWEEP_INTERVAL" validate:"min=0"`

	SignalTTL        time.Duration `mapstructure:"SIGNAL_TTL" validate:"min=1s"`
	SignalRatePerSec float64       `mapstructure:"SIGNAL_RATE_PER_SEC" validate:"min=0"`
	SignalBurst      int           `mapstructure:"SIGNAL_BURST" validate:"min=0"`

	AuthRatePerMinute int `mapstructure:"AUTH_RATE_PER_MINUTE" validate:"min=1"`
	AuthBurst         int `mapstructure:"AUTH_BURST" validate:"min=1"`

	RedisEnabled bool `mapstructure:"REDIS_ENABLED"`

	BotUserID   string `mapstructure:"BOT_USER_ID" validate:"required"`
	BotUsername string `mapstructure:"BOT_USERNAME" validate:"required"`

	LogLevel       string `mapstructure:"LOG_LEVEL" validate:"oneof=debug info warn error"`
	LogDevelopment bool   `mapstructure:"LOG_DEVELOPMENT"`

	BreakerMaxFailures uint32        `mapstructure:"BREAKER_MAX_FAILURES" validate:"min=1"`
	BreakerOpenTimeout time.Duration `mapstructure:"BREAKER_OPEN_TIMEOUT" validate:"min=0"`
}

var defaults = map[string]any{
	"SERVER_PORT": "8080",
	"DB_HOST":     "localhost",
	"DB_PORT":     "5432",
	"DB_USER":     "pulse",
	"DB_PASSWORD": "pulse_dev_password",
	"DB_NAME":     "pulse",
	"REDIS_URL":   "localhost:6379",
	"JWT_SECRET":  "dev-secret-change-me",

	"STORE_BACKEND":          BackendFile,
	"STORE_FILE_PATH":        "data/pulse.json",
	"STORE_READ_RETRY_DELAY": 75 * time.Millisecond,
	"STORE_CONFLICT_RETRIES": 3,
	"STORE_WATCH_FILE":       true,
	"STORE_SWEEP_INTERVAL":   time.Minute,

	"SIGNAL_TTL":          10 * time.Minute,
	"SIGNAL_RATE_PER_SEC": 20.0,
	"SIGNAL_BURST":        60,

	"AUTH_RATE_PER_MINUTE": 30,
	"AUTH_BURST":           5,

	"REDIS_ENABLED": false,

	"BOT_USER_ID":  "pulse-bot",
	"BOT_USERNAME": "pulsebot",

	"LOG_LEVEL":       "info",
	"LOG_DEVELOPMENT": false,

	"BREAKER_MAX_FAILURES": 5,
	"BREAKER_OPEN_TIMEOUT": 30 * time.Second,
}

// Load reads the configuration from the environment, optionally layered over
// the YAML file named by CONFIG_FILE. A .env file in the working directory
// fills in variables that are not already set.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.AutomaticEnv()

	if path := v.GetString("CONFIG_FILE"); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	err := validator.New().Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fe := verrs[0]
		return fmt.Errorf("invalid config: %s fails %q", fe.Field(), fe.Tag())
	}
	return err
}

// PostgresDSN builds the connection string for the transactional backend.
func (c *Config) PostgresDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName)
}
