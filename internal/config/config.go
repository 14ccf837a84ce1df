package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

const defaultJWTSecret = "dev-secret-change-me"

type Config struct {
	Port     string
	Env      string
	LogLevel string

	// StorageDriver 取值 postgres 或 memory。
	StorageDriver string
	DatabaseDSN   string

	// ChangefeedDriver 取值 redis 或 memory。
	ChangefeedDriver string
	RedisAddr        string
	RedisPassword    string
	RedisDB          int

	JWTSecret     string
	WebhookSecret string

	RateLimitRPS   float64
	RateLimitBurst int

	BridgeMaxBackoff time.Duration
}

var defaults = map[string]any{
	"APP_PORT":                   "8080",
	"APP_ENV":                    "dev",
	"LOG_LEVEL":                  "info",
	"STORAGE_DRIVER":             "postgres",
	"DATABASE_DSN":               "host=localhost user=postgres password=postgres dbname=chat port=5432 sslmode=disable TimeZone=UTC",
	"CHANGEFEED_DRIVER":          "memory",
	"REDIS_ADDR":                 "localhost:6379",
	"REDIS_PASSWORD":             "",
	"REDIS_DB":                   0,
	"JWT_SECRET":                 defaultJWTSecret,
	"WEBHOOK_SECRET":             "",
	"RATE_LIMIT_RPS":             20.0,
	"RATE_LIMIT_BURST":           40,
	"BRIDGE_MAX_BACKOFF_SECONDS": 30,
}

// Load 依次读取默认值、可选的 application.yaml 和环境变量，后者优先。
func Load() Config {
	v := viper.New()
	for k, d := range defaults {
		v.SetDefault(k, d)
	}
	v.SetConfigName("application")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AutomaticEnv()
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			log.Warn().Err(err).Msg("ignore unreadable config file")
		}
	}

	cfg := Config{
		Port:             v.GetString("APP_PORT"),
		Env:              v.GetString("APP_ENV"),
		LogLevel:         v.GetString("LOG_LEVEL"),
		StorageDriver:    strings.ToLower(v.GetString("STORAGE_DRIVER")),
		DatabaseDSN:      v.GetString("DATABASE_DSN"),
		ChangefeedDriver: strings.ToLower(v.GetString("CHANGEFEED_DRIVER")),
		RedisAddr:        v.GetString("REDIS_ADDR"),
		RedisPassword:    v.GetString("REDIS_PASSWORD"),
		RedisDB:          v.GetInt("REDIS_DB"),
		JWTSecret:        v.GetString("JWT_SECRET"),
		WebhookSecret:    v.GetString("WEBHOOK_SECRET"),
		RateLimitRPS:     v.GetFloat64("RATE_LIMIT_RPS"),
		RateLimitBurst:   v.GetInt("RATE_LIMIT_BURST"),
	}
	// 非法或非正数回退到默认值
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = defaults["RATE_LIMIT_RPS"].(float64)
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = defaults["RATE_LIMIT_BURST"].(int)
	}
	backoff := v.GetInt("BRIDGE_MAX_BACKOFF_SECONDS")
	if backoff <= 0 {
		backoff = defaults["BRIDGE_MAX_BACKOFF_SECONDS"].(int)
	}
	cfg.BridgeMaxBackoff = time.Duration(backoff) * time.Second
	return cfg
}

// Validate 在启动时拒绝明显错误的配置。
func Validate(cfg Config) error {
	if cfg.Port == "" {
		return errors.New("APP_PORT must not be empty")
	}
	switch cfg.StorageDriver {
	case "postgres":
		if cfg.DatabaseDSN == "" {
			return errors.New("DATABASE_DSN must not be empty when STORAGE_DRIVER=postgres")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown STORAGE_DRIVER %q", cfg.StorageDriver)
	}
	switch cfg.ChangefeedDriver {
	case "redis":
		if cfg.RedisAddr == "" {
			return errors.New("REDIS_ADDR must not be empty when CHANGEFEED_DRIVER=redis")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown CHANGEFEED_DRIVER %q", cfg.ChangefeedDriver)
	}
	if cfg.JWTSecret == "" {
		return errors.New("JWT_SECRET must not be empty")
	}
	if cfg.Env != "dev" && cfg.JWTSecret == defaultJWTSecret {
		return fmt.Errorf("JWT_SECRET must be changed in %s environment", cfg.Env)
	}
	if cfg.Env == "prod" && cfg.WebhookSecret == "" {
		return errors.New("WEBHOOK_SECRET must be set in prod environment")
	}
	return nil
}
