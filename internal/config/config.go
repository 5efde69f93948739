/**
 * @description
 * This package handles configuration for the settlement-service. Values come from
 * environment variables, optionally backed by a .env file, and are sanitised before
 * use: out-of-range numbers are coerced back to their defaults with a warning.
 *
 * @dependencies
 * - github.com/spf13/viper: environment binding and .env parsing.
 */

package config

import (
	"errors"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	defaultServerPort          = "8085"
	defaultEventsExchange      = "settlement_events"
	defaultFlowEventQueue      = "settlement_service.flow_events"
	defaultSignalDedupePrefix  = "settlement:signal_dedupe"
	defaultSignalDedupeTTL     = 86400
	defaultStepTimeoutSeconds  = 30
	defaultStepMaxAttempts     = 3
	defaultStuckFlowMinutes    = 30
	defaultStuckFlowSchedule   = "*/10 * * * *"
	defaultAdminAllowedOrigins = "http://localhost:3000"
	defaultLogLevel            = "info"
	defaultEnvironment         = "development"
)

// Config holds all configuration for the settlement-service.
type Config struct {
	ServerPort             string `mapstructure:"SERVER_PORT"`
	Environment            string `mapstructure:"APP_ENV"`
	DatabaseURL            string `mapstructure:"DATABASE_URL"`
	RabbitMQURL            string `mapstructure:"RABBITMQ_URL"`
	EventsExchange         string `mapstructure:"EVENTS_EXCHANGE"`
	FlowEventQueue         string `mapstructure:"FLOW_EVENT_QUEUE"`
	RedisURL               string `mapstructure:"REDIS_URL"`
	SignalDedupePrefix     string `mapstructure:"SIGNAL_DEDUPE_PREFIX"`
	SignalDedupeTTLSeconds int    `mapstructure:"SIGNAL_DEDUPE_TTL_SECONDS"`
	AdminJWTSecret         string `mapstructure:"ADMIN_JWT_SECRET"`
	AdminAllowedOrigins    string `mapstructure:"ADMIN_ALLOWED_ORIGINS"`
	WebhookSigningSecret   string `mapstructure:"WEBHOOK_SIGNING_SECRET"`
	StepTimeoutSeconds     int    `mapstructure:"STEP_TIMEOUT_SECONDS"`
	DefaultStepMaxAttempts int    `mapstructure:"DEFAULT_STEP_MAX_ATTEMPTS"`
	StuckFlowMinutes       int    `mapstructure:"STUCK_FLOW_MINUTES"`
	StuckFlowSweepSchedule string `mapstructure:"STUCK_FLOW_SWEEP_SCHEDULE"`
	AnchorAPIBaseURL       string `mapstructure:"ANCHOR_API_BASE_URL"`
	AnchorAPIKey           string `mapstructure:"ANCHOR_API_KEY"`
	AnchorAPIKeySecretURL  string `mapstructure:"ANCHOR_API_KEY_SECRET_URL"`
	AnchorSourceAccountID  string `mapstructure:"ANCHOR_SOURCE_ACCOUNT_ID"`
	PartnerWebhookURL      string `mapstructure:"PARTNER_WEBHOOK_URL"`
	OperatorChatWebhookURL string `mapstructure:"OPERATOR_CHAT_WEBHOOK_URL"`
	LogLevel               string `mapstructure:"LOG_LEVEL"`
}

// StepTimeout is the per-step executor deadline.
func (c Config) StepTimeout() time.Duration {
	return time.Duration(c.StepTimeoutSeconds) * time.Second
}

// SignalDedupeTTL is how long a seen webhook idempotency key is remembered.
func (c Config) SignalDedupeTTL() time.Duration {
	return time.Duration(c.SignalDedupeTTLSeconds) * time.Second
}

// AllowedOrigins splits ADMIN_ALLOWED_ORIGINS on commas.
func (c Config) AllowedOrigins() []string {
	var origins []string
	for _, origin := range strings.Split(c.AdminAllowedOrigins, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	return origins
}

var boundKeys = []string{
	"SERVER_PORT",
	"APP_ENV",
	"DATABASE_URL",
	"RABBITMQ_URL",
	"EVENTS_EXCHANGE",
	"FLOW_EVENT_QUEUE",
	"SIGNAL_DEDUPE_PREFIX",
	"SIGNAL_DEDUPE_TTL_SECONDS",
	"ADMIN_JWT_SECRET",
	"ADMIN_ALLOWED_ORIGINS",
	"WEBHOOK_SIGNING_SECRET",
	"STEP_TIMEOUT_SECONDS",
	"DEFAULT_STEP_MAX_ATTEMPTS",
	"STUCK_FLOW_MINUTES",
	"STUCK_FLOW_SWEEP_SCHEDULE",
	"ANCHOR_API_BASE_URL",
	"ANCHOR_API_KEY",
	"ANCHOR_API_KEY_SECRET_URL",
	"ANCHOR_SOURCE_ACCOUNT_ID",
	"PARTNER_WEBHOOK_URL",
	"OPERATOR_CHAT_WEBHOOK_URL",
	"LOG_LEVEL",
}

// LoadConfig reads configuration from the environment and an optional .env file in path.
func LoadConfig(path string) (config Config, err error) {
	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName(".env")
	v.SetConfigType("env")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("SERVER_PORT", defaultServerPort)
	v.SetDefault("APP_ENV", defaultEnvironment)
	v.SetDefault("EVENTS_EXCHANGE", defaultEventsExchange)
	v.SetDefault("FLOW_EVENT_QUEUE", defaultFlowEventQueue)
	v.SetDefault("SIGNAL_DEDUPE_PREFIX", defaultSignalDedupePrefix)
	v.SetDefault("SIGNAL_DEDUPE_TTL_SECONDS", defaultSignalDedupeTTL)
	v.SetDefault("ADMIN_ALLOWED_ORIGINS", defaultAdminAllowedOrigins)
	v.SetDefault("STEP_TIMEOUT_SECONDS", defaultStepTimeoutSeconds)
	v.SetDefault("DEFAULT_STEP_MAX_ATTEMPTS", defaultStepMaxAttempts)
	v.SetDefault("STUCK_FLOW_MINUTES", defaultStuckFlowMinutes)
	v.SetDefault("STUCK_FLOW_SWEEP_SCHEDULE", defaultStuckFlowSchedule)
	v.SetDefault("LOG_LEVEL", defaultLogLevel)

	for _, key := range boundKeys {
		_ = v.BindEnv(key)
	}
	_ = v.BindEnv("REDIS_URL", "REDIS_URL", "SETTLEMENT_REDIS_URL")

	// The .env file is optional.
	if err = v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			slog.Warn("failed to read config file; using environment values", "component", "config", "error", err)
		}
	}

	if err = v.Unmarshal(&config); err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	sanitize(&config)
	return config, nil
}

func sanitize(config *Config) {
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.SignalDedupePrefix = strings.TrimSpace(config.SignalDedupePrefix)
	if config.SignalDedupePrefix == "" {
		config.SignalDedupePrefix = defaultSignalDedupePrefix
	}
	config.LogLevel = strings.ToLower(strings.TrimSpace(config.LogLevel))

	if config.SignalDedupeTTLSeconds <= 0 {
		slog.Warn("non-positive signal dedupe ttl; using default", "component", "config", "value", config.SignalDedupeTTLSeconds)
		config.SignalDedupeTTLSeconds = defaultSignalDedupeTTL
	}
	if config.StepTimeoutSeconds <= 0 {
		slog.Warn("non-positive step timeout; using default", "component", "config", "value", config.StepTimeoutSeconds)
		config.StepTimeoutSeconds = defaultStepTimeoutSeconds
	}
	if config.DefaultStepMaxAttempts <= 0 {
		slog.Warn("non-positive default step max attempts; using default", "component", "config", "value", config.DefaultStepMaxAttempts)
		config.DefaultStepMaxAttempts = defaultStepMaxAttempts
	}
	if config.StuckFlowMinutes <= 0 {
		slog.Warn("non-positive stuck flow threshold; using default", "component", "config", "value", config.StuckFlowMinutes)
		config.StuckFlowMinutes = defaultStuckFlowMinutes
	}
	if strings.TrimSpace(config.StuckFlowSweepSchedule) == "" {
		config.StuckFlowSweepSchedule = defaultStuckFlowSchedule
	}
}
