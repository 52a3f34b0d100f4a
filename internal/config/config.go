package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "CADENCE"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabaseDriver    = "sqlite"
	defaultDatabasePath      = "cadence.db"
	defaultLogLevel          = "info"
	defaultLogFormat         = "json"
	defaultSecretHeader      = "X-Cron-Secret"
	defaultWorkers           = 4
	defaultRequestTimeout    = 10 * time.Second
	defaultInvocationTimeout = 5 * time.Minute
	defaultTTLSeconds        = 86400
	defaultTimezone          = "UTC"
	defaultNotificationURL   = "/"
)

var (
	supportedDrivers    = map[string]struct{}{"sqlite": {}, "postgres": {}}
	supportedLogFormats = map[string]struct{}{"json": {}, "console": {}}
	supportedUrgencies  = map[string]struct{}{"": {}, "very-low": {}, "low": {}, "normal": {}, "high": {}}
)

// AppConfig captures runtime configuration for the API server and the dispatch command.
type AppConfig struct {
	HTTPAddress string
	LogLevel    string
	LogFormat   string

	DatabaseDriver string
	DatabasePath   string
	DatabaseURL    string

	VAPIDPublicKey  string
	VAPIDPrivateKey string
	VAPIDSubject    string

	DispatchSecret       string
	DispatchSecretHeader string
	DispatchWorkers      int
	RequestTimeout       time.Duration
	InvocationTimeout    time.Duration
	PushTTL              time.Duration
	PushUrgency          string
	RatePerSecond        float64
	CronSchedule         string
	NotificationURL      string

	Timezone       string
	Location       *time.Location
	AllowedOrigins []string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("database.url", "")
	configViper.SetDefault("vapid.public_key", "")
	configViper.SetDefault("vapid.private_key", "")
	configViper.SetDefault("vapid.subject", "")
	configViper.SetDefault("dispatch.secret", "")
	configViper.SetDefault("dispatch.secret_header", defaultSecretHeader)
	configViper.SetDefault("dispatch.workers", defaultWorkers)
	configViper.SetDefault("dispatch.request_timeout", defaultRequestTimeout)
	configViper.SetDefault("dispatch.invocation_timeout", defaultInvocationTimeout)
	configViper.SetDefault("dispatch.ttl_seconds", defaultTTLSeconds)
	configViper.SetDefault("dispatch.urgency", "")
	configViper.SetDefault("dispatch.rate_per_second", 0)
	configViper.SetDefault("dispatch.cron", "")
	configViper.SetDefault("dispatch.notification_url", defaultNotificationURL)
	configViper.SetDefault("schedule.timezone", defaultTimezone)
	configViper.SetDefault("cors.allowed_origins", "")
}

// Load parses runtime configuration from viper. VAPID material is not validated here:
// the dispatcher reports it per invocation.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:          configViper.GetString("http.address"),
		LogLevel:             configViper.GetString("log.level"),
		LogFormat:            strings.ToLower(strings.TrimSpace(configViper.GetString("log.format"))),
		DatabaseDriver:       strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:         configViper.GetString("database.path"),
		DatabaseURL:          configViper.GetString("database.url"),
		VAPIDPublicKey:       strings.TrimSpace(configViper.GetString("vapid.public_key")),
		VAPIDPrivateKey:      strings.TrimSpace(configViper.GetString("vapid.private_key")),
		VAPIDSubject:         strings.TrimSpace(configViper.GetString("vapid.subject")),
		DispatchSecret:       configViper.GetString("dispatch.secret"),
		DispatchSecretHeader: strings.TrimSpace(configViper.GetString("dispatch.secret_header")),
		DispatchWorkers:      configViper.GetInt("dispatch.workers"),
		RequestTimeout:       configViper.GetDuration("dispatch.request_timeout"),
		InvocationTimeout:    configViper.GetDuration("dispatch.invocation_timeout"),
		PushTTL:              time.Duration(configViper.GetInt64("dispatch.ttl_seconds")) * time.Second,
		PushUrgency:          strings.ToLower(strings.TrimSpace(configViper.GetString("dispatch.urgency"))),
		RatePerSecond:        configViper.GetFloat64("dispatch.rate_per_second"),
		CronSchedule:         strings.TrimSpace(configViper.GetString("dispatch.cron")),
		NotificationURL:      strings.TrimSpace(configViper.GetString("dispatch.notification_url")),
		Timezone:             strings.TrimSpace(configViper.GetString("schedule.timezone")),
		AllowedOrigins:       splitList(configViper.GetStringSlice("cors.allowed_origins")),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	location, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return AppConfig{}, fmt.Errorf("schedule.timezone is invalid: %w", err)
	}
	cfg.Location = location

	return cfg, nil
}

func (c AppConfig) validate() error {
	if _, ok := supportedDrivers[c.DatabaseDriver]; !ok {
		return fmt.Errorf("database.driver %q is not supported", c.DatabaseDriver)
	}
	if c.DatabaseDriver == "sqlite" && strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.DatabaseDriver == "postgres" && strings.TrimSpace(c.DatabaseURL) == "" {
		return fmt.Errorf("database.url is required")
	}
	if _, ok := supportedLogFormats[c.LogFormat]; !ok {
		return fmt.Errorf("log.format %q is not supported", c.LogFormat)
	}
	if c.DispatchSecret != "" && c.DispatchSecretHeader == "" {
		return fmt.Errorf("dispatch.secret_header is required when dispatch.secret is set")
	}
	if c.DispatchWorkers <= 0 {
		return fmt.Errorf("dispatch.workers must be positive")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("dispatch.request_timeout must be positive")
	}
	if c.InvocationTimeout <= 0 {
		return fmt.Errorf("dispatch.invocation_timeout must be positive")
	}
	if c.PushTTL < 0 {
		return fmt.Errorf("dispatch.ttl_seconds must not be negative")
	}
	if _, ok := supportedUrgencies[c.PushUrgency]; !ok {
		return fmt.Errorf("dispatch.urgency %q is not supported", c.PushUrgency)
	}
	if c.RatePerSecond < 0 {
		return fmt.Errorf("dispatch.rate_per_second must not be negative")
	}
	if c.Timezone == "" {
		return fmt.Errorf("schedule.timezone is required")
	}
	return nil
}

// VAPIDConfigured reports whether both halves of the VAPID key pair are present.
func (c AppConfig) VAPIDConfigured() bool {
	return c.VAPIDPublicKey != "" && c.VAPIDPrivateKey != ""
}

func splitList(values []string) []string {
	result := make([]string, 0, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			trimmed := strings.TrimSpace(part)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
	}
	return result
}
