/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/transfa/linked-account-service/internal/domain"
)

// Config holds all the configuration variables for the linked-account-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort                 string `mapstructure:"SERVER_PORT"`
	DatabaseURL                string `mapstructure:"DATABASE_URL"`
	RabbitMQURL                string `mapstructure:"RABBITMQ_URL"`
	SecurityEventExchange      string `mapstructure:"SECURITY_EVENT_EXCHANGE"`
	BankEventExchange          string `mapstructure:"BANK_EVENT_EXCHANGE"`
	BankWebhookQueue           string `mapstructure:"BANK_WEBHOOK_QUEUE"`
	BankWebhookRoutingKey      string `mapstructure:"BANK_WEBHOOK_ROUTING_KEY"`
	RedisURL                   string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix       string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	SubmitRateLimitPerMinute   int    `mapstructure:"VERIFICATION_SUBMIT_RATE_LIMIT_PER_MINUTE"`
	VerificationMaxAttempts    int    `mapstructure:"VERIFICATION_MAX_ATTEMPTS"`
	VerificationTTLHours       int    `mapstructure:"VERIFICATION_TTL_HOURS"`
	MicroDepositMinMinor       int64  `mapstructure:"MICRO_DEPOSIT_MIN_MINOR"`
	MicroDepositMaxMinor       int64  `mapstructure:"MICRO_DEPOSIT_MAX_MINOR"`
	RegionRequiredFields       string `mapstructure:"REGION_REQUIRED_FIELDS"`
	JWTSecret                  string `mapstructure:"JWT_SECRET"`
	JWTIssuer                  string `mapstructure:"JWT_ISSUER"`
	HTTPRateLimitPerMinute     int    `mapstructure:"HTTP_RATE_LIMIT_PER_MINUTE"`
	SecurityEventRetentionDays int    `mapstructure:"SECURITY_EVENT_RETENTION_DAYS"`
	SecurityEventRetentionCron string `mapstructure:"SECURITY_EVENT_RETENTION_SCHEDULE"`
	CORSAllowedOrigins         string `mapstructure:"CORS_ALLOWED_ORIGINS"`

	// RegionPolicy is parsed from RegionRequiredFields.
	RegionPolicy domain.RegionPolicy `mapstructure:"-"`
}

const (
	defaultServerPort        = "8083"
	defaultRateLimitPrefix   = "transfa:rate_limit"
	defaultRegionFields      = "US=routing_number;UK=swift_code,iban;EU=swift_code,iban"
	defaultRetentionSchedule = "@daily"
)

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", defaultServerPort)
	viper.SetDefault("SECURITY_EVENT_EXCHANGE", "security_events")
	viper.SetDefault("BANK_EVENT_EXCHANGE", "bank_events")
	viper.SetDefault("BANK_WEBHOOK_QUEUE", "linked_account_service_bank_webhooks")
	viper.SetDefault("BANK_WEBHOOK_ROUTING_KEY", "bank.webhook.*")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", defaultRateLimitPrefix)
	viper.SetDefault("VERIFICATION_SUBMIT_RATE_LIMIT_PER_MINUTE", 10)
	viper.SetDefault("VERIFICATION_MAX_ATTEMPTS", domain.DefaultMaxAttempts)
	viper.SetDefault("VERIFICATION_TTL_HOURS", 168)
	viper.SetDefault("MICRO_DEPOSIT_MIN_MINOR", 1)
	viper.SetDefault("MICRO_DEPOSIT_MAX_MINOR", 99)
	viper.SetDefault("REGION_REQUIRED_FIELDS", defaultRegionFields)
	viper.SetDefault("HTTP_RATE_LIMIT_PER_MINUTE", 600)
	viper.SetDefault("SECURITY_EVENT_RETENTION_DAYS", 365)
	viper.SetDefault("SECURITY_EVENT_RETENTION_SCHEDULE", defaultRetentionSchedule)
	viper.SetDefault("CORS_ALLOWED_ORIGINS", "*")

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("SECURITY_EVENT_EXCHANGE")
	_ = viper.BindEnv("BANK_EVENT_EXCHANGE")
	_ = viper.BindEnv("BANK_WEBHOOK_QUEUE")
	_ = viper.BindEnv("BANK_WEBHOOK_ROUTING_KEY")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("VERIFICATION_SUBMIT_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("VERIFICATION_MAX_ATTEMPTS")
	_ = viper.BindEnv("VERIFICATION_TTL_HOURS")
	_ = viper.BindEnv("MICRO_DEPOSIT_MIN_MINOR")
	_ = viper.BindEnv("MICRO_DEPOSIT_MAX_MINOR")
	_ = viper.BindEnv("REGION_REQUIRED_FIELDS")
	_ = viper.BindEnv("JWT_SECRET")
	_ = viper.BindEnv("JWT_ISSUER")
	_ = viper.BindEnv("HTTP_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("SECURITY_EVENT_RETENTION_DAYS")
	_ = viper.BindEnv("SECURITY_EVENT_RETENTION_SCHEDULE")
	_ = viper.BindEnv("CORS_ALLOWED_ORIGINS")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.DatabaseURL = strings.TrimSpace(config.DatabaseURL)
	config.RabbitMQURL = strings.TrimSpace(config.RabbitMQURL)
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = defaultRateLimitPrefix
	}

	if config.SubmitRateLimitPerMinute < 0 {
		log.Printf("level=warn component=config msg=\"negative submit rate limit configured; coercing to default\" value=%d", config.SubmitRateLimitPerMinute)
		config.SubmitRateLimitPerMinute = 10
	}
	if config.VerificationMaxAttempts <= 0 {
		log.Printf("level=warn component=config msg=\"invalid VERIFICATION_MAX_ATTEMPTS; coercing to default\" value=%d", config.VerificationMaxAttempts)
		config.VerificationMaxAttempts = domain.DefaultMaxAttempts
	}
	if config.VerificationTTLHours <= 0 {
		log.Printf("level=warn component=config msg=\"invalid VERIFICATION_TTL_HOURS; coercing to default\" value=%d", config.VerificationTTLHours)
		config.VerificationTTLHours = 168
	}
	if config.MicroDepositMinMinor <= 0 || config.MicroDepositMaxMinor < config.MicroDepositMinMinor {
		log.Printf("level=warn component=config msg=\"invalid micro-deposit range; coercing to 1..99\" min=%d max=%d", config.MicroDepositMinMinor, config.MicroDepositMaxMinor)
		config.MicroDepositMinMinor = 1
		config.MicroDepositMaxMinor = 99
	}
	if config.HTTPRateLimitPerMinute <= 0 {
		config.HTTPRateLimitPerMinute = 600
	}
	if config.SecurityEventRetentionDays < 0 {
		config.SecurityEventRetentionDays = 0
	}
	if strings.TrimSpace(config.SecurityEventRetentionCron) == "" {
		config.SecurityEventRetentionCron = defaultRetentionSchedule
	}

	config.RegionPolicy, err = domain.ParseRegionPolicy(config.RegionRequiredFields)
	if err != nil {
		log.Printf("level=warn component=config msg=\"invalid REGION_REQUIRED_FIELDS; using defaults\" value=%q err=%v", config.RegionRequiredFields, err)
		config.RegionRequiredFields = defaultRegionFields
		config.RegionPolicy = domain.DefaultRegionPolicy()
		err = nil
	}

	return
}

// VerificationTTL returns the verification window as a duration.
func (c Config) VerificationTTL() time.Duration {
	return time.Duration(c.VerificationTTLHours) * time.Hour
}

// SecurityEventRetention returns the retention window; zero disables pruning.
func (c Config) SecurityEventRetention() time.Duration {
	return time.Duration(c.SecurityEventRetentionDays) * 24 * time.Hour
}

// AllowedOrigins splits CORS_ALLOWED_ORIGINS on commas.
func (c Config) AllowedOrigins() []string {
	var origins []string
	for _, o := range strings.Split(c.CORSAllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}
