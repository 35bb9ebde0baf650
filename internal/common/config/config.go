// internal/common/config/config.go
package config

import (
	"fmt"
	"time"
)

// Config is the main application configuration struct.
type Config struct {
	App           AppConfig                `mapstructure:"app"`
	Server        ServerConfig             `mapstructure:"server"`
	Database      DatabaseConfig           `mapstructure:"database"`
	Engine        EngineConfig             `mapstructure:"engine"`
	Retry         RetryConfig              `mapstructure:"retry"`
	Onboarding    map[string]VariantConfig `mapstructure:"onboarding"`
	Notifications NotificationConfig       `mapstructure:"notifications"`
	Audit         AuditConfig              `mapstructure:"audit"`
	Logging       LoggingConfig            `mapstructure:"logging"`
}

// --- Core App/Infrastructure Config ---
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

type ServerConfig struct {
	Address         string `mapstructure:"address"`
	ShutdownTimeout int    `mapstructure:"shutdown_timeout"` // seconds
}

type DatabaseConfig struct {
	Postgres      PostgresConfig      `mapstructure:"postgres"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
}

type PostgresConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
	MaxIdle        int    `mapstructure:"max_idle"`
	SSLMode        string `mapstructure:"sslmode"`
}

// GetDSN returns the PostgreSQL connection string
func (p PostgresConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type ElasticsearchConfig struct {
	Addresses  []string `mapstructure:"addresses"`
	Username   string   `mapstructure:"username"`
	Password   string   `mapstructure:"password"`
	AuditIndex string   `mapstructure:"audit_index"`
}

// EngineConfig holds the lifecycle engine's behavioural parameters.
type EngineConfig struct {
	// DefaultFeeRate is the platform fee as a fraction of gross price.
	DefaultFeeRate float64 `mapstructure:"default_fee_rate"`
	// CollaboratorTimeout bounds every external collaborator call.
	CollaboratorTimeout int `mapstructure:"collaborator_timeout"` // milliseconds
	// CacheTTL controls the job read-through cache expiry.
	CacheTTL int `mapstructure:"cache_ttl"` // seconds
}

func (e EngineConfig) Timeout() time.Duration {
	return time.Duration(e.CollaboratorTimeout) * time.Millisecond
}

// RetryConfig is the single bounded-retry policy applied to retryable
// collaborator failures.
type RetryConfig struct {
	MaxAttempts  int `mapstructure:"max_attempts"`
	InitialDelay int `mapstructure:"initial_delay"` // milliseconds
}

// VariantConfig describes one onboarding variant: total step count plus the
// step thresholds at which the derived stage changes.
type VariantConfig struct {
	TotalSteps         int `mapstructure:"total_steps"`
	ServiceDefinedStep int `mapstructure:"service_defined_step"`
	LiveStep           int `mapstructure:"live_step"`
}

// NotificationConfig holds settings for the SNS/SES notification channels.
type NotificationConfig struct {
	AWS struct {
		Region string `mapstructure:"region"`
		SES    struct {
			Enabled   bool   `mapstructure:"enabled"`
			FromEmail string `mapstructure:"from_email"`
		} `mapstructure:"ses"`
		SNS struct {
			Enabled            bool   `mapstructure:"enabled"`
			DefaultSMSSenderID string `mapstructure:"default_sms_sender_id"`
		} `mapstructure:"sns"`
	} `mapstructure:"aws"`
}

type AuditConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}
