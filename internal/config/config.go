package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of environment variables that override file values,
// e.g. AUCTIOND_DATABASE_PASSWORD.
const EnvPrefix = "AUCTIOND"

// Missing live state policies for ONGOING auctions.
const (
	MissingStateReseed = "reseed"
	MissingStateClose  = "close"
)

// Config represents the application configuration.
type Config struct {
	Database       DatabaseConfig       `yaml:"database" envconfig:"database"`
	LiveStore      LiveStoreConfig      `yaml:"livestore" envconfig:"livestore"`
	Engine         EngineConfig         `yaml:"engine" envconfig:"engine"`
	Server         ServerConfig         `yaml:"server" envconfig:"server"`
	Telemetry      TelemetryConfig      `yaml:"telemetry" envconfig:"telemetry"`
	LeaderElection LeaderElectionConfig `yaml:"leader_election" envconfig:"leader_election"`
	Events         EventsConfig         `yaml:"events" envconfig:"events"`
	Discord        DiscordConfig        `yaml:"discord" envconfig:"discord"`
}

// DatabaseConfig holds durable store connection settings.
type DatabaseConfig struct {
	Host     string `yaml:"host" envconfig:"host"`
	Port     int    `yaml:"port" envconfig:"port"`
	User     string `yaml:"user" envconfig:"user"`
	Password string `yaml:"password" envconfig:"password"`
	DBName   string `yaml:"dbname" envconfig:"dbname"`
	SSLMode  string `yaml:"sslmode" envconfig:"sslmode"`
	Driver   string `yaml:"driver" envconfig:"driver"` // "sqlx" or "memory"
	Migrate  bool   `yaml:"migrate" envconfig:"migrate"`
}

// DSN returns the Postgres connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// LiveStoreConfig holds settings of the ephemeral store used by ONGOING auctions.
type LiveStoreConfig struct {
	Driver   string        `yaml:"driver" envconfig:"driver"` // "redis" or "memory"
	Addr     string        `yaml:"addr" envconfig:"addr"`
	Password string        `yaml:"password" envconfig:"password"`
	DB       int           `yaml:"db" envconfig:"db"`
	TTL      time.Duration `yaml:"ttl" envconfig:"ttl"`
	// Timeout bounds dial, read and write on the store connection.
	Timeout time.Duration `yaml:"timeout" envconfig:"timeout"`
}

// EngineConfig holds the bidding and lifecycle rules.
type EngineConfig struct {
	TickInterval time.Duration `yaml:"tick_interval" envconfig:"tick_interval"`
	// A bid accepted within ExtensionWindow of the deadline moves the
	// deadline to now+Extension.
	ExtensionWindow time.Duration `yaml:"extension_window" envconfig:"extension_window"`
	Extension       time.Duration `yaml:"extension" envconfig:"extension"`
	StoreTimeout    time.Duration `yaml:"store_timeout" envconfig:"store_timeout"`
	MissingState    string        `yaml:"missing_state" envconfig:"missing_state"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port" envconfig:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"shutdown_timeout"`
}

// TelemetryConfig holds OpenTelemetry settings. An empty OTLPEndpoint keeps
// telemetry local: logs go to stderr and spans are not exported.
type TelemetryConfig struct {
	ServiceName    string `yaml:"service_name" envconfig:"service_name"`
	ServiceVersion string `yaml:"service_version" envconfig:"service_version"`
	OTLPEndpoint   string `yaml:"otlp_endpoint" envconfig:"otlp_endpoint"`
	Insecure       bool   `yaml:"insecure" envconfig:"insecure"`
	LogLevel       string `yaml:"log_level" envconfig:"log_level"`
}

// LeaderElectionConfig holds Kubernetes leader election settings.
type LeaderElectionConfig struct {
	Enabled        bool          `yaml:"enabled" envconfig:"enabled"`
	LeaseName      string        `yaml:"lease_name" envconfig:"lease_name"`
	LeaseNamespace string        `yaml:"lease_namespace" envconfig:"lease_namespace"`
	LeaseDuration  time.Duration `yaml:"lease_duration" envconfig:"lease_duration"`
	RenewDeadline  time.Duration `yaml:"renew_deadline" envconfig:"renew_deadline"`
	RetryPeriod    time.Duration `yaml:"retry_period" envconfig:"retry_period"`
}

// EventsConfig holds settings of the external lifecycle event feed.
// Publishing is disabled when AMQPURL is empty.
type EventsConfig struct {
	AMQPURL  string `yaml:"amqp_url" envconfig:"amqp_url"`
	Exchange string `yaml:"exchange" envconfig:"exchange"`
}

// DiscordConfig holds settings of the optional Discord announcer.
type DiscordConfig struct {
	Enabled   bool   `yaml:"enabled" envconfig:"enabled"`
	Token     string `yaml:"token" envconfig:"token"`
	GuildID   string `yaml:"guild_id" envconfig:"guild_id"`
	ChannelID string `yaml:"channel_id" envconfig:"channel_id"`
}

// Defaults returns the configuration used for any value the file leaves unset.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ShutdownTimeout: 15 * time.Second,
		},
		Database: DatabaseConfig{
			Host:    "localhost",
			Port:    5432,
			SSLMode: "disable",
			Driver:  "sqlx",
		},
		LiveStore: LiveStoreConfig{
			Driver:  "redis",
			Addr:    "localhost:6379",
			TTL:     time.Hour,
			Timeout: 2 * time.Second,
		},
		Engine: EngineConfig{
			TickInterval:    time.Second,
			ExtensionWindow: 3 * time.Minute,
			Extension:       5 * time.Minute,
			StoreTimeout:    3 * time.Second,
			MissingState:    MissingStateReseed,
		},
		Telemetry: TelemetryConfig{
			ServiceName:    "auctiond",
			ServiceVersion: "0.1.0",
			LogLevel:       "info",
		},
		LeaderElection: LeaderElectionConfig{
			Enabled:        false,
			LeaseName:      "auctiond-scheduler",
			LeaseNamespace: "default",
			LeaseDuration:  15 * time.Second,
			RenewDeadline:  10 * time.Second,
			RetryPeriod:    2 * time.Second,
		},
		Events: EventsConfig{
			Exchange: "auction.events",
		},
	}
}

// Load reads a YAML configuration file from the given path and applies
// AUCTIOND_* environment overrides on top of it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// validate checks configuration invariants.
func (c *Config) validate() error {
	var errs []error

	switch c.Database.Driver {
	case "sqlx", "memory":
	default:
		errs = append(errs, fmt.Errorf("unsupported database driver %q: must be \"sqlx\" or \"memory\"", c.Database.Driver))
	}

	switch c.LiveStore.Driver {
	case "redis", "memory":
	default:
		errs = append(errs, fmt.Errorf("unsupported livestore driver %q: must be \"redis\" or \"memory\"", c.LiveStore.Driver))
	}

	switch c.Engine.MissingState {
	case MissingStateReseed, MissingStateClose:
	default:
		errs = append(errs, fmt.Errorf("unsupported engine.missing_state %q: must be %q or %q",
			c.Engine.MissingState, MissingStateReseed, MissingStateClose))
	}

	for name, d := range map[string]time.Duration{
		"engine.tick_interval":    c.Engine.TickInterval,
		"engine.extension_window": c.Engine.ExtensionWindow,
		"engine.extension":        c.Engine.Extension,
		"engine.store_timeout":    c.Engine.StoreTimeout,
		"livestore.ttl":           c.LiveStore.TTL,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}

	if c.Discord.Enabled && (c.Discord.Token == "" || c.Discord.ChannelID == "") {
		errs = append(errs, errors.New("discord.token and discord.channel_id are required when discord is enabled"))
	}

	return errors.Join(errs...)
}
