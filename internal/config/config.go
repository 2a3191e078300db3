package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/jensholdgaard/player-auction/internal/phase"
)

// Config represents the application configuration.
type Config struct {
	Database       DatabaseConfig       `yaml:"database"`
	Server         ServerConfig         `yaml:"server"`
	Telemetry      TelemetryConfig      `yaml:"telemetry"`
	LeaderElection LeaderElectionConfig `yaml:"leader_election"`
	Auction        AuctionConfig        `yaml:"auction"`
	Realtime       RealtimeConfig       `yaml:"realtime"`
	Access         AccessConfig         `yaml:"access"`
	Discord        DiscordConfig        `yaml:"discord"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
	Driver   string `yaml:"driver"` // "postgres" or "memory"
}

// DSN returns the Postgres connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
}

// TelemetryConfig holds OpenTelemetry settings.
type TelemetryConfig struct {
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	Insecure       bool   `yaml:"insecure"`
}

// LeaderElectionConfig holds Kubernetes leader election settings.
type LeaderElectionConfig struct {
	Enabled        bool          `yaml:"enabled"`
	LeaseName      string        `yaml:"lease_name"`
	LeaseNamespace string        `yaml:"lease_namespace"`
	LeaseDuration  time.Duration `yaml:"lease_duration"`
	RenewDeadline  time.Duration `yaml:"renew_deadline"`
	RetryPeriod    time.Duration `yaml:"retry_period"`
}

// AuctionConfig holds live auction settings.
type AuctionConfig struct {
	Timer        phase.Durations `yaml:"timer"`
	TickInterval time.Duration   `yaml:"tick_interval"`
}

// RealtimeConfig holds change fan-out settings.
type RealtimeConfig struct {
	// Listen enables Postgres LISTEN/NOTIFY as the change source.
	Listen         bool          `yaml:"listen"`
	Channel        string        `yaml:"channel"`
	Debounce       time.Duration `yaml:"debounce"`
	MaxWait        time.Duration `yaml:"max_wait"`
	NATSURL        string        `yaml:"nats_url"`
	NATSSubject    string        `yaml:"nats_subject"`
	SubscriberSize int           `yaml:"subscriber_buffer"`
}

// AccessConfig holds the role assignment table.
type AccessConfig struct {
	JWTSecret    string            `yaml:"jwt_secret"`
	AdminEmails  []string          `yaml:"admin_emails"`
	AdminDomains []string          `yaml:"admin_domains"`
	TeamOwners   map[string]string `yaml:"team_owners"` // email -> team id
}

// DiscordConfig holds the league bot settings. The bot is disabled when
// Token is empty.
type DiscordConfig struct {
	Token     string `yaml:"token"`
	GuildID   string `yaml:"guild_id"`
	ChannelID string `yaml:"channel_id"` // announcements
}

// Load reads a YAML configuration file from the given path. A .env file next
// to it is loaded first, and ${VAR} references in the file are expanded.
func Load(path string) (*Config, error) {
	path = filepath.Clean(path)
	if err := godotenv.Load(filepath.Join(filepath.Dir(path), ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env file: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Defaults()
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Defaults returns the configuration used for keys absent from the file.
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
			Driver:  "postgres",
		},
		Telemetry: TelemetryConfig{
			ServiceName:    "auctioneer",
			ServiceVersion: "0.1.0",
		},
		LeaderElection: LeaderElectionConfig{
			Enabled:        false,
			LeaseName:      "auctioneer-leader",
			LeaseNamespace: "default",
			LeaseDuration:  15 * time.Second,
			RenewDeadline:  10 * time.Second,
			RetryPeriod:    2 * time.Second,
		},
		Auction: AuctionConfig{
			Timer:        phase.DefaultDurations(),
			TickInterval: time.Second,
		},
		Realtime: RealtimeConfig{
			Channel:        "auction_changes",
			Debounce:       300 * time.Millisecond,
			MaxWait:        2 * time.Second,
			NATSSubject:    "auction",
			SubscriberSize: 64,
		},
	}
}

// validate checks configuration invariants.
func (c *Config) validate() error {
	switch c.Database.Driver {
	case "postgres", "memory":
		// valid
	default:
		return fmt.Errorf("unsupported database driver %q: must be \"postgres\" or \"memory\"", c.Database.Driver)
	}
	if err := c.Auction.Timer.Validate(); err != nil {
		return fmt.Errorf("auction timer: %w", err)
	}
	if c.Auction.TickInterval <= 0 {
		return fmt.Errorf("auction tick_interval must be positive")
	}
	if c.Realtime.Debounce <= 0 || c.Realtime.MaxWait < c.Realtime.Debounce {
		return fmt.Errorf("realtime debounce must be positive and not exceed max_wait")
	}
	if c.Realtime.Listen && c.Database.Driver != "postgres" {
		return fmt.Errorf("realtime listen requires the postgres driver")
	}
	if c.Discord.Token != "" && c.Discord.ChannelID == "" {
		return fmt.Errorf("discord channel_id is required when a token is set")
	}
	return nil
}
