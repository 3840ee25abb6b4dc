package config

import (
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration.
type Config struct {
	Database       DatabaseConfig       `yaml:"database"`
	Server         ServerConfig         `yaml:"server"`
	Telemetry      TelemetryConfig      `yaml:"telemetry"`
	LeaderElection LeaderElectionConfig `yaml:"leader_election"`
	Auction        AuctionConfig        `yaml:"auction"`
	Scheduler      SchedulerConfig      `yaml:"scheduler"`
	Gateway        GatewayConfig        `yaml:"gateway"`
	Payment        PaymentConfig        `yaml:"payment"`
	Notify         NotifyConfig         `yaml:"notify"`
	NATS           NATSConfig           `yaml:"nats"`
	Redis          RedisConfig          `yaml:"redis"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
	Driver   string `yaml:"driver"` // "sqlx" or "memory"
	// Migrate applies the bundled schema on startup. Every statement is
	// idempotent.
	Migrate bool `yaml:"migrate"`
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
	HealthPort      int           `yaml:"health_port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
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
	Enabled bool `yaml:"enabled"`
	// Identity names this replica in the lease. Empty means POD_NAME, then
	// the hostname.
	Identity       string        `yaml:"identity"`
	LeaseName      string        `yaml:"lease_name"`
	LeaseNamespace string        `yaml:"lease_namespace"`
	LeaseDuration  time.Duration `yaml:"lease_duration"`
	RenewDeadline  time.Duration `yaml:"renew_deadline"`
	RetryPeriod    time.Duration `yaml:"retry_period"`
}

// AuctionConfig tunes the per-auction serialization boundary.
type AuctionConfig struct {
	// LockTimeout bounds how long a command waits for exclusive access to
	// one auction before failing with a timeout.
	LockTimeout time.Duration `yaml:"lock_timeout"`
	// DuplicateWindow collapses repeated identical bids from one bidder.
	DuplicateWindow time.Duration `yaml:"duplicate_window"`
}

// SchedulerConfig controls the lifecycle sweep.
type SchedulerConfig struct {
	Interval time.Duration `yaml:"interval"`
	LockKey  string        `yaml:"lock_key"`
	LockTTL  time.Duration `yaml:"lock_ttl"`
}

// GatewayConfig holds realtime gateway settings.
type GatewayConfig struct {
	Path           string        `yaml:"path"`
	SendBuffer     int           `yaml:"send_buffer"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	PongWait       time.Duration `yaml:"pong_wait"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	// TrustedProxies lists the addresses or CIDR ranges whose
	// X-Forwarded-For header is honored. Empty means the header is ignored.
	TrustedProxies []string `yaml:"trusted_proxies"`
}

// TrustedPrefixes parses TrustedProxies. A bare address becomes a
// single-host prefix.
func (g GatewayConfig) TrustedPrefixes() ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(g.TrustedProxies))
	for _, raw := range g.TrustedProxies {
		if p, err := netip.ParsePrefix(raw); err == nil {
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("gateway.trusted_proxies: %q is not an address or CIDR", raw)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

// PaymentConfig holds payment gateway settings.
type PaymentConfig struct {
	Endpoint string        `yaml:"endpoint"`
	APIKey   string        `yaml:"api_key"`
	Currency string        `yaml:"currency"`
	Timeout  time.Duration `yaml:"timeout"`
}

// NotifyConfig selects how win notices are delivered.
type NotifyConfig struct {
	Driver       string `yaml:"driver"` // "discord" or "log"
	DiscordToken string `yaml:"discord_token"`
}

// NATSConfig holds domain event publishing settings.
type NATSConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// RedisConfig holds settings for the scheduler's distributed tick lock.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Load reads a YAML configuration file from the given path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Defaults()

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Defaults returns a Config populated with default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			HealthPort:      8081,
			ShutdownTimeout: 15 * time.Second,
		},
		Database: DatabaseConfig{
			Host:    "localhost",
			Port:    5432,
			SSLMode: "disable",
			Driver:  "sqlx",
		},
		Telemetry: TelemetryConfig{
			ServiceName:    "bidengine",
			ServiceVersion: "0.1.0",
		},
		LeaderElection: LeaderElectionConfig{
			Enabled:        false,
			LeaseName:      "bidengine-leader",
			LeaseNamespace: "default",
			LeaseDuration:  15 * time.Second,
			RenewDeadline:  10 * time.Second,
			RetryPeriod:    2 * time.Second,
		},
		Auction: AuctionConfig{
			LockTimeout:     3 * time.Second,
			DuplicateWindow: time.Second,
		},
		Scheduler: SchedulerConfig{
			Interval: time.Minute,
			LockKey:  "bidengine:sweep",
			LockTTL:  55 * time.Second,
		},
		Gateway: GatewayConfig{
			Path:         "/ws",
			SendBuffer:   256,
			PingInterval: 54 * time.Second,
			PongWait:     60 * time.Second,
		},
		Payment: PaymentConfig{
			Currency: "usd",
			Timeout:  10 * time.Second,
		},
		Notify: NotifyConfig{
			Driver: "log",
		},
		NATS: NATSConfig{
			URL:           "nats://localhost:4222",
			SubjectPrefix: "auction.events",
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
	}
}

// validate checks configuration invariants.
func (c *Config) validate() error {
	switch c.Database.Driver {
	case "sqlx", "memory":
		// valid
	default:
		return fmt.Errorf("unsupported database driver %q: must be \"sqlx\" or \"memory\"", c.Database.Driver)
	}
	switch c.Notify.Driver {
	case "log":
	case "discord":
		if c.Notify.DiscordToken == "" {
			return fmt.Errorf("notify.discord_token is required for the discord driver")
		}
	default:
		return fmt.Errorf("unsupported notify driver %q: must be \"discord\" or \"log\"", c.Notify.Driver)
	}
	if c.Auction.LockTimeout <= 0 {
		return fmt.Errorf("auction.lock_timeout must be positive")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be positive")
	}
	if c.Gateway.SendBuffer <= 0 {
		return fmt.Errorf("gateway.send_buffer must be positive")
	}
	if _, err := c.Gateway.TrustedPrefixes(); err != nil {
		return err
	}
	return nil
}
