package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"slices"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "PARLEY_"

// Config defines client configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server" envPrefix:"SERVER_"`
	Auth       AuthConfig       `yaml:"auth" envPrefix:"AUTH_"`
	Connection ConnectionConfig `yaml:"connection" envPrefix:"CONNECTION_"`
	Presence   PresenceConfig   `yaml:"presence" envPrefix:"PRESENCE_"`
	Tabs       TabsConfig       `yaml:"tabs" envPrefix:"TABS_"`
	DB         DBConfig         `yaml:"db" envPrefix:"DB_"`
	Log        LogConfig        `yaml:"log" envPrefix:"LOG_"`
	Metrics    MetricsConfig    `yaml:"metrics" envPrefix:"METRICS_"`
}

type ServerConfig struct {
	Origin     string `yaml:"origin" env:"ORIGIN"`
	SocketPath string `yaml:"socket_path" env:"SOCKET_PATH"`
	// APIBase defaults to Origin.
	APIBase string `yaml:"api_base" env:"API_BASE"`
}

type AuthConfig struct {
	Token     string `yaml:"token" env:"TOKEN"`
	UserID    string `yaml:"user_id" env:"USER_ID"`
	UserName  string `yaml:"user_name" env:"USER_NAME"`
	UserEmail string `yaml:"user_email" env:"USER_EMAIL"`
}

type ConnectionConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" env:"HEARTBEAT_INTERVAL"`
	BaseDelay         time.Duration `yaml:"base_delay" env:"BASE_DELAY"`
	BackoffFactor     float64       `yaml:"backoff_factor" env:"BACKOFF_FACTOR"`
	MaxDelay          time.Duration `yaml:"max_delay" env:"MAX_DELAY"`
	MaxAttempts       int           `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	ResumeCooldown    time.Duration `yaml:"resume_cooldown" env:"RESUME_COOLDOWN"`
	DialTimeout       time.Duration `yaml:"dial_timeout" env:"DIAL_TIMEOUT"`
}

type PresenceConfig struct {
	TypingTTL      time.Duration `yaml:"typing_ttl" env:"TYPING_TTL"`
	TypingInterval time.Duration `yaml:"typing_interval" env:"TYPING_INTERVAL"`
}

type TabsConfig struct {
	RefreshInterval time.Duration `yaml:"refresh_interval" env:"REFRESH_INTERVAL"`
	BroadcastPoll   time.Duration `yaml:"broadcast_poll" env:"BROADCAST_POLL"`
}

type DBConfig struct {
	Path string `yaml:"path" env:"PATH"`
}

type LogConfig struct {
	Level string `yaml:"level" env:"LEVEL"`
	Path  string `yaml:"path" env:"PATH"`
}

type MetricsConfig struct {
	// Addr is the listen address of the /metrics endpoint. Empty disables it.
	Addr string `yaml:"addr" env:"ADDR"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			SocketPath: "/ws",
		},
		Connection: ConnectionConfig{
			HeartbeatInterval: 30 * time.Second,
			BaseDelay:         2 * time.Second,
			BackoffFactor:     1.5,
			MaxDelay:          15 * time.Second,
			MaxAttempts:       10,
			ResumeCooldown:    time.Second,
			DialTimeout:       10 * time.Second,
		},
		Presence: PresenceConfig{
			TypingTTL:      5 * time.Second,
			TypingInterval: 2 * time.Second,
		},
		Tabs: TabsConfig{
			RefreshInterval: 10 * time.Second,
			BroadcastPoll:   250 * time.Millisecond,
		},
		DB: DBConfig{
			Path: "parley.db",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from defaults, an optional YAML file and the
// environment, in that order. path overrides PARLEY_CONFIG_PATH.
func Load(path string) (Config, error) {
	envFile := os.Getenv(EnvPrefix + "ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load env file %s: %w", envFile, err)
	}

	cfg := Default()

	if path == "" {
		path = os.Getenv(EnvPrefix + "CONFIG_PATH")
	}
	if path != "" {
		if err := loadFromFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}

	if cfg.Server.APIBase == "" {
		cfg.Server.APIBase = cfg.Server.Origin
	}
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if err := validateOrigin("server.origin", c.Server.Origin, "http", "https", "ws", "wss"); err != nil {
		return err
	}
	if c.Server.APIBase != "" {
		if err := validateOrigin("server.api_base", c.Server.APIBase, "http", "https"); err != nil {
			return err
		}
	}
	durations := []struct {
		name string
		d    time.Duration
	}{
		{"connection.heartbeat_interval", c.Connection.HeartbeatInterval},
		{"connection.base_delay", c.Connection.BaseDelay},
		{"connection.max_delay", c.Connection.MaxDelay},
		{"connection.resume_cooldown", c.Connection.ResumeCooldown},
		{"connection.dial_timeout", c.Connection.DialTimeout},
		{"presence.typing_ttl", c.Presence.TypingTTL},
		{"presence.typing_interval", c.Presence.TypingInterval},
		{"tabs.refresh_interval", c.Tabs.RefreshInterval},
		{"tabs.broadcast_poll", c.Tabs.BroadcastPoll},
	}
	for _, d := range durations {
		if d.d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", d.name, d.d)
		}
	}
	if c.Connection.BackoffFactor < 1 {
		return fmt.Errorf("connection.backoff_factor must be at least 1, got %v", c.Connection.BackoffFactor)
	}
	if c.Connection.MaxAttempts <= 0 {
		return fmt.Errorf("connection.max_attempts must be positive, got %d", c.Connection.MaxAttempts)
	}
	if c.Connection.MaxDelay < c.Connection.BaseDelay {
		return fmt.Errorf("connection.max_delay %s is below base_delay %s", c.Connection.MaxDelay, c.Connection.BaseDelay)
	}
	if c.DB.Path == "" {
		return errors.New("db.path is required")
	}
	return nil
}

func validateOrigin(name, origin string, schemes ...string) error {
	if origin == "" {
		return fmt.Errorf("%s is required", name)
	}
	u, err := url.Parse(origin)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	if !slices.Contains(schemes, u.Scheme) {
		return fmt.Errorf("invalid %s %q: unsupported scheme", name, origin)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid %s %q: missing host", name, origin)
	}
	return nil
}
