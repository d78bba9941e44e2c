package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for the Huddle relay.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Security   SecurityConfig   `yaml:"security"`
	Rooms      RoomsConfig      `yaml:"rooms"`
	Logging    LoggingConfig    `yaml:"logging"`
	Health     HealthConfig     `yaml:"health"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

// ServerConfig contains the WebSocket listener settings.
type ServerConfig struct {
	ListenAddress  string        `yaml:"listen_address"`
	DrainTimeout   time.Duration `yaml:"drain_timeout"`
	MaxMessageSize int64         `yaml:"max_message_size"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	TLS            TLSConfig     `yaml:"tls"`
}

// TLSConfig contains optional TLS settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// SecurityConfig contains connection admission settings.
type SecurityConfig struct {
	RateLimit           RateLimitConfig `yaml:"rate_limit"`
	MaxConnections      int             `yaml:"max_connections"`
	MaxConnectionsPerIP int             `yaml:"max_connections_per_ip"`
}

// RateLimitConfig contains per-IP connection rate limiting settings.
type RateLimitConfig struct {
	Enabled              bool `yaml:"enabled"`
	ConnectionsPerMinute int  `yaml:"connections_per_minute"`
}

// RoomsConfig contains room lifecycle settings.
type RoomsConfig struct {
	// EmptyRoomTTL evicts rooms with zero members after this long.
	// Zero disables eviction: empty rooms then live until an explicit
	// delete-chat, matching the relay's default semantics.
	EmptyRoomTTL  time.Duration `yaml:"empty_room_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// MaxHistory caps the number of messages kept per room; the oldest
	// are dropped first. Zero keeps the full history.
	MaxHistory int `yaml:"max_history"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// HealthConfig contains health check endpoint settings.
type HealthConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Endpoint      string `yaml:"endpoint"`
	ListenAddress string `yaml:"listen_address"`
	Detailed      bool   `yaml:"detailed"`
}

// MonitoringConfig contains metrics settings.
type MonitoringConfig struct {
	MetricsEnabled  bool   `yaml:"metrics_enabled"`
	MetricsEndpoint string `yaml:"metrics_endpoint"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddress:  "127.0.0.1:9190",
			DrainTimeout:   30 * time.Second,
			MaxMessageSize: 262144, // 256KB
			WriteTimeout:   30 * time.Second,
			ReadTimeout:    5 * time.Minute,
		},
		Security: SecurityConfig{
			MaxConnections:      1000,
			MaxConnectionsPerIP: 20,
			RateLimit: RateLimitConfig{
				Enabled:              true,
				ConnectionsPerMinute: 60,
			},
		},
		Rooms: RoomsConfig{
			EmptyRoomTTL:  0, // never evict
			SweepInterval: time.Minute,
			MaxHistory:    0, // unbounded
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
			Compress:   true,
		},
		Health: HealthConfig{
			Enabled:       true,
			Endpoint:      "/health",
			ListenAddress: "127.0.0.1:9191",
			Detailed:      true,
		},
		Monitoring: MonitoringConfig{
			MetricsEnabled:  false,
			MetricsEndpoint: "/metrics",
		},
	}
}

// Load reads a config file and applies environment variable overrides.
// An empty path loads defaults plus environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("config file not found at %s", path)
			}
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w (check YAML indentation)", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.ListenAddress == "" {
		return fmt.Errorf("server.listen_address is required")
	}
	if _, _, err := net.SplitHostPort(c.Server.ListenAddress); err != nil {
		return fmt.Errorf("server.listen_address is invalid: %w", err)
	}
	if c.Server.MaxMessageSize <= 0 {
		return fmt.Errorf("server.max_message_size must be positive")
	}
	if c.Server.MaxMessageSize > 67108864 {
		return fmt.Errorf("server.max_message_size must not exceed 67108864 (64MB)")
	}
	if c.Server.DrainTimeout <= 0 {
		return fmt.Errorf("server.drain_timeout must be positive")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be positive")
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be positive")
	}
	if c.Server.DrainTimeout > 5*time.Minute {
		return fmt.Errorf("server.drain_timeout must not exceed 5m")
	}
	if c.Server.WriteTimeout > 5*time.Minute {
		return fmt.Errorf("server.write_timeout must not exceed 5m")
	}

	if c.Server.TLS.Enabled {
		if c.Server.TLS.CertFile == "" {
			return fmt.Errorf("server.tls.cert_file is required when TLS is enabled")
		}
		if c.Server.TLS.KeyFile == "" {
			return fmt.Errorf("server.tls.key_file is required when TLS is enabled")
		}
	}

	if c.Security.MaxConnections <= 0 {
		return fmt.Errorf("security.max_connections must be positive")
	}
	if c.Security.MaxConnections > 65535 {
		return fmt.Errorf("security.max_connections must not exceed 65535")
	}
	if c.Security.MaxConnectionsPerIP <= 0 {
		return fmt.Errorf("security.max_connections_per_ip must be positive")
	}
	if c.Security.MaxConnectionsPerIP > c.Security.MaxConnections {
		return fmt.Errorf("security.max_connections_per_ip must not exceed security.max_connections")
	}
	if c.Security.RateLimit.Enabled && c.Security.RateLimit.ConnectionsPerMinute <= 0 {
		return fmt.Errorf("security.rate_limit.connections_per_minute must be positive")
	}

	if c.Rooms.EmptyRoomTTL < 0 {
		return fmt.Errorf("rooms.empty_room_ttl must not be negative")
	}
	if c.Rooms.EmptyRoomTTL > 0 && c.Rooms.SweepInterval <= 0 {
		return fmt.Errorf("rooms.sweep_interval must be positive when eviction is enabled")
	}
	if c.Rooms.MaxHistory < 0 {
		return fmt.Errorf("rooms.max_history must not be negative")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
		// valid
	default:
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	switch c.Logging.Format {
	case "json", "text":
		// valid
	default:
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if c.Health.Enabled {
		if c.Health.ListenAddress == "" {
			return fmt.Errorf("health.listen_address is required when health is enabled")
		}
		if _, _, err := net.SplitHostPort(c.Health.ListenAddress); err != nil {
			return fmt.Errorf("health.listen_address is invalid: %w", err)
		}
		host, _, _ := net.SplitHostPort(c.Health.ListenAddress)
		ip := net.ParseIP(host)
		if ip != nil && !ip.IsLoopback() {
			return fmt.Errorf("health.listen_address should bind to a loopback address (e.g. 127.0.0.1) to avoid exposing metrics")
		}
		if c.Server.ListenAddress == c.Health.ListenAddress {
			return fmt.Errorf("server.listen_address and health.listen_address must be different")
		}
	}

	return nil
}

// applyEnvOverrides applies HUDDLE_ prefixed environment variables.
// Convention: HUDDLE_ + uppercase + underscores for nesting.
func applyEnvOverrides(cfg *Config) {
	envMap := map[string]func(string){
		"HUDDLE_SERVER_LISTEN_ADDRESS":   func(v string) { cfg.Server.ListenAddress = v },
		"HUDDLE_SERVER_DRAIN_TIMEOUT":    func(v string) { cfg.Server.DrainTimeout = parseDuration(v, cfg.Server.DrainTimeout) },
		"HUDDLE_SERVER_MAX_MESSAGE_SIZE": func(v string) { cfg.Server.MaxMessageSize = parseInt64(v, cfg.Server.MaxMessageSize) },
		"HUDDLE_SERVER_WRITE_TIMEOUT":    func(v string) { cfg.Server.WriteTimeout = parseDuration(v, cfg.Server.WriteTimeout) },
		"HUDDLE_SERVER_READ_TIMEOUT":     func(v string) { cfg.Server.ReadTimeout = parseDuration(v, cfg.Server.ReadTimeout) },
		"HUDDLE_SECURITY_MAX_CONNECTIONS": func(v string) {
			cfg.Security.MaxConnections = parseInt(v, cfg.Security.MaxConnections)
		},
		"HUDDLE_SECURITY_MAX_CONNECTIONS_PER_IP": func(v string) {
			cfg.Security.MaxConnectionsPerIP = parseInt(v, cfg.Security.MaxConnectionsPerIP)
		},
		"HUDDLE_SECURITY_RATE_LIMIT_ENABLED": func(v string) {
			cfg.Security.RateLimit.Enabled = parseBool(v, cfg.Security.RateLimit.Enabled)
		},
		"HUDDLE_SECURITY_RATE_LIMIT_CONNECTIONS_PER_MINUTE": func(v string) {
			cfg.Security.RateLimit.ConnectionsPerMinute = parseInt(v, cfg.Security.RateLimit.ConnectionsPerMinute)
		},
		"HUDDLE_ROOMS_EMPTY_ROOM_TTL":  func(v string) { cfg.Rooms.EmptyRoomTTL = parseDuration(v, cfg.Rooms.EmptyRoomTTL) },
		"HUDDLE_ROOMS_MAX_HISTORY":     func(v string) { cfg.Rooms.MaxHistory = parseInt(v, cfg.Rooms.MaxHistory) },
		"HUDDLE_LOGGING_LEVEL":         func(v string) { cfg.Logging.Level = v },
		"HUDDLE_LOGGING_FORMAT":        func(v string) { cfg.Logging.Format = v },
		"HUDDLE_LOGGING_FILE":          func(v string) { cfg.Logging.File = v },
		"HUDDLE_HEALTH_ENABLED":        func(v string) { cfg.Health.Enabled = parseBool(v, cfg.Health.Enabled) },
		"HUDDLE_HEALTH_LISTEN_ADDRESS": func(v string) { cfg.Health.ListenAddress = v },
	}

	for env, setter := range envMap {
		if v := os.Getenv(env); v != "" {
			setter(v)
		}
	}
}

// ApplyReloadableFields copies the SIGHUP-reloadable fields from newCfg
// into c. Non-reloadable: listen addresses, TLS, room lifecycle.
func (c *Config) ApplyReloadableFields(newCfg *Config) {
	c.Security.RateLimit = newCfg.Security.RateLimit
	c.Security.MaxConnections = newCfg.Security.MaxConnections
	c.Security.MaxConnectionsPerIP = newCfg.Security.MaxConnectionsPerIP
	c.Logging.Level = newCfg.Logging.Level
	c.Server.MaxMessageSize = newCfg.Server.MaxMessageSize
}

// ReloadWarnings lists fields that changed between configs but require
// a restart to take effect.
func ReloadWarnings(old, new *Config) []string {
	var warnings []string
	if old.Server.ListenAddress != new.Server.ListenAddress {
		warnings = append(warnings, "server.listen_address requires restart")
	}
	if old.Server.TLS != new.Server.TLS {
		warnings = append(warnings, "server.tls requires restart")
	}
	if old.Health.ListenAddress != new.Health.ListenAddress {
		warnings = append(warnings, "health.listen_address requires restart")
	}
	if old.Rooms != new.Rooms {
		warnings = append(warnings, "rooms settings require restart")
	}
	return warnings
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

func parseInt64(s string, fallback int64) int64 {
	var v int64
	if _, err := fmt.Sscanf(s, "%d", &v); err != nil {
		return fallback
	}
	return v
}

func parseInt(s string, fallback int) int {
	var v int
	if _, err := fmt.Sscanf(s, "%d", &v); err != nil {
		return fallback
	}
	return v
}

func parseBool(s string, fallback bool) bool {
	s = strings.ToLower(s)
	switch s {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		return fallback
	}
}
