package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Match    MatchConfig    `yaml:"match"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Broker   BrokerConfig   `yaml:"broker"`
}

// AuthConfig holds authentication settings
type AuthConfig struct {
	JWTSecret     string        `yaml:"jwt_secret"`
	TokenDuration time.Duration `yaml:"token_duration"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	ListenAddr     string   `yaml:"listen_addr"`
	HTTPPort       int      `yaml:"http_port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// DatabaseConfig holds SQLite settings
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// MatchConfig holds lifecycle timings
type MatchConfig struct {
	TokenTTL        time.Duration `yaml:"token_ttl"`
	StaleQueueAge   time.Duration `yaml:"stale_queue_age"`
	StaleWaitingAge time.Duration `yaml:"stale_waiting_age"` // 0 disables sweeping Waiting matches
	SweepInterval   time.Duration `yaml:"sweep_interval"`
}

// GatewayConfig holds live session settings
type GatewayConfig struct {
	StartQuorum       int     `yaml:"start_quorum"`
	PruneOnDisconnect bool    `yaml:"prune_on_disconnect"`
	MessagesPerSecond float64 `yaml:"messages_per_second"`
	MessageBurst      int     `yaml:"message_burst"`
}

// BrokerConfig holds NATS settings for start event fan-out.
// An empty URL with Embedded false disables NATS publishing.
type BrokerConfig struct {
	URL          string `yaml:"url"`
	Embedded     bool   `yaml:"embedded"`
	EmbeddedPort int    `yaml:"embedded_port"`
	StartSubject string `yaml:"start_subject"`
}

// Load reads configuration from a YAML file, then applies environment overrides
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// .env is optional
	_ = godotenv.Load()
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	cfg.setDefaults()
	return &cfg, nil
}

// Default returns a configuration with every default applied
func Default() *Config {
	var cfg Config
	cfg.setDefaults()
	return &cfg
}

func (cfg *Config) applyEnv() error {
	if v := os.Getenv("ARENA_JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("ARENA_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("ARENA_NATS_URL"); v != "" {
		cfg.Broker.URL = v
	}
	if v := os.Getenv("ARENA_HTTP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parsing ARENA_HTTP_PORT: %w", err)
		}
		cfg.Server.HTTPPort = port
	}
	return nil
}

func (cfg *Config) setDefaults() {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = "127.0.0.1"
	}
	if cfg.Server.HTTPPort == 0 {
		cfg.Server.HTTPPort = 3001
	}
	if len(cfg.Server.AllowedOrigins) == 0 {
		cfg.Server.AllowedOrigins = []string{"*"}
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "/var/lib/arena/arena.db"
	}

	if cfg.Auth.TokenDuration == 0 {
		cfg.Auth.TokenDuration = 24 * time.Hour
	}

	if cfg.Match.TokenTTL == 0 {
		cfg.Match.TokenTTL = 15 * time.Minute
	}
	if cfg.Match.StaleQueueAge == 0 {
		cfg.Match.StaleQueueAge = 10 * time.Minute
	}
	if cfg.Match.SweepInterval == 0 {
		cfg.Match.SweepInterval = 2 * time.Minute
	}

	// Quorum stays at 2 regardless of match type unless configured
	if cfg.Gateway.StartQuorum == 0 {
		cfg.Gateway.StartQuorum = 2
	}
	if cfg.Gateway.MessagesPerSecond == 0 {
		cfg.Gateway.MessagesPerSecond = 10
	}
	if cfg.Gateway.MessageBurst == 0 {
		cfg.Gateway.MessageBurst = 20
	}

	if cfg.Broker.StartSubject == "" {
		cfg.Broker.StartSubject = "arena.match.start"
	}
}
