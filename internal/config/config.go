package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	LogLevel   string `yaml:"log_level"`
	Dev        bool   `yaml:"dev"`

	MongoURI      string `yaml:"mongo_uri"`
	MongoDatabase string `yaml:"mongo_database"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	SessionTTL   time.Duration `yaml:"session_ttl"`
	ChallengeTTL time.Duration `yaml:"challenge_ttl"`

	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
	MaxRoomsPerConn  int           `yaml:"max_rooms_per_conn"`

	Rate RateConfig `yaml:"rate"`

	Ledger LedgerConfig `yaml:"ledger"`
}

type RateConfig struct {
	MessageLimit  int           `yaml:"message_limit"`
	MessageWindow time.Duration `yaml:"message_window"`
	ControlLimit  int           `yaml:"control_limit"`
	ControlWindow time.Duration `yaml:"control_window"`
	TightLimit    int           `yaml:"tight_limit"`
	TightWindow   time.Duration `yaml:"tight_window"`
	OriginConns   int           `yaml:"origin_conns"`
	OriginWindow  time.Duration `yaml:"origin_window"`
}

type LedgerConfig struct {
	Endpoint       string        `yaml:"endpoint"`
	Program        string        `yaml:"program"`
	BatchSize      int           `yaml:"batch_size"`
	IntervalFloor  time.Duration `yaml:"interval_floor"`
	IntervalCeil   time.Duration `yaml:"interval_ceil"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// Default returns the configuration used when no file overrides it.
func Default() *Config {
	return &Config{
		ListenAddr:       "localhost:9090",
		LogLevel:         "info",
		MongoURI:         "mongodb://localhost:27017",
		MongoDatabase:    "relay",
		RedisAddr:        "localhost:6379",
		SessionTTL:       24 * time.Hour,
		ChallengeTTL:     60 * time.Second,
		HeartbeatTimeout: 5 * time.Minute,
		MaxRoomsPerConn:  32,
		Rate: RateConfig{
			MessageLimit:  30,
			MessageWindow: 60 * time.Second,
			ControlLimit:  60,
			ControlWindow: 60 * time.Second,
			TightLimit:    10,
			TightWindow:   60 * time.Second,
			OriginConns:   5,
			OriginWindow:  10 * time.Second,
		},
		Ledger: LedgerConfig{
			BatchSize:      16,
			IntervalFloor:  5 * time.Second,
			IntervalCeil:   5 * time.Minute,
			RequestTimeout: 15 * time.Second,
		},
	}
}

// Load reads the YAML config at path on top of defaults. A .env file in
// the working directory is loaded first; a handful of deployment-bound
// values can then be overridden from the environment.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if v := os.Getenv("RELAY_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("RELAY_MONGO_URI"); v != "" {
		cfg.MongoURI = v
	}
	if v := os.Getenv("RELAY_REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("RELAY_REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("RELAY_LEDGER_ENDPOINT"); v != "" {
		cfg.Ledger.Endpoint = v
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr cannot be empty")
	}
	if c.Rate.MessageLimit <= 0 || c.Rate.MessageWindow <= 0 {
		return fmt.Errorf("rate.message_limit and rate.message_window must be positive")
	}
	if c.Ledger.BatchSize <= 0 {
		return fmt.Errorf("ledger.batch_size must be positive")
	}
	if c.Ledger.IntervalFloor <= 0 || c.Ledger.IntervalCeil < c.Ledger.IntervalFloor {
		return fmt.Errorf("ledger interval bounds are inconsistent")
	}
	return nil
}
