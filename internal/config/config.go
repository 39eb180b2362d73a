package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Version is announced to the portal on every connect.
const Version = "1.4.0"

type Config struct {
	Relay      RelayConfig      `yaml:"relay"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Browser    BrowserConfig    `yaml:"browser"`
	Server     ServerConfig     `yaml:"server"`
	Settings   SettingsConfig   `yaml:"settings"`
	Redis      RedisConfig      `yaml:"redis"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
	Batch      BatchConfig      `yaml:"batch"`
	Log        LogConfig        `yaml:"log"`
}

type RelayConfig struct {
	URL            string        `yaml:"url"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	Version        string        `yaml:"version"`
}

type TelemetryConfig struct {
	PollInterval  time.Duration   `yaml:"poll_interval"`
	LoadDelays    []time.Duration `yaml:"load_delays"`
	ScanDelay     time.Duration   `yaml:"scan_delay"`
	CallTimeout   time.Duration   `yaml:"call_timeout"`
	NoUserActions bool            `yaml:"no_user_actions"`
}

// BrowserConfig selects where observations come from. "cdp" attaches to a
// Chrome DevTools endpoint; "http" only serves the feed endpoints.
type BrowserConfig struct {
	Mode        string `yaml:"mode"`
	DevToolsURL string `yaml:"devtools_url"`
}

// ServerConfig is the HTTP listener. Host defaults to loopback; browser
// requests are served only for AllowedOrigins.
type ServerConfig struct {
	Host           string   `yaml:"host"`
	HTTPPort       int      `yaml:"http_port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// SettingsConfig picks the settings store backend: "memory" or "redis".
type SettingsConfig struct {
	Backend string `yaml:"backend"`
	Key     string `yaml:"key"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type KafkaConfig struct {
	Enabled       bool              `yaml:"enabled"`
	Brokers       []string          `yaml:"brokers"`
	Topics        map[string]string `yaml:"topics"`
	ConsumerGroup string            `yaml:"consumer_group"`
}

type ClickHouseConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Addr         string `yaml:"addr"`
	Database     string `yaml:"database"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

type BatchConfig struct {
	Size          int           `yaml:"size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

type LogConfig struct {
	Level   string `yaml:"level"`
	Pretty  bool   `yaml:"pretty"`
	Service string `yaml:"service"`
}

// Load reads the yaml file at path, expanding ${VAR} references. A missing
// file is not an error: every field has a default.
func Load(path string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	default:
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.setDefaults()
	return &cfg, nil
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	var cfg Config
	cfg.setDefaults()
	return &cfg
}

func (cfg *Config) setDefaults() {
	if cfg.Relay.URL == "" {
		cfg.Relay.URL = "ws://127.0.0.1:3001"
	}
	if cfg.Relay.ReconnectDelay == 0 {
		cfg.Relay.ReconnectDelay = 3 * time.Second
	}
	if cfg.Relay.WriteTimeout == 0 {
		cfg.Relay.WriteTimeout = 5 * time.Second
	}
	if cfg.Relay.Version == "" {
		cfg.Relay.Version = Version
	}

	if cfg.Telemetry.PollInterval == 0 {
		cfg.Telemetry.PollInterval = 2 * time.Second
	}
	if len(cfg.Telemetry.LoadDelays) == 0 {
		cfg.Telemetry.LoadDelays = []time.Duration{
			500 * time.Millisecond,
			1500 * time.Millisecond,
			3 * time.Second,
		}
	}
	if cfg.Telemetry.ScanDelay == 0 {
		cfg.Telemetry.ScanDelay = 500 * time.Millisecond
	}
	if cfg.Telemetry.CallTimeout == 0 {
		cfg.Telemetry.CallTimeout = 2 * time.Second
	}

	if cfg.Browser.Mode == "" {
		cfg.Browser.Mode = "cdp"
	}
	if cfg.Browser.DevToolsURL == "" {
		cfg.Browser.DevToolsURL = "http://127.0.0.1:9222"
	}

	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.HTTPPort == 0 {
		cfg.Server.HTTPPort = 3002
	}

	if cfg.Settings.Backend == "" {
		cfg.Settings.Backend = "memory"
	}
	if cfg.Settings.Key == "" {
		cfg.Settings.Key = "auditor:settings"
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "127.0.0.1:6379"
	}

	if len(cfg.Kafka.Topics) == 0 {
		cfg.Kafka.Topics = map[string]string{
			"events":  "auditor.events",
			"reports": "auditor.reports",
		}
	}

	if cfg.Kafka.ConsumerGroup == "" {
		cfg.Kafka.ConsumerGroup = "auditor-archiver"
	}

	if cfg.ClickHouse.Database == "" {
		cfg.ClickHouse.Database = "auditor"
	}
	if cfg.ClickHouse.MaxOpenConns == 0 {
		cfg.ClickHouse.MaxOpenConns = 10
	}
	if cfg.ClickHouse.MaxIdleConns == 0 {
		cfg.ClickHouse.MaxIdleConns = 5
	}
	if cfg.Batch.Size == 0 {
		cfg.Batch.Size = 500
	}
	if cfg.Batch.FlushInterval == 0 {
		cfg.Batch.FlushInterval = 5 * time.Second
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Service == "" {
		cfg.Log.Service = "auditor"
	}
}
