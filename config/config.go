package config

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	ThreatWatch ThreatWatchConfig `yaml:"threatwatch"`
}

// ThreatWatchConfig is the project configuration.
type ThreatWatchConfig struct {
	Backend BackendConfig `yaml:"backend"`
	Stream  StreamConfig  `yaml:"stream"`
	Store   StoreConfig   `yaml:"store"`
	Notify  NotifyConfig  `yaml:"notify"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

// BackendConfig controls the REST endpoints used for bulk and summary fetches.
type BackendConfig struct {
	BaseURL        string            `yaml:"base_url"`
	Timeout        time.Duration     `yaml:"timeout"`
	Headers        map[string]string `yaml:"headers"`
	RecentLimit    int               `yaml:"recent_limit"`
	SeedAttempts   uint              `yaml:"seed_attempts"`
	SeedRetryDelay time.Duration     `yaml:"seed_retry_delay"`
	BreakerTimeout time.Duration     `yaml:"breaker_timeout"`
	BreakerTrips   uint32            `yaml:"breaker_trips"`
}

// StreamConfig controls the push connection.
type StreamConfig struct {
	Mode           string          `yaml:"mode"` // websocket|redis
	ReconnectDelay time.Duration   `yaml:"reconnect_delay"`
	WebSocket      WebSocketConfig `yaml:"websocket"`
	Redis          RedisConfig     `yaml:"redis"`
}

// WebSocketConfig controls the WebSocket push link.
type WebSocketConfig struct {
	URL              string            `yaml:"url"`
	HandshakeTimeout time.Duration     `yaml:"handshake_timeout"`
	Headers          map[string]string `yaml:"headers"`
}

// RedisConfig controls the Redis list push link.
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	Key          string        `yaml:"key"`
	BlockTimeout time.Duration `yaml:"block_timeout"`
}

// StoreConfig controls the alert store buffers.
type StoreConfig struct {
	MaxAlerts   int `yaml:"max_alerts"`
	MaxTimeline int `yaml:"max_timeline"`
}

// NotifyConfig controls the notification sink.
type NotifyConfig struct {
	Mode      string           `yaml:"mode"` // log|file|http
	QueueSize int              `yaml:"queue_size"`
	File      FileOutputConfig `yaml:"file"`
	HTTP      HTTPOutputConfig `yaml:"http"`
}

// FileOutputConfig config for local JSON output.
type FileOutputConfig struct {
	Path string `yaml:"path"`
}

// HTTPOutputConfig config for remote output.
type HTTPOutputConfig struct {
	URL     string            `yaml:"url"`
	Timeout time.Duration     `yaml:"timeout"`
	Headers map[string]string `yaml:"headers"`
}

// MetricsConfig controls the prometheus listener.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// LoggingConfig controls logging output.
type LoggingConfig struct {
	Enabled bool   `yaml:"enabled"`
	Level   string `yaml:"level"`
	File    string `yaml:"file"`
	Console bool   `yaml:"console"`
}

// LoadConfig reads and parses a YAML config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// FindConfigFile resolves the config path: the explicit argument if it
// exists, then threatwatch.yml in the working directory, then next to the
// executable.
func FindConfigFile(configArg string) string {
	if configArg != "" {
		if _, err := os.Stat(configArg); err == nil {
			return configArg
		}
	}

	if _, err := os.Stat("threatwatch.yml"); err == nil {
		return "threatwatch.yml"
	}

	exePath, err := os.Executable()
	if err == nil {
		path := filepath.Join(filepath.Dir(exePath), "threatwatch.yml")
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return "threatwatch.yml"
}

// ApplyDefaults fills zero values.
func ApplyDefaults(cfg *Config) {
	tw := &cfg.ThreatWatch

	if tw.Backend.BaseURL == "" {
		tw.Backend.BaseURL = "http://localhost:8000"
	}
	if tw.Backend.Timeout <= 0 {
		tw.Backend.Timeout = 5 * time.Second
	}
	if tw.Backend.RecentLimit <= 0 {
		tw.Backend.RecentLimit = 100
	}
	if tw.Backend.SeedAttempts == 0 {
		tw.Backend.SeedAttempts = 5
	}
	if tw.Backend.SeedRetryDelay <= 0 {
		tw.Backend.SeedRetryDelay = time.Second
	}
	if tw.Backend.BreakerTimeout <= 0 {
		tw.Backend.BreakerTimeout = 30 * time.Second
	}
	if tw.Backend.BreakerTrips == 0 {
		tw.Backend.BreakerTrips = 5
	}

	if tw.Stream.Mode == "" {
		tw.Stream.Mode = "websocket"
	}
	if tw.Stream.ReconnectDelay <= 0 {
		tw.Stream.ReconnectDelay = 3 * time.Second
	}
	if tw.Stream.WebSocket.URL == "" {
		tw.Stream.WebSocket.URL = "ws://localhost:8000/ws"
	}
	if tw.Stream.WebSocket.HandshakeTimeout <= 0 {
		tw.Stream.WebSocket.HandshakeTimeout = 10 * time.Second
	}
	if tw.Stream.Redis.Addr == "" {
		tw.Stream.Redis.Addr = "127.0.0.1:6379"
	}
	if tw.Stream.Redis.Key == "" {
		tw.Stream.Redis.Key = "network-threats"
	}
	if tw.Stream.Redis.BlockTimeout <= 0 {
		tw.Stream.Redis.BlockTimeout = 5 * time.Second
	}

	if tw.Store.MaxAlerts <= 0 {
		tw.Store.MaxAlerts = 100
	}
	if tw.Store.MaxTimeline <= 0 {
		tw.Store.MaxTimeline = 20
	}

	if tw.Notify.Mode == "" {
		tw.Notify.Mode = "log"
	}
	if tw.Notify.QueueSize <= 0 {
		tw.Notify.QueueSize = 64
	}
	if tw.Notify.File.Path == "" {
		tw.Notify.File.Path = "output/notifications.jsonl"
	}

	if tw.Metrics.Addr == "" {
		tw.Metrics.Addr = ":9090"
	}

	if tw.Logging.Level == "" {
		tw.Logging.Level = "info"
	}
}
