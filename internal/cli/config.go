package cli

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/trickstertwo/xrelay"
	mongoadapter "github.com/trickstertwo/xrelay/adapter/mongo"
	"github.com/trickstertwo/xrelay/adapter/redispubsub"
)

// Config is the daemon configuration file.
type Config struct {
	Mongo     MongoConfig     `yaml:"mongo"`
	Transport TransportConfig `yaml:"transport"`
	Queue     QueueConfig     `yaml:"queue"`
	Watcher   WatcherConfig   `yaml:"watcher"`
	HTTP      HTTPConfig      `yaml:"http"`
	DLQ       DLQConfig       `yaml:"dlq"`
	Log       LogConfig       `yaml:"log"`
	Observers ObserversConfig `yaml:"observers"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type MongoConfig struct {
	URI      string        `yaml:"uri"`
	Database string        `yaml:"database"`
	MaxAwait time.Duration `yaml:"max_await"`
}

// TransportConfig selects a registered transport; Options go to its ConfigFromMap.
type TransportConfig struct {
	Name    string         `yaml:"name"`
	Options map[string]any `yaml:"options"`
}

type QueueConfig struct {
	BatchSize       int           `yaml:"batch_size"`
	BatchTime       time.Duration `yaml:"batch_time"`
	MaxAttempts     int           `yaml:"max_attempts"`
	IdempotencySize int           `yaml:"idempotency_size"`
	IdempotencyTTL  time.Duration `yaml:"idempotency_ttl"`
}

type WatcherConfig struct {
	PollInterval  time.Duration  `yaml:"poll_interval"`
	ResumeBackoff time.Duration  `yaml:"resume_backoff"`
	Targets       []TargetConfig `yaml:"targets"`
}

type TargetConfig struct {
	Collection string `yaml:"collection"`
	Event      string `yaml:"event"`
	Stats      bool   `yaml:"stats"`
}

type HTTPConfig struct {
	Addr       string `yaml:"addr"`
	SocketPath string `yaml:"socket_path"`
	HealthPath string `yaml:"health_path"`
}

type DLQConfig struct {
	// Path of the SQLite dead-letter log. Empty logs dead letters only.
	Path string `yaml:"path"`
}

type LogConfig struct {
	Level   string `yaml:"level"`
	Console bool   `yaml:"console"`
}

type ObserversConfig struct {
	Workers int `yaml:"workers"`
	Buffer  int `yaml:"buffer"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	batch := xrelay.DefaultBatchConfig()
	return Config{
		Mongo: MongoConfig{
			URI:      "mongodb://127.0.0.1:27017",
			Database: "app",
			MaxAwait: time.Second,
		},
		Transport: TransportConfig{
			Name:    redispubsub.TransportName,
			Options: map[string]any{"addr": "127.0.0.1:6379"},
		},
		Queue: QueueConfig{
			BatchSize:   batch.MaxSize,
			BatchTime:   batch.MaxTime,
			MaxAttempts: 5,
		},
		Watcher: WatcherConfig{
			PollInterval:  10 * time.Second,
			ResumeBackoff: time.Second,
		},
		HTTP: HTTPConfig{
			Addr:       ":8080",
			SocketPath: "/ws",
			HealthPath: "/healthz",
		},
		Log:             LogConfig{Level: "info"},
		Observers:       ObserversConfig{Workers: 2, Buffer: 1024},
		ShutdownTimeout: 15 * time.Second,
	}
}

// LoadConfig reads path over the defaults, then applies XRELAY_* environment
// overrides. An empty path skips the file.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("XRELAY_MONGO_URI", &c.Mongo.URI)
	str("XRELAY_MONGO_DATABASE", &c.Mongo.Database)
	str("XRELAY_TRANSPORT", &c.Transport.Name)
	str("XRELAY_HTTP_ADDR", &c.HTTP.Addr)
	str("XRELAY_DLQ_PATH", &c.DLQ.Path)
	str("XRELAY_LOG_LEVEL", &c.Log.Level)

	if v, ok := lookup("XRELAY_REDIS_ADDR"); ok && v != "" {
		if c.Transport.Options == nil {
			c.Transport.Options = map[string]any{}
		}
		c.Transport.Options["addr"] = v
	}
	if v, ok := lookup("XRELAY_LOG_CONSOLE"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("XRELAY_LOG_CONSOLE: %w", err)
		}
		c.Log.Console = b
	}
	if v, ok := lookup("XRELAY_POLL_INTERVAL"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("XRELAY_POLL_INTERVAL: %w", err)
		}
		c.Watcher.PollInterval = d
	}
	return nil
}

// Validate checks the merged configuration.
func (c Config) Validate() error {
	var errs []error
	if c.Mongo.URI == "" {
		errs = append(errs, errors.New("mongo.uri is required"))
	}
	if c.Transport.Name == "" {
		errs = append(errs, errors.New("transport.name is required"))
	}
	if c.HTTP.Addr == "" {
		errs = append(errs, errors.New("http.addr is required"))
	}
	if !strings.HasPrefix(c.HTTP.SocketPath, "/") || !strings.HasPrefix(c.HTTP.HealthPath, "/") {
		errs = append(errs, errors.New("http paths must start with /"))
	}
	if c.Queue.BatchSize < 0 || c.Queue.MaxAttempts < 0 {
		errs = append(errs, errors.New("queue sizes must not be negative"))
	}
	return errors.Join(errs...)
}

func (c Config) mongoConfig() mongoadapter.Config {
	return mongoadapter.Config{
		URI:      c.Mongo.URI,
		Database: c.Mongo.Database,
		MaxAwait: c.Mongo.MaxAwait,
	}
}

func (c Config) targets() []xrelay.WatchTarget {
	out := make([]xrelay.WatchTarget, 0, len(c.Watcher.Targets))
	for _, t := range c.Watcher.Targets {
		event := t.Event
		if event == "" {
			event = t.Collection + "_update"
		}
		out = append(out, xrelay.WatchTarget{Collection: t.Collection, Event: event, Stats: t.Stats})
	}
	return out
}
