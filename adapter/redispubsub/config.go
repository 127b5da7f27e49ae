package redispubsub

import (
	"fmt"
	"time"
)

// Config for the Redis PUBLISH/SUBSCRIBE transport.
type Config struct {
	Addr          string
	Username      string
	Password      string
	DB            int
	TLS           bool
	TLSServerName string

	// ChannelPrefix namespaces relay channels on a shared Redis.
	ChannelPrefix string
	// BufferSize is the go-redis receive channel size per subscription.
	BufferSize int
	// HealthCheckInterval pings idle subscriptions.
	HealthCheckInterval time.Duration
	// HandlerTimeout bounds one handler call (0 = unbounded).
	HandlerTimeout time.Duration
}

// Defaults returns a Config with production-safe defaults.
func Defaults() Config {
	return Config{
		Addr:                "127.0.0.1:6379",
		ChannelPrefix:       "xrelay:",
		BufferSize:          1024,
		HealthCheckInterval: 30 * time.Second,
	}
}

// Validate checks Config.
func (c Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("config: addr required")
	}
	if c.BufferSize < 1 {
		return fmt.Errorf("config: buffer_size must be >= 1, got %d", c.BufferSize)
	}
	return nil
}

func (c Config) toMap() map[string]any {
	return map[string]any{
		"addr":                  c.Addr,
		"username":              c.Username,
		"password":              c.Password,
		"db":                    c.DB,
		"tls":                   c.TLS,
		"tls_server_name":       c.TLSServerName,
		"channel_prefix":        c.ChannelPrefix,
		"buffer_size":           c.BufferSize,
		"health_check_interval": c.HealthCheckInterval,
		"handler_timeout":       c.HandlerTimeout,
	}
}

// ConfigFromMap converts cfg into Config, keeping defaults for missing keys.
func ConfigFromMap(cfg map[string]any) Config {
	d := Defaults()
	getString := func(k, def string) string {
		if v, ok := cfg[k].(string); ok && v != "" {
			return v
		}
		return def
	}
	getInt := func(k string, def int) int {
		switch v := cfg[k].(type) {
		case int:
			return v
		case int64:
			return int(v)
		case float64:
			return int(v)
		}
		return def
	}
	getBool := func(k string, def bool) bool {
		if v, ok := cfg[k].(bool); ok {
			return v
		}
		return def
	}
	getDur := func(k string, def time.Duration) time.Duration {
		switch v := cfg[k].(type) {
		case time.Duration:
			return v
		case string:
			if p, err := time.ParseDuration(v); err == nil {
				return p
			}
		case float64:
			return time.Duration(v)
		}
		return def
	}

	// an explicit empty prefix is allowed
	prefix := d.ChannelPrefix
	if v, ok := cfg["channel_prefix"].(string); ok {
		prefix = v
	}

	return Config{
		Addr:                getString("addr", d.Addr),
		Username:            getString("username", ""),
		Password:            getString("password", ""),
		DB:                  getInt("db", 0),
		TLS:                 getBool("tls", false),
		TLSServerName:       getString("tls_server_name", ""),
		ChannelPrefix:       prefix,
		BufferSize:          getInt("buffer_size", d.BufferSize),
		HealthCheckInterval: getDur("health_check_interval", d.HealthCheckInterval),
		HandlerTimeout:      getDur("handler_timeout", 0),
	}
}
