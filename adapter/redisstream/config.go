package redisstream

import (
	"fmt"
	"os"
	"time"
)

// Config for the Redis Streams transport.
type Config struct {
	// Connection
	Addr          string
	Username      string
	Password      string
	DB            int
	TLS           bool
	TLSServerName string

	// Streams and consumer group
	StreamPrefix string
	Group        string
	Consumer     string
	Concurrency  int
	BatchSize    int
	Block        time.Duration
	AutoCreate   bool
	// DestroyGroup removes Group from every subscribed stream when the
	// subscription closes. Leave it off for groups shared between processes.
	DestroyGroup bool

	// Stream management
	AutoDeleteOnAck bool
	DeadLetter      string
	MaxLenApprox    int64

	// Pending entry recovery
	ClaimMinIdle  time.Duration
	ClaimBatch    int
	ClaimInterval time.Duration
	MaxDeliveries int
}

// instanceName identifies this process; it names the default group and consumer.
func instanceName() string {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "xrelay"
	}
	return fmt.Sprintf("xrelay-%s-%d", hostname, os.Getpid())
}

// Defaults returns a Config with production-safe defaults.
func Defaults() Config {
	name := instanceName()
	return Config{
		Addr:          "127.0.0.1:6379",
		StreamPrefix:  "xrelay:",
		Group:         name,
		Consumer:      name,
		Concurrency:   1,
		BatchSize:     128,
		Block:         5 * time.Second,
		AutoCreate:    true,
		DestroyGroup:  true,
		MaxLenApprox:  10_000,
		ClaimMinIdle:  30 * time.Second,
		ClaimBatch:    128,
		ClaimInterval: 15 * time.Second,
		MaxDeliveries: 5,
	}
}

// Validate checks Config for production readiness.
func (c Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("config: addr required")
	}
	if c.Group == "" {
		return fmt.Errorf("config: group required")
	}
	if c.Consumer == "" {
		return fmt.Errorf("config: consumer required")
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("config: concurrency must be >= 1, got %d", c.Concurrency)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("config: batch_size must be >= 1, got %d", c.BatchSize)
	}
	if c.Block <= 0 {
		return fmt.Errorf("config: block must be > 0, got %v", c.Block)
	}
	if c.ClaimMinIdle > 0 && c.ClaimInterval <= 0 {
		return fmt.Errorf("config: claim_interval must be > 0 if claim_min_idle is set")
	}
	if c.MaxDeliveries < 0 {
		return fmt.Errorf("config: max_deliveries must be >= 0, got %d", c.MaxDeliveries)
	}
	return nil
}

// toMap converts Config to the generic map for the transport factory.
func (c Config) toMap() map[string]any {
	return map[string]any{
		"addr":               c.Addr,
		"username":           c.Username,
		"password":           c.Password,
		"db":                 c.DB,
		"tls":                c.TLS,
		"tls_server_name":    c.TLSServerName,
		"stream_prefix":      c.StreamPrefix,
		"group":              c.Group,
		"consumer":           c.Consumer,
		"concurrency":        c.Concurrency,
		"batch_size":         c.BatchSize,
		"block":              c.Block,
		"auto_create":        c.AutoCreate,
		"destroy_group":      c.DestroyGroup,
		"auto_delete_on_ack": c.AutoDeleteOnAck,
		"dead_letter":        c.DeadLetter,
		"max_len_approx":     c.MaxLenApprox,
		"claim_min_idle":     c.ClaimMinIdle,
		"claim_batch":        c.ClaimBatch,
		"claim_interval":     c.ClaimInterval,
		"max_deliveries":     c.MaxDeliveries,
	}
}

// ConfigFromMap converts cfg into Config, keeping defaults for missing keys.
// Numbers may arrive as int, int64 or float64 (YAML/JSON) and durations as strings.
func ConfigFromMap(cfg map[string]any) Config {
	d := Defaults()
	getString := func(k, def string) string {
		if v, ok := cfg[k].(string); ok && v != "" {
			return v
		}
		return def
	}
	getInt64 := func(k string, def int64) int64 {
		switch v := cfg[k].(type) {
		case int:
			return int64(v)
		case int32:
			return int64(v)
		case int64:
			return v
		case float64:
			return int64(v)
		}
		return def
	}
	getInt := func(k string, def int) int { return int(getInt64(k, int64(def))) }
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

	group := getString("group", d.Group)
	return Config{
		Addr:          getString("addr", d.Addr),
		Username:      getString("username", ""),
		Password:      getString("password", ""),
		DB:            getInt("db", 0),
		TLS:           getBool("tls", false),
		TLSServerName: getString("tls_server_name", ""),

		StreamPrefix: getString("stream_prefix", d.StreamPrefix),
		Group:        group,
		Consumer:     getString("consumer", d.Consumer),
		Concurrency:  getInt("concurrency", d.Concurrency),
		BatchSize:    getInt("batch_size", d.BatchSize),
		Block:        getDur("block", d.Block),
		AutoCreate:   getBool("auto_create", d.AutoCreate),
		// a named group is shared unless the caller says otherwise
		DestroyGroup: getBool("destroy_group", group == d.Group),

		AutoDeleteOnAck: getBool("auto_delete_on_ack", false),
		DeadLetter:      getString("dead_letter", ""),
		MaxLenApprox:    getInt64("max_len_approx", d.MaxLenApprox),

		ClaimMinIdle:  getDur("claim_min_idle", d.ClaimMinIdle),
		ClaimBatch:    getInt("claim_batch", d.ClaimBatch),
		ClaimInterval: getDur("claim_interval", d.ClaimInterval),
		MaxDeliveries: getInt("max_deliveries", d.MaxDeliveries),
	}
}
