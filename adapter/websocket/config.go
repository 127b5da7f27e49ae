package websocket

import (
	"errors"
	"net/http"
	"time"
)

// Config tunes client connections. Zero fields take Defaults.
type Config struct {
	// SendBuffer is the per-connection outbound queue. A full queue closes
	// the connection instead of blocking delivery to other clients.
	SendBuffer     int
	WriteTimeout   time.Duration
	PongWait       time.Duration
	MaxMessageSize int64

	// CheckOrigin overrides the upgrader origin check. Nil allows same-origin only.
	CheckOrigin func(r *http.Request) bool
}

// Defaults returns production-safe connection settings.
func Defaults() Config {
	return Config{
		SendBuffer:     64,
		WriteTimeout:   10 * time.Second,
		PongWait:       60 * time.Second,
		MaxMessageSize: 4096,
	}
}

// Validate checks Config after defaults are applied.
func (c Config) Validate() error {
	if c.SendBuffer <= 0 {
		return errors.New("config: send buffer must be > 0")
	}
	if c.PongWait <= 0 || c.WriteTimeout <= 0 {
		return errors.New("config: timeouts must be > 0")
	}
	return nil
}

func (c Config) withDefaults() Config {
	d := Defaults()
	if c.SendBuffer <= 0 {
		c.SendBuffer = d.SendBuffer
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.PongWait <= 0 {
		c.PongWait = d.PongWait
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	return c
}

// pingPeriod must stay below PongWait so the peer's pong arrives in time.
func (c Config) pingPeriod() time.Duration { return c.PongWait * 9 / 10 }
