package websocket

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/trickstertwo/xlog"
	"github.com/trickstertwo/xrelay"
)

var (
	ErrConnClosed   = errors.New("websocket: connection closed")
	ErrSlowConsumer = errors.New("websocket: send buffer full")
)

// frame is the server-to-client message shape.
type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Conn is one client connection. Send is safe for concurrent use; a single
// writer goroutine owns the socket.
type Conn struct {
	id     string
	ws     *websocket.Conn
	cfg    Config
	logger *xlog.Logger

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

var _ xrelay.Conn = (*Conn)(nil)

func newConn(ws *websocket.Conn, cfg Config, logger *xlog.Logger) *Conn {
	id := uuid.NewString()
	return &Conn{
		id:     id,
		ws:     ws,
		cfg:    cfg,
		logger: logger.With(xlog.Str("conn", id)),
		send:   make(chan []byte, cfg.SendBuffer),
		done:   make(chan struct{}),
	}
}

func (c *Conn) ID() string { return c.id }

// Send queues {"event": event, "data": payload}. Payloads that are not JSON
// are sent as a JSON string. A full send buffer closes the connection.
func (c *Conn) Send(event string, payload []byte) error {
	data := json.RawMessage(payload)
	if !json.Valid(payload) {
		quoted, err := json.Marshal(string(payload))
		if err != nil {
			return err
		}
		data = quoted
	}
	b, err := json.Marshal(frame{Event: event, Data: data})
	if err != nil {
		return err
	}

	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case c.send <- b:
		return nil
	case <-c.done:
		return ErrConnClosed
	default:
		// a client that cannot keep up is dropped and must reconnect and re-fetch
		c.logger.Warn().Str("event", event).Msg("websocket: send buffer full, disconnecting")
		_ = c.Close()
		return ErrSlowConsumer
	}
}

// closeFrameWait bounds how long Close waits to send the close frame.
const closeFrameWait = 250 * time.Millisecond

// Close stops the writer, sends a normal-closure frame and closes the socket.
// Safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		// WriteControl may run concurrently with the writer's WriteMessage
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(closeFrameWait))
		err = c.ws.Close()
	})
	return err
}

func (c *Conn) writeLoop() {
	ticker := time.NewTicker(c.cfg.pingPeriod())
	defer ticker.Stop()

	for {
		select {
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logger.Debug().Err(err).Msg("websocket: write failed")
				_ = c.Close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}
