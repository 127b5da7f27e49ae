package websocket

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/trickstertwo/xlog"
	"github.com/trickstertwo/xrelay"
)

// inbound is the client-to-server message shape.
type inbound struct {
	Action string `json:"action"`
	UserID string `json:"userId"`
}

// Handler upgrades HTTP requests to websocket connections registered with a
// Rooms registry. Clients send {"action":"join","userId":"..."} to enter
// their user room; a userId query parameter joins at connect time.
type Handler struct {
	rooms    *xrelay.Rooms
	cfg      Config
	logger   *xlog.Logger
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[string]*Conn
}

// NewHandler returns an http.Handler serving client connections for rooms.
func NewHandler(rooms *xrelay.Rooms, cfg Config, logger *xlog.Logger) *Handler {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = xlog.Default()
	}
	return &Handler{
		rooms:  rooms,
		cfg:    cfg,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     cfg.CheckOrigin,
		},
		conns: make(map[string]*Conn),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error.
		h.logger.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("websocket: upgrade failed")
		return
	}
	c := newConn(ws, h.cfg, h.logger)
	h.track(c)
	h.rooms.Connect(c)
	c.logger.Debug().Str("remote", r.RemoteAddr).Msg("websocket: client connected")

	if uid := r.URL.Query().Get("userId"); uid != "" {
		h.join(c, uid)
	}

	go c.writeLoop()
	h.readLoop(c)

	h.rooms.Disconnect(c)
	h.untrack(c)
	_ = c.Close()
	c.logger.Debug().Msg("websocket: client disconnected")
}

func (h *Handler) readLoop(c *Conn) {
	c.ws.SetReadLimit(h.cfg.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug().Err(err).Msg("websocket: read failed")
			}
			return
		}
		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			_ = c.Send("error", errorPayload("malformed message"))
			continue
		}
		switch msg.Action {
		case "join":
			h.join(c, msg.UserID)
		default:
			_ = c.Send("error", errorPayload("unknown action"))
		}
	}
}

func (h *Handler) join(c *Conn, userID string) {
	if err := h.rooms.Join(c, userID); err != nil {
		_ = c.Send("error", errorPayload(err.Error()))
		return
	}
	room := xrelay.RoomName(userID)
	c.logger.Debug().Str("room", room).Msg("websocket: joined room")
	_ = c.Send("joined", mustJSON(map[string]string{"room": room}))
}

// Connections returns the number of live connections served by h.
func (h *Handler) Connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Close disconnects every live client. http.Server.Shutdown does not track
// hijacked connections, so call this alongside it.
func (h *Handler) Close() error {
	h.mu.Lock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
	return nil
}

func (h *Handler) track(c *Conn) {
	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()
}

func (h *Handler) untrack(c *Conn) {
	h.mu.Lock()
	delete(h.conns, c.id)
	h.mu.Unlock()
}

func errorPayload(msg string) []byte { return mustJSON(map[string]string{"message": msg}) }

func mustJSON(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}
