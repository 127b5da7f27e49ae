package xrelay

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strconv"
	"sync"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// RouteKind selects who receives messages on a channel.
type RouteKind int

const (
	// RoutePerUser delivers to the room of the userId embedded in the payload.
	RoutePerUser RouteKind = iota
	// RouteBroadcast delivers to every live connection.
	RouteBroadcast
)

// Route maps a pub/sub channel to client delivery.
type Route struct {
	Channel string
	Kind    RouteKind

	// ClientEvent is the event name sent to clients. Empty means the
	// payload's own "event" field, falling back to Channel.
	ClientEvent string
}

// DefaultRoutes returns the channels the registry listens on out of the box.
func DefaultRoutes() []Route {
	return []Route{
		{Channel: ChannelActivity, Kind: RoutePerUser},
		{Channel: ChannelStats, Kind: RouteBroadcast, ClientEvent: "stats-update"},
		{Channel: ChannelSessionUpdate, Kind: RoutePerUser, ClientEvent: ChannelSessionUpdate},
		{Channel: ChannelPaymentUpdate, Kind: RoutePerUser, ClientEvent: ChannelPaymentUpdate},
		{Channel: ChannelAvailabilityUpdate, Kind: RouteBroadcast, ClientEvent: ChannelAvailabilityUpdate},
	}
}

// RoomName returns the delivery room for a user.
func RoomName(userID string) string { return "user-" + userID }

// RoomsConfig configures a Rooms registry. Zero fields take defaults.
type RoomsConfig struct {
	Routes    []Route
	Codec     Codec
	Logger    *xlog.Logger
	Clock     xclock.Clock
	Observers []Observer
	Pool      *ObserverPool
}

// Rooms is the connection registry: it tracks live connections, groups them
// into per-user rooms and routes inbound pub/sub messages to them.
type Rooms struct {
	codec     Codec
	clock     xclock.Clock
	logger    *xlog.Logger
	observers *observerSet
	routes    map[string]Route

	mu    sync.RWMutex
	conns map[string]*member
	rooms map[string]map[string]Conn
}

type member struct {
	conn  Conn
	rooms map[string]struct{}
}

// NewRooms builds a registry. With no routes configured DefaultRoutes is used.
func NewRooms(cfg RoomsConfig) *Rooms {
	if len(cfg.Routes) == 0 {
		cfg.Routes = DefaultRoutes()
	}
	if cfg.Codec == nil {
		cfg.Codec = JSONCodec{}
	}
	if cfg.Logger == nil {
		cfg.Logger = xlog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = xclock.Default()
	}
	r := &Rooms{
		codec:     cfg.Codec,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
		observers: &observerSet{pool: cfg.Pool, observers: cfg.Observers},
		routes:    make(map[string]Route, len(cfg.Routes)),
		conns:     make(map[string]*member),
		rooms:     make(map[string]map[string]Conn),
	}
	for _, rt := range cfg.Routes {
		r.routes[rt.Channel] = rt
	}
	return r
}

// Connect registers c for broadcast delivery. Join calls it implicitly.
func (r *Rooms) Connect(c Conn) {
	r.mu.Lock()
	r.connectLocked(c)
	r.mu.Unlock()
}

func (r *Rooms) connectLocked(c Conn) *member {
	m, ok := r.conns[c.ID()]
	if !ok {
		m = &member{conn: c, rooms: make(map[string]struct{}, 1)}
		r.conns[c.ID()] = m
	}
	return m
}

// Join adds c to the room of userID.
func (r *Rooms) Join(c Conn, userID string) error {
	if userID == "" {
		return errors.New("xrelay: join requires a user id")
	}
	room := RoomName(userID)

	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.connectLocked(c)
	m.rooms[room] = struct{}{}
	members, ok := r.rooms[room]
	if !ok {
		members = make(map[string]Conn, 1)
		r.rooms[room] = members
	}
	members[c.ID()] = c
	return nil
}

// Disconnect removes c from every room it joined.
func (r *Rooms) Disconnect(c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.conns[c.ID()]
	if !ok {
		return
	}
	delete(r.conns, c.ID())
	for room := range m.rooms {
		members := r.rooms[room]
		delete(members, c.ID())
		if len(members) == 0 {
			delete(r.rooms, room)
		}
	}
}

// Members returns the number of connections in room.
func (r *Rooms) Members(room string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[room])
}

// Connections returns the number of live connections.
func (r *Rooms) Connections() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Channels returns the routed channel names in stable order.
func (r *Rooms) Channels() []string {
	out := make([]string, 0, len(r.routes))
	for ch := range r.routes {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

// Subscribe attaches the registry to every routed channel of t.
func (r *Rooms) Subscribe(ctx context.Context, t Transport, mws ...Middleware) (Subscription, error) {
	if t == nil {
		return nil, ErrNoTransportConfigured
	}
	base := append([]Middleware{RecoveryMiddleware(), LoggingMiddleware()}, mws...)
	h := Chain(r.Handle, base...)
	sctx := WithDeps(ctx, r.codec, r.logger, r.clock)
	return t.Subscribe(sctx, r.Channels(), h)
}

// Handle routes one inbound message, decoding it with the codec attached to
// ctx by WithDeps or the registry's own codec. Unknown channels and messages
// without a routable user are logged and dropped; they are never errors.
func (r *Rooms) Handle(ctx context.Context, channel string, payload []byte) error {
	rt, ok := r.routes[channel]
	if !ok {
		r.logger.Warn().Str("channel", channel).Msg("xrelay: message on unknown channel dropped")
		r.observers.notify(Event{Type: EventDropped, Channel: channel})
		return nil
	}
	codec := codecFromContext(ctx, r.codec)
	if msgs, ok := UnwrapBatch(codec, payload); ok {
		for _, m := range msgs {
			r.deliver(rt, codec, []byte(m.Payload))
		}
		return nil
	}
	r.deliver(rt, codec, payload)
	return nil
}

// routingFields is the part of a payload the registry inspects.
type routingFields struct {
	Event        string `json:"event"`
	Advisory     bool   `json:"advisory"`
	UserID       any    `json:"userId"`
	FullDocument struct {
		UserID any `json:"userId"`
	} `json:"fullDocument"`
}

func (r *Rooms) deliver(rt Route, codec Codec, payload []byte) {
	var f routingFields
	if err := codec.Unmarshal(payload, &f); err != nil {
		r.logger.Debug().Str("channel", rt.Channel).Err(err).Msg("xrelay: undecodable payload dropped")
		r.observers.notify(Event{Type: EventDropped, Channel: rt.Channel, Err: err})
		return
	}

	event := rt.ClientEvent
	if event == "" {
		event = f.Event
	}
	if event == "" {
		event = rt.Channel
	}

	var (
		targets []Conn
		room    string
	)
	switch rt.Kind {
	case RouteBroadcast:
		targets = r.snapshotAll()
	default:
		uid := userIDString(f.UserID)
		if uid == "" {
			uid = userIDString(f.FullDocument.UserID)
		}
		if uid == "" && f.Advisory {
			// advisory signals belong to no user; everyone re-fetches
			targets = r.snapshotAll()
			break
		}
		if uid == "" {
			r.logger.Debug().Str("channel", rt.Channel).Msg("xrelay: payload without userId dropped")
			r.observers.notify(Event{Type: EventDropped, Channel: rt.Channel})
			return
		}
		room = RoomName(uid)
		targets = r.snapshotRoom(room)
	}

	for _, c := range targets {
		if err := c.Send(event, payload); err != nil {
			r.logger.Debug().
				Str("conn", c.ID()).
				Str("event", event).
				Err(err).
				Msg("xrelay: send to connection failed")
		}
	}
	r.observers.notify(Event{Type: EventDelivered, Channel: rt.Channel, Room: room, Count: len(targets)})
}

func (r *Rooms) snapshotRoom(room string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := r.rooms[room]
	out := make([]Conn, 0, len(members))
	for _, c := range members {
		out = append(out, c)
	}
	return out
}

func (r *Rooms) snapshotAll() []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Conn, 0, len(r.conns))
	for _, m := range r.conns {
		out = append(out, m.conn)
	}
	return out
}

// userIDString normalizes the userId shapes seen in documents: plain strings,
// numbers and extended-JSON object ids.
func userIDString(v any) string {
	switch id := v.(type) {
	case string:
		return id
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64)
	case json.Number:
		return id.String()
	case map[string]any:
		if oid, ok := id["$oid"].(string); ok {
			return oid
		}
	}
	return ""
}
