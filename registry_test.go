package xrelay

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoomsJoinAndDisconnect(t *testing.T) {
	r := NewRooms(RoomsConfig{})
	a, b := newFakeConn("a"), newFakeConn("b")

	require.NoError(t, r.Join(a, "u1"))
	require.NoError(t, r.Join(b, "u1"))
	require.NoError(t, r.Join(a, "u2"))
	assert.Error(t, r.Join(a, ""))

	assert.Equal(t, 2, r.Members(RoomName("u1")))
	assert.Equal(t, 1, r.Members(RoomName("u2")))
	assert.Equal(t, 2, r.Connections())

	r.Disconnect(a)
	assert.Equal(t, 1, r.Members(RoomName("u1")))
	assert.Zero(t, r.Members(RoomName("u2")))
	assert.Equal(t, 1, r.Connections())

	r.Disconnect(a)
	assert.Equal(t, 1, r.Connections())
}

func TestRoomsPerUserDelivery(t *testing.T) {
	r := NewRooms(RoomsConfig{})
	u1, u2 := newFakeConn("c1"), newFakeConn("c2")
	require.NoError(t, r.Join(u1, "u1"))
	require.NoError(t, r.Join(u2, "u2"))

	payload := `{"event":"users_update","fullDocument":{"userId":"u1"}}`
	require.NoError(t, r.Handle(context.Background(), ChannelActivity, []byte(payload)))

	require.Len(t, u1.sent(), 1)
	assert.Equal(t, "users_update", u1.sent()[0].event)
	assert.Equal(t, payload, u1.sent()[0].payload)
	assert.Empty(t, u2.sent())
}

func TestRoomsUserIDShapes(t *testing.T) {
	cases := map[string]string{
		"string":       `{"userId":"42"}`,
		"number":       `{"userId":42}`,
		"extended oid": `{"fullDocument":{"userId":{"$oid":"42"}}}`,
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			r := NewRooms(RoomsConfig{})
			c := newFakeConn("c")
			require.NoError(t, r.Join(c, "42"))
			require.NoError(t, r.Handle(context.Background(), ChannelActivity, []byte(payload)))
			assert.Len(t, c.sent(), 1)
		})
	}
}

func TestRoomsDropsPerUserPayloadWithoutUser(t *testing.T) {
	events := &eventLog{}
	r := NewRooms(RoomsConfig{Observers: []Observer{events}})
	c := newFakeConn("c")
	require.NoError(t, r.Join(c, "u1"))

	require.NoError(t, r.Handle(context.Background(), ChannelActivity, []byte(`{"event":"x"}`)))
	require.NoError(t, r.Handle(context.Background(), ChannelActivity, []byte(`not json`)))

	assert.Empty(t, c.sent())
	assert.Len(t, events.ofType(EventDropped), 2)
}

func TestRoomsAdvisoryGoesToEveryone(t *testing.T) {
	r := NewRooms(RoomsConfig{})
	joined, anon := newFakeConn("a"), newFakeConn("b")
	require.NoError(t, r.Join(joined, "u1"))
	r.Connect(anon)

	payload := `{"event":"activity_poll","operationType":"poll","advisory":true}`
	require.NoError(t, r.Handle(context.Background(), ChannelActivity, []byte(payload)))

	assert.Len(t, joined.sent(), 1)
	assert.Len(t, anon.sent(), 1)
	assert.Equal(t, "activity_poll", anon.sent()[0].event)
}

func TestRoomsBroadcastRoute(t *testing.T) {
	r := NewRooms(RoomsConfig{})
	a, b := newFakeConn("a"), newFakeConn("b")
	r.Connect(a)
	require.NoError(t, r.Join(b, "u9"))

	require.NoError(t, r.Handle(context.Background(), ChannelStats, []byte(`{"event":"stats_refresh"}`)))

	for _, c := range []*fakeConn{a, b} {
		require.Len(t, c.sent(), 1)
		assert.Equal(t, "stats-update", c.sent()[0].event, "route event name wins over payload")
	}
}

func TestRoomsUnwrapsBatchEnvelope(t *testing.T) {
	r := NewRooms(RoomsConfig{})
	u1, u2 := newFakeConn("a"), newFakeConn("b")
	require.NoError(t, r.Join(u1, "u1"))
	require.NoError(t, r.Join(u2, "u2"))

	env := `{"type":"batch","messages":[` +
		`{"id":"1","payload":"{\"event\":\"e1\",\"userId\":\"u1\"}","timestamp":"2026-01-01T00:00:00Z"},` +
		`{"id":"2","payload":"{\"event\":\"e2\",\"userId\":\"u2\"}","timestamp":"2026-01-01T00:00:00Z"},` +
		`{"id":"3","payload":"{\"event\":\"e3\",\"userId\":\"u1\"}","timestamp":"2026-01-01T00:00:00Z"}` +
		`],"timestamp":"2026-01-01T00:00:00Z"}`
	require.NoError(t, r.Handle(context.Background(), ChannelActivity, []byte(env)))

	require.Len(t, u1.sent(), 2)
	assert.Equal(t, "e1", u1.sent()[0].event)
	assert.Equal(t, "e3", u1.sent()[1].event)
	require.Len(t, u2.sent(), 1)
	assert.JSONEq(t, `{"event":"e2","userId":"u2"}`, u2.sent()[0].payload)
}

func TestRoomsUnknownChannelIsNotAnError(t *testing.T) {
	r := NewRooms(RoomsConfig{})
	c := newFakeConn("c")
	r.Connect(c)
	assert.NoError(t, r.Handle(context.Background(), "nope", []byte(`{"userId":"u1"}`)))
	assert.Empty(t, c.sent())
}

func TestRoomsSendFailureDoesNotStopDelivery(t *testing.T) {
	r := NewRooms(RoomsConfig{})
	bad, good := newFakeConn("bad"), newFakeConn("good")
	bad.err = errors.New("gone")
	r.Connect(bad)
	r.Connect(good)

	require.NoError(t, r.Handle(context.Background(), ChannelAvailabilityUpdate, []byte(`{"stationId":"s1"}`)))
	assert.Len(t, good.sent(), 1)
	assert.Equal(t, ChannelAvailabilityUpdate, good.sent()[0].event)
}

func TestRoomsCustomRoutes(t *testing.T) {
	r := NewRooms(RoomsConfig{Routes: []Route{{Channel: "alerts", Kind: RouteBroadcast}}})
	assert.Equal(t, []string{"alerts"}, r.Channels())

	c := newFakeConn("c")
	r.Connect(c)
	require.NoError(t, r.Handle(context.Background(), "alerts", []byte(`{"level":"high"}`)))
	require.Len(t, c.sent(), 1)
	assert.Equal(t, "alerts", c.sent()[0].event, "channel name is the fallback event")
}

func TestRoomsChannelsSorted(t *testing.T) {
	r := NewRooms(RoomsConfig{})
	assert.Equal(t, []string{
		ChannelActivity,
		ChannelAvailabilityUpdate,
		ChannelPaymentUpdate,
		ChannelSessionUpdate,
		ChannelStats,
	}, r.Channels())
}

func TestRoomsSubscribeRequiresTransport(t *testing.T) {
	_, err := NewRooms(RoomsConfig{}).Subscribe(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNoTransportConfigured)
}

// hexCodec frames JSON as hex so a JSON decoder cannot read it.
type hexCodec struct{}

func (hexCodec) Marshal(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return []byte(hex.EncodeToString(b)), nil
}

func (hexCodec) Unmarshal(data []byte, v any) error {
	b, err := hex.DecodeString(string(data))
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

func (hexCodec) Name() string { return "hex-json" }

func TestRoomsHandleDecodesWithCodecFromContext(t *testing.T) {
	r := NewRooms(RoomsConfig{})
	c := newFakeConn("c")
	require.NoError(t, r.Join(c, "u1"))

	payload, err := hexCodec{}.Marshal(map[string]any{"event": "users_update", "userId": "u1"})
	require.NoError(t, err)

	// registry codec is JSON: without the injected codec the payload is dropped
	require.NoError(t, r.Handle(context.Background(), ChannelActivity, payload))
	assert.Empty(t, c.sent())

	ctx := WithDeps(context.Background(), hexCodec{}, nil, nil)
	require.NoError(t, r.Handle(ctx, ChannelActivity, payload))
	require.Len(t, c.sent(), 1)
	assert.Equal(t, "users_update", c.sent()[0].event)
}
