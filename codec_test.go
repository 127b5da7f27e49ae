package xrelay

import (
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedTime = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func TestBatchEnvelopeWireFormat(t *testing.T) {
	env := BatchEnvelope{
		Type: envelopeTypeBatch,
		Messages: []EnvelopeMessage{
			{ID: "activity:1", Payload: `{"event":"users_update","userId":"u1"}`, Timestamp: fixedTime},
			{ID: "activity:2", Payload: `{"event":"bookings_update","userId":"u2"}`, Timestamp: fixedTime.Add(time.Second)},
		},
		Timestamp: fixedTime.Add(2 * time.Second),
	}
	b, err := JSONCodec{}.Marshal(env)
	require.NoError(t, err)

	g := goldie.New(t)
	g.Assert(t, "batch_envelope", b)

	msgs, ok := UnwrapBatch(JSONCodec{}, b)
	require.True(t, ok)
	assert.Equal(t, env.Messages, msgs)
}

func TestChangeEventWireFormat(t *testing.T) {
	ev := ChangeEvent{
		Event:         "payments_update",
		Collection:    "payments",
		OperationType: OpInsert,
		DocumentKey:   "p1",
		FullDocument:  map[string]any{"amount": 1250, "userId": "u1"},
		Timestamp:     fixedTime,
	}
	b, err := JSONCodec{}.Marshal(ev)
	require.NoError(t, err)

	g := goldie.New(t)
	g.Assert(t, "change_event", b)
}

func TestPollEventWireFormat(t *testing.T) {
	ev := ChangeEvent{Event: "activity_poll", OperationType: OpPoll, Timestamp: fixedTime, Advisory: true}
	b, err := JSONCodec{}.Marshal(ev)
	require.NoError(t, err)

	g := goldie.New(t)
	g.Assert(t, "poll_event", b)
}

func TestUnwrapBatchRejectsOtherPayloads(t *testing.T) {
	for _, p := range []string{
		`{"event":"users_update"}`,
		`{"type":"single","messages":[]}`,
		`{"type":`,
		``,
	} {
		_, ok := UnwrapBatch(JSONCodec{}, []byte(p))
		assert.False(t, ok, p)
	}
}

func TestCodecRegistry(t *testing.T) {
	c, err := NewCodec("json")
	require.NoError(t, err)
	assert.Equal(t, "json", c.Name())

	_, err = NewCodec("msgpack")
	assert.Error(t, err)

	assert.Error(t, RegisterCodec("", func() Codec { return JSONCodec{} }))
	assert.Error(t, RegisterCodec("x", nil))
}
