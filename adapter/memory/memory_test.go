package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/xrelay"
)

type collector struct {
	mu   sync.Mutex
	msgs []string
}

func (c *collector) handle(_ context.Context, channel string, payload []byte) error {
	c.mu.Lock()
	c.msgs = append(c.msgs, channel+"|"+string(payload))
	c.mu.Unlock()
	return nil
}

func (c *collector) all() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.msgs...)
}

func TestFanOutToEverySubscriber(t *testing.T) {
	tr := NewTransport(Config{})
	ctx := context.Background()

	a, b := &collector{}, &collector{}
	subA, err := tr.Subscribe(ctx, []string{"activity", "stats"}, a.handle)
	require.NoError(t, err)
	defer subA.Close()
	subB, err := tr.Subscribe(ctx, []string{"activity"}, b.handle)
	require.NoError(t, err)
	defer subB.Close()

	require.NoError(t, tr.Publish(ctx, "activity", []byte("1")))
	require.NoError(t, tr.Publish(ctx, "stats", []byte("2")))
	require.NoError(t, tr.Publish(ctx, "other", []byte("3")))

	require.Eventually(t, func() bool { return len(a.all()) == 2 && len(b.all()) == 1 }, time.Second, 2*time.Millisecond)
	assert.Equal(t, []string{"activity|1", "stats|2"}, a.all(), "delivery keeps publish order")
	assert.Equal(t, []string{"activity|1"}, b.all())

	st := tr.Stats()
	assert.Equal(t, uint64(3), st.Published)
	assert.Equal(t, uint64(3), st.Delivered)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	tr := NewTransport(Config{})
	ctx := context.Background()
	c := &collector{}
	sub, err := tr.Subscribe(ctx, []string{"activity"}, c.handle)
	require.NoError(t, err)

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
	require.NoError(t, tr.Publish(ctx, "activity", []byte("x")))
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, c.all())
}

func TestHandlerErrorsAreCounted(t *testing.T) {
	tr := NewTransport(Config{})
	ctx := context.Background()
	sub, err := tr.Subscribe(ctx, []string{"activity"}, func(context.Context, string, []byte) error {
		return errors.New("bad payload")
	})
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, tr.Publish(ctx, "activity", []byte("x")))
	require.Eventually(t, func() bool { return tr.Stats().Failed == 1 }, time.Second, 2*time.Millisecond)
}

func TestUnavailableAndClosed(t *testing.T) {
	tr := NewTransport(Config{})
	ctx := context.Background()

	tr.SetAvailable(false)
	assert.ErrorIs(t, tr.Publish(ctx, "activity", nil), xrelay.ErrTransportUnavailable)
	tr.SetAvailable(true)
	assert.NoError(t, tr.Publish(ctx, "activity", nil))

	require.NoError(t, tr.Close(ctx))
	require.NoError(t, tr.Close(ctx))
	assert.ErrorIs(t, tr.Publish(ctx, "activity", nil), xrelay.ErrTransportUnavailable)
	_, err := tr.Subscribe(ctx, []string{"activity"}, (&collector{}).handle)
	assert.Error(t, err)
}

func TestSubscribeNeedsChannels(t *testing.T) {
	_, err := NewTransport(Config{}).Subscribe(context.Background(), nil, (&collector{}).handle)
	assert.ErrorIs(t, err, xrelay.ErrInvalidChannel)
}

func TestConfigFromMap(t *testing.T) {
	cfg := ConfigFromMap(map[string]any{"buffer_size": 8, "delivery_timeout": "250ms"})
	assert.Equal(t, Config{BufferSize: 8, DeliveryTimeout: 250 * time.Millisecond}, cfg)
	assert.Equal(t, 1024, ConfigFromMap(nil).BufferSize)
}

func TestRegisteredTransport(t *testing.T) {
	assert.Contains(t, xrelay.Transports(), TransportName)
	tr, err := xrelay.NewTransport(TransportName, map[string]any{"buffer_size": 4})
	require.NoError(t, err)
	assert.IsType(t, &Transport{}, tr)

	_, err = xrelay.NewTransport("carrier-pigeon", nil)
	var unknown xrelay.ErrUnknownTransport
	assert.ErrorAs(t, err, &unknown)
}
