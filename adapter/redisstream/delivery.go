package redisstream

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// delivery is one stream entry read through the consumer group.
type delivery struct {
	t          *transport
	stream     string
	channel    string
	id         string
	payload    []byte
	producedAt time.Time
}

func (d *delivery) ack(ctx context.Context) error {
	err := d.t.client.XAck(ctx, d.stream, d.t.cfg.Group, d.id).Err()
	if err != nil {
		return err
	}
	d.t.metrics.acked.Add(1)
	if d.t.cfg.AutoDeleteOnAck {
		_ = d.t.client.XDel(ctx, d.stream, d.id).Err()
	}
	return nil
}

// nack has no Redis counterpart. With a dead letter stream the entry is
// copied there and acknowledged; otherwise it stays pending until the claim
// loop re-delivers it.
func (d *delivery) nack(ctx context.Context, reason error) error {
	d.t.metrics.nacked.Add(1)
	dl := d.t.cfg.DeadLetter
	if dl == "" {
		return nil
	}
	err := d.t.client.XAdd(ctx, &redis.XAddArgs{
		Stream: dl,
		ID:     "*",
		Values: map[string]any{
			"orig_stream":   d.stream,
			"orig_id":       d.id,
			"error":         fmt.Sprintf("%v", reason),
			fieldChannel:    d.channel,
			fieldPayload:    d.payload,
			fieldProducedAt: d.producedAt.UnixNano(),
		},
	}).Err()
	if err != nil {
		return err
	}
	d.t.metrics.deadLettered.Add(1)
	return d.ack(ctx)
}

// decode fills payload and producedAt from the entry values.
func (d *delivery) decode(vals map[string]any) {
	switch p := vals[fieldPayload].(type) {
	case string:
		d.payload = []byte(p)
	case []byte:
		d.payload = p
	}
	if ns, ok := toInt64(vals[fieldProducedAt]); ok && ns > 0 {
		d.producedAt = time.Unix(0, ns)
	}
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	case string:
		if i, err := strconv.ParseInt(n, 10, 64); err == nil {
			return i, true
		}
	case []byte:
		return toInt64(string(n))
	}
	return 0, false
}
