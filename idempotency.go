package xrelay

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	defaultIdempotencySize = 100_000
	defaultIdempotencyTTL  = 10 * time.Minute
)

// idempotencyWindow remembers message ids for a bounded time and count.
// An id that ages out or is evicted can be enqueued again.
type idempotencyWindow struct {
	ids *expirable.LRU[string, struct{}]
}

func newIdempotencyWindow(size int, ttl time.Duration) *idempotencyWindow {
	if size < 1 {
		size = defaultIdempotencySize
	}
	if ttl <= 0 {
		ttl = defaultIdempotencyTTL
	}
	return &idempotencyWindow{ids: expirable.NewLRU[string, struct{}](size, nil, ttl)}
}

// observe records id and reports whether it was already inside the window.
func (w *idempotencyWindow) observe(id string) (duplicate bool) {
	// Peek treats an expired id as absent even before the cleaner evicts it.
	if _, ok := w.ids.Peek(id); ok {
		return true
	}
	w.ids.Add(id, struct{}{})
	return false
}

func (w *idempotencyWindow) purge() { w.ids.Purge() }

func (w *idempotencyWindow) len() int { return w.ids.Len() }
