package xrelay

import (
	"context"
	"sync"
	"sync/atomic"
)

// ObserverPool dispatches relay events to observers on worker goroutines so a
// slow observer never stalls the queue owner or a watch loop. Events are
// dropped when the buffer is full.
type ObserverPool struct {
	eventCh chan *Event
	workers int
	done    chan struct{}
	wg      sync.WaitGroup

	closed    atomic.Bool
	dropped   atomic.Uint64
	processed atomic.Uint64
	panicked  atomic.Uint64
}

// PoolStats is a snapshot of ObserverPool telemetry.
type PoolStats struct {
	Dropped    uint64
	Processed  uint64
	Panicked   uint64
	Buffered   int
	Workers    int
	BufferSize int
}

// NewObserverPool starts workers goroutines reading from a buffer of bufferSize events.
func NewObserverPool(workers, bufferSize int) *ObserverPool {
	if workers < 1 {
		workers = 2
	}
	if bufferSize < 1 {
		bufferSize = 1024
	}
	op := &ObserverPool{
		eventCh: make(chan *Event, bufferSize),
		workers: workers,
		done:    make(chan struct{}),
	}
	op.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go op.worker()
	}
	return op
}

// Notify queues e for the given observers. It never blocks.
func (op *ObserverPool) Notify(e Event, observers []Observer) {
	if len(observers) == 0 || op.closed.Load() {
		return
	}
	e.observers = observers
	select {
	case op.eventCh <- &e:
	default:
		op.dropped.Add(1)
	}
}

func (op *ObserverPool) worker() {
	defer op.wg.Done()
	for {
		select {
		case e := <-op.eventCh:
			op.dispatch(e)
		case <-op.done:
			// drain what is already buffered
			for {
				select {
				case e := <-op.eventCh:
					op.dispatch(e)
				default:
					return
				}
			}
		}
	}
}

func (op *ObserverPool) dispatch(e *Event) {
	if e == nil {
		return
	}
	for _, obs := range e.observers {
		if obs == nil {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					op.panicked.Add(1)
				}
			}()
			obs.OnEvent(*e)
		}()
	}
	op.processed.Add(1)
}

// Close stops the workers after the buffer drains, or returns
// ErrObserverPoolShutdownTimeout when ctx ends first.
func (op *ObserverPool) Close(ctx context.Context) error {
	if op.closed.Swap(true) {
		return nil
	}
	close(op.done)

	finished := make(chan struct{})
	go func() {
		op.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ErrObserverPoolShutdownTimeout
	}
}

// Stats returns current pool statistics.
func (op *ObserverPool) Stats() PoolStats {
	return PoolStats{
		Dropped:    op.dropped.Load(),
		Processed:  op.processed.Load(),
		Panicked:   op.panicked.Load(),
		Buffered:   len(op.eventCh),
		Workers:    op.workers,
		BufferSize: cap(op.eventCh),
	}
}
