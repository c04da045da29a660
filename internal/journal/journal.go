// Package journal mirrors flow open/close events to an external store
// without ever blocking the relay loop.
package journal

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/matst80/udpmask/internal/obs"
	"github.com/matst80/udpmask/internal/proto"
)

const (
	queueSize    = 1024
	writeTimeout = 2 * time.Second
	// refreshInterval keeps stored keys well inside their TTL.
	refreshInterval = time.Hour
)

// Journal records flow lifecycle events. Record must not block.
type Journal interface {
	Record(ev proto.FlowEvent)
	Close() error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Record(proto.FlowEvent) {}
func (Nop) Close() error           { return nil }

type writer interface {
	write(ctx context.Context, ev proto.FlowEvent) error
	// refresh extends the lifetime of everything the writer keeps stored.
	refresh(ctx context.Context) error
	close(ctx context.Context) error
}

// Queue hands events to a single writer goroutine through a bounded
// channel. Events that do not fit are dropped and counted.
type Queue struct {
	instance string
	w        writer
	every    time.Duration
	events   chan proto.FlowEvent
	done     chan struct{}
	dropped  atomic.Int64

	mu     sync.RWMutex
	closed bool
}

var _ Journal = (*Queue)(nil)

func newQueue(instance string, w writer, size int, every time.Duration) *Queue {
	q := &Queue{
		instance: instance,
		w:        w,
		every:    every,
		events:   make(chan proto.FlowEvent, size),
		done:     make(chan struct{}),
	}
	go q.run()
	return q
}

// Instance returns the id stamped on every event.
func (q *Queue) Instance() string { return q.instance }

// Dropped reports how many events were discarded.
func (q *Queue) Dropped() int64 { return q.dropped.Load() }

func (q *Queue) Record(ev proto.FlowEvent) {
	ev.Instance = q.instance
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return
	}
	select {
	case q.events <- ev:
	default:
		q.dropped.Add(1)
		obs.JournalDroppedTotal.Inc()
	}
}

func (q *Queue) run() {
	defer close(q.done)
	tick := time.NewTicker(q.every)
	defer tick.Stop()
	for {
		select {
		case ev, ok := <-q.events:
			if !ok {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			if err := q.w.write(ctx, ev); err != nil {
				obs.Error("journal.write", obs.Fields{"err": err.Error(), "peer": ev.Peer, "type": ev.Type})
				obs.ErrorsTotal.WithLabelValues("journal_write").Inc()
			}
			cancel()
		case <-tick.C:
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			if err := q.w.refresh(ctx); err != nil {
				obs.Warn("journal.refresh", obs.Fields{"err": err.Error()})
				obs.ErrorsTotal.WithLabelValues("journal_refresh").Inc()
			}
			cancel()
		}
	}
}

// Close flushes queued events and releases the writer.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.events)
	q.mu.Unlock()
	<-q.done
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return q.w.close(ctx)
}
