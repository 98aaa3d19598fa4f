// Package eventbus implements the per-build, in-memory, multi-subscriber
// stream of events and logs described in spec §4.2.
package eventbus

import (
	"sync"
	"sync/atomic"

	"orchestrator/pkg/logx"
	"orchestrator/pkg/proto"
)

// ringCapacity bounds how many recent items the bus keeps in memory for
// late-subscriber replay. Durable history beyond this lives in the
// Persistence Buffer / store, not here.
const ringCapacity = 256

// subscriberQueueSize is the per-subscriber channel depth. A subscriber
// that can't keep up has events dropped for it only (spec §4.2); it is
// expected to resync from the durable store on reconnect.
const subscriberQueueSize = 64

// Item is the tagged union of the two streams the bus carries.
type Item struct {
	Event *proto.Event
	Log   *proto.LogEntry
}

// ID returns the dedup key a subscriber uses to skip items it has already
// seen across the replay/live boundary.
func (i Item) ID() string {
	if i.Event != nil {
		return "event:" + i.Event.ID
	}
	if i.Log != nil {
		return "log:" + i.Log.ID
	}
	return ""
}

// Sink receives persisted writes for every published item. The Bus hands
// every publish to this sink; in production it is a persistbuf.Buffer,
// in tests a no-op or recording stub.
type Sink interface {
	WriteEvent(e *proto.Event)
	WriteLog(l *proto.LogEntry)
}

type subscriber struct {
	ch     chan Item
	id     uint64
	closed atomic.Bool
}

// Bus is a per-build event/log stream. It is single-writer (the build's
// own goroutine calls Publish) and many-reader (any number of concurrent
// Subscribe callers).
type Bus struct {
	mu          sync.RWMutex
	ring        []Item
	subscribers []*subscriber
	sink        Sink
	recorder    BusRecorder
	logger      *logx.Logger
	buildID     string
	nextSubID   uint64
	published   uint64
	dropped     uint64
}

// BusRecorder receives publish/drop counts for SPEC_FULL §4.13 metrics. A
// narrow interface so this package only depends on what it calls.
type BusRecorder interface {
	ObserveBusPublish(buildID string)
	ObserveBusDrop(buildID string)
}

// New constructs a Bus for a single build. sink may be nil, in which case
// published items are only fanned out live and never persisted.
func New(buildID string, sink Sink, recorder BusRecorder) *Bus {
	return &Bus{
		buildID:  buildID,
		sink:     sink,
		recorder: recorder,
		logger:   logx.NewLogger("eventbus"),
	}
}

// PublishEvent appends an event to the in-memory ring, hands it to the
// Persistence Buffer, and notifies every subscriber in registration order.
func (b *Bus) PublishEvent(e *proto.Event) {
	b.publish(Item{Event: e})
	if b.sink != nil {
		b.sink.WriteEvent(e)
	}
}

// PublishLog appends a log entry to the in-memory ring, hands it to the
// Persistence Buffer, and notifies every subscriber in registration order.
func (b *Bus) PublishLog(l *proto.LogEntry) {
	b.publish(Item{Log: l})
	if b.sink != nil {
		b.sink.WriteLog(l)
	}
}

func (b *Bus) publish(item Item) {
	b.mu.Lock()
	b.ring = append(b.ring, item)
	if len(b.ring) > ringCapacity {
		b.ring = b.ring[len(b.ring)-ringCapacity:]
	}
	atomic.AddUint64(&b.published, 1)
	if b.recorder != nil {
		b.recorder.ObserveBusPublish(b.buildID)
	}
	subs := make([]*subscriber, len(b.subscribers))
	copy(subs, b.subscribers)
	b.mu.Unlock()

	for _, s := range subs {
		b.deliver(s, item)
	}
}

// deliver is a non-blocking send: a slow subscriber has this item dropped
// for it only, never blocking the publishing goroutine (spec §4.2).
func (b *Bus) deliver(s *subscriber, item Item) {
	if s.closed.Load() {
		return
	}
	select {
	case s.ch <- item:
	default:
		atomic.AddUint64(&b.dropped, 1)
		if b.recorder != nil {
			b.recorder.ObserveBusDrop(b.buildID)
		}
		b.logger.Warn("build %s: subscriber %d queue full, dropping item %s", b.buildID, s.id, item.ID())
	}
}

// Subscribe registers a new subscriber and returns its live channel plus
// an unsubscribe function. The subscriber channel first receives a replay
// of everything currently in the ring buffer, in publish order, then
// receives every subsequent publish with no gap. Registration and replay
// happen under the same lock that Publish takes to append+fan-out, so no
// publish can interleave between the replay and the live stream.
func (b *Bus) Subscribe() (<-chan Item, func()) {
	s := &subscriber{
		ch: make(chan Item, subscriberQueueSize),
	}

	b.mu.Lock()
	s.id = b.nextSubID
	b.nextSubID++
	b.subscribers = append(b.subscribers, s)
	for _, item := range b.ring {
		b.deliver(s, item)
	}
	b.mu.Unlock()

	unsubscribe := func() {
		s.closed.Store(true)
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, sub := range b.subscribers {
			if sub == s {
				b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
				break
			}
		}
		close(s.ch)
	}

	return s.ch, unsubscribe
}

// Stats reports the bus's publish/drop counters, surfaced via pkg/metrics
// (SPEC_FULL §4.13).
type Stats struct {
	Published uint64
	Dropped   uint64
}

// Stats returns the bus's current publish/drop counters.
func (b *Bus) Stats() Stats {
	return Stats{
		Published: atomic.LoadUint64(&b.published),
		Dropped:   atomic.LoadUint64(&b.dropped),
	}
}

// SubscriberCount returns the number of currently registered subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
