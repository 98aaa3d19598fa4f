package eventbus

import (
	"testing"
	"time"

	"orchestrator/pkg/proto"
)

type recordingSink struct {
	events []*proto.Event
	logs   []*proto.LogEntry
}

func (s *recordingSink) WriteEvent(e *proto.Event) { s.events = append(s.events, e) }
func (s *recordingSink) WriteLog(l *proto.LogEntry) { s.logs = append(s.logs, l) }

func TestPublishNotifiesSubscriber(t *testing.T) {
	bus := New("build-1", nil, nil)
	ch, unsubscribe := bus.Subscribe()
	defer unsubscribe()

	e := proto.NewEvent("build-1", proto.EventPhase)
	bus.PublishEvent(e)

	select {
	case item := <-ch:
		if item.Event == nil || item.Event.ID != e.ID {
			t.Fatalf("got %#v, want event %s", item, e.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published event")
	}
}

func TestPublishHandsItemToSink(t *testing.T) {
	sink := &recordingSink{}
	bus := New("build-1", sink, nil)

	e := proto.NewEvent("build-1", proto.EventPhase)
	l := proto.NewLogEntry("build-1", proto.LogInfo, "hi")
	bus.PublishEvent(e)
	bus.PublishLog(l)

	if len(sink.events) != 1 || sink.events[0].ID != e.ID {
		t.Errorf("sink.events = %#v, want [%s]", sink.events, e.ID)
	}
	if len(sink.logs) != 1 || sink.logs[0].ID != l.ID {
		t.Errorf("sink.logs = %#v, want [%s]", sink.logs, l.ID)
	}
}

func TestSubscribeReplaysBufferedHistory(t *testing.T) {
	bus := New("build-1", nil, nil)

	first := proto.NewEvent("build-1", proto.EventPhase)
	second := proto.NewEvent("build-1", proto.EventProgress)
	bus.PublishEvent(first)
	bus.PublishEvent(second)

	ch, unsubscribe := bus.Subscribe()
	defer unsubscribe()

	got := make([]string, 0, 2)
	for i := 0; i < 2; i++ {
		select {
		case item := <-ch:
			got = append(got, item.Event.ID)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for replay item %d", i)
		}
	}

	if len(got) != 2 || got[0] != first.ID || got[1] != second.ID {
		t.Errorf("replay order = %v, want [%s %s]", got, first.ID, second.ID)
	}
}

func TestSubscribeThenLiveHasNoGap(t *testing.T) {
	bus := New("build-1", nil, nil)

	buffered := proto.NewEvent("build-1", proto.EventPhase)
	bus.PublishEvent(buffered)

	ch, unsubscribe := bus.Subscribe()
	defer unsubscribe()

	live := proto.NewEvent("build-1", proto.EventProgress)
	bus.PublishEvent(live)

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case item := <-ch:
			seen[item.Event.ID] = true
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for item %d", i)
		}
	}
	if !seen[buffered.ID] || !seen[live.ID] {
		t.Errorf("seen = %v, want both %s and %s", seen, buffered.ID, live.ID)
	}
}

func TestSlowSubscriberDropsWithoutBlockingPublisher(t *testing.T) {
	bus := New("build-1", nil, nil)
	_, unsubscribe := bus.Subscribe()
	defer unsubscribe()

	// Publish well past the subscriber's queue depth; none of these sends
	// may block the publishing goroutine.
	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberQueueSize*4; i++ {
			bus.PublishEvent(proto.NewEvent("build-1", proto.EventProgress))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}

	if bus.Stats().Dropped == 0 {
		t.Error("expected some items to be dropped for the slow subscriber")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := New("build-1", nil, nil)
	ch, unsubscribe := bus.Subscribe()

	unsubscribe()
	if bus.SubscriberCount() != 0 {
		t.Errorf("SubscriberCount() = %d, want 0 after unsubscribe", bus.SubscriberCount())
	}

	bus.PublishEvent(proto.NewEvent("build-1", proto.EventPhase))

	if _, ok := <-ch; ok {
		t.Error("expected channel to be closed after unsubscribe")
	}
}

func TestRingBufferIsBounded(t *testing.T) {
	bus := New("build-1", nil, nil)
	for i := 0; i < ringCapacity+10; i++ {
		bus.PublishEvent(proto.NewEvent("build-1", proto.EventProgress))
	}

	if len(bus.ring) != ringCapacity {
		t.Errorf("ring length = %d, want %d", len(bus.ring), ringCapacity)
	}
}
