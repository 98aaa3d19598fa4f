package persistbuf

import (
	"context"
	"testing"
	"time"

	"orchestrator/pkg/persistence"
	"orchestrator/pkg/proto"
)

type recordingFlushRecorder struct {
	flushes  []string
	failures []string
}

func (r *recordingFlushRecorder) ObserveFlush(_, kind string, _ int) {
	r.flushes = append(r.flushes, kind)
}

func (r *recordingFlushRecorder) ObserveFlushFailure(_, kind string) {
	r.failures = append(r.failures, kind)
}

func TestEventBufferFlushesOnSize(t *testing.T) {
	ch := make(chan *persistence.Request, 10)
	rec := &recordingFlushRecorder{}
	buf := NewEventBuffer("build-1", ch, rec)

	for i := 0; i < flushSize; i++ {
		buf.WriteEvent(proto.NewEvent("build-1", proto.EventProgress))
	}

	select {
	case req := <-ch:
		events, ok := req.Data.([]*proto.Event)
		if !ok || len(events) != flushSize {
			t.Fatalf("got %#v, want a batch of %d events", req.Data, flushSize)
		}
	case <-time.After(time.Second):
		t.Fatal("expected an immediate flush once the size threshold is reached")
	}

	if len(rec.flushes) != 1 || rec.flushes[0] != "events" {
		t.Errorf("flushes = %v, want [events]", rec.flushes)
	}
}

func TestEventBufferFlushesOnTimer(t *testing.T) {
	ch := make(chan *persistence.Request, 10)
	buf := NewEventBuffer("build-1", ch, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	buf.Start(ctx)
	defer buf.Stop()

	buf.WriteEvent(proto.NewEvent("build-1", proto.EventProgress))

	select {
	case req := <-ch:
		if req.Operation != persistence.OpInsertEvents {
			t.Errorf("Operation = %q, want %q", req.Operation, persistence.OpInsertEvents)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected the timer to flush a single buffered event")
	}
}

func TestLogBufferFlushesOnSize(t *testing.T) {
	ch := make(chan *persistence.Request, 10)
	buf := NewLogBuffer("build-1", ch, nil)

	for i := 0; i < flushSize; i++ {
		buf.WriteLog(proto.NewLogEntry("build-1", proto.LogInfo, "line"))
	}

	select {
	case req := <-ch:
		logs, ok := req.Data.([]*proto.LogEntry)
		if !ok || len(logs) != flushSize {
			t.Fatalf("got %#v, want a batch of %d logs", req.Data, flushSize)
		}
	case <-time.After(time.Second):
		t.Fatal("expected an immediate flush once the size threshold is reached")
	}
}

func TestStopPerformsFinalFlush(t *testing.T) {
	ch := make(chan *persistence.Request, 10)
	buf := NewEventBuffer("build-1", ch, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	buf.Start(ctx)

	buf.WriteEvent(proto.NewEvent("build-1", proto.EventProgress))
	buf.Stop()

	select {
	case req := <-ch:
		events, ok := req.Data.([]*proto.Event)
		if !ok || len(events) != 1 {
			t.Fatalf("got %#v, want exactly 1 event flushed on stop", req.Data)
		}
	default:
		t.Fatal("expected Stop to perform a synchronous final flush")
	}
}

func TestFailedSendReQueuesBatch(t *testing.T) {
	// A nil channel can never accept a send, simulating an unavailable
	// persistence worker; the batch must survive for the next flush
	// attempt rather than being dropped.
	buf := NewEventBuffer("build-1", nil, nil)

	buf.WriteEvent(proto.NewEvent("build-1", proto.EventProgress))
	buf.flush()

	buf.mu.Lock()
	pending := len(buf.pending)
	buf.mu.Unlock()

	if pending != 1 {
		t.Errorf("pending = %d, want 1 (batch re-queued after failed send)", pending)
	}
}
