// Package persistbuf implements the Persistence Buffer described in spec
// §4.3: a batching write-behind buffer between a build's Event Bus and its
// durable store, flushed on size or a timer, re-prepending on failure.
package persistbuf

import (
	"context"
	"sync"
	"time"

	"orchestrator/pkg/logx"
	"orchestrator/pkg/persistence"
	"orchestrator/pkg/proto"
)

// FlushRecorder receives flush outcome counts for SPEC_FULL §4.13 metrics.
// A narrow interface so this package only depends on what it calls, not on
// all of pkg/metrics.Recorder.
type FlushRecorder interface {
	ObserveFlush(buildID, kind string, n int)
	ObserveFlushFailure(buildID, kind string)
}

// flushSize is the item-count threshold that triggers an immediate flush.
const flushSize = 10

// flushInterval is the timer-driven flush period.
const flushInterval = 500 * time.Millisecond

// Buffer batches one item type (events or logs) for a single build ahead
// of a durable write. Two Buffers exist per build (one for events, one for
// logs), matching spec §4.3.
type Buffer struct {
	mu       sync.Mutex
	pending  []proto.Event
	logs     []proto.LogEntry
	kind     kind
	buildID  string
	ch       chan<- *persistence.Request
	logger   *logx.Logger
	recorder FlushRecorder
	shutdown chan struct{}
	done     chan struct{}
	wg       sync.WaitGroup
}

type kind int

const (
	kindEvents kind = iota
	kindLogs
)

// NewEventBuffer constructs a Buffer that accumulates proto.Event items.
func NewEventBuffer(buildID string, persistenceChannel chan<- *persistence.Request, recorder FlushRecorder) *Buffer {
	return &Buffer{
		kind:     kindEvents,
		buildID:  buildID,
		ch:       persistenceChannel,
		logger:   logx.NewLogger("persistbuf"),
		recorder: recorder,
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// NewLogBuffer constructs a Buffer that accumulates proto.LogEntry items.
func NewLogBuffer(buildID string, persistenceChannel chan<- *persistence.Request, recorder FlushRecorder) *Buffer {
	return &Buffer{
		kind:     kindLogs,
		buildID:  buildID,
		ch:       persistenceChannel,
		logger:   logx.NewLogger("persistbuf"),
		recorder: recorder,
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the timer-driven flush loop. Call Stop to drain and halt it.
func (b *Buffer) Start(ctx context.Context) {
	b.wg.Add(1)
	go b.run(ctx)
}

func (b *Buffer) run(ctx context.Context) {
	defer b.wg.Done()
	defer close(b.done)

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.flush()
			return
		case <-b.shutdown:
			b.flush()
			return
		case <-ticker.C:
			b.flush()
		}
	}
}

// WriteEvent appends an event, flushing immediately if the size threshold
// is reached. Implements eventbus.Sink.
func (b *Buffer) WriteEvent(e *proto.Event) {
	if !e.Durable() {
		return
	}
	b.mu.Lock()
	b.pending = append(b.pending, *e)
	shouldFlush := len(b.pending) >= flushSize
	b.mu.Unlock()

	if shouldFlush {
		b.flush()
	}
}

// WriteLog appends a log entry, flushing immediately if the size threshold
// is reached. Implements eventbus.Sink.
func (b *Buffer) WriteLog(l *proto.LogEntry) {
	b.mu.Lock()
	b.logs = append(b.logs, *l)
	shouldFlush := len(b.logs) >= flushSize
	b.mu.Unlock()

	if shouldFlush {
		b.flush()
	}
}

// flush drains the pending batch and hands it to the persistence worker.
// On a send failure the batch is re-prepended so nothing is silently
// dropped (spec §4.3): the only failure mode here is a nil/closed
// channel, since the actual write happens asynchronously in the database
// worker, so the batch is considered handed off once it lands on the
// channel.
func (b *Buffer) flush() {
	switch b.kind {
	case kindEvents:
		b.flushEvents()
	case kindLogs:
		b.flushLogs()
	}
}

func (b *Buffer) flushEvents() {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.pending
	b.pending = nil
	b.mu.Unlock()

	events := make([]*proto.Event, len(batch))
	for i := range batch {
		events[i] = &batch[i]
	}

	if !b.send(events) {
		b.mu.Lock()
		b.pending = append(batch, b.pending...)
		b.mu.Unlock()
		b.logger.Warn("build %s: event flush failed, %d items re-queued", b.buildID, len(batch))
		if b.recorder != nil {
			b.recorder.ObserveFlushFailure(b.buildID, "events")
		}
		return
	}

	if b.recorder != nil {
		b.recorder.ObserveFlush(b.buildID, "events", len(events))
	}
}

func (b *Buffer) flushLogs() {
	b.mu.Lock()
	if len(b.logs) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.logs
	b.logs = nil
	b.mu.Unlock()

	logs := make([]*proto.LogEntry, len(batch))
	for i := range batch {
		logs[i] = &batch[i]
	}

	if !b.send(logs) {
		b.mu.Lock()
		b.logs = append(batch, b.logs...)
		b.mu.Unlock()
		b.logger.Warn("build %s: log flush failed, %d items re-queued", b.buildID, len(batch))
		if b.recorder != nil {
			b.recorder.ObserveFlushFailure(b.buildID, "logs")
		}
		return
	}

	if b.recorder != nil {
		b.recorder.ObserveFlush(b.buildID, "logs", len(logs))
	}
}

// send hands a batch to the database worker. It returns false only when
// the persistence channel itself is unavailable (nil or closed); once a
// request lands on the channel the worker owns retrying the SQL write.
func (b *Buffer) send(data interface{}) bool {
	if b.ch == nil {
		return false
	}

	op := persistence.OpInsertEvents
	if b.kind == kindLogs {
		op = persistence.OpInsertLogs
	}

	defer func() {
		_ = recover() // channel closed underneath us during shutdown
	}()

	b.ch <- &persistence.Request{Operation: op, Data: data}
	return true
}

// Stop performs a final synchronous flush and halts the flush loop (spec
// §4.3: "on build termination, a final synchronous flush is performed").
func (b *Buffer) Stop() {
	close(b.shutdown)
	b.wg.Wait()
}
