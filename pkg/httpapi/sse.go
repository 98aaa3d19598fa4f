package httpapi

import (
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"orchestrator/pkg/eventbus"
	"orchestrator/pkg/proto"
)

// heartbeatInterval is how often an idle SSE connection gets a keepalive
// envelope (spec §4.9 step 6).
const heartbeatInterval = 15 * time.Second

// pollInterval is how often a running-elsewhere build's durable store is
// re-polled for new events/logs (spec §4.9 step 5).
const pollInterval = 2 * time.Second

// envelope is the tagged union of every SSE payload shape spec §4.9 sends:
// connected, heartbeat, log, event, and complete.
//
//nolint:govet // logical field grouping preferred over byte-packing
type envelope struct {
	Type        string            `json:"type"`
	BuildStatus proto.BuildStatus `json:"buildStatus,omitempty"`
	IsLive      bool              `json:"isLive,omitempty"`
	StartedAt   *time.Time        `json:"startedAt,omitempty"`
	Historical  bool              `json:"historical,omitempty"`
	Event       *proto.Event      `json:"event,omitempty"`
	Log         *proto.LogEntry   `json:"log,omitempty"`
}

// handleStream implements GET /builds/{id}/stream: spec §4.9's six-step
// SSE streamer.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, buildID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	build, err := s.db.GetBuildByID(buildID)
	if err != nil {
		http.Error(w, "build not found", http.StatusNotFound)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	// Step 1: classify complete / active / running-elsewhere.
	state, isActive := s.reg.Get(buildID)
	isComplete := build.Status.IsTerminal()

	// Step 2: connected envelope.
	if err := s.send(w, flusher, envelope{
		Type:        "connected",
		BuildStatus: build.Status,
		IsLive:      isActive,
		StartedAt:   build.StartedAt,
	}); err != nil {
		return
	}

	// Step 3: historical replay for complete and running-elsewhere.
	sent := make(map[string]bool)
	maxSeen := time.Time{}
	if isComplete || !isActive {
		if !s.sendHistorical(w, flusher, buildID, time.Time{}, sent, &maxSeen) {
			return
		}
		if isComplete {
			s.send(w, flusher, envelope{Type: "complete", BuildStatus: build.Status}) //nolint:errcheck // best-effort on a closing stream
			return
		}
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	// Step 4: active build — register with the Event Bus.
	if isActive {
		s.streamActive(w, r, flusher, state.Bus, heartbeat, sent)
		return
	}

	// Step 5: running-elsewhere — poll the durable store.
	s.streamPolling(w, r, flusher, buildID, heartbeat, sent, maxSeen)
}

// streamActive implements spec §4.9 step 4: subscribe to the build's
// Event Bus, which replays its in-memory backlog before switching to
// live delivery, and forward every item not already sent.
func (s *Server) streamActive(w http.ResponseWriter, r *http.Request, flusher http.Flusher, bus *eventbus.Bus, heartbeat *time.Ticker, sent map[string]bool) {
	ch, unsubscribe := bus.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if err := s.send(w, flusher, envelope{Type: "heartbeat"}); err != nil {
				return
			}
		case item, ok := <-ch:
			if !ok {
				return
			}
			if sent[item.ID()] {
				continue
			}
			sent[item.ID()] = true
			if err := s.sendItem(w, flusher, item, false); err != nil {
				return
			}
		}
	}
}

// streamPolling implements spec §4.9 step 5: poll the durable store every
// pollInterval for items newer than maxSeen, dedup by id, and stop once
// the build reaches a terminal status.
func (s *Server) streamPolling(w http.ResponseWriter, r *http.Request, flusher http.Flusher, buildID string, heartbeat *time.Ticker, sent map[string]bool, maxSeen time.Time) {
	poll := time.NewTicker(pollInterval)
	defer poll.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if err := s.send(w, flusher, envelope{Type: "heartbeat"}); err != nil {
				return
			}
		case <-poll.C:
			if !s.sendHistorical(w, flusher, buildID, maxSeen, sent, &maxSeen) {
				return
			}
			build, err := s.db.GetBuildByID(buildID)
			if err != nil {
				continue
			}
			if build.Status.IsTerminal() {
				s.send(w, flusher, envelope{Type: "complete", BuildStatus: build.Status}) //nolint:errcheck // best-effort on a closing stream
				return
			}
		}
	}
}

// sendHistorical loads events and logs created since since, sends every
// one not already in sent (tagged historical), and advances maxSeen to
// the latest timestamp observed. Returns false if the connection broke.
func (s *Server) sendHistorical(w http.ResponseWriter, flusher http.Flusher, buildID string, since time.Time, sent map[string]bool, maxSeen *time.Time) bool {
	events, err := s.db.GetEventsSince(buildID, since)
	if err != nil {
		s.logger.Warn("build %s: load historical events failed: %v", buildID, err)
		events = nil
	}
	logs, err := s.db.GetLogsSince(buildID, since)
	if err != nil {
		s.logger.Warn("build %s: load historical logs failed: %v", buildID, err)
		logs = nil
	}

	items := make([]eventbus.Item, 0, len(events)+len(logs))
	for _, e := range events {
		items = append(items, eventbus.Item{Event: e})
	}
	for _, l := range logs {
		items = append(items, eventbus.Item{Log: l})
	}
	sort.Slice(items, func(i, j int) bool {
		return itemTimestamp(items[i]).Before(itemTimestamp(items[j]))
	})

	for _, item := range items {
		if sent[item.ID()] {
			continue
		}
		sent[item.ID()] = true
		if ts := itemTimestamp(item); ts.After(*maxSeen) {
			*maxSeen = ts
		}
		if err := s.sendItem(w, flusher, item, true); err != nil {
			return false
		}
	}
	return true
}

func itemTimestamp(item eventbus.Item) time.Time {
	if item.Event != nil {
		return item.Event.Timestamp
	}
	if item.Log != nil {
		return item.Log.Timestamp
	}
	return time.Time{}
}

func (s *Server) sendItem(w http.ResponseWriter, flusher http.Flusher, item eventbus.Item, historical bool) error {
	env := envelope{Historical: historical}
	switch {
	case item.Event != nil:
		env.Type = "event"
		env.Event = item.Event
	case item.Log != nil:
		env.Type = "log"
		env.Log = item.Log
	default:
		return nil
	}
	return s.send(w, flusher, env)
}

// send writes one SSE "data:" frame and flushes it immediately — every
// envelope must reach the client without proxy or transport buffering.
func (s *Server) send(w http.ResponseWriter, flusher http.Flusher, env envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		s.logger.Error("marshal sse envelope failed: %v", err)
		return err
	}
	if _, err := w.Write([]byte("data: ")); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	if _, err := w.Write([]byte("\n\n")); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
