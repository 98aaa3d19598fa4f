package orchestrator

import (
	"orchestrator/pkg/eventbus"
	"orchestrator/pkg/proto"
)

// severity classifies an error event for the UI, per spec §7 "every
// failure path produces at least one error event with
// {severity, message, recoverable}".
type severity string

const (
	severityWarning severity = "warning"
	severityFatal    severity = "fatal"
)

// emitErrorEvent publishes a structured error event carrying the taxonomy
// fields spec §7 requires. Severity/recoverable live in Extra since
// proto.Event's fixed fields are shared across all event kinds.
func emitErrorEvent(bus *eventbus.Bus, buildID, message string, sev severity, recoverable bool) {
	if bus == nil {
		return
	}
	e := proto.NewEvent(buildID, proto.EventError)
	e.Message = message
	e.Extra = map[string]any{
		"severity":    string(sev),
		"recoverable": recoverable,
	}
	bus.PublishEvent(e)
}

// emitActivity publishes a short human-readable progress note, used for
// things like "Context reset (1/10)" (spec §8 scenario 5).
func emitActivity(bus *eventbus.Bus, buildID, message string) {
	if bus == nil {
		return
	}
	e := proto.NewEvent(buildID, proto.EventActivity)
	e.Message = message
	bus.PublishEvent(e)
}

// emitPhase publishes a phase-transition marker (e.g. "planning",
// "design_review", "sequential", "parallel").
func emitPhase(bus *eventbus.Bus, buildID, phase string) {
	if bus == nil {
		return
	}
	e := proto.NewEvent(buildID, proto.EventPhase)
	e.Phase = phase
	bus.PublishEvent(e)
}
