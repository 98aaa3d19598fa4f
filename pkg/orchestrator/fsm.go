// Package orchestrator drives a single build end to end: provisioning a
// sandbox, running the Planning, Sequential, and Parallel phases, pausing
// for review gates, and handing off to the Artifact Pipeline on any
// terminal transition (spec §4.1).
package orchestrator

import (
	"fmt"

	"orchestrator/pkg/proto"
)

// validTransitions is the canonical state transition map for a build,
// derived directly from spec.md §4.1. Unlike the teacher's package-level
// agent.ValidTransitions (shared across every agent instance of one kind),
// this table has no per-build variant: every build obeys the same rules.
var validTransitions = map[proto.BuildStatus][]proto.BuildStatus{
	proto.BuildPending:      {proto.BuildInitializing, proto.BuildCancelled},
	proto.BuildInitializing: {proto.BuildRunning, proto.BuildFailed, proto.BuildCancelled},
	proto.BuildRunning: {
		proto.BuildAwaitingDesignReview,
		proto.BuildAwaitingFeatureReview,
		proto.BuildPaused,
		proto.BuildCancelled,
		proto.BuildCompleted,
		proto.BuildFailed,
	},
	proto.BuildPaused:                 {proto.BuildRunning, proto.BuildCancelled},
	proto.BuildAwaitingDesignReview:   {proto.BuildRunning, proto.BuildCancelled},
	proto.BuildAwaitingFeatureReview:  {proto.BuildRunning, proto.BuildCancelled},
	proto.BuildCompleted:              {},
	proto.BuildFailed:                 {},
	proto.BuildCancelled:              {},
}

// isValidTransition reports whether a build may move from 'from' to 'to'
// per spec.md §4.1. Unlike the teacher's agent.IsValidTransition, there is
// no blanket "any state may transition to ERROR" exemption: a FAILED
// transition is only valid from the states the spec lists explicitly
// (INITIALIZING and RUNNING), since PAUSED/AWAITING_* builds fail by first
// resuming to RUNNING, not directly.
func isValidTransition(from, to proto.BuildStatus) bool {
	allowed, ok := validTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// errInvalidTransition reports an illegal state transition attempt.
func errInvalidTransition(from, to proto.BuildStatus) error {
	return fmt.Errorf("invalid build transition: %s -> %s", from, to)
}
