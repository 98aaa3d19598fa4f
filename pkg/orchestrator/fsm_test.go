package orchestrator

import (
	"testing"

	"orchestrator/pkg/proto"
)

func TestValidTransitionsHappyPath(t *testing.T) {
	cases := []struct {
		from, to proto.BuildStatus
	}{
		{proto.BuildPending, proto.BuildInitializing},
		{proto.BuildInitializing, proto.BuildRunning},
		{proto.BuildRunning, proto.BuildAwaitingDesignReview},
		{proto.BuildAwaitingDesignReview, proto.BuildRunning},
		{proto.BuildRunning, proto.BuildAwaitingFeatureReview},
		{proto.BuildAwaitingFeatureReview, proto.BuildRunning},
		{proto.BuildRunning, proto.BuildPaused},
		{proto.BuildPaused, proto.BuildRunning},
		{proto.BuildRunning, proto.BuildCompleted},
		{proto.BuildRunning, proto.BuildFailed},
	}
	for _, c := range cases {
		if !isValidTransition(c.from, c.to) {
			t.Errorf("isValidTransition(%s, %s) = false, want true", c.from, c.to)
		}
	}
}

func TestValidTransitionsCancelFromAnyNonTerminal(t *testing.T) {
	nonTerminal := []proto.BuildStatus{
		proto.BuildPending, proto.BuildInitializing, proto.BuildRunning,
		proto.BuildPaused, proto.BuildAwaitingDesignReview, proto.BuildAwaitingFeatureReview,
	}
	for _, s := range nonTerminal {
		if !isValidTransition(s, proto.BuildCancelled) {
			t.Errorf("isValidTransition(%s, CANCELLED) = false, want true", s)
		}
	}
}

func TestInvalidTransitionRejected(t *testing.T) {
	if isValidTransition(proto.BuildPending, proto.BuildCompleted) {
		t.Error("PENDING -> COMPLETED should be rejected")
	}
	if isValidTransition(proto.BuildPaused, proto.BuildFailed) {
		t.Error("PAUSED -> FAILED should be rejected: must resume to RUNNING first")
	}
}

func TestTerminalStatesHaveNoOutgoingTransitions(t *testing.T) {
	for _, s := range []proto.BuildStatus{proto.BuildCompleted, proto.BuildFailed, proto.BuildCancelled} {
		if len(validTransitions[s]) != 0 {
			t.Errorf("terminal state %s has outgoing transitions: %v", s, validTransitions[s])
		}
	}
}
