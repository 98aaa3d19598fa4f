package orchestrator

import (
	"context"
	"testing"
	"time"
)

func TestPauseResumeCycle(t *testing.T) {
	c := newBuildControl(func() {})
	if c.shouldPause() {
		t.Fatal("new control should not start paused")
	}

	c.requestPause()
	if !c.shouldPause() {
		t.Fatal("shouldPause should be true after requestPause")
	}
	c.acknowledgePause()

	done := make(chan error, 1)
	go func() {
		done <- c.waitForResume(context.Background())
	}()

	select {
	case <-done:
		t.Fatal("waitForResume returned before resume() was called")
	case <-time.After(20 * time.Millisecond):
	}

	c.resume()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("waitForResume returned error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waitForResume did not unblock after resume()")
	}
}

func TestResumeWithoutPauseIsNoOp(t *testing.T) {
	c := newBuildControl(func() {})
	c.resume() // should not panic or deadlock
}

func TestApproveGateIdempotent(t *testing.T) {
	c := newBuildControl(func() {})

	var edited *string
	result := make(chan *string, 1)
	go func() {
		content, err := c.waitForGate(context.Background(), "design")
		if err != nil {
			t.Errorf("waitForGate error: %v", err)
		}
		result <- content
	}()

	time.Sleep(10 * time.Millisecond)
	c.approveGate("design", edited)

	select {
	case <-result:
	case <-time.After(time.Second):
		t.Fatal("waitForGate did not unblock on matching approveGate")
	}

	// A second approve for the same gate, now cleared, must be a no-op
	// (spec §8: "second approve for the same gate is a no-op").
	c.approveGate("design", nil)
	select {
	case v := <-c.gateCh:
		t.Errorf("expected no queued approval after gate cleared, got %+v", v)
	default:
	}
}

func TestApproveGateMismatchIsNoOp(t *testing.T) {
	c := newBuildControl(func() {})
	c.beginGate("design")
	c.approveGate("feature", nil) // wrong gate name
	select {
	case <-c.gateCh:
		t.Error("approveGate with mismatched gate name should not admit")
	default:
	}
}

func TestWaitForGateCancelledByContext(t *testing.T) {
	c := newBuildControl(func() {})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.waitForGate(ctx, "design")
	if err == nil {
		t.Error("expected error when context is already cancelled")
	}
}
