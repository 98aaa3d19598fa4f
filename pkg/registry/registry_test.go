package registry

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"orchestrator/pkg/eventbus"
	"orchestrator/pkg/manifest"
	"orchestrator/pkg/persistbuf"
	"orchestrator/pkg/persistence"
	"orchestrator/pkg/sandbox"
)

// fakeSandbox is an in-memory stand-in implementing sandbox.Sandbox, used
// both as the Sandbox handle and (since its ReadFile/WriteFile satisfy
// manifest.Workspace) the manifest's backing store.
type fakeSandbox struct {
	mu        sync.Mutex
	files     map[string][]byte
	destroyed bool
}

func newFakeSandbox() *fakeSandbox {
	return &fakeSandbox{files: make(map[string][]byte)}
}

func (s *fakeSandbox) ID() string { return "fake" }
func (s *fakeSandbox) Exec(_ context.Context, _ []string) (sandbox.ExecResult, error) {
	return sandbox.ExecResult{}, nil
}

func (s *fakeSandbox) ReadFile(_ context.Context, path string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.files[path]
	if !ok {
		return nil, fmt.Errorf("no such file: %s", path)
	}
	return data, nil
}

func (s *fakeSandbox) WriteFile(_ context.Context, path string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[path] = data
	return nil
}

func (s *fakeSandbox) DownloadDir(_ context.Context, _ string) ([]byte, error) { return nil, nil }

func (s *fakeSandbox) Destroy(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.destroyed = true
	return nil
}

func (s *fakeSandbox) SetTimeout(_ context.Context, _ time.Duration) error { return nil }
func (s *fakeSandbox) GetHost(port int) (string, error)                   { return fmt.Sprintf("host:%d", port), nil }

func newTestBuildState(t *testing.T, buildID string) (*BuildState, context.Context) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	sb := newFakeSandbox()
	ch := make(chan *persistence.Request, 32)
	eventBuf := persistbuf.NewEventBuffer(buildID, ch, nil)
	logBuf := persistbuf.NewLogBuffer(buildID, ch, nil)
	eventBuf.Start(ctx)
	logBuf.Start(ctx)

	mf := manifest.New(buildID, sb)
	mf.Start(ctx)

	bus := eventbus.New(buildID, nil, nil)

	return &BuildState{
		BuildID:     buildID,
		Bus:         bus,
		EventBuffer: eventBuf,
		LogBuffer:   logBuf,
		Sandbox:     sb,
		Manifest:    mf,
		Cancel:      cancel,
	}, ctx
}

func TestRegisterAndGet(t *testing.T) {
	r := New()
	state, _ := newTestBuildState(t, "build-1")
	r.Register(state)

	got, ok := r.Get("build-1")
	if !ok || got != state {
		t.Fatalf("Get(build-1) = %v, %v; want the registered state", got, ok)
	}

	if _, ok := r.Get("build-missing"); ok {
		t.Error("Get on an unregistered build id should report false")
	}
}

func TestUnregisterCancelsAndDestroysSandbox(t *testing.T) {
	r := New()
	state, ctx := newTestBuildState(t, "build-1")
	r.Register(state)

	r.Unregister(context.Background(), "build-1")

	if _, ok := r.Get("build-1"); ok {
		t.Error("expected build-1 to be gone after Unregister")
	}
	if ctx.Err() == nil {
		t.Error("expected Unregister to cancel the build's context")
	}
	sb := state.Sandbox.(*fakeSandbox)
	if !sb.destroyed {
		t.Error("expected Unregister to destroy the sandbox")
	}
}

func TestUnregisterMissingBuildIsNoOp(t *testing.T) {
	r := New()
	r.Unregister(context.Background(), "never-registered")
	if r.Count() != 0 {
		t.Errorf("Count() = %d, want 0", r.Count())
	}
}

func TestActiveBuildIDsAndCount(t *testing.T) {
	r := New()
	s1, _ := newTestBuildState(t, "build-1")
	s2, _ := newTestBuildState(t, "build-2")
	r.Register(s1)
	r.Register(s2)

	if r.Count() != 2 {
		t.Errorf("Count() = %d, want 2", r.Count())
	}
	ids := r.ActiveBuildIDs()
	if len(ids) != 2 {
		t.Errorf("ActiveBuildIDs() = %v, want 2 entries", ids)
	}
}

func TestShutdownDrainsAllBuilds(t *testing.T) {
	r := New()
	s1, _ := newTestBuildState(t, "build-1")
	s2, _ := newTestBuildState(t, "build-2")
	r.Register(s1)
	r.Register(s2)

	if err := r.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if r.Count() != 0 {
		t.Errorf("Count() after Shutdown = %d, want 0", r.Count())
	}
}
