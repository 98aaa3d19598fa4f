package manifest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"orchestrator/pkg/proto"
)

// fakeWorkspace is an in-memory stand-in for a build's sandbox workspace.
type fakeWorkspace struct {
	mu    sync.Mutex
	files map[string][]byte
}

func newFakeWorkspace() *fakeWorkspace {
	return &fakeWorkspace{files: make(map[string][]byte)}
}

func (w *fakeWorkspace) ReadFile(_ context.Context, path string) ([]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	data, ok := w.files[path]
	if !ok {
		return nil, fmt.Errorf("no such file: %s", path)
	}
	return data, nil
}

func (w *fakeWorkspace) WriteFile(_ context.Context, path string, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.files[path] = data
	return nil
}

func startManager(t *testing.T, ws *fakeWorkspace) (*Manager, context.Context, func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	mgr := New("build-1", ws)
	mgr.Start(ctx)
	return mgr, ctx, func() {
		mgr.Stop()
		cancel()
	}
}

func TestAppendThenReload(t *testing.T) {
	ws := newFakeWorkspace()
	mgr, ctx, cleanup := startManager(t, ws)
	defer cleanup()

	f := proto.Feature{Category: proto.FeatureFunctional, Description: "login", Steps: []string{"build login form"}}
	if _, err := mgr.Append(ctx, f); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	mf, err := mgr.Reload(ctx)
	if err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if len(mf.Features) != 1 || mf.Features[0].Description != "login" {
		t.Errorf("got %#v, want one feature named login", mf.Features)
	}
}

func TestSetPassesIsMonotonic(t *testing.T) {
	ws := newFakeWorkspace()
	mgr, ctx, cleanup := startManager(t, ws)
	defer cleanup()

	f := proto.Feature{Category: proto.FeatureFunctional, Description: "login"}
	if _, err := mgr.Append(ctx, f); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if _, err := mgr.SetPasses(ctx, "login", true); err != nil {
		t.Fatalf("SetPasses(true) failed: %v", err)
	}
	if _, err := mgr.SetPasses(ctx, "login", false); err == nil {
		t.Error("expected an error regressing passes from true to false")
	}
}

func TestSetPassesUnknownFeature(t *testing.T) {
	ws := newFakeWorkspace()
	mgr, ctx, cleanup := startManager(t, ws)
	defer cleanup()

	if _, err := mgr.SetPasses(ctx, "does-not-exist", true); err == nil {
		t.Error("expected an error for an unknown feature description")
	}
}

func TestConcurrentMutationsAreSerialized(t *testing.T) {
	ws := newFakeWorkspace()
	mgr, ctx, cleanup := startManager(t, ws)
	defer cleanup()

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			f := proto.Feature{Category: proto.FeatureFunctional, Description: fmt.Sprintf("feature-%d", i)}
			if _, err := mgr.Append(ctx, f); err != nil {
				t.Errorf("Append(%d) failed: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	mf, err := mgr.Reload(ctx)
	if err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if len(mf.Features) != n {
		t.Errorf("got %d features, want %d (concurrent appends must not clobber each other)", len(mf.Features), n)
	}
}

func TestStopUnblocksPendingCallers(t *testing.T) {
	ws := newFakeWorkspace()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mgr := New("build-1", ws)
	mgr.Start(ctx)
	mgr.Stop()

	doneCh := make(chan error, 1)
	go func() {
		_, err := mgr.Read(ctx)
		doneCh <- err
	}()

	select {
	case err := <-doneCh:
		if err == nil {
			t.Error("expected an error calling Read after Stop")
		}
	case <-time.After(time.Second):
		t.Fatal("Read did not return after Stop")
	}
}
