// Package registry owns every in-flight build's per-build resources.
// It replaces the "global module-level maps keyed by build id" pattern
// spec.md §9 flags: instead of several independent package-level maps
// (one for buses, one for sandboxes, one for cancel funcs...), a single
// Registry owns one map[buildID]*BuildState under one lock, and each
// BuildState exclusively owns everything that build needs (spec §4.12).
package registry

import (
	"context"
	"fmt"
	"sync"

	"orchestrator/pkg/eventbus"
	"orchestrator/pkg/logx"
	"orchestrator/pkg/manifest"
	"orchestrator/pkg/persistbuf"
	"orchestrator/pkg/sandbox"
)

// BuildState is everything one in-flight build owns: its event stream,
// its two persistence buffers, its sandbox handle, its manifest writer,
// and the cancel func that tears all of it down together.
//
//nolint:govet // logical field grouping preferred over byte-packing
type BuildState struct {
	BuildID      string
	Bus          *eventbus.Bus
	EventBuffer  *persistbuf.Buffer
	LogBuffer    *persistbuf.Buffer
	Sandbox      sandbox.Sandbox
	Manifest     *manifest.Manager
	Cancel       context.CancelFunc
}

// Registry tracks every build currently running on this node. It is the
// only place that knows about all in-flight builds; the SSE Streamer's
// `active` vs `running-elsewhere` classification (spec §4.9 step 1) is a
// Registry lookup, not a map probe scattered across packages.
type Registry struct {
	mu     sync.RWMutex
	builds map[string]*BuildState
	logger *logx.Logger
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{
		builds: make(map[string]*BuildState),
		logger: logx.NewLogger("registry"),
	}
}

// Register adds a BuildState under its BuildID. Registering a BuildID
// that is already present replaces the prior entry without tearing it
// down; callers must Unregister (which calls Cancel) before replacing a
// build that is still running.
func (r *Registry) Register(state *BuildState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builds[state.BuildID] = state
	r.logger.Info("registered build %s", state.BuildID)
}

// Get returns the BuildState for buildID and whether this node has it
// in memory — the Registry lookup spec §4.9 step 1 calls "active".
func (r *Registry) Get(buildID string) (*BuildState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	state, ok := r.builds[buildID]
	return state, ok
}

// Unregister cancels a build's context and drains its resources, then
// removes it from the Registry. It is idempotent: unregistering a
// buildID that is not present is a no-op.
func (r *Registry) Unregister(ctx context.Context, buildID string) {
	r.mu.Lock()
	state, ok := r.builds[buildID]
	if ok {
		delete(r.builds, buildID)
	}
	r.mu.Unlock()

	if !ok {
		return
	}

	r.logger.Info("unregistering build %s", buildID)
	if state.Cancel != nil {
		state.Cancel()
	}
	state.EventBuffer.Stop()
	state.LogBuffer.Stop()
	state.Manifest.Stop()
	if state.Sandbox != nil {
		if err := state.Sandbox.Destroy(ctx); err != nil {
			r.logger.Warn("build %s: sandbox destroy failed: %v", buildID, err)
		}
	}
}

// ActiveBuildIDs returns the build ids currently tracked by this node.
func (r *Registry) ActiveBuildIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.builds))
	for id := range r.builds {
		ids = append(ids, id)
	}
	return ids
}

// Count returns the number of builds this node currently owns.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.builds)
}

// Shutdown unregisters every build, canceling and draining each in turn.
// Used during graceful process shutdown.
func (r *Registry) Shutdown(ctx context.Context) error {
	for _, id := range r.ActiveBuildIDs() {
		r.Unregister(ctx, id)
	}
	if n := r.Count(); n != 0 {
		return fmt.Errorf("registry shutdown left %d builds behind", n)
	}
	return nil
}
