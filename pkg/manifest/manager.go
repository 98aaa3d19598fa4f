// Package manifest owns reading, mutating, and persisting a build's
// feature_list.json (spec §3, §6, §9). Per the redesign note in spec §9
// ("async mutex-for-mutation on a single file... implement as a per-build
// serialized worker rather than an explicit lock primitive"), all manifest
// mutations are serialized by routing through a single owning goroutine
// rather than guarding file access with a mutex.
package manifest

import (
	"context"
	"fmt"

	"orchestrator/pkg/logx"
	"orchestrator/pkg/proto"
)

// FeatureListPath is the fixed workspace-relative path the Planning,
// Sequential, and Parallel phases all read from and write to.
const FeatureListPath = "feature_list.json"

// Workspace is the narrow file-access surface the Manager needs from a
// build's sandbox. pkg/sandbox's Sandbox type satisfies this directly.
type Workspace interface {
	ReadFile(ctx context.Context, path string) ([]byte, error)
	WriteFile(ctx context.Context, path string, data []byte) error
}

type opKind int

const (
	opRead opKind = iota
	opReload
	opSetPasses
	opAppend
)

type request struct {
	kind        opKind
	description string
	passes      bool
	feature     proto.Feature
	resultCh    chan result
}

type result struct {
	manifest *proto.Manifest
	err      error
}

// Manager owns one build's feature_list.json. All reads and writes are
// routed through a single goroutine (Start), giving natural ordering of
// updates without an explicit lock (spec §9).
type Manager struct {
	workspace Workspace
	logger    *logx.Logger
	buildID   string
	reqCh     chan *request
	stopCh    chan struct{}
	done      chan struct{}
	current   *proto.Manifest
}

// New constructs a Manager for one build. Call Start before any
// read/mutate call, and Stop when the build terminates.
func New(buildID string, workspace Workspace) *Manager {
	return &Manager{
		buildID:   buildID,
		workspace: workspace,
		logger:    logx.NewLogger("manifest"),
		reqCh:     make(chan *request),
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
		current:   &proto.Manifest{},
	}
}

// Start launches the worker goroutine that owns every manifest read and
// write for this build.
func (m *Manager) Start(ctx context.Context) {
	go m.run(ctx)
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case req := <-m.reqCh:
			m.handle(ctx, req)
		}
	}
}

func (m *Manager) handle(ctx context.Context, req *request) {
	switch req.kind {
	case opRead:
		req.resultCh <- result{manifest: m.current}
	case opReload:
		mf, err := m.load(ctx)
		if err == nil {
			m.current = mf
		}
		req.resultCh <- result{manifest: m.current, err: err}
	case opSetPasses:
		mf, err := m.load(ctx)
		if err != nil {
			req.resultCh <- result{err: err}
			return
		}
		if setErr := mf.SetPasses(req.description, req.passes); setErr != nil {
			req.resultCh <- result{err: setErr}
			return
		}
		if err := m.save(ctx, mf); err != nil {
			req.resultCh <- result{err: err}
			return
		}
		m.current = mf
		req.resultCh <- result{manifest: mf}
	case opAppend:
		mf, err := m.load(ctx)
		if err != nil {
			// feature_list.json may not exist yet on the very first write.
			mf = &proto.Manifest{}
		}
		mf.Features = append(mf.Features, req.feature)
		if err := mf.Validate(); err != nil {
			req.resultCh <- result{err: err}
			return
		}
		if err := m.save(ctx, mf); err != nil {
			req.resultCh <- result{err: err}
			return
		}
		m.current = mf
		req.resultCh <- result{manifest: mf}
	}
}

func (m *Manager) load(ctx context.Context) (*proto.Manifest, error) {
	data, err := m.workspace.ReadFile(ctx, FeatureListPath)
	if err != nil {
		return nil, logx.Wrap(err, "read feature_list.json")
	}
	mf, err := proto.ManifestFromJSON(data)
	if err != nil {
		return nil, err
	}
	return mf, nil
}

func (m *Manager) save(ctx context.Context, mf *proto.Manifest) error {
	data, err := mf.ToJSON()
	if err != nil {
		return err
	}
	if err := m.workspace.WriteFile(ctx, FeatureListPath, data); err != nil {
		return logx.Wrap(err, "write feature_list.json")
	}
	return nil
}

// Read returns the last manifest snapshot this Manager observed, without
// touching the workspace. Safe to call concurrently with mutations; always
// serialized behind the worker goroutine.
func (m *Manager) Read(ctx context.Context) (*proto.Manifest, error) {
	return m.do(ctx, &request{kind: opRead})
}

// Reload re-reads feature_list.json from the workspace. This is the
// concrete mechanism behind spec §4.1's "PAUSED → RUNNING on resume
// (reloads manifest; continues)".
func (m *Manager) Reload(ctx context.Context) (*proto.Manifest, error) {
	return m.do(ctx, &request{kind: opReload})
}

// SetPasses marks the named feature passing (monotonically; see
// proto.Manifest.SetPasses) and persists the updated manifest.
func (m *Manager) SetPasses(ctx context.Context, description string, passes bool) (*proto.Manifest, error) {
	return m.do(ctx, &request{kind: opSetPasses, description: description, passes: passes})
}

// Append adds a new feature to the manifest (the Planning phase building
// feature_list.json incrementally) and persists it. The manifest is
// append-only to cardinality (spec §3): there is no Remove.
func (m *Manager) Append(ctx context.Context, f proto.Feature) (*proto.Manifest, error) {
	return m.do(ctx, &request{kind: opAppend, feature: f})
}

func (m *Manager) do(ctx context.Context, req *request) (*proto.Manifest, error) {
	req.resultCh = make(chan result, 1)
	select {
	case m.reqCh <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.stopCh:
		return nil, fmt.Errorf("manifest manager for build %s is stopped", m.buildID)
	}

	select {
	case res := <-req.resultCh:
		return res.manifest, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stop halts the worker goroutine and waits for it to exit.
func (m *Manager) Stop() {
	close(m.stopCh)
	<-m.done
}
