package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"orchestrator/pkg/config"
	"orchestrator/pkg/eventbus"
	"orchestrator/pkg/llm"
	"orchestrator/pkg/logx"
	"orchestrator/pkg/manifest"
	"orchestrator/pkg/persistbuf"
	"orchestrator/pkg/persistence"
	"orchestrator/pkg/proto"
	"orchestrator/pkg/registry"
	"orchestrator/pkg/sandbox"
	"orchestrator/pkg/toolbridge"
)

// sandboxTimeout is a build's initial sandbox lifetime (spec §4.3).
const sandboxTimeout = 2 * time.Hour

// Orchestrator drives every build on this node end to end: provisioning a
// sandbox, running Planning (§4.5), Sequential (§4.6), and Parallel (§4.7),
// pausing for review gates, and handing off to the Artifact Pipeline on any
// terminal transition (§4.8). One Orchestrator serves every build; per-build
// state lives in the Registry and in this package's own control map, never
// in package-level globals (spec §9).
//
//nolint:govet // logical field grouping preferred over byte-packing
type Orchestrator struct {
	registry         *registry.Registry
	persistCh        chan *persistence.Request
	sandboxProvider  sandbox.Provider
	llmClient        llm.Client
	designResearcher DesignResearcher
	durationRecorder toolbridge.DurationRecorder
	artifactPipeline ArtifactPipeline
	logger           *logx.Logger
	cfg              *config.Config

	controls controlMap
}

// New constructs an Orchestrator. designResearcher may be nil to disable
// the optional UI design-research step (spec §4.5 step 4); recorder may be
// nil to disable tool-duration metrics.
func New(
	reg *registry.Registry,
	persistCh chan *persistence.Request,
	sandboxProvider sandbox.Provider,
	llmClient llm.Client,
	designResearcher DesignResearcher,
	recorder toolbridge.DurationRecorder,
	artifactPipeline ArtifactPipeline,
	cfg *config.Config,
) *Orchestrator {
	return &Orchestrator{
		registry:         reg,
		persistCh:        persistCh,
		sandboxProvider:  sandboxProvider,
		llmClient:        llmClient,
		designResearcher: designResearcher,
		durationRecorder: recorder,
		artifactPipeline: artifactPipeline,
		logger:           logx.NewLogger("orchestrator"),
		cfg:              cfg,
		controls:         newControlMap(),
	}
}

// StartBuild creates a Build in PENDING, persists it, and launches its
// driver goroutine. It returns as soon as the Build record exists;
// provisioning and every phase run asynchronously (spec §4.1, §6).
func (o *Orchestrator) StartBuild(ctx context.Context, ownerID, appSpec string, reviewGates bool) (*proto.Build, error) {
	build := proto.NewBuild(ownerID, appSpec, reviewGates)
	if err := o.persistUpsert(build); err != nil {
		return nil, fmt.Errorf("persist new build: %w", err)
	}

	buildCtx, cancel := context.WithCancel(context.Background())
	ctl := newBuildControl(cancel)
	o.controls.set(build.ID, ctl)

	go o.runBuild(buildCtx, build)

	return build, nil
}

// PauseBuild requests that a running build suspend at its next checkpoint
// (spec §4.1: RUNNING -> PAUSED). It is a request, not an immediate
// transition: the driver goroutine acts on it between phases; a phase
// already running is not interrupted by it.
func (o *Orchestrator) PauseBuild(buildID string) error {
	ctl, ok := o.controls.get(buildID)
	if !ok {
		return fmt.Errorf("build %s is not running on this node", buildID)
	}
	ctl.requestPause()
	return nil
}

// ResumeBuild resumes a paused or review-gate-suspended build.
func (o *Orchestrator) ResumeBuild(buildID string) error {
	ctl, ok := o.controls.get(buildID)
	if !ok {
		return fmt.Errorf("build %s is not running on this node", buildID)
	}
	ctl.resume()
	return nil
}

// CancelBuild cancels a build's context, unwinding its driver goroutine
// toward CANCELLED. Idempotent: cancelling an unknown build is a no-op,
// since it may already have reached a terminal state and been unregistered.
func (o *Orchestrator) CancelBuild(buildID string) {
	ctl, ok := o.controls.get(buildID)
	if !ok {
		return
	}
	ctl.cancel()
}

// ApproveGate unblocks a build paused at a review gate (spec §4.5 step 6,
// §4.1's AWAITING_* -> RUNNING edge). editedContent, if non-nil, replaces
// the gated document (DESIGN.md or feature_list.json) before resuming.
func (o *Orchestrator) ApproveGate(buildID, gate string, editedContent *string) error {
	ctl, ok := o.controls.get(buildID)
	if !ok {
		return fmt.Errorf("build %s is not running on this node", buildID)
	}
	ctl.approveGate(gate, editedContent)
	return nil
}

// runBuild is the per-build driver: provision, transition to RUNNING, run
// Planning then Sequential then (if the manifest still has unfinished
// non-blocking features) Parallel, and on any terminal outcome invoke the
// Artifact Pipeline best-effort before releasing the build's resources.
// Grounded on the teacher's Driver.Run loop (pkg/architect/driver.go):
// check context, process the current phase, transition, repeat.
func (o *Orchestrator) runBuild(ctx context.Context, build *proto.Build) {
	defer o.controls.delete(build.ID)

	ctl, _ := o.controls.get(build.ID)
	resets := newResetBudget(maxContextResets)

	if err := o.transition(ctx, build, proto.BuildInitializing); err != nil {
		o.logger.Error("build %s: %v", build.ID, err)
		return
	}

	sb, mgr, bus, err := o.provision(ctx, build)
	if err != nil {
		o.endBuildOnError(build, "provisioning", err)
		return
	}
	defer o.registry.Unregister(context.Background(), build.ID)

	if err := o.transition(ctx, build, proto.BuildRunning); err != nil {
		o.logger.Error("build %s: %v", build.ID, err)
		return
	}

	gateWait := func(waitCtx context.Context, gate string) (*string, error) {
		status := proto.BuildAwaitingDesignReview
		if gate == "feature" {
			status = proto.BuildAwaitingFeatureReview
		}
		if err := o.transition(waitCtx, build, status); err != nil {
			return nil, err
		}
		edited, err := ctl.waitForGate(waitCtx, gate)
		if err != nil {
			return nil, err
		}
		if err := o.transition(waitCtx, build, proto.BuildRunning); err != nil {
			return nil, err
		}
		return edited, nil
	}

	if err := o.pauseCheckpoint(ctx, build, ctl); err != nil {
		o.endBuildOnError(build, "pause", err)
		return
	}

	planResult, err := o.runPlanning(ctx, build.ID, build.AppSpec, build.ReviewGatesEnabled, sb, mgr, bus, resets, gateWait)
	if err != nil {
		o.endBuildOnError(build, "planning", err)
		return
	}
	build.ComplexityTier = planResult.complexityTier
	build.TargetFeatureCount = planResult.targetFeatureCount
	o.syncProgress(ctx, build, mgr)

	if err := o.pauseCheckpoint(ctx, build, ctl); err != nil {
		o.endBuildOnError(build, "pause", err)
		return
	}

	if err := o.runSequential(ctx, build.ID, sb, mgr, bus, resets); err != nil {
		o.endBuildOnError(build, "sequential", err)
		return
	}
	o.syncProgress(ctx, build, mgr)

	if err := o.pauseCheckpoint(ctx, build, ctl); err != nil {
		o.endBuildOnError(build, "pause", err)
		return
	}

	mf, _ := mgr.Reload(ctx)
	if mf != nil && !mf.AllPass() {
		if err := o.runParallel(ctx, build.ID, sb, mgr, bus, resets, o.cfg.MaxParallelAgents); err != nil {
			o.endBuildOnError(build, "parallel", err)
			return
		}
	}
	o.syncProgress(ctx, build, mgr)

	mf, _ = mgr.Reload(ctx)
	if mf == nil || !mf.AllPass() {
		o.failBuild(ctx, build, "build ended with unfinished features")
		return
	}

	o.completeBuild(ctx, build, sb)
}

// pauseCheckpoint blocks the driver between phases if a pause was
// requested, transitioning to PAUSED and back to RUNNING around the wait.
func (o *Orchestrator) pauseCheckpoint(ctx context.Context, build *proto.Build, ctl *buildControl) error {
	if !ctl.shouldPause() {
		return nil
	}
	ctl.acknowledgePause()
	if err := o.transition(ctx, build, proto.BuildPaused); err != nil {
		return err
	}
	if err := ctl.waitForResume(ctx); err != nil {
		return err
	}
	return o.transition(ctx, build, proto.BuildRunning)
}

// provision creates the sandbox and registers the build's resources with
// the Registry (spec §4.3).
func (o *Orchestrator) provision(ctx context.Context, build *proto.Build) (sandbox.Sandbox, *manifest.Manager, *eventbus.Bus, error) {
	sb, err := o.sandboxProvider.Create(ctx, sandbox.Opts{TimeoutSeconds: int(sandboxTimeout.Seconds())})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create sandbox: %w", err)
	}

	eventBuf := persistbuf.NewEventBuffer(build.ID, o.persistCh, nil)
	logBuf := persistbuf.NewLogBuffer(build.ID, o.persistCh, nil)
	bus := eventbus.New(build.ID, &splitSink{events: eventBuf, logs: logBuf}, nil)
	mgr := manifest.New(build.ID, sb)

	buildCtx, cancel := context.WithCancel(ctx)
	eventBuf.Start(buildCtx)
	logBuf.Start(buildCtx)
	mgr.Start(buildCtx)

	id := sb.ID()
	build.SandboxID = &id

	o.registry.Register(&registry.BuildState{
		BuildID:     build.ID,
		Bus:         bus,
		EventBuffer: eventBuf,
		LogBuffer:   logBuf,
		Sandbox:     sb,
		Manifest:    mgr,
		Cancel:      cancel,
	})

	return sb, mgr, bus, nil
}

// splitSink fans a bus publish out to the two independently-buffered
// persistence queues (events, logs).
type splitSink struct {
	events *persistbuf.Buffer
	logs   *persistbuf.Buffer
}

func (s *splitSink) WriteEvent(e *proto.Event) { s.events.WriteEvent(e) }
func (s *splitSink) WriteLog(l *proto.LogEntry) { s.logs.WriteLog(l) }

// syncProgress refreshes build.Progress from the manifest and persists it.
func (o *Orchestrator) syncProgress(ctx context.Context, build *proto.Build, mgr *manifest.Manager) {
	mf, err := mgr.Reload(ctx)
	if err != nil || mf == nil {
		return
	}
	build.Progress = mf.Progress()
	_ = o.persistStatus(build, nil)
}

// endBuildOnError routes a phase error to its matching terminal
// transition: a cancelled context means the build was cancelled via
// CancelBuild, not that it failed, so it takes the CANCELLED edge instead
// of FAILED (the fsm deliberately keeps those two paths distinct).
func (o *Orchestrator) endBuildOnError(build *proto.Build, stage string, err error) {
	if errors.Is(err, context.Canceled) {
		o.cancelBuildRecord(build)
		return
	}
	o.failBuild(context.Background(), build, fmt.Sprintf("%s: %v", stage, err))
}

// cancelBuildRecord records a build's CANCELLED transition and runs the
// Artifact Pipeline best-effort, mirroring failBuild's shape for the
// cancellation path.
func (o *Orchestrator) cancelBuildRecord(build *proto.Build) {
	o.logger.Info("build %s: cancelled", build.ID)
	if err := o.transition(context.Background(), build, proto.BuildCancelled); err != nil {
		o.logger.Error("build %s: failed to record CANCELLED status: %v", build.ID, err)
	}
	o.runArtifactPipeline(build)
}

// failBuild transitions build to FAILED, runs the Artifact Pipeline
// best-effort, and logs the cause.
func (o *Orchestrator) failBuild(ctx context.Context, build *proto.Build, reason string) {
	o.logger.Error("build %s: %s", build.ID, reason)
	emitErrorEvent(o.busFor(build.ID), build.ID, reason, severityFatal, false)
	if err := o.transition(ctx, build, proto.BuildFailed); err != nil {
		o.logger.Error("build %s: failed to record FAILED status: %v", build.ID, err)
	}
	o.runArtifactPipeline(build)
}

// completeBuild transitions build to COMPLETED and runs the Artifact
// Pipeline (spec §4.8).
func (o *Orchestrator) completeBuild(ctx context.Context, build *proto.Build, _ sandbox.Sandbox) {
	if err := o.transition(ctx, build, proto.BuildCompleted); err != nil {
		o.logger.Error("build %s: failed to record COMPLETED status: %v", build.ID, err)
		return
	}
	o.runArtifactPipeline(build)
}

// runArtifactPipeline runs the configured ArtifactPipeline best-effort: a
// nil pipeline or a failing Run is logged and swallowed, never blocking the
// Registry teardown that follows in runBuild's deferred Unregister call
// (spec §4.8 step 5).
func (o *Orchestrator) runArtifactPipeline(build *proto.Build) {
	if o.artifactPipeline == nil {
		return
	}
	state, ok := o.registry.Get(build.ID)
	if !ok {
		return
	}
	key, err := o.artifactPipeline.Run(context.Background(), build.ID, state.Sandbox)
	if err != nil {
		o.logger.Warn("build %s: artifact pipeline failed: %v", build.ID, err)
		return
	}
	build.ArtifactKey = &key
	_ = o.persistStatus(build, &key)
}

func (o *Orchestrator) busFor(buildID string) *eventbus.Bus {
	state, ok := o.registry.Get(buildID)
	if !ok {
		return nil
	}
	return state.Bus
}

// transition validates and performs a status change, persisting it before
// returning (spec §4.1: "all transitions atomically write the new status
// to the Build record before attempting sandbox destruction").
func (o *Orchestrator) transition(_ context.Context, build *proto.Build, to proto.BuildStatus) error {
	if !isValidTransition(build.Status, to) {
		return errInvalidTransition(build.Status, to)
	}
	build.Status = to
	if to == proto.BuildInitializing && build.StartedAt == nil {
		now := time.Now().UTC()
		build.StartedAt = &now
	}
	emitPhase(o.busFor(build.ID), build.ID, string(to))
	return o.persistStatus(build, build.ArtifactKey)
}

func (o *Orchestrator) persistStatus(build *proto.Build, artifactKey *string) error {
	req := &persistence.Request{
		Operation: persistence.OpUpdateBuildStatus,
		Data: &persistence.UpdateBuildStatusRequest{
			BuildID:     build.ID,
			Status:      build.Status,
			Progress:    build.Progress,
			StartedAt:   build.StartedAt,
			ArtifactKey: artifactKey,
			SandboxID:   build.SandboxID,
			OutputURL:   build.OutputURL,
		},
	}
	select {
	case o.persistCh <- req:
		return nil
	default:
		return fmt.Errorf("persistence channel full for build %s", build.ID)
	}
}

func (o *Orchestrator) persistUpsert(build *proto.Build) error {
	select {
	case o.persistCh <- &persistence.Request{Operation: persistence.OpUpsertBuild, Data: build}:
		return nil
	default:
		return fmt.Errorf("persistence channel full")
	}
}
