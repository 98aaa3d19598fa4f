package orchestrator

import (
	"context"

	"orchestrator/pkg/sandbox"
)

// ArtifactPipeline captures a build's sandbox workspace, converts it to a
// zip, and uploads it to the object store (spec §4.8 steps 1-4). The
// Orchestrator calls this on every terminal transition, best-effort: a
// nil ArtifactPipeline or a failing Run never blocks the Registry's
// subsequent sandbox teardown (step 5, handled by the Orchestrator via
// Registry.Unregister after Run returns).
//
// Concretely implemented by pkg/artifact; this narrow interface is what
// pkg/orchestrator depends on so the two packages can be built and tested
// independently.
type ArtifactPipeline interface {
	Run(ctx context.Context, buildID string, sb sandbox.Sandbox) (artifactKey string, err error)
}
