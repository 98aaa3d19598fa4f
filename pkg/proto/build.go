// Package proto defines the wire and persistence types shared by every
// component of the build orchestrator: builds, features, events, and logs.
package proto

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"orchestrator/pkg/logx"
)

// BuildStatus is the build's position in the state machine (spec §4.1).
type BuildStatus string

// Build status values. PENDING is the initial state; COMPLETED, FAILED,
// and CANCELLED are terminal.
const (
	BuildPending               BuildStatus = "PENDING"
	BuildInitializing          BuildStatus = "INITIALIZING"
	BuildRunning               BuildStatus = "RUNNING"
	BuildPaused                BuildStatus = "PAUSED"
	BuildAwaitingDesignReview  BuildStatus = "AWAITING_DESIGN_REVIEW"
	BuildAwaitingFeatureReview BuildStatus = "AWAITING_FEATURE_REVIEW"
	BuildCompleted             BuildStatus = "COMPLETED"
	BuildFailed                BuildStatus = "FAILED"
	BuildCancelled             BuildStatus = "CANCELLED"
)

// IsTerminal reports whether status is one from which no further
// transition is possible.
func (s BuildStatus) IsTerminal() bool {
	switch s {
	case BuildCompleted, BuildFailed, BuildCancelled:
		return true
	default:
		return false
	}
}

// ComplexityTier is the heuristic-estimated scope of the requested app.
type ComplexityTier string

// Complexity tiers produced by the Planning phase's estimator (spec §4.5).
const (
	ComplexitySimple     ComplexityTier = "simple"
	ComplexityStandard   ComplexityTier = "standard"
	ComplexityProduction ComplexityTier = "production"
)

// MaxSuggestedFeatureCount is the cap the complexity estimator applies
// regardless of how many indicators it finds (spec §4.5 step 3).
const MaxSuggestedFeatureCount = 80

// Progress tracks completed vs. total features for a build.
type Progress struct {
	Completed int `json:"completed"`
	Total     int `json:"total"`
}

// Build is the top-level unit of work (spec §3).
//
//nolint:govet // logical field grouping preferred over byte-packing
type Build struct {
	ID                   string         `json:"id"`
	OwnerID              string         `json:"owner_id"`
	AppSpec              string         `json:"app_spec"`
	Status               BuildStatus    `json:"status"`
	CreatedAt            time.Time      `json:"created_at"`
	StartedAt            *time.Time     `json:"started_at,omitempty"`
	Progress           Progress       `json:"progress"`
	ArtifactKey        *string        `json:"artifact_key,omitempty"`
	SandboxID          *string        `json:"sandbox_id,omitempty"`
	OutputURL          *string        `json:"output_url,omitempty"`
	ReviewGatesEnabled bool           `json:"review_gates_enabled"`
	ComplexityTier     ComplexityTier `json:"complexity_tier"`
	TargetFeatureCount int            `json:"target_feature_count"`
}

// NewBuild constructs a Build in the PENDING state.
func NewBuild(ownerID, appSpec string, reviewGates bool) *Build {
	return &Build{
		ID:                 uuid.New().String(),
		OwnerID:            ownerID,
		AppSpec:            appSpec,
		Status:             BuildPending,
		CreatedAt:          time.Now().UTC(),
		ReviewGatesEnabled: reviewGates,
	}
}

// Validate checks the invariants spec §3 places on Build: progress never
// exceeds total, and a non-nil artifact key implies a terminal status.
func (b *Build) Validate() error {
	if b.Progress.Completed > b.Progress.Total {
		return errInvariant("progress.completed exceeds progress.total")
	}
	if b.ArtifactKey != nil && !b.Status.IsTerminal() {
		return errInvariant("artifactKey set on a non-terminal build")
	}
	return nil
}

// ToJSON serializes the build for transport or persistence.
func (b *Build) ToJSON() ([]byte, error) {
	data, err := json.Marshal(b)
	if err != nil {
		return nil, logx.Wrap(err, "marshal build")
	}
	return data, nil
}

// BuildFromJSON reconstructs a Build previously serialized with ToJSON.
func BuildFromJSON(data []byte) (*Build, error) {
	var b Build
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, logx.Wrap(err, "unmarshal build")
	}
	return &b, nil
}

func errInvariant(msg string) error {
	return &invariantError{msg: msg}
}

type invariantError struct{ msg string }

func (e *invariantError) Error() string { return "build invariant violated: " + e.msg }
