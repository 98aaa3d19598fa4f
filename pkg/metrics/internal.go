// Package metrics provides internal metrics tracking for LLM operations.
package metrics

import (
	"sync"
	"time"
)

// InternalRecorder implements the Recorder interface using in-memory aggregation.
// This is much simpler than Prometheus and doesn't require external services.
type InternalRecorder struct {
	builds map[string]*BuildMetrics // buildID -> aggregated metrics
	mu     sync.RWMutex
}

// BuildMetrics represents aggregated LLM usage metrics for a single build.
//
//nolint:govet
type BuildMetrics struct {
	PromptTokens     int64     `json:"prompt_tokens"`
	CompletionTokens int64     `json:"completion_tokens"`
	TotalTokens      int64     `json:"total_tokens"`
	RequestCount     int64     `json:"request_count"`
	TotalCost        float64   `json:"total_cost_usd"`
	BuildID          string    `json:"build_id"`
	LastUpdated      time.Time `json:"last_updated"`
}

var (
	// Singleton instance and initialization synchronization.
	internalInstance *InternalRecorder //nolint:gochecknoglobals
	internalOnce     sync.Once         //nolint:gochecknoglobals
)

// NewInternalRecorder returns a singleton internal metrics recorder.
func NewInternalRecorder() *InternalRecorder {
	internalOnce.Do(func() {
		internalInstance = &InternalRecorder{
			builds: make(map[string]*BuildMetrics),
		}
	})
	return internalInstance
}

// ObserveRequest records metrics for a completed LLM request.
func (r *InternalRecorder) ObserveRequest(
	_, buildID, _ string,
	promptTokens, completionTokens int,
	cost float64,
	success bool,
	_ string,
	_ time.Duration,
) {
	// Only record successful requests for token/cost tracking
	if !success || buildID == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	build, exists := r.builds[buildID]
	if !exists {
		build = &BuildMetrics{
			BuildID: buildID,
		}
		r.builds[buildID] = build
	}

	build.PromptTokens += int64(promptTokens)
	build.CompletionTokens += int64(completionTokens)
	build.TotalTokens = build.PromptTokens + build.CompletionTokens
	build.TotalCost += cost
	build.RequestCount++
	build.LastUpdated = time.Now()
}

// GetBuildMetrics returns the aggregated metrics for a specific build.
func (r *InternalRecorder) GetBuildMetrics(buildID string) *BuildMetrics {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if build, exists := r.builds[buildID]; exists {
		// Return a copy to prevent external modification
		cp := *build
		return &cp
	}
	return nil
}

// GetAllBuildMetrics returns metrics for all builds.
func (r *InternalRecorder) GetAllBuildMetrics() map[string]*BuildMetrics {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]*BuildMetrics, len(r.builds))
	for buildID, build := range r.builds {
		cp := *build
		result[buildID] = &cp
	}
	return result
}

// ClearBuildMetrics removes metrics for a specific build (useful for testing).
func (r *InternalRecorder) ClearBuildMetrics(buildID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.builds, buildID)
}

// Reset clears all metrics (useful for testing).
func (r *InternalRecorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builds = make(map[string]*BuildMetrics)
}
