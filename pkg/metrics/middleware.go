// Package metrics provides metrics middleware for LLM clients.
package metrics

import (
	"context"
	"fmt"
	"time"

	"orchestrator/pkg/config"
	"orchestrator/pkg/llm"
	"orchestrator/pkg/llm/tokencount"
	"orchestrator/pkg/logx"
)

// UsageExtractor is a function that extracts token usage from a request and response.
type UsageExtractor func(req llm.CompletionRequest, resp llm.CompletionResponse) (promptTokens, completionTokens int)

// DefaultUsageExtractor provides a default implementation using TikToken for token counting.
func DefaultUsageExtractor(req llm.CompletionRequest, resp llm.CompletionResponse) (promptTokens, completionTokens int) {
	// Count prompt tokens from all messages
	var promptText string
	for i := range req.Messages {
		promptText += req.Messages[i].Content + "\n"
	}
	promptTokens = tokencount.Count(promptText)

	// Count completion tokens from response content
	completionTokens = tokencount.Count(resp.Content)

	return promptTokens, completionTokens
}

// Middleware returns a middleware function that records metrics for LLM operations.
// It tracks request latency, token usage, success/failure rates, and error types.
func Middleware(recorder Recorder, usageExtractor UsageExtractor, buildCtx BuildContext, _ /* logger */ *logx.Logger) llm.Middleware {
	if usageExtractor == nil {
		usageExtractor = DefaultUsageExtractor
	}

	return func(next llm.Client) llm.Client {
		return llm.WrapClientWithTokenCounter(
			// Complete implementation with metrics
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				start := time.Now()

				// Get model name for metrics
				modelConfig := next.GetDefaultConfig()

				resp, err := next.Complete(ctx, req)
				duration := time.Since(start)

				// Extract token usage
				var promptTokens, completionTokens int
				if err == nil {
					promptTokens, completionTokens = usageExtractor(req, resp)
				}

				// Determine error type
				errorType := ""
				if err != nil {
					errorType = getErrorType(err)
				}

				buildID := buildCtx.GetBuildID()
				phase := buildCtx.GetPhase()
				cost := costUSD(modelConfig.CPM, promptTokens, completionTokens)

				// Record metrics
				recorder.ObserveRequest(
					modelConfig.Name,
					buildID,
					phase,
					promptTokens,
					completionTokens,
					cost,
					err == nil,
					errorType,
					duration,
				)

				// Enhanced logging for LLM calls with detailed metrics
				if err == nil {
					logx.Infof("LLM call to model '%s': latency %.3gs, request tokens: %s, response tokens: %s, total tokens: %s (build: %s, phase: %s)",
						modelConfig.Name, duration.Seconds(), formatWithCommas(promptTokens), formatWithCommas(completionTokens), formatWithCommas(promptTokens+completionTokens), buildID, phase)
				} else {
					// Use defaultLogger.Error instead of logx.Errorf to avoid return value check
					defaultLogger := logx.NewLogger("metrics")
					defaultLogger.Error("LLM call to model '%s' failed: latency %.3gs, request tokens: %s, response tokens: %s, error: %s (build: %s, phase: %s, error_type: %s)",
						modelConfig.Name, duration.Seconds(), formatWithCommas(promptTokens), formatWithCommas(completionTokens), err.Error(), buildID, phase, errorType)
				}

				return resp, err //nolint:wrapcheck // Middleware should pass through errors unchanged
			},
			// Stream implementation with metrics
			func(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
				start := time.Now()

				// Get model name for metrics
				modelConfig := next.GetDefaultConfig()

				ch, err := next.Stream(ctx, req)
				duration := time.Since(start)

				// For streaming, we only track the initial setup time and success/failure
				// Token counting for streams would require consuming the entire stream
				errorType := ""
				if err != nil {
					errorType = getErrorType(err)
				}

				buildID := buildCtx.GetBuildID()
				phase := buildCtx.GetPhase()

				// Record metrics (no token counts for streaming)
				recorder.ObserveRequest(
					modelConfig.Name,
					buildID,
					phase,
					0, // No prompt token count for streaming
					0, // No completion token count for streaming
					0, // No cost estimate without token counts
					err == nil,
					errorType,
					duration,
				)

				// Enhanced logging for streaming LLM calls
				if err == nil {
					logx.Infof("LLM stream to model '%s' started: setup latency %.3gs (build: %s, phase: %s)",
						modelConfig.Name, duration.Seconds(), buildID, phase)
				} else {
					// Use defaultLogger.Error instead of logx.Errorf to avoid return value check
					defaultLogger := logx.NewLogger("metrics")
					defaultLogger.Error("LLM stream to model '%s' failed: setup latency %.3gs, error: %s (build: %s, phase: %s, error_type: %s)",
						modelConfig.Name, duration.Seconds(), err.Error(), buildID, phase, errorType)
				}

				return ch, err //nolint:wrapcheck // Middleware should pass through errors unchanged
			},
			// Delegate CountTokens to the next client
			func(req llm.CompletionRequest) int {
				return next.CountTokens(req)
			},
			// Delegate GetDefaultConfig to the next client
			func() config.Model {
				return next.GetDefaultConfig()
			},
		)
	}
}

// costUSD estimates request cost from the model's blended cost-per-million-tokens rate.
func costUSD(cpm float64, promptTokens, completionTokens int) float64 {
	return float64(promptTokens+completionTokens) / 1_000_000 * cpm
}

// formatWithCommas adds thousands separators to numbers for readability.
func formatWithCommas(n int) string {
	if n < 1000 {
		return fmt.Sprintf("%d", n)
	}

	str := fmt.Sprintf("%d", n)
	result := ""

	for i, char := range str {
		if i > 0 && (len(str)-i)%3 == 0 {
			result += ","
		}
		result += string(char)
	}

	return result
}

// getErrorType classifies errors for metrics labeling.
// This is a simple implementation - could be enhanced with more sophisticated error classification.
func getErrorType(err error) string {
	if err == nil {
		return ""
	}

	errStr := err.Error()
	switch {
	case errStr == "circuit breaker is OPEN" || errStr == "circuit breaker is HALF_OPEN":
		return "circuit_breaker"
	case errStr == "context deadline exceeded":
		return "timeout"
	case errStr == "context canceled":
		return "canceled"
	default:
		return "unknown"
	}
}
