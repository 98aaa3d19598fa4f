// Package openai provides an OpenAI client implementation of llm.Client,
// used as an alternate provider behind the same provider-agnostic interface
// (spec.md §4.10).
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"orchestrator/pkg/config"
	"orchestrator/pkg/llm"
	"orchestrator/pkg/llm/llmerrors"
	"orchestrator/pkg/tools"
)

// ChatClient wraps the OpenAI chat-completions API to implement llm.Client.
type ChatClient struct {
	client openai.Client
	model  string
}

// NewChatClient creates a client using the default model (spec §4.10).
func NewChatClient(apiKey string) llm.Client {
	return NewChatClientWithModel(apiKey, config.ModelGPT5)
}

// NewChatClientWithModel creates a client pinned to a specific model.
func NewChatClientWithModel(apiKey, model string) llm.Client {
	return &ChatClient{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

func convertMessages(msgs []llm.CompletionMessage) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for i := range msgs {
		msg := &msgs[i]
		switch msg.Role {
		case llm.RoleSystem:
			out = append(out, openai.SystemMessage(msg.Content))
		case llm.RoleAssistant:
			out = append(out, openai.AssistantMessage(msg.Content))
		case llm.RoleUser:
			out = append(out, openai.UserMessage(msg.Content))
		}
		for j := range msg.ToolResults {
			tr := &msg.ToolResults[j]
			out = append(out, openai.ToolMessage(tr.Content, tr.ToolCallID))
		}
	}
	return out
}

func convertTools(defs []tools.ToolDefinition) []openai.ChatCompletionToolParam {
	out := make([]openai.ChatCompletionToolParam, 0, len(defs))
	for i := range defs {
		d := &defs[i]
		properties := make(map[string]any, len(d.InputSchema.Properties))
		for name, prop := range d.InputSchema.Properties {
			propMap := map[string]any{"type": prop.Type}
			if prop.Description != "" {
				propMap["description"] = prop.Description
			}
			if len(prop.Enum) > 0 {
				propMap["enum"] = prop.Enum
			}
			properties[name] = propMap
		}
		params := shared.FunctionParameters{
			"type":       d.InputSchema.Type,
			"properties": properties,
			"required":   d.InputSchema.Required,
		}
		out = append(out, openai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        d.Name,
				Description: openai.String(d.Description),
				Parameters:  params,
			},
		})
	}
	return out
}

// Complete implements llm.Client.
func (c *ChatClient) Complete(ctx context.Context, in llm.CompletionRequest) (llm.CompletionResponse, error) {
	params := openai.ChatCompletionNewParams{
		Model:    c.model,
		Messages: convertMessages(in.Messages),
	}
	if in.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(in.MaxTokens))
	}
	if len(in.Tools) > 0 {
		params.Tools = convertTools(in.Tools)
	}

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return llm.CompletionResponse{}, classifyError(err)
	}
	if len(resp.Choices) == 0 {
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "no choices returned")
	}

	choice := resp.Choices[0]
	var calls []llm.ToolCall
	for _, tc := range choice.Message.ToolCalls {
		var params map[string]any
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &params); err != nil {
			params = map[string]any{}
		}
		calls = append(calls, llm.ToolCall{ID: tc.ID, Name: tc.Function.Name, Parameters: params})
	}

	return llm.CompletionResponse{
		Content:    choice.Message.Content,
		ToolCalls:  calls,
		StopReason: string(choice.FinishReason),
	}, nil
}

// Stream implements llm.Client.
func (c *ChatClient) Stream(ctx context.Context, in llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
	params := openai.ChatCompletionNewParams{
		Model:    c.model,
		Messages: convertMessages(in.Messages),
	}
	if in.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(in.MaxTokens))
	}

	stream := c.client.Chat.Completions.NewStreaming(ctx, params)
	ch := make(chan llm.StreamChunk)

	go func() {
		defer close(ch)
		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
				ch <- llm.StreamChunk{Content: chunk.Choices[0].Delta.Content}
			}
		}
		if err := stream.Err(); err != nil && !errors.Is(err, io.EOF) {
			ch <- llm.StreamChunk{Error: classifyError(err)}
			return
		}
		ch <- llm.StreamChunk{Done: true}
	}()

	return ch, nil
}

// GetModelName returns the model name for this client.
func (c *ChatClient) GetModelName() string {
	return c.model
}

// GetDefaultConfig returns default model configuration for this client's model.
func (c *ChatClient) GetDefaultConfig() config.Model {
	return config.LookupModel(c.model)
}

// CountTokens estimates the token count of a request using the shared
// tiktoken-based estimator (spec §4.10, §4.11).
func (c *ChatClient) CountTokens(in llm.CompletionRequest) int {
	return llm.EstimateTokens(in)
}

// classifyError maps OpenAI SDK errors to the shared llmerrors taxonomy.
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return llmerrors.NewErrorWithStatus(llmerrors.ErrorTypeAuth, apiErr.StatusCode, "authentication failed")
		case http.StatusTooManyRequests:
			return llmerrors.NewErrorWithStatus(llmerrors.ErrorTypeRateLimit, apiErr.StatusCode, "rate limit exceeded")
		case http.StatusBadRequest:
			if strings.Contains(strings.ToLower(apiErr.Message), "context") {
				return llmerrors.NewErrorWithStatus(llmerrors.ErrorTypeContextOverflow, apiErr.StatusCode, "context window exceeded")
			}
			return llmerrors.NewErrorWithStatus(llmerrors.ErrorTypeBadPrompt, apiErr.StatusCode, apiErr.Message)
		case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return llmerrors.NewErrorWithStatus(llmerrors.ErrorTypeTransient, apiErr.StatusCode, "server error")
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeTransient, err, "request timeout or cancellation")
	}
	return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeUnknown, err, fmt.Sprintf("unclassified OpenAI error: %v", err))
}
