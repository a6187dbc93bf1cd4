// Package types holds the provider-agnostic chat/tool data model shared by
// every adapter, the reliable wrapper, and the router. It has no internal
// imports beyond the standard library to avoid import cycles.
package types

import "encoding/json"

// ChatMessage is a single conversation turn. Role is free-form; the
// compatible and Ollama adapters send unknown roles as "user", while the
// Anthropic, Bedrock and Gemini adapters skip them. Content may be plain text, or
// for role "assistant"/"tool" a JSON-encoded envelope (AssistantToolEnvelope
// / ToolResultEnvelope) carrying structured tool metadata.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// AssistantToolEnvelope is the JSON shape embedded in an assistant
// ChatMessage.Content when the turn carries tool calls and/or reasoning.
type AssistantToolEnvelope struct {
	Content          *string    `json:"content"`
	ToolCalls        []ToolCall `json:"tool_calls"`
	ReasoningContent *string    `json:"reasoning_content"`
}

// ToolResultEnvelope is the JSON shape embedded in a tool ChatMessage.Content.
type ToolResultEnvelope struct {
	ToolCallID string  `json:"tool_call_id"`
	Content    string  `json:"content"`
	ToolName   *string `json:"tool_name"`
}

// ToolSpec describes a tool the model may call.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ToolCall is a tool invocation produced by the model. Arguments preserve
// the provider's exact bytes (it is a JSON-encoded string, not a map).
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolResult is the caller-supplied result for a ToolCall.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
}

// ChatRequest is a structured chat call.
type ChatRequest struct {
	Messages []ChatMessage
	Tools    []ToolSpec
}

// TokenUsage reports backend-supplied token accounting, when available.
type TokenUsage struct {
	InputTokens  uint64
	OutputTokens uint64
}

// ChatResponse is a structured chat result.
//
// Invariant: Text == nil implies len(ToolCalls) > 0.
type ChatResponse struct {
	Text             *string
	ToolCalls        []ToolCall
	Usage            *TokenUsage
	ReasoningContent *string
}

// HasToolCalls reports whether the response carries any tool calls.
func (r *ChatResponse) HasToolCalls() bool {
	return len(r.ToolCalls) > 0
}

// DetectAssistantEnvelope attempts to parse content as an assistant tool-call
// envelope. Returns ok=false on any parse failure or when the decoded value
// doesn't look like an envelope (no tool_calls and no reasoning_content) —
// callers must then treat content as plain text.
func DetectAssistantEnvelope(content string) (AssistantToolEnvelope, bool) {
	var env AssistantToolEnvelope
	if err := json.Unmarshal([]byte(content), &env); err != nil {
		return AssistantToolEnvelope{}, false
	}
	if len(env.ToolCalls) == 0 && env.ReasoningContent == nil {
		return AssistantToolEnvelope{}, false
	}
	return env, true
}

// DetectToolResultEnvelope attempts to parse content as a tool-result
// envelope. Returns ok=false on parse failure or a missing tool_call_id.
func DetectToolResultEnvelope(content string) (ToolResultEnvelope, bool) {
	var env ToolResultEnvelope
	if err := json.Unmarshal([]byte(content), &env); err != nil {
		return ToolResultEnvelope{}, false
	}
	if env.ToolCallID == "" {
		return ToolResultEnvelope{}, false
	}
	return env, true
}

// EncodeAssistantEnvelope serializes an assistant tool-call envelope for
// storage in ChatMessage.Content.
func EncodeAssistantEnvelope(env AssistantToolEnvelope) string {
	b, _ := json.Marshal(env)
	return string(b)
}

// EncodeToolResultEnvelope serializes a tool-result envelope for storage in
// ChatMessage.Content.
func EncodeToolResultEnvelope(env ToolResultEnvelope) string {
	b, _ := json.Marshal(env)
	return string(b)
}
