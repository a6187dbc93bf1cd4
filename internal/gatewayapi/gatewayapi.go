// Package gatewayapi defines the OpenAI-compatible wire shapes an external
// HTTP gateway would expose over this module's core (POST
// /v1/chat/completions, GET /v1/models), along with pure conversions
// to/from the internal chat data model. It does not listen on a socket —
// serving those routes is out of scope for this module.
package gatewayapi

import (
	"encoding/json"
	"time"

	"github.com/zveroz/zeroclaw/internal/types"
)

// ChatCompletionRequest is the OpenAI-compatible request body for
// POST /v1/chat/completions.
type ChatCompletionRequest struct {
	Model       string          `json:"model"`
	Messages    []WireMessage   `json:"messages"`
	Tools       []WireTool      `json:"tools,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
}

// WireMessage is a single OpenAI-compatible chat message.
type WireMessage struct {
	Role       string          `json:"role"`
	Content    string          `json:"content"`
	ToolCalls  []WireToolCall  `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

// WireTool is an OpenAI-compatible tool/function declaration.
type WireTool struct {
	Type     string       `json:"type"`
	Function WireFunction `json:"function"`
}

// WireFunction describes a callable function within a WireTool.
type WireFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// WireToolCall is a tool invocation in OpenAI's wire shape.
type WireToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function WireFunctionCall `json:"function"`
}

// WireFunctionCall holds the function name and serialized arguments.
type WireFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ChatCompletionResponse is the OpenAI-compatible non-streaming response.
type ChatCompletionResponse struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []WireChoice   `json:"choices"`
	Usage   WireUsage      `json:"usage"`
}

// WireChoice is a single completion choice.
type WireChoice struct {
	Index        int         `json:"index"`
	Message      WireMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// WireUsage mirrors OpenAI's usage accounting block.
type WireUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// WireChunk is a single SSE chat.completion.chunk payload.
type WireChunk struct {
	ID      string            `json:"id"`
	Object  string            `json:"object"`
	Created int64             `json:"created"`
	Model   string            `json:"model"`
	Choices []WireChunkChoice `json:"choices"`
}

// WireChunkChoice is the delta-bearing choice within a WireChunk.
type WireChunkChoice struct {
	Index        int           `json:"index"`
	Delta        WireDelta     `json:"delta"`
	FinishReason *string       `json:"finish_reason"`
}

// WireDelta is the incremental content of a streaming chunk.
type WireDelta struct {
	Content string `json:"content,omitempty"`
}

// ModelsResponse is the body for GET /v1/models: it lists only the
// configured default model, per this module's scope.
type ModelsResponse struct {
	Object string      `json:"object"`
	Data   []ModelInfo `json:"data"`
}

// ModelInfo describes a single model entry in ModelsResponse.
type ModelInfo struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
}

// ToChatRequest converts a wire request into the internal ChatRequest and
// (model, temperature) the caller passes to a Provider/Router/Reliable.
func ToChatRequest(req ChatCompletionRequest) (types.ChatRequest, string, float64) {
	temperature := 1.0
	if req.Temperature != nil {
		temperature = *req.Temperature
	}

	messages := make([]types.ChatMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, wireMessageToChatMessage(m))
	}

	tools := make([]types.ToolSpec, 0, len(req.Tools))
	for _, t := range req.Tools {
		tools = append(tools, types.ToolSpec{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  t.Function.Parameters,
		})
	}

	return types.ChatRequest{Messages: messages, Tools: tools}, req.Model, temperature
}

func wireMessageToChatMessage(m WireMessage) types.ChatMessage {
	switch {
	case m.Role == "assistant" && (len(m.ToolCalls) > 0):
		calls := make([]types.ToolCall, 0, len(m.ToolCalls))
		for _, tc := range m.ToolCalls {
			calls = append(calls, types.ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: tc.Function.Arguments})
		}
		var content *string
		if m.Content != "" {
			content = &m.Content
		}
		return types.ChatMessage{
			Role:    "assistant",
			Content: types.EncodeAssistantEnvelope(types.AssistantToolEnvelope{Content: content, ToolCalls: calls}),
		}
	case m.Role == "tool":
		return types.ChatMessage{
			Role: "tool",
			Content: types.EncodeToolResultEnvelope(types.ToolResultEnvelope{
				ToolCallID: m.ToolCallID,
				Content:    m.Content,
			}),
		}
	default:
		return types.ChatMessage{Role: m.Role, Content: m.Content}
	}
}

// FromChatResponse converts an internal ChatResponse into the OpenAI-compatible
// non-streaming wire response.
func FromChatResponse(resp *types.ChatResponse, model string, createdAt time.Time, requestID string) ChatCompletionResponse {
	msg := WireMessage{Role: "assistant"}
	finishReason := "stop"

	if resp.Text != nil {
		msg.Content = *resp.Text
	}
	if len(resp.ToolCalls) > 0 {
		finishReason = "tool_calls"
		for _, tc := range resp.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, WireToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: WireFunctionCall{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
	}

	out := ChatCompletionResponse{
		ID:      requestID,
		Object:  "chat.completion",
		Created: createdAt.Unix(),
		Model:   model,
		Choices: []WireChoice{{Index: 0, Message: msg, FinishReason: finishReason}},
	}
	if resp.Usage != nil {
		out.Usage = WireUsage{
			PromptTokens:     int(resp.Usage.InputTokens),
			CompletionTokens: int(resp.Usage.OutputTokens),
			TotalTokens:      int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
		}
	}
	return out
}

// FromStreamChunk converts an internal StreamChunk into a wire chunk
// payload ready to be SSE-framed by the gateway. A final chunk carries a
// non-nil finish_reason and no delta content.
func FromStreamChunk(chunk types.StreamChunk, model string, createdAt time.Time, requestID string) WireChunk {
	out := WireChunk{
		ID:      requestID,
		Object:  "chat.completion.chunk",
		Created: createdAt.Unix(),
		Model:   model,
	}
	choice := WireChunkChoice{Index: 0, Delta: WireDelta{Content: chunk.Delta}}
	if chunk.IsFinal {
		reason := "stop"
		choice.FinishReason = &reason
		choice.Delta = WireDelta{}
	}
	out.Choices = []WireChunkChoice{choice}
	return out
}

// MarshalSSEData serializes v and wraps it in the "data: <json>\n\n" SSE
// framing this module's streaming pipeline consumes and a gateway would
// re-emit verbatim.
func MarshalSSEData(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return "data: " + string(b) + "\n\n", nil
}

// DefaultModelsResponse builds the GET /v1/models body listing only the
// configured default model.
func DefaultModelsResponse(defaultModel string) ModelsResponse {
	return ModelsResponse{
		Object: "list",
		Data:   []ModelInfo{{ID: defaultModel, Object: "model", OwnedBy: "zeroclaw"}},
	}
}
