// Package providers defines the Provider contract shared by every LLM
// backend adapter (anthropic, bedrock, compatible, copilot, gemini, ollama,
// openrouter), plus the shared transformations (role mapping, tool-call
// envelope reconstruction, multimodal image extraction, prompt-guided tool
// instructions, error sanitization) and the SSE streaming decoder.
package providers

import (
	"context"
	"fmt"

	"github.com/zveroz/zeroclaw/internal/types"
)

// Provider is the unified interface implemented by every backend adapter.
// All operations are cancellable via ctx; adapters hold no per-call mutable
// state outside explicitly documented caches (Copilot's cached key, Gemini's
// OAuth project cache).
type Provider interface {
	// Capabilities is synchronous and pure.
	Capabilities() types.ProviderCapabilities

	// ConvertTools is synchronous and pure. The default implementation
	// (DefaultConvertTools) returns a PromptGuided payload; native-tool
	// adapters override this.
	ConvertTools(tools []types.ToolSpec) types.ToolsPayload

	ChatWithSystem(ctx context.Context, system *string, message, model string, temperature float64) (string, error)
	ChatWithHistory(ctx context.Context, messages []types.ChatMessage, model string, temperature float64) (string, error)
	Chat(ctx context.Context, req types.ChatRequest, model string, temperature float64) (*types.ChatResponse, error)
	ChatWithTools(ctx context.Context, messages []types.ChatMessage, tools []map[string]any, model string, temperature float64) (*types.ChatResponse, error)

	SupportsNativeTools() bool
	SupportsVision() bool
	SupportsStreaming() bool

	StreamChatWithSystem(ctx context.Context, system *string, message, model string, temperature float64, opts types.StreamOptions) (<-chan types.StreamChunk, error)

	Warmup(ctx context.Context) error
}

// ErrCapability is returned when a caller requests a feature the active
// provider does not support.
type ErrCapability struct {
	Provider string
	Reason   string
}

func (e *ErrCapability) Error() string {
	return fmt.Sprintf("provider capability error (%s): %s", e.Provider, e.Reason)
}

// DefaultConvertTools is the fallback ConvertTools implementation for
// adapters without native tool calling: it always returns a prompt-guided
// instruction payload.
func DefaultConvertTools(tools []types.ToolSpec) types.ToolsPayload {
	return types.ToolsPayload{
		Kind:         types.ToolsPayloadPromptGuided,
		Instructions: BuildToolInstructions(tools),
	}
}

// SupportsNativeTools derives from Capabilities().
func SupportsNativeTools(p Provider) bool { return p.Capabilities().NativeToolCalling }

// SupportsVision derives from Capabilities().
func SupportsVision(p Provider) bool { return p.Capabilities().Vision }

// DefaultChat implements the shared "chat" fallback behavior described in
// spec §4.1: when the adapter does not support native tools and tools are
// requested, it injects a prompt-guided instruction block into the system
// message and delegates to ChatWithHistory. Adapters whose ConvertTools
// returns anything but PromptGuided but that still reach this path (i.e.
// genuinely have no native tool execution wired into Chat) is a contract
// violation and DefaultChat fails closed.
func DefaultChat(ctx context.Context, p Provider, providerName string, req types.ChatRequest, model string, temperature float64, chatWithHistory func(context.Context, []types.ChatMessage, string, float64) (string, error)) (*types.ChatResponse, error) {
	if len(req.Tools) == 0 {
		text, err := chatWithHistory(ctx, req.Messages, model, temperature)
		if err != nil {
			return nil, err
		}
		return &types.ChatResponse{Text: &text}, nil
	}

	payload := p.ConvertTools(req.Tools)
	if payload.Kind != types.ToolsPayloadPromptGuided {
		return nil, &ErrCapability{Provider: providerName, Reason: "prompt-guided fallback requires prompt-guided tool payload"}
	}

	messages := InjectSystemInstructions(req.Messages, payload.Instructions)
	text, err := chatWithHistory(ctx, messages, model, temperature)
	if err != nil {
		return nil, err
	}
	return &types.ChatResponse{Text: &text}, nil
}

// InjectSystemInstructions appends instructions to the first system message
// (separated by a blank line) or inserts a new leading system message.
func InjectSystemInstructions(messages []types.ChatMessage, instructions string) []types.ChatMessage {
	out := make([]types.ChatMessage, len(messages))
	copy(out, messages)

	for i := range out {
		if out[i].Role == "system" {
			out[i].Content = out[i].Content + "\n\n" + instructions
			return out
		}
	}

	return append([]types.ChatMessage{{Role: "system", Content: instructions}}, out...)
}
