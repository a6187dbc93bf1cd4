package providers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/google/uuid"

	. "github.com/zveroz/zeroclaw/internal/logging"
	"github.com/zveroz/zeroclaw/internal/types"
)

const anthropicMaxTokens = 4096

// AnthropicConfig configures the Anthropic adapter.
type AnthropicConfig struct {
	Credential string // API key, or an OAuth token starting with "sk-ant-oat01-"
	BaseURL    string // override for Anthropic-compatible endpoints (e.g. Kimi K2)
}

// AnthropicProvider implements Provider for Anthropic's Messages API.
type AnthropicProvider struct {
	client *anthropic.Client
}

// NewAnthropicProvider builds an Anthropic adapter. OAuth-style credentials
// (the "sk-ant-oat01-" prefix) are sent as a bearer token with the
// oauth-2025-04-20 beta header; everything else is sent as x-api-key.
func NewAnthropicProvider(cfg AnthropicConfig) (*AnthropicProvider, error) {
	if cfg.Credential == "" {
		return nil, fmt.Errorf("anthropic: credential not configured")
	}

	opts := []option.RequestOption{}
	if strings.HasPrefix(cfg.Credential, "sk-ant-oat01-") {
		opts = append(opts,
			option.WithHeader("Authorization", "Bearer "+cfg.Credential),
			option.WithHeader("anthropic-beta", "oauth-2025-04-20"),
		)
	} else {
		opts = append(opts, option.WithAPIKey(cfg.Credential))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	client := anthropic.NewClient(opts...)
	L_debug("anthropic provider created", "baseURL", cfg.BaseURL)
	return &AnthropicProvider{client: &client}, nil
}

func (p *AnthropicProvider) Capabilities() types.ProviderCapabilities {
	return types.ProviderCapabilities{NativeToolCalling: true, Vision: true}
}

func (p *AnthropicProvider) ConvertTools(tools []types.ToolSpec) types.ToolsPayload {
	if len(tools) == 0 {
		return types.ToolsPayload{Kind: types.ToolsPayloadAnthropic}
	}
	decls := make([]map[string]any, 0, len(tools))
	for _, t := range tools {
		decls = append(decls, map[string]any{
			"name":         t.Name,
			"description":  t.Description,
			"input_schema": t.Parameters,
		})
	}
	return types.ToolsPayload{Kind: types.ToolsPayloadAnthropic, Declarations: decls}
}

func (p *AnthropicProvider) SupportsNativeTools() bool { return true }
func (p *AnthropicProvider) SupportsVision() bool      { return true }
func (p *AnthropicProvider) SupportsStreaming() bool   { return false }

func (p *AnthropicProvider) ChatWithSystem(ctx context.Context, system *string, message, model string, temperature float64) (string, error) {
	messages := []types.ChatMessage{{Role: "user", Content: message}}
	if system != nil {
		messages = append([]types.ChatMessage{{Role: "system", Content: *system}}, messages...)
	}
	return p.ChatWithHistory(ctx, messages, model, temperature)
}

func (p *AnthropicProvider) ChatWithHistory(ctx context.Context, messages []types.ChatMessage, model string, temperature float64) (string, error) {
	resp, err := p.Chat(ctx, types.ChatRequest{Messages: messages}, model, temperature)
	if err != nil {
		return "", err
	}
	if resp.Text == nil {
		return "", nil
	}
	return *resp.Text, nil
}

func (p *AnthropicProvider) Chat(ctx context.Context, req types.ChatRequest, model string, temperature float64) (*types.ChatResponse, error) {
	if len(req.Tools) > 0 {
		toolsJSON := anthropicToolsJSON(req.Tools)
		return p.ChatWithTools(ctx, req.Messages, toolsJSON, model, temperature)
	}

	system, rest := extractSystem(req.Messages)
	anthMessages, err := convertAnthropicMessages(rest)
	if err != nil {
		return nil, Sanitized(err)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: anthropicMaxTokens,
		Messages:  anthMessages,
	}
	if system != "" {
		block := anthropic.TextBlockParam{Text: system}
		if ShouldCacheSystem(system) {
			block.CacheControl = anthropic.NewCacheControlEphemeralParam()
		}
		params.System = []anthropic.TextBlockParam{block}
	}
	if ShouldCacheConversation(len(anthMessages)) && len(anthMessages) > 0 {
		markLastMessageCacheable(&anthMessages[len(anthMessages)-1])
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, Sanitized(err)
	}
	return convertAnthropicResponse(msg), nil
}

func (p *AnthropicProvider) ChatWithTools(ctx context.Context, messages []types.ChatMessage, tools []map[string]any, model string, temperature float64) (*types.ChatResponse, error) {
	system, rest := extractSystem(messages)
	anthMessages, err := convertAnthropicMessages(rest)
	if err != nil {
		return nil, Sanitized(err)
	}

	anthTools := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		name, _ := t["name"].(string)
		desc, _ := t["description"].(string)
		schema, _ := t["parameters"].(map[string]any)
		anthTools = append(anthTools, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        name,
				Description: anthropic.String(desc),
				InputSchema: anthropic.ToolInputSchemaParam{Properties: schema["properties"]},
			},
		})
	}
	if len(anthTools) > 0 {
		last := &anthTools[len(anthTools)-1]
		if last.OfTool != nil {
			last.OfTool.CacheControl = anthropic.NewCacheControlEphemeralParam()
		}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: anthropicMaxTokens,
		Messages:  anthMessages,
		Tools:     anthTools,
	}
	if system != "" {
		block := anthropic.TextBlockParam{Text: system}
		if ShouldCacheSystem(system) {
			block.CacheControl = anthropic.NewCacheControlEphemeralParam()
		}
		params.System = []anthropic.TextBlockParam{block}
	}
	if ShouldCacheConversation(len(anthMessages)) && len(anthMessages) > 0 {
		markLastMessageCacheable(&anthMessages[len(anthMessages)-1])
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, Sanitized(err)
	}
	return convertAnthropicResponse(msg), nil
}

func (p *AnthropicProvider) StreamChatWithSystem(ctx context.Context, system *string, message, model string, temperature float64, opts types.StreamOptions) (<-chan types.StreamChunk, error) {
	ch := make(chan types.StreamChunk, 1)
	close(ch)
	return ch, nil
}

func (p *AnthropicProvider) Warmup(ctx context.Context) error {
	_, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.ModelClaude3_5HaikuLatest,
		MaxTokens: 1,
		Messages:  []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock("hi"))},
	})
	return err
}

func extractSystem(messages []types.ChatMessage) (string, []types.ChatMessage) {
	var system string
	rest := make([]types.ChatMessage, 0, len(messages))
	seenSystem := false
	for _, m := range messages {
		if m.Role == "system" {
			if !seenSystem {
				system = m.Content
				seenSystem = true
			}
			continue
		}
		rest = append(rest, m)
	}
	return system, rest
}

func convertAnthropicMessages(messages []types.ChatMessage) ([]anthropic.MessageParam, error) {
	result := make([]anthropic.MessageParam, 0, len(messages))
	var lastToolCalls []types.ToolCall

	for _, msg := range messages {
		switch msg.Role {
		case "user":
			text, images := ExtractImages(msg.Content)
			var blocks []anthropic.ContentBlockParamUnion
			for _, img := range images {
				blocks = append(blocks, anthropic.NewImageBlockBase64(img.MimeType, encodeBase64(img.Data)))
			}
			if text != "" {
				blocks = append(blocks, anthropic.NewTextBlock(text))
			}
			if len(blocks) == 0 {
				continue
			}
			result = append(result, anthropic.NewUserMessage(blocks...))

		case "assistant":
			if env, ok := types.DetectAssistantEnvelope(msg.Content); ok {
				var blocks []anthropic.ContentBlockParamUnion
				if env.Content != nil && *env.Content != "" {
					blocks = append(blocks, anthropic.NewTextBlock(*env.Content))
				}
				for _, tc := range env.ToolCalls {
					var input any
					_ = json.Unmarshal([]byte(tc.Arguments), &input)
					blocks = append(blocks, anthropic.ContentBlockParamUnion{
						OfToolUse: &anthropic.ToolUseBlockParam{
							ID:    tc.ID,
							Name:  tc.Name,
							Input: input,
						},
					})
				}
				lastToolCalls = env.ToolCalls
				result = append(result, anthropic.NewAssistantMessage(blocks...))
			} else {
				result = append(result, anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)))
			}

		case "tool":
			toolName := ""
			content := msg.Content
			toolCallID := ""
			if env, ok := types.DetectToolResultEnvelope(msg.Content); ok {
				content = env.Content
				toolCallID = env.ToolCallID
				if env.ToolName != nil {
					toolName = *env.ToolName
				}
			}
			_ = toolName
			if toolCallID == "" && len(lastToolCalls) == 1 {
				toolCallID = lastToolCalls[0].ID
			}
			result = append(result, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(toolCallID, content, false),
			))

		default:
			// unknown roles are skipped
		}
	}
	return result, nil
}

func markLastMessageCacheable(msg *anthropic.MessageParam) {
	if len(msg.Content) == 0 {
		return
	}
	last := &msg.Content[len(msg.Content)-1]
	if last.OfText != nil {
		last.OfText.CacheControl = anthropic.NewCacheControlEphemeralParam()
	}
}

func convertAnthropicResponse(msg *anthropic.Message) *types.ChatResponse {
	var textParts []string
	var toolCalls []types.ToolCall

	for _, block := range msg.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			if variant.Text != "" {
				textParts = append(textParts, variant.Text)
			}
		case anthropic.ToolUseBlock:
			inputBytes, _ := json.Marshal(variant.Input)
			id := variant.ID
			if id == "" {
				id = uuid.NewString()
			}
			toolCalls = append(toolCalls, types.ToolCall{
				ID:        id,
				Name:      variant.Name,
				Arguments: string(inputBytes),
			})
		}
	}

	resp := &types.ChatResponse{
		ToolCalls: toolCalls,
		Usage: &types.TokenUsage{
			InputTokens:  uint64(msg.Usage.InputTokens),
			OutputTokens: uint64(msg.Usage.OutputTokens),
		},
	}
	if len(textParts) > 0 {
		joined := strings.Join(textParts, "\n")
		resp.Text = &joined
	}
	return resp
}

func anthropicToolsJSON(tools []types.ToolSpec) []map[string]any {
	out := make([]map[string]any, 0, len(tools))
	for _, t := range tools {
		out = append(out, map[string]any{
			"name":        t.Name,
			"description": t.Description,
			"parameters":  t.Parameters,
		})
	}
	return out
}

func encodeBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}
