package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/sashabaranov/go-openai"

	. "github.com/zveroz/zeroclaw/internal/logging"
	"github.com/zveroz/zeroclaw/internal/types"
)

// AuthStyle selects how the credential is attached to outbound requests.
type AuthStyle int

const (
	AuthBearer AuthStyle = iota
	AuthAPIKeyHeader
	AuthCustomHeader
)

// CompatibleConfig configures the generic OpenAI-compatible adapter, which
// covers every backend that speaks the /chat/completions wire format
// (Venice, Moonshot, MiniMax, Groq, Mistral, xAI, Z.AI/GLM, VolcEngine,
// Kimi, and similar).
type CompatibleConfig struct {
	BaseURL          string
	Credential       string
	AuthStyle        AuthStyle
	CustomHeaderName string // used when AuthStyle == AuthCustomHeader
}

type CompatibleProvider struct {
	client     *openai.Client
	cfg        CompatibleConfig
	httpClient *http.Client
	baseURL    string
}

func NewCompatibleProvider(cfg CompatibleConfig) (*CompatibleProvider, error) {
	if cfg.Credential == "" {
		return nil, fmt.Errorf("compatible: credential not configured")
	}
	clientCfg := openai.DefaultConfig(cfg.Credential)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	}

	var transport http.RoundTripper
	switch cfg.AuthStyle {
	case AuthAPIKeyHeader:
		transport = &headerAuthTransport{header: "api-key", value: cfg.Credential, base: http.DefaultTransport}
	case AuthCustomHeader:
		name := cfg.CustomHeaderName
		if name == "" {
			name = "X-API-Key"
		}
		transport = &headerAuthTransport{header: name, value: cfg.Credential, base: http.DefaultTransport}
	default:
		transport = &headerAuthTransport{header: "Authorization", value: "Bearer " + cfg.Credential, base: http.DefaultTransport}
	}
	if cfg.AuthStyle != AuthBearer {
		clientCfg.HTTPClient = &http.Client{Transport: transport}
	}

	client := openai.NewClientWithConfig(clientCfg)
	return &CompatibleProvider{
		client:     client,
		cfg:        cfg,
		httpClient: &http.Client{Transport: transport},
		baseURL:    clientCfg.BaseURL,
	}, nil
}

// headerAuthTransport injects a static credential header, for backends that
// don't use "Authorization: Bearer".
type headerAuthTransport struct {
	header string
	value  string
	base   http.RoundTripper
}

func (t *headerAuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set(t.header, t.value)
	return t.base.RoundTrip(req)
}

func (p *CompatibleProvider) Capabilities() types.ProviderCapabilities {
	return types.ProviderCapabilities{NativeToolCalling: true, Vision: true}
}

func (p *CompatibleProvider) ConvertTools(tools []types.ToolSpec) types.ToolsPayload {
	if len(tools) == 0 {
		return types.ToolsPayload{Kind: types.ToolsPayloadOpenAI}
	}
	decls := make([]map[string]any, 0, len(tools))
	for _, t := range tools {
		decls = append(decls, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.Parameters,
			},
		})
	}
	return types.ToolsPayload{Kind: types.ToolsPayloadOpenAI, Declarations: decls}
}

func (p *CompatibleProvider) SupportsNativeTools() bool { return true }
func (p *CompatibleProvider) SupportsVision() bool      { return true }
func (p *CompatibleProvider) SupportsStreaming() bool   { return true }

func (p *CompatibleProvider) ChatWithSystem(ctx context.Context, system *string, message, model string, temperature float64) (string, error) {
	msgs := []types.ChatMessage{{Role: "user", Content: message}}
	if system != nil {
		msgs = append([]types.ChatMessage{{Role: "system", Content: *system}}, msgs...)
	}
	return p.ChatWithHistory(ctx, msgs, model, temperature)
}

func (p *CompatibleProvider) ChatWithHistory(ctx context.Context, messages []types.ChatMessage, model string, temperature float64) (string, error) {
	resp, err := p.Chat(ctx, types.ChatRequest{Messages: messages}, model, temperature)
	if err != nil {
		return "", err
	}
	if resp.Text == nil {
		return "", nil
	}
	return *resp.Text, nil
}

func (p *CompatibleProvider) Chat(ctx context.Context, req types.ChatRequest, model string, temperature float64) (*types.ChatResponse, error) {
	var tools []map[string]any
	if len(req.Tools) > 0 {
		tools = p.ConvertTools(req.Tools).Declarations
	}
	return p.ChatWithTools(ctx, req.Messages, tools, model, temperature)
}

func (p *CompatibleProvider) ChatWithTools(ctx context.Context, messages []types.ChatMessage, tools []map[string]any, model string, temperature float64) (*types.ChatResponse, error) {
	oaiMessages := convertCompatibleMessages(messages)
	oaiTools := convertCompatibleTools(tools)

	req := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    oaiMessages,
		Temperature: float32(temperature),
	}
	if len(oaiTools) > 0 {
		req.Tools = oaiTools
	}

	resp, err := p.client.CreateChatCompletion(ctx, req)
	if err != nil {
		if len(oaiTools) > 0 && isUnknownToolsParamError(err) {
			L_warn("compatible: backend rejected tools parameter, retrying with prompt-guided tool instructions")
			specs := toolSpecsFromDeclarations(tools)
			guided := InjectSystemInstructions(messages, BuildToolInstructions(specs))
			req.Messages = convertCompatibleMessages(guided)
			req.Tools = nil
			resp, err = p.client.CreateChatCompletion(ctx, req)
		}
		if err != nil {
			return nil, Sanitized(err)
		}
	}

	return convertCompatibleResponse(resp), nil
}

// toolSpecsFromDeclarations recovers the tool name/description/parameters
// from the OpenAI-shaped declarations built by ConvertTools, for backends
// that reject the "tools" request field outright and need the prompt-guided
// fallback instead.
func toolSpecsFromDeclarations(tools []map[string]any) []types.ToolSpec {
	specs := make([]types.ToolSpec, 0, len(tools))
	for _, t := range tools {
		fn, ok := t["function"].(map[string]any)
		if !ok {
			continue
		}
		name, _ := fn["name"].(string)
		desc, _ := fn["description"].(string)
		params, _ := fn["parameters"].(map[string]any)
		specs = append(specs, types.ToolSpec{Name: name, Description: desc, Parameters: params})
	}
	return specs
}

func (p *CompatibleProvider) StreamChatWithSystem(ctx context.Context, system *string, message, model string, temperature float64, opts types.StreamOptions) (<-chan types.StreamChunk, error) {
	messages := []types.ChatMessage{{Role: "user", Content: message}}
	if system != nil {
		messages = append([]types.ChatMessage{{Role: "system", Content: *system}}, messages...)
	}

	payload, err := json.Marshal(map[string]any{
		"model":       model,
		"messages":    convertCompatibleMessages(messages),
		"temperature": temperature,
		"stream":      true,
	})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, Sanitized(err)
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(resp.Body)
		return nil, Sanitized(fmt.Errorf("compatible: stream request failed (status %d): %s", resp.StatusCode, string(raw)))
	}

	out := make(chan types.StreamChunk, 16)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		if ferr := DrainReader(resp.Body, out, opts); ferr != nil {
			L_warn("compatible: stream decoding error", "error", ferr.Error())
		}
		out <- types.FinalChunk()
	}()
	return out, nil
}

func (p *CompatibleProvider) Warmup(ctx context.Context) error {
	_, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     "default",
		Messages:  []openai.ChatCompletionMessage{{Role: "user", Content: "hi"}},
		MaxTokens: 1,
	})
	return err
}

func convertCompatibleMessages(messages []types.ChatMessage) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	var lastToolCalls []types.ToolCall

	for _, msg := range messages {
		switch msg.Role {
		case "assistant":
			if env, ok := types.DetectAssistantEnvelope(msg.Content); ok {
				m := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant}
				if env.Content != nil {
					m.Content = *env.Content
				}
				if env.ReasoningContent != nil {
					m.ReasoningContent = *env.ReasoningContent
				}
				for _, tc := range env.ToolCalls {
					m.ToolCalls = append(m.ToolCalls, openai.ToolCall{
						ID:   tc.ID,
						Type: openai.ToolTypeFunction,
						Function: openai.FunctionCall{
							Name:      tc.Name,
							Arguments: tc.Arguments,
						},
					})
				}
				lastToolCalls = env.ToolCalls
				out = append(out, m)
			} else {
				out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: msg.Content})
			}

		case "tool":
			toolCallID := ""
			content := msg.Content
			if env, ok := types.DetectToolResultEnvelope(msg.Content); ok {
				toolCallID = env.ToolCallID
				content = env.Content
			}
			if toolCallID == "" && len(lastToolCalls) == 1 {
				toolCallID = lastToolCalls[0].ID
			}
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    content,
				ToolCallID: toolCallID,
			})

		case "system":
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: msg.Content})

		default:
			text, images := ExtractImages(msg.Content)
			if len(images) == 0 {
				out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: msg.Content})
				continue
			}
			parts := []openai.ChatMessagePart{{Type: openai.ChatMessagePartTypeText, Text: text}}
			for _, img := range images {
				parts = append(parts, openai.ChatMessagePart{
					Type: openai.ChatMessagePartTypeImageURL,
					ImageURL: &openai.ChatMessageImageURL{
						URL: "data:" + img.MimeType + ";base64," + encodeBase64(img.Data),
					},
				})
			}
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, MultiContent: parts})
		}
	}
	return out
}

func convertCompatibleTools(tools []map[string]any) []openai.Tool {
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		fn, ok := t["function"].(map[string]any)
		if !ok {
			continue
		}
		name, _ := fn["name"].(string)
		desc, _ := fn["description"].(string)
		params, _ := fn["parameters"].(map[string]any)
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        name,
				Description: desc,
				Parameters:  params,
			},
		})
	}
	return out
}

func convertCompatibleResponse(resp openai.ChatCompletionResponse) *types.ChatResponse {
	out := &types.ChatResponse{
		Usage: &types.TokenUsage{
			InputTokens:  uint64(resp.Usage.PromptTokens),
			OutputTokens: uint64(resp.Usage.CompletionTokens),
		},
	}
	if len(resp.Choices) == 0 {
		return out
	}
	choice := resp.Choices[0].Message

	for _, tc := range choice.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, types.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}

	if choice.Content != "" {
		content := choice.Content
		out.Text = &content
	}
	if choice.ReasoningContent != "" {
		reasoning := choice.ReasoningContent
		out.ReasoningContent = &reasoning
	}
	return out
}

// isUnknownToolsParamError reports whether err looks like a backend's
// rejection of the "tools" request field (HTTP 400/422 "unknown parameter").
func isUnknownToolsParamError(err error) bool {
	msg := strings.ToLower(err.Error())
	return (strings.Contains(msg, "400") || strings.Contains(msg, "422")) &&
		(strings.Contains(msg, "unknown parameter") || strings.Contains(msg, "unrecognized") && strings.Contains(msg, "tools"))
}
