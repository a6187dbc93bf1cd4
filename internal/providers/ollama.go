package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	. "github.com/zveroz/zeroclaw/internal/logging"
	"github.com/zveroz/zeroclaw/internal/types"
)

// OllamaConfig configures the Ollama adapter. Endpoint is normalized to
// strip a trailing "/api" suffix, since callers commonly copy the base URL
// straight from `ollama serve` logs. A ":cloud" model suffix requires a
// non-local endpoint and an API key (Ollama's hosted model proxy).
type OllamaConfig struct {
	Endpoint string
	APIKey   string
}

type OllamaProvider struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
}

func NewOllamaProvider(cfg OllamaConfig) (*OllamaProvider, error) {
	endpoint := strings.TrimSuffix(strings.TrimSuffix(cfg.Endpoint, "/"), "/api")
	if endpoint == "" {
		endpoint = "http://localhost:11434"
	}
	return &OllamaProvider{
		endpoint:   endpoint,
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: 300 * time.Second},
	}, nil
}

func (p *OllamaProvider) Capabilities() types.ProviderCapabilities {
	return types.ProviderCapabilities{NativeToolCalling: true, Vision: true}
}

func (p *OllamaProvider) ConvertTools(tools []types.ToolSpec) types.ToolsPayload {
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

func (p *OllamaProvider) SupportsNativeTools() bool { return true }
func (p *OllamaProvider) SupportsVision() bool      { return true }
func (p *OllamaProvider) SupportsStreaming() bool   { return false }

func (p *OllamaProvider) ChatWithSystem(ctx context.Context, system *string, message, model string, temperature float64) (string, error) {
	msgs := []types.ChatMessage{{Role: "user", Content: message}}
	if system != nil {
		msgs = append([]types.ChatMessage{{Role: "system", Content: *system}}, msgs...)
	}
	return p.ChatWithHistory(ctx, msgs, model, temperature)
}

func (p *OllamaProvider) ChatWithHistory(ctx context.Context, messages []types.ChatMessage, model string, temperature float64) (string, error) {
	resp, err := p.Chat(ctx, types.ChatRequest{Messages: messages}, model, temperature)
	if err != nil {
		return "", err
	}
	if resp.Text == nil {
		return "", nil
	}
	return *resp.Text, nil
}

func (p *OllamaProvider) Chat(ctx context.Context, req types.ChatRequest, model string, temperature float64) (*types.ChatResponse, error) {
	var tools []map[string]any
	if len(req.Tools) > 0 {
		tools = p.ConvertTools(req.Tools).Declarations
	}
	return p.ChatWithTools(ctx, req.Messages, tools, model, temperature)
}

func (p *OllamaProvider) ChatWithTools(ctx context.Context, messages []types.ChatMessage, tools []map[string]any, model string, temperature float64) (*types.ChatResponse, error) {
	if err := p.checkCloudModel(model); err != nil {
		return nil, err
	}

	body := map[string]any{
		"model":    model,
		"messages": convertOllamaMessages(messages),
		"stream":   false,
		"options":  map[string]any{"temperature": temperature},
	}
	if len(tools) > 0 {
		body["tools"] = tools
	}

	raw, err := p.do(ctx, "/api/chat", body)
	if err != nil {
		return nil, Sanitized(err)
	}
	return parseOllamaResponse(raw)
}

func (p *OllamaProvider) checkCloudModel(model string) error {
	if !strings.HasSuffix(model, ":cloud") {
		return nil
	}
	if strings.Contains(p.endpoint, "localhost") || strings.Contains(p.endpoint, "127.0.0.1") {
		return fmt.Errorf("ollama: %q requires a non-local endpoint", model)
	}
	if p.apiKey == "" {
		return fmt.Errorf("ollama: %q requires an API key", model)
	}
	return nil
}

func (p *OllamaProvider) do(ctx context.Context, path string, body map[string]any) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("ollama: request to %s failed (status %d): %s", path, resp.StatusCode, buf.String())
	}
	return buf.Bytes(), nil
}

func (p *OllamaProvider) StreamChatWithSystem(ctx context.Context, system *string, message, model string, temperature float64, opts types.StreamOptions) (<-chan types.StreamChunk, error) {
	ch := make(chan types.StreamChunk, 1)
	close(ch)
	return ch, nil
}

func (p *OllamaProvider) Warmup(ctx context.Context) error {
	_, err := p.do(ctx, "/api/tags", nil)
	return err
}

func convertOllamaMessages(messages []types.ChatMessage) []map[string]any {
	out := make([]map[string]any, 0, len(messages))
	toolNameByID := map[string]string{}

	for _, msg := range messages {
		switch msg.Role {
		case "assistant":
			if env, ok := types.DetectAssistantEnvelope(msg.Content); ok {
				m := map[string]any{"role": "assistant"}
				if env.Content != nil {
					m["content"] = *env.Content
				} else {
					m["content"] = ""
				}
				if len(env.ToolCalls) > 0 {
					var calls []map[string]any
					for _, tc := range env.ToolCalls {
						var args any
						_ = json.Unmarshal([]byte(tc.Arguments), &args)
						calls = append(calls, map[string]any{
							"function": map[string]any{"name": tc.Name, "arguments": args},
						})
						toolNameByID[tc.ID] = tc.Name
					}
					m["tool_calls"] = calls
				}
				out = append(out, m)
			} else {
				out = append(out, map[string]any{"role": "assistant", "content": msg.Content})
			}

		case "tool":
			content := msg.Content
			toolName := ""
			toolCallID := ""
			if env, ok := types.DetectToolResultEnvelope(msg.Content); ok {
				content = env.Content
				toolCallID = env.ToolCallID
				if env.ToolName != nil {
					toolName = *env.ToolName
				}
			}
			if toolName == "" {
				toolName = toolNameByID[toolCallID]
			}
			out = append(out, map[string]any{"role": "tool", "content": content, "tool_name": toolName})

		case "system":
			out = append(out, map[string]any{"role": "system", "content": msg.Content})

		default:
			text, images := ExtractImages(msg.Content)
			if len(images) == 0 {
				out = append(out, map[string]any{"role": "user", "content": msg.Content})
				continue
			}
			encoded := make([]string, 0, len(images))
			for _, img := range images {
				encoded = append(encoded, encodeBase64(img.Data))
			}
			out = append(out, map[string]any{"role": "user", "content": text, "images": encoded})
		}
	}
	return out
}

type ollamaResponse struct {
	Message struct {
		Content   string `json:"content"`
		Thinking  string `json:"thinking"`
		ToolCalls []struct {
			Function struct {
				Name      string `json:"name"`
				Arguments any    `json:"arguments"`
			} `json:"function"`
		} `json:"tool_calls"`
	} `json:"message"`
	PromptEvalCount int `json:"prompt_eval_count"`
	EvalCount       int `json:"eval_count"`
}

func parseOllamaResponse(raw []byte) (*types.ChatResponse, error) {
	var parsed ollamaResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("ollama: decoding chat response: %w", err)
	}

	resp := &types.ChatResponse{
		Usage: &types.TokenUsage{
			InputTokens:  uint64(parsed.PromptEvalCount),
			OutputTokens: uint64(parsed.EvalCount),
		},
	}

	for _, tc := range parsed.Message.ToolCalls {
		argsBytes, _ := json.Marshal(tc.Function.Arguments)
		resp.ToolCalls = append(resp.ToolCalls, types.ToolCall{
			Name:      tc.Function.Name,
			Arguments: string(argsBytes),
		})
	}

	switch content := parsed.Message.Content; {
	case content != "":
		resp.Text = &content
	case len(resp.ToolCalls) == 0 && parsed.Message.Thinking != "":
		preview := parsed.Message.Thinking
		if len(preview) > 100 {
			preview = preview[:100]
		}
		L_debug("ollama: model returned thinking with no content", "thinking_preview", preview)

		placeholder := parsed.Message.Thinking
		if len(placeholder) > 200 {
			placeholder = placeholder[:200]
		}
		text := fmt.Sprintf("I was thinking about this: %s... but I didn't complete my response. Could you try asking again?", placeholder)
		resp.Text = &text
	}
	return resp, nil
}
