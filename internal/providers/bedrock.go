package providers

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/google/uuid"

	. "github.com/zveroz/zeroclaw/internal/logging"
	"github.com/zveroz/zeroclaw/internal/types"
)

// BedrockConfig configures the Bedrock adapter. Region is required; an empty
// AccessKey/SecretKey falls back to the default AWS credential chain
// (env vars, shared config, IMDSv2).
type BedrockConfig struct {
	Region    string
	AccessKey string
	SecretKey string
	SessionToken string
}

// BedrockProvider implements Provider against Bedrock's Converse API. It
// builds each request itself and signs it with the SDK's SigV4 signer
// instead of using the bedrockruntime client, because the Converse
// canonical-URI needs a colon encoded as %3A in the model ARN path segment,
// which the stock bedrockruntime client does not allow overriding.
type BedrockProvider struct {
	cfg        BedrockConfig
	httpClient *http.Client
	resolver   aws.CredentialsProvider
}

func NewBedrockProvider(ctx context.Context, cfg BedrockConfig) (*BedrockProvider, error) {
	if cfg.Region == "" {
		return nil, fmt.Errorf("bedrock: region not configured")
	}

	var resolver aws.CredentialsProvider
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		resolver = aws.CredentialsProviderFunc(func(ctx context.Context) (aws.Credentials, error) {
			return aws.Credentials{
				AccessKeyID:     cfg.AccessKey,
				SecretAccessKey: cfg.SecretKey,
				SessionToken:    cfg.SessionToken,
			}, nil
		})
	} else {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
		if err != nil {
			return nil, Sanitized(fmt.Errorf("bedrock: loading default AWS credential chain: %w", err))
		}
		resolver = awsCfg.Credentials
	}

	return &BedrockProvider{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 120 * time.Second},
		resolver:   resolver,
	}, nil
}

func (p *BedrockProvider) Capabilities() types.ProviderCapabilities {
	return types.ProviderCapabilities{NativeToolCalling: true, Vision: true}
}

func (p *BedrockProvider) ConvertTools(tools []types.ToolSpec) types.ToolsPayload {
	if len(tools) == 0 {
		return types.ToolsPayload{Kind: types.ToolsPayloadOpenAI}
	}
	decls := make([]map[string]any, 0, len(tools))
	for _, t := range tools {
		decls = append(decls, map[string]any{
			"toolSpec": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"inputSchema": map[string]any{"json": t.Parameters},
			},
		})
	}
	return types.ToolsPayload{Kind: types.ToolsPayloadOpenAI, Declarations: decls}
}

func (p *BedrockProvider) SupportsNativeTools() bool { return true }
func (p *BedrockProvider) SupportsVision() bool      { return true }
func (p *BedrockProvider) SupportsStreaming() bool   { return false }

func (p *BedrockProvider) ChatWithSystem(ctx context.Context, system *string, message, model string, temperature float64) (string, error) {
	msgs := []types.ChatMessage{{Role: "user", Content: message}}
	if system != nil {
		msgs = append([]types.ChatMessage{{Role: "system", Content: *system}}, msgs...)
	}
	return p.ChatWithHistory(ctx, msgs, model, temperature)
}

func (p *BedrockProvider) ChatWithHistory(ctx context.Context, messages []types.ChatMessage, model string, temperature float64) (string, error) {
	resp, err := p.Chat(ctx, types.ChatRequest{Messages: messages}, model, temperature)
	if err != nil {
		return "", err
	}
	if resp.Text == nil {
		return "", nil
	}
	return *resp.Text, nil
}

func (p *BedrockProvider) Chat(ctx context.Context, req types.ChatRequest, model string, temperature float64) (*types.ChatResponse, error) {
	var toolsPayload []map[string]any
	if len(req.Tools) > 0 {
		toolsPayload = p.ConvertTools(req.Tools).Declarations
	}
	return p.ChatWithTools(ctx, req.Messages, toolsPayload, model, temperature)
}

func (p *BedrockProvider) ChatWithTools(ctx context.Context, messages []types.ChatMessage, tools []map[string]any, model string, temperature float64) (*types.ChatResponse, error) {
	system, rest := extractSystem(messages)
	bedrockMessages := convertBedrockMessages(rest)

	body := map[string]any{
		"messages": bedrockMessages,
		"inferenceConfig": map[string]any{
			"maxTokens":   anthropicMaxTokens,
			"temperature": temperature,
		},
	}
	if system != "" {
		sysBlock := map[string]any{"text": system}
		if ShouldCacheSystem(system) {
			sysBlock["cachePoint"] = map[string]any{"type": "default"}
		}
		body["system"] = []map[string]any{sysBlock}
	}
	if len(tools) > 0 {
		body["toolConfig"] = map[string]any{"tools": tools}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	respBody, err := p.invokeConverse(ctx, model, payload)
	if err != nil {
		return nil, Sanitized(err)
	}

	return parseBedrockResponse(respBody)
}

func (p *BedrockProvider) invokeConverse(ctx context.Context, model string, payload []byte) ([]byte, error) {
	host := fmt.Sprintf("bedrock-runtime.%s.amazonaws.com", p.cfg.Region)
	// The model id may itself contain ':' (inference profile ARNs); the
	// Converse canonical URI encodes it as %3A, which the stdlib path
	// escaping does not do for this segment, so we build the path by hand.
	encodedModel := strings.ReplaceAll(model, ":", "%3A")
	url := fmt.Sprintf("https://%s/model/%s/converse", host, encodedModel)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	creds, err := p.resolver.Retrieve(ctx)
	if err != nil {
		return nil, fmt.Errorf("bedrock: retrieving credentials: %w", err)
	}

	hash := sha256.Sum256(payload)
	payloadHash := hex.EncodeToString(hash[:])

	signer := v4.NewSigner()
	if err := signer.SignHTTP(ctx, creds, req, payloadHash, "bedrock", p.cfg.Region, time.Now()); err != nil {
		return nil, fmt.Errorf("bedrock: signing request: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("bedrock: converse request failed (status %d): %s", resp.StatusCode, string(respBody))
	}
	return respBody, nil
}

func (p *BedrockProvider) StreamChatWithSystem(ctx context.Context, system *string, message, model string, temperature float64, opts types.StreamOptions) (<-chan types.StreamChunk, error) {
	ch := make(chan types.StreamChunk, 1)
	close(ch)
	return ch, nil
}

func (p *BedrockProvider) Warmup(ctx context.Context) error {
	_, err := p.ChatWithHistory(ctx, []types.ChatMessage{{Role: "user", Content: "hi"}}, "anthropic.claude-3-5-haiku-20241022-v1:0", 0)
	return err
}

func convertBedrockMessages(messages []types.ChatMessage) []map[string]any {
	out := make([]map[string]any, 0, len(messages))
	var lastToolCalls []types.ToolCall

	for _, msg := range messages {
		switch msg.Role {
		case "user":
			text, images := ExtractImages(msg.Content)
			var content []map[string]any
			for _, img := range images {
				content = append(content, map[string]any{
					"image": map[string]any{
						"format": strings.TrimPrefix(img.MimeType, "image/"),
						"source": map[string]any{"bytes": img.Data},
					},
				})
			}
			if text != "" {
				content = append(content, map[string]any{"text": text})
			}
			if len(content) == 0 {
				continue
			}
			out = append(out, map[string]any{"role": "user", "content": content})

		case "assistant":
			if env, ok := types.DetectAssistantEnvelope(msg.Content); ok {
				var content []map[string]any
				if env.Content != nil && *env.Content != "" {
					content = append(content, map[string]any{"text": *env.Content})
				}
				for _, tc := range env.ToolCalls {
					var input any
					_ = json.Unmarshal([]byte(tc.Arguments), &input)
					content = append(content, map[string]any{
						"toolUse": map[string]any{"toolUseId": tc.ID, "name": tc.Name, "input": input},
					})
				}
				lastToolCalls = env.ToolCalls
				out = append(out, map[string]any{"role": "assistant", "content": content})
			} else {
				out = append(out, map[string]any{"role": "assistant", "content": []map[string]any{{"text": msg.Content}}})
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
			out = append(out, map[string]any{
				"role": "user",
				"content": []map[string]any{{
					"toolResult": map[string]any{
						"toolUseId": toolCallID,
						"content":   []map[string]any{{"text": content}},
					},
				}},
			})
		}
	}
	return out
}

type bedrockResponse struct {
	Output struct {
		Message struct {
			Content []json.RawMessage `json:"content"`
		} `json:"message"`
	} `json:"output"`
	Usage struct {
		InputTokens  uint64 `json:"inputTokens"`
		OutputTokens uint64 `json:"outputTokens"`
	} `json:"usage"`
}

func parseBedrockResponse(raw []byte) (*types.ChatResponse, error) {
	var parsed bedrockResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("bedrock: decoding converse response: %w", err)
	}

	var textParts []string
	var toolCalls []types.ToolCall

	for _, raw := range parsed.Output.Message.Content {
		var generic map[string]json.RawMessage
		if err := json.Unmarshal(raw, &generic); err != nil {
			continue
		}
		if textRaw, ok := generic["text"]; ok {
			var text string
			if err := json.Unmarshal(textRaw, &text); err == nil && text != "" {
				textParts = append(textParts, text)
			}
			continue
		}
		if toolUseRaw, ok := generic["toolUse"]; ok {
			var tu struct {
				ToolUseID string `json:"toolUseId"`
				Name      string `json:"name"`
				Input     any    `json:"input"`
			}
			if err := json.Unmarshal(toolUseRaw, &tu); err == nil {
				id := tu.ToolUseID
				if id == "" {
					id = uuid.NewString()
				}
				inputBytes, _ := json.Marshal(tu.Input)
				toolCalls = append(toolCalls, types.ToolCall{ID: id, Name: tu.Name, Arguments: string(inputBytes)})
			}
			continue
		}
		// Unknown content block types (e.g. reasoningContent on newer
		// models) are logged by key and then ignored; they do not appear in
		// the returned ChatResponse.
		L_debug("bedrock: unrecognized converse content block", "keys", rawMapKeys(generic))
	}

	resp := &types.ChatResponse{
		ToolCalls: toolCalls,
		Usage: &types.TokenUsage{
			InputTokens:  parsed.Usage.InputTokens,
			OutputTokens: parsed.Usage.OutputTokens,
		},
	}
	if len(textParts) > 0 {
		joined := strings.Join(textParts, "\n")
		resp.Text = &joined
	}
	return resp, nil
}

func rawMapKeys(m map[string]json.RawMessage) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}
